package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/treepeck/showchat/internal/metrics"
	"github.com/treepeck/showchat/pkg/types"
)

const (
	DefaultTTL           = time.Hour
	DefaultTrendingLimit = 20
	defaultConcurrency   = 4
	refreshTimeout       = 2 * time.Minute
)

// RefresherOption configures a Refresher.
type RefresherOption func(*Refresher)

// WithTTL sets the minimum age of the homepage before a refresh is attempted.
func WithTTL(ttl time.Duration) RefresherOption {
	return func(r *Refresher) { r.ttl = ttl }
}

// WithTrendingLimit sets the number of trending shows placed on the homepage.
func WithTrendingLimit(limit int) RefresherOption {
	return func(r *Refresher) { r.limit = limit }
}

// WithConcurrency bounds the concurrent store writes and image lookups.
func WithConcurrency(n int) RefresherOption {
	return func(r *Refresher) { r.concurrency = n }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) RefresherOption {
	return func(r *Refresher) { r.now = now }
}

// Refresher rebuilds the homepage feed from the trending shows.
type Refresher struct {
	store       Store
	trending    Trending
	artwork     Artwork
	ttl         time.Duration
	limit       int
	concurrency int
	now         func() time.Time
	log         zerolog.Logger
	group       singleflight.Group
}

func NewRefresher(store Store, trending Trending, artwork Artwork, log zerolog.Logger, opts ...RefresherOption) *Refresher {
	r := &Refresher{
		store:       store,
		trending:    trending,
		artwork:     artwork,
		ttl:         DefaultTTL,
		limit:       DefaultTrendingLimit,
		concurrency: defaultConcurrency,
		now:         time.Now,
		log:         log.With().Str("component", "catalog-refresher").Logger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Homepage returns the current homepage feed.
func (r *Refresher) Homepage(ctx context.Context) (types.Feed, error) {
	return r.store.Feed(ctx, FeedHomepage)
}

// Refresh rebuilds the homepage unless it was refreshed within the TTL.
// A forced refresh ignores the TTL.  Overlapping calls with the same force
// share one refresh; a forced call never joins a TTL-gated one.
func (r *Refresher) Refresh(ctx context.Context, force bool) error {
	key := FeedHomepage
	if force {
		key += ":force"
	}

	ch := r.group.DoChan(key, func() (any, error) {
		// The refresh outlives the first caller so that joined callers are not
		// cancelled with it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return nil, r.refresh(ctx, force)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Refresher) refresh(ctx context.Context, force bool) error {
	feed, err := r.store.Feed(ctx, FeedHomepage)
	switch {
	case errors.Is(err, ErrFeedNotFound):
	case err != nil:
		metrics.CatalogRefreshErrors.Inc()
		return fmt.Errorf("load homepage: %w", err)
	case !force && r.now().Before(feed.LastUpdated.Add(r.ttl)):
		r.log.Debug().Time("last_updated", feed.LastUpdated).Msg("homepage is fresh")
		return nil
	}

	start := time.Now()
	defer func() { metrics.CatalogRefreshDuration.Observe(time.Since(start).Seconds()) }()

	if err := r.rebuild(ctx); err != nil {
		metrics.CatalogRefreshErrors.Inc()
		return err
	}
	return nil
}

func (r *Refresher) rebuild(ctx context.Context) error {
	shows, err := r.trending.Trending(ctx, r.limit)
	if err != nil {
		return fmt.Errorf("fetch trending shows: %w", err)
	}

	persisted := make([]types.Show, len(shows))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, s := range shows {
		g.Go(func() error {
			p, err := r.store.UpsertShow(gctx, s)
			if err != nil {
				return fmt.Errorf("upsert show %q: %w", s.Slug, err)
			}
			persisted[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Missing artwork is filled by a later refresh.
	var images errgroup.Group
	images.SetLimit(r.concurrency)
	for i := range persisted {
		s := persisted[i]
		if s.HasImages() {
			continue
		}
		images.Go(func() error {
			img, err := r.artwork.ShowImages(ctx, s)
			if err != nil {
				r.log.Warn().Err(err).Str("slug", s.Slug).Msg("show images not fetched")
				return nil
			}
			if err := r.store.SaveImages(ctx, s.Id, img); err != nil {
				r.log.Warn().Err(err).Str("slug", s.Slug).Msg("show images not saved")
				return nil
			}
			persisted[i].Images = img
			return nil
		})
	}
	images.Wait()

	ids := make([]string, len(persisted))
	for i, s := range persisted {
		ids[i] = s.Id
	}
	if err := r.store.SaveFeed(ctx, FeedHomepage, ids, r.now()); err != nil {
		return fmt.Errorf("save homepage: %w", err)
	}

	r.log.Info().Int("shows", len(ids)).Msg("homepage refreshed")
	return nil
}
