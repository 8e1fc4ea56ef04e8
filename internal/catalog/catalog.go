/*
Package catalog maintains the homepage feed of trending shows.  Shows are
fetched from Trakt, their artwork from Fanart, and both are persisted through a
Store.  The shows' ids double as chat room ids.
*/
package catalog

import (
	"context"
	"errors"
	"time"

	"github.com/treepeck/showchat/pkg/types"
)

// FeedHomepage is the name of the feed served on the homepage.
const FeedHomepage = "homepage"

// ErrFeedNotFound is returned by a Store when the feed was never saved.
var ErrFeedNotFound = errors.New("feed not found")

/*
Store persists shows and feeds.
*/
type Store interface {
	// Feed returns the named feed with its shows in order.
	Feed(ctx context.Context, name string) (types.Feed, error)
	// UpsertShow creates the show or updates the show with the same slug.  The
	// stored id and images are preserved and the stored show is returned.
	UpsertShow(ctx context.Context, s types.Show) (types.Show, error)
	SaveImages(ctx context.Context, showId string, img types.Images) error
	SaveFeed(ctx context.Context, name string, showIds []string, updatedAt time.Time) error
}

// Trending lists the currently trending shows.
type Trending interface {
	Trending(ctx context.Context, limit int) ([]types.Show, error)
}

// Artwork looks up the images of a show.
type Artwork interface {
	ShowImages(ctx context.Context, s types.Show) (types.Images, error)
}
