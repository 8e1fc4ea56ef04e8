package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/treepeck/showchat/internal/metrics"
	"github.com/treepeck/showchat/internal/subscription"
)

// OperationRoomPresence is the subscription operation that tracks presence
// in a show room.
const OperationRoomPresence = "roomPresence"

var tracer = otel.Tracer("github.com/treepeck/showchat/internal/presence")

/*
Channel describes one presence-like side channel: where its records are
stored, which topic its change events are published on, and which subscribe
variables carry the access token and the room.
*/
type Channel struct {
	Store    Store
	Resolver Resolver
	Topic    string
	TokenVar string
	RoomVar  string
}

/*
DefaultChannel returns the room presence channel.  A nil resolver publishes
records without expansion.
*/
func DefaultChannel(store Store, resolver Resolver) Channel {
	return Channel{
		Store:    store,
		Resolver: resolver,
		Topic:    subscription.TopicRoomPresenceChanged,
		TokenVar: "accessToken",
		RoomVar:  "room",
	}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRetry bounds the store retries.  Zero disables retrying.
func WithRetry(retries uint64, initialInterval time.Duration) Option {
	return func(g *Gateway) {
		g.retries = retries
		g.retryInterval = initialInterval
	}
}

// WithTimeout bounds a single join or leave pipeline.
func WithTimeout(d time.Duration) Option {
	return func(g *Gateway) { g.timeout = d }
}

/*
Gateway decorates a subscription transport with presence tracking.

All calls on the same handle are serialized by a per-handle lock, and joins
and leaves of the same identity are serialized by a per-identity lock, so that
concurrent subscribes of one identity resolve in lock acquisition order and a
leave is never published before its join.  Locks are always taken in handle,
then identity order.
*/
type Gateway struct {
	inner         subscription.Transport
	verifier      Verifier
	bus           Bus
	mu            sync.RWMutex
	routes        map[string]Channel
	sessions      *sessionTable
	handles       *keyedMutex
	identities    *keyedMutex
	now           func() time.Time
	log           zerolog.Logger
	retries       uint64
	retryInterval time.Duration
	timeout       time.Duration
}

func NewGateway(
	inner subscription.Transport,
	verifier Verifier,
	bus Bus,
	log zerolog.Logger,
	opts ...Option,
) *Gateway {
	g := &Gateway{
		inner:         inner,
		verifier:      verifier,
		bus:           bus,
		routes:        make(map[string]Channel),
		sessions:      newSessionTable(),
		handles:       newKeyedMutex(),
		identities:    newKeyedMutex(),
		now:           time.Now,
		log:           log.With().Str("component", "presence-gateway").Logger(),
		retries:       3,
		retryInterval: 100 * time.Millisecond,
		timeout:       10 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

/*
Route registers the channel for the operation name.  Subscriptions of
operations without a route are passed through.
*/
func (g *Gateway) Route(operation string, c Channel) {
	if c.Resolver == nil {
		c.Resolver = bareResolver{}
	}

	g.mu.Lock()
	g.routes[operation] = c
	g.mu.Unlock()
}

func (g *Gateway) route(operation string) (Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	c, exists := g.routes[operation]
	return c, exists
}

/*
Subscribe delegates to the wrapped transport first.  Presence tracking is a
side channel: its failures are logged and never affect the returned handle.

The handle lock can only be taken once the wrapped transport returned the
handle.  When the transport implements [subscription.HandleChecker], a handle
that was unsubscribed in between is not tracked.
*/
func (g *Gateway) Subscribe(ctx context.Context, req subscription.Request) (subscription.Handle, error) {
	h, err := g.inner.Subscribe(ctx, req)
	if err != nil {
		return h, err
	}

	c, routed := g.route(req.OperationName)
	if !routed {
		return h, nil
	}

	unlock := g.handles.lock(string(h))
	defer unlock()

	if !g.Active(h) {
		g.log.Debug().Str("handle", string(h)).Msg("presence not tracked, handle already ended")
		return h, nil
	}

	g.join(ctx, c, h, req)
	return h, nil
}

/*
Active implements [subscription.HandleChecker] for transports stacked on top of
the gateway.  A wrapped transport that cannot tell reports every handle as
active.
*/
func (g *Gateway) Active(h subscription.Handle) bool {
	p, ok := g.inner.(subscription.HandleChecker)
	return !ok || p.Active(h)
}

/*
Unsubscribe reverses the presence of a tracked session.  The wrapped transport
is unsubscribed first: when it fails, the session and its presence are left
intact so that the call can be retried.  Untracked handles are passed through.
*/
func (g *Gateway) Unsubscribe(ctx context.Context, h subscription.Handle) error {
	unlock := g.handles.lock(string(h))
	defer unlock()

	s, tracked := g.sessions.get(h)
	if !tracked {
		return g.inner.Unsubscribe(ctx, h)
	}

	if err := g.inner.Unsubscribe(ctx, h); err != nil {
		return err
	}

	c, routed := g.route(s.Operation)
	if !routed {
		g.sessions.remove(h)
		metrics.PresenceSessions.Dec()
		return nil
	}

	g.leave(ctx, c, s)
	return nil
}

/*
Sessions returns the number of tracked sessions.
*/
func (g *Gateway) Sessions() int {
	return g.sessions.len()
}

func (g *Gateway) join(ctx context.Context, c Channel, h subscription.Handle, req subscription.Request) {
	ctx, cancel := g.detach(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "presence.join", trace.WithAttributes(
		attribute.String("presence.operation", req.OperationName),
	))
	defer span.End()

	log := g.log.With().
		Str("handle", string(h)).
		Str("operation", req.OperationName).
		Logger()

	identity, err := g.verifier.Verify(ctx, req.Variables.String(c.TokenVar))
	if err != nil {
		metrics.AuthFailures.WithLabelValues(req.OperationName).Inc()
		span.SetAttributes(attribute.String("presence.result", "anonymous"))
		log.Debug().Err(err).Msg("presence not tracked, no identity")
		return
	}

	room := req.Variables.String(c.RoomVar)
	if room == "" {
		span.SetAttributes(attribute.String("presence.result", "no_room"))
		log.Debug().Str("identity", identity).Msg("presence not tracked, no room")
		return
	}

	log = log.With().Str("identity", identity).Str("room", room).Logger()
	span.SetAttributes(attribute.String("presence.identity", identity), attribute.String("presence.room", room))

	unlock := g.identities.lock(identityKey(req.OperationName, identity))
	defer unlock()

	var rec Record
	err = g.retry(ctx, func() error {
		r, err := c.Store.Upsert(ctx, identity, room)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		perr := &PersistenceError{Call: "upsert", Identity: identity, Err: err}
		metrics.PersistenceErrors.WithLabelValues(req.OperationName, "upsert").Inc()
		span.RecordError(perr)
		span.SetStatus(codes.Error, "upsert failed")
		log.Error().Err(perr).Msg("presence not tracked, store unavailable")
		return
	}

	g.publish(ctx, c, req.OperationName, true, rec, log)

	g.sessions.insert(Session{
		Handle:    h,
		Operation: req.OperationName,
		Identity:  identity,
		Room:      room,
		CreatedAt: g.now(),
	})
	metrics.PresenceSessions.Inc()

	log.Info().Msg("joined")
}

func (g *Gateway) leave(ctx context.Context, c Channel, s Session) {
	ctx, cancel := g.detach(ctx)
	defer cancel()

	ctx, span := tracer.Start(ctx, "presence.leave", trace.WithAttributes(
		attribute.String("presence.operation", s.Operation),
		attribute.String("presence.identity", s.Identity),
		attribute.String("presence.room", s.Room),
	))
	defer span.End()

	log := g.log.With().
		Str("handle", string(s.Handle)).
		Str("operation", s.Operation).
		Str("identity", s.Identity).
		Str("room", s.Room).
		Logger()

	unlock := g.identities.lock(identityKey(s.Operation, s.Identity))
	defer unlock()

	// The session is removed on every path below.
	defer metrics.PresenceSessions.Dec()

	if g.sessions.shared(s) {
		g.sessions.remove(s.Handle)
		log.Debug().Msg("left, presence still held by another session")
		return
	}

	var (
		rec   Record
		found bool
	)
	err := g.retry(ctx, func() error {
		r, err := c.Store.Find(ctx, s.Identity)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		rec, found = r, true
		return nil
	})
	if err != nil {
		g.sessions.remove(s.Handle)
		perr := &PersistenceError{Call: "find", Identity: s.Identity, Err: err}
		metrics.PersistenceErrors.WithLabelValues(s.Operation, "find").Inc()
		span.RecordError(perr)
		span.SetStatus(codes.Error, "find failed")
		log.Error().Err(perr).Msg("left, presence record may linger")
		return
	}

	// A missing record was already removed; a record in another room belongs
	// to a later join of the same identity.
	if !found || rec.Room != s.Room {
		g.sessions.remove(s.Handle)
		log.Debug().Bool("found", found).Str("stored_room", rec.Room).Msg("left, presence superseded")
		return
	}

	g.publish(ctx, c, s.Operation, false, rec, log)
	g.sessions.remove(s.Handle)

	var deleted bool
	err = g.retry(ctx, func() error {
		d, err := c.Store.DeleteIf(ctx, rec)
		deleted = d
		return err
	})
	if err != nil {
		perr := &PersistenceError{Call: "delete", Identity: s.Identity, Err: err}
		metrics.PersistenceErrors.WithLabelValues(s.Operation, "delete").Inc()
		span.RecordError(perr)
		span.SetStatus(codes.Error, "delete failed")
		log.Error().Err(perr).Msg("left, presence record lingers")
		return
	}
	if !deleted {
		log.Debug().Msg("left, presence record already replaced by another gateway")
		return
	}

	log.Info().Msg("left")
}

/*
publish resolves the record and publishes the change event.  Resolution and
delivery failures are reported but never roll back the presence state.
*/
func (g *Gateway) publish(ctx context.Context, c Channel, operation string, added bool, rec Record, log zerolog.Logger) bool {
	detail, err := c.Resolver.Resolve(ctx, rec)
	if err != nil {
		log.Warn().Err(err).Msg("presence detail not resolved")
		detail = Detail{Record: rec}
	}

	if err := g.bus.Publish(ctx, c.Topic, Event{Added: added, Record: detail}); err != nil {
		metrics.PublishFailures.WithLabelValues(c.Topic).Inc()
		log.Warn().Err(err).Bool("added", added).Msg("presence event not delivered")
		return false
	}

	metrics.RecordEvent(operation, added)
	return true
}

func (g *Gateway) retry(ctx context.Context, op func() error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = g.retryInterval
	b.MaxElapsedTime = g.timeout

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, g.retries), ctx))
}

/*
detach keeps the pipeline running when the caller goes away mid-flight, so
that a join is never cut between the store write and the session insert.
*/
func (g *Gateway) detach(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), g.timeout)
}

func identityKey(operation, identity string) string {
	return operation + "\x00" + identity
}
