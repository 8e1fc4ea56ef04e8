package presence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treepeck/showchat/internal/presence"
	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/types"
)

// fakeTransport hands out sequential handles and records every call.
type fakeTransport struct {
	mu             sync.Mutex
	next           int
	subscribed     []subscription.Request
	unsubscribed   []subscription.Handle
	subscribeErr   error
	unsubscribeErr error
}

func (f *fakeTransport) Subscribe(ctx context.Context, req subscription.Request) (subscription.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.subscribed = append(f.subscribed, req)
	if f.subscribeErr != nil {
		return "", f.subscribeErr
	}
	f.next++
	return subscription.Handle(fmt.Sprintf("h-%d", f.next)), nil
}

func (f *fakeTransport) Unsubscribe(ctx context.Context, h subscription.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.unsubscribed = append(f.unsubscribed, h)
	return f.unsubscribeErr
}

func (f *fakeTransport) failUnsubscribe(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribeErr = err
}

func (f *fakeTransport) unsubscribes() []subscription.Handle {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]subscription.Handle(nil), f.unsubscribed...)
}

// tokenVerifier accepts tokens of the form "tok-<identity>".
type tokenVerifier struct{}

var errBadToken = errors.New("bad token")

func (tokenVerifier) Verify(ctx context.Context, token string) (string, error) {
	var id int
	if _, err := fmt.Sscanf(token, "tok-%d", &id); err != nil {
		return "", errBadToken
	}
	return fmt.Sprint(id), nil
}

// recordingBus keeps every published presence event in order.
type recordingBus struct {
	mu     sync.Mutex
	topics []string
	events []presence.Event
	err    error
}

func (b *recordingBus) Publish(ctx context.Context, topic string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err != nil {
		return b.err
	}
	b.topics = append(b.topics, topic)
	b.events = append(b.events, payload.(presence.Event))
	return nil
}

func (b *recordingBus) published() []presence.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]presence.Event(nil), b.events...)
}

// flakyStore fails the first n calls of each kind.
type flakyStore struct {
	*presence.MemoryStore
	mu          sync.Mutex
	upsertFails int
	findFails   int
	deleteFails int
	upserts     int
}

var errStoreDown = errors.New("store down")

func (s *flakyStore) Upsert(ctx context.Context, identity, room string) (presence.Record, error) {
	s.mu.Lock()
	s.upserts++
	fail := s.upsertFails > 0
	if fail {
		s.upsertFails--
	}
	s.mu.Unlock()

	if fail {
		return presence.Record{}, errStoreDown
	}
	return s.MemoryStore.Upsert(ctx, identity, room)
}

func (s *flakyStore) Find(ctx context.Context, identity string) (presence.Record, error) {
	s.mu.Lock()
	fail := s.findFails > 0
	if fail {
		s.findFails--
	}
	s.mu.Unlock()

	if fail {
		return presence.Record{}, errStoreDown
	}
	return s.MemoryStore.Find(ctx, identity)
}

func (s *flakyStore) DeleteIf(ctx context.Context, r presence.Record) (bool, error) {
	s.mu.Lock()
	fail := s.deleteFails > 0
	if fail {
		s.deleteFails--
	}
	s.mu.Unlock()

	if fail {
		return false, errStoreDown
	}
	return s.MemoryStore.DeleteIf(ctx, r)
}

// hookStore runs afterFind once, right after the first Find returns.
type hookStore struct {
	*presence.MemoryStore
	once      sync.Once
	afterFind func()
}

func (s *hookStore) Find(ctx context.Context, identity string) (presence.Record, error) {
	r, err := s.MemoryStore.Find(ctx, identity)
	s.once.Do(s.afterFind)
	return r, err
}

// endingTransport ends every subscription before Subscribe returns, as a
// transport that exposes its handles early could.
type endingTransport struct {
	*subscription.Manager
	end func(h subscription.Handle)
}

func (t *endingTransport) Subscribe(ctx context.Context, req subscription.Request) (subscription.Handle, error) {
	h, err := t.Manager.Subscribe(ctx, req)
	if err == nil {
		t.end(h)
	}
	return h, err
}

type fixture struct {
	inner   *fakeTransport
	bus     *recordingBus
	store   *presence.MemoryStore
	gateway *presence.Gateway
}

func newFixture(t *testing.T, store presence.Store, resolver presence.Resolver) fixture {
	t.Helper()

	mem := presence.NewMemoryStore()
	if store == nil {
		store = mem
	} else if fs, ok := store.(*flakyStore); ok {
		mem = fs.MemoryStore
	}

	f := fixture{
		inner: &fakeTransport{},
		bus:   &recordingBus{},
		store: mem,
	}
	f.gateway = presence.NewGateway(f.inner, tokenVerifier{}, f.bus, zerolog.Nop(),
		presence.WithRetry(2, time.Millisecond),
		presence.WithTimeout(time.Second),
	)
	f.gateway.Route(presence.OperationRoomPresence, presence.DefaultChannel(store, resolver))
	return f
}

func presenceRequest(token, room string) subscription.Request {
	return subscription.Request{
		OperationName: presence.OperationRoomPresence,
		Variables:     subscription.Variables{"accessToken": token, "room": room},
	}
}

func requireRecord(t *testing.T, store presence.Store, identity, room string) {
	t.Helper()
	rec, err := store.Find(context.Background(), identity)
	require.NoError(t, err)
	assert.Equal(t, room, rec.Room)
}

func requireNoRecord(t *testing.T, store presence.Store, identity string) {
	t.Helper()
	_, err := store.Find(context.Background(), identity)
	require.ErrorIs(t, err, presence.ErrNotFound)
}

func assertEvent(t *testing.T, e presence.Event, added bool, identity, room string) {
	t.Helper()
	assert.Equal(t, added, e.Added)
	assert.Equal(t, identity, e.Record.Identity)
	assert.Equal(t, room, e.Record.Room)
}

func TestSubscribeWithValidToken(t *testing.T) {
	f := newFixture(t, nil, nil)

	h, err := f.gateway.Subscribe(context.Background(), presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	assert.Equal(t, subscription.Handle("h-1"), h)

	events := f.bus.published()
	require.Len(t, events, 1)
	assertEvent(t, events[0], true, "42", "R1")
	assert.Equal(t, []string{subscription.TopicRoomPresenceChanged}, f.bus.topics)

	requireRecord(t, f.store, "42", "R1")
	assert.Equal(t, 1, f.gateway.Sessions())
}

func TestSubscribeWithInvalidToken(t *testing.T) {
	for _, token := range []string{"bad", ""} {
		t.Run(fmt.Sprintf("token %q", token), func(t *testing.T) {
			f := newFixture(t, nil, nil)

			h, err := f.gateway.Subscribe(context.Background(), presenceRequest(token, "R1"))
			require.NoError(t, err)
			assert.NotEmpty(t, h)

			assert.Empty(t, f.bus.published())
			assert.Equal(t, 0, f.store.Len())
			assert.Equal(t, 0, f.gateway.Sessions())
		})
	}
}

func TestSubscribeWithoutRoom(t *testing.T) {
	f := newFixture(t, nil, nil)

	_, err := f.gateway.Subscribe(context.Background(), presenceRequest("tok-42", ""))
	require.NoError(t, err)

	assert.Empty(t, f.bus.published())
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestUnsubscribeReversesPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	require.NoError(t, f.gateway.Unsubscribe(ctx, h))

	events := f.bus.published()
	require.Len(t, events, 2)
	assertEvent(t, events[1], false, "42", "R1")

	requireNoRecord(t, f.store, "42")
	assert.Equal(t, 0, f.gateway.Sessions())
	assert.Equal(t, []subscription.Handle{h}, f.inner.unsubscribes())
}

func TestUnsubscribeUnknownHandle(t *testing.T) {
	f := newFixture(t, nil, nil)

	require.NoError(t, f.gateway.Unsubscribe(context.Background(), "never-seen-handle"))

	assert.Empty(t, f.bus.published())
	assert.Equal(t, []subscription.Handle{"never-seen-handle"}, f.inner.unsubscribes())
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	require.NoError(t, f.gateway.Unsubscribe(ctx, h))
	require.NoError(t, f.gateway.Unsubscribe(ctx, h))

	events := f.bus.published()
	require.Len(t, events, 2)
	assert.True(t, events[0].Added)
	assert.False(t, events[1].Added)
}

func TestJoiningAnotherRoomOverwritesRecord(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	h1, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	h2, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R2"))
	require.NoError(t, err)

	events := f.bus.published()
	require.Len(t, events, 2)
	assertEvent(t, events[1], true, "42", "R2")

	requireRecord(t, f.store, "42", "R2")
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, 2, f.gateway.Sessions())

	// The R1 session was superseded: leaving it must not clear the R2 presence.
	require.NoError(t, f.gateway.Unsubscribe(ctx, h1))
	assert.Len(t, f.bus.published(), 2)
	requireRecord(t, f.store, "42", "R2")
	assert.Equal(t, 1, f.gateway.Sessions())

	require.NoError(t, f.gateway.Unsubscribe(ctx, h2))
	events = f.bus.published()
	require.Len(t, events, 3)
	assertEvent(t, events[2], false, "42", "R2")
	requireNoRecord(t, f.store, "42")
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestSameRoomFromTwoSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	h1, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	h2, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	require.Len(t, f.bus.published(), 2)

	require.NoError(t, f.gateway.Unsubscribe(ctx, h1))
	assert.Len(t, f.bus.published(), 2, "presence is still held by the second session")
	requireRecord(t, f.store, "42", "R1")

	require.NoError(t, f.gateway.Unsubscribe(ctx, h2))
	events := f.bus.published()
	require.Len(t, events, 3)
	assertEvent(t, events[2], false, "42", "R1")
	requireNoRecord(t, f.store, "42")
}

func TestPassThrough(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	req := subscription.Request{
		OperationName: "roomMessages",
		Variables:     subscription.Variables{"accessToken": "tok-42", "room": "R1"},
	}
	h, err := f.gateway.Subscribe(ctx, req)
	require.NoError(t, err)
	require.Len(t, f.inner.subscribed, 1)
	assert.Equal(t, req.OperationName, f.inner.subscribed[0].OperationName)
	assert.Equal(t, req.Variables, f.inner.subscribed[0].Variables)

	require.NoError(t, f.gateway.Unsubscribe(ctx, h))

	assert.Empty(t, f.bus.published())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, []subscription.Handle{h}, f.inner.unsubscribes())

	f.inner.subscribeErr = subscription.ErrUnknownOperation
	_, err = f.gateway.Subscribe(ctx, req)
	assert.Same(t, subscription.ErrUnknownOperation, err)

	f.inner.failUnsubscribe(errStoreDown)
	assert.Same(t, errStoreDown, f.gateway.Unsubscribe(ctx, "other"))
}

func TestTransportSubscribeFailure(t *testing.T) {
	f := newFixture(t, nil, nil)
	f.inner.subscribeErr = errors.New("transport down")

	_, err := f.gateway.Subscribe(context.Background(), presenceRequest("tok-42", "R1"))
	require.Error(t, err)

	assert.Empty(t, f.bus.published())
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestTransportUnsubscribeFailureKeepsPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	f.inner.failUnsubscribe(errors.New("transport down"))
	require.Error(t, f.gateway.Unsubscribe(ctx, h))

	assert.Len(t, f.bus.published(), 1)
	requireRecord(t, f.store, "42", "R1")
	assert.Equal(t, 1, f.gateway.Sessions())

	f.inner.failUnsubscribe(nil)
	require.NoError(t, f.gateway.Unsubscribe(ctx, h))
	assert.Len(t, f.bus.published(), 2)
	requireNoRecord(t, f.store, "42")
}

func TestStoreFailureIsSurfacedNotFatal(t *testing.T) {
	store := &flakyStore{MemoryStore: presence.NewMemoryStore(), upsertFails: 100}
	f := newFixture(t, store, nil)

	h, err := f.gateway.Subscribe(context.Background(), presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	assert.NotEmpty(t, h)

	assert.Equal(t, 3, store.upserts, "one attempt plus two retries")
	assert.Empty(t, f.bus.published())
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestStoreTransientFailureIsRetried(t *testing.T) {
	ctx := context.Background()
	store := &flakyStore{MemoryStore: presence.NewMemoryStore(), upsertFails: 1, findFails: 1, deleteFails: 1}
	f := newFixture(t, store, nil)

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	require.Len(t, f.bus.published(), 1)
	assert.Equal(t, 1, f.gateway.Sessions())

	require.NoError(t, f.gateway.Unsubscribe(ctx, h))
	require.Len(t, f.bus.published(), 2)
	requireNoRecord(t, store, "42")
}

func TestBusFailureKeepsState(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	f.bus.err = errors.New("broker unreachable")

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	requireRecord(t, f.store, "42", "R1")
	assert.Equal(t, 1, f.gateway.Sessions())

	require.NoError(t, f.gateway.Unsubscribe(ctx, h))
	requireNoRecord(t, f.store, "42")
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestCancelledCallerStillCompletesJoin(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFixture(t, nil, nil)
	_, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	assert.Len(t, f.bus.published(), 1)
	assert.Equal(t, 1, f.gateway.Sessions())
}

type directory struct {
	err error
}

func (d directory) Resolve(ctx context.Context, r presence.Record) (presence.Detail, error) {
	if d.err != nil {
		return presence.Detail{}, d.err
	}
	return presence.Detail{
		Record: r,
		User:   &types.User{Id: r.Identity, Name: "user " + r.Identity},
		Show:   &types.Show{Id: r.Room, Title: "show " + r.Room},
	}, nil
}

func TestEventsCarryResolvedDetail(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, directory{})

	h, err := f.gateway.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	require.NoError(t, f.gateway.Unsubscribe(ctx, h))

	events := f.bus.published()
	require.Len(t, events, 2)
	for _, e := range events {
		require.NotNil(t, e.Record.User)
		require.NotNil(t, e.Record.Show)
		assert.Equal(t, "user 42", e.Record.User.Name)
		assert.Equal(t, "show R1", e.Record.Show.Title)
	}
}

func TestResolverFailurePublishesBareRecord(t *testing.T) {
	f := newFixture(t, nil, directory{err: errors.New("db down")})

	_, err := f.gateway.Subscribe(context.Background(), presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	events := f.bus.published()
	require.Len(t, events, 1)
	assertEvent(t, events[0], true, "42", "R1")
	assert.Nil(t, events[0].Record.User)
}

func TestConcurrentSessions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()

			h, err := f.gateway.Subscribe(ctx, presenceRequest(fmt.Sprintf("tok-%d", i), fmt.Sprintf("R%d", i%5)))
			assert.NoError(t, err)
			// Two racing unsubscribes of the same handle.
			var inner sync.WaitGroup
			for j := 0; j < 2; j++ {
				inner.Add(1)
				go func() {
					defer inner.Done()
					assert.NoError(t, f.gateway.Unsubscribe(ctx, h))
				}()
			}
			inner.Wait()
		}(i)
	}
	wg.Wait()

	events := f.bus.published()
	require.Len(t, events, 2*n)

	joined := make(map[string]bool)
	left := make(map[string]bool)
	for _, e := range events {
		id := e.Record.Identity
		if e.Added {
			assert.False(t, joined[id], "duplicate join for %s", id)
			joined[id] = true
			continue
		}
		assert.True(t, joined[id], "leave before join for %s", id)
		assert.False(t, left[id], "duplicate leave for %s", id)
		left[id] = true
	}

	assert.Len(t, left, n)
	assert.Equal(t, 0, f.store.Len())
	assert.Equal(t, 0, f.gateway.Sessions())
}

func TestConcurrentJoinsOfOneIdentity(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := f.gateway.Subscribe(ctx, presenceRequest("tok-7", fmt.Sprintf("R%d", i)))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	events := f.bus.published()
	require.Len(t, events, n)

	// The stored room is the room of the last published join.
	last := events[len(events)-1]
	requireRecord(t, f.store, "7", last.Record.Room)
	assert.Equal(t, 1, f.store.Len())
	assert.Equal(t, n, f.gateway.Sessions())
}

func TestLeaveKeepsRecordReplacedByAnotherGateway(t *testing.T) {
	ctx := context.Background()
	store := &hookStore{MemoryStore: presence.NewMemoryStore()}

	newGateway := func(bus *recordingBus) *presence.Gateway {
		g := presence.NewGateway(&fakeTransport{}, tokenVerifier{}, bus, zerolog.Nop(),
			presence.WithRetry(2, time.Millisecond),
			presence.WithTimeout(time.Second),
		)
		g.Route(presence.OperationRoomPresence, presence.DefaultChannel(store, nil))
		return g
	}
	busA, busB := &recordingBus{}, &recordingBus{}
	a, b := newGateway(busA), newGateway(busB)

	hA, err := a.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)

	var hB subscription.Handle
	store.afterFind = func() {
		hB, err = b.Subscribe(ctx, presenceRequest("tok-42", "R1"))
		require.NoError(t, err)
	}
	require.NoError(t, a.Unsubscribe(ctx, hA))

	// The join through b landed between a's read and delete.
	assert.Equal(t, 0, a.Sessions())
	assert.Equal(t, 1, b.Sessions())
	requireRecord(t, store, "42", "R1")

	require.NoError(t, b.Unsubscribe(ctx, hB))
	events := busB.published()
	require.Len(t, events, 2)
	assertEvent(t, events[1], false, "42", "R1")
	requireNoRecord(t, store, "42")
}

func TestSubscribeOfEndedHandleIsNotTracked(t *testing.T) {
	ctx := context.Background()
	bus := &recordingBus{}
	store := presence.NewMemoryStore()

	inner := &endingTransport{Manager: subscription.NewManager(subscription.DefaultTriggers(), zerolog.Nop())}
	g := presence.NewGateway(inner, tokenVerifier{}, bus, zerolog.Nop(), presence.WithTimeout(time.Second))
	g.Route(presence.OperationRoomPresence, presence.DefaultChannel(store, nil))
	inner.end = func(h subscription.Handle) {
		require.NoError(t, g.Unsubscribe(ctx, h))
	}

	h, err := g.Subscribe(ctx, presenceRequest("tok-42", "R1"))
	require.NoError(t, err)
	assert.False(t, g.Active(h))

	assert.Empty(t, bus.published())
	assert.Equal(t, 0, g.Sessions())
	assert.Equal(t, 0, store.Len())
}

func TestMemoryStoreDeleteIf(t *testing.T) {
	ctx := context.Background()
	s := presence.NewMemoryStore()

	old, err := s.Upsert(ctx, "42", "R1")
	require.NoError(t, err)
	cur, err := s.Upsert(ctx, "42", "R2")
	require.NoError(t, err)

	deleted, err := s.DeleteIf(ctx, old)
	require.NoError(t, err)
	assert.False(t, deleted, "a replaced record is kept")
	requireRecord(t, s, "42", "R2")

	deleted, err = s.DeleteIf(ctx, cur)
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, s.Len())

	deleted, err = s.DeleteIf(ctx, cur)
	require.NoError(t, err)
	assert.False(t, deleted)
}
