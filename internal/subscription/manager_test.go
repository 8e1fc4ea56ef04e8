package subscription_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/treepeck/showchat/internal/subscription"
)

type roomPayload struct {
	Room string `json:"room"`
	Text string `json:"text"`
}

func (p roomPayload) RoomId() string { return p.Room }

type inbox struct {
	mu  sync.Mutex
	got []string
}

func (i *inbox) deliver(raw []byte) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, string(raw))
}

func (i *inbox) messages() []string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return append([]string(nil), i.got...)
}

func newManager() *subscription.Manager {
	return subscription.NewManager(subscription.DefaultTriggers(), zerolog.Nop())
}

func TestManagerDeliversByRoom(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	var r1, r2 inbox
	_, err := m.Subscribe(ctx, subscription.Request{
		OperationName: "roomMessages",
		Variables:     subscription.Variables{"room": "R1"},
		Deliver:       r1.deliver,
	})
	require.NoError(t, err)
	_, err = m.Subscribe(ctx, subscription.Request{
		OperationName: "roomMessages",
		Variables:     subscription.Variables{"room": "R2"},
		Deliver:       r2.deliver,
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, subscription.TopicMessageAdded, roomPayload{Room: "R1", Text: "hi"}))

	assert.Equal(t, []string{`{"room":"R1","text":"hi"}`}, r1.messages())
	assert.Empty(t, r2.messages())
}

func TestManagerIgnoresOtherTopics(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	var box inbox
	_, err := m.Subscribe(ctx, subscription.Request{
		OperationName: "roomPresence",
		Variables:     subscription.Variables{"room": "R1"},
		Deliver:       box.deliver,
	})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, subscription.TopicMessageAdded, roomPayload{Room: "R1"}))
	assert.Empty(t, box.messages())
}

func TestManagerUnsubscribe(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	var box inbox
	h, err := m.Subscribe(ctx, subscription.Request{
		OperationName: "roomMessages",
		Variables:     subscription.Variables{"room": "R1"},
		Deliver:       box.deliver,
	})
	require.NoError(t, err)
	require.Equal(t, 1, m.Len())

	require.NoError(t, m.Unsubscribe(ctx, h))
	require.NoError(t, m.Unsubscribe(ctx, h), "second unsubscribe must be a no-op")
	require.NoError(t, m.Unsubscribe(ctx, "never-seen-handle"))
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.Publish(ctx, subscription.TopicMessageAdded, roomPayload{Room: "R1"}))
	assert.Empty(t, box.messages())
}

func TestManagerRejectsBadRequests(t *testing.T) {
	ctx := context.Background()
	m := newManager()

	_, err := m.Subscribe(ctx, subscription.Request{OperationName: "unknown"})
	assert.ErrorIs(t, err, subscription.ErrUnknownOperation)

	_, err = m.Subscribe(ctx, subscription.Request{OperationName: "roomMessages"})
	assert.ErrorIs(t, err, subscription.ErrMissingVariable)
}

func TestVariablesString(t *testing.T) {
	v := subscription.Variables{
		"s":     "abc",
		"n":     float64(42),
		"large": float64(12345678),
		"frac":  float64(1.5),
		"b":     true,
	}

	assert.Equal(t, "abc", v.String("s"))
	assert.Equal(t, "42", v.String("n"))
	assert.Equal(t, "12345678", v.String("large"))
	assert.Equal(t, "1.5", v.String("frac"))
	assert.Equal(t, "", v.String("b"))
	assert.Equal(t, "", v.String("missing"))
}
