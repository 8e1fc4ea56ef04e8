/*
Package presence tracks which identity is present in which room while it holds
a presence subscription, and emits a change event on every join and leave.

The Gateway decorates a [subscription.Transport].  Operations registered in its
routing table run the authenticate, persist, publish and record pipeline around
the wrapped transport; every other operation passes through untouched.
*/
package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/treepeck/showchat/internal/subscription"
	"github.com/treepeck/showchat/pkg/types"
)

// ErrNotFound is returned by a Store when no record exists for the identity.
var ErrNotFound = errors.New("presence record not found")

/*
Record is the persisted presence of one identity.  A store holds at most one
record per identity: joining a room overwrites the previous record.
*/
type Record struct {
	UpdatedAt time.Time `json:"updatedAt"`
	Identity  string    `json:"identity"`
	Room      string    `json:"room"`
}

/*
Same reports whether o is the very record r: the same join of the same
identity, not merely the same room.
*/
func (r Record) Same(o Record) bool {
	return r.Identity == o.Identity && r.Room == o.Room && r.UpdatedAt.Equal(o.UpdatedAt)
}

/*
Detail is a record expanded with the user and show details consumers display.
*/
type Detail struct {
	Record
	User *types.User `json:"user,omitempty"`
	Show *types.Show `json:"show,omitempty"`
}

/*
Event is published on every presence transition.
*/
type Event struct {
	Record Detail `json:"record"`
	Added  bool   `json:"added"`
}

// RoomId implements [subscription.RoomScoped].
func (e Event) RoomId() string { return e.Record.Room }

/*
Session is the in-memory entry that allows a disconnect to be reversed without
the caller resupplying its identity.
*/
type Session struct {
	CreatedAt time.Time
	Handle    subscription.Handle
	Operation string
	Identity  string
	Room      string
}

/*
Verifier resolves an access token to an identity.  Any error means the caller
is anonymous.
*/
type Verifier interface {
	Verify(ctx context.Context, token string) (string, error)
}

/*
Store persists presence records keyed by identity alone.  Upsert must be a
single atomic create-or-replace.

The store may be shared by gateways of other processes, so a leave removes the
record with DeleteIf, an atomic compare-and-delete that reports whether the
stored record was still r.  A join that overwrote the record in the meantime is
never removed.
*/
type Store interface {
	Upsert(ctx context.Context, identity, room string) (Record, error)
	Find(ctx context.Context, identity string) (Record, error)
	Delete(ctx context.Context, identity string) error
	DeleteIf(ctx context.Context, r Record) (bool, error)
}

/*
Bus delivers presence events to independent consumers.  Publishing is best
effort.
*/
type Bus interface {
	Publish(ctx context.Context, topic string, payload any) error
}

/*
Resolver expands a record into its display-ready form.
*/
type Resolver interface {
	Resolve(ctx context.Context, r Record) (Detail, error)
}

/*
bareResolver returns the record without any expansion.
*/
type bareResolver struct{}

func (bareResolver) Resolve(ctx context.Context, r Record) (Detail, error) {
	return Detail{Record: r}, nil
}

/*
PersistenceError reports a store failure that survived the retries.  It is kept
distinct from authentication failures: the subscription still succeeds but the
presence is not tracked.
*/
type PersistenceError struct {
	Err      error
	Call     string
	Identity string
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("presence store %s for %q: %s", e.Call, e.Identity, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }
