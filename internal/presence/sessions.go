package presence

import (
	"sync"

	"github.com/treepeck/showchat/internal/subscription"
)

// presenceKey groups the sessions that hold the same presence.
type presenceKey struct {
	operation string
	identity  string
	room      string
}

func keyOf(s Session) presenceKey {
	return presenceKey{operation: s.Operation, identity: s.Identity, room: s.Room}
}

/*
sessionTable stores two maps of tracked sessions.

By maintaining both mappings, this requirements are statisfied:
 1. Fast addition and removal of sessions by handle;
 2. Efficient check whether any other session still holds the same presence.

Each sessionTable operation is atomic and modifies both maps.
*/
type sessionTable struct {
	mu         sync.RWMutex
	byHandle   map[subscription.Handle]Session
	byPresence map[presenceKey]map[subscription.Handle]struct{}
}

func newSessionTable() *sessionTable {
	return &sessionTable{
		byHandle:   make(map[subscription.Handle]Session),
		byPresence: make(map[presenceKey]map[subscription.Handle]struct{}),
	}
}

func (t *sessionTable) insert(s Session) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, exists := t.byHandle[s.Handle]; exists {
		t.unindex(prev)
	}

	t.byHandle[s.Handle] = s
	k := keyOf(s)
	if t.byPresence[k] == nil {
		t.byPresence[k] = make(map[subscription.Handle]struct{})
	}
	t.byPresence[k][s.Handle] = struct{}{}
}

func (t *sessionTable) get(h subscription.Handle) (Session, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, exists := t.byHandle[h]
	return s, exists
}

/*
remove deletes the session and reports whether it was present.
*/
func (t *sessionTable) remove(h subscription.Handle) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	s, exists := t.byHandle[h]
	if !exists {
		return false
	}
	delete(t.byHandle, h)
	t.unindex(s)
	return true
}

/*
shared reports whether a session other than s holds the same presence.
*/
func (t *sessionTable) shared(s Session) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for h := range t.byPresence[keyOf(s)] {
		if h != s.Handle {
			return true
		}
	}
	return false
}

func (t *sessionTable) len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byHandle)
}

func (t *sessionTable) unindex(s Session) {
	k := keyOf(s)
	delete(t.byPresence[k], s.Handle)
	if len(t.byPresence[k]) == 0 {
		delete(t.byPresence, k)
	}
}
