package staging

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// handleTable tracks transient display handles. Each resident record has at
// most one handle; tokens are random and never reused.
type handleTable struct {
	mu      sync.Mutex
	byID    map[int64]*handle
	byToken map[string]*handle
}

type handle struct {
	token    string
	id       int64
	lastSeen time.Time
}

func newHandleTable() *handleTable {
	return &handleTable{
		byID:    make(map[int64]*handle),
		byToken: make(map[string]*handle),
	}
}

// attach returns the handle for id, creating one if none exists.
func (t *handleTable) attach(id int64, now time.Time) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	if h, ok := t.byID[id]; ok {
		h.lastSeen = now
		return h.token
	}
	h := &handle{token: uuid.NewString(), id: id, lastSeen: now}
	t.byID[id] = h
	t.byToken[h.token] = h
	return h.token
}

// resolve looks up a token and refreshes its idle timer.
func (t *handleTable) resolve(token string, now time.Time) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byToken[token]
	if !ok {
		return 0, false
	}
	h.lastSeen = now
	return h.id, true
}

func (t *handleTable) release(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.byID[id]
	if !ok {
		return false
	}
	delete(t.byID, id)
	delete(t.byToken, h.token)
	return true
}

// sweep releases handles idle since before cutoff.
func (t *handleTable) sweep(cutoff time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	released := 0
	for id, h := range t.byID {
		if h.lastSeen.Before(cutoff) {
			delete(t.byID, id)
			delete(t.byToken, h.token)
			released++
		}
	}
	return released
}

func (t *handleTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byID)
}
