package zap

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRoutePending is returned when a route already has a request in
	// flight. A connection authenticates at most once at a time.
	ErrRoutePending = errors.New("zap: route already has a pending request")

	// ErrDuplicateRequestID is returned when a request id is already pending.
	ErrDuplicateRequestID = errors.New("zap: duplicate request id")
)

// Entry is a pending request together with the connection it belongs to.
type Entry struct {
	Request *Request
	Issued  time.Time
	Route   uint64
}

// Table tracks requests that have been sent and not yet resolved. It is
// shared by every handshaking connection of an authenticator and is safe for
// concurrent use. Resolution of an id is exactly-once: whichever of Take or
// Release removes the entry first wins, later calls report absence.
type Table struct {
	mu      sync.Mutex
	byID    map[string]Entry
	byRoute map[uint64]string
}

func NewTable() *Table {
	return &Table{
		byID:    map[string]Entry{},
		byRoute: map[uint64]string{},
	}
}

// Register adds a pending request for route.
func (t *Table) Register(route uint64, req *Request, issued time.Time) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.byRoute[route]; ok {
		return ErrRoutePending
	}
	if _, ok := t.byID[req.RequestID]; ok {
		return ErrDuplicateRequestID
	}

	t.byID[req.RequestID] = Entry{Request: req, Issued: issued, Route: route}
	t.byRoute[route] = req.RequestID
	return nil
}

// Lookup returns the pending entry for id without removing it.
func (t *Table) Lookup(id string) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	return e, ok
}

// Pending returns the id of the request pending on route, if any.
func (t *Table) Pending(route uint64) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	id, ok := t.byRoute[route]
	return id, ok
}

// Take removes and returns the entry for id if it is pending on route.
func (t *Table) Take(id string, route uint64) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok || e.Route != route {
		return Entry{}, false
	}

	t.remove(e)
	return e, true
}

// Release removes the entry for id. It reports whether the entry was still
// pending, i.e. whether the caller resolved it.
func (t *Table) Release(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.byID[id]
	if !ok {
		return false
	}

	t.remove(e)
	return true
}

func (t *Table) remove(e Entry) {
	delete(t.byID, e.Request.RequestID)
	delete(t.byRoute, e.Route)
}

// Len returns the number of pending requests.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return len(t.byID)
}
