package presence

import (
	"errors"
	"sync"

	"github.com/samber/lo"

	"relay/models"
	"relay/protocol"
)

var (
	ErrConnClosed = errors.New("connection closed")
	ErrSendFull   = errors.New("send buffer full")
)

// Conn is the live connection a presence entry points at.
type Conn interface {
	ID() string
	Send(env *protocol.Envelope) error
}

// Entry is the registry's view of one reachable identity.
type Entry struct {
	ID       int64
	Username string
	Avatar   string
	Status   models.Status
	Conn     Conn
}

func (e Entry) Peer() protocol.PeerPayload {
	return protocol.PeerPayload{
		ID:       e.ID,
		Username: e.Username,
		Avatar:   e.Avatar,
		Status:   e.Status,
	}
}

func (e Entry) User() models.User {
	return models.User{
		ID:       e.ID,
		Username: e.Username,
		Avatar:   e.Avatar,
		Status:   e.Status,
	}
}

// Registry maps identity to live connection. It is the single source of
// truth for who is currently reachable. Returned entries are copies.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]*Entry
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]*Entry),
	}
}

// Register inserts or replaces the entry for id with status Online.
// If a different connection held id, that connection is returned as displaced.
func (r *Registry) Register(id int64, username, avatar string, conn Conn) (entry Entry, displaced Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.entries[id]; ok && prev.Conn != nil && !sameConn(prev.Conn, conn) {
		displaced = prev.Conn
	}

	e := &Entry{
		ID:       id,
		Username: username,
		Avatar:   avatar,
		Status:   models.StatusOnline,
		Conn:     conn,
	}
	r.entries[id] = e
	return *e, displaced
}

// Unregister removes the entry for id. It reports whether one existed.
func (r *Registry) Unregister(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[id]; !ok {
		return false
	}
	delete(r.entries, id)
	return true
}

// Release removes the entry for id only while it is still bound to conn.
// A connection displaced by a newer one releases nothing.
func (r *Registry) Release(id int64, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok || !sameConn(e.Conn, conn) {
		return false
	}
	delete(r.entries, id)
	return true
}

// SetStatus updates the status of a present identity. Unknown identities are
// ignored and false is returned.
func (r *Registry) SetStatus(id int64, status models.Status) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return false
	}
	e.Status = status
	return true
}

func (r *Registry) Find(id int64) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Snapshot returns every entry. Order is unspecified.
func (r *Registry) Snapshot() []Entry {
	return r.snapshot(func(*Entry) bool { return true })
}

// SnapshotExcluding returns every entry except the one for id.
func (r *Registry) SnapshotExcluding(id int64) []Entry {
	return r.snapshot(func(e *Entry) bool { return e.ID != id })
}

func (r *Registry) snapshot(keep func(*Entry) bool) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if keep(e) {
			out = append(out, *e)
		}
	}
	return out
}

// LiveUsers returns the snapshot as users, for the ephemeral store.
func (r *Registry) LiveUsers() []models.User {
	return lo.Map(r.Snapshot(), func(e Entry, _ int) models.User { return e.User() })
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

func sameConn(a, b Conn) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.ID() == b.ID()
}
