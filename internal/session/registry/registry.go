// Package registry holds the live sessions of this process, keyed by session id.
package registry

import (
	"errors"
	"sort"
	"sync"
	"time"

	"session-provisioner/internal/pairing"
	"session-provisioner/internal/session/domain"
)

// ErrUserActive is returned by Put when the user already has a live session.
var ErrUserActive = errors.New("registry: user already has an active session")

// Entry is one live session together with its protocol handle and credential store.
// Session state is only read or changed under the entry's own lock.
type Entry struct {
	mu      sync.Mutex
	session domain.Session

	Handle pairing.Handle
	Store  *pairing.CredentialStore
}

// NewEntry returns an entry for s.
func NewEntry(s domain.Session, h pairing.Handle, store *pairing.CredentialStore) *Entry {
	return &Entry{session: s, Handle: h, Store: store}
}

// Session returns a copy of the current session state.
func (e *Entry) Session() domain.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

// MarkConnected flips the session to connected. It reports true only for the call that
// performed the transition; later calls are no-ops.
func (e *Entry) MarkConnected(at time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session.Connected {
		return false
	}
	e.session.Connected = true
	e.session.ConnectedAt = &at
	return true
}

// Registry maps session ids to live entries and enforces one entry per user.
type Registry struct {
	mu     sync.RWMutex
	byID   map[string]*Entry
	byUser map[string]string // user id -> session id
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{byID: make(map[string]*Entry), byUser: make(map[string]string)}
}

// Put registers e. Returns ErrUserActive if the user already has an entry.
func (r *Registry) Put(e *Entry) error {
	s := e.Session()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byUser[s.UserID]; ok {
		return ErrUserActive
	}
	if _, ok := r.byID[s.ID]; ok {
		return ErrUserActive
	}
	r.byID[s.ID] = e
	r.byUser[s.UserID] = s.ID
	return nil
}

// Get returns the entry for session id, or nil.
func (r *Registry) Get(id string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// GetByUser returns the live entry for userID, or nil.
func (r *Registry) GetByUser(userID string) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byUser[userID]
	if !ok {
		return nil
	}
	return r.byID[id]
}

// Remove evicts the entry for session id and returns it, or nil if it was not registered.
func (r *Registry) Remove(id string) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	if !ok {
		return nil
	}
	delete(r.byID, id)
	if r.byUser[e.session.UserID] == id {
		delete(r.byUser, e.session.UserID)
	}
	return e
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// List returns a snapshot of all live sessions ordered by creation time.
func (r *Registry) List() []domain.Session {
	r.mu.RLock()
	entries := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		entries = append(entries, e)
	}
	r.mu.RUnlock()

	out := make([]domain.Session, len(entries))
	for i, e := range entries {
		out[i] = e.Session()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Drain removes and returns every entry.
func (r *Registry) Drain() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, 0, len(r.byID))
	for _, e := range r.byID {
		out = append(out, e)
	}
	r.byID = make(map[string]*Entry)
	r.byUser = make(map[string]string)
	return out
}
