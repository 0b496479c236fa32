// Package session tracks which collaborators are connected.
package session

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"collabtext/internal/lock"
)

var (
	// ErrDuplicateIdentity is returned when an identity is already connected.
	ErrDuplicateIdentity = errors.New("duplicate identity")

	// ErrEmptyIdentity is returned for a connect without an identity.
	ErrEmptyIdentity = errors.New("empty identity")
)

// Peer is the transport handle of a session. Deliver queues msg for the
// collaborator and reports false when the peer can no longer keep up. Close
// is called once, after the session has been removed.
type Peer interface {
	Deliver(msg []byte) bool
	Close()
}

// Releaser frees the resources a collaborator holds when it leaves.
type Releaser interface {
	OnDisconnect(who lock.Identity) bool
}

// Session pairs a connection with a collaborator.
type Session struct {
	ID          uuid.UUID
	Identity    lock.Identity
	Peer        Peer
	ConnectedAt time.Time
}

// Registry is the live set of sessions keyed by identity.
type Registry struct {
	mu       sync.RWMutex
	sessions map[lock.Identity]*Session
	locks    Releaser
}

func NewRegistry(locks Releaser) *Registry {
	return &Registry{
		sessions: make(map[lock.Identity]*Session),
		locks:    locks,
	}
}

// Connect registers a new session for who.
func (r *Registry) Connect(who lock.Identity, peer Peer) (*Session, error) {
	if who == "" {
		return nil, ErrEmptyIdentity
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[who]; ok {
		return nil, fmt.Errorf("connect %q: %w", who, ErrDuplicateIdentity)
	}
	s := &Session{
		ID:          uuid.New(),
		Identity:    who,
		Peer:        peer,
		ConnectedAt: time.Now(),
	}
	r.sessions[who] = s
	return s, nil
}

// Disconnect removes who and releases its line lock. The result reports
// whether the lock ownership changed.
func (r *Registry) Disconnect(who lock.Identity) bool {
	r.mu.Lock()
	_, ok := r.sessions[who]
	delete(r.sessions, who)
	r.mu.Unlock()

	if !ok || r.locks == nil {
		return false
	}
	return r.locks.OnDisconnect(who)
}

func (r *Registry) Get(who lock.Identity) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[who]
	return s, ok
}

// Identities returns the presence set in sorted order.
func (r *Registry) Identities() []lock.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]lock.Identity, 0, len(r.sessions))
	for who := range r.sessions {
		ids = append(ids, who)
	}
	slices.Sort(ids)
	return ids
}

// Sessions returns the live sessions ordered by identity.
func (r *Registry) Sessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	slices.SortFunc(out, func(a, b *Session) int {
		return cmp.Compare(a.Identity, b.Identity)
	})
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
