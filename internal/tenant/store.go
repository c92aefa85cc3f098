package tenant

import (
	"context"
	"fmt"
	"sync"

	"nexflow-crm/backend/pkg/models"
)

// Store is process-local tenant context: the sessions a principal may act
// under and the one currently selected. It makes no network calls.
type Store struct {
	mu        sync.RWMutex
	available map[string]Session
	current   string
	listeners []func(Session, bool)
}

// NewStore creates an empty Store. With nothing selected every Resolver
// lookup reports no session.
func NewStore() *Store {
	return &Store{available: make(map[string]Session)}
}

// Load replaces the sessions available to the principal, typically on
// session load. If exactly one session is given it is selected; otherwise
// the previous selection is kept when still available.
func (s *Store) Load(sessions ...Session) {
	s.mu.Lock()
	s.available = make(map[string]Session, len(sessions))
	for _, sess := range sessions {
		if sess.Valid() {
			s.available[sess.tenantID] = sess
		}
	}
	if _, ok := s.available[s.current]; !ok {
		s.current = ""
	}
	if len(s.available) == 1 {
		for id := range s.available {
			s.current = id
		}
	}
	sess, ok := s.available[s.current]
	listeners := s.listeners
	s.mu.Unlock()
	notify(listeners, sess, ok)
}

// Select makes tenantID the current tenant.
func (s *Store) Select(tenantID string) error {
	s.mu.Lock()
	sess, ok := s.available[tenantID]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("tenant %s is not available to this principal", tenantID)
	}
	s.current = tenantID
	listeners := s.listeners
	s.mu.Unlock()
	notify(listeners, sess, true)
	return nil
}

// Clear drops the current selection. Dependent queries are disabled until a
// tenant is selected again.
func (s *Store) Clear() {
	s.mu.Lock()
	s.current = ""
	listeners := s.listeners
	s.mu.Unlock()
	notify(listeners, Session{}, false)
}

// Current returns the selected session.
func (s *Store) Current() (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.available[s.current]
	return sess, ok
}

// Role returns the acting principal's role in the selected tenant.
func (s *Store) Role() (models.Role, bool) {
	sess, ok := s.Current()
	if !ok {
		return "", false
	}
	return sess.role, true
}

// Available lists the tenant ids the principal may switch to.
func (s *Store) Available() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.available))
	for id := range s.available {
		ids = append(ids, id)
	}
	return ids
}

// OnChange registers fn to be called after every selection change.
func (s *Store) OnChange(fn func(sess Session, ok bool)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Session implements Resolver. The context is ignored.
func (s *Store) Session(context.Context) (Session, bool) {
	return s.Current()
}

func notify(listeners []func(Session, bool), sess Session, ok bool) {
	for _, fn := range listeners {
		fn(sess, ok)
	}
}
