// Package session is the client's single source of truth for "who is
// signed in". Views read and subscribe here instead of each asking the
// identity provider on their own.
package session

import (
	"context"
	"errors"
	"sync"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
)

type Status struct {
	Identity      models.Identity
	Authenticated bool
}

type State struct {
	provider identity.Provider

	mu     sync.Mutex
	status Status
	known  bool
	subs   map[int]chan Status
	nextID int
}

var _ identity.Provider = (*State)(nil)

func New(p identity.Provider) *State {
	return &State{provider: p, subs: make(map[int]chan Status)}
}

// Refresh asks the provider again. A NotAuthenticated answer is a valid
// status; any other failure leaves the cached status untouched.
func (s *State) Refresh(ctx context.Context) (Status, error) {
	id, err := s.provider.CurrentIdentity(ctx)
	switch {
	case err == nil:
		s.set(Status{Identity: id, Authenticated: true})
	case errors.Is(err, apperr.ErrNotAuthenticated):
		s.set(Status{})
	default:
		return s.Current(), err
	}
	return s.Current(), nil
}

func (s *State) Current() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// CurrentIdentity serves the cached identity, resolving it on first use.
func (s *State) CurrentIdentity(ctx context.Context) (models.Identity, error) {
	s.mu.Lock()
	known, st := s.known, s.status
	s.mu.Unlock()

	if !known {
		var err error
		if st, err = s.Refresh(ctx); err != nil {
			return models.Identity{}, err
		}
	}
	if !st.Authenticated {
		return models.Identity{}, apperr.ErrNotAuthenticated
	}
	return st.Identity, nil
}

// SignIn records an identity obtained out of band, e.g. from a login call.
func (s *State) SignIn(id models.Identity) {
	s.set(Status{Identity: id, Authenticated: true})
}

func (s *State) SignOut() {
	s.set(Status{})
}

// Subscribe delivers every status change, latest first: a slow reader only
// sees the most recent status.
func (s *State) Subscribe() (<-chan Status, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.nextID
	s.nextID++
	ch := make(chan Status, 1)
	s.subs[id] = ch
	if s.known {
		ch <- s.status
	}
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}

func (s *State) set(st Status) {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := !s.known || s.status != st
	s.status, s.known = st, true
	if !changed {
		return
	}
	for _, ch := range s.subs {
		select {
		case <-ch:
		default:
		}
		ch <- st
	}
}
