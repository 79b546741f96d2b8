package feed

import (
	"context"
	"sync"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
)

// MemoryBroker fans events out to subscribers of the same process.
type MemoryBroker struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{subs: make(map[string]map[*memorySub]struct{})}
}

func (b *MemoryBroker) Publish(_ context.Context, ev models.ChangeEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return apperr.ErrClosed
	}
	metrics.FeedEvents.WithLabelValues("published").Inc()
	for s := range b.subs[ev.GroupID] {
		s.deliver(ev)
	}
	return nil
}

func (b *MemoryBroker) Subscribe(ctx context.Context, groupID string) (Subscription, error) {
	if groupID == "" {
		return nil, apperr.Validation("group id required")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, apperr.ErrClosed
	}
	s := &memorySub{
		broker:  b,
		groupID: groupID,
		events:  make(chan models.ChangeEvent, DefaultBuffer),
		done:    make(chan struct{}),
	}
	if b.subs[groupID] == nil {
		b.subs[groupID] = make(map[*memorySub]struct{})
	}
	b.subs[groupID][s] = struct{}{}

	if done := ctx.Done(); done != nil {
		go func() {
			select {
			case <-done:
				s.Close()
			case <-s.done:
			}
		}()
	}
	return s, nil
}

// Close ends every live subscription.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	var all []*memorySub
	for _, set := range b.subs {
		for s := range set {
			all = append(all, s)
		}
	}
	b.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

func (b *MemoryBroker) remove(s *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if set := b.subs[s.groupID]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.groupID)
		}
	}
}

type memorySub struct {
	broker  *MemoryBroker
	groupID string

	mu     sync.Mutex
	events chan models.ChangeEvent
	done   chan struct{}
	closed bool
}

func (s *memorySub) deliver(ev models.ChangeEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.events <- ev:
		metrics.FeedEvents.WithLabelValues("delivered").Inc()
	default:
		// buffer full: the pending events already guarantee a refresh
		metrics.FeedEvents.WithLabelValues("dropped").Inc()
	}
}

func (s *memorySub) Events() <-chan models.ChangeEvent { return s.events }

func (s *memorySub) Err() error { return nil }

func (s *memorySub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.events)
	close(s.done)
	s.mu.Unlock()

	s.broker.remove(s)
	return nil
}
