package chatsync

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
)

// Session is the synchronized view of one group. All view mutations happen
// under mu; remote calls never do.
type Session struct {
	groupID string
	deps    Deps
	opts    Options
	log     *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	view    View
	closed  bool
	sub     feed.Subscription
	updates chan View

	// refreshes are numbered in start order; a result older than the last
	// applied one is dropped
	refreshSeq    uint64
	appliedSeq    uint64
	cancelRefresh context.CancelFunc

	// version counts local appends so a refresh that started before a send
	// landed does not drop it
	version  uint64
	appended []localAppend

	closeOnce sync.Once
}

type localAppend struct {
	id      string
	version uint64
}

func newSession(groupID string, deps Deps, opts Options) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		groupID: groupID,
		deps:    deps,
		opts:    opts,
		log:     deps.Log.With(zap.String("group_id", groupID)),
		ctx:     ctx,
		cancel:  cancel,
		view:    View{GroupID: groupID, State: StateLoading},
		updates: make(chan View, 1),
	}
}

func (s *Session) GroupID() string { return s.groupID }

// View returns the current snapshot.
func (s *Session) View() View {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Updates delivers a snapshot after every change. Only the latest one is
// kept for a slow reader. The channel is closed by Close.
func (s *Session) Updates() <-chan View { return s.updates }

// Load drains every page of the group's messages and replaces the view.
// A missing group leaves the session in StateNotFound; any other failure in
// StateFailed. Both errors are returned. Load does not retry.
func (s *Session) Load(ctx context.Context) error {
	rctx, seq, startVersion, done, err := s.beginRefresh(ctx)
	if err != nil {
		return err
	}
	defer done()

	s.mu.Lock()
	s.view.State, s.view.Err = StateLoading, nil
	s.publish()
	s.mu.Unlock()

	err = s.refresh(rctx, seq, startVersion)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		// superseded by a feed refresh, which owns the view now
		return nil
	}
	return err
}

// Subscribe starts following the group's change feed. Each burst of events
// triggers one refresh; bursts that arrive while it runs are folded into a
// single trailing refresh. ctx bounds only the subscription handshake.
func (s *Session) Subscribe(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return apperr.ErrClosed
	}
	if s.sub != nil {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	dialCtx, cancel := context.WithCancel(s.ctx)
	stop := context.AfterFunc(ctx, cancel)
	sub, err := s.deps.Feed.Subscribe(dialCtx, s.groupID)
	if !stop() {
		if sub != nil {
			sub.Close()
		}
		err = ctx.Err()
	}
	if err != nil {
		err = apperr.Remote("subscribe", err)
		s.mu.Lock()
		if !s.closed {
			if errors.Is(err, apperr.ErrNotFound) {
				s.view = View{GroupID: s.groupID, State: StateNotFound, Err: err}
				s.appended = nil
			} else {
				s.view.State, s.view.Err = StateFailed, err
			}
			s.publish()
		}
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.closed || s.sub != nil {
		s.mu.Unlock()
		sub.Close()
		if s.closed {
			return apperr.ErrClosed
		}
		return nil
	}
	s.sub = sub
	s.mu.Unlock()

	go s.watch(sub)
	return nil
}

// Close releases the feed subscription and abandons any in-flight refresh;
// whatever it returns later is dropped. It is safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		if s.cancelRefresh != nil {
			s.cancelRefresh()
		}
		sub := s.sub
		close(s.updates)
		s.mu.Unlock()

		s.cancel()
		if sub != nil {
			sub.Close()
		}
		s.log.Debug("session_closed")
	})
}

func (s *Session) watch(sub feed.Subscription) {
	var (
		timer   *time.Timer
		fire    <-chan time.Time
		running <-chan struct{}
		pending bool
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	// trigger starts a refresh unless one is still running, in which case
	// a single trailing refresh follows it
	trigger := func() {
		if running != nil {
			pending = true
			return
		}
		running = s.startRefresh()
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					s.fail(apperr.Remote("change feed", err))
				}
				return
			}
			if ev.GroupID != "" && ev.GroupID != s.groupID {
				continue
			}
			if fire != nil || pending {
				metrics.SyncCoalescedEvents.Inc()
				continue
			}
			if s.opts.CoalesceWindow == 0 {
				trigger()
				continue
			}
			timer = time.NewTimer(s.opts.CoalesceWindow)
			fire = timer.C
		case <-fire:
			fire = nil
			trigger()
		case <-running:
			running = nil
			if pending {
				pending = false
				running = s.startRefresh()
			}
		}
	}
}

// beginRefresh numbers a new refresh and cancels the one it supersedes.
func (s *Session) beginRefresh(parent context.Context) (context.Context, uint64, uint64, func(), error) {
	ctx, cancel := context.WithCancel(parent)
	stop := context.AfterFunc(s.ctx, cancel)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		stop()
		cancel()
		return nil, 0, 0, nil, apperr.ErrClosed
	}
	if s.cancelRefresh != nil {
		s.cancelRefresh()
	}
	s.refreshSeq++
	s.cancelRefresh = cancel
	return ctx, s.refreshSeq, s.version, func() { stop(); cancel() }, nil
}

// startRefresh runs a feed-triggered refresh. The returned channel is
// closed when it finishes; it is nil if the session is closed.
func (s *Session) startRefresh() <-chan struct{} {
	ctx, seq, startVersion, done, err := s.beginRefresh(s.ctx)
	if err != nil {
		return nil
	}
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		defer done()
		if err := s.refresh(ctx, seq, startVersion); err != nil && !errors.Is(err, apperr.ErrClosed) {
			s.log.Warn("refresh_failed", zap.Uint64("seq", seq), zap.Error(err))
		}
	}()
	return finished
}

// refresh fetches the authoritative state and applies it unless a newer
// refresh already has. Only a newer refresh cancels silently; a refresh
// whose own caller gave up leaves the view failed.
func (s *Session) refresh(ctx context.Context, seq, startVersion uint64) error {
	group, msgs, err := s.fetch(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return apperr.ErrClosed
	}
	if err != nil && ctx.Err() != nil && seq != s.refreshSeq {
		metrics.SyncRefreshes.WithLabelValues("superseded").Inc()
		return ctx.Err()
	}
	if seq <= s.appliedSeq {
		metrics.SyncRefreshes.WithLabelValues("stale").Inc()
		return nil
	}
	s.appliedSeq = seq

	switch {
	case errors.Is(err, apperr.ErrNotFound) && group == nil:
		metrics.SyncRefreshes.WithLabelValues("not_found").Inc()
		s.view = View{GroupID: s.groupID, State: StateNotFound, Err: err}
		s.appended = nil
	case err != nil:
		metrics.SyncRefreshes.WithLabelValues("failed").Inc()
		s.view.State, s.view.Err = StateFailed, err
	default:
		metrics.SyncRefreshes.WithLabelValues("applied").Inc()
		s.view.Group = group
		s.view.Messages = s.merge(msgs, startVersion)
		s.view.State, s.view.Err = StateReady, nil
	}
	s.publish()
	return err
}

// merge keeps local appends the fetched set cannot know about yet. Callers
// hold mu.
func (s *Session) merge(fetched []models.EnrichedMessage, startVersion uint64) []models.EnrichedMessage {
	present := make(map[string]struct{}, len(fetched))
	for _, m := range fetched {
		present[m.ID] = struct{}{}
	}
	var current map[string]models.EnrichedMessage
	kept := s.appended[:0]
	for _, a := range s.appended {
		if a.version <= startVersion {
			continue
		}
		kept = append(kept, a)
		if _, ok := present[a.id]; ok {
			continue
		}
		if current == nil {
			current = make(map[string]models.EnrichedMessage, len(s.view.Messages))
			for _, m := range s.view.Messages {
				current[m.ID] = m
			}
		}
		if m, ok := current[a.id]; ok {
			fetched = append(fetched, m)
			present[a.id] = struct{}{}
		}
	}
	s.appended = kept
	return fetched
}

// fetch returns group, the drained message list and any error. A missing
// group yields a nil group and ErrNotFound.
func (s *Session) fetch(ctx context.Context) (*models.Group, []models.EnrichedMessage, error) {
	group, err := s.deps.Messages.GetGroup(ctx, s.groupID)
	if err != nil {
		return nil, nil, apperr.Remote("get group", err)
	}

	var (
		all    []models.Message
		seen   = make(map[string]struct{})
		cursor string
		pages  int
		used   = map[string]struct{}{}
	)
	for {
		page, err := s.deps.Messages.ListMessages(ctx, s.groupID, cursor, s.opts.PageSize)
		if err != nil {
			return group, nil, apperr.Remote("list messages", err)
		}
		pages++
		for _, m := range page.Items {
			if _, dup := seen[m.ID]; dup {
				continue
			}
			seen[m.ID] = struct{}{}
			all = append(all, m)
		}
		if page.NextCursor == "" {
			break
		}
		if _, again := used[page.NextCursor]; again {
			return group, nil, apperr.Remote("list messages", fmt.Errorf("cursor %q repeated", page.NextCursor))
		}
		used[page.NextCursor] = struct{}{}
		cursor = page.NextCursor
	}
	s.log.Debug("messages_fetched", zap.Int("count", len(all)), zap.Int("pages", pages))

	return group, s.enrich(ctx, all), nil
}

func (s *Session) enrich(ctx context.Context, msgs []models.Message) []models.EnrichedMessage {
	if s.deps.Enricher != nil {
		return s.deps.Enricher.Enrich(ctx, msgs)
	}
	out := make([]models.EnrichedMessage, len(msgs))
	for i, m := range msgs {
		out[i] = models.EnrichedMessage{Message: m}
		if !blob.IsKey(m.MediaURL) {
			out[i].MediaLink = m.MediaURL
		}
	}
	return out
}

func (s *Session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.log.Warn("change_feed_ended", zap.Error(err))
	s.view.State, s.view.Err = StateFailed, err
	s.publish()
}

// snapshot and publish are called with mu held.
func (s *Session) snapshot() View {
	v := s.view
	v.Messages = slices.Clone(s.view.Messages)
	return v
}

func (s *Session) publish() {
	if s.closed {
		return
	}
	v := s.snapshot()
	select {
	case <-s.updates:
	default:
	}
	s.updates <- v
}
