// Package chatsync keeps a local, ordered view of one group's messages in
// step with the remote store: an initial drained load, refreshes driven by
// the change feed, and sends appended as soon as the store confirms them.
package chatsync

import (
	"context"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/store"
)

// Messages is the slice of the structured data store a session needs.
type Messages interface {
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListMessages(ctx context.Context, groupID, cursor string, limit int) (models.MessagePage, error)
	// CreateMessage fills in the canonical record, at least its ID.
	CreateMessage(ctx context.Context, msg *models.Message) error
}

type Feed interface {
	Subscribe(ctx context.Context, groupID string) (feed.Subscription, error)
}

type Media interface {
	Put(ctx context.Context, key string, r io.Reader, contentType string) error
}

type Enricher interface {
	Enrich(ctx context.Context, msgs []models.Message) []models.EnrichedMessage
}

// Deps are the remote collaborators. Media and Enricher may be nil: sends
// with media are then rejected, and views carry no sender metadata.
type Deps struct {
	Messages Messages
	Feed     Feed
	Media    Media
	Identity identity.Provider
	Enricher Enricher
	Log      *zap.Logger
	Now      func() time.Time
}

type Options struct {
	// CoalesceWindow is how long the first feed event of a burst waits for
	// more before one refresh covers them all.
	CoalesceWindow time.Duration
	PageSize       int
}

const DefaultCoalesceWindow = 150 * time.Millisecond

type State int

const (
	StateLoading State = iota
	StateReady
	StateNotFound
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateNotFound:
		return "not_found"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// View is an immutable snapshot of a session.
type View struct {
	GroupID  string
	Group    *models.Group
	State    State
	Messages []models.EnrichedMessage
	Err      error
}

type Synchronizer struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Synchronizer {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if opts.CoalesceWindow < 0 {
		opts.CoalesceWindow = 0
	}
	if opts.PageSize <= 0 {
		opts.PageSize = store.DefaultPageSize
	}
	return &Synchronizer{deps: deps, opts: opts}
}

// Open starts a session for groupID. Whether the group exists is only known
// after Load.
func (s *Synchronizer) Open(groupID string) (*Session, error) {
	if groupID == "" {
		return nil, apperr.Validation("group id required")
	}
	return newSession(groupID, s.deps, s.opts), nil
}

// Switch closes cur, if any, and opens groupID.
func (s *Synchronizer) Switch(cur *Session, groupID string) (*Session, error) {
	if cur != nil {
		cur.Close()
	}
	return s.Open(groupID)
}
