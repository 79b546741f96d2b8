// Package enrich attaches best-effort sender display data and media links
// to messages.
package enrich

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
)

// DefaultConcurrency bounds the lookups in flight for one batch.
const DefaultConcurrency = 8

type Directory interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

type URLResolver interface {
	URL(ctx context.Context, key string) (string, error)
}

// SenderInfo is empty where a lookup failed.
type SenderInfo struct {
	Username      string
	ProfilePicURL string
}

type Resolver struct {
	users       Directory
	urls        URLResolver
	concurrency int
	log         *zap.Logger
}

func New(users Directory, urls URLResolver, concurrency int, log *zap.Logger) *Resolver {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{users: users, urls: urls, concurrency: concurrency, log: log}
}

// Enrich resolves every distinct sender and media key once and copies the
// results onto the messages. It never fails; output order is input order.
func (r *Resolver) Enrich(ctx context.Context, msgs []models.Message) []models.EnrichedMessage {
	var senders, keys []string
	seen := make(map[string]struct{})
	for _, m := range msgs {
		if _, ok := seen["u:"+m.SenderID]; !ok && m.SenderID != "" {
			seen["u:"+m.SenderID] = struct{}{}
			senders = append(senders, m.SenderID)
		}
		if _, ok := seen["k:"+m.MediaURL]; !ok && r.urls != nil && blob.IsKey(m.MediaURL) {
			seen["k:"+m.MediaURL] = struct{}{}
			keys = append(keys, m.MediaURL)
		}
	}

	var (
		mu    sync.Mutex
		info  = make(map[string]SenderInfo, len(senders))
		links = make(map[string]string, len(keys))
	)
	// lookups degrade on their own; only cancellation stops the fan-out
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for _, id := range senders {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			si := r.ResolveSender(gctx, id)
			mu.Lock()
			info[id] = si
			mu.Unlock()
			return nil
		})
	}
	for _, key := range keys {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			link := r.resolveMedia(gctx, key)
			mu.Lock()
			links[key] = link
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		r.log.Debug("enrich_cancelled", zap.Int("messages", len(msgs)), zap.Error(err))
	}

	out := make([]models.EnrichedMessage, len(msgs))
	for i, m := range msgs {
		si := info[m.SenderID]
		out[i] = models.EnrichedMessage{
			Message:             m,
			SenderUsername:      si.Username,
			SenderProfilePicURL: si.ProfilePicURL,
			MediaLink:           links[m.MediaURL],
		}
		if m.MediaURL != "" && !blob.IsKey(m.MediaURL) {
			out[i].MediaLink = m.MediaURL
		}
	}
	return out
}

// resolveMedia turns a stored media key into a URL, or "" when it cannot.
func (r *Resolver) resolveMedia(ctx context.Context, key string) string {
	link, err := r.urls.URL(ctx, key)
	r.record("media", err)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			r.log.Warn("media_lookup_failed", zap.String("key", key), zap.Error(err))
		}
		return ""
	}
	return link
}

// ResolveSender looks up one sender and, if they have a profile picture,
// its URL.
func (r *Resolver) ResolveSender(ctx context.Context, senderID string) SenderInfo {
	var si SenderInfo
	u, err := r.users.GetUser(ctx, senderID)
	if err != nil {
		r.record("user", err)
		if !errors.Is(err, apperr.ErrNotFound) {
			r.log.Warn("sender_lookup_failed", zap.String("sender_id", senderID), zap.Error(err))
		}
		return si
	}
	r.record("user", nil)
	si.Username = u.Username

	if u.ProfilePicture == "" || r.urls == nil {
		return si
	}
	url, err := r.urls.URL(ctx, u.ProfilePicture)
	r.record("picture", err)
	if err != nil {
		if !errors.Is(err, apperr.ErrNotFound) {
			r.log.Warn("profile_picture_lookup_failed", zap.String("sender_id", senderID), zap.Error(err))
		}
		return si
	}
	si.ProfilePicURL = url
	return si
}

func (r *Resolver) record(kind string, err error) {
	result := "ok"
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		result = "not_found"
	case err != nil:
		result = "error"
	}
	metrics.EnrichLookups.WithLabelValues(kind, result).Inc()
}
