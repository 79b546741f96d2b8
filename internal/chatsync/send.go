package chatsync

import (
	"bytes"
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
)

// Draft is what the user composed. Send never modifies it, so a caller can
// keep it around and offer it again after a failure.
type Draft struct {
	Content string
	// Media is uploaded before the message is created.
	Media *MediaFile
	// MediaURL refers to media that is already stored, by key or URL.
	MediaURL    string
	Tags        []string
	Mentions    []string
	Attachments []models.Attachment
}

type MediaFile struct {
	Name        string
	ContentType string
	Data        []byte
}

// Empty reports whether the draft has neither text nor media.
func (d Draft) Empty() bool {
	return strings.TrimSpace(d.Content) == "" && d.MediaURL == "" && (d.Media == nil || len(d.Media.Data) == 0)
}

// Send creates the message in the store and appends the stored record to
// the view. On error the view is unchanged.
func (s *Session) Send(ctx context.Context, d Draft) (*models.Message, error) {
	msg, err := s.send(ctx, d)
	switch {
	case err == nil:
		metrics.SyncSends.WithLabelValues("ok").Inc()
	case errors.Is(err, apperr.ErrValidation):
		metrics.SyncSends.WithLabelValues("rejected").Inc()
	default:
		metrics.SyncSends.WithLabelValues("failed").Inc()
		s.log.Warn("send_failed", zap.Error(err))
	}
	return msg, err
}

func (s *Session) send(ctx context.Context, d Draft) (*models.Message, error) {
	if d.Empty() {
		return nil, apperr.Validation("message needs text or media")
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, apperr.ErrClosed
	}

	who, err := s.deps.Identity.CurrentIdentity(ctx)
	if err != nil {
		return nil, err
	}

	now := s.deps.Now().UTC()
	mediaURL := d.MediaURL
	if d.Media != nil && len(d.Media.Data) > 0 {
		if s.deps.Media == nil {
			return nil, apperr.Validation("media uploads are not available")
		}
		// the message keeps the key; links are resolved when views are built
		key := blob.MediaKey(who.ID, d.Media.Name, now)
		if err := s.deps.Media.Put(ctx, key, bytes.NewReader(d.Media.Data), d.Media.ContentType); err != nil {
			return nil, apperr.Remote("upload media", err)
		}
		mediaURL = key
	}

	msg := &models.Message{
		GroupID:     s.groupID,
		SenderID:    who.ID,
		SenderName:  who.DisplayName,
		Content:     strings.TrimSpace(d.Content),
		MediaURL:    mediaURL,
		SentAt:      now,
		Tags:        d.Tags,
		Mentions:    d.Mentions,
		Attachments: d.Attachments,
	}
	if err := s.deps.Messages.CreateMessage(ctx, msg); err != nil {
		return nil, apperr.Remote("create message", err)
	}

	em := s.enrichOne(ctx, *msg)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		// the message exists remotely; there is just no view left to show it in
		return msg, nil
	}
	for _, m := range s.view.Messages {
		if m.ID == msg.ID {
			return msg, nil
		}
	}
	s.version++
	s.appended = append(s.appended, localAppend{id: msg.ID, version: s.version})
	s.view.Messages = append(s.view.Messages, em)
	s.publish()
	return msg, nil
}

// enrichOne reuses sender data already in the view before asking the
// enricher. Stored media always goes to the enricher for its link.
func (s *Session) enrichOne(ctx context.Context, m models.Message) models.EnrichedMessage {
	if blob.IsKey(m.MediaURL) {
		return s.enrich(ctx, []models.Message{m})[0]
	}
	s.mu.Lock()
	for i := len(s.view.Messages) - 1; i >= 0; i-- {
		if v := s.view.Messages[i]; v.SenderID == m.SenderID && v.SenderUsername != "" {
			s.mu.Unlock()
			return models.EnrichedMessage{Message: m, SenderUsername: v.SenderUsername, SenderProfilePicURL: v.SenderProfilePicURL, MediaLink: m.MediaURL}
		}
	}
	s.mu.Unlock()
	return s.enrich(ctx, []models.Message{m})[0]
}
