package main

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/chatsync"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
)

func TestFormatMessage(t *testing.T) {
	m := models.EnrichedMessage{
		Message: models.Message{
			ID:         "m1",
			SenderName: "Alice Example",
			Content:    "stock room is open",
			MediaURL:   "https://cdn.test/images/a.png",
			SentAt:     time.Now().Add(-3 * time.Minute),
			Tags:       []string{"shift", "urgent"},
		},
		SenderUsername: "alice",
	}
	assert.Equal(t, "[3 minutes ago] Alice Example (@alice): stock room is open <https://cdn.test/images/a.png> #shift #urgent", formatMessage(m))

	m.SenderName = ""
	m.Content = ""
	m.Tags = nil
	assert.Equal(t, "[3 minutes ago] alice: <https://cdn.test/images/a.png>", formatMessage(m))
}

func TestFormatMessagePrefersResolvedLink(t *testing.T) {
	m := models.EnrichedMessage{
		Message: models.Message{
			SenderName: "Alice Example",
			MediaURL:   "images/u1_1_a.png",
			SentAt:     time.Now().Add(-3 * time.Minute),
		},
		MediaLink: "https://cdn.test/signed/a.png?sig=x",
	}
	assert.Equal(t, "[3 minutes ago] Alice Example: <https://cdn.test/signed/a.png?sig=x>", formatMessage(m))
}

type noGroups struct{}

func (noGroups) GetGroup(_ context.Context, id string) (*models.Group, error) {
	return nil, apperr.NotFound("group " + id)
}

func (noGroups) ListMessages(context.Context, string, string, int) (models.MessagePage, error) {
	return models.MessagePage{}, nil
}

func (noGroups) CreateMessage(context.Context, *models.Message) error { return nil }

type goneFeed struct{}

func (goneFeed) Subscribe(context.Context, string) (feed.Subscription, error) {
	return nil, apperr.FromStatus("subscribe", http.StatusNotFound, "")
}

func TestStartReportsUnknownGroup(t *testing.T) {
	syncer := chatsync.New(chatsync.Deps{
		Messages: noGroups{},
		Feed:     goneFeed{},
		Identity: identity.Static(models.Identity{ID: "u1"}),
	}, chatsync.Options{})
	s, err := syncer.Open("nope")
	require.NoError(t, err)
	defer s.Close()

	err = start(context.Background(), s)
	assert.EqualError(t, err, "group nope does not exist")
	assert.Equal(t, chatsync.StateNotFound, s.View().State)
}
