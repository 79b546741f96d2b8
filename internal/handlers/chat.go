package handlers

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/store"
)

type ChatHandler struct {
	Store store.Store
	Feed  feed.Broker
	Log   *zap.Logger
}

type CreateGroupRequest struct {
	Name      string `json:"name"`
	IsPrivate bool   `json:"is_private"`
}

type CreateMessageRequest struct {
	Content     string              `json:"content"`
	MediaURL    string              `json:"media_url"`
	SentAt      time.Time           `json:"sent_at"`
	Tags        []string            `json:"tags"`
	Mentions    []string            `json:"mentions"`
	Attachments []models.Attachment `json:"attachments"`
}

func (h *ChatHandler) CreateGroup(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	var req CreateGroupRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		writeError(w, h.Log, apperr.Validation("group name required"))
		return
	}

	group := &models.Group{Name: req.Name, CreatorID: id.ID, IsPrivate: req.IsPrivate}
	if err := h.Store.CreateGroup(r.Context(), group); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, group)
}

func (h *ChatHandler) ListGroups(w http.ResponseWriter, r *http.Request) {
	groups, err := h.Store.ListGroups(r.Context())
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if groups == nil {
		groups = []models.Group{}
	}
	writeJSON(w, http.StatusOK, groups)
}

func (h *ChatHandler) GetGroup(w http.ResponseWriter, r *http.Request) {
	group, err := h.Store.GetGroup(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, group)
}

// ListMessages returns one page in arrival order. Unknown groups are 404,
// known groups without messages an empty page.
func (h *ChatHandler) ListMessages(w http.ResponseWriter, r *http.Request) {
	groupID := mux.Vars(r)["id"]
	q := r.URL.Query()

	limit := 0
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, h.Log, apperr.Validation("invalid limit "+strconv.Quote(s)))
			return
		}
		limit = n
	}

	if _, err := h.Store.GetGroup(r.Context(), groupID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	page, err := h.Store.ListMessages(r.Context(), groupID, q.Get("cursor"), limit)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// CreateMessage stores a message from the caller and notifies the group's
// feed. The sent_at the client assigned is kept.
func (h *ChatHandler) CreateMessage(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	groupID := mux.Vars(r)["id"]

	var req CreateMessageRequest
	if err := decode(r, &req); err != nil {
		writeError(w, h.Log, err)
		return
	}
	req.Content = strings.TrimSpace(req.Content)
	if req.Content == "" && req.MediaURL == "" {
		writeError(w, h.Log, apperr.Validation("message needs text or media"))
		return
	}
	if blob.IsKey(req.MediaURL) {
		req.MediaURL = blob.SanitizeKey(req.MediaURL)
	}
	if _, err := h.Store.GetGroup(r.Context(), groupID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	sentAt := req.SentAt
	if sentAt.IsZero() {
		sentAt = time.Now()
	}
	msg := &models.Message{
		GroupID:     groupID,
		SenderID:    id.ID,
		SenderName:  id.DisplayName,
		Content:     req.Content,
		MediaURL:    req.MediaURL,
		SentAt:      sentAt.UTC(),
		Tags:        req.Tags,
		Mentions:    req.Mentions,
		Attachments: req.Attachments,
	}
	if err := h.Store.CreateMessage(r.Context(), msg); err != nil {
		writeError(w, h.Log, err)
		return
	}

	h.notify(r.Context(), models.ChangeCreate, groupID, msg.ID)
	writeJSON(w, http.StatusCreated, msg)
}

// DeleteMessage is reserved to managers.
func (h *ChatHandler) DeleteMessage(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if id.Role != models.RoleManager {
		writeError(w, h.Log, apperr.ErrForbidden)
		return
	}

	vars := mux.Vars(r)
	msg, err := h.Store.GetMessage(r.Context(), vars["mid"])
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if msg.GroupID != vars["id"] {
		writeError(w, h.Log, apperr.NotFound("message "+vars["mid"]))
		return
	}
	if err := h.Store.DeleteMessage(r.Context(), msg.ID); err != nil {
		writeError(w, h.Log, err)
		return
	}

	h.Log.Info("message_deleted", zap.String("group_id", msg.GroupID), zap.String("message_id", msg.ID), zap.String("by", id.ID))
	h.notify(r.Context(), models.ChangeDelete, msg.GroupID, msg.ID)
	w.WriteHeader(http.StatusNoContent)
}

// notify logs publish failures; the change itself is already stored.
func (h *ChatHandler) notify(ctx context.Context, kind models.ChangeKind, groupID, messageID string) {
	ev := models.ChangeEvent{Kind: kind, GroupID: groupID, MessageID: messageID, At: time.Now().UTC()}
	if err := h.Feed.Publish(ctx, ev); err != nil {
		h.Log.Warn("feed_publish_failed", zap.String("group_id", groupID), zap.Error(err))
	}
}
