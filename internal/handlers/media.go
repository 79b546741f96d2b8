package handlers

import (
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/store"
)

// MaxUploadBytes caps a single media upload.
const MaxUploadBytes = 20 << 20

type MediaHandler struct {
	Blob  blob.Store
	Store store.Store
	Log   *zap.Logger
}

type keyResponse struct {
	Key string `json:"key"`
}

type urlResponse struct {
	URL string `json:"url"`
}

func uploadable(key string) bool {
	return strings.HasPrefix(key, "images/") || strings.HasPrefix(key, "public/")
}

// Upload stores the request body at the key in the path. Callers may only
// write their own media and profile pictures.
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	key := blob.SanitizeKey(mux.Vars(r)["key"])
	if !uploadable(key) {
		writeError(w, h.Log, apperr.Validation("media keys live under images/ or public/"))
		return
	}
	if !blob.OwnedBy(key, id.ID) {
		writeError(w, h.Log, fmt.Errorf("%w: %s belongs to another user", apperr.ErrForbidden, key))
		return
	}
	if err := h.put(w, r, key); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, keyResponse{Key: key})
}

// ProfilePicture replaces the caller's avatar.
func (h *MediaHandler) ProfilePicture(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	name := r.URL.Query().Get("name")
	if name == "" {
		writeError(w, h.Log, apperr.Validation("name required"))
		return
	}
	key := blob.ProfilePictureKey(id.ID, name)
	if err := h.put(w, r, key); err != nil {
		writeError(w, h.Log, err)
		return
	}
	if err := h.Store.SetProfilePicture(r.Context(), id.ID, key); err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, keyResponse{Key: key})
}

func (h *MediaHandler) put(w http.ResponseWriter, r *http.Request, key string) error {
	if r.ContentLength > MaxUploadBytes {
		return apperr.Validation("upload larger than " + humanize.IBytes(MaxUploadBytes))
	}
	body := http.MaxBytesReader(w, r.Body, MaxUploadBytes)
	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	if err := h.Blob.Put(r.Context(), key, body, contentType); err != nil {
		return err
	}
	h.Log.Info("media_stored", zap.String("key", key), zap.String("size", humanize.IBytes(uint64(max(r.ContentLength, 0)))))
	return nil
}

// URL resolves a key to a retrievable URL; 404 when nothing is stored there.
func (h *MediaHandler) URL(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		writeError(w, h.Log, apperr.Validation("key required"))
		return
	}
	u, err := h.Blob.URL(r.Context(), key)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, urlResponse{URL: u})
}

// Download serves objects for drivers without signed URLs.
func (h *MediaHandler) Download(w http.ResponseWriter, r *http.Request) {
	rc, contentType, err := h.Blob.Open(r.Context(), mux.Vars(r)["key"])
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	defer rc.Close()
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Header().Set("Cache-Control", "private, max-age=300")
	if _, err := io.Copy(w, rc); err != nil {
		h.Log.Debug("media_download_aborted", zap.Error(err))
	}
}
