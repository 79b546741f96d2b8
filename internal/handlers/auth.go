package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/middleware"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/store"
)

type Credentials struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type SessionResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

type AuthHandler struct {
	Store  store.Store
	Signer *identity.Signer
	Log    *zap.Logger
}

// Login exchanges credentials for a session token, returned in the body
// and as the session cookie.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var creds Credentials
	if err := decode(r, &creds); err != nil {
		writeError(w, h.Log, err)
		return
	}

	user, err := h.Store.GetUserByUsername(r.Context(), creds.Username)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			err = apperr.ErrNotAuthenticated
		}
		writeError(w, h.Log, err)
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.Password), []byte(creds.Password)); err != nil {
		writeError(w, h.Log, apperr.ErrNotAuthenticated)
		return
	}

	token := h.Signer.Issue(user.ID)
	http.SetCookie(w, &http.Cookie{
		Name:     middleware.SessionCookie,
		Value:    token,
		Path:     "/",
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	h.Log.Info("session_created", zap.String("user_id", user.ID))
	writeJSON(w, http.StatusOK, SessionResponse{Token: token, User: user})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	id, err := caller(r)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, id)
}

func (h *AuthHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	user, err := h.Store.GetUser(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (h *AuthHandler) SearchUsers(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		writeJSON(w, http.StatusOK, []models.User{})
		return
	}

	users, err := h.Store.SearchUsers(r.Context(), query)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	if users == nil {
		users = []models.User{}
	}
	writeJSON(w, http.StatusOK, users)
}
