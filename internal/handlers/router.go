package handlers

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/middleware"
	"github.com/pliu/groupsync/internal/store"
	"github.com/pliu/groupsync/internal/ws"
)

type Deps struct {
	Store   store.Store
	Feed    feed.Broker
	Blob    blob.Store
	Signer  *identity.Signer
	Hub     *ws.Hub
	Limiter *middleware.Limiter
	Log     *zap.Logger
}

// NewRouter wires the API. Everything except login, health, metrics and
// media downloads requires a session.
func NewRouter(d Deps) *mux.Router {
	authHandler := &AuthHandler{Store: d.Store, Signer: d.Signer, Log: d.Log}
	chatHandler := &ChatHandler{Store: d.Store, Feed: d.Feed, Log: d.Log}
	mediaHandler := &MediaHandler{Blob: d.Blob, Store: d.Store, Log: d.Log}

	r := mux.NewRouter()
	r.Use(middleware.Logging(d.Log))

	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/session", authHandler.Login).Methods("POST")
	r.HandleFunc("/media/{key:.+}", mediaHandler.Download).Methods("GET")

	api := r.NewRoute().Subrouter()
	api.Use(middleware.Auth(d.Signer, d.Store))
	api.HandleFunc("/me", authHandler.Me).Methods("GET")
	api.HandleFunc("/me/profile-picture", mediaHandler.ProfilePicture).Methods("PUT")
	api.HandleFunc("/users/search", authHandler.SearchUsers).Methods("GET")
	api.HandleFunc("/users/{id}", authHandler.GetUser).Methods("GET")
	api.HandleFunc("/groups", chatHandler.CreateGroup).Methods("POST")
	api.HandleFunc("/groups", chatHandler.ListGroups).Methods("GET")
	api.HandleFunc("/groups/{id}", chatHandler.GetGroup).Methods("GET")
	api.HandleFunc("/groups/{id}/messages", chatHandler.ListMessages).Methods("GET")
	api.Handle("/groups/{id}/messages",
		middleware.RateLimit(d.Limiter)(http.HandlerFunc(chatHandler.CreateMessage))).Methods("POST")
	api.HandleFunc("/groups/{id}/messages/{mid}", chatHandler.DeleteMessage).Methods("DELETE")
	api.HandleFunc("/media/{key:.+}", mediaHandler.Upload).Methods("PUT")
	api.HandleFunc("/media-url", mediaHandler.URL).Methods("GET")

	// WebSocket Endpoint
	api.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		id, err := caller(r)
		if err != nil {
			writeError(w, d.Log, err)
			return
		}
		groupID := r.URL.Query().Get("group")
		if _, err := d.Store.GetGroup(r.Context(), groupID); err != nil {
			if groupID == "" {
				err = apperr.Validation("group required")
			}
			writeError(w, d.Log, err)
			return
		}
		ws.ServeWs(d.Hub, w, r, groupID, id.ID)
	}).Methods("GET")

	return r
}
