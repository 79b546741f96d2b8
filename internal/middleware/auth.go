package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/models"
)

// SessionCookie carries the session token for browser clients; API clients
// send it as a bearer token.
const SessionCookie = "session"

type UserGetter interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// TokenFromRequest returns the bearer token, falling back to the session
// cookie.
func TokenFromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// Auth verifies the session token, loads the user and attaches their
// identity to the request context.
func Auth(signer *identity.Signer, users UserGetter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := TokenFromRequest(r)
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userID, err := signer.Verify(token)
			if err != nil {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			user, err := users.GetUser(r.Context(), userID)
			if err != nil {
				// deleted users hold tokens that still verify
				code := apperr.StatusCode(err)
				if code == http.StatusNotFound {
					code = http.StatusUnauthorized
				}
				http.Error(w, http.StatusText(code), code)
				return
			}

			ctx := identity.WithIdentity(r.Context(), identity.Of(user))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
