// Package identity answers "who is calling": session tokens on the server,
// and the Provider abstraction the synchronizer asks for the current sender.
package identity

import (
	"context"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/models"
)

// Provider returns the signed-in identity or apperr.ErrNotAuthenticated.
type Provider interface {
	CurrentIdentity(ctx context.Context) (models.Identity, error)
}

type ProviderFunc func(ctx context.Context) (models.Identity, error)

func (f ProviderFunc) CurrentIdentity(ctx context.Context) (models.Identity, error) { return f(ctx) }

// Static always answers with the same identity.
func Static(id models.Identity) Provider {
	return ProviderFunc(func(context.Context) (models.Identity, error) { return id, nil })
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id models.Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (models.Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(models.Identity)
	return id, ok && id.ID != ""
}

// FromRequest is the server-side provider: the identity the auth
// middleware attached to the request context.
var FromRequest Provider = ProviderFunc(func(ctx context.Context) (models.Identity, error) {
	id, ok := FromContext(ctx)
	if !ok {
		return models.Identity{}, apperr.ErrNotAuthenticated
	}
	return id, nil
})

// Of builds the identity of a directory user.
func Of(u *models.User) models.Identity {
	return models.Identity{ID: u.ID, DisplayName: u.DisplayName(), Role: u.Role}
}
