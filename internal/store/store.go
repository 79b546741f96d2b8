package store

import (
	"context"

	"github.com/pliu/groupsync/internal/models"
)

// DefaultPageSize is used when ListMessages is called with limit <= 0.
const DefaultPageSize = 100

// MaxPageSize caps a single ListMessages page.
const MaxPageSize = 500

// Store is the structured data store. Missing rows are reported as
// apperr.ErrNotFound.
type Store interface {
	// User directory
	CreateUser(ctx context.Context, user *models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	SearchUsers(ctx context.Context, query string) ([]models.User, error)
	SetProfilePicture(ctx context.Context, userID, key string) error

	// Groups
	CreateGroup(ctx context.Context, group *models.Group) error
	GetGroup(ctx context.Context, id string) (*models.Group, error)
	ListGroups(ctx context.Context) ([]models.Group, error)

	// Messages, listed in store arrival order
	CreateMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, id string) (*models.Message, error)
	ListMessages(ctx context.Context, groupID, cursor string, limit int) (models.MessagePage, error)
	DeleteMessage(ctx context.Context, id string) error

	Close() error
}
