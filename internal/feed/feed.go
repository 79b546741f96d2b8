// Package feed carries message change notifications scoped to a group.
//
// Delivery is at-least-once and may coalesce: a subscriber that falls behind
// loses intermediate events but always keeps at least one pending one, which
// is enough for consumers that refresh their whole view on any event.
package feed

import (
	"context"

	"github.com/pliu/groupsync/internal/models"
)

type Broker interface {
	Publish(ctx context.Context, ev models.ChangeEvent) error
	Subscribe(ctx context.Context, groupID string) (Subscription, error)
	Close() error
}

// Subscription is a live, cancellable stream of change events. Events is
// closed after Close or when the underlying transport ends; Err then reports
// why (nil after Close).
type Subscription interface {
	Events() <-chan models.ChangeEvent
	Err() error
	Close() error
}

// DefaultBuffer is the per-subscription event buffer.
const DefaultBuffer = 16
