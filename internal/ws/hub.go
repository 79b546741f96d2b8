package ws

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/metrics"
	"github.com/pliu/groupsync/internal/models"
)

// Hub relays change events from the broker to websocket clients. It keeps
// one broker subscription per group that has at least one client.
type Hub struct {
	// Registered clients, by group.
	groups map[string]*groupFeed

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Events pumped from the broker subscriptions.
	events chan models.ChangeEvent

	// Subscriptions whose stream ended.
	ended chan feed.Subscription

	// Closed when Run returns.
	done chan struct{}

	broker feed.Broker
	log    *zap.Logger

	mu       sync.Mutex
	watching map[string]int
}

type groupFeed struct {
	sub     feed.Subscription
	clients map[*Client]bool
}

func NewHub(broker feed.Broker, log *zap.Logger) *Hub {
	return &Hub{
		groups:     make(map[string]*groupFeed),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan models.ChangeEvent, feed.DefaultBuffer),
		ended:      make(chan feed.Subscription),
		done:       make(chan struct{}),
		broker:     broker,
		log:        log,
		watching:   make(map[string]int),
	}
}

// Run serves the hub until ctx is done, then disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case client := <-h.register:
			h.add(ctx, client)
		case client := <-h.unregister:
			h.remove(client)
		case ev := <-h.events:
			h.fanOut(ev)
		case sub := <-h.ended:
			h.dropSubscription(sub)
		}
	}
}

// Watching reports how many clients follow groupID.
func (h *Hub) Watching(groupID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.watching[groupID]
}

func (h *Hub) add(ctx context.Context, client *Client) {
	g, ok := h.groups[client.groupID]
	if !ok {
		sub, err := h.broker.Subscribe(ctx, client.groupID)
		if err != nil {
			h.log.Error("feed_subscribe_failed", zap.String("group_id", client.groupID), zap.Error(err))
			close(client.send)
			return
		}
		g = &groupFeed{sub: sub, clients: make(map[*Client]bool)}
		h.groups[client.groupID] = g
		go h.pump(ctx, sub)
	}
	g.clients[client] = true
	metrics.HubClients.Inc()
	h.setWatching(client.groupID, len(g.clients))

	ready, _ := json.Marshal(models.ChangeEvent{Kind: models.ChangeSubscribed, GroupID: client.groupID})
	client.send <- ready
}

func (h *Hub) remove(client *Client) {
	g, ok := h.groups[client.groupID]
	if !ok || !g.clients[client] {
		return
	}
	delete(g.clients, client)
	close(client.send)
	metrics.HubClients.Dec()
	h.setWatching(client.groupID, len(g.clients))
	if len(g.clients) == 0 {
		g.sub.Close()
		delete(h.groups, client.groupID)
	}
}

func (h *Hub) fanOut(ev models.ChangeEvent) {
	g, ok := h.groups[ev.GroupID]
	if !ok {
		return
	}
	msgBytes, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("event_encode_failed", zap.Error(err))
		return
	}
	for client := range g.clients {
		select {
		case client.send <- msgBytes:
		default:
			// too slow; the client reconnects and reloads
			h.log.Info("ws_client_dropped", zap.String("group_id", ev.GroupID), zap.String("user_id", client.userID))
			h.remove(client)
		}
	}
}

func (h *Hub) pump(ctx context.Context, sub feed.Subscription) {
	for ev := range sub.Events() {
		select {
		case h.events <- ev:
		case <-ctx.Done():
			return
		}
	}
	if err := sub.Err(); err != nil {
		h.log.Warn("feed_subscription_ended", zap.Error(err))
	}
	select {
	case h.ended <- sub:
	case <-ctx.Done():
	}
}

// dropSubscription disconnects the clients of a group whose feed died so
// they reconnect to a fresh subscription.
func (h *Hub) dropSubscription(sub feed.Subscription) {
	for _, g := range h.groups {
		if g.sub != sub {
			continue
		}
		for client := range g.clients {
			h.remove(client)
		}
		return
	}
}

func (h *Hub) shutdown() {
	for _, g := range h.groups {
		for client := range g.clients {
			h.remove(client)
		}
	}
}

func (h *Hub) setWatching(groupID string, n int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if n == 0 {
		delete(h.watching, groupID)
		return
	}
	h.watching[groupID] = n
}
