package ws

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/models"
)

func startHub(t *testing.T) (*Hub, *feed.MemoryBroker, *httptest.Server) {
	t.Helper()
	broker := feed.NewMemoryBroker()
	hub := NewHub(broker, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r, r.URL.Query().Get("group"), "u1")
	}))
	t.Cleanup(func() {
		srv.Close()
		cancel()
		broker.Close()
	})
	return hub, broker, srv
}

func dial(t *testing.T, srv *httptest.Server, group string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/?group=" + group
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	var ready models.ChangeEvent
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, conn.ReadJSON(&ready))
	require.Equal(t, models.ChangeSubscribed, ready.Kind)
	require.Equal(t, group, ready.GroupID)
	return conn
}

func TestHubRelaysGroupEvents(t *testing.T) {
	hub, broker, srv := startHub(t)
	c1 := dial(t, srv, "g1")
	c2 := dial(t, srv, "g2")
	require.Eventually(t, func() bool { return hub.Watching("g1") == 1 && hub.Watching("g2") == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx := context.Background()
	require.NoError(t, broker.Publish(ctx, models.ChangeEvent{Kind: models.ChangeCreate, GroupID: "g1", MessageID: "m1"}))

	var ev models.ChangeEvent
	c1.SetReadDeadline(time.Now().Add(2 * time.Second))
	require.NoError(t, c1.ReadJSON(&ev))
	assert.Equal(t, "g1", ev.GroupID)
	assert.Equal(t, "m1", ev.MessageID)
	assert.Equal(t, models.ChangeCreate, ev.Kind)

	c2.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	err := c2.ReadJSON(&ev)
	assert.Error(t, err, "g2 must not see g1 events")
}

func TestHubReleasesSubscriptionWhenLastClientLeaves(t *testing.T) {
	hub, _, srv := startHub(t)
	a := dial(t, srv, "g1")
	b := dial(t, srv, "g1")
	require.Eventually(t, func() bool { return hub.Watching("g1") == 2 }, 2*time.Second, 5*time.Millisecond)

	a.Close()
	require.Eventually(t, func() bool { return hub.Watching("g1") == 1 }, 2*time.Second, 5*time.Millisecond)
	b.Close()
	require.Eventually(t, func() bool { return hub.Watching("g1") == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHubDisconnectsClientsWhenFeedEnds(t *testing.T) {
	hub, broker, srv := startHub(t)
	c := dial(t, srv, "g1")
	require.Eventually(t, func() bool { return hub.Watching("g1") == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, broker.Close())

	c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := c.ReadMessage()
	assert.Error(t, err)
	require.Eventually(t, func() bool { return hub.Watching("g1") == 0 }, 2*time.Second, 5*time.Millisecond)
}
