package remote

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/blob"
	"github.com/pliu/groupsync/internal/chatsync"
	"github.com/pliu/groupsync/internal/config"
	"github.com/pliu/groupsync/internal/enrich"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/handlers"
	"github.com/pliu/groupsync/internal/identity"
	"github.com/pliu/groupsync/internal/middleware"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/session"
	"github.com/pliu/groupsync/internal/store/sqlstore"
	"github.com/pliu/groupsync/internal/ws"
)

var ctx = context.Background()

type testServer struct {
	*httptest.Server
	stopHub context.CancelFunc
}

func startServer(t *testing.T) *testServer {
	t.Helper()
	store, err := sqlstore.New("sqlite3", ":memory:")
	require.NoError(t, err)
	blobs, err := blob.Open(ctx, config.Storage{Driver: "mem"})
	require.NoError(t, err)
	signer, err := identity.NewSigner("remote-test-secret-0123", time.Hour)
	require.NoError(t, err)
	broker := feed.NewMemoryBroker()

	for _, name := range []string{"alice", "bob"} {
		hash, err := bcrypt.GenerateFromPassword([]byte(name+"-pw"), bcrypt.MinCost)
		require.NoError(t, err)
		require.NoError(t, store.CreateUser(ctx, &models.User{Username: name, Password: string(hash)}))
	}

	hub := ws.NewHub(broker, zap.NewNop())
	hubCtx, stopHub := context.WithCancel(context.Background())
	go hub.Run(hubCtx)

	srv := httptest.NewServer(handlers.NewRouter(handlers.Deps{
		Store:   store,
		Feed:    broker,
		Blob:    blobs,
		Signer:  signer,
		Hub:     hub,
		Limiter: middleware.NewLimiter(100, 100),
		Log:     zap.NewNop(),
	}))
	t.Cleanup(func() {
		srv.Close()
		stopHub()
		broker.Close()
		blobs.Close()
		store.Close()
	})
	return &testServer{Server: srv, stopHub: stopHub}
}

func login(t *testing.T, srv *testServer, name string) *Client {
	t.Helper()
	c, err := New(srv.URL, "", nil)
	require.NoError(t, err)
	_, err = c.Login(ctx, name, name+"-pw")
	require.NoError(t, err)
	return c
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com", "", nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestLoginAndIdentity(t *testing.T) {
	srv := startServer(t)
	c, err := New(srv.URL+"/", "", nil)
	require.NoError(t, err)

	_, err = c.CurrentIdentity(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)

	_, err = c.Login(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)

	u, err := c.Login(ctx, "alice", "alice-pw")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Username)
	assert.NotEmpty(t, c.Token())

	id, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, u.ID, id.ID)
	assert.Equal(t, "alice", id.DisplayName)
}

func TestErrorsMapOntoTaxonomy(t *testing.T) {
	srv := startServer(t)
	c := login(t, srv, "alice")

	_, err := c.GetGroup(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = c.CreateGroup(ctx, "", false)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = c.Subscribe(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	bad, err := New(srv.URL, "forged|token", nil)
	require.NoError(t, err)
	_, err = bad.ListGroups(ctx)
	assert.ErrorIs(t, err, apperr.ErrNotAuthenticated)

	srv.Close()
	_, err = c.ListGroups(ctx)
	assert.ErrorIs(t, err, apperr.ErrRemote)
}

func TestMediaRoundTrip(t *testing.T) {
	srv := startServer(t)
	c := login(t, srv, "alice")

	who, err := c.CurrentIdentity(ctx)
	require.NoError(t, err)
	key := "images/" + who.ID + "_1700000000000_cat pic.png"
	require.NoError(t, c.Put(ctx, key, bytes.NewReader([]byte("meow")), "image/png"))

	u, err := c.URL(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/media/images/"+who.ID+"_1700000000000_cat%20pic.png", u)

	err = c.Put(ctx, "images/someone-else_1_cat.png", bytes.NewReader([]byte("woof")), "image/png")
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	resp, err := http.Get(u)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "meow", string(data))
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	_, err = c.URL(ctx, "images/missing.png")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestSynchronizerOverRemote(t *testing.T) {
	srv := startServer(t)
	alice := login(t, srv, "alice")
	bob := login(t, srv, "bob")

	g, err := alice.CreateGroup(ctx, "Night shift", false)
	require.NoError(t, err)
	require.NoError(t, bob.CreateMessage(ctx, &models.Message{GroupID: g.ID, Content: "hi", SentAt: time.Now()}))

	syncer := chatsync.New(chatsync.Deps{
		Messages: alice,
		Feed:     alice,
		Media:    alice,
		Identity: session.New(alice),
		Enricher: enrich.New(alice, alice, 4, nil),
	}, chatsync.Options{CoalesceWindow: 20 * time.Millisecond, PageSize: 1})

	s, err := syncer.Open(g.ID)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Load(ctx))
	v := s.View()
	require.Len(t, v.Messages, 1)
	assert.Equal(t, "hi", v.Messages[0].Content)
	assert.Equal(t, "bob", v.Messages[0].SenderUsername)
	assert.Equal(t, "Night shift", v.Group.Name)

	require.NoError(t, s.Subscribe(ctx))

	sent, err := s.Send(ctx, chatsync.Draft{Content: "bye", Media: &chatsync.MediaFile{Name: "a.txt", ContentType: "text/plain", Data: []byte("x")}})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(sent.MediaURL, "images/"), sent.MediaURL)
	assert.Equal(t, srv.URL+"/media/"+sent.MediaURL, s.View().Messages[1].MediaLink)

	require.NoError(t, bob.CreateMessage(ctx, &models.Message{GroupID: g.ID, Content: "later", SentAt: time.Now()}))

	require.Eventually(t, func() bool {
		v := s.View()
		return len(v.Messages) == 3 && v.Messages[2].Content == "later"
	}, 5*time.Second, 10*time.Millisecond)

	v = s.View()
	assert.Equal(t, []string{"hi", "bye", "later"}, []string{v.Messages[0].Content, v.Messages[1].Content, v.Messages[2].Content})
	assert.Equal(t, "alice", v.Messages[1].SenderUsername)
	assert.Equal(t, srv.URL+"/media/"+sent.MediaURL, v.Messages[1].MediaLink, "resolved again after the refresh")
	assert.Equal(t, chatsync.StateReady, v.State)
}

func TestFeedEndsWhenServerHangsUp(t *testing.T) {
	srv := startServer(t)
	c := login(t, srv, "alice")
	g, err := c.CreateGroup(ctx, "Night shift", false)
	require.NoError(t, err)

	sub, err := c.Subscribe(ctx, g.ID)
	require.NoError(t, err)
	defer sub.Close()

	srv.stopHub()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, sub.Err(), apperr.ErrRemote)
}

func TestSubscriptionCloseIsClean(t *testing.T) {
	srv := startServer(t)
	c := login(t, srv, "alice")
	g, err := c.CreateGroup(ctx, "Night shift", false)
	require.NoError(t, err)

	subCtx, cancel := context.WithCancel(ctx)
	sub, err := c.Subscribe(subCtx, g.ID)
	require.NoError(t, err)

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-sub.Events():
			return !ok
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.NoError(t, sub.Err())
	assert.NoError(t, sub.Close())
}
