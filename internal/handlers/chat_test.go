package handlers

import (
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pliu/groupsync/internal/models"
)

func (ts *testServer) createGroup(t *testing.T, user *models.User, name string) models.Group {
	t.Helper()
	rr := ts.do(t, "POST", "/groups", user, CreateGroupRequest{Name: name})
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
	var g models.Group
	decodeBody(t, rr, &g)
	return g
}

func TestCreateAndListGroups(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)

	g := ts.createGroup(t, alice, "Night shift")
	assert.Equal(t, alice.ID, g.CreatorID)

	rr := ts.do(t, "POST", "/groups", alice, CreateGroupRequest{Name: "   "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "GET", "/groups", alice, nil)
	var groups []models.Group
	decodeBody(t, rr, &groups)
	require.Len(t, groups, 1)
	assert.Equal(t, "Night shift", groups[0].Name)

	assert.Equal(t, http.StatusOK, ts.do(t, "GET", "/groups/"+g.ID, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/groups/nope", alice, nil).Code)
}

func TestCreateMessagePublishesAndPages(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	g := ts.createGroup(t, alice, "Night shift")

	sub, err := ts.broker.Subscribe(ctx, g.ID)
	require.NoError(t, err)
	defer sub.Close()

	sentAt := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	var ids []string
	for i := 0; i < 3; i++ {
		rr := ts.do(t, "POST", "/groups/"+g.ID+"/messages", alice, CreateMessageRequest{
			Content: fmt.Sprintf("  msg %d ", i),
			SentAt:  sentAt,
			Tags:    []string{"shift"},
		})
		require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())
		var m models.Message
		decodeBody(t, rr, &m)
		assert.Equal(t, alice.ID, m.SenderID)
		assert.Equal(t, "alice Example", m.SenderName)
		assert.Equal(t, fmt.Sprintf("msg %d", i), m.Content)
		assert.True(t, sentAt.Equal(m.SentAt))
		ids = append(ids, m.ID)

		select {
		case ev := <-sub.Events():
			assert.Equal(t, models.ChangeCreate, ev.Kind)
			assert.Equal(t, m.ID, ev.MessageID)
		case <-time.After(time.Second):
			t.Fatal("no change event")
		}
	}

	var got []string
	cursor := ""
	for {
		rr := ts.do(t, "GET", "/groups/"+g.ID+"/messages?limit=2&cursor="+cursor, alice, nil)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
		var page models.MessagePage
		decodeBody(t, rr, &page)
		for _, m := range page.Items {
			got = append(got, m.ID)
		}
		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}
	assert.Equal(t, ids, got)
}

func TestCreateMessageValidation(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	g := ts.createGroup(t, alice, "Night shift")

	rr := ts.do(t, "POST", "/groups/"+g.ID+"/messages", alice, CreateMessageRequest{Content: " \n "})
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "POST", "/groups/nope/messages", alice, CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "GET", "/groups/nope/messages", alice, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = ts.do(t, "GET", "/groups/"+g.ID+"/messages?limit=abc", alice, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "GET", "/groups/"+g.ID+"/messages", alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"items":[]}`, rr.Body.String())

	rr = ts.do(t, "POST", "/groups/"+g.ID+"/messages", nil, CreateMessageRequest{Content: "hi"})
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestCreateMessageRateLimited(t *testing.T) {
	ts := newTestServer(t, 2)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	g := ts.createGroup(t, alice, "Night shift")

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, ts.do(t, "POST", "/groups/"+g.ID+"/messages", alice, CreateMessageRequest{Content: "spam"}).Code)
	}
	assert.Equal(t, http.StatusCreated, codes[0])
	assert.Equal(t, http.StatusCreated, codes[1])
	assert.Equal(t, http.StatusTooManyRequests, codes[2])
}

func TestDeleteMessageRequiresManager(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	boss := ts.addUser(t, "boss", "pw", models.RoleManager)
	g := ts.createGroup(t, alice, "Night shift")
	other := ts.createGroup(t, alice, "Day shift")

	rr := ts.do(t, "POST", "/groups/"+g.ID+"/messages", alice, CreateMessageRequest{Content: "oops"})
	require.Equal(t, http.StatusCreated, rr.Code)
	var m models.Message
	decodeBody(t, rr, &m)

	sub, err := ts.broker.Subscribe(ctx, g.ID)
	require.NoError(t, err)
	defer sub.Close()

	path := "/groups/" + g.ID + "/messages/" + m.ID
	assert.Equal(t, http.StatusForbidden, ts.do(t, "DELETE", path, alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", "/groups/"+other.ID+"/messages/"+m.ID, boss, nil).Code)
	assert.Equal(t, http.StatusNoContent, ts.do(t, "DELETE", path, boss, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "DELETE", path, boss, nil).Code)

	select {
	case ev := <-sub.Events():
		assert.Equal(t, models.ChangeDelete, ev.Kind)
		assert.Equal(t, m.ID, ev.MessageID)
	case <-time.After(time.Second):
		t.Fatal("no delete event")
	}
}

func TestMedia(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	key := "images/" + alice.ID + "_1_cat.png"

	rr := ts.do(t, "PUT", "/media/"+key, alice, strings.NewReader("meow"))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	rr = ts.do(t, "PUT", "/media/secrets/x", alice, strings.NewReader("nope"))
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = ts.do(t, "GET", "/media-url?key="+key, alice, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var u urlResponse
	decodeBody(t, rr, &u)
	assert.Equal(t, "/media/"+key, u.URL)

	rr = ts.do(t, "GET", u.URL, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "meow", rr.Body.String())

	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/media-url?key=images/missing.png", alice, nil).Code)
	assert.Equal(t, http.StatusNotFound, ts.do(t, "GET", "/media/images/missing.png", nil, nil).Code)
}

func TestMediaUploadsAreOwnedByTheCaller(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)
	bob := ts.addUser(t, "bob", "pw", models.RoleEmployee)

	key := "images/" + alice.ID + "_1_cat.png"
	require.Equal(t, http.StatusCreated, ts.do(t, "PUT", "/media/"+key, alice, strings.NewReader("meow")).Code)

	rr := ts.do(t, "PUT", "/media/"+key, bob, strings.NewReader("woof"))
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = ts.do(t, "PUT", "/media/public/profile-pics/"+alice.ID+"/me.png", bob, strings.NewReader("woof"))
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = ts.do(t, "GET", "/media/"+key, nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "meow", rr.Body.String())
}

func TestProfilePicture(t *testing.T) {
	ts := newTestServer(t, 10)
	alice := ts.addUser(t, "alice", "pw", models.RoleEmployee)

	rr := ts.do(t, "PUT", "/me/profile-picture?name=me.png", alice, strings.NewReader("png"))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = ts.do(t, "GET", "/users/"+alice.ID, alice, nil)
	var u models.User
	decodeBody(t, rr, &u)
	assert.Equal(t, "public/profile-pics/"+alice.ID+"/me.png", u.ProfilePicture)
}
