package chatsync

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/models"
)

// fakeStore pages through messages with an index cursor and can hold a
// single ListMessages call at a gate after it has taken its snapshot.
type fakeStore struct {
	mu       sync.Mutex
	groups   map[string]*models.Group
	msgs     map[string][]models.Message
	pageSize int
	nextID   int

	listErr   error
	createErr error
	listDelay time.Duration

	gate        chan struct{}
	gateIgnores bool // the held call does not watch its context
	gateHeld    chan struct{}

	listCalls   atomic.Int32
	listDone    atomic.Int32
	createCalls atomic.Int32
}

func newFakeStore(pageSize int) *fakeStore {
	return &fakeStore{
		groups:   map[string]*models.Group{},
		msgs:     map[string][]models.Message{},
		pageSize: pageSize,
	}
}

func (f *fakeStore) addGroup(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.groups[id] = &models.Group{ID: id, Name: "group " + id}
}

// add stores a message as if another client had sent it.
func (f *fakeStore) add(groupID, senderID, content string) models.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	m := models.Message{
		ID:       strconv.Itoa(f.nextID),
		GroupID:  groupID,
		SenderID: senderID,
		Content:  content,
		SentAt:   time.Now().UTC(),
	}
	f.msgs[groupID] = append(f.msgs[groupID], m)
	return m
}

// holdNextList parks the next ListMessages call after its snapshot.
func (f *fakeStore) holdNextList(ignoreCtx bool) (held <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	h := make(chan struct{})
	f.gate, f.gateHeld, f.gateIgnores = gate, h, ignoreCtx
	var once sync.Once
	return h, func() { once.Do(func() { close(gate) }) }
}

func (f *fakeStore) GetGroup(_ context.Context, id string) (*models.Group, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	g, ok := f.groups[id]
	if !ok {
		return nil, apperr.NotFound("group " + id)
	}
	cp := *g
	return &cp, nil
}

func (f *fakeStore) ListMessages(ctx context.Context, groupID, cursor string, limit int) (models.MessagePage, error) {
	f.listCalls.Add(1)
	defer f.listDone.Add(1)

	f.mu.Lock()
	delay := f.listDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return models.MessagePage{}, ctx.Err()
		}
	}

	f.mu.Lock()
	if f.listErr != nil {
		err := f.listErr
		f.mu.Unlock()
		return models.MessagePage{}, err
	}
	start := 0
	if cursor != "" {
		start, _ = strconv.Atoi(cursor)
	}
	size := limit
	if f.pageSize > 0 && f.pageSize < size {
		size = f.pageSize
	}
	all := f.msgs[groupID]
	end := min(start+size, len(all))
	page := models.MessagePage{Items: append([]models.Message(nil), all[start:end]...)}
	if end < len(all) {
		page.NextCursor = strconv.Itoa(end)
	}
	gate, held, ignore := f.gate, f.gateHeld, f.gateIgnores
	f.gate, f.gateHeld = nil, nil
	f.mu.Unlock()

	if gate != nil {
		close(held)
		if ignore {
			<-gate
		} else {
			select {
			case <-gate:
			case <-ctx.Done():
				return models.MessagePage{}, ctx.Err()
			}
		}
	}
	return page, nil
}

func (f *fakeStore) CreateMessage(_ context.Context, msg *models.Message) error {
	f.createCalls.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.nextID++
	msg.ID = strconv.Itoa(f.nextID)
	f.msgs[msg.GroupID] = append(f.msgs[msg.GroupID], *msg)
	return nil
}

type fakeMedia struct {
	mu   sync.Mutex
	puts map[string][]byte
}

func (m *fakeMedia) Put(_ context.Context, key string, r io.Reader, _ string) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.puts == nil {
		m.puts = map[string][]byte{}
	}
	m.puts[key] = b
	return nil
}

func (m *fakeMedia) URL(_ context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.puts[key]; !ok {
		return "", apperr.NotFound("blob " + key)
	}
	return "https://media.test/" + key, nil
}

// slowList makes every ListMessages call take d.
func (f *fakeStore) slowList(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listDelay = d
}

// feedFunc adapts a function to Feed.
type feedFunc func(ctx context.Context, groupID string) (feed.Subscription, error)

func (f feedFunc) Subscribe(ctx context.Context, groupID string) (feed.Subscription, error) {
	return f(ctx, groupID)
}

type noUsers struct{}

func (noUsers) GetUser(_ context.Context, id string) (*models.User, error) {
	return nil, apperr.NotFound("user " + id)
}

// fakeFeed hands out subscriptions whose stream the test ends by hand.
type fakeFeed struct {
	sub *fakeSub
}

func (f *fakeFeed) Subscribe(context.Context, string) (feed.Subscription, error) {
	f.sub = &fakeSub{events: make(chan models.ChangeEvent, 1)}
	return f.sub, nil
}

type fakeSub struct {
	once   sync.Once
	events chan models.ChangeEvent
	err    error
}

func (s *fakeSub) Events() <-chan models.ChangeEvent { return s.events }
func (s *fakeSub) Err() error                        { return s.err }
func (s *fakeSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (s *fakeSub) fail(err error) {
	s.err = err
	s.Close()
}
