package remote

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/feed"
	"github.com/pliu/groupsync/internal/models"
)

// Subscribe follows groupID's change feed over a websocket. The stream ends
// with an error whenever the server hangs up.
func (c *Client) Subscribe(ctx context.Context, groupID string) (feed.Subscription, error) {
	if groupID == "" {
		return nil, apperr.Validation("group id required")
	}
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path += "/ws"
	u.RawQuery = url.Values{"group": {groupID}}.Encode()

	header := http.Header{}
	if token := c.Token(); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := c.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil && resp.StatusCode >= http.StatusBadRequest {
			defer resp.Body.Close()
			return nil, statusError("subscribe", resp)
		}
		return nil, apperr.Remote("subscribe", err)
	}

	// nothing published before the server confirms is delivered
	var ready models.ChangeEvent
	conn.SetReadDeadline(time.Now().Add(c.dialer.HandshakeTimeout))
	if err := conn.ReadJSON(&ready); err != nil || ready.Kind != models.ChangeSubscribed {
		conn.Close()
		if err == nil {
			err = errors.New("unexpected first frame " + string(ready.Kind))
		}
		return nil, apperr.Remote("subscribe", err)
	}
	conn.SetReadDeadline(time.Time{})

	s := &wsSub{conn: conn, events: make(chan models.ChangeEvent, feed.DefaultBuffer)}
	s.stop = context.AfterFunc(ctx, func() { s.Close() })
	go s.read()
	return s, nil
}

type wsSub struct {
	conn   *websocket.Conn
	events chan models.ChangeEvent
	stop   func() bool

	mu     sync.Mutex
	closed bool
	err    error
}

func (s *wsSub) read() {
	defer s.stop()
	defer close(s.events)
	for {
		var ev models.ChangeEvent
		err := s.conn.ReadJSON(&ev)
		if err != nil {
			s.mu.Lock()
			if !s.closed {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
					err = io.ErrUnexpectedEOF
				}
				s.err = apperr.Remote("change feed", err)
			}
			s.mu.Unlock()
			s.conn.Close()
			return
		}
		select {
		case s.events <- ev:
		default:
			// a refresh is already pending
		}
	}
}

func (s *wsSub) Events() <-chan models.ChangeEvent { return s.events }

func (s *wsSub) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wsSub) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	s.conn.Close()
	return nil
}
