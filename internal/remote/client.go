// Package remote is the terminal client's handle on a groupsyncd server.
// One Client serves as message store, user directory, media store, identity
// provider and change feed for the synchronizer.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/models"
)

const maxErrorBody = 4 << 10

type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
	log    *zap.Logger

	mu    sync.RWMutex
	token string
}

func New(baseURL, token string, log *zap.Logger) (*Client, error) {
	u, err := url.Parse(strings.TrimSuffix(baseURL, "/"))
	if err != nil {
		return nil, apperr.Validation("server url: " + err.Error())
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, apperr.Validation("server url must be http or https")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		base:   u,
		http:   &http.Client{Timeout: 30 * time.Second},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:    log,
		token:  token,
	}, nil
}

func (c *Client) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

func (c *Client) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

type sessionResponse struct {
	Token string       `json:"token"`
	User  *models.User `json:"user"`
}

// Login exchanges credentials for a session token and keeps it.
func (c *Client) Login(ctx context.Context, username, password string) (*models.User, error) {
	body := map[string]string{"username": username, "password": password}
	var resp sessionResponse
	if err := c.do(ctx, "login", http.MethodPost, "/session", nil, jsonBody(body), &resp); err != nil {
		return nil, err
	}
	c.SetToken(resp.Token)
	return resp.User, nil
}

// CurrentIdentity asks the server who the token belongs to.
func (c *Client) CurrentIdentity(ctx context.Context) (models.Identity, error) {
	var id models.Identity
	if c.Token() == "" {
		return id, apperr.ErrNotAuthenticated
	}
	err := c.do(ctx, "me", http.MethodGet, "/me", nil, nil, &id)
	return id, err
}

func (c *Client) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := c.do(ctx, "get user", http.MethodGet, "/users/"+url.PathEscape(id), nil, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) ListGroups(ctx context.Context) ([]models.Group, error) {
	var groups []models.Group
	err := c.do(ctx, "list groups", http.MethodGet, "/groups", nil, nil, &groups)
	return groups, err
}

func (c *Client) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	var g models.Group
	if err := c.do(ctx, "get group", http.MethodGet, "/groups/"+url.PathEscape(id), nil, nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) CreateGroup(ctx context.Context, name string, private bool) (*models.Group, error) {
	body := map[string]any{"name": name, "is_private": private}
	var g models.Group
	if err := c.do(ctx, "create group", http.MethodPost, "/groups", nil, jsonBody(body), &g); err != nil {
		return nil, err
	}
	return &g, nil
}

func (c *Client) ListMessages(ctx context.Context, groupID, cursor string, limit int) (models.MessagePage, error) {
	q := url.Values{}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var page models.MessagePage
	err := c.do(ctx, "list messages", http.MethodGet, "/groups/"+url.PathEscape(groupID)+"/messages", q, nil, &page)
	return page, err
}

// CreateMessage posts msg and overwrites it with the stored record.
func (c *Client) CreateMessage(ctx context.Context, msg *models.Message) error {
	body := map[string]any{
		"content":     msg.Content,
		"media_url":   msg.MediaURL,
		"sent_at":     msg.SentAt,
		"tags":        msg.Tags,
		"mentions":    msg.Mentions,
		"attachments": msg.Attachments,
	}
	var created models.Message
	if err := c.do(ctx, "create message", http.MethodPost, "/groups/"+url.PathEscape(msg.GroupID)+"/messages", nil, jsonBody(body), &created); err != nil {
		return err
	}
	*msg = created
	return nil
}

func (c *Client) DeleteMessage(ctx context.Context, groupID, messageID string) error {
	path := "/groups/" + url.PathEscape(groupID) + "/messages/" + url.PathEscape(messageID)
	return c.do(ctx, "delete message", http.MethodDelete, path, nil, nil, nil)
}

// Put uploads media under key.
func (c *Client) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	return c.do(ctx, "upload media", http.MethodPut, "/media/"+escapeKey(key), nil, &rawBody{r: r, contentType: contentType}, nil)
}

// URL resolves key to an absolute URL.
func (c *Client) URL(ctx context.Context, key string) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.do(ctx, "resolve media url", http.MethodGet, "/media-url", url.Values{"key": {key}}, nil, &resp); err != nil {
		return "", err
	}
	ref, err := url.Parse(resp.URL)
	if err != nil {
		return "", apperr.Remote("resolve media url", err)
	}
	return c.base.ResolveReference(ref).String(), nil
}

func escapeKey(key string) string {
	parts := strings.Split(strings.TrimPrefix(key, "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}

type rawBody struct {
	r           io.Reader
	contentType string
}

func jsonBody(v any) *rawBody {
	data, _ := json.Marshal(v)
	return &rawBody{r: bytes.NewReader(data), contentType: "application/json"}
}

// endpoint joins the base URL with an already escaped path.
func (c *Client) endpoint(path string, q url.Values) string {
	s := strings.TrimSuffix(c.base.String(), "/") + path
	if len(q) > 0 {
		s += "?" + q.Encode()
	}
	return s
}

// do performs one API call. Transport failures become RemoteFailure;
// error statuses are mapped back onto the taxonomy.
func (c *Client) do(ctx context.Context, op, method, path string, q url.Values, body *rawBody, out any) error {
	var r io.Reader
	if body != nil {
		r = body.r
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path, q), r)
	if err != nil {
		return apperr.Remote(op, err)
	}
	if body != nil && body.contentType != "" {
		req.Header.Set("Content-Type", body.contentType)
	}
	if token := c.Token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.Remote(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return statusError(op, resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Remote(op, errors.New("decode response: "+err.Error()))
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := string(data)
	var e struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &e) == nil && e.Error != "" {
		msg = e.Error
	}
	return apperr.FromStatus(op, resp.StatusCode, msg)
}
