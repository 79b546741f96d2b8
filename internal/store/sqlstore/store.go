package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"           // Postgres driver
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/pliu/groupsync/internal/apperr"
	"github.com/pliu/groupsync/internal/models"
	"github.com/pliu/groupsync/internal/store"
)

type SQLStore struct {
	db         *sql.DB
	driverName string
}

var _ store.Store = (*SQLStore)(nil)

func New(driverName, dataSourceName string) (*SQLStore, error) {
	db, err := sql.Open(driverName, dataSourceName)
	if err != nil {
		return nil, err
	}
	if driverName == "sqlite3" {
		// every connection to ":memory:" is a separate database
		db.SetMaxOpenConns(1)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLStore{db: db, driverName: driverName}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		email TEXT NOT NULL DEFAULT '',
		name TEXT NOT NULL DEFAULT '',
		password TEXT NOT NULL,
		profile_picture TEXT NOT NULL DEFAULT '',
		role TEXT NOT NULL DEFAULT 'EMPLOYEE',
		employee_id TEXT NOT NULL DEFAULT '',
		store_location TEXT NOT NULL DEFAULT '',
		shift TEXT NOT NULL DEFAULT '',
		approved BOOLEAN NOT NULL DEFAULT FALSE
	);

	CREATE TABLE IF NOT EXISTS chat_groups (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		creator_id TEXT NOT NULL,
		is_private BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT UNIQUE NOT NULL,
		group_id TEXT NOT NULL REFERENCES chat_groups(id),
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL,
		content TEXT NOT NULL DEFAULT '',
		media_url TEXT NOT NULL DEFAULT '',
		sent_at TEXT NOT NULL,
		tags TEXT NOT NULL DEFAULT '[]',
		mentions TEXT NOT NULL DEFAULT '[]',
		attachments TEXT NOT NULL DEFAULT '[]'
	);

	CREATE INDEX IF NOT EXISTS messages_group_seq ON messages (group_id, seq);
	`

	if s.driverName == "postgres" {
		// Adjust for Postgres syntax
		query = strings.ReplaceAll(query, "INTEGER PRIMARY KEY AUTOINCREMENT", "BIGSERIAL PRIMARY KEY")
	}

	_, err := s.db.Exec(query)
	return err
}

// Helper to handle placeholders
func (s *SQLStore) rebind(query string) string {
	if s.driverName == "postgres" {
		// Replace ? with $1, $2, etc.
		n := strings.Count(query, "?")
		for i := 1; i <= n; i++ {
			query = strings.Replace(query, "?", fmt.Sprintf("$%d", i), 1)
		}
	}
	return query
}

func notFound(err error, what string) error {
	if errors.Is(err, sql.ErrNoRows) {
		return apperr.NotFound(what)
	}
	return err
}

const userColumns = "id, username, email, name, password, profile_picture, role, employee_id, store_location, shift, approved"

func scanUser(row interface{ Scan(...any) error }) (*models.User, error) {
	var u models.User
	var role string
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.Name, &u.Password, &u.ProfilePicture, &role, &u.EmployeeID, &u.StoreLocation, &u.Shift, &u.Approved); err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

func (s *SQLStore) CreateUser(ctx context.Context, user *models.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	if user.Role == "" {
		user.Role = models.RoleEmployee
	}
	query := s.rebind("INSERT INTO users (" + userColumns + ") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, user.ID, user.Username, user.Email, user.Name, user.Password, user.ProfilePicture,
		string(user.Role), user.EmployeeID, user.StoreLocation, user.Shift, user.Approved)
	return err
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE id = ?")
	u, err := scanUser(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "user "+id)
	}
	return u, nil
}

func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username = ?")
	u, err := scanUser(s.db.QueryRowContext(ctx, query, username))
	if err != nil {
		return nil, notFound(err, "user "+username)
	}
	return u, nil
}

func (s *SQLStore) SearchUsers(ctx context.Context, queryStr string) ([]models.User, error) {
	query := s.rebind("SELECT " + userColumns + " FROM users WHERE username LIKE ? ORDER BY username LIMIT 10")
	rows, err := s.db.QueryContext(ctx, query, "%"+queryStr+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []models.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		u.Email = maskEmail(u.Email)
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *SQLStore) SetProfilePicture(ctx context.Context, userID, key string) error {
	query := s.rebind("UPDATE users SET profile_picture = ? WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, key, userID)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.NotFound("user " + userID)
	}
	return nil
}

func maskEmail(email string) string {
	if email == "" {
		return ""
	}
	parts := strings.Split(email, "@")
	if len(parts) != 2 {
		return email
	}
	local, domain := parts[0], parts[1]
	length := len(local)
	visible := 1
	if length > 2 {
		visible = length / 2
		if visible > 3 {
			visible = 3
		}
	}
	if visible > length {
		visible = length
	}

	maskedLocal := local[:visible] + strings.Repeat("*", length-visible)
	return maskedLocal + "@" + domain
}

func (s *SQLStore) CreateGroup(ctx context.Context, group *models.Group) error {
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	if group.CreatedAt.IsZero() {
		group.CreatedAt = time.Now().UTC()
	}
	query := s.rebind("INSERT INTO chat_groups (id, name, creator_id, is_private, created_at) VALUES (?, ?, ?, ?, ?)")
	_, err := s.db.ExecContext(ctx, query, group.ID, group.Name, group.CreatorID, group.IsPrivate, group.CreatedAt.Format(time.RFC3339Nano))
	return err
}

func scanGroup(row interface{ Scan(...any) error }) (*models.Group, error) {
	var g models.Group
	var created string
	if err := row.Scan(&g.ID, &g.Name, &g.CreatorID, &g.IsPrivate, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, created)
	if err != nil {
		return nil, fmt.Errorf("group %s: bad created_at %q: %w", g.ID, created, err)
	}
	g.CreatedAt = t
	return &g, nil
}

func (s *SQLStore) GetGroup(ctx context.Context, id string) (*models.Group, error) {
	query := s.rebind("SELECT id, name, creator_id, is_private, created_at FROM chat_groups WHERE id = ?")
	g, err := scanGroup(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "group "+id)
	}
	return g, nil
}

func (s *SQLStore) ListGroups(ctx context.Context) ([]models.Group, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT id, name, creator_id, is_private, created_at FROM chat_groups ORDER BY created_at")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var groups []models.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	return groups, rows.Err()
}

func (s *SQLStore) CreateMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	tags, err := json.Marshal(nonNil(msg.Tags))
	if err != nil {
		return err
	}
	mentions, err := json.Marshal(nonNil(msg.Mentions))
	if err != nil {
		return err
	}
	attachments := []byte("[]")
	if len(msg.Attachments) > 0 {
		if attachments, err = json.Marshal(msg.Attachments); err != nil {
			return err
		}
	}

	query := s.rebind(`INSERT INTO messages (id, group_id, sender_id, sender_name, content, media_url, sent_at, tags, mentions, attachments)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query, msg.ID, msg.GroupID, msg.SenderID, msg.SenderName, msg.Content, msg.MediaURL,
		msg.SentAt.UTC().Format(time.RFC3339Nano), string(tags), string(mentions), string(attachments))
	return err
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

const messageColumns = "seq, id, group_id, sender_id, sender_name, content, media_url, sent_at, tags, mentions, attachments"

func scanMessage(row interface{ Scan(...any) error }) (int64, *models.Message, error) {
	var (
		m                                models.Message
		seq                              int64
		sentAt, tags, mentions, attached string
	)
	if err := row.Scan(&seq, &m.ID, &m.GroupID, &m.SenderID, &m.SenderName, &m.Content, &m.MediaURL, &sentAt, &tags, &mentions, &attached); err != nil {
		return 0, nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, sentAt)
	if err != nil {
		return 0, nil, fmt.Errorf("message %s: bad sent_at %q: %w", m.ID, sentAt, err)
	}
	m.SentAt = t
	if err := json.Unmarshal([]byte(tags), &m.Tags); err != nil {
		return 0, nil, fmt.Errorf("message %s: tags: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(mentions), &m.Mentions); err != nil {
		return 0, nil, fmt.Errorf("message %s: mentions: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(attached), &m.Attachments); err != nil {
		return 0, nil, fmt.Errorf("message %s: attachments: %w", m.ID, err)
	}
	if len(m.Tags) == 0 {
		m.Tags = nil
	}
	if len(m.Mentions) == 0 {
		m.Mentions = nil
	}
	if len(m.Attachments) == 0 {
		m.Attachments = nil
	}
	return seq, &m, nil
}

func (s *SQLStore) GetMessage(ctx context.Context, id string) (*models.Message, error) {
	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE id = ?")
	_, m, err := scanMessage(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		return nil, notFound(err, "message "+id)
	}
	return m, nil
}

// ListMessages pages through a group's messages in insertion order. The
// cursor is the insertion sequence of the last message of the previous page.
func (s *SQLStore) ListMessages(ctx context.Context, groupID, cursor string, limit int) (models.MessagePage, error) {
	var page models.MessagePage
	if limit <= 0 {
		limit = store.DefaultPageSize
	}
	if limit > store.MaxPageSize {
		limit = store.MaxPageSize
	}
	var after int64
	if cursor != "" {
		n, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil || n < 0 {
			return page, apperr.Validation("invalid cursor " + strconv.Quote(cursor))
		}
		after = n
	}

	query := s.rebind("SELECT " + messageColumns + " FROM messages WHERE group_id = ? AND seq > ? ORDER BY seq ASC LIMIT ?")
	rows, err := s.db.QueryContext(ctx, query, groupID, after, limit+1)
	if err != nil {
		return page, err
	}
	defer rows.Close()

	var lastSeq int64
	page.Items = make([]models.Message, 0, limit)
	for rows.Next() {
		seq, m, err := scanMessage(rows)
		if err != nil {
			return page, err
		}
		if len(page.Items) == limit {
			page.NextCursor = strconv.FormatInt(lastSeq, 10)
			break
		}
		page.Items = append(page.Items, *m)
		lastSeq = seq
	}
	return page, rows.Err()
}

func (s *SQLStore) DeleteMessage(ctx context.Context, id string) error {
	query := s.rebind("DELETE FROM messages WHERE id = ?")
	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return apperr.NotFound("message " + id)
	}
	return nil
}
