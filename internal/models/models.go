package models

import "time"

type Role string

const (
	RoleManager  Role = "MANAGER"
	RoleEmployee Role = "EMPLOYEE"
	RoleAdmin    Role = "ADMIN"
)

type User struct {
	ID             string `json:"id"`
	Username       string `json:"username"`
	Email          string `json:"email,omitempty"`
	Name           string `json:"name,omitempty"`
	Password       string `json:"-"`
	ProfilePicture string `json:"profile_picture,omitempty"` // blob key, not a URL
	Role           Role   `json:"role,omitempty"`
	EmployeeID     string `json:"employee_id,omitempty"`
	StoreLocation  string `json:"store_location,omitempty"`
	Shift          string `json:"shift,omitempty"`
	Approved       bool   `json:"approved"`
}

// DisplayName is the name shown next to a user's messages.
func (u *User) DisplayName() string {
	if u.Name != "" {
		return u.Name
	}
	return u.Username
}

type Group struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatorID string    `json:"creator_id"`
	IsPrivate bool      `json:"is_private"`
	CreatedAt time.Time `json:"created_at"`
}

type AttachmentType string

const (
	AttachmentImage AttachmentType = "image"
	AttachmentVideo AttachmentType = "video"
	AttachmentPDF   AttachmentType = "pdf"
)

type Attachment struct {
	Type AttachmentType `json:"type"`
	URL  string         `json:"url"`
	Name string         `json:"name"`
}

// Message is immutable once created. SentAt is assigned by the sending
// client, so it is not a reliable ordering key across clients. MediaURL is
// either an absolute URL or a blob key; keys are resolved when read.
type Message struct {
	ID          string       `json:"id"`
	GroupID     string       `json:"group_id"`
	SenderID    string       `json:"sender_id"`
	SenderName  string       `json:"sender_name"`
	Content     string       `json:"content,omitempty"`
	MediaURL    string       `json:"media_url,omitempty"`
	SentAt      time.Time    `json:"sent_at"`
	Tags        []string     `json:"tags,omitempty"`
	Mentions    []string     `json:"mentions,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// EnrichedMessage is view state only. The sender fields are best effort and
// empty when the lookup failed.
type EnrichedMessage struct {
	Message
	SenderUsername      string `json:"sender_username,omitempty"`
	SenderProfilePicURL string `json:"sender_profile_pic_url,omitempty"`
	// MediaLink is a retrievable URL for MediaURL.
	MediaLink string `json:"media_link,omitempty"`
}

type MessagePage struct {
	Items      []Message `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
}

type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"

	// ChangeSubscribed is the first frame of a websocket feed, sent once the
	// server-side subscription is live.
	ChangeSubscribed ChangeKind = "subscribed"
)

type ChangeEvent struct {
	Kind      ChangeKind `json:"kind"`
	GroupID   string     `json:"group_id"`
	MessageID string     `json:"message_id,omitempty"`
	At        time.Time  `json:"at"`
}

type Identity struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role,omitempty"`
}
