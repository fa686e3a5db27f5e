package domain

import "time"

// MessageType describes how a message's content payload is interpreted.
type MessageType string

const (
	MessageTypeText  MessageType = "text"
	MessageTypeImage MessageType = "image"
	MessageTypeFile  MessageType = "file"
	MessageTypeVoice MessageType = "voice"
	MessageTypeGif   MessageType = "gif"
)

// ConversationType distinguishes one-to-one chats from group chats.
type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// Reaction is a single (user, emoji) record on a message. A user holds at
// most one reaction per message.
type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ReplyRef captures a snapshot of the message being replied to. The snapshot
// is taken at send time so the reply still renders after the original is
// deleted.
type ReplyRef struct {
	MessageID string      `json:"message_id"`
	SenderID  string      `json:"sender_id"`
	Content   string      `json:"content"`
	Type      MessageType `json:"type"`
}

// Metadata holds type-specific message attributes. Fields are sparse; only
// the ones relevant to the message type are set.
type Metadata struct {
	FileName   string  `json:"file_name,omitempty"`
	FileSize   int64   `json:"file_size,omitempty"`
	Duration   float64 `json:"duration,omitempty"` // seconds, voice messages
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	ExternalID string  `json:"external_id,omitempty"` // e.g. GIF provider id
}

// Message is a single chat message. ID lives in one of two identifier
// spaces: a temporary client-generated local id while the message is
// pending, or the authoritative server id once confirmed. It never holds
// both at once.
type Message struct {
	ID             string      `json:"id"`
	ConversationID string      `json:"conversation_id"`
	SenderID       string      `json:"sender_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	CreatedAt      time.Time   `json:"created_at"`
	IsRead         bool        `json:"is_read"`
	Pending        bool        `json:"pending,omitempty"`
	ReplyTo        *ReplyRef   `json:"reply_to,omitempty"`
	Metadata       *Metadata   `json:"metadata,omitempty"`
	Reactions      []Reaction  `json:"reactions,omitempty"`
}

// Clone returns a deep copy of the message.
func (m *Message) Clone() *Message {
	c := *m
	if m.ReplyTo != nil {
		r := *m.ReplyTo
		c.ReplyTo = &r
	}
	if m.Metadata != nil {
		md := *m.Metadata
		c.Metadata = &md
	}
	if m.Reactions != nil {
		c.Reactions = make([]Reaction, len(m.Reactions))
		copy(c.Reactions, m.Reactions)
	}
	return &c
}

// Conversation represents a chat conversation (direct or group). The sync
// engine never creates conversations; they exist before a session attaches.
type Conversation struct {
	ID             string            `json:"id"`
	Type           ConversationType  `json:"type"`
	ParticipantIDs []string          `json:"participant_ids"`
	CreatedAt      time.Time         `json:"created_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// User represents an application user.
type User struct {
	ID             string    `json:"id"`
	Username       string    `json:"username"`
	HashedPassword string    `json:"-"`
	IsActive       bool      `json:"is_active"`
	CreatedAt      time.Time `json:"created_at"`
}
