package domain

import (
	"context"
	"io"
)

// OutgoingMessage is the payload for a confirmed-send request.
type OutgoingMessage struct {
	ConversationID string      `json:"conversation_id"`
	Content        string      `json:"content"`
	Type           MessageType `json:"type"`
	ReplyTo        *ReplyRef   `json:"reply_to,omitempty"`
	Metadata       *Metadata   `json:"metadata,omitempty"`
}

// MessageAPI is the persistence/query collaborator. The engine only depends
// on this contract; the concrete transport (HTTP, in-process, ...) is the
// host application's concern.
type MessageAPI interface {
	FetchMessages(ctx context.Context, conversationID string) ([]*Message, error)
	SendMessage(ctx context.Context, out *OutgoingMessage) (*Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID string) error
	FetchReactions(ctx context.Context, messageID string) ([]Reaction, error)
	MarkConversationRead(ctx context.Context, conversationID string) error
}

// BlobStore is the blob storage collaborator. Upload returns a durable
// reference resolvable by all participants.
type BlobStore interface {
	Upload(ctx context.Context, path string, r io.Reader) (string, error)
}
