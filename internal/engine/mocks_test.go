package engine_test

import (
	"context"
	"io"
	"time"

	"github.com/stretchr/testify/mock"

	"chatsync/internal/domain"
)

// MockAPI mocks the persistence/query collaborator.
type MockAPI struct {
	mock.Mock
}

func (m *MockAPI) FetchMessages(ctx context.Context, conversationID string) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockAPI) SendMessage(ctx context.Context, out *domain.OutgoingMessage) (*domain.Message, error) {
	args := m.Called(ctx, out)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockAPI) DeleteMessage(ctx context.Context, messageID string) error {
	args := m.Called(ctx, messageID)
	return args.Error(0)
}

func (m *MockAPI) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	args := m.Called(ctx, messageID, userID, emoji)
	return args.Error(0)
}

func (m *MockAPI) RemoveReaction(ctx context.Context, messageID, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MockAPI) FetchReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Reaction), args.Error(1)
}

func (m *MockAPI) MarkConversationRead(ctx context.Context, conversationID string) error {
	args := m.Called(ctx, conversationID)
	return args.Error(0)
}

// MockBlobs mocks the blob storage collaborator.
type MockBlobs struct {
	mock.Mock
}

func (m *MockBlobs) Upload(ctx context.Context, path string, r io.Reader) (string, error) {
	args := m.Called(ctx, path, r)
	return args.String(0), args.Error(1)
}

func serverMsg(id, senderID, content string, at time.Time) *domain.Message {
	return &domain.Message{
		ID:             id,
		ConversationID: "c1",
		SenderID:       senderID,
		Content:        content,
		Type:           domain.MessageTypeText,
		CreatedAt:      at,
	}
}
