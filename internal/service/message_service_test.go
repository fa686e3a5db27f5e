package service_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"chatsync/internal/domain"
	"chatsync/internal/security"
	"chatsync/internal/service"
	"chatsync/internal/subscription"
)

type MockMessageRepo struct {
	mock.Mock
}

func (m *MockMessageRepo) Create(ctx context.Context, msg *domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockMessageRepo) GetByID(ctx context.Context, id string) (*domain.Message, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) ListForConversation(ctx context.Context, conversationID string, limit int) ([]*domain.Message, error) {
	args := m.Called(ctx, conversationID, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Message), args.Error(1)
}

func (m *MockMessageRepo) Delete(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockMessageRepo) MarkAllReadInConversation(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

type MockReactionRepo struct {
	mock.Mock
}

func (m *MockReactionRepo) Upsert(ctx context.Context, messageID string, r domain.Reaction) error {
	args := m.Called(ctx, messageID, r)
	return args.Error(0)
}

func (m *MockReactionRepo) Remove(ctx context.Context, messageID, userID string) error {
	args := m.Called(ctx, messageID, userID)
	return args.Error(0)
}

func (m *MockReactionRepo) ListForMessage(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	args := m.Called(ctx, messageID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]domain.Reaction), args.Error(1)
}

type MockParticipantRepo struct {
	mock.Mock
}

func (m *MockParticipantRepo) ListParticipantIDs(ctx context.Context, conversationID string) ([]string, error) {
	args := m.Called(ctx, conversationID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockParticipantRepo) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	args := m.Called(ctx, conversationID, userID)
	return args.Bool(0), args.Error(1)
}

type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) Create(ctx context.Context, c *domain.Conversation, participantIDs []string) error {
	args := m.Called(ctx, c, participantIDs)
	return args.Error(0)
}

func (m *MockConversationRepo) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) ListForUser(ctx context.Context, userID string) ([]*domain.Conversation, error) {
	args := m.Called(ctx, userID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*domain.Conversation), args.Error(1)
}

func (m *MockConversationRepo) MarkAsRead(ctx context.Context, conversationID, userID string) error {
	args := m.Called(ctx, conversationID, userID)
	return args.Error(0)
}

// capturePublisher records change records per subject.
type capturePublisher struct {
	mu      sync.Mutex
	records map[string][]subscription.Record
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{records: make(map[string][]subscription.Record)}
}

func (p *capturePublisher) Publish(ctx context.Context, subject string, data []byte) error {
	var rec subscription.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return err
	}
	p.mu.Lock()
	p.records[subject] = append(p.records[subject], rec)
	p.mu.Unlock()
	return nil
}

func (p *capturePublisher) bySubject(subject string) []subscription.Record {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]subscription.Record(nil), p.records[subject]...)
}

type msgSvcFixture struct {
	msgs  *MockMessageRepo
	reacs *MockReactionRepo
	parts *MockParticipantRepo
	convs *MockConversationRepo
	pub   *capturePublisher
	enc   *security.Encryptor
	svc   *service.MessageService
}

func newMsgSvcFixture(t *testing.T) *msgSvcFixture {
	t.Helper()
	enc, err := security.NewEncryptor([]byte("test-secret"))
	require.NoError(t, err)
	f := &msgSvcFixture{
		msgs:  new(MockMessageRepo),
		reacs: new(MockReactionRepo),
		parts: new(MockParticipantRepo),
		convs: new(MockConversationRepo),
		pub:   newCapturePublisher(),
		enc:   enc,
	}
	f.svc = service.NewMessageService(f.convs, f.parts, f.msgs, f.reacs, enc, f.pub, nil)
	return f
}

func TestCreateMessage(t *testing.T) {
	t.Run("PersistsEncryptedBroadcastsPlain", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)

		var stored *domain.Message
		f.msgs.On("Create", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
			stored = args.Get(1).(*domain.Message)
		}).Return(nil)

		msg, err := f.svc.CreateMessage(context.Background(), &domain.OutgoingMessage{
			ConversationID: "c1",
			Content:        "hello",
			Type:           domain.MessageTypeText,
		}, "u1")
		require.NoError(t, err)

		require.NotNil(t, stored)
		assert.NotEqual(t, "hello", stored.Content)
		dec, err := f.enc.Decrypt(stored.Content)
		require.NoError(t, err)
		assert.Equal(t, "hello", dec)

		assert.Equal(t, "hello", msg.Content)
		assert.False(t, domain.IsLocalID(msg.ID))

		recs := f.pub.bySubject(subscription.MessageSubject("c1"))
		require.Len(t, recs, 1)
		assert.Equal(t, subscription.EventInsert, recs[0].EventType)
		assert.Equal(t, subscription.TableMessages, recs[0].Table)
		var row domain.Message
		require.NoError(t, json.Unmarshal(recs[0].Row, &row))
		assert.Equal(t, "hello", row.Content)
		assert.Equal(t, msg.ID, row.ID)
	})

	t.Run("RebuildsReplySnapshot", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)

		encOrig, err := f.enc.Encrypt("original text")
		require.NoError(t, err)
		f.msgs.On("GetByID", mock.Anything, "m0").Return(&domain.Message{
			ID:       "m0",
			SenderID: "u2",
			Content:  encOrig,
			Type:     domain.MessageTypeText,
		}, nil)
		f.msgs.On("Create", mock.Anything, mock.Anything).Return(nil)

		msg, err := f.svc.CreateMessage(context.Background(), &domain.OutgoingMessage{
			ConversationID: "c1",
			Content:        "reply",
			Type:           domain.MessageTypeText,
			ReplyTo:        &domain.ReplyRef{MessageID: "m0", Content: "tampered"},
		}, "u1")
		require.NoError(t, err)
		require.NotNil(t, msg.ReplyTo)
		assert.Equal(t, "original text", msg.ReplyTo.Content)
		assert.Equal(t, "u2", msg.ReplyTo.SenderID)
	})

	t.Run("NonParticipantRejected", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.parts.On("IsParticipant", mock.Anything, "c1", "intruder").Return(false, nil)

		_, err := f.svc.CreateMessage(context.Background(), &domain.OutgoingMessage{
			ConversationID: "c1",
			Content:        "hi",
			Type:           domain.MessageTypeText,
		}, "intruder")
		assert.ErrorIs(t, err, domain.ErrForbidden)
	})

	t.Run("EmptyContentRejected", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		_, err := f.svc.CreateMessage(context.Background(), &domain.OutgoingMessage{
			ConversationID: "c1",
			Type:           domain.MessageTypeText,
		}, "u1")
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestDeleteMessageService(t *testing.T) {
	t.Run("SenderDeletesAndBroadcasts", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(&domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1",
		}, nil)
		f.msgs.On("Delete", mock.Anything, "m1").Return(nil)

		require.NoError(t, f.svc.DeleteMessage(context.Background(), "u1", "m1"))

		recs := f.pub.bySubject(subscription.MessageSubject("c1"))
		require.Len(t, recs, 1)
		assert.Equal(t, subscription.EventDelete, recs[0].EventType)
		var row struct {
			ID string `json:"id"`
		}
		require.NoError(t, json.Unmarshal(recs[0].Row, &row))
		assert.Equal(t, "m1", row.ID)
	})

	t.Run("NonSenderForbidden", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(&domain.Message{
			ID: "m1", ConversationID: "c1", SenderID: "u1",
		}, nil)

		err := f.svc.DeleteMessage(context.Background(), "u2", "m1")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		f.msgs.AssertNotCalled(t, "Delete", mock.Anything, "m1")
	})
}

func TestToggleReactionService(t *testing.T) {
	msg := &domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u2"}

	t.Run("AddsWhenAbsent", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(msg, nil)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{}, nil).Once()
		f.reacs.On("Upsert", mock.Anything, "m1", mock.MatchedBy(func(r domain.Reaction) bool {
			return r.UserID == "u1" && r.Emoji == "👍"
		})).Return(nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{
			{UserID: "u1", Emoji: "👍", CreatedAt: time.Now()},
		}, nil)

		require.NoError(t, f.svc.ToggleReaction(context.Background(), "m1", "u1", "👍"))

		recs := f.pub.bySubject(subscription.ReactionSubject("c1"))
		require.Len(t, recs, 1)
		assert.Equal(t, subscription.TableReactions, recs[0].Table)
		var row struct {
			MessageID string            `json:"message_id"`
			Reactions []domain.Reaction `json:"reactions"`
		}
		require.NoError(t, json.Unmarshal(recs[0].Row, &row))
		assert.Equal(t, "m1", row.MessageID)
		require.Len(t, row.Reactions, 1)
	})

	t.Run("SameEmojiRemoves", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(msg, nil)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{
			{UserID: "u1", Emoji: "👍"},
		}, nil).Once()
		f.reacs.On("Remove", mock.Anything, "m1", "u1").Return(nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{}, nil)

		require.NoError(t, f.svc.ToggleReaction(context.Background(), "m1", "u1", "👍"))

		recs := f.pub.bySubject(subscription.ReactionSubject("c1"))
		require.Len(t, recs, 1)
		// An empty surviving set still ships an explicit reactions key.
		var probe map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(recs[0].Row, &probe))
		_, ok := probe["reactions"]
		assert.True(t, ok)
	})

	t.Run("DifferentEmojiReplaces", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(msg, nil)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{
			{UserID: "u1", Emoji: "👍"},
		}, nil).Once()
		f.reacs.On("Upsert", mock.Anything, "m1", mock.MatchedBy(func(r domain.Reaction) bool {
			return r.Emoji == "🔥"
		})).Return(nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{
			{UserID: "u1", Emoji: "🔥"},
		}, nil)

		require.NoError(t, f.svc.ToggleReaction(context.Background(), "m1", "u1", "🔥"))
		f.reacs.AssertNotCalled(t, "Remove", mock.Anything, "m1", "u1")
	})
}

func TestRemoveReactionService(t *testing.T) {
	msg := &domain.Message{ID: "m1", ConversationID: "c1", SenderID: "u2"}

	t.Run("ParticipantRemovesAndBroadcasts", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(msg, nil)
		f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
		f.reacs.On("Remove", mock.Anything, "m1", "u1").Return(nil)
		f.reacs.On("ListForMessage", mock.Anything, "m1").Return([]domain.Reaction{}, nil)

		require.NoError(t, f.svc.RemoveReaction(context.Background(), "m1", "u1"))
		require.Len(t, f.pub.bySubject(subscription.ReactionSubject("c1")), 1)
	})

	t.Run("NonParticipantForbidden", func(t *testing.T) {
		f := newMsgSvcFixture(t)
		f.msgs.On("GetByID", mock.Anything, "m1").Return(msg, nil)
		f.parts.On("IsParticipant", mock.Anything, "c1", "intruder").Return(false, nil)

		err := f.svc.RemoveReaction(context.Background(), "m1", "intruder")
		assert.ErrorIs(t, err, domain.ErrForbidden)
		f.reacs.AssertNotCalled(t, "Remove", mock.Anything, "m1", "intruder")
	})
}

func TestMarkConversationReadService(t *testing.T) {
	f := newMsgSvcFixture(t)
	f.parts.On("IsParticipant", mock.Anything, "c1", "u1").Return(true, nil)
	f.msgs.On("MarkAllReadInConversation", mock.Anything, "c1", "u1").Return(nil)
	f.convs.On("MarkAsRead", mock.Anything, "c1", "u1").Return(nil)

	require.NoError(t, f.svc.MarkConversationRead(context.Background(), "c1", "u1"))
	f.msgs.AssertExpectations(t)
	f.convs.AssertExpectations(t)
}
