package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/security"
	"chatsync/internal/subscription"
)

const maxContentRunes = 5000

// Publisher fans change records out to live subscribers. Satisfied by the
// websocket hub and by a NATS connection.
type Publisher interface {
	Publish(ctx context.Context, subject string, data []byte) error
}

type MessageService struct {
	conversations domain.ConversationRepository
	participants  domain.ParticipantRepository
	messages      domain.MessageRepository
	reactions     domain.ReactionRepository
	encryptor     *security.Encryptor
	publisher     Publisher
	log           *slog.Logger
}

func NewMessageService(
	conversations domain.ConversationRepository,
	participants domain.ParticipantRepository,
	messages domain.MessageRepository,
	reactions domain.ReactionRepository,
	encryptor *security.Encryptor,
	publisher Publisher,
	log *slog.Logger,
) *MessageService {
	if log == nil {
		log = slog.Default()
	}
	return &MessageService{
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		reactions:     reactions,
		encryptor:     encryptor,
		publisher:     publisher,
		log:           log,
	}
}

func (s *MessageService) CreateMessage(ctx context.Context, out *domain.OutgoingMessage, senderID string) (*domain.Message, error) {
	if len([]rune(out.Content)) > maxContentRunes {
		return nil, fmt.Errorf("%w: message content exceeds %d characters", domain.ErrInvalidInput, maxContentRunes)
	}
	if out.Content == "" {
		return nil, fmt.Errorf("%w: message content cannot be empty", domain.ErrInvalidInput)
	}
	switch out.Type {
	case domain.MessageTypeText, domain.MessageTypeImage, domain.MessageTypeFile, domain.MessageTypeVoice, domain.MessageTypeGif:
	default:
		return nil, fmt.Errorf("%w: unsupported message type %q", domain.ErrInvalidInput, out.Type)
	}

	if err := s.requireParticipant(ctx, out.ConversationID, senderID); err != nil {
		return nil, err
	}

	replyTo := out.ReplyTo
	if replyTo != nil {
		// Distrust client snapshots; rebuild from the referenced message if it
		// still exists, keep the client copy if it was deleted meanwhile.
		if orig, err := s.messages.GetByID(ctx, replyTo.MessageID); err == nil {
			content, decErr := s.encryptor.Decrypt(orig.Content)
			if decErr != nil {
				content = orig.Content
			}
			replyTo = &domain.ReplyRef{
				MessageID: orig.ID,
				SenderID:  orig.SenderID,
				Content:   content,
				Type:      orig.Type,
			}
		}
	}

	encrypted, err := s.encryptor.Encrypt(out.Content)
	if err != nil {
		return nil, fmt.Errorf("encrypt content: %w", err)
	}

	msg := &domain.Message{
		ID:             domain.NewServerID(),
		ConversationID: out.ConversationID,
		SenderID:       senderID,
		Content:        encrypted,
		Type:           out.Type,
		CreatedAt:      time.Now().UTC(),
		ReplyTo:        replyTo,
		Metadata:       out.Metadata,
	}
	if err := s.messages.Create(ctx, msg); err != nil {
		return nil, err
	}

	plain := msg.Clone()
	plain.Content = out.Content
	s.broadcastMessage(ctx, subscription.EventInsert, plain)
	return plain, nil
}

func (s *MessageService) DeleteMessage(ctx context.Context, callerID, messageID string) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != callerID {
		return fmt.Errorf("%w: only the sender can delete a message", domain.ErrForbidden)
	}
	if err := s.messages.Delete(ctx, messageID); err != nil {
		return err
	}

	row, _ := json.Marshal(map[string]string{
		"id":              msg.ID,
		"conversation_id": msg.ConversationID,
	})
	s.publish(ctx, subscription.MessageSubject(msg.ConversationID), subscription.Record{
		EventType: subscription.EventDelete,
		Table:     subscription.TableMessages,
		Row:       row,
	})
	return nil
}

func (s *MessageService) ListMessages(ctx context.Context, conversationID, userID string, limit int) ([]*domain.Message, error) {
	if err := s.requireParticipant(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	msgs, err := s.messages.ListForConversation(ctx, conversationID, limit)
	if err != nil {
		return nil, err
	}
	for _, m := range msgs {
		if dec, err := s.encryptor.Decrypt(m.Content); err == nil {
			m.Content = dec
		}
		rs, err := s.reactions.ListForMessage(ctx, m.ID)
		if err != nil {
			return nil, err
		}
		m.Reactions = rs
	}
	return msgs, nil
}

// ToggleReaction applies the toggle rule server side: same emoji removes the
// user's reaction, a different one replaces it. The full surviving set is
// broadcast so clients never need a follow-up fetch.
func (s *MessageService) ToggleReaction(ctx context.Context, messageID, userID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%w: emoji must not be empty", domain.ErrInvalidInput)
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return err
	}

	existing, err := s.reactions.ListForMessage(ctx, messageID)
	if err != nil {
		return err
	}
	removing := false
	for _, r := range existing {
		if r.UserID == userID && r.Emoji == emoji {
			removing = true
			break
		}
	}

	if removing {
		err = s.reactions.Remove(ctx, messageID, userID)
	} else {
		err = s.reactions.Upsert(ctx, messageID, domain.Reaction{
			UserID:    userID,
			Emoji:     emoji,
			CreatedAt: time.Now().UTC(),
		})
	}
	if err != nil {
		return err
	}

	return s.broadcastReactions(ctx, msg)
}

// RemoveReaction drops the caller's reaction regardless of emoji.
func (s *MessageService) RemoveReaction(ctx context.Context, messageID, userID string) error {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if err := s.reactions.Remove(ctx, messageID, userID); err != nil {
		return err
	}
	return s.broadcastReactions(ctx, msg)
}

// UpsertReaction sets the caller's reaction, replacing any previous one.
func (s *MessageService) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	if emoji == "" {
		return fmt.Errorf("%w: emoji must not be empty", domain.ErrInvalidInput)
	}
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return err
	}
	if err := s.requireParticipant(ctx, msg.ConversationID, userID); err != nil {
		return err
	}
	if err := s.reactions.Upsert(ctx, messageID, domain.Reaction{
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return err
	}
	return s.broadcastReactions(ctx, msg)
}

func (s *MessageService) ListReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	if _, err := s.messages.GetByID(ctx, messageID); err != nil {
		return nil, err
	}
	return s.reactions.ListForMessage(ctx, messageID)
}

func (s *MessageService) MarkConversationRead(ctx context.Context, conversationID, callerID string) error {
	if err := s.requireParticipant(ctx, conversationID, callerID); err != nil {
		return err
	}
	if err := s.messages.MarkAllReadInConversation(ctx, conversationID, callerID); err != nil {
		return err
	}
	return s.conversations.MarkAsRead(ctx, conversationID, callerID)
}

func (s *MessageService) requireParticipant(ctx context.Context, conversationID, userID string) error {
	ok, err := s.participants.IsParticipant(ctx, conversationID, userID)
	if err != nil {
		return fmt.Errorf("check participant: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: not a participant in this conversation", domain.ErrForbidden)
	}
	return nil
}

func (s *MessageService) broadcastMessage(ctx context.Context, eventType string, msg *domain.Message) {
	row, err := json.Marshal(msg)
	if err != nil {
		s.log.Error("encode message row", "err", err)
		return
	}
	s.publish(ctx, subscription.MessageSubject(msg.ConversationID), subscription.Record{
		EventType: eventType,
		Table:     subscription.TableMessages,
		Row:       row,
	})
}

func (s *MessageService) broadcastReactions(ctx context.Context, msg *domain.Message) error {
	rs, err := s.reactions.ListForMessage(ctx, msg.ID)
	if err != nil {
		return err
	}
	if rs == nil {
		rs = []domain.Reaction{}
	}
	row, err := json.Marshal(map[string]any{
		"message_id":      msg.ID,
		"conversation_id": msg.ConversationID,
		"reactions":       rs,
	})
	if err != nil {
		return fmt.Errorf("encode reaction row: %w", err)
	}
	s.publish(ctx, subscription.ReactionSubject(msg.ConversationID), subscription.Record{
		EventType: subscription.EventUpdate,
		Table:     subscription.TableReactions,
		Row:       row,
	})
	return nil
}

func (s *MessageService) publish(ctx context.Context, subject string, rec subscription.Record) {
	if s.publisher == nil {
		return
	}
	data, err := json.Marshal(rec)
	if err != nil {
		s.log.Error("encode change record", "subject", subject, "err", err)
		return
	}
	if err := s.publisher.Publish(ctx, subject, data); err != nil {
		s.log.Warn("publish change record", "subject", subject, "err", err)
	}
}
