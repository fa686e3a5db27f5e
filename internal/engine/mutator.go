package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/reactions"
)

// Mutator produces locally-visible placeholders for user actions before any
// network call resolves. Every action follows the same discipline: apply
// optimistically, fire the request in the background, compensate on failure
// so the store never disagrees with the server's eventual truth.
type Mutator struct {
	rec            *Reconciler
	api            domain.MessageAPI
	conversationID string
	userID         string
	log            *slog.Logger

	mu      sync.Mutex
	replyTo *domain.ReplyRef

	wg sync.WaitGroup
}

// NewMutator returns a mutator acting as userID in the given conversation.
func NewMutator(rec *Reconciler, api domain.MessageAPI, conversationID, userID string, log *slog.Logger) *Mutator {
	if log == nil {
		log = slog.Default()
	}
	return &Mutator{
		rec:            rec,
		api:            api,
		conversationID: conversationID,
		userID:         userID,
		log:            log,
	}
}

// Wait blocks until all in-flight network calls have settled. Test hook.
func (m *Mutator) Wait() {
	m.wg.Wait()
}

// withOptimisticRollback runs action in the background and invokes
// compensate if it fails. One wrapper for every mutation kind; no
// optimistic write is left unrecovered.
func (m *Mutator) withOptimisticRollback(op string, action func() error, compensate func(err error)) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := action(); err != nil {
			m.log.Warn("optimistic mutation failed, compensating", "op", op, "err", err)
			if compensate != nil {
				compensate(err)
			}
		}
	}()
}

// SendText appends a text placeholder and issues the confirmed send
// asynchronously. A pending reply context is consumed by the send.
func (m *Mutator) SendText(ctx context.Context, content string) (*domain.Message, error) {
	if content == "" {
		return nil, domain.ErrInvalidInput
	}
	placeholder := &domain.Message{
		ID:             domain.NewLocalID(),
		ConversationID: m.conversationID,
		SenderID:       m.userID,
		Content:        content,
		Type:           domain.MessageTypeText,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
		ReplyTo:        m.takeReplyTo(),
	}
	m.rec.TrackSend(placeholder)

	out := &domain.OutgoingMessage{
		ConversationID: m.conversationID,
		Content:        placeholder.Content,
		Type:           placeholder.Type,
		ReplyTo:        placeholder.ReplyTo,
	}
	localID := placeholder.ID
	m.withOptimisticRollback("send_text",
		func() error {
			confirmed, err := m.api.SendMessage(ctx, out)
			if err != nil {
				return err
			}
			m.rec.OnSendConfirmed(localID, confirmed)
			return nil
		},
		func(err error) {
			m.rec.OnSendFailed(localID, err)
		},
	)
	return placeholder, nil
}

// ToggleReaction applies the toggle rule optimistically and syncs it. The
// same emoji removes the user's reaction; a different one replaces it.
// Reacting to a message still pending is rejected: it has no server id yet.
func (m *Mutator) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if emoji == "" {
		return domain.ErrInvalidInput
	}
	if domain.IsLocalID(messageID) {
		return domain.ErrInvalidInput
	}
	msg, ok := m.rec.Message(messageID)
	if !ok {
		return domain.ErrNotFound
	}

	prev := msg.Reactions
	next := reactions.Toggle(prev, m.userID, emoji, time.Now().UTC())
	removing := reactions.Has(prev, m.userID, emoji)
	m.rec.SetReactions(messageID, next)

	m.withOptimisticRollback("reaction",
		func() error {
			if removing {
				return m.api.RemoveReaction(ctx, messageID, m.userID)
			}
			return m.api.UpsertReaction(ctx, messageID, m.userID, emoji)
		},
		func(error) {
			m.rec.SetReactions(messageID, prev)
		},
	)
	return nil
}

// DeleteMessage removes the caller's own message locally and issues the
// server delete; a failed delete restores the message. Only the sender may
// delete, and only once the message has a server id.
func (m *Mutator) DeleteMessage(ctx context.Context, messageID string) error {
	msg, ok := m.rec.Message(messageID)
	if !ok {
		return domain.ErrNotFound
	}
	if msg.SenderID != m.userID {
		return domain.ErrForbidden
	}
	if domain.IsLocalID(messageID) || msg.Pending {
		return domain.ErrInvalidInput
	}

	snapshot, ok := m.rec.RemoveLocal(messageID)
	if !ok {
		return domain.ErrNotFound
	}
	m.withOptimisticRollback("delete",
		func() error {
			return m.api.DeleteMessage(ctx, messageID)
		},
		func(error) {
			m.rec.Restore(snapshot)
		},
	)
	return nil
}

// SetReplyTo records the reply target for the next send. At most one pending
// reply target exists per conversation; setting a new one replaces it.
func (m *Mutator) SetReplyTo(ref domain.ReplyRef) {
	m.mu.Lock()
	m.replyTo = &ref
	m.mu.Unlock()
}

// ClearReplyTo cancels the pending reply target.
func (m *Mutator) ClearReplyTo() {
	m.mu.Lock()
	m.replyTo = nil
	m.mu.Unlock()
}

// ReplyTo returns the current reply target, if any.
func (m *Mutator) ReplyTo() *domain.ReplyRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.replyTo == nil {
		return nil
	}
	r := *m.replyTo
	return &r
}

// takeReplyTo consumes the pending reply context.
func (m *Mutator) takeReplyTo() *domain.ReplyRef {
	m.mu.Lock()
	defer m.mu.Unlock()
	r := m.replyTo
	m.replyTo = nil
	return r
}
