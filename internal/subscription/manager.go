package subscription

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"chatsync/internal/domain"
)

// Record is the transport-level payload shape: a change record for one row
// of one table. It is normalized into a domain.Event immediately on receipt;
// nothing downstream of this package sees raw records.
type Record struct {
	EventType string          `json:"event_type"` // INSERT | UPDATE | DELETE
	Table     string          `json:"table"`      // messages | message_reactions
	Row       json.RawMessage `json:"row"`
}

const (
	TableMessages  = "messages"
	TableReactions = "message_reactions"

	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

// Manager maintains exactly one message subscription and one reaction
// subscription per open conversation, re-subscribing on conversation change
// and tearing down on close.
type Manager struct {
	feed Feed
	log  *slog.Logger
}

// NewManager returns a manager over the given feed.
func NewManager(feed Feed, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{feed: feed, log: log}
}

// Handle is one conversation's live subscription pair.
type Handle struct {
	cancel context.CancelFunc
	subs   []Subscription
	done   chan struct{}
}

// Close tears down both subscriptions immediately.
func (h *Handle) Close() {
	h.cancel()
	for _, s := range h.subs {
		_ = s.Unsubscribe()
	}
	<-h.done
}

// Subscribe opens the message and reaction streams for a conversation.
// Normalized events are passed to deliver in arrival order. If the feed
// reports reconnects and onReconnect is non-nil, it is invoked after each
// reconnect so the host can run a full resync; missed events are never
// assumed to have been replayed.
func (m *Manager) Subscribe(ctx context.Context, conversationID string, deliver func(domain.Event), onReconnect func()) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)

	ch := make(chan []byte, 64)
	msgSub, err := m.feed.Stream(ctx, MessageSubject(conversationID), ch)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe messages: %w", err)
	}
	reactSub, err := m.feed.Stream(ctx, ReactionSubject(conversationID), ch)
	if err != nil {
		_ = msgSub.Unsubscribe()
		cancel()
		return nil, fmt.Errorf("subscribe reactions: %w", err)
	}

	var reconnect chan struct{}
	if rn, ok := m.feed.(ReconnectNotifier); ok && onReconnect != nil {
		reconnect = make(chan struct{}, 1)
		rn.NotifyReconnect(reconnect)
	}

	h := &Handle{
		cancel: cancel,
		subs:   []Subscription{msgSub, reactSub},
		done:   make(chan struct{}),
	}

	go func() {
		defer close(h.done)
		for {
			select {
			case <-ctx.Done():
				return
			case <-reconnect:
				m.log.Info("feed reconnected, requesting resync", "conversation", conversationID)
				onReconnect()
			case raw := <-ch:
				ev, err := Normalize(raw)
				if err != nil {
					m.log.Warn("dropping malformed feed record", "conversation", conversationID, "err", err)
					continue
				}
				if ev.ConversationID != "" && ev.ConversationID != conversationID {
					continue
				}
				deliver(ev)
			}
		}
	}()

	return h, nil
}

// Normalize converts a raw change record into the closed event type.
func Normalize(raw []byte) (domain.Event, error) {
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.Event{}, fmt.Errorf("decode record: %w", err)
	}

	switch rec.Table {
	case TableMessages:
		switch rec.EventType {
		case EventInsert:
			var msg domain.Message
			if err := json.Unmarshal(rec.Row, &msg); err != nil {
				return domain.Event{}, fmt.Errorf("decode message row: %w", err)
			}
			if msg.ID == "" {
				return domain.Event{}, fmt.Errorf("message row without id")
			}
			return domain.Event{
				Kind:           domain.EventMessageCreated,
				ConversationID: msg.ConversationID,
				MessageID:      msg.ID,
				Message:        &msg,
			}, nil
		case EventDelete:
			var row struct {
				ID             string `json:"id"`
				ConversationID string `json:"conversation_id"`
			}
			if err := json.Unmarshal(rec.Row, &row); err != nil {
				return domain.Event{}, fmt.Errorf("decode delete row: %w", err)
			}
			if row.ID == "" {
				return domain.Event{}, fmt.Errorf("delete row without id")
			}
			return domain.Event{
				Kind:           domain.EventMessageDeleted,
				ConversationID: row.ConversationID,
				MessageID:      row.ID,
			}, nil
		default:
			return domain.Event{}, fmt.Errorf("unsupported message event %q", rec.EventType)
		}

	case TableReactions:
		var row struct {
			MessageID      string            `json:"message_id"`
			ConversationID string            `json:"conversation_id"`
			Reactions      []domain.Reaction `json:"reactions"`
			HasReactions   bool              `json:"-"`
		}
		// Detect presence of the reactions key separately from its value so
		// an empty set is distinguishable from "refetch required".
		var probe map[string]json.RawMessage
		if err := json.Unmarshal(rec.Row, &probe); err != nil {
			return domain.Event{}, fmt.Errorf("decode reaction row: %w", err)
		}
		if err := json.Unmarshal(rec.Row, &row); err != nil {
			return domain.Event{}, fmt.Errorf("decode reaction row: %w", err)
		}
		if row.MessageID == "" {
			return domain.Event{}, fmt.Errorf("reaction row without message_id")
		}
		_, hasReactions := probe["reactions"]
		return domain.Event{
			Kind:           domain.EventReactionChanged,
			ConversationID: row.ConversationID,
			MessageID:      row.MessageID,
			Reactions:      row.Reactions,
			HasReactions:   hasReactions,
		}, nil

	default:
		return domain.Event{}, fmt.Errorf("unsupported table %q", rec.Table)
	}
}
