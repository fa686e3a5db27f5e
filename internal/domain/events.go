package domain

// EventKind is the closed set of push-event variants the sync engine
// understands. Raw transport payloads are normalized into Events at the
// subscription boundary; nothing past that boundary sees transport shapes.
type EventKind string

const (
	EventMessageCreated  EventKind = "created"
	EventMessageDeleted  EventKind = "deleted"
	EventReactionChanged EventKind = "reaction_changed"
)

// Event is a normalized push event for one conversation.
//
// Fields by kind:
//   - created:          Message is set
//   - deleted:          MessageID is set
//   - reaction_changed: MessageID is set; Reactions carries the full new set
//     when the transport delivered it, nil when the receiver must refetch.
type Event struct {
	Kind           EventKind
	ConversationID string
	MessageID      string
	Message        *Message
	Reactions      []Reaction
	// HasReactions distinguishes "empty set" from "not delivered".
	HasReactions bool
}
