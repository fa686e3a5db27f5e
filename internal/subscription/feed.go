// Package subscription maintains the live push-event subscriptions for open
// conversations and normalizes transport payloads into the canonical event
// shape consumed by the reconciler.
package subscription

import (
	"context"
	"errors"
)

// ErrFeedClosed is returned by a feed after Close.
var ErrFeedClosed = errors.New("feed connection closed")

// Feed is the transport-agnostic subscription primitive. Implementations
// deliver raw JSON records for a subject to the given channel until the
// context is cancelled or the subscription is torn down.
type Feed interface {
	Stream(ctx context.Context, subject string, ch chan<- []byte) (Subscription, error)
}

// Subscription is a live stream that can be torn down.
type Subscription interface {
	Unsubscribe() error
}

// ReconnectNotifier is implemented by feeds whose underlying connection can
// drop and come back. A reconnect does not imply missed events were
// replayed; subscribers are expected to trigger a full resync.
type ReconnectNotifier interface {
	NotifyReconnect(ch chan<- struct{})
}

// MessageSubject returns the feed subject carrying message events for a
// conversation.
func MessageSubject(conversationID string) string {
	return "conv." + conversationID + ".messages"
}

// ReactionSubject returns the feed subject carrying reaction deltas for a
// conversation's message set.
func ReactionSubject(conversationID string) string {
	return "conv." + conversationID + ".reactions"
}
