// Package engine implements the conversation synchronization core: the
// optimistic mutator, the reconciler that merges local writes with server
// confirmations and push events, the attachment pipeline, and the
// per-conversation session that ties them together.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/msgstore"
)

// matchWindow bounds how far apart a placeholder's provisional timestamp and
// a push event's server timestamp may be for the two to be treated as the
// same send.
const matchWindow = 5 * time.Second

// pendingSend describes a placeholder still awaiting confirmation. Until a
// server id exists, identity is content + sender + approximate time.
type pendingSend struct {
	localID   string
	senderID  string
	content   string
	msgType   domain.MessageType
	createdAt time.Time
}

// Reconciler is the single place where the three information sources meet:
// optimistic local writes, request/response confirmations, and the push
// feed. Every store mutation funnels through it, serialized by one mutex,
// so the store itself needs no locking and Replace stays structurally
// atomic. All entry points are idempotent under repeated application.
type Reconciler struct {
	mu      sync.Mutex
	store   *msgstore.Store
	api     domain.MessageAPI
	pending []pendingSend
	log     *slog.Logger
	changed func()
}

// NewReconciler wires a reconciler to the store. api is used only to refetch
// reaction sets when a reaction event carries none; changed, when non-nil,
// is invoked after every observable store change.
func NewReconciler(store *msgstore.Store, api domain.MessageAPI, log *slog.Logger, changed func()) *Reconciler {
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, api: api, log: log, changed: changed}
}

func (r *Reconciler) notify() {
	if r.changed != nil {
		r.changed()
	}
}

// Seed loads the initial server message list into the store.
func (r *Reconciler) Seed(msgs []*domain.Message) {
	r.mu.Lock()
	for _, m := range msgs {
		r.store.Append(m)
	}
	r.mu.Unlock()
	r.notify()
}

// Snapshot returns the ordered messages at this instant.
func (r *Reconciler) Snapshot() []*domain.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.Messages()
}

// Message returns a deep copy of one message, looked up by either id space.
func (r *Reconciler) Message(id string) (*domain.Message, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.store.Get(id)
	if !ok {
		return nil, false
	}
	return m.Clone(), true
}

// TrackSend appends a placeholder and registers it for confirmation
// matching. Called synchronously by the mutator before any network I/O.
func (r *Reconciler) TrackSend(placeholder *domain.Message) {
	r.mu.Lock()
	r.store.Append(placeholder)
	r.pending = append(r.pending, pendingSend{
		localID:   placeholder.ID,
		senderID:  placeholder.SenderID,
		content:   placeholder.Content,
		msgType:   placeholder.Type,
		createdAt: placeholder.CreatedAt,
	})
	r.mu.Unlock()
	r.notify()
}

// OnSendConfirmed applies a successful send response. If the push event for
// the same send already replaced the placeholder, the confirmation
// deduplicates silently by server id.
func (r *Reconciler) OnSendConfirmed(localID string, confirmed *domain.Message) {
	if confirmed == nil {
		return
	}
	r.mu.Lock()
	r.dropPending(localID)
	c := confirmed.Clone()
	c.Pending = false
	r.store.Replace(localID, c)
	r.mu.Unlock()
	r.notify()
}

// OnSendFailed rolls the placeholder back; the store afterwards holds no
// trace of the attempted send.
func (r *Reconciler) OnSendFailed(localID string, err error) {
	r.mu.Lock()
	r.dropPending(localID)
	r.store.Remove(localID)
	r.mu.Unlock()
	r.log.Warn("send failed, placeholder rolled back", "local_id", localID, "err", err)
	r.notify()
}

// OnEvent applies one normalized push event. Safe to call concurrently with
// mutator-triggered reconciliations; ordering between "my own send
// settling" and "the push event about it" is resolved here, not by the
// transport.
func (r *Reconciler) OnEvent(ev domain.Event) {
	switch ev.Kind {
	case domain.EventMessageCreated:
		r.onCreated(ev)
	case domain.EventMessageDeleted:
		r.mu.Lock()
		r.store.Remove(ev.MessageID)
		r.mu.Unlock()
		r.notify()
	case domain.EventReactionChanged:
		r.onReactionChanged(ev)
	default:
		r.log.Warn("ignoring event of unknown kind", "kind", ev.Kind)
	}
}

func (r *Reconciler) onCreated(ev domain.Event) {
	if ev.Message == nil {
		return
	}
	m := ev.Message.Clone()
	m.Pending = false

	r.mu.Lock()
	// A matching placeholder still pending from this session means the push
	// event IS the confirmation for that send.
	if localID, ok := r.matchPending(m); ok {
		r.store.Replace(localID, m)
		r.mu.Unlock()
		r.notify()
		return
	}
	// Foreign message, or our own send already confirmed via the response
	// path; Append dedupes by server id.
	r.store.Append(m)
	r.mu.Unlock()
	r.notify()
}

func (r *Reconciler) onReactionChanged(ev domain.Event) {
	if ev.HasReactions {
		r.mu.Lock()
		r.store.UpdateReactions(ev.MessageID, ev.Reactions)
		r.mu.Unlock()
		r.notify()
		return
	}
	if r.api == nil {
		return
	}
	// The event named the message but not the new set; refetch off the
	// reconcile path and re-enter through SetReactions.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		rs, err := r.api.FetchReactions(ctx, ev.MessageID)
		if err != nil {
			r.log.Warn("reaction refetch failed", "message_id", ev.MessageID, "err", err)
			return
		}
		r.SetReactions(ev.MessageID, rs)
	}()
}

// SetReactions replaces a message's reaction set. Used by the optimistic
// toggle, its rollback, and reaction refetches.
func (r *Reconciler) SetReactions(messageID string, rs []domain.Reaction) {
	r.mu.Lock()
	r.store.UpdateReactions(messageID, rs)
	r.mu.Unlock()
	r.notify()
}

// RemoveLocal removes a message optimistically and returns a copy for
// rollback. ok is false when the id is unknown.
func (r *Reconciler) RemoveLocal(messageID string) (*domain.Message, bool) {
	r.mu.Lock()
	m, ok := r.store.Get(messageID)
	if !ok {
		r.mu.Unlock()
		return nil, false
	}
	snapshot := m.Clone()
	r.store.Remove(messageID)
	r.mu.Unlock()
	r.notify()
	return snapshot, true
}

// Restore re-inserts a message removed by RemoveLocal (delete rollback).
// The timestamp invariant puts it back at its original position.
func (r *Reconciler) Restore(m *domain.Message) {
	if m == nil {
		return
	}
	r.mu.Lock()
	r.store.Append(m)
	r.mu.Unlock()
	r.notify()
}

// MarkAllRead flips the read flag on every held message.
func (r *Reconciler) MarkAllRead() {
	r.mu.Lock()
	r.store.MarkAllRead()
	r.mu.Unlock()
	r.notify()
}

// ApplyResync reconciles a full server refetch against the store: confirmed
// messages missing from the server list are dropped, new ones inserted,
// reaction sets refreshed. Placeholders still pending from this session are
// kept; their confirmations are still in flight.
func (r *Reconciler) ApplyResync(serverMsgs []*domain.Message) {
	r.mu.Lock()
	present := make(map[string]struct{}, len(serverMsgs))
	for _, m := range serverMsgs {
		present[m.ID] = struct{}{}
	}
	for _, m := range r.store.Messages() {
		if m.Pending || domain.IsLocalID(m.ID) {
			continue
		}
		if _, ok := present[m.ID]; !ok {
			r.store.Remove(m.ID)
		}
	}
	for _, m := range serverMsgs {
		if localID, ok := r.matchPending(m); ok {
			c := m.Clone()
			c.Pending = false
			r.store.Replace(localID, c)
			continue
		}
		if _, exists := r.store.Get(m.ID); exists {
			r.store.UpdateReactions(m.ID, m.Reactions)
			continue
		}
		r.store.Append(m.Clone())
	}
	r.mu.Unlock()
	r.notify()
}

// Close tears the store down. Later reconciliations become no-ops rather
// than errors: in-flight calls are allowed to resolve into a closed store.
func (r *Reconciler) Close() {
	r.mu.Lock()
	r.pending = nil
	r.store.Close()
	r.mu.Unlock()
}

// matchPending returns the local id of a pending placeholder the given
// server message confirms, if any, and unregisters it. Caller holds r.mu.
func (r *Reconciler) matchPending(m *domain.Message) (string, bool) {
	for i, p := range r.pending {
		if p.senderID != m.SenderID || p.content != m.Content || p.msgType != m.Type {
			continue
		}
		if absDuration(m.CreatedAt.Sub(p.createdAt)) > matchWindow {
			continue
		}
		r.pending = append(r.pending[:i], r.pending[i+1:]...)
		return p.localID, true
	}
	return "", false
}

// UpdatePendingContent rewrites the content a pending placeholder is
// matched by. The attachment pipeline calls this once an upload resolves
// the local ref into the durable one the server will echo in push events.
func (r *Reconciler) UpdatePendingContent(localID, content string) {
	r.mu.Lock()
	for i := range r.pending {
		if r.pending[i].localID == localID {
			r.pending[i].content = content
			break
		}
	}
	r.mu.Unlock()
}

// dropPending unregisters a placeholder by local id. Caller holds r.mu.
func (r *Reconciler) dropPending(localID string) {
	for i, p := range r.pending {
		if p.localID == localID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
