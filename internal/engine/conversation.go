package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"chatsync/internal/domain"
	"chatsync/internal/msgstore"
	"chatsync/internal/reactions"
	"chatsync/internal/subscription"
)

// Options configures one conversation session.
type Options struct {
	ConversationID string
	UserID         string
	API            domain.MessageAPI
	Blobs          domain.BlobStore
	Feed           subscription.Feed
	Logger         *slog.Logger

	// OnChange, when set, is invoked after every observable change to the
	// message list. It must not call back into the session synchronously.
	OnChange func()
}

// Conversation is a live session over one open conversation: the message
// store, the reconciler, the optimistic mutator, the attachment pipeline,
// and the push subscriptions. Exactly one session exists per open
// conversation; nothing is shared across conversations besides the acting
// user's identity.
type Conversation struct {
	opts   Options
	store  *msgstore.Store
	rec    *Reconciler
	mut    *Mutator
	pipe   *Pipeline
	handle *subscription.Handle
	log    *slog.Logger
	closed atomic.Bool
}

// Open attaches to a conversation: loads the current message list, then
// subscribes to its message and reaction feeds. The returned session is
// ready to render and mutate.
func Open(ctx context.Context, opts Options) (*Conversation, error) {
	if opts.ConversationID == "" || opts.UserID == "" {
		return nil, domain.ErrInvalidInput
	}
	if opts.API == nil || opts.Feed == nil {
		return nil, domain.ErrInvalidInput
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("conversation", opts.ConversationID)

	store := msgstore.New(opts.ConversationID)
	rec := NewReconciler(store, opts.API, log, opts.OnChange)

	initial, err := opts.API.FetchMessages(ctx, opts.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("initial fetch: %w", err)
	}
	rec.Seed(initial)

	c := &Conversation{
		opts:  opts,
		store: store,
		rec:   rec,
		mut:   NewMutator(rec, opts.API, opts.ConversationID, opts.UserID, log),
		pipe:  NewPipeline(rec, opts.API, opts.Blobs, opts.ConversationID, opts.UserID, log),
		log:   log,
	}

	mgr := subscription.NewManager(opts.Feed, log)
	handle, err := mgr.Subscribe(ctx, opts.ConversationID, rec.OnEvent, func() {
		// The transport reconnected; missed events cannot be assumed
		// replayed, so refetch and diff against the store.
		go c.resyncWithTimeout()
	})
	if err != nil {
		rec.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	c.handle = handle
	return c, nil
}

// Close tears down the subscriptions and the store. Mutator calls already
// in flight resolve into a closed store as no-ops.
func (c *Conversation) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.handle.Close()
	c.rec.Close()
}

// Messages returns the current ordered view.
func (c *Conversation) Messages() []*domain.Message {
	return c.rec.Snapshot()
}

// Message returns a copy of one message by either id space.
func (c *Conversation) Message(id string) (*domain.Message, bool) {
	return c.rec.Message(id)
}

// ReactionGroups returns the derived per-emoji aggregate for a message, in
// first-seen order.
func (c *Conversation) ReactionGroups(messageID string) []reactions.Group {
	m, ok := c.rec.Message(messageID)
	if !ok {
		return nil
	}
	return reactions.Aggregate(m.Reactions)
}

// SendText sends a text message optimistically.
func (c *Conversation) SendText(ctx context.Context, content string) (*domain.Message, error) {
	if c.closed.Load() {
		return nil, domain.ErrSessionClosed
	}
	return c.mut.SendText(ctx, content)
}

// SendImage sends an image attachment.
func (c *Conversation) SendImage(ctx context.Context, in AttachmentInput) (*domain.Message, error) {
	in.Type = domain.MessageTypeImage
	return c.sendAttachment(ctx, in)
}

// SendFile sends a generic file attachment.
func (c *Conversation) SendFile(ctx context.Context, in AttachmentInput) (*domain.Message, error) {
	in.Type = domain.MessageTypeFile
	return c.sendAttachment(ctx, in)
}

// SendVoice sends a voice recording.
func (c *Conversation) SendVoice(ctx context.Context, in AttachmentInput) (*domain.Message, error) {
	in.Type = domain.MessageTypeVoice
	return c.sendAttachment(ctx, in)
}

// SendGif sends an external-media GIF reference. No upload happens; the
// reference is already durable.
func (c *Conversation) SendGif(ctx context.Context, url, externalID string) (*domain.Message, error) {
	return c.sendAttachment(ctx, AttachmentInput{
		Type:     domain.MessageTypeGif,
		LocalRef: url,
		Metadata: &domain.Metadata{ExternalID: externalID},
	})
}

func (c *Conversation) sendAttachment(ctx context.Context, in AttachmentInput) (*domain.Message, error) {
	if c.closed.Load() {
		return nil, domain.ErrSessionClosed
	}
	return c.pipe.Send(ctx, in, c.mut.takeReplyTo())
}

// ToggleReaction toggles the acting user's reaction on a message.
func (c *Conversation) ToggleReaction(ctx context.Context, messageID, emoji string) error {
	if c.closed.Load() {
		return domain.ErrSessionClosed
	}
	return c.mut.ToggleReaction(ctx, messageID, emoji)
}

// DeleteMessage deletes the acting user's own message.
func (c *Conversation) DeleteMessage(ctx context.Context, messageID string) error {
	if c.closed.Load() {
		return domain.ErrSessionClosed
	}
	return c.mut.DeleteMessage(ctx, messageID)
}

// SetReplyTo captures a snapshot of the given message as the reply target
// for the next send. The snapshot keeps rendering even if the original is
// deleted before or after the reply goes out.
func (c *Conversation) SetReplyTo(messageID string) error {
	m, ok := c.rec.Message(messageID)
	if !ok {
		return domain.ErrNotFound
	}
	c.mut.SetReplyTo(domain.ReplyRef{
		MessageID: m.ID,
		SenderID:  m.SenderID,
		Content:   m.Content,
		Type:      m.Type,
	})
	return nil
}

// ClearReplyTo cancels the pending reply target.
func (c *Conversation) ClearReplyTo() {
	c.mut.ClearReplyTo()
}

// ReplyTo returns the pending reply target, if any.
func (c *Conversation) ReplyTo() *domain.ReplyRef {
	return c.mut.ReplyTo()
}

// MarkRead flips the local read flags and notifies the server. Read-state
// drift on failure is benign and healed by the next resync, so there is no
// compensation here.
func (c *Conversation) MarkRead(ctx context.Context) {
	if c.closed.Load() {
		return
	}
	c.rec.MarkAllRead()
	c.mut.wg.Add(1)
	go func() {
		defer c.mut.wg.Done()
		if err := c.opts.API.MarkConversationRead(ctx, c.opts.ConversationID); err != nil {
			c.log.Warn("mark read failed", "err", err)
		}
	}()
}

// Resync refetches the full message list and diffs it against the store.
// Called by the host after a subscription gap; pending placeholders from
// this session survive.
func (c *Conversation) Resync(ctx context.Context) error {
	if c.closed.Load() {
		return domain.ErrSessionClosed
	}
	msgs, err := c.opts.API.FetchMessages(ctx, c.opts.ConversationID)
	if err != nil {
		return fmt.Errorf("resync fetch: %w", err)
	}
	c.rec.ApplyResync(msgs)
	return nil
}

// Wait blocks until every in-flight mutation and upload has settled. Test hook.
func (c *Conversation) Wait() {
	c.mut.Wait()
	c.pipe.Wait()
}

// OnUploadStateChange registers an observer for attachment upload
// transitions. Must be set before the first attachment send.
func (c *Conversation) OnUploadStateChange(fn func(localID string, st UploadState)) {
	c.pipe.OnStateChange(fn)
}

func (c *Conversation) resyncWithTimeout() {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := c.Resync(ctx); err != nil {
		c.log.Warn("post-reconnect resync failed", "err", err)
	}
}
