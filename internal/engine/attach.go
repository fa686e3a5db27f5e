package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sync"
	"time"

	"chatsync/internal/domain"
)

// UploadState is an attachment upload's lifecycle state.
type UploadState string

const (
	UploadPending   UploadState = "pending"
	UploadUploading UploadState = "uploading"
	UploadConfirmed UploadState = "confirmed"
	UploadFailed    UploadState = "failed"
)

// AttachmentInput describes a local file or media reference to send.
type AttachmentInput struct {
	Type domain.MessageType // image | file | voice | gif
	Name string
	Size int64

	// LocalRef is a locally-resolvable reference (blob handle, object URL)
	// used for the placeholder preview. Other participants see nothing
	// until the upload reaches the server.
	LocalRef string

	// Data is the binary payload. Nil for external media (gif), whose
	// LocalRef is already durable and whose identity travels in Metadata.
	Data io.Reader

	Metadata *domain.Metadata
}

// Pipeline turns a local blob into an optimistic placeholder, performs the
// upload, and swaps the placeholder for the server-confirmed message. One
// state machine per upload: pending -> uploading -> confirmed | failed.
// Failed uploads are not retried automatically.
type Pipeline struct {
	rec            *Reconciler
	api            domain.MessageAPI
	blobs          domain.BlobStore
	conversationID string
	userID         string
	log            *slog.Logger

	// onState, when set, observes transitions keyed by the placeholder id.
	onState func(localID string, st UploadState)

	wg sync.WaitGroup
}

// NewPipeline returns an attachment pipeline for one conversation.
func NewPipeline(rec *Reconciler, api domain.MessageAPI, blobs domain.BlobStore, conversationID, userID string, log *slog.Logger) *Pipeline {
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		rec:            rec,
		api:            api,
		blobs:          blobs,
		conversationID: conversationID,
		userID:         userID,
		log:            log,
	}
}

// OnStateChange registers an observer for upload state transitions. Must be
// set before the first Send.
func (p *Pipeline) OnStateChange(fn func(localID string, st UploadState)) {
	p.onState = fn
}

// Wait blocks until all in-flight uploads have settled. Test hook.
func (p *Pipeline) Wait() {
	p.wg.Wait()
}

func (p *Pipeline) transition(localID string, st UploadState) {
	if p.onState != nil {
		p.onState(localID, st)
	}
}

// Send appends a placeholder whose content is the local reference, then
// uploads the payload and issues the confirmed send with the durable
// reference. Failure on either step removes the placeholder.
func (p *Pipeline) Send(ctx context.Context, in AttachmentInput, replyTo *domain.ReplyRef) (*domain.Message, error) {
	switch in.Type {
	case domain.MessageTypeImage, domain.MessageTypeFile, domain.MessageTypeVoice, domain.MessageTypeGif:
	default:
		return nil, domain.ErrInvalidInput
	}
	if in.LocalRef == "" {
		return nil, domain.ErrInvalidInput
	}
	if in.Data == nil && in.Type != domain.MessageTypeGif {
		return nil, domain.ErrInvalidInput
	}

	md := in.Metadata
	if md == nil {
		md = &domain.Metadata{}
	}
	if md.FileName == "" {
		md.FileName = in.Name
	}
	if md.FileSize == 0 {
		md.FileSize = in.Size
	}

	placeholder := &domain.Message{
		ID:             domain.NewLocalID(),
		ConversationID: p.conversationID,
		SenderID:       p.userID,
		Content:        in.LocalRef,
		Type:           in.Type,
		CreatedAt:      time.Now().UTC(),
		Pending:        true,
		ReplyTo:        replyTo,
		Metadata:       md,
	}
	p.rec.TrackSend(placeholder)
	p.transition(placeholder.ID, UploadPending)

	localID := placeholder.ID
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.run(ctx, localID, in, placeholder, md); err != nil {
			p.log.Warn("attachment send failed, placeholder rolled back",
				"local_id", localID, "type", in.Type, "err", err)
			p.rec.OnSendFailed(localID, err)
			p.transition(localID, UploadFailed)
		}
	}()
	return placeholder, nil
}

func (p *Pipeline) run(ctx context.Context, localID string, in AttachmentInput, placeholder *domain.Message, md *domain.Metadata) error {
	content := in.LocalRef
	if in.Data != nil {
		p.transition(localID, UploadUploading)
		ref, err := p.blobs.Upload(ctx, path.Join(p.conversationID, in.Name), in.Data)
		if err != nil {
			return fmt.Errorf("upload blob: %w", err)
		}
		content = ref
		// The server will echo the durable ref in push events; keep the
		// pending match key in step with it.
		p.rec.UpdatePendingContent(localID, content)
	}

	confirmed, err := p.api.SendMessage(ctx, &domain.OutgoingMessage{
		ConversationID: p.conversationID,
		Content:        content,
		Type:           in.Type,
		ReplyTo:        placeholder.ReplyTo,
		Metadata:       md,
	})
	if err != nil {
		return fmt.Errorf("confirm send: %w", err)
	}
	p.rec.OnSendConfirmed(localID, confirmed)
	p.transition(localID, UploadConfirmed)
	return nil
}
