// Package pipeline implements the optimistic send path: gate check,
// attachment upload, provisional insert, durable persist, and
// reconciliation or rollback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/alumnihub/messaging/internal/apperr"
	"github.com/alumnihub/messaging/internal/index"
	"github.com/alumnihub/messaging/internal/metrics"
	"github.com/alumnihub/messaging/internal/models"
	"github.com/alumnihub/messaging/internal/session"
	"github.com/alumnihub/messaging/internal/store"
)

// MaxAttachmentBytes caps message attachments at 5MB.
const MaxAttachmentBytes = 5 << 20

const blockedReason = "You are no longer connected with this user. You cannot send messages until you reconnect."

type ConversationGetter interface {
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
}

type MessageWriter interface {
	// InsertMessage persists m and returns the server-assigned record
	// (id and created_at set by the store).
	InsertMessage(ctx context.Context, m *models.Message) (*models.Message, error)
}

type BlobStore interface {
	Upload(ctx context.Context, conversationID, filename, contentType string, data []byte) (string, error)
}

type Publisher interface {
	PublishMessageSent(ctx context.Context, m models.Message) error
}

type Gate interface {
	IsPermitted(ctx context.Context, userA, userB string) (bool, error)
}

type Pipeline struct {
	gate   Gate
	convs  ConversationGetter
	writer MessageWriter
	blobs  BlobStore
	pub    Publisher
	log    *zap.SugaredLogger
}

func New(g Gate, convs ConversationGetter, writer MessageWriter, blobs BlobStore, pub Publisher, log *zap.SugaredLogger) *Pipeline {
	return &Pipeline{gate: g, convs: convs, writer: writer, blobs: blobs, pub: pub, log: log}
}

// Send runs the composer's current draft through the pipeline for the
// conversation owned by st. On success the provisional entry has been
// replaced by the confirmed one and the index patched; on failure local
// state is rolled back and the draft restored before the error returns.
func (p *Pipeline) Send(ctx context.Context, sess *session.Session, st *store.MessageStore,
	idx *index.Index, comp *Composer) (*models.Message, error) {

	draft := comp.Draft()
	text := strings.TrimSpace(draft.Text)
	if text == "" && draft.Attachment == nil {
		return nil, apperr.ErrEmptyMessage
	}

	conv, err := p.convs.GetConversation(ctx, st.ConversationID())
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	counterpart := conv.Counterpart(sess.UserID)
	if counterpart == "" {
		return nil, apperr.ErrNotPermitted
	}

	// Authoritative check at send time: the connection may have been
	// revoked since the conversation was opened.
	ok, err := p.gate.IsPermitted(ctx, sess.UserID, counterpart)
	if err != nil {
		return nil, fmt.Errorf("connection check: %w", err)
	}
	if !ok {
		comp.block(blockedReason)
		return nil, apperr.ErrNotPermitted
	}

	attachmentURL := ""
	msgType := models.MessageTypeText
	if draft.Attachment != nil {
		if len(draft.Attachment.Data) > MaxAttachmentBytes {
			return nil, apperr.ErrAttachmentTooLarge
		}
		// Upload before any message row exists; an upload failure
		// aborts the whole send with no partial message.
		url, err := p.blobs.Upload(ctx, conv.ID, draft.Attachment.Filename, draft.Attachment.ContentType, draft.Attachment.Data)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", apperr.ErrAttachmentUpload, err)
		}
		attachmentURL = url
		msgType = models.MessageTypeFile
	}

	content := text
	if content == "" {
		content = index.AttachmentPreview
	}

	prov := models.Message{
		ID:             "local-" + uuid.NewString(),
		ConversationID: conv.ID,
		SenderID:       sess.UserID,
		Content:        content,
		Type:           msgType,
		AttachmentURL:  attachmentURL,
		CreatedAt:      time.Now().UTC(),
		Provisional:    true,
	}
	st.Append(prov)
	// Cleared now, at optimistic-insert time, for perceived
	// responsiveness. The rollback below must restore it.
	comp.clear()

	persist := prov
	persist.ID = ""
	persist.Provisional = false
	confirmed, err := p.writer.InsertMessage(ctx, &persist)
	if err != nil {
		st.Remove(prov.ID)
		comp.restore(draft)
		metrics.SendRollbacks.Inc()
		if errors.Is(err, apperr.ErrNotPermitted) {
			// Re-evaluate so the compose affordance reflects reality.
			if ok2, gerr := p.gate.IsPermitted(ctx, sess.UserID, counterpart); gerr == nil && !ok2 {
				comp.block(blockedReason)
			}
			return nil, apperr.ErrNotPermitted
		}
		return nil, fmt.Errorf("persist message: %w", err)
	}

	st.Replace(prov.ID, *confirmed)
	// Conversation recency moves only now, on durable confirmation.
	idx.ApplyConfirmed(*confirmed)
	metrics.MessagesSent.Inc()

	if p.pub != nil {
		if err := p.pub.PublishMessageSent(ctx, *confirmed); err != nil {
			p.log.Warnw("message sent event not published", "message", confirmed.ID, "err", err)
		}
	}
	return confirmed, nil
}
