package forum

import (
	"context"
	"time"

	"examhub/internal/apperr"
	"examhub/internal/model"
)

var (
	ErrMessageNotFound    = apperr.NotFound("message not found")
	ErrAttachmentNotFound = apperr.NotFound("attachment not found")
	ErrReplyNotFound      = apperr.NotFound("reply target not found")
	ErrEmptyMessage       = apperr.Invalid("message cannot be empty")
	ErrEmptyContent       = apperr.Invalid("content cannot be empty")
	ErrBadAttachment      = apperr.Invalid("unknown or already used attachment")
	ErrUnsupportedType    = apperr.Invalid("unsupported file type")
	ErrMessageDeleted     = apperr.Invalid("message was deleted")
	ErrNotArchive         = apperr.Invalid("not a zip archive")
	ErrNoAccess           = apperr.Forbidden("forum access required")
	ErrEditForbidden      = apperr.Forbidden("not allowed or edit window expired")
	ErrDeleteForbidden    = apperr.Forbidden("not allowed")
	ErrAccessDenied       = apperr.Forbidden("access to this message denied")
	ErrZipEntryNotFound   = apperr.NotFound("file not found in archive")
)

// Store persists messages and attachments. Mutations of a message that is
// already globally deleted fail with ErrMessageNotFound.
type Store interface {
	// CreateMessage assigns m an id and inserts it, associating every
	// attachment in attachmentIDs in the same transaction. Attachments must
	// be pending and uploaded by the author, otherwise nothing is stored and
	// ErrBadAttachment is returned.
	CreateMessage(ctx context.Context, m *model.Message, attachmentIDs []string) (*model.Message, error)
	GetMessage(ctx context.Context, id string) (*model.Message, error)
	// ListMessages returns live messages not hidden for viewer with an id
	// below beforeID (0 for no bound), newest first. HiddenFor is not loaded.
	ListMessages(ctx context.Context, beforeID int64, limit int, viewer string) ([]*model.Message, error)
	UpdateContent(ctx context.Context, id, content string, at time.Time) error
	MarkDeleted(ctx context.Context, id, by string, at time.Time) error
	Hide(ctx context.Context, id, userID string) error
	RecordSeen(ctx context.Context, id, userID string, at time.Time) error

	CreateAttachment(ctx context.Context, a *model.Attachment) (*model.Attachment, error)
	GetAttachment(ctx context.Context, id string) (*model.Attachment, error)
	// Attachments returns the attachments of each message, oldest first.
	Attachments(ctx context.Context, messageIDs []string) (map[string][]*model.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
}
