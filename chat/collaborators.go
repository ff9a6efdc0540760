package chat

import (
	"context"

	"telechat/models"
	"telechat/query"
)

// MessageStore lists and creates message documents.
type MessageStore interface {
	ListMessages(ctx context.Context, q query.Query) ([]models.Message, error)
	CreateMessage(ctx context.Context, message models.Message) (models.Message, error)
}

// ParticipantStore resolves conversation membership. Missing participants
// are reported as models.ErrNotFound.
type ParticipantStore interface {
	GetParticipant(ctx context.Context, userID string) (models.Participant, error)
	ListParticipants(ctx context.Context, q query.Query) ([]models.Participant, error)
}

// BlobStore holds attachment bytes.
type BlobStore interface {
	Upload(ctx context.Context, upload models.Upload, policy models.AccessPolicy) (models.Attachment, error)
	DownloadURL(ctx context.Context, fileID string) (string, error)
}

// Notifier raises a user-facing notification. Implementations must not block
// and must treat missing permission as a no-op.
type Notifier interface {
	Notify(title, body string)
}
