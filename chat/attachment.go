package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"strings"

	"github.com/scylladb/go-set/strset"

	"telechat/models"
)

// DefaultMaxAttachmentSize is the largest accepted upload, 5 MiB.
const DefaultMaxAttachmentSize int64 = 5 << 20

// AllowedContentTypes lists the accepted attachment MIME types.
var AllowedContentTypes = []string{"image/jpeg", "image/png", "application/pdf"}

// Gate validates attachments and forwards accepted ones to the blob store.
// Uploads are stored readable and writable by every authenticated user.
type Gate struct {
	blobs   BlobStore
	maxSize int64
	allowed *strset.Set
}

func NewGate(blobs BlobStore, maxSize int64) *Gate {
	if maxSize <= 0 {
		maxSize = DefaultMaxAttachmentSize
	}
	return &Gate{
		blobs:   blobs,
		maxSize: maxSize,
		allowed: strset.New(AllowedContentTypes...),
	}
}

// Validate checks type and declared size without touching the network.
func (g *Gate) Validate(upload models.Upload) error {
	contentType := normalizeContentType(upload.ContentType)
	if !g.allowed.Has(contentType) {
		return &ValidationError{Reason: fmt.Sprintf("file type %q is not allowed; use JPEG, PNG or PDF", upload.ContentType)}
	}
	if upload.Size < 0 {
		return &ValidationError{Reason: "file size is unknown"}
	}
	if upload.Size > g.maxSize {
		return &ValidationError{Reason: fmt.Sprintf("file is %d bytes, the limit is %d", upload.Size, g.maxSize)}
	}
	if upload.Content == nil {
		return &ValidationError{Reason: "file has no content"}
	}
	return nil
}

// Upload validates and stores upload, returning the reference to attach.
func (g *Gate) Upload(ctx context.Context, upload models.Upload) (models.Attachment, error) {
	if err := g.Validate(upload); err != nil {
		return models.Attachment{}, err
	}
	if g.blobs == nil {
		return models.Attachment{}, transient("upload attachment", errors.New("no blob store configured"))
	}
	// A retried send re-reads the same upload.
	if seeker, ok := upload.Content.(io.Seeker); ok {
		if _, err := seeker.Seek(0, io.SeekStart); err != nil {
			return models.Attachment{}, transient("rewind attachment", err)
		}
	}

	// The declared size is the caller's claim; the stream is held to the limit.
	guard := &sizeGuard{r: io.LimitReader(upload.Content, g.maxSize+1), limit: g.maxSize}
	guarded := upload
	guarded.Content = guard

	attachment, err := g.blobs.Upload(ctx, guarded, models.PolicyAuthenticatedUsers)
	if errors.Is(err, errTooLarge) || (err == nil && guard.read > g.maxSize) {
		return models.Attachment{}, &ValidationError{Reason: fmt.Sprintf("file is larger than the %d byte limit", g.maxSize)}
	}
	if err != nil {
		return models.Attachment{}, transient("upload attachment", err)
	}
	if attachment.FileName == "" {
		attachment.FileName = upload.Name
	}
	return attachment, nil
}

var errTooLarge = errors.New("attachment exceeds size limit")

// sizeGuard fails the read as soon as more than limit bytes come through.
type sizeGuard struct {
	r     io.Reader
	limit int64
	read  int64
}

func (g *sizeGuard) Read(p []byte) (int, error) {
	n, err := g.r.Read(p)
	g.read += int64(n)
	if g.read > g.limit {
		return n, errTooLarge
	}
	return n, err
}

func normalizeContentType(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(contentType))
	}
	return mediaType
}
