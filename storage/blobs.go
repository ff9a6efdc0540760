package storage

import (
	"context"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	"telechat/models"
)

const (
	// DefaultBucket holds chat attachments.
	DefaultBucket = "chat-files"

	filesDirName = "files"
)

// BlobStore keeps uploaded files on disk under <dataDir>/files/<bucket> and
// records their metadata in the files table.
type BlobStore struct {
	store   *Store
	root    string
	bucket  string
	baseURL string
}

// NewBlobStore returns a blob store writing into dataDir. When baseURL is
// set, download URLs point at the relay's /files endpoint.
func NewBlobStore(store *Store, dataDir, bucket, baseURL string) *BlobStore {
	if bucket == "" {
		bucket = DefaultBucket
	}
	return &BlobStore{
		store:   store,
		root:    filepath.Join(dataDir, filesDirName),
		bucket:  bucket,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Bucket returns the bucket new uploads are written to.
func (b *BlobStore) Bucket() string {
	return b.bucket
}

// Upload streams upload into the bucket and returns the attachment reference.
func (b *BlobStore) Upload(ctx context.Context, upload models.Upload, policy models.AccessPolicy) (models.Attachment, error) {
	if upload.Content == nil {
		return models.Attachment{}, errors.New("upload content is required")
	}
	name := filepath.Base(strings.TrimSpace(upload.Name))
	if name == "" || name == "." || name == string(filepath.Separator) {
		return models.Attachment{}, errors.New("upload name is required")
	}

	dir := filepath.Join(b.root, b.bucket)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return models.Attachment{}, fmt.Errorf("create bucket directory: %w", err)
	}

	fileID := uuid.NewString()
	storedPath := filepath.Join(dir, fileID)
	file, err := os.OpenFile(storedPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("create blob file: %w", err)
	}

	hasher, err := blake2b.New256(nil)
	if err != nil {
		_ = file.Close()
		_ = os.Remove(storedPath)
		return models.Attachment{}, fmt.Errorf("init blob hasher: %w", err)
	}

	written, copyErr := io.Copy(io.MultiWriter(file, hasher), contextReader{ctx: ctx, r: upload.Content})
	closeErr := file.Close()
	if copyErr != nil || closeErr != nil {
		_ = os.Remove(storedPath)
		if copyErr != nil {
			return models.Attachment{}, fmt.Errorf("write blob %q: %w", name, copyErr)
		}
		return models.Attachment{}, fmt.Errorf("close blob %q: %w", name, closeErr)
	}

	meta := BlobMetadata{
		FileID:       fileID,
		Bucket:       b.bucket,
		Filename:     name,
		Filesize:     written,
		Filetype:     upload.ContentType,
		StoredPath:   storedPath,
		Checksum:     hex.EncodeToString(hasher.Sum(nil)),
		AccessPolicy: policy.String(),
	}
	if err := b.store.SaveBlobMetadata(ctx, meta); err != nil {
		_ = os.Remove(storedPath)
		return models.Attachment{}, err
	}

	log.Debugf("stored blob %s/%s (%d bytes)", b.bucket, fileID, written)
	return models.Attachment{FileID: fileID, FileName: name}, nil
}

// DownloadURL resolves a file ID in the store's bucket to a fetchable URL.
func (b *BlobStore) DownloadURL(ctx context.Context, fileID string) (string, error) {
	meta, err := b.store.GetBlobMetadata(ctx, b.bucket, fileID)
	if err != nil {
		return "", err
	}
	if b.baseURL != "" {
		return b.baseURL + "/files/" + url.PathEscape(meta.Bucket) + "/" + url.PathEscape(meta.FileID), nil
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(meta.StoredPath)}).String(), nil
}

// OpenBlob opens a stored blob for reading.
func (b *BlobStore) OpenBlob(ctx context.Context, bucket, fileID string) (io.ReadCloser, BlobMetadata, error) {
	meta, err := b.store.GetBlobMetadata(ctx, bucket, fileID)
	if err != nil {
		return nil, BlobMetadata{}, err
	}
	file, err := os.Open(meta.StoredPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, BlobMetadata{}, ErrNotFound
		}
		return nil, BlobMetadata{}, fmt.Errorf("open blob %q: %w", fileID, err)
	}
	return file, meta, nil
}

// SaveBlobMetadata inserts a new files row.
func (s *Store) SaveBlobMetadata(ctx context.Context, meta BlobMetadata) error {
	if meta.FileID == "" {
		return errors.New("file_id is required")
	}
	if meta.Bucket == "" {
		return errors.New("bucket is required")
	}
	if meta.Filename == "" {
		return errors.New("filename is required")
	}
	if meta.StoredPath == "" {
		return errors.New("stored_path is required")
	}
	if meta.Checksum == "" {
		return errors.New("checksum is required")
	}
	if meta.CreatedAt == 0 {
		meta.CreatedAt = s.now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO files (
			file_id,
			bucket,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			access_policy,
			created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		meta.FileID,
		meta.Bucket,
		meta.Filename,
		meta.Filesize,
		nullString(stringPointer(meta.Filetype)),
		meta.StoredPath,
		meta.Checksum,
		meta.AccessPolicy,
		meta.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert file metadata %q: %w", meta.FileID, err)
	}
	return nil
}

// GetBlobMetadata fetches one files row by bucket and file ID.
func (s *Store) GetBlobMetadata(ctx context.Context, bucket, fileID string) (BlobMetadata, error) {
	if fileID == "" {
		return BlobMetadata{}, errors.New("file_id is required")
	}

	var (
		meta     BlobMetadata
		filetype sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT
			file_id,
			bucket,
			filename,
			filesize,
			filetype,
			stored_path,
			checksum,
			access_policy,
			created_at
		FROM files
		WHERE bucket = ? AND file_id = ?`,
		bucket,
		fileID,
	).Scan(
		&meta.FileID,
		&meta.Bucket,
		&meta.Filename,
		&meta.Filesize,
		&filetype,
		&meta.StoredPath,
		&meta.Checksum,
		&meta.AccessPolicy,
		&meta.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return BlobMetadata{}, ErrNotFound
		}
		return BlobMetadata{}, fmt.Errorf("get file metadata %q: %w", fileID, err)
	}
	meta.Filetype = filetype.String
	return meta, nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
