package storage

import (
	"database/sql"
	"time"

	"github.com/op/go-logging"

	"telechat/models"
	"telechat/query"
)

var log = logging.MustGetLogger("storage")

// ErrNotFound indicates a requested row does not exist.
var ErrNotFound = models.ErrNotFound

var messageColumns = map[string]string{
	query.FieldID:         "message_id",
	query.FieldSenderID:   "sender_id",
	query.FieldReceiverID: "receiver_id",
	query.FieldCreatedAt:  "created_at",
}

var participantColumns = map[string]string{
	query.FieldID:               "user_id",
	query.FieldUserID:           "user_id",
	query.FieldRole:             "role",
	query.FieldName:             "name",
	query.FieldAssignedDoctorID: "assigned_doctor_id",
}

// BlobMetadata is the SQLite representation of an uploaded file.
type BlobMetadata struct {
	FileID       string
	Bucket       string
	Filename     string
	Filesize     int64
	Filetype     string
	StoredPath   string
	Checksum     string
	AccessPolicy string
	CreatedAt    int64
}

type scanner interface {
	Scan(dest ...any) error
}

func nullString(ptr *string) sql.NullString {
	if ptr == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *ptr, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func stringPointer(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}

func fromUnixMilli(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// normalizeFieldValues converts time values in filter arguments into the
// integer milliseconds stored in the created_at column.
func normalizeFieldValues(args []any) []any {
	for i, arg := range args {
		if ts, ok := arg.(time.Time); ok {
			args[i] = ts.UnixMilli()
		}
	}
	return args
}
