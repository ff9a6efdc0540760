package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"telechat/models"
	"telechat/query"
)

var messageQuery = query.Compiler{
	Columns:      messageColumns,
	Placeholder:  query.QuestionMark,
	DefaultLimit: DefaultPageSize,
}

// CreateMessage inserts a new message row. The store assigns the creation
// timestamp, and the identifier when the caller leaves it empty.
func (s *Store) CreateMessage(ctx context.Context, message models.Message) (models.Message, error) {
	if message.SenderID == "" {
		return models.Message{}, errors.New("sender_id is required")
	}
	if message.ReceiverID == "" {
		return models.Message{}, errors.New("receiver_id is required")
	}
	if message.Body == "" && message.Attachment == nil {
		return models.Message{}, errors.New("message body or attachment is required")
	}
	if message.ID == "" {
		message.ID = uuid.NewString()
	}
	message.CreatedAt = s.now().UTC().Truncate(time.Millisecond)

	var fileID, fileName *string
	if message.Attachment != nil {
		fileID = stringPointer(message.Attachment.FileID)
		fileName = stringPointer(message.Attachment.FileName)
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (
			message_id,
			sender_id,
			receiver_id,
			body,
			created_at,
			file_id,
			file_name
		) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		message.ID,
		message.SenderID,
		message.ReceiverID,
		message.Body,
		message.CreatedAt.UnixMilli(),
		nullString(fileID),
		nullString(fileName),
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message %q: %w", message.ID, err)
	}

	return message, nil
}

// ListMessages returns messages matching q.
func (s *Store) ListMessages(ctx context.Context, q query.Query) ([]models.Message, error) {
	clause, args, err := messageQuery.Compile(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT
			message_id,
			sender_id,
			receiver_id,
			body,
			created_at,
			file_id,
			file_name
		FROM messages`+clause,
		normalizeFieldValues(args)...,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]models.Message, 0)
	for rows.Next() {
		message, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		messages = append(messages, *message)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate message rows: %w", err)
	}

	return messages, nil
}

func scanMessage(row scanner) (*models.Message, error) {
	var (
		message   models.Message
		createdAt int64
		fileID    sql.NullString
		fileName  sql.NullString
	)

	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Body,
		&createdAt,
		&fileID,
		&fileName,
	); err != nil {
		return nil, err
	}

	message.CreatedAt = fromUnixMilli(createdAt)
	if fileID.Valid {
		message.Attachment = &models.Attachment{FileID: fileID.String, FileName: fileName.String}
	}

	return &message, nil
}
