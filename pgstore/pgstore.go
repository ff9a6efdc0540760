// Package pgstore is a PostgreSQL document store for deployments where
// several chat clients share one database.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/op/go-logging"

	"telechat/models"
	"telechat/query"
)

var log = logging.MustGetLogger("pgstore")

// DefaultPageSize bounds list queries that do not set a limit.
const DefaultPageSize = 100

var schema = []string{
	`CREATE TABLE IF NOT EXISTS participants (
		user_id            TEXT PRIMARY KEY,
		name               TEXT NOT NULL,
		role               TEXT NOT NULL CHECK (role IN ('doctor','patient')),
		assigned_doctor_id TEXT REFERENCES participants(user_id) ON DELETE SET NULL,
		created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		message_id  TEXT PRIMARY KEY,
		sender_id   TEXT NOT NULL,
		receiver_id TEXT NOT NULL,
		body        TEXT NOT NULL DEFAULT '',
		created_at  TIMESTAMPTZ NOT NULL,
		file_id     TEXT,
		file_name   TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_pair_time
		ON messages (sender_id, receiver_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_participants_doctor
		ON participants (assigned_doctor_id, name)`,
}

var messageQuery = query.Compiler{
	Columns: map[string]string{
		query.FieldID:         "message_id",
		query.FieldSenderID:   "sender_id",
		query.FieldReceiverID: "receiver_id",
		query.FieldCreatedAt:  "created_at",
	},
	Placeholder:  query.Dollar,
	DefaultLimit: DefaultPageSize,
}

var participantQuery = query.Compiler{
	Columns: map[string]string{
		query.FieldID:               "user_id",
		query.FieldUserID:           "user_id",
		query.FieldRole:             "role",
		query.FieldName:             "name",
		query.FieldAssignedDoctorID: "assigned_doctor_id",
	},
	Placeholder:  query.Dollar,
	DefaultLimit: DefaultPageSize,
}

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Open connects to databaseURL and bootstraps the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	store := &Store{pool: pool, now: time.Now}
	if err := store.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply postgres schema step %d: %w", i+1, err)
		}
	}
	log.Debugf("postgres schema ready")
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// CreateMessage inserts a message. The store assigns the creation timestamp,
// and the identifier when the caller leaves it empty.
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
	// Postgres keeps microseconds.
	message.CreatedAt = s.now().UTC().Truncate(time.Microsecond)

	args := pgx.NamedArgs{
		"id":        message.ID,
		"sender":    message.SenderID,
		"receiver":  message.ReceiverID,
		"body":      message.Body,
		"createdAt": message.CreatedAt,
		"fileId":    nil,
		"fileName":  nil,
	}
	if message.Attachment != nil {
		args["fileId"] = message.Attachment.FileID
		args["fileName"] = message.Attachment.FileName
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (message_id, sender_id, receiver_id, body, created_at, file_id, file_name)
		VALUES (@id, @sender, @receiver, @body, @createdAt, @fileId, @fileName)`,
		args,
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

	rows, err := s.pool.Query(ctx,
		`SELECT message_id, sender_id, receiver_id, body, created_at, file_id, file_name
		FROM messages`+clause,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	messages, err := pgx.CollectRows(rows, scanMessage)
	if err != nil {
		return nil, fmt.Errorf("collect message rows: %w", err)
	}
	return messages, nil
}

func scanMessage(row pgx.CollectableRow) (models.Message, error) {
	var (
		message  models.Message
		fileID   *string
		fileName *string
	)
	if err := row.Scan(
		&message.ID,
		&message.SenderID,
		&message.ReceiverID,
		&message.Body,
		&message.CreatedAt,
		&fileID,
		&fileName,
	); err != nil {
		return models.Message{}, err
	}
	message.CreatedAt = message.CreatedAt.UTC()
	if fileID != nil {
		attachment := models.Attachment{FileID: *fileID}
		if fileName != nil {
			attachment.FileName = *fileName
		}
		message.Attachment = &attachment
	}
	return message, nil
}

// AddParticipant inserts a participant.
func (s *Store) AddParticipant(ctx context.Context, participant models.Participant) error {
	if participant.ID == "" {
		return errors.New("user_id is required")
	}
	if strings.TrimSpace(participant.Name) == "" {
		return errors.New("name is required")
	}
	if !models.ValidRole(participant.Role) {
		return fmt.Errorf("invalid participant role %q", participant.Role)
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO participants (user_id, name, role, assigned_doctor_id)
		VALUES (@id, @name, @role, @doctor)`,
		pgx.NamedArgs{
			"id":     participant.ID,
			"name":   participant.Name,
			"role":   participant.Role,
			"doctor": participant.AssignedDoctorID,
		},
	)
	if err != nil {
		return fmt.Errorf("insert participant %q: %w", participant.ID, err)
	}
	return nil
}

// GetParticipant fetches one participant by user ID.
func (s *Store) GetParticipant(ctx context.Context, userID string) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, errors.New("user_id is required")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, name, role, assigned_doctor_id FROM participants WHERE user_id = $1`,
		userID,
	)
	if err != nil {
		return models.Participant{}, fmt.Errorf("get participant %q: %w", userID, err)
	}
	participant, err := pgx.CollectExactlyOneRow(rows, scanParticipant)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Participant{}, models.ErrNotFound
		}
		return models.Participant{}, fmt.Errorf("get participant %q: %w", userID, err)
	}
	return participant, nil
}

// ListParticipants returns participants matching q.
func (s *Store) ListParticipants(ctx context.Context, q query.Query) ([]models.Participant, error) {
	clause, args, err := participantQuery.Compile(q)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, name, role, assigned_doctor_id FROM participants`+clause,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	participants, err := pgx.CollectRows(rows, scanParticipant)
	if err != nil {
		return nil, fmt.Errorf("collect participant rows: %w", err)
	}
	return participants, nil
}

// UpdateParticipant applies patch to one participant and returns the result.
func (s *Store) UpdateParticipant(ctx context.Context, userID string, patch models.ParticipantPatch) (models.Participant, error) {
	if userID == "" {
		return models.Participant{}, errors.New("user_id is required")
	}

	sets := make([]string, 0, 2)
	args := make([]any, 0, 3)
	if patch.Name != nil {
		if strings.TrimSpace(*patch.Name) == "" {
			return models.Participant{}, errors.New("name is required")
		}
		args = append(args, *patch.Name)
		sets = append(sets, "name = $"+strconv.Itoa(len(args)))
	}
	switch {
	case patch.ClearAssignedDoctor:
		sets = append(sets, "assigned_doctor_id = NULL")
	case patch.AssignedDoctorID != nil:
		args = append(args, *patch.AssignedDoctorID)
		sets = append(sets, "assigned_doctor_id = $"+strconv.Itoa(len(args)))
	}
	if len(sets) == 0 {
		return s.GetParticipant(ctx, userID)
	}
	args = append(args, userID)

	tag, err := s.pool.Exec(ctx,
		`UPDATE participants SET `+strings.Join(sets, ", ")+` WHERE user_id = $`+strconv.Itoa(len(args)),
		args...,
	)
	if err != nil {
		return models.Participant{}, fmt.Errorf("update participant %q: %w", userID, err)
	}
	if tag.RowsAffected() == 0 {
		return models.Participant{}, models.ErrNotFound
	}
	return s.GetParticipant(ctx, userID)
}

func scanParticipant(row pgx.CollectableRow) (models.Participant, error) {
	var participant models.Participant
	if err := row.Scan(&participant.ID, &participant.Name, &participant.Role, &participant.AssignedDoctorID); err != nil {
		return models.Participant{}, err
	}
	return participant, nil
}
