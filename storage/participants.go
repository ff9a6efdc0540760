package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"telechat/models"
	"telechat/query"
)

var participantQuery = query.Compiler{
	Columns:      participantColumns,
	Placeholder:  query.QuestionMark,
	DefaultLimit: DefaultPageSize,
}

// AddParticipant inserts a new participant row.
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

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO participants (
			user_id,
			name,
			role,
			assigned_doctor_id,
			created_at
		) VALUES (?, ?, ?, ?, ?)`,
		participant.ID,
		participant.Name,
		participant.Role,
		nullString(participant.AssignedDoctorID),
		s.now().UnixMilli(),
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

	row := s.db.QueryRowContext(ctx,
		`SELECT user_id, name, role, assigned_doctor_id
		FROM participants
		WHERE user_id = ?`,
		userID,
	)

	participant, err := scanParticipant(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.Participant{}, ErrNotFound
		}
		return models.Participant{}, fmt.Errorf("get participant %q: %w", userID, err)
	}
	return *participant, nil
}

// ListParticipants returns participants matching q.
func (s *Store) ListParticipants(ctx context.Context, q query.Query) ([]models.Participant, error) {
	clause, args, err := participantQuery.Compile(q)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT user_id, name, role, assigned_doctor_id
		FROM participants`+clause,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("list participants: %w", err)
	}
	defer rows.Close()

	participants := make([]models.Participant, 0)
	for rows.Next() {
		participant, err := scanParticipant(rows)
		if err != nil {
			return nil, fmt.Errorf("scan participant row: %w", err)
		}
		participants = append(participants, *participant)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate participant rows: %w", err)
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
		sets = append(sets, "name = ?")
		args = append(args, *patch.Name)
	}
	switch {
	case patch.ClearAssignedDoctor:
		sets = append(sets, "assigned_doctor_id = NULL")
	case patch.AssignedDoctorID != nil:
		sets = append(sets, "assigned_doctor_id = ?")
		args = append(args, *patch.AssignedDoctorID)
	}
	if len(sets) == 0 {
		return s.GetParticipant(ctx, userID)
	}
	args = append(args, userID)

	res, err := s.db.ExecContext(ctx,
		`UPDATE participants SET `+strings.Join(sets, ", ")+` WHERE user_id = ?`,
		args...,
	)
	if err != nil {
		return models.Participant{}, fmt.Errorf("update participant %q: %w", userID, err)
	}

	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return models.Participant{}, fmt.Errorf("read rows affected for participant %q: %w", userID, err)
	}
	if rowsAffected == 0 {
		return models.Participant{}, ErrNotFound
	}

	return s.GetParticipant(ctx, userID)
}

func scanParticipant(row scanner) (*models.Participant, error) {
	var (
		participant models.Participant
		doctorID    sql.NullString
	)
	if err := row.Scan(&participant.ID, &participant.Name, &participant.Role, &doctorID); err != nil {
		return nil, err
	}
	participant.AssignedDoctorID = stringPtr(doctorID)
	return &participant, nil
}
