package storage

import (
	"context"
	"testing"
	"time"

	"telechat/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	dataDir := t.TempDir()
	store, _, err := Open(dataDir)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Fatalf("close test store: %v", err)
		}
	})

	return store
}

// steppedClock returns a clock that advances by one second per call.
func steppedClock(start time.Time) func() time.Time {
	current := start
	return func() time.Time {
		current = current.Add(time.Second)
		return current
	}
}

func mustAddParticipant(t *testing.T, store *Store, userID, name, role string, doctorID *string) {
	t.Helper()

	err := store.AddParticipant(context.Background(), models.Participant{
		ID:               userID,
		Name:             name,
		Role:             role,
		AssignedDoctorID: doctorID,
	})
	if err != nil {
		t.Fatalf("add participant %q: %v", userID, err)
	}
}

func mustCreateMessage(t *testing.T, store *Store, from, to, body string) models.Message {
	t.Helper()

	message, err := store.CreateMessage(context.Background(), models.Message{
		SenderID:   from,
		ReceiverID: to,
		Body:       body,
	})
	if err != nil {
		t.Fatalf("create message %q: %v", body, err)
	}
	return message
}
