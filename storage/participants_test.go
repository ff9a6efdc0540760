package storage

import (
	"context"
	"errors"
	"testing"

	"telechat/models"
	"telechat/query"
)

func TestParticipantCRUD(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	doctorID := "doc-1"

	mustAddParticipant(t, store, doctorID, "Dr. Rivera", models.RoleDoctor, nil)
	mustAddParticipant(t, store, "pat-1", "Ada", models.RolePatient, &doctorID)
	mustAddParticipant(t, store, "pat-2", "Ben", models.RolePatient, nil)

	patient, err := store.GetParticipant(ctx, "pat-1")
	if err != nil {
		t.Fatalf("GetParticipant failed: %v", err)
	}
	if patient.Name != "Ada" || patient.Role != models.RolePatient {
		t.Fatalf("unexpected participant: %+v", patient)
	}
	if patient.AssignedDoctorID == nil || *patient.AssignedDoctorID != doctorID {
		t.Fatalf("expected assigned doctor %q, got %v", doctorID, patient.AssignedDoctorID)
	}

	assigned, err := store.ListParticipants(ctx, query.Query{
		Filter:  query.Eq(query.FieldAssignedDoctorID, doctorID),
		OrderBy: []query.Order{query.Asc(query.FieldUserID)},
	})
	if err != nil {
		t.Fatalf("ListParticipants failed: %v", err)
	}
	if len(assigned) != 1 || assigned[0].ID != "pat-1" {
		t.Fatalf("expected only pat-1 assigned, got %+v", assigned)
	}

	unassigned, err := store.ListParticipants(ctx, query.Query{
		Filter: query.AllOf(
			query.Eq(query.FieldRole, models.RolePatient),
			query.Eq(query.FieldAssignedDoctorID, nil),
		),
	})
	if err != nil {
		t.Fatalf("ListParticipants unassigned failed: %v", err)
	}
	if len(unassigned) != 1 || unassigned[0].ID != "pat-2" {
		t.Fatalf("expected only pat-2 unassigned, got %+v", unassigned)
	}

	updated, err := store.UpdateParticipant(ctx, "pat-2", models.ParticipantPatch{AssignedDoctorID: &doctorID})
	if err != nil {
		t.Fatalf("UpdateParticipant assign failed: %v", err)
	}
	if updated.AssignedDoctorID == nil || *updated.AssignedDoctorID != doctorID {
		t.Fatalf("expected pat-2 assigned, got %+v", updated)
	}

	updated, err = store.UpdateParticipant(ctx, "pat-1", models.ParticipantPatch{ClearAssignedDoctor: true})
	if err != nil {
		t.Fatalf("UpdateParticipant clear failed: %v", err)
	}
	if updated.AssignedDoctorID != nil {
		t.Fatalf("expected cleared doctor, got %v", *updated.AssignedDoctorID)
	}

	newName := "Ada L."
	updated, err = store.UpdateParticipant(ctx, "pat-1", models.ParticipantPatch{Name: &newName})
	if err != nil {
		t.Fatalf("UpdateParticipant rename failed: %v", err)
	}
	if updated.Name != newName {
		t.Fatalf("expected renamed participant, got %q", updated.Name)
	}
}

func TestParticipantValidationAndNotFound(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.AddParticipant(ctx, models.Participant{ID: "x", Name: "X", Role: "nurse"}); err == nil {
		t.Fatalf("expected invalid role error")
	}
	if err := store.AddParticipant(ctx, models.Participant{ID: "x", Name: "  ", Role: models.RoleDoctor}); err == nil {
		t.Fatalf("expected missing name error")
	}
	if _, err := store.GetParticipant(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	name := "Nobody"
	if _, err := store.UpdateParticipant(ctx, "missing", models.ParticipantPatch{Name: &name}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on update, got %v", err)
	}
}

func TestParticipantRequiresExistingDoctor(t *testing.T) {
	store := newTestStore(t)
	ghost := "doc-ghost"

	err := store.AddParticipant(context.Background(), models.Participant{
		ID:               "pat-1",
		Name:             "Ada",
		Role:             models.RolePatient,
		AssignedDoctorID: &ghost,
	})
	if err == nil {
		t.Fatalf("expected foreign key violation for unknown doctor")
	}
}
