package models

const (
	RoleDoctor  = "doctor"
	RolePatient = "patient"
)

// Participant is a doctor or patient that can take part in conversations.
type Participant struct {
	ID               string  `json:"user_id"`
	Name             string  `json:"name"`
	Role             string  `json:"role"`
	AssignedDoctorID *string `json:"assigned_doctor_id,omitempty"`
}

// ParticipantPatch lists the mutable participant fields. Nil fields are left
// untouched; ClearAssignedDoctor unsets the doctor relation.
type ParticipantPatch struct {
	Name                *string
	AssignedDoctorID    *string
	ClearAssignedDoctor bool
}

// ValidRole reports whether role is one of the known participant roles.
func ValidRole(role string) bool {
	return role == RoleDoctor || role == RolePatient
}
