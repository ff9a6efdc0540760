package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"telechat/models"
	"telechat/session"
)

func newTokenCmd(env *environment) *cobra.Command {
	var opts struct {
		userID string
		ttl    time.Duration
	}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a session token for a stored participant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.userID == "" {
				return errors.New("--user is required")
			}
			return withAdminStore(cmd.Context(), env, func(store adminStore) error {
				participant, err := store.GetParticipant(cmd.Context(), opts.userID)
				if err != nil {
					if errors.Is(err, models.ErrNotFound) {
						return fmt.Errorf("participant %q does not exist", opts.userID)
					}
					return err
				}
				token, err := session.Issue([]byte(env.cfg.JWTSecret), participant, opts.ttl)
				if err != nil {
					return err
				}
				fmt.Fprintln(env.out, token)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.userID, "user", "", "participant id")
	cmd.Flags().DurationVar(&opts.ttl, "ttl", session.DefaultTTL, "token lifetime")
	return cmd
}

func newUserCmd(env *environment) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage participants",
	}
	cmd.AddCommand(newUserAddCmd(env), newUserAssignCmd(env))
	return cmd
}

func newUserAddCmd(env *environment) *cobra.Command {
	var opts struct {
		id, name, role, doctor string
	}

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a doctor or patient",
		RunE: func(cmd *cobra.Command, args []string) error {
			participant := models.Participant{ID: opts.id, Name: opts.name, Role: opts.role}
			if opts.doctor != "" {
				if opts.role != models.RolePatient {
					return errors.New("--doctor only applies to patients")
				}
				participant.AssignedDoctorID = &opts.doctor
			}
			return withAdminStore(cmd.Context(), env, func(store adminStore) error {
				if err := store.AddParticipant(cmd.Context(), participant); err != nil {
					return err
				}
				fmt.Fprintf(env.out, "Added %s %s (%s)\n", participant.Role, participant.ID, participant.Name)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.id, "id", "", "participant id")
	cmd.Flags().StringVar(&opts.name, "name", "", "display name")
	cmd.Flags().StringVar(&opts.role, "role", models.RolePatient, "doctor or patient")
	cmd.Flags().StringVar(&opts.doctor, "doctor", "", "assigned doctor id (patients only)")
	return cmd
}

func newUserAssignCmd(env *environment) *cobra.Command {
	var opts struct {
		patient, doctor string
		clear           bool
	}

	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Assign a patient to a doctor",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.patient == "" {
				return errors.New("--patient is required")
			}
			if (opts.doctor == "") == !opts.clear {
				return errors.New("exactly one of --doctor or --clear is required")
			}

			return withAdminStore(cmd.Context(), env, func(store adminStore) error {
				patient, err := store.GetParticipant(cmd.Context(), opts.patient)
				if err != nil {
					return fmt.Errorf("look up patient %q: %w", opts.patient, err)
				}
				if patient.Role != models.RolePatient {
					return fmt.Errorf("%q is a %s, not a patient", opts.patient, patient.Role)
				}

				patch := models.ParticipantPatch{ClearAssignedDoctor: opts.clear}
				if !opts.clear {
					doctor, err := store.GetParticipant(cmd.Context(), opts.doctor)
					if err != nil {
						return fmt.Errorf("look up doctor %q: %w", opts.doctor, err)
					}
					if doctor.Role != models.RoleDoctor {
						return fmt.Errorf("%q is a %s, not a doctor", opts.doctor, doctor.Role)
					}
					patch.AssignedDoctorID = &opts.doctor
				}

				updated, err := store.UpdateParticipant(cmd.Context(), opts.patient, patch)
				if err != nil {
					return err
				}
				if updated.AssignedDoctorID == nil {
					fmt.Fprintf(env.out, "%s has no assigned doctor\n", updated.ID)
				} else {
					fmt.Fprintf(env.out, "%s is assigned to %s\n", updated.ID, *updated.AssignedDoctorID)
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.patient, "patient", "", "patient id")
	cmd.Flags().StringVar(&opts.doctor, "doctor", "", "doctor id")
	cmd.Flags().BoolVar(&opts.clear, "clear", false, "remove the current assignment")
	return cmd
}
