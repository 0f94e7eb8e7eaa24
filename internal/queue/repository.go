package queue

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrClinicNotFound      = errors.New("clinic not found")
	ErrPatientNotFound     = errors.New("patient not found")
	ErrAppointmentNotFound = errors.New("appointment not found")

	ErrClinicClosed          = errors.New("clinic is closed")
	ErrAlreadyBooked         = errors.New("patient already has an appointment at this clinic")
	ErrQueueEmpty            = errors.New("no waiting patients in queue")
	ErrPatientAlreadyServing = errors.New("a patient is already being served, complete the current consultation first")
	ErrNothingServing        = errors.New("no consultation in progress")
	ErrCannotCancel          = errors.New("appointment can no longer be cancelled")

	// ErrConcurrentConflict means the per-clinic transaction lost a race.
	// The service retries it a bounded number of times before surfacing.
	ErrConcurrentConflict = errors.New("concurrent queue update, retry")
)

// Repository contains all DB interactions needed by the service. The
// queue-mutating methods are each one atomic unit scoped to a single clinic:
// they take the clinic row lock, perform every read and write of the
// operation, and either commit fully or roll back.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)

	GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error)
	CreateClinic(ctx context.Context, c *Clinic) (*Clinic, error)
	UpdateClinicSettings(ctx context.Context, id uuid.UUID, s ClinicSettings) (*Clinic, error)
	ListClinicsWithQueue(ctx context.Context) ([]ClinicQueueInfo, error)

	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetActiveAppointment(ctx context.Context, clinicID, patientID uuid.UUID) (*Appointment, error)
	ListClinicAppointments(ctx context.Context, clinicID uuid.UUID) ([]Appointment, error)
	ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error)
	CountWaiting(ctx context.Context, clinicID uuid.UUID) (int, error)

	// Token allocation: duplicate guard, token = total_tokens + 1 off the
	// locked clinic row (tokens are never reused, a cancelled number stays
	// burnt), insert, bump total_tokens, all in one transaction.
	CreateBooking(ctx context.Context, clinicID, patientID uuid.UUID, patientName string) (*Appointment, error)

	// Advancement: fail if a serving row exists, promote the minimum-token
	// waiting row, set current_token, all in one transaction.
	PromoteNextWaiting(ctx context.Context, clinicID uuid.UUID) (*Appointment, error)

	// Conditional transition serving -> completed.
	CompleteServing(ctx context.Context, clinicID uuid.UUID) (*Appointment, error)

	// Conditional transition waiting -> cancelled, owner-checked.
	CancelWaiting(ctx context.Context, appointmentID, patientID uuid.UUID) (*Appointment, error)

	// Daily reset support for the queue worker. ResetQueue archives the
	// clinic's finished rows and zeroes both counters, so numbering restarts
	// at 1.
	FindIdleClinics(ctx context.Context, before time.Time) ([]uuid.UUID, error)
	ResetQueue(ctx context.Context, clinicID uuid.UUID) error

	InsertEvent(ctx context.Context, ev EventLog) error
}
