package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	redisclient "github.com/medinexa/clinic-queue/internal/redis"
)

const (
	EventBooked    = "APPOINTMENT_BOOKED"
	EventCancelled = "APPOINTMENT_CANCELLED"
	EventCalled    = "PATIENT_CALLED"
	EventCompleted = "CONSULTATION_COMPLETED"
	EventReset     = "QUEUE_RESET"
)

// conflictRetries bounds internal retries of ErrConcurrentConflict before it
// surfaces to the caller as a plain "try again".
const conflictRetries = 3

// defaultAvgTimePerPatient (minutes) applies when a clinic registers without
// stating its consultation time.
const defaultAvgTimePerPatient = 10

// Service implements the queue engine: token allocation, advancement,
// cancellation and the derived wait estimates. All clinic-scoped mutations
// run under the per-clinic Redis lock, with the repository transaction as
// the authority underneath.
type Service struct {
	repo   Repository
	locker redisclient.Locker
	log    zerolog.Logger
	now    func() time.Time
}

func NewService(repo Repository, locker redisclient.Locker, log zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		locker: locker,
		log:    log,
		now:    time.Now,
	}
}

// WithClock overrides the service clock. Tests use it to pin the open-hours
// check to a known wall-clock time.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// clinicOpen applies the bookability rule: both operating-hour fields must be
// set and the current time of day must fall inside them. A close time at or
// before the open time is treated as wrapping past midnight.
func (s *Service) clinicOpen(c *Clinic) bool {
	if !c.HoursConfigured() {
		return false
	}
	open, err := time.Parse("15:04", *c.OpenTime)
	if err != nil {
		return false
	}
	closeT, err := time.Parse("15:04", *c.CloseTime)
	if err != nil {
		return false
	}

	now := s.now()
	minutes := now.Hour()*60 + now.Minute()
	openM := open.Hour()*60 + open.Minute()
	closeM := closeT.Hour()*60 + closeT.Minute()

	if openM < closeM {
		return minutes >= openM && minutes < closeM
	}
	// Wraps midnight (or open == close, which we read as round the clock).
	return minutes >= openM || minutes < closeM
}

// withClinicLock serializes a clinic-scoped operation behind the Redis
// advisory lock and retries lost races a bounded number of times.
func (s *Service) withClinicLock(ctx context.Context, clinicID uuid.UUID, op func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt <= conflictRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 25 * time.Millisecond):
			}
		}

		err = s.locker.WithClinicLock(ctx, clinicID, op)
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			err = ErrConcurrentConflict
		}
		if !errors.Is(err, ErrConcurrentConflict) {
			return err
		}
		s.log.Debug().
			Str("clinic_id", clinicID.String()).
			Int("attempt", attempt+1).
			Msg("queue operation lost a race, retrying")
	}
	return err
}

// Book assigns the next sequential token at the clinic to the patient.
func (s *Service) Book(ctx context.Context, clinicID, patientID uuid.UUID) (*Appointment, error) {
	patient, err := s.repo.GetPatientByID(ctx, patientID)
	if err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	clinic, err := s.repo.GetClinicByID(ctx, clinicID)
	if err != nil {
		if errors.Is(err, ErrClinicNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load clinic: %w", err)
	}
	if !s.clinicOpen(clinic) {
		return nil, ErrClinicClosed
	}

	var created *Appointment
	err = s.withClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		appt, err := s.repo.CreateBooking(lockCtx, clinicID, patientID, patient.Name)
		if err != nil {
			return err
		}
		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventBooked, &clinicID, &created.ID, map[string]any{
		"patient_id": patientID.String(),
		"token":      created.Token,
	})
	s.log.Info().
		Str("clinic_id", clinicID.String()).
		Str("patient_id", patientID.String()).
		Int("token", created.Token).
		Msg("appointment booked")

	return created, nil
}

// Cancel withdraws the patient's booking. Only a waiting appointment can be
// cancelled; once it has been called for consultation the cancellation loses.
func (s *Service) Cancel(ctx context.Context, appointmentID, patientID uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.CancelWaiting(ctx, appointmentID, patientID)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventCancelled, &appt.ClinicID, &appt.ID, map[string]any{
		"token": appt.Token,
	})
	s.log.Info().
		Str("clinic_id", appt.ClinicID.String()).
		Str("patient_id", patientID.String()).
		Int("token", appt.Token).
		Msg("appointment cancelled")

	return appt, nil
}

// CallNext promotes the lowest-token waiting appointment to serving and moves
// the clinic's current token pointer to it.
func (s *Service) CallNext(ctx context.Context, clinicID uuid.UUID) (*Appointment, error) {
	if _, err := s.repo.GetClinicByID(ctx, clinicID); err != nil {
		return nil, err
	}

	var promoted *Appointment
	err := s.withClinicLock(ctx, clinicID, func(lockCtx context.Context) error {
		appt, err := s.repo.PromoteNextWaiting(lockCtx, clinicID)
		if err != nil {
			return err
		}
		promoted = appt
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventCalled, &clinicID, &promoted.ID, map[string]any{
		"token": promoted.Token,
	})
	s.log.Info().
		Str("clinic_id", clinicID.String()).
		Int("token", promoted.Token).
		Msg("next patient called")

	return promoted, nil
}

// CompleteCurrent finishes the consultation in progress. It does not
// auto-advance; the clinic calls the next patient explicitly.
func (s *Service) CompleteCurrent(ctx context.Context, clinicID uuid.UUID) (*Appointment, error) {
	if _, err := s.repo.GetClinicByID(ctx, clinicID); err != nil {
		return nil, err
	}

	appt, err := s.repo.CompleteServing(ctx, clinicID)
	if err != nil {
		return nil, err
	}

	s.logEvent(ctx, EventCompleted, &clinicID, &appt.ID, map[string]any{
		"token": appt.Token,
	})
	s.log.Info().
		Str("clinic_id", clinicID.String()).
		Int("token", appt.Token).
		Msg("consultation completed")

	return appt, nil
}

// EstimateWait returns the derived wait estimate for the patient's booking.
func (s *Service) EstimateWait(ctx context.Context, appointmentID, patientID uuid.UUID) (*WaitEstimate, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	if appt.PatientID != patientID || appt.Status == StatusCancelled {
		return nil, ErrAppointmentNotFound
	}

	clinic, err := s.repo.GetClinicByID(ctx, appt.ClinicID)
	if err != nil {
		return nil, err
	}

	est := Estimate(clinic, appt.Token)
	if appt.Status == StatusServing {
		est.Remaining = 0
		est.Minutes = 0
		est.Label = "being served now"
	} else if appt.Status == StatusCompleted {
		est.Remaining = 0
		est.Minutes = 0
		est.Label = "completed"
	}
	return &est, nil
}

// ListClinics returns all clinics with live waiting counts, ranked for the
// patient: distance when an origin is given, then fees, then estimated wait.
func (s *Service) ListClinics(ctx context.Context, origin *GeoPoint) ([]ClinicQueueInfo, error) {
	clinics, err := s.repo.ListClinicsWithQueue(ctx)
	if err != nil {
		return nil, fmt.Errorf("list clinics: %w", err)
	}
	RankClinics(clinics, origin)
	return clinics, nil
}

// ClinicBoard is the clinic's day view: queue pointer plus every
// non-cancelled appointment, newest token first.
type ClinicBoard struct {
	Clinic       *Clinic
	Appointments []Appointment
	WaitingCount int
}

func (s *Service) GetClinicBoard(ctx context.Context, clinicID uuid.UUID) (*ClinicBoard, error) {
	clinic, err := s.repo.GetClinicByID(ctx, clinicID)
	if err != nil {
		return nil, err
	}
	appts, err := s.repo.ListClinicAppointments(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("list clinic appointments: %w", err)
	}
	waiting, err := s.repo.CountWaiting(ctx, clinicID)
	if err != nil {
		return nil, fmt.Errorf("count waiting: %w", err)
	}
	return &ClinicBoard{Clinic: clinic, Appointments: appts, WaitingCount: waiting}, nil
}

func (s *Service) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	appts, err := s.repo.ListPatientAppointments(ctx, patientID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list patient appointments: %w", err)
	}
	return appts, nil
}

// RegisterClinic creates the clinic row with zeroed counters. An omitted
// average consultation time falls back to defaultAvgTimePerPatient; an
// explicit non-positive one is rejected, matching UpdateClinicSettings.
func (s *Service) RegisterClinic(ctx context.Context, c *Clinic) (*Clinic, error) {
	if c.AvgTimePerPatient < 0 {
		return nil, fmt.Errorf("avg_time_per_patient must be positive")
	}
	if c.AvgTimePerPatient == 0 {
		c.AvgTimePerPatient = defaultAvgTimePerPatient
	}
	created, err := s.repo.CreateClinic(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("create clinic: %w", err)
	}
	return created, nil
}

func (s *Service) UpdateClinicSettings(ctx context.Context, clinicID uuid.UUID, settings ClinicSettings) (*Clinic, error) {
	if settings.AvgTimePerPatient != nil && *settings.AvgTimePerPatient <= 0 {
		return nil, fmt.Errorf("avg_time_per_patient must be positive")
	}
	return s.repo.UpdateClinicSettings(ctx, clinicID, settings)
}

// ResetIdleQueues zeroes the token counters of clinics whose previous day's
// queue has fully drained. Called periodically by the queue worker.
func (s *Service) ResetIdleQueues(ctx context.Context) (int, error) {
	now := s.now()
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())

	ids, err := s.repo.FindIdleClinics(ctx, startOfDay)
	if err != nil {
		return 0, fmt.Errorf("find idle clinics: %w", err)
	}

	reset := 0
	for _, id := range ids {
		if err := s.repo.ResetQueue(ctx, id); err != nil {
			// A booking that slipped in between the scan and the reset is
			// fine, the clinic just stays live for another cycle.
			s.log.Warn().Err(err).Str("clinic_id", id.String()).Msg("queue reset skipped")
			continue
		}
		clinicID := id
		s.logEvent(ctx, EventReset, &clinicID, nil, nil)
		reset++
	}
	return reset, nil
}

func (s *Service) logEvent(ctx context.Context, eventType string, clinicID, appointmentID *uuid.UUID, payload map[string]any) {
	var data []byte
	if payload != nil {
		var err error
		data, err = json.Marshal(payload)
		if err != nil {
			s.log.Error().Err(err).Str("event", eventType).Msg("marshal event payload")
			data = nil
		}
	}

	ev := EventLog{
		EventType:     eventType,
		ClinicID:      clinicID,
		AppointmentID: appointmentID,
		Payload:       data,
		CreatedAt:     s.now(),
	}
	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Error().Err(err).Str("event", eventType).Msg("insert queue event")
	}
}
