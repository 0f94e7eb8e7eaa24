package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool the repository needs. pgxmock satisfies it
// in tests.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	db DB
}

func NewPgRepository(db DB) *PgRepository {
	return &PgRepository{db: db}
}

const (
	clinicColumns = `id, name, address, latitude, longitude, fees, avg_time_per_patient,
		open_time, close_time, current_token, total_tokens, created_at, updated_at`
	appointmentColumns = `id, clinic_id, patient_id, patient_name, token, status, created_at, updated_at`
)

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}
	return &p, nil
}

func scanClinic(row pgx.Row) (*Clinic, error) {
	var c Clinic
	err := row.Scan(
		&c.ID,
		&c.Name,
		&c.Address,
		&c.Latitude,
		&c.Longitude,
		&c.Fees,
		&c.AvgTimePerPatient,
		&c.OpenTime,
		&c.CloseTime,
		&c.CurrentToken,
		&c.TotalTokens,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClinicNotFound
		}
		return nil, err
	}
	return &c, nil
}

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.ClinicID,
		&a.PatientID,
		&a.PatientName,
		&a.Token,
		&a.Status,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// mapPgError translates retryable serialization failures and the partial
// unique indexes backing the queue invariants into domain errors.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "40001", "40P01": // serialization_failure, deadlock_detected
		return ErrConcurrentConflict
	case "23505":
		switch pgErr.ConstraintName {
		case "appointments_one_active_per_patient":
			return ErrAlreadyBooked
		case "appointments_token_unique_active", "appointments_single_serving":
			return ErrConcurrentConflict
		}
	}
	return err
}

// withClinicTx runs fn inside a transaction that holds the clinic row lock.
// Every queue mutation for a clinic goes through here, so concurrent bookings
// and advancement for the same clinic serialize on the row lock while
// different clinics proceed independently.
func (r *PgRepository) withClinicTx(ctx context.Context, clinicID uuid.UUID, fn func(tx pgx.Tx, clinic *Clinic) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin clinic tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	clinic, err := scanClinic(tx.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE id = $1
		FOR UPDATE
	`, clinicID))
	if err != nil {
		return err
	}

	if err := fn(tx, clinic); err != nil {
		return mapPgError(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return mapPgError(fmt.Errorf("commit clinic tx: %w", err))
	}
	return nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.db.QueryRow(ctx, `
		SELECT id, name, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetClinicByID(ctx context.Context, id uuid.UUID) (*Clinic, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+clinicColumns+`
		FROM clinics
		WHERE id = $1
	`, id)
	return scanClinic(row)
}

func (r *PgRepository) CreateClinic(ctx context.Context, c *Clinic) (*Clinic, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO clinics (id, name, address, latitude, longitude, fees, avg_time_per_patient,
			open_time, close_time, current_token, total_tokens, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 0, 0, now(), now())
		RETURNING `+clinicColumns+`
	`, c.ID, c.Name, c.Address, c.Latitude, c.Longitude, c.Fees, c.AvgTimePerPatient, c.OpenTime, c.CloseTime)
	return scanClinic(row)
}

func (r *PgRepository) UpdateClinicSettings(ctx context.Context, id uuid.UUID, s ClinicSettings) (*Clinic, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE clinics
		SET fees                 = COALESCE($2, fees),
		    avg_time_per_patient = COALESCE($3, avg_time_per_patient),
		    open_time            = COALESCE($4, open_time),
		    close_time           = COALESCE($5, close_time),
		    updated_at           = now()
		WHERE id = $1
		RETURNING `+clinicColumns+`
	`, id, s.Fees, s.AvgTimePerPatient, s.OpenTime, s.CloseTime)
	return scanClinic(row)
}

func (r *PgRepository) ListClinicsWithQueue(ctx context.Context) ([]ClinicQueueInfo, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id, c.name, c.address, c.latitude, c.longitude, c.fees, c.avg_time_per_patient,
		       c.open_time, c.close_time, c.current_token, c.total_tokens, c.created_at, c.updated_at,
		       COUNT(a.id) FILTER (WHERE a.status = 'waiting') AS waiting_count
		FROM clinics c
		LEFT JOIN appointments a ON a.clinic_id = c.id
		GROUP BY c.id
		ORDER BY c.name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []ClinicQueueInfo
	for rows.Next() {
		var info ClinicQueueInfo
		err := rows.Scan(
			&info.ID,
			&info.Name,
			&info.Address,
			&info.Latitude,
			&info.Longitude,
			&info.Fees,
			&info.AvgTimePerPatient,
			&info.OpenTime,
			&info.CloseTime,
			&info.CurrentToken,
			&info.TotalTokens,
			&info.CreatedAt,
			&info.UpdatedAt,
			&info.WaitingCount,
		)
		if err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

func (r *PgRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (r *PgRepository) GetActiveAppointment(ctx context.Context, clinicID, patientID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND patient_id = $2
		  AND status IN ('waiting', 'serving')
	`, clinicID, patientID)
	return scanAppointment(row)
}

func (r *PgRepository) ListClinicAppointments(ctx context.Context, clinicID uuid.UUID) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE clinic_id = $1
		  AND status <> 'cancelled'
		ORDER BY token DESC
	`, clinicID)
}

func (r *PgRepository) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Appointment, error) {
	return r.queryAppointments(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE patient_id = $1
		  AND status <> 'cancelled'
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
}

func (r *PgRepository) queryAppointments(ctx context.Context, sql string, args ...any) ([]Appointment, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	return result, rows.Err()
}

func (r *PgRepository) CountWaiting(ctx context.Context, clinicID uuid.UUID) (int, error) {
	var n int
	err := r.db.QueryRow(ctx, `
		SELECT COUNT(*)
		FROM appointments
		WHERE clinic_id = $1 AND status = 'waiting'
	`, clinicID).Scan(&n)
	return n, err
}

func (r *PgRepository) CreateBooking(ctx context.Context, clinicID, patientID uuid.UUID, patientName string) (*Appointment, error) {
	var created *Appointment

	err := r.withClinicTx(ctx, clinicID, func(tx pgx.Tx, clinic *Clinic) error {
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM appointments
			WHERE clinic_id = $1
			  AND patient_id = $2
			  AND status IN ('waiting', 'serving')
		`, clinicID, patientID).Scan(&active)
		if err != nil {
			return fmt.Errorf("duplicate check: %w", err)
		}
		if active > 0 {
			return ErrAlreadyBooked
		}

		// Tokens issue from the locked counter and are never reused: a
		// cancelled number stays burnt until the daily reset, so the unique
		// index can only fire on a genuine race.
		token := clinic.TotalTokens + 1

		appt, err := scanAppointment(tx.QueryRow(ctx, `
			INSERT INTO appointments (id, clinic_id, patient_id, patient_name, token, status, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, 'waiting', now(), now())
			RETURNING `+appointmentColumns+`
		`, uuid.New(), clinicID, patientID, patientName, token))
		if err != nil {
			return fmt.Errorf("insert appointment: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE clinics
			SET total_tokens = total_tokens + 1,
			    updated_at   = now()
			WHERE id = $1
		`, clinicID)
		if err != nil {
			return fmt.Errorf("bump total tokens: %w", err)
		}

		created = appt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) PromoteNextWaiting(ctx context.Context, clinicID uuid.UUID) (*Appointment, error) {
	var promoted *Appointment

	err := r.withClinicTx(ctx, clinicID, func(tx pgx.Tx, _ *Clinic) error {
		var serving int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM appointments
			WHERE clinic_id = $1 AND status = 'serving'
		`, clinicID).Scan(&serving)
		if err != nil {
			return fmt.Errorf("check serving: %w", err)
		}
		if serving > 0 {
			return ErrPatientAlreadyServing
		}

		next, err := scanAppointment(tx.QueryRow(ctx, `
			SELECT `+appointmentColumns+`
			FROM appointments
			WHERE clinic_id = $1 AND status = 'waiting'
			ORDER BY token ASC
			LIMIT 1
			FOR UPDATE
		`, clinicID))
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrQueueEmpty
			}
			return fmt.Errorf("pick next waiting: %w", err)
		}

		appt, err := scanAppointment(tx.QueryRow(ctx, `
			UPDATE appointments
			SET status = 'serving', updated_at = now()
			WHERE id = $1 AND status = 'waiting'
			RETURNING `+appointmentColumns+`
		`, next.ID))
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return ErrConcurrentConflict
			}
			return fmt.Errorf("promote to serving: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE clinics
			SET current_token = $2,
			    updated_at    = now()
			WHERE id = $1
		`, clinicID, appt.Token)
		if err != nil {
			return fmt.Errorf("set current token: %w", err)
		}

		promoted = appt
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

func (r *PgRepository) CompleteServing(ctx context.Context, clinicID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'completed', updated_at = now()
		WHERE clinic_id = $1 AND status = 'serving'
		RETURNING `+appointmentColumns+`
	`, clinicID)
	appt, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrAppointmentNotFound) {
			return nil, ErrNothingServing
		}
		return nil, err
	}
	return appt, nil
}

func (r *PgRepository) CancelWaiting(ctx context.Context, appointmentID, patientID uuid.UUID) (*Appointment, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE appointments
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND patient_id = $2 AND status = 'waiting'
		RETURNING `+appointmentColumns+`
	`, appointmentID, patientID)
	appt, err := scanAppointment(row)
	if err == nil {
		return appt, nil
	}
	if !errors.Is(err, ErrAppointmentNotFound) {
		return nil, err
	}

	// Distinguish a missing appointment from one that already left waiting.
	existing, getErr := r.GetAppointmentByID(ctx, appointmentID)
	if getErr != nil {
		return nil, getErr
	}
	if existing.PatientID != patientID {
		return nil, ErrAppointmentNotFound
	}
	return nil, ErrCannotCancel
}

func (r *PgRepository) FindIdleClinics(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	rows, err := r.db.Query(ctx, `
		SELECT c.id
		FROM clinics c
		WHERE c.total_tokens > 0
		  AND NOT EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.clinic_id = c.id AND a.status IN ('waiting', 'serving')
		  )
		  AND NOT EXISTS (
			SELECT 1 FROM appointments a
			WHERE a.clinic_id = c.id AND a.created_at >= $1
		  )
	`, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PgRepository) ResetQueue(ctx context.Context, clinicID uuid.UUID) error {
	return r.withClinicTx(ctx, clinicID, func(tx pgx.Tx, _ *Clinic) error {
		var active int
		err := tx.QueryRow(ctx, `
			SELECT COUNT(*)
			FROM appointments
			WHERE clinic_id = $1 AND status IN ('waiting', 'serving')
		`, clinicID).Scan(&active)
		if err != nil {
			return fmt.Errorf("check active before reset: %w", err)
		}
		if active > 0 {
			return ErrConcurrentConflict
		}

		// Move yesterday's finished rows out of the live table so numbering
		// genuinely restarts at 1. Every remaining row is terminal here.
		_, err = tx.Exec(ctx, `
			INSERT INTO appointments_history (id, clinic_id, patient_id, patient_name, token, status, created_at, updated_at)
			SELECT id, clinic_id, patient_id, patient_name, token, status, created_at, updated_at
			FROM appointments
			WHERE clinic_id = $1
		`, clinicID)
		if err != nil {
			return fmt.Errorf("archive finished appointments: %w", err)
		}

		_, err = tx.Exec(ctx, `
			DELETE FROM appointments
			WHERE clinic_id = $1
		`, clinicID)
		if err != nil {
			return fmt.Errorf("clear finished appointments: %w", err)
		}

		_, err = tx.Exec(ctx, `
			UPDATE clinics
			SET current_token = 0,
			    total_tokens  = 0,
			    updated_at    = now()
			WHERE id = $1
		`, clinicID)
		if err != nil {
			return fmt.Errorf("reset counters: %w", err)
		}
		return nil
	})
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO queue_events (event_type, clinic_id, appointment_id, payload, created_at)
		VALUES ($1, $2, $3, $4, COALESCE($5, now()))
	`, ev.EventType, ev.ClinicID, ev.AppointmentID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert queue event: %w", err)
	}
	return nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
