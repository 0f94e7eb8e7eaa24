package queue

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var clinicCols = []string{
	"id", "name", "address", "latitude", "longitude", "fees", "avg_time_per_patient",
	"open_time", "close_time", "current_token", "total_tokens", "created_at", "updated_at",
}

var appointmentCols = []string{
	"id", "clinic_id", "patient_id", "patient_name", "token", "status", "created_at", "updated_at",
}

func clinicRow(id uuid.UUID, currentToken, totalTokens int) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(clinicCols).
		AddRow(id, "Test Clinic", nil, nil, nil, 300, 10, nil, nil, currentToken, totalTokens, now, now)
}

func appointmentRow(id, clinicID, patientID uuid.UUID, token int, status AppointmentStatus) *pgxmock.Rows {
	now := time.Now()
	return pgxmock.NewRows(appointmentCols).
		AddRow(id, clinicID, patientID, "Asha Rao", token, status, now, now)
}

func newMockRepo(t *testing.T) (pgxmock.PgxPoolIface, *PgRepository) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock, NewPgRepository(mock)
}

func TestCreateBookingAssignsNextToken(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()
	patientID := uuid.New()

	// Token comes off the locked clinic row's counter, not a row count.
	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 2, 4))
	mock.ExpectQuery("status IN").WithArgs(clinicID, patientID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), clinicID, patientID, "Asha Rao", 5).
		WillReturnRows(appointmentRow(uuid.New(), clinicID, patientID, 5, StatusWaiting))
	mock.ExpectExec("UPDATE clinics").WithArgs(clinicID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	appt, err := repo.CreateBooking(context.Background(), clinicID, patientID, "Asha Rao")
	require.NoError(t, err)
	assert.Equal(t, 5, appt.Token)
	assert.Equal(t, StatusWaiting, appt.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingDuplicateGuard(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()
	patientID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 0, 1))
	mock.ExpectQuery("status IN").WithArgs(clinicID, patientID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := repo.CreateBooking(context.Background(), clinicID, patientID, "Asha Rao")
	assert.ErrorIs(t, err, ErrAlreadyBooked)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateBookingMissingClinic(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.CreateBooking(context.Background(), clinicID, uuid.New(), "Asha Rao")
	assert.ErrorIs(t, err, ErrClinicNotFound)
}

func TestCreateBookingUniqueIndexRace(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()
	patientID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 0, 0))
	mock.ExpectQuery("status IN").WithArgs(clinicID, patientID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("INSERT INTO appointments").
		WithArgs(pgxmock.AnyArg(), clinicID, patientID, "Asha Rao", 1).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_token_unique_active"})
	mock.ExpectRollback()

	_, err := repo.CreateBooking(context.Background(), clinicID, patientID, "Asha Rao")
	assert.ErrorIs(t, err, ErrConcurrentConflict)
}

func TestPromoteNextWaitingEmptyQueue(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 0, 0))
	mock.ExpectQuery("status = 'serving'").WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("status = 'waiting'").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)
	mock.ExpectRollback()

	_, err := repo.PromoteNextWaiting(context.Background(), clinicID)
	assert.ErrorIs(t, err, ErrQueueEmpty)
}

func TestPromoteNextWaitingBlockedByServing(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 1, 3))
	mock.ExpectQuery("status = 'serving'").WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	_, err := repo.PromoteNextWaiting(context.Background(), clinicID)
	assert.ErrorIs(t, err, ErrPatientAlreadyServing)
}

func TestPromoteNextWaitingHappyPath(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()
	apptID := uuid.New()
	patientID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 2, 5))
	mock.ExpectQuery("status = 'serving'").WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("status = 'waiting'").WithArgs(clinicID).
		WillReturnRows(appointmentRow(apptID, clinicID, patientID, 3, StatusWaiting))
	mock.ExpectQuery("UPDATE appointments").WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, clinicID, patientID, 3, StatusServing))
	mock.ExpectExec("UPDATE clinics").WithArgs(clinicID, 3).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	appt, err := repo.PromoteNextWaiting(context.Background(), clinicID)
	require.NoError(t, err)
	assert.Equal(t, 3, appt.Token)
	assert.Equal(t, StatusServing, appt.Status)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCompleteServingNothingInProgress(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectQuery("UPDATE appointments").WithArgs(clinicID).WillReturnError(pgx.ErrNoRows)

	_, err := repo.CompleteServing(context.Background(), clinicID)
	assert.ErrorIs(t, err, ErrNothingServing)
}

func TestCancelWaitingAlreadyCalled(t *testing.T) {
	mock, repo := newMockRepo(t)
	apptID := uuid.New()
	clinicID := uuid.New()
	patientID := uuid.New()

	// The conditional update misses because the row is already serving.
	mock.ExpectQuery("UPDATE appointments").WithArgs(apptID, patientID).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM appointments").WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, clinicID, patientID, 1, StatusServing))

	_, err := repo.CancelWaiting(context.Background(), apptID, patientID)
	assert.ErrorIs(t, err, ErrCannotCancel)
}

func TestCancelWaitingForeignAppointment(t *testing.T) {
	mock, repo := newMockRepo(t)
	apptID := uuid.New()
	clinicID := uuid.New()
	owner := uuid.New()
	stranger := uuid.New()

	mock.ExpectQuery("UPDATE appointments").WithArgs(apptID, stranger).
		WillReturnError(pgx.ErrNoRows)
	mock.ExpectQuery("FROM appointments").WithArgs(apptID).
		WillReturnRows(appointmentRow(apptID, clinicID, owner, 1, StatusWaiting))

	_, err := repo.CancelWaiting(context.Background(), apptID, stranger)
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}

func TestResetQueueArchivesFinishedRows(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 3, 3))
	mock.ExpectQuery("status IN").WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO appointments_history").WithArgs(clinicID).
		WillReturnResult(pgxmock.NewResult("INSERT", 3))
	mock.ExpectExec("DELETE FROM appointments").WithArgs(clinicID).
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec("UPDATE clinics").WithArgs(clinicID).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectCommit()

	err := repo.ResetQueue(context.Background(), clinicID)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestResetQueueBlockedByLiveQueue(t *testing.T) {
	mock, repo := newMockRepo(t)
	clinicID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery("FROM clinics").WithArgs(clinicID).WillReturnRows(clinicRow(clinicID, 1, 2))
	mock.ExpectQuery("status IN").WithArgs(clinicID).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectRollback()

	err := repo.ResetQueue(context.Background(), clinicID)
	assert.ErrorIs(t, err, ErrConcurrentConflict)
}

func TestMapPgErrorSerializationFailure(t *testing.T) {
	err := mapPgError(&pgconn.PgError{Code: "40001"})
	assert.ErrorIs(t, err, ErrConcurrentConflict)

	err = mapPgError(&pgconn.PgError{Code: "23505", ConstraintName: "appointments_one_active_per_patient"})
	assert.ErrorIs(t, err, ErrAlreadyBooked)

	err = mapPgError(&pgconn.PgError{Code: "23503"})
	assert.NotErrorIs(t, err, ErrConcurrentConflict)
}
