package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medinexa/clinic-queue/internal/queue"
)

var errNotStubbed = errors.New("not stubbed")

// stubRepo lets each test plug in just the repository calls its route hits.
type stubRepo struct {
	getPatient  func(ctx context.Context, id uuid.UUID) (*queue.Patient, error)
	getClinic   func(ctx context.Context, id uuid.UUID) (*queue.Clinic, error)
	booking     func(ctx context.Context, clinicID, patientID uuid.UUID, name string) (*queue.Appointment, error)
	promote     func(ctx context.Context, clinicID uuid.UUID) (*queue.Appointment, error)
	complete    func(ctx context.Context, clinicID uuid.UUID) (*queue.Appointment, error)
	cancel      func(ctx context.Context, appointmentID, patientID uuid.UUID) (*queue.Appointment, error)
	listClinics func(ctx context.Context) ([]queue.ClinicQueueInfo, error)
}

func (s *stubRepo) GetPatientByID(ctx context.Context, id uuid.UUID) (*queue.Patient, error) {
	if s.getPatient == nil {
		return nil, errNotStubbed
	}
	return s.getPatient(ctx, id)
}

func (s *stubRepo) GetClinicByID(ctx context.Context, id uuid.UUID) (*queue.Clinic, error) {
	if s.getClinic == nil {
		return nil, errNotStubbed
	}
	return s.getClinic(ctx, id)
}

func (s *stubRepo) CreateClinic(ctx context.Context, c *queue.Clinic) (*queue.Clinic, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) UpdateClinicSettings(ctx context.Context, id uuid.UUID, set queue.ClinicSettings) (*queue.Clinic, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) ListClinicsWithQueue(ctx context.Context) ([]queue.ClinicQueueInfo, error) {
	if s.listClinics == nil {
		return nil, errNotStubbed
	}
	return s.listClinics(ctx)
}

func (s *stubRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*queue.Appointment, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) GetActiveAppointment(ctx context.Context, clinicID, patientID uuid.UUID) (*queue.Appointment, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) ListClinicAppointments(ctx context.Context, clinicID uuid.UUID) ([]queue.Appointment, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) ListPatientAppointments(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]queue.Appointment, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) CountWaiting(ctx context.Context, clinicID uuid.UUID) (int, error) {
	return 0, errNotStubbed
}

func (s *stubRepo) CreateBooking(ctx context.Context, clinicID, patientID uuid.UUID, name string) (*queue.Appointment, error) {
	if s.booking == nil {
		return nil, errNotStubbed
	}
	return s.booking(ctx, clinicID, patientID, name)
}

func (s *stubRepo) PromoteNextWaiting(ctx context.Context, clinicID uuid.UUID) (*queue.Appointment, error) {
	if s.promote == nil {
		return nil, errNotStubbed
	}
	return s.promote(ctx, clinicID)
}

func (s *stubRepo) CompleteServing(ctx context.Context, clinicID uuid.UUID) (*queue.Appointment, error) {
	if s.complete == nil {
		return nil, errNotStubbed
	}
	return s.complete(ctx, clinicID)
}

func (s *stubRepo) CancelWaiting(ctx context.Context, appointmentID, patientID uuid.UUID) (*queue.Appointment, error) {
	if s.cancel == nil {
		return nil, errNotStubbed
	}
	return s.cancel(ctx, appointmentID, patientID)
}

func (s *stubRepo) FindIdleClinics(ctx context.Context, before time.Time) ([]uuid.UUID, error) {
	return nil, errNotStubbed
}

func (s *stubRepo) ResetQueue(ctx context.Context, clinicID uuid.UUID) error {
	return errNotStubbed
}

func (s *stubRepo) InsertEvent(ctx context.Context, ev queue.EventLog) error {
	return nil
}

var _ queue.Repository = (*stubRepo)(nil)

type passLocker struct{}

func (passLocker) WithClinicLock(ctx context.Context, clinicID uuid.UUID, fn func(ctx context.Context) error) error {
	return fn(ctx)
}

func strPtr(s string) *string { return &s }

func openClinic(id uuid.UUID) *queue.Clinic {
	return &queue.Clinic{
		ID:                id,
		Name:              "City Health Centre",
		Fees:              300,
		AvgTimePerPatient: 10,
		OpenTime:          strPtr("09:00"),
		CloseTime:         strPtr("18:00"),
	}
}

func newTestRouter(t *testing.T, repo queue.Repository) http.Handler {
	t.Helper()
	svc := queue.NewService(repo, passLocker{}, zerolog.Nop()).
		WithClock(func() time.Time {
			return time.Date(2025, 6, 2, 12, 0, 0, 0, time.UTC)
		})
	return NewRouter(RouterConfig{
		Service:   svc,
		JWTSecret: testSecret,
		Logger:    zerolog.Nop(),
		Env:       "test",
		Version:   "test",
	})
}

func doAPI(handler http.Handler, method, path, bearer string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRoutesRequireAuthentication(t *testing.T) {
	router := newTestRouter(t, &stubRepo{})

	rec := doAPI(router, http.MethodGet, "/clinics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestPatientCannotReachClinicRoutes(t *testing.T) {
	router := newTestRouter(t, &stubRepo{})
	patientToken := mintTestToken(t, testSecret, uuid.NewString(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodPost, "/clinic/queue/call-next", patientToken, nil)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestBookAppointment(t *testing.T) {
	clinicID := uuid.New()
	patientID := uuid.New()
	apptID := uuid.New()

	repo := &stubRepo{
		getPatient: func(ctx context.Context, id uuid.UUID) (*queue.Patient, error) {
			return &queue.Patient{ID: id, Name: "Asha Rao"}, nil
		},
		getClinic: func(ctx context.Context, id uuid.UUID) (*queue.Clinic, error) {
			return openClinic(id), nil
		},
		booking: func(ctx context.Context, cID, pID uuid.UUID, name string) (*queue.Appointment, error) {
			return &queue.Appointment{
				ID: apptID, ClinicID: cID, PatientID: pID,
				PatientName: name, Token: 7, Status: queue.StatusWaiting,
			}, nil
		},
	}
	router := newTestRouter(t, repo)
	token := mintTestToken(t, testSecret, patientID.String(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodPost, "/appointments", token,
		BookAppointmentRequest{ClinicID: clinicID.String()})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp AppointmentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, apptID, resp.ID)
	assert.Equal(t, 7, resp.Token)
	assert.Equal(t, "waiting", resp.Status)
	assert.Equal(t, "Asha Rao", resp.PatientName)
}

func TestBookAppointmentClinicClosed(t *testing.T) {
	repo := &stubRepo{
		getPatient: func(ctx context.Context, id uuid.UUID) (*queue.Patient, error) {
			return &queue.Patient{ID: id, Name: "Asha Rao"}, nil
		},
		getClinic: func(ctx context.Context, id uuid.UUID) (*queue.Clinic, error) {
			c := openClinic(id)
			c.OpenTime, c.CloseTime = nil, nil
			return c, nil
		},
	}
	router := newTestRouter(t, repo)
	token := mintTestToken(t, testSecret, uuid.NewString(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodPost, "/appointments", token,
		BookAppointmentRequest{ClinicID: uuid.NewString()})
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "clinic_closed", resp.Error)
}

func TestBookAppointmentBadClinicID(t *testing.T) {
	router := newTestRouter(t, &stubRepo{})
	token := mintTestToken(t, testSecret, uuid.NewString(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodPost, "/appointments", token,
		BookAppointmentRequest{ClinicID: "not-a-uuid"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCallNextEmptyQueue(t *testing.T) {
	clinicID := uuid.New()
	repo := &stubRepo{
		getClinic: func(ctx context.Context, id uuid.UUID) (*queue.Clinic, error) {
			return openClinic(id), nil
		},
		promote: func(ctx context.Context, id uuid.UUID) (*queue.Appointment, error) {
			return nil, queue.ErrQueueEmpty
		},
	}
	router := newTestRouter(t, repo)
	token := mintTestToken(t, testSecret, clinicID.String(), RoleClinic, time.Hour)

	rec := doAPI(router, http.MethodPost, "/clinic/queue/call-next", token, nil)
	require.Equal(t, http.StatusConflict, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "queue_empty", resp.Error)
}

func TestCancelAppointmentNotFound(t *testing.T) {
	repo := &stubRepo{
		cancel: func(ctx context.Context, apptID, patientID uuid.UUID) (*queue.Appointment, error) {
			return nil, queue.ErrAppointmentNotFound
		},
	}
	router := newTestRouter(t, repo)
	token := mintTestToken(t, testSecret, uuid.NewString(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodPost, "/appointments/"+uuid.NewString()+"/cancel", token, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListClinicsIncludesWaitEstimate(t *testing.T) {
	repo := &stubRepo{
		listClinics: func(ctx context.Context) ([]queue.ClinicQueueInfo, error) {
			return []queue.ClinicQueueInfo{{
				Clinic:       *openClinic(uuid.New()),
				WaitingCount: 4,
			}}, nil
		},
	}
	router := newTestRouter(t, repo)
	token := mintTestToken(t, testSecret, uuid.NewString(), RolePatient, time.Hour)

	rec := doAPI(router, http.MethodGet, "/clinics", token, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp []ClinicResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, 4, resp[0].WaitingCount)
	assert.Equal(t, 40, resp[0].EstimatedWaitMins)
}

func TestWriteQueueErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{queue.ErrClinicNotFound, http.StatusNotFound, "clinic_not_found"},
		{queue.ErrPatientNotFound, http.StatusNotFound, "patient_not_found"},
		{queue.ErrAppointmentNotFound, http.StatusNotFound, "appointment_not_found"},
		{queue.ErrClinicClosed, http.StatusConflict, "clinic_closed"},
		{queue.ErrAlreadyBooked, http.StatusConflict, "already_booked"},
		{queue.ErrQueueEmpty, http.StatusConflict, "queue_empty"},
		{queue.ErrPatientAlreadyServing, http.StatusConflict, "patient_already_serving"},
		{queue.ErrNothingServing, http.StatusConflict, "nothing_serving"},
		{queue.ErrCannotCancel, http.StatusConflict, "cannot_cancel"},
		{queue.ErrConcurrentConflict, http.StatusConflict, "queue_busy"},
		{errors.New("boom"), http.StatusInternalServerError, "internal_error"},
	}

	for _, tc := range tests {
		t.Run(tc.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeQueueError(rec, tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var resp ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Error)
		})
	}
}
