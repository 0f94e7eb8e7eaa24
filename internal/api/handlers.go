package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/medinexa/clinic-queue/internal/queue"
)

// Patient endpoints

func listClinicsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var origin *queue.GeoPoint
		latStr := r.URL.Query().Get("lat")
		lngStr := r.URL.Query().Get("lng")
		if latStr != "" && lngStr != "" {
			lat, latErr := strconv.ParseFloat(latStr, 64)
			lng, lngErr := strconv.ParseFloat(lngStr, 64)
			if latErr != nil || lngErr != nil {
				writeError(w, http.StatusBadRequest, "invalid_location", "lat and lng must be decimal degrees")
				return
			}
			origin = &queue.GeoPoint{Latitude: lat, Longitude: lng}
		}

		clinics, err := svc.ListClinics(r.Context(), origin)
		if err != nil {
			writeQueueError(w, err)
			return
		}

		resp := make([]ClinicResponse, 0, len(clinics))
		for _, c := range clinics {
			resp = append(resp, toClinicResponse(c))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func bookAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		var req BookAppointmentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinicID, err := uuid.Parse(req.ClinicID)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_clinic_id", "clinic_id must be a valid UUID")
			return
		}

		appt, err := svc.Book(r.Context(), clinicID, actor.ID)
		recordOp("book", err)
		if err != nil {
			writeQueueError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, toAppointmentResponse(appt))
	}
}

func listMyAppointmentsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

		appts, err := svc.ListPatientAppointments(r.Context(), actor.ID, limit, offset)
		if err != nil {
			writeQueueError(w, err)
			return
		}

		resp := make([]AppointmentResponse, 0, len(appts))
		for i := range appts {
			resp = append(resp, toAppointmentResponse(&appts[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func waitEstimateHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		est, err := svc.EstimateWait(r.Context(), id, actor.ID)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, est)
	}
}

func cancelAppointmentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		id, err := uuid.Parse(chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid_appointment_id", "id must be a valid UUID")
			return
		}

		appt, err := svc.Cancel(r.Context(), id, actor.ID)
		recordOp("cancel", err)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

// Clinic endpoints

func registerClinicHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		var req RegisterClinicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}
		if req.Name == "" {
			writeError(w, http.StatusBadRequest, "invalid_name", "name is required")
			return
		}

		clinic, err := svc.RegisterClinic(r.Context(), &queue.Clinic{
			ID:                actor.ID,
			Name:              req.Name,
			Address:           req.Address,
			Latitude:          req.Latitude,
			Longitude:         req.Longitude,
			Fees:              req.Fees,
			AvgTimePerPatient: req.AvgTimePerPatient,
			OpenTime:          req.OpenTime,
			CloseTime:         req.CloseTime,
		})
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toClinicResponse(queue.ClinicQueueInfo{Clinic: *clinic}))
	}
}

func clinicBoardHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		board, err := svc.GetClinicBoard(r.Context(), actor.ID)
		if err != nil {
			writeQueueError(w, err)
			return
		}

		resp := ClinicBoardResponse{
			Clinic: toClinicResponse(queue.ClinicQueueInfo{
				Clinic:       *board.Clinic,
				WaitingCount: board.WaitingCount,
			}),
			CurrentToken: board.Clinic.CurrentToken,
			WaitingCount: board.WaitingCount,
		}
		resp.Appointments = make([]AppointmentResponse, 0, len(board.Appointments))
		for i := range board.Appointments {
			resp.Appointments = append(resp.Appointments, toAppointmentResponse(&board.Appointments[i]))
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func callNextHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		appt, err := svc.CallNext(r.Context(), actor.ID)
		recordOp("call_next", err)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func completeCurrentHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		appt, err := svc.CompleteCurrent(r.Context(), actor.ID)
		recordOp("complete", err)
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
	}
}

func updateSettingsHandler(svc *queue.Service) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, _ := ActorFromContext(r.Context())

		var req ClinicSettingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return
		}

		clinic, err := svc.UpdateClinicSettings(r.Context(), actor.ID, queue.ClinicSettings{
			Fees:              req.Fees,
			AvgTimePerPatient: req.AvgTimePerPatient,
			OpenTime:          req.OpenTime,
			CloseTime:         req.CloseTime,
		})
		if err != nil {
			writeQueueError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toClinicResponse(queue.ClinicQueueInfo{Clinic: *clinic}))
	}
}

// writeQueueError maps domain errors to HTTP responses. Business-rule
// rejections are 409s with actionable messages; lost races that exhausted
// their retries surface as a generic retry hint.
func writeQueueError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, queue.ErrClinicNotFound):
		writeError(w, http.StatusNotFound, "clinic_not_found", err.Error())
	case errors.Is(err, queue.ErrPatientNotFound):
		writeError(w, http.StatusNotFound, "patient_not_found", err.Error())
	case errors.Is(err, queue.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, queue.ErrClinicClosed):
		writeError(w, http.StatusConflict, "clinic_closed", err.Error())
	case errors.Is(err, queue.ErrAlreadyBooked):
		writeError(w, http.StatusConflict, "already_booked", err.Error())
	case errors.Is(err, queue.ErrQueueEmpty):
		writeError(w, http.StatusConflict, "queue_empty", err.Error())
	case errors.Is(err, queue.ErrPatientAlreadyServing):
		writeError(w, http.StatusConflict, "patient_already_serving", err.Error())
	case errors.Is(err, queue.ErrNothingServing):
		writeError(w, http.StatusConflict, "nothing_serving", err.Error())
	case errors.Is(err, queue.ErrCannotCancel):
		writeError(w, http.StatusConflict, "cannot_cancel", err.Error())
	case errors.Is(err, queue.ErrConcurrentConflict):
		writeError(w, http.StatusConflict, "queue_busy", "the queue is busy, please try again")
	default:
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
