package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/medinexa/clinic-queue/internal/queue"
)

type BookAppointmentRequest struct {
	ClinicID string `json:"clinic_id"`
}

type AppointmentResponse struct {
	ID          uuid.UUID `json:"id"`
	ClinicID    uuid.UUID `json:"clinic_id"`
	PatientID   uuid.UUID `json:"patient_id"`
	PatientName string    `json:"patient_name"`
	Token       int       `json:"token"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
}

func toAppointmentResponse(a *queue.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:          a.ID,
		ClinicID:    a.ClinicID,
		PatientID:   a.PatientID,
		PatientName: a.PatientName,
		Token:       a.Token,
		Status:      string(a.Status),
		CreatedAt:   a.CreatedAt,
	}
}

type ClinicResponse struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Address           *string   `json:"address,omitempty"`
	Latitude          *float64  `json:"latitude,omitempty"`
	Longitude         *float64  `json:"longitude,omitempty"`
	Fees              int       `json:"fees"`
	AvgTimePerPatient int       `json:"avg_time_per_patient"`
	OpenTime          *string   `json:"open_time,omitempty"`
	CloseTime         *string   `json:"close_time,omitempty"`
	CurrentToken      int       `json:"current_token"`
	TotalTokens       int       `json:"total_tokens"`
	WaitingCount      int       `json:"waiting_count"`
	EstimatedWaitMins int       `json:"estimated_wait_mins"`
}

func toClinicResponse(info queue.ClinicQueueInfo) ClinicResponse {
	return ClinicResponse{
		ID:                info.ID,
		Name:              info.Name,
		Address:           info.Address,
		Latitude:          info.Latitude,
		Longitude:         info.Longitude,
		Fees:              info.Fees,
		AvgTimePerPatient: info.AvgTimePerPatient,
		OpenTime:          info.OpenTime,
		CloseTime:         info.CloseTime,
		CurrentToken:      info.CurrentToken,
		TotalTokens:       info.TotalTokens,
		WaitingCount:      info.WaitingCount,
		EstimatedWaitMins: queue.EstimatedQueueMinutes(info),
	}
}

type RegisterClinicRequest struct {
	Name              string   `json:"name"`
	Address           *string  `json:"address,omitempty"`
	Latitude          *float64 `json:"latitude,omitempty"`
	Longitude         *float64 `json:"longitude,omitempty"`
	Fees              int      `json:"fees"`
	AvgTimePerPatient int      `json:"avg_time_per_patient"`
	OpenTime          *string  `json:"open_time,omitempty"`
	CloseTime         *string  `json:"close_time,omitempty"`
}

type ClinicSettingsRequest struct {
	Fees              *int    `json:"fees,omitempty"`
	AvgTimePerPatient *int    `json:"avg_time_per_patient,omitempty"`
	OpenTime          *string `json:"open_time,omitempty"`
	CloseTime         *string `json:"close_time,omitempty"`
}

type ClinicBoardResponse struct {
	Clinic       ClinicResponse        `json:"clinic"`
	CurrentToken int                   `json:"current_token"`
	WaitingCount int                   `json:"waiting_count"`
	Appointments []AppointmentResponse `json:"appointments"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
