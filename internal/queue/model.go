package queue

import (
	"time"

	"github.com/google/uuid"
)

type AppointmentStatus string

const (
	StatusWaiting   AppointmentStatus = "waiting"
	StatusServing   AppointmentStatus = "serving"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
)

// ParseStatus rejects anything outside the canonical vocabulary. Earlier
// iterations of this system mixed "active"/"cancelled" with the four-state
// enum, so unknown values are treated as invalid rather than defaulted.
func ParseStatus(s string) (AppointmentStatus, bool) {
	switch AppointmentStatus(s) {
	case StatusWaiting, StatusServing, StatusCompleted, StatusCancelled:
		return AppointmentStatus(s), true
	}
	return "", false
}

// Terminal reports whether no further transition may leave the status.
func (s AppointmentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type Patient struct {
	ID        uuid.UUID
	Name      string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clinic is the queue state store for one clinic. CurrentToken and
// TotalTokens are only ever written inside the per-clinic transactions in the
// repository; CurrentToken <= TotalTokens holds in every committed state.
type Clinic struct {
	ID                uuid.UUID
	Name              string
	Address           *string
	Latitude          *float64
	Longitude         *float64
	Fees              int
	AvgTimePerPatient int // minutes, > 0
	OpenTime          *string
	CloseTime         *string
	CurrentToken      int
	TotalTokens       int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HoursConfigured reports whether both operating-hour fields are set.
// The original system treated a clinic with either field missing as closed.
func (c *Clinic) HoursConfigured() bool {
	return c.OpenTime != nil && *c.OpenTime != "" && c.CloseTime != nil && *c.CloseTime != ""
}

type Appointment struct {
	ID          uuid.UUID
	ClinicID    uuid.UUID
	PatientID   uuid.UUID
	PatientName string
	Token       int
	Status      AppointmentStatus
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ClinicSettings are the profile fields a clinic may edit. Nil means leave
// the field unchanged.
type ClinicSettings struct {
	Fees              *int
	AvgTimePerPatient *int
	OpenTime          *string
	CloseTime         *string
}

// ClinicQueueInfo is a clinic joined with its live waiting count, used by the
// patient-facing clinic list and its ranking.
type ClinicQueueInfo struct {
	Clinic
	WaitingCount int
}

type EventLog struct {
	ID            int64
	EventType     string
	ClinicID      *uuid.UUID
	AppointmentID *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}
