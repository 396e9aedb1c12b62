package api

import (
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

type BookAppointmentRequest struct {
	DoctorID string `json:"doctor_id"`
	Date     string `json:"date"` // YYYY-MM-DD
	Time     string `json:"time"` // HH:MM
	Location string `json:"location,omitempty"`
}

type ChangeStatusRequest struct {
	Status string `json:"status"`
}

type AppointmentResponse struct {
	ID             uuid.UUID `json:"id"`
	PatientID      uuid.UUID `json:"patient_id"`
	DoctorID       uuid.UUID `json:"doctor_id"`
	Date           string    `json:"date"`
	Time           string    `json:"time"`
	Location       *string   `json:"location,omitempty"`
	Status         string    `json:"status"`
	Version        int64     `json:"version"`
	CreatedAt      time.Time `json:"created_at"`
	LastModifiedAt time.Time `json:"last_modified_at"`
	LastModifiedBy uuid.UUID `json:"last_modified_by"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	return AppointmentResponse{
		ID:             a.ID,
		PatientID:      a.PatientID,
		DoctorID:       a.DoctorID,
		Date:           a.ScheduledDate.Format("2006-01-02"),
		Time:           a.ScheduledTime.String(),
		Location:       a.Location,
		Status:         string(a.Status),
		Version:        a.Version,
		CreatedAt:      a.CreatedAt,
		LastModifiedAt: a.LastModifiedAt,
		LastModifiedBy: a.LastModifiedBy,
	}
}

func toSnapshotResponse(appts []appointment.Appointment) []AppointmentResponse {
	out := make([]AppointmentResponse, 0, len(appts))
	for i := range appts {
		out = append(out, toAppointmentResponse(&appts[i]))
	}
	return out
}
