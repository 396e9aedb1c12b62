package appointment

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusConfirmed Status = "confirmed"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// ParseStatus accepts any casing and returns the canonical lowercase value.
// The store only ever sees canonical values.
func ParseStatus(s string) (Status, error) {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusPending:
		return StatusPending, nil
	case StatusConfirmed:
		return StatusConfirmed, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("%w: unknown status %q", ErrValidation, s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusCompleted, StatusCancelled:
		return true
	}
	return false
}

type Role string

const (
	RolePatient Role = "patient"
	RoleDoctor  Role = "doctor"
)

func ParseRole(s string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RolePatient:
		return RolePatient, nil
	case RoleDoctor:
		return RoleDoctor, nil
	}
	return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
}

// Actor is the identity performing an operation, supplied by the
// authentication collaborator and trusted as-is.
type Actor struct {
	ID   uuid.UUID
	Role Role
}

// TimeOfDay is a wall-clock time with minute precision. The external
// representation is always "HH:MM".
type TimeOfDay struct {
	Hour   int
	Minute int
}

func ParseTimeOfDay(s string) (TimeOfDay, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return TimeOfDay{}, fmt.Errorf("%w: time must be HH:MM, got %q", ErrValidation, s)
	}
	return TimeOfDay{Hour: t.Hour(), Minute: t.Minute()}, nil
}

func (t TimeOfDay) String() string {
	return fmt.Sprintf("%02d:%02d", t.Hour, t.Minute)
}

func (t TimeOfDay) Minutes() int {
	return t.Hour*60 + t.Minute
}

// ParseDate parses a calendar date in YYYY-MM-DD form, normalized to
// midnight UTC so date comparisons are exact.
func ParseDate(s string) (time.Time, error) {
	d, err := time.Parse("2006-01-02", strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date must be YYYY-MM-DD, got %q", ErrValidation, s)
	}
	return d.UTC(), nil
}

// Appointment is the one shared mutable record in the system. PatientID and
// DoctorID never change after creation; Version increases by one with every
// accepted write and is the optimistic concurrency token.
type Appointment struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	DoctorID       uuid.UUID
	ScheduledDate  time.Time
	ScheduledTime  TimeOfDay
	Location       *string
	Status         Status
	Version        int64
	CreatedAt      time.Time
	LastModifiedAt time.Time
	LastModifiedBy uuid.UUID
}

// Before orders appointments by scheduled date, then time of day.
func (a *Appointment) Before(other *Appointment) bool {
	if !a.ScheduledDate.Equal(other.ScheduledDate) {
		return a.ScheduledDate.Before(other.ScheduledDate)
	}
	return a.ScheduledTime.Minutes() < other.ScheduledTime.Minutes()
}
