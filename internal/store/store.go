package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

var (
	ErrNotFound      = errors.New("appointment not found")
	ErrConflict      = errors.New("version conflict, record was modified concurrently")
	ErrUnavailable   = errors.New("store unavailable")
	ErrInvalidRecord = errors.New("invalid appointment record")
)

// QueryField selects which identity reference a query filters on. The set is
// closed so implementations can map fields to columns and channels safely.
type QueryField string

const (
	ByPatient QueryField = "patient_id"
	ByDoctor  QueryField = "doctor_id"
)

// Query describes one live result set: all appointments where Field equals
// Value, ordered by scheduled date then time.
type Query struct {
	Field QueryField
	Value uuid.UUID
}

// Channel is the change-notification channel name for this query.
func (q Query) Channel() string {
	switch q.Field {
	case ByDoctor:
		return "appt:doctor:" + q.Value.String()
	default:
		return "appt:patient:" + q.Value.String()
	}
}

// FieldDelta is a partial update. Nil pointers leave the stored value
// untouched. PatientID and DoctorID are deliberately absent: they are
// immutable after creation.
type FieldDelta struct {
	Status         *appointment.Status
	ScheduledDate  *time.Time
	ScheduledTime  *appointment.TimeOfDay
	Location       *string
	LastModifiedBy uuid.UUID
}

// SnapshotFunc receives the full ordered result set for a subscription.
// Called once on subscribe and again after every change to any matching
// record. Deliveries are idempotent; duplicates are harmless.
type SnapshotFunc func(snapshot []appointment.Appointment)

// ErrorFunc is called when a subscription can no longer deliver snapshots.
// The subscription is dead afterwards; the caller decides whether to
// resubscribe.
type ErrorFunc func(err error)

type Subscription interface {
	// Unsubscribe releases the subscription. Safe to call more than once.
	Unsubscribe()
}

// Store is the document-store contract the engine is written against.
// UpdateFields must be a compare-and-set on the record version: a stale
// expectedVersion yields ErrConflict, never a blind overwrite.
type Store interface {
	Create(ctx context.Context, appt *appointment.Appointment) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	UpdateFields(ctx context.Context, id uuid.UUID, delta FieldDelta, expectedVersion int64) (*appointment.Appointment, error)
	Delete(ctx context.Context, id uuid.UUID) error
	Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error)
}

func validateRecord(appt *appointment.Appointment) error {
	if appt.PatientID == uuid.Nil {
		return fmt.Errorf("%w: missing patient id", ErrInvalidRecord)
	}
	if appt.DoctorID == uuid.Nil {
		return fmt.Errorf("%w: missing doctor id", ErrInvalidRecord)
	}
	if !appt.Status.Valid() {
		return fmt.Errorf("%w: bad status %q", ErrInvalidRecord, appt.Status)
	}
	if appt.ScheduledDate.IsZero() {
		return fmt.Errorf("%w: missing scheduled date", ErrInvalidRecord)
	}
	return nil
}

// nextModified keeps LastModifiedAt strictly increasing even when the wall
// clock does not move between two accepted writes.
func nextModified(now, prev time.Time) time.Time {
	if !now.After(prev) {
		return prev.Add(time.Microsecond)
	}
	return now
}
