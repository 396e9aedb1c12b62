package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/appointment"
	"github.com/clinicsync/appointment-engine/internal/store"
	"github.com/clinicsync/appointment-engine/internal/view"
)

// Service is the façade other collaborators call. Lifecycle rules live in
// the appointment package, propagation in the view coordinator; the service
// sequences them and talks to the store.
type Service struct {
	store  store.Store
	views  *view.Coordinator
	logger zerolog.Logger
}

func NewService(st store.Store, views *view.Coordinator, logger zerolog.Logger) *Service {
	return &Service{
		store:  st,
		views:  views,
		logger: logger.With().Str("component", "appointment-service").Logger(),
	}
}

// BookingRequest carries the patient-supplied fields of a new appointment.
type BookingRequest struct {
	DoctorID      uuid.UUID
	ScheduledDate time.Time
	ScheduledTime appointment.TimeOfDay
	Location      string
}

// Book creates a Pending appointment for the acting patient. Open views for
// the patient and the doctor observe the new record through their
// subscriptions; no manual refresh is involved.
func (s *Service) Book(ctx context.Context, actor appointment.Actor, req BookingRequest) (*appointment.Appointment, error) {
	if err := appointment.AuthorizeBooking(actor); err != nil {
		return nil, err
	}
	if req.DoctorID == uuid.Nil {
		return nil, fmt.Errorf("%w: doctor id is required", appointment.ErrValidation)
	}
	if req.ScheduledDate.IsZero() {
		return nil, fmt.Errorf("%w: scheduled date is required", appointment.ErrValidation)
	}

	appt := &appointment.Appointment{
		PatientID:      actor.ID,
		DoctorID:       req.DoctorID,
		ScheduledDate:  req.ScheduledDate,
		ScheduledTime:  req.ScheduledTime,
		Status:         appointment.StatusPending,
		LastModifiedBy: actor.ID,
	}
	if req.Location != "" {
		loc := req.Location
		appt.Location = &loc
	}

	id, err := s.store.Create(ctx, appt)
	if err != nil {
		return nil, fmt.Errorf("book appointment: %w", err)
	}

	created, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load booked appointment: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("patient_id", actor.ID.String()).
		Str("doctor_id", req.DoctorID.String()).
		Msg("appointment booked")
	return created, nil
}

// ChangeStatus applies one lifecycle transition on behalf of actor. Checks
// run in a fixed order: transition validity, then authorization, then the
// compare-and-set write. A lost optimistic race surfaces as
// store.ErrConflict; the caller re-reads and decides, the engine never
// retries or merges on its own.
func (s *Service) ChangeStatus(ctx context.Context, id uuid.UUID, target appointment.Status, actor appointment.Actor) (*appointment.Appointment, error) {
	if !target.Valid() {
		return nil, fmt.Errorf("%w: bad status %q", appointment.ErrValidation, target)
	}

	appt, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}

	if !appointment.CanTransition(appt.Status, target) {
		return nil, fmt.Errorf("%w: %s -> %s", appointment.ErrInvalidTransition, appt.Status, target)
	}
	if err := appointment.Authorize(actor, appt, target); err != nil {
		return nil, err
	}

	delta := store.FieldDelta{Status: &target, LastModifiedBy: actor.ID}
	updated, err := s.store.UpdateFields(ctx, id, delta, appt.Version)
	if err != nil {
		return nil, fmt.Errorf("apply transition %s -> %s: %w", appt.Status, target, err)
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("actor_id", actor.ID.String()).
		Str("from", string(appt.Status)).
		Str("to", string(target)).
		Msg("status changed")
	return updated, nil
}

// Cancel removes an appointment entirely. Only the booking patient may do
// this, and only while the record is still Pending or Confirmed; finalized
// appointments stay as history.
func (s *Service) Cancel(ctx context.Context, id uuid.UUID, actor appointment.Actor) error {
	appt, err := s.store.GetByID(ctx, id)
	if err != nil {
		return fmt.Errorf("load appointment: %w", err)
	}

	if !appointment.Deletable(appt.Status) {
		return fmt.Errorf("%w: cannot remove a %s appointment", appointment.ErrInvalidTransition, appt.Status)
	}
	if err := appointment.AuthorizeDelete(actor, appt); err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("remove appointment: %w", err)
	}

	s.logger.Info().
		Str("appointment_id", id.String()).
		Str("actor_id", actor.ID.String()).
		Msg("appointment cancelled and removed")
	return nil
}

// Get loads a single appointment.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return s.store.GetByID(ctx, id)
}

// ViewForPatient opens a live view of every appointment booked by the
// patient, ordered by scheduled date and time.
func (s *Service) ViewForPatient(patientID uuid.UUID) *view.Handle {
	return s.views.OpenView(patientID, store.Query{Field: store.ByPatient, Value: patientID})
}

// ViewForDoctor opens a live view of every appointment assigned to the
// doctor.
func (s *Service) ViewForDoctor(doctorID uuid.UUID) *view.Handle {
	return s.views.OpenView(doctorID, store.Query{Field: store.ByDoctor, Value: doctorID})
}

// CloseView releases a handle obtained from ViewForPatient or ViewForDoctor.
func (s *Service) CloseView(h *view.Handle) {
	s.views.CloseView(h)
}
