package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsync/appointment-engine/internal/appointment"
	"github.com/clinicsync/appointment-engine/internal/store"
	"github.com/clinicsync/appointment-engine/internal/view"
)

func newTestService(t *testing.T) (*Service, *store.MemStore) {
	t.Helper()
	st := store.NewMemStore()
	views := view.NewCoordinator(st, view.Config{
		BackoffBase: 5 * time.Millisecond,
		BackoffCap:  20 * time.Millisecond,
	}, zerolog.Nop())
	t.Cleanup(views.Close)
	return NewService(st, views, zerolog.Nop()), st
}

func patientActor() appointment.Actor {
	return appointment.Actor{ID: uuid.New(), Role: appointment.RolePatient}
}

func bookingReq(doctorID uuid.UUID) BookingRequest {
	date, _ := appointment.ParseDate("2024-05-01")
	return BookingRequest{
		DoctorID:      doctorID,
		ScheduledDate: date,
		ScheduledTime: appointment.TimeOfDay{Hour: 10},
		Location:      "Room 101",
	}
}

func TestBook(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	patient := patientActor()
	doctorID := uuid.New()

	t.Run("creates pending appointment owned by the actor", func(t *testing.T) {
		appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusPending, appt.Status)
		assert.Equal(t, patient.ID, appt.PatientID)
		assert.Equal(t, doctorID, appt.DoctorID)
		assert.Equal(t, int64(1), appt.Version)
		require.NotNil(t, appt.Location)
		assert.Equal(t, "Room 101", *appt.Location)
	})

	t.Run("rejects doctor actors", func(t *testing.T) {
		doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}
		_, err := svc.Book(ctx, doctor, bookingReq(uuid.New()))
		assert.ErrorIs(t, err, appointment.ErrForbidden)
	})

	t.Run("rejects missing doctor id", func(t *testing.T) {
		req := bookingReq(uuid.Nil)
		_, err := svc.Book(ctx, patient, req)
		assert.ErrorIs(t, err, appointment.ErrValidation)
	})

	t.Run("rejects missing date", func(t *testing.T) {
		req := bookingReq(doctorID)
		req.ScheduledDate = time.Time{}
		_, err := svc.Book(ctx, patient, req)
		assert.ErrorIs(t, err, appointment.ErrValidation)
	})
}

func TestChangeStatus(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	patient := patientActor()
	doctorID := uuid.New()
	doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}

	appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
	require.NoError(t, err)

	t.Run("doctor confirms pending", func(t *testing.T) {
		updated, err := svc.ChangeStatus(ctx, appt.ID, appointment.StatusConfirmed, doctor)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusConfirmed, updated.Status)
		assert.Equal(t, doctorID, updated.LastModifiedBy)
		assert.Greater(t, updated.Version, appt.Version)
	})

	t.Run("patient cannot confirm", func(t *testing.T) {
		other, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		_, err = svc.ChangeStatus(ctx, other.ID, appointment.StatusConfirmed, patient)
		assert.ErrorIs(t, err, appointment.ErrForbidden)
	})

	t.Run("terminal status rejects further transitions", func(t *testing.T) {
		updated, err := svc.ChangeStatus(ctx, appt.ID, appointment.StatusCompleted, doctor)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusCompleted, updated.Status)

		_, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusCancelled, patient)
		assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
	})

	t.Run("unknown appointment", func(t *testing.T) {
		_, err := svc.ChangeStatus(ctx, uuid.New(), appointment.StatusConfirmed, doctor)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("invalid target status", func(t *testing.T) {
		_, err := svc.ChangeStatus(ctx, appt.ID, appointment.Status("archived"), doctor)
		assert.ErrorIs(t, err, appointment.ErrValidation)
	})
}

func TestCancel(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	patient := patientActor()
	doctorID := uuid.New()
	doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}

	t.Run("patient removes pending appointment", func(t *testing.T) {
		appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(ctx, appt.ID, patient))
		_, err = svc.Get(ctx, appt.ID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("patient removes confirmed appointment", func(t *testing.T) {
		appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		_, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusConfirmed, doctor)
		require.NoError(t, err)
		require.NoError(t, svc.Cancel(ctx, appt.ID, patient))
	})

	t.Run("doctor cannot remove", func(t *testing.T) {
		appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		assert.ErrorIs(t, svc.Cancel(ctx, appt.ID, doctor), appointment.ErrForbidden)
	})

	t.Run("completed appointment stays as history", func(t *testing.T) {
		appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
		require.NoError(t, err)
		_, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusCompleted, doctor)
		require.NoError(t, err)

		err = svc.Cancel(ctx, appt.ID, patient)
		assert.ErrorIs(t, err, appointment.ErrInvalidTransition)

		got, err := svc.Get(ctx, appt.ID)
		require.NoError(t, err)
		assert.Equal(t, appointment.StatusCompleted, got.Status)
	})
}

// barrierStore delays writes until both racing callers have read the same
// record version, forcing a genuine optimistic race.
type barrierStore struct {
	store.Store
	barrier *sync.WaitGroup
}

func (b *barrierStore) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := b.Store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	b.barrier.Done()
	b.barrier.Wait()
	return appt, nil
}

func TestConcurrentChangeStatusExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemStore()

	var barrier sync.WaitGroup
	barrier.Add(2)
	st := &barrierStore{Store: mem, barrier: &barrier}

	views := view.NewCoordinator(mem, view.Config{}, zerolog.Nop())
	t.Cleanup(views.Close)
	svc := NewService(st, views, zerolog.Nop())

	patient := patientActor()
	doctorID := uuid.New()
	doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}

	date, _ := appointment.ParseDate("2024-05-01")
	id, err := mem.Create(ctx, &appointment.Appointment{
		PatientID:      patient.ID,
		DoctorID:       doctorID,
		ScheduledDate:  date,
		ScheduledTime:  appointment.TimeOfDay{Hour: 10},
		Status:         appointment.StatusPending,
		LastModifiedBy: patient.ID,
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	targets := []appointment.Status{appointment.StatusConfirmed, appointment.StatusCancelled}
	actors := []appointment.Actor{doctor, patient}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.ChangeStatus(ctx, id, targets[i], actors[i])
		}(i)
	}
	wg.Wait()

	var successes, conflicts int
	var winner appointment.Status
	for i, err := range errs {
		if err == nil {
			successes++
			winner = targets[i]
			continue
		}
		require.ErrorIs(t, err, store.ErrConflict, "loser must see a conflict, got %v", err)
		conflicts++
	}
	require.Equal(t, 1, successes, "exactly one concurrent transition succeeds")
	require.Equal(t, 1, conflicts, "the other receives a conflict")

	got, err := mem.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner, got.Status, "stored status equals the winner's target")
}

// Mirrors the full patient/doctor exchange: book, confirm, a forbidden
// confirm attempt, complete, then a cancel that must bounce off the
// terminal state.
func TestBookingLifecycleScenario(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	patient := patientActor()
	doctorID := uuid.New()
	doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}

	date, err := appointment.ParseDate("2024-05-01")
	require.NoError(t, err)
	tod, err := appointment.ParseTimeOfDay("10:00")
	require.NoError(t, err)

	appt, err := svc.Book(ctx, patient, BookingRequest{
		DoctorID:      doctorID,
		ScheduledDate: date,
		ScheduledTime: tod,
	})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusPending, appt.Status)

	appt, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusConfirmed, doctor)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, appt.Status)

	_, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusConfirmed, patient)
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)

	appt, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusCompleted, doctor)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCompleted, appt.Status)

	err = svc.Cancel(ctx, appt.ID, patient)
	assert.ErrorIs(t, err, appointment.ErrInvalidTransition)
}

func TestViewsObserveServiceMutations(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	patient := patientActor()
	doctorID := uuid.New()
	doctor := appointment.Actor{ID: doctorID, Role: appointment.RoleDoctor}

	patientView := svc.ViewForPatient(patient.ID)
	defer svc.CloseView(patientView)
	doctorView := svc.ViewForDoctor(doctorID)
	defer svc.CloseView(doctorView)

	appt, err := svc.Book(ctx, patient, bookingReq(doctorID))
	require.NoError(t, err)

	waitFor := func(h *view.Handle, want appointment.Status) {
		t.Helper()
		deadline := time.After(2 * time.Second)
		for {
			select {
			case u, ok := <-h.Updates():
				require.True(t, ok)
				if len(u.Appointments) == 1 && u.Appointments[0].Status == want {
					return
				}
			case <-deadline:
				t.Fatalf("view never observed status %s", want)
			}
		}
	}

	waitFor(patientView, appointment.StatusPending)
	waitFor(doctorView, appointment.StatusPending)

	// The doctor confirms; the patient's open view flips to confirmed
	// without any re-open or manual reload.
	_, err = svc.ChangeStatus(ctx, appt.ID, appointment.StatusConfirmed, doctor)
	require.NoError(t, err)

	waitFor(patientView, appointment.StatusConfirmed)
	waitFor(doctorView, appointment.StatusConfirmed)
}
