package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

func newTestRecord(patientID, doctorID uuid.UUID, date string, tod appointment.TimeOfDay) *appointment.Appointment {
	d, _ := appointment.ParseDate(date)
	return &appointment.Appointment{
		PatientID:      patientID,
		DoctorID:       doctorID,
		ScheduledDate:  d,
		ScheduledTime:  tod,
		Status:         appointment.StatusPending,
		LastModifiedBy: patientID,
	}
}

func TestMemStoreCreateAndGet(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	patientID, doctorID := uuid.New(), uuid.New()

	id, err := m.Create(ctx, newTestRecord(patientID, doctorID, "2024-05-01", appointment.TimeOfDay{Hour: 10}))
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, id)

	got, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, patientID, got.PatientID)
	assert.Equal(t, appointment.StatusPending, got.Status)
	assert.Equal(t, int64(1), got.Version)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestMemStoreCreateRejectsInvalidRecord(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	rec := newTestRecord(uuid.Nil, uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10})
	_, err := m.Create(ctx, rec)
	assert.ErrorIs(t, err, ErrInvalidRecord)

	rec = newTestRecord(uuid.New(), uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10})
	rec.Status = "Pendiente"
	_, err = m.Create(ctx, rec)
	assert.ErrorIs(t, err, ErrInvalidRecord)
}

func TestMemStoreGetByIDNotFound(t *testing.T) {
	m := NewMemStore()
	_, err := m.GetByID(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreUpdateFieldsCAS(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	id, err := m.Create(ctx, newTestRecord(uuid.New(), uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10}))
	require.NoError(t, err)

	confirmed := appointment.StatusConfirmed
	updated, err := m.UpdateFields(ctx, id, FieldDelta{Status: &confirmed, LastModifiedBy: uuid.New()}, 1)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, updated.Status)
	assert.Equal(t, int64(2), updated.Version)

	// Stale version is rejected, never overwritten.
	cancelled := appointment.StatusCancelled
	_, err = m.UpdateFields(ctx, id, FieldDelta{Status: &cancelled}, 1)
	assert.ErrorIs(t, err, ErrConflict)

	got, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusConfirmed, got.Status)
}

func TestMemStoreUpdateFieldsMonotonicModifiedAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	fixed := time.Now()
	m.now = func() time.Time { return fixed }

	id, err := m.Create(ctx, newTestRecord(uuid.New(), uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10}))
	require.NoError(t, err)

	confirmed := appointment.StatusConfirmed
	first, err := m.UpdateFields(ctx, id, FieldDelta{Status: &confirmed}, 1)
	require.NoError(t, err)

	completed := appointment.StatusCompleted
	second, err := m.UpdateFields(ctx, id, FieldDelta{Status: &completed}, 2)
	require.NoError(t, err)

	assert.True(t, second.LastModifiedAt.After(first.LastModifiedAt),
		"last_modified_at must strictly increase even with a frozen clock")
}

func TestMemStoreConcurrentCASExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	id, err := m.Create(ctx, newTestRecord(uuid.New(), uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10}))
	require.NoError(t, err)

	confirmed := appointment.StatusConfirmed
	cancelled := appointment.StatusCancelled

	var wg sync.WaitGroup
	errs := make([]error, 2)
	results := make([]*appointment.Appointment, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		results[0], errs[0] = m.UpdateFields(ctx, id, FieldDelta{Status: &confirmed}, 1)
	}()
	go func() {
		defer wg.Done()
		results[1], errs[1] = m.UpdateFields(ctx, id, FieldDelta{Status: &cancelled}, 1)
	}()
	wg.Wait()

	var successes, conflicts int
	var winner *appointment.Appointment
	for i := range errs {
		switch {
		case errs[i] == nil:
			successes++
			winner = results[i]
		case assert.ErrorIs(t, errs[i], ErrConflict):
			conflicts++
		}
	}
	require.Equal(t, 1, successes)
	require.Equal(t, 1, conflicts)

	got, err := m.GetByID(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, winner.Status, got.Status)
}

func TestMemStoreDelete(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	id, err := m.Create(ctx, newTestRecord(uuid.New(), uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 10}))
	require.NoError(t, err)

	require.NoError(t, m.Delete(ctx, id))
	assert.ErrorIs(t, m.Delete(ctx, id), ErrNotFound)
	_, err = m.GetByID(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMemStoreSubscribeDeliversOrderedSnapshots(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()
	patientID := uuid.New()

	// Created out of order on purpose.
	_, err := m.Create(ctx, newTestRecord(patientID, uuid.New(), "2024-05-02", appointment.TimeOfDay{Hour: 9}))
	require.NoError(t, err)
	_, err = m.Create(ctx, newTestRecord(patientID, uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 14}))
	require.NoError(t, err)
	_, err = m.Create(ctx, newTestRecord(patientID, uuid.New(), "2024-05-01", appointment.TimeOfDay{Hour: 9}))
	require.NoError(t, err)

	snapshots := make(chan []appointment.Appointment, 16)
	sub, err := m.Subscribe(ctx, Query{Field: ByPatient, Value: patientID},
		func(s []appointment.Appointment) { snapshots <- s }, nil)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	select {
	case snap := <-snapshots:
		require.Len(t, snap, 3)
		assert.Equal(t, "2024-05-01", snap[0].ScheduledDate.Format("2006-01-02"))
		assert.Equal(t, 9, snap[0].ScheduledTime.Hour)
		assert.Equal(t, 14, snap[1].ScheduledTime.Hour)
		assert.Equal(t, "2024-05-02", snap[2].ScheduledDate.Format("2006-01-02"))
	case <-time.After(2 * time.Second):
		t.Fatal("no initial snapshot delivered")
	}

	// A non-matching record never reaches this subscription; a matching one
	// triggers a fresh full snapshot.
	_, err = m.Create(ctx, newTestRecord(uuid.New(), uuid.New(), "2024-05-03", appointment.TimeOfDay{Hour: 8}))
	require.NoError(t, err)

	_, err = m.Create(ctx, newTestRecord(patientID, uuid.New(), "2024-04-30", appointment.TimeOfDay{Hour: 11}))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		select {
		case snap := <-snapshots:
			return len(snap) == 4 && snap[0].ScheduledDate.Format("2006-01-02") == "2024-04-30"
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond, "change to a matching record must deliver a new snapshot")
}

func TestMemStoreFailSubscriptions(t *testing.T) {
	ctx := context.Background()
	m := NewMemStore()

	errCh := make(chan error, 1)
	_, err := m.Subscribe(ctx, Query{Field: ByPatient, Value: uuid.New()},
		func([]appointment.Appointment) {},
		func(err error) { errCh <- err })
	require.NoError(t, err)

	m.FailSubscriptions(ErrUnavailable)

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrUnavailable)
	case <-time.After(2 * time.Second):
		t.Fatal("subscription failure was not surfaced")
	}
}
