package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

// MemStore implements Store in memory. It backs tests and the local mode of
// cmd/simulate; the production store is PgStore. Snapshot deliveries run on
// a per-subscription goroutine so callbacks never run under the store lock,
// matching the asynchronous boundary of the real store.
type MemStore struct {
	mu      sync.Mutex
	records map[uuid.UUID]appointment.Appointment
	subs    map[int]*memSub
	nextSub int
	now     func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{
		records: make(map[uuid.UUID]appointment.Appointment),
		subs:    make(map[int]*memSub),
		now:     time.Now,
	}
}

type memSub struct {
	id         int
	query      Query
	notify     chan struct{}
	done       chan struct{}
	closeOnce  sync.Once
	store      *MemStore
	onSnapshot SnapshotFunc
	onError    ErrorFunc
	failure    error
}

func (s *memSub) Unsubscribe() {
	s.store.removeSub(s)
	s.close()
}

func (s *memSub) close() {
	s.closeOnce.Do(func() { close(s.done) })
}

func (m *MemStore) Create(ctx context.Context, appt *appointment.Appointment) (uuid.UUID, error) {
	if err := validateRecord(appt); err != nil {
		return uuid.Nil, err
	}

	m.mu.Lock()
	rec := *appt
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	now := m.now()
	rec.Version = 1
	rec.CreatedAt = now
	rec.LastModifiedAt = now
	m.records[rec.ID] = rec
	m.mu.Unlock()

	m.notifyFor(&rec)
	return rec.ID, nil
}

func (m *MemStore) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := copyRecord(rec)
	return &out, nil
}

func (m *MemStore) UpdateFields(ctx context.Context, id uuid.UUID, delta FieldDelta, expectedVersion int64) (*appointment.Appointment, error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return nil, ErrNotFound
	}
	if rec.Version != expectedVersion {
		m.mu.Unlock()
		return nil, ErrConflict
	}

	if delta.Status != nil {
		rec.Status = *delta.Status
	}
	if delta.ScheduledDate != nil {
		rec.ScheduledDate = *delta.ScheduledDate
	}
	if delta.ScheduledTime != nil {
		rec.ScheduledTime = *delta.ScheduledTime
	}
	if delta.Location != nil {
		loc := *delta.Location
		rec.Location = &loc
	}
	rec.LastModifiedBy = delta.LastModifiedBy
	rec.LastModifiedAt = nextModified(m.now(), rec.LastModifiedAt)
	rec.Version++
	m.records[id] = rec
	out := copyRecord(rec)
	m.mu.Unlock()

	m.notifyFor(&rec)
	return &out, nil
}

func (m *MemStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	delete(m.records, id)
	m.mu.Unlock()

	m.notifyFor(&rec)
	return nil
}

func (m *MemStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	m.mu.Lock()
	sub := &memSub{
		id:         m.nextSub,
		query:      q,
		notify:     make(chan struct{}, 1),
		done:       make(chan struct{}),
		store:      m,
		onSnapshot: onSnapshot,
		onError:    onError,
	}
	m.nextSub++
	m.subs[sub.id] = sub
	m.mu.Unlock()

	go m.deliver(sub)
	return sub, nil
}

// FailSubscriptions terminates every live subscription with err, as if the
// backing change feed disconnected. New subscriptions still succeed, so
// reconnect paths can be exercised.
func (m *MemStore) FailSubscriptions(err error) {
	m.mu.Lock()
	failed := make([]*memSub, 0, len(m.subs))
	for _, sub := range m.subs {
		sub.failure = err
		failed = append(failed, sub)
	}
	m.subs = make(map[int]*memSub)
	m.mu.Unlock()

	for _, sub := range failed {
		sub.close()
	}
}

func (m *MemStore) deliver(sub *memSub) {
	// Initial full snapshot, then one per change notification. The notify
	// channel has capacity one, so bursts coalesce into a single re-query
	// that observes the latest state.
	sub.onSnapshot(m.snapshot(sub.query))
	for {
		select {
		case <-sub.done:
			if sub.failure != nil && sub.onError != nil {
				sub.onError(sub.failure)
			}
			return
		case <-sub.notify:
			sub.onSnapshot(m.snapshot(sub.query))
		}
	}
}

func (m *MemStore) snapshot(q Query) []appointment.Appointment {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []appointment.Appointment
	for _, rec := range m.records {
		if matches(q, &rec) {
			out = append(out, copyRecord(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(&out[j]) })
	return out
}

func (m *MemStore) notifyFor(rec *appointment.Appointment) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, sub := range m.subs {
		if !matches(sub.query, rec) {
			continue
		}
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

func (m *MemStore) removeSub(sub *memSub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, sub.id)
}

func matches(q Query, rec *appointment.Appointment) bool {
	switch q.Field {
	case ByPatient:
		return rec.PatientID == q.Value
	case ByDoctor:
		return rec.DoctorID == q.Value
	}
	return false
}

func copyRecord(rec appointment.Appointment) appointment.Appointment {
	if rec.Location != nil {
		loc := *rec.Location
		rec.Location = &loc
	}
	return rec
}
