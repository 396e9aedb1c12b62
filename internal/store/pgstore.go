package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/clinicsync/appointment-engine/internal/appointment"
)

// PgStore persists appointments in Postgres and broadcasts change
// notifications over Redis pub/sub. Subscriptions re-run their query on
// every notification and hand the full ordered result set to the callback,
// so delivery is at-least-once and idempotent.
type PgStore struct {
	pool   *pgxpool.Pool
	rdb    *redis.Client
	logger zerolog.Logger
}

func NewPgStore(pool *pgxpool.Pool, rdb *redis.Client, logger zerolog.Logger) *PgStore {
	return &PgStore{
		pool:   pool,
		rdb:    rdb,
		logger: logger.With().Str("component", "pgstore").Logger(),
	}
}

const apptColumns = `id, patient_id, doctor_id, scheduled_date, scheduled_time, location, status, version, created_at, last_modified_at, last_modified_by`

func scanAppointment(row pgx.Row) (*appointment.Appointment, error) {
	var a appointment.Appointment
	var scheduledTime string
	var location *string

	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.ScheduledDate,
		&scheduledTime,
		&location,
		&a.Status,
		&a.Version,
		&a.CreatedAt,
		&a.LastModifiedAt,
		&a.LastModifiedBy,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	tod, err := appointment.ParseTimeOfDay(scheduledTime)
	if err != nil {
		return nil, fmt.Errorf("%w: stored scheduled_time %q", ErrInvalidRecord, scheduledTime)
	}
	a.ScheduledTime = tod
	a.ScheduledDate = a.ScheduledDate.UTC()
	a.Location = location
	return &a, nil
}

func (s *PgStore) Create(ctx context.Context, appt *appointment.Appointment) (uuid.UUID, error) {
	if err := validateRecord(appt); err != nil {
		return uuid.Nil, err
	}

	id := appt.ID
	if id == uuid.Nil {
		id = uuid.New()
	}

	row := s.pool.QueryRow(ctx, `
		INSERT INTO appointments
			(id, patient_id, doctor_id, scheduled_date, scheduled_time, location, status, version, created_at, last_modified_at, last_modified_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now(), $8)
		RETURNING `+apptColumns+`
	`, id, appt.PatientID, appt.DoctorID, appt.ScheduledDate, appt.ScheduledTime.String(),
		appt.Location, string(appt.Status), appt.LastModifiedBy)

	created, err := scanAppointment(row)
	if err != nil {
		return uuid.Nil, fmt.Errorf("create appointment: %w", err)
	}

	s.publish(ctx, created, "created")
	return created.ID, nil
}

func (s *PgStore) GetByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE id = $1
	`, id)
	return scanAppointment(row)
}

func (s *PgStore) UpdateFields(ctx context.Context, id uuid.UUID, delta FieldDelta, expectedVersion int64) (*appointment.Appointment, error) {
	var status, scheduledTime *string
	if delta.Status != nil {
		v := string(*delta.Status)
		status = &v
	}
	if delta.ScheduledTime != nil {
		v := delta.ScheduledTime.String()
		scheduledTime = &v
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE appointments
		SET status           = COALESCE($3, status),
		    scheduled_date   = COALESCE($4, scheduled_date),
		    scheduled_time   = COALESCE($5, scheduled_time),
		    location         = COALESCE($6, location),
		    last_modified_by = $7,
		    last_modified_at = GREATEST(now(), last_modified_at + interval '1 microsecond'),
		    version          = version + 1
		WHERE id = $1
		  AND version = $2
		RETURNING `+apptColumns+`
	`, id, expectedVersion, status, delta.ScheduledDate, scheduledTime, delta.Location, delta.LastModifiedBy)

	updated, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// The id/version predicate missed. Decide which one.
			return nil, s.classifyMiss(ctx, id)
		}
		return nil, fmt.Errorf("update appointment: %w", err)
	}

	s.publish(ctx, updated, "updated")
	return updated, nil
}

// classifyMiss distinguishes a deleted record from a lost optimistic race.
func (s *PgStore) classifyMiss(ctx context.Context, id uuid.UUID) error {
	var exists bool
	err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM appointments WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if exists {
		return ErrConflict
	}
	return ErrNotFound
}

func (s *PgStore) Delete(ctx context.Context, id uuid.UUID) error {
	row := s.pool.QueryRow(ctx, `
		DELETE FROM appointments
		WHERE id = $1
		RETURNING `+apptColumns+`
	`, id)

	deleted, err := scanAppointment(row)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete appointment: %w", err)
	}

	s.publish(ctx, deleted, "deleted")
	return nil
}

type changeEvent struct {
	AppointmentID uuid.UUID `json:"appointment_id"`
	Action        string    `json:"action"`
	Status        string    `json:"status"`
}

// publish notifies both identity channels of the record. Subscribers
// re-query rather than trusting the payload, so a lost publish only delays
// a view until the next change; it cannot corrupt one.
func (s *PgStore) publish(ctx context.Context, appt *appointment.Appointment, action string) {
	data, err := json.Marshal(changeEvent{
		AppointmentID: appt.ID,
		Action:        action,
		Status:        string(appt.Status),
	})
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal change event")
		return
	}

	channels := []string{
		Query{Field: ByPatient, Value: appt.PatientID}.Channel(),
		Query{Field: ByDoctor, Value: appt.DoctorID}.Channel(),
	}
	for _, ch := range channels {
		if err := s.rdb.Publish(ctx, ch, data).Err(); err != nil {
			s.logger.Warn().Err(err).Str("channel", ch).Msg("publish change notification")
		}
	}
}

type pgSubscription struct {
	cancel context.CancelFunc
	pubsub *redis.PubSub
	once   sync.Once
}

func (s *pgSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.cancel()
		_ = s.pubsub.Close()
	})
}

func (s *PgStore) Subscribe(ctx context.Context, q Query, onSnapshot SnapshotFunc, onError ErrorFunc) (Subscription, error) {
	// The subscription outlives the Subscribe call; it is torn down by
	// Unsubscribe, not by the caller's request context.
	subCtx, cancel := context.WithCancel(context.Background())

	pubsub := s.rdb.Subscribe(subCtx, q.Channel())
	confirmCtx, confirmCancel := context.WithTimeout(ctx, 5*time.Second)
	_, err := pubsub.Receive(confirmCtx)
	confirmCancel()
	if err != nil {
		cancel()
		_ = pubsub.Close()
		return nil, fmt.Errorf("%w: subscribe %s: %v", ErrUnavailable, q.Channel(), err)
	}

	sub := &pgSubscription{cancel: cancel, pubsub: pubsub}
	go s.pump(subCtx, q, pubsub, onSnapshot, onError)
	return sub, nil
}

func (s *PgStore) pump(ctx context.Context, q Query, pubsub *redis.PubSub, onSnapshot SnapshotFunc, onError ErrorFunc) {
	snap, err := s.querySnapshot(ctx, q)
	if err != nil {
		if ctx.Err() == nil && onError != nil {
			onError(err)
		}
		return
	}
	onSnapshot(snap)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				if ctx.Err() == nil && onError != nil {
					onError(fmt.Errorf("%w: change feed closed for %s", ErrUnavailable, q.Channel()))
				}
				return
			}
			snap, err := s.querySnapshot(ctx, q)
			if err != nil {
				if ctx.Err() == nil && onError != nil {
					onError(err)
				}
				return
			}
			onSnapshot(snap)
		}
	}
}

func (s *PgStore) querySnapshot(ctx context.Context, q Query) ([]appointment.Appointment, error) {
	var column string
	switch q.Field {
	case ByPatient:
		column = "patient_id"
	case ByDoctor:
		column = "doctor_id"
	default:
		return nil, fmt.Errorf("%w: unknown query field %q", ErrInvalidRecord, q.Field)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+apptColumns+`
		FROM appointments
		WHERE `+column+` = $1
		ORDER BY scheduled_date, scheduled_time
	`, q.Value)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var result []appointment.Appointment
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return result, nil
}
