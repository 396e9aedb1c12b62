package main

import (
	"context"
	"os"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/clinicsync/appointment-engine/internal/db"
	"github.com/clinicsync/appointment-engine/internal/logging"
)

func main() {
	logger := logging.New("seed", os.Getenv("APP_ENV"))
	logger.Info().Msg("seed starting")

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		logger.Fatal().Msg("POSTGRES_DSN is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, dsn)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	if err := db.Migrate(ctx, pool); err != nil {
		logger.Fatal().Err(err).Msg("migrate")
	}

	gofakeit.Seed(time.Now().UnixNano())

	bg := context.Background()
	doctors, err := seedDoctors(bg, pool, 50)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed doctors")
	}
	patients, err := seedPatients(bg, pool, 2000)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}
	if err := seedAppointments(bg, pool, patients, doctors, 5000); err != nil {
		logger.Fatal().Err(err).Msg("seed appointments")
	}

	logger.Info().Msg("seed complete")
}

func seedDoctors(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	specialties := []string{
		"Dermatology",
		"Cardiology",
		"General Practice",
		"Orthopedics",
		"Endocrinology",
		"Neurology",
		"Pediatrics",
		"Psychiatry",
		"Ophthalmology",
		"ENT",
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	ids := make([]uuid.UUID, 0, count)
	for i := 0; i < count; i++ {
		id := uuid.New()
		name := gofakeit.Name()
		spec := specialties[gofakeit.Number(0, len(specialties)-1)]

		_, err := tx.Exec(ctx, `
			INSERT INTO doctors (id, name, specialty, created_at, updated_at)
			VALUES ($1, $2, $3, now(), now())
		`, id, name, spec)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, count int) ([]uuid.UUID, error) {
	const batchSize = 500

	ids := make([]uuid.UUID, 0, count)
	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return nil, err
		}

		for i := offset; i < end; i++ {
			id := uuid.New()
			name := gofakeit.Name()
			email := gofakeit.Email()

			_, err := tx.Exec(ctx, `
				INSERT INTO patients (id, name, email, created_at, updated_at)
				VALUES ($1, $2, $3, now(), now())
			`, id, name, email)
			if err != nil {
				_ = tx.Rollback(ctx)
				return nil, err
			}
			ids = append(ids, id)
		}

		if err := tx.Commit(ctx); err != nil {
			return nil, err
		}
	}

	return ids, nil
}

func seedAppointments(ctx context.Context, pool *pgxpool.Pool, patients, doctors []uuid.UUID, count int) error {
	statuses := []string{"pending", "confirmed", "completed", "cancelled"}
	locations := []string{"Room 101", "Room 204", "Clinic A", "Clinic B", "Telehealth"}

	const batchSize = 500

	for offset := 0; offset < count; offset += batchSize {
		end := offset + batchSize
		if end > count {
			end = count
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}

		for i := offset; i < end; i++ {
			patientID := patients[gofakeit.Number(0, len(patients)-1)]
			doctorID := doctors[gofakeit.Number(0, len(doctors)-1)]
			date := gofakeit.DateRange(time.Now(), time.Now().AddDate(0, 3, 0)).Format("2006-01-02")
			hour := gofakeit.Number(8, 17)
			minute := []int{0, 15, 30, 45}[gofakeit.Number(0, 3)]
			status := statuses[gofakeit.Number(0, len(statuses)-1)]
			location := locations[gofakeit.Number(0, len(locations)-1)]

			_, err := tx.Exec(ctx, `
				INSERT INTO appointments
					(id, patient_id, doctor_id, scheduled_date, scheduled_time, location, status, version, created_at, last_modified_at, last_modified_by)
				VALUES ($1, $2, $3, $4, $5, $6, $7, 1, now(), now(), $8)
			`, uuid.New(), patientID, doctorID, date,
				timeOfDay(hour, minute), location, status, patientID)
			if err != nil {
				_ = tx.Rollback(ctx)
				return err
			}
		}

		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}

	return nil
}

func timeOfDay(hour, minute int) string {
	return time.Date(0, 1, 1, hour, minute, 0, 0, time.UTC).Format("15:04")
}
