package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

func ConnectPostgres(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return pool, nil
}

// Migrate creates the tables the engine needs. Idempotent; run at startup.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS patients (
			id uuid PRIMARY KEY,
			name text NOT NULL,
			email text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS doctors (
			id uuid PRIMARY KEY,
			name text NOT NULL,
			specialty text,
			created_at timestamptz NOT NULL DEFAULT now(),
			updated_at timestamptz NOT NULL DEFAULT now()
		)`,
		`CREATE TABLE IF NOT EXISTS appointments (
			id uuid PRIMARY KEY,
			patient_id uuid NOT NULL,
			doctor_id uuid NOT NULL,
			scheduled_date date NOT NULL,
			scheduled_time text NOT NULL,
			location text,
			status text NOT NULL,
			version bigint NOT NULL DEFAULT 1,
			created_at timestamptz NOT NULL DEFAULT now(),
			last_modified_at timestamptz NOT NULL DEFAULT now(),
			last_modified_by uuid NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_patient ON appointments (patient_id, scheduled_date, scheduled_time)`,
		`CREATE INDEX IF NOT EXISTS idx_appointments_doctor ON appointments (doctor_id, scheduled_date, scheduled_time)`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
