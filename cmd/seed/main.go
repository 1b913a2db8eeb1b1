package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/clinic-reservation/internal/config"
	"github.com/hackgods/clinic-reservation/internal/db"
	"github.com/hackgods/clinic-reservation/internal/directory"
	"github.com/hackgods/clinic-reservation/internal/logging"
)

const (
	branchCount  = 5
	doctorCount  = 100
	patientCount = 9000
	batchSize    = 500
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "production").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(cfg.LogLevel, cfg.Env).With().Str("cmd", "seed").Logger()
	if cfg.StorageDriver != config.StoragePostgres {
		logger.Fatal().Msg("seed writes to Postgres, set STORAGE_DRIVER=postgres")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pool.Close()

	ds := directory.Generate(uint64(time.Now().UnixNano()), branchCount, doctorCount, patientCount)

	ctx = context.Background()
	if err := seedClinic(ctx, pool, ds, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed branches and doctors")
	}
	if err := seedPatients(ctx, pool, ds.Patients, logger); err != nil {
		logger.Fatal().Err(err).Msg("seed patients")
	}

	logger.Info().Msg("seed complete")
}

func seedClinic(ctx context.Context, pool *pgxpool.Pool, ds directory.Dataset, logger zerolog.Logger) error {
	logger.Info().Int("branches", len(ds.Branches)).Int("doctors", len(ds.Doctors)).Msg("seeding clinic")

	return pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
		for _, b := range ds.Branches {
			if _, err := tx.Exec(ctx, `
				INSERT INTO branches (id, name, address, created_at)
				VALUES ($1, $2, $3, now())
			`, b.ID, b.Name, b.Address); err != nil {
				return err
			}
		}

		for _, d := range ds.Doctors {
			_, err := tx.Exec(ctx, `
				INSERT INTO doctors (id, name, specialty, branch_id, slot_interval_minutes, consultation_fee, created_at, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6::numeric, now(), now())
			`, d.ID, d.Name, d.Specialty, d.BranchID, int(d.SlotInterval/time.Minute), d.ConsultationFee.String())
			if err != nil {
				return err
			}

			for _, w := range d.Windows {
				_, err := tx.Exec(ctx, `
					INSERT INTO doctor_availability (doctor_id, weekday, start_time, end_time)
					VALUES ($1, $2, $3::time, $4::time)
				`, d.ID, int16(w.Weekday), directory.FormatClock(w.Start), directory.FormatClock(w.End))
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func seedPatients(ctx context.Context, pool *pgxpool.Pool, patients []directory.Patient, logger zerolog.Logger) error {
	logger.Info().Int("count", len(patients)).Msg("seeding patients")

	for offset := 0; offset < len(patients); offset += batchSize {
		end := min(offset+batchSize, len(patients))

		batch := &pgx.Batch{}
		for _, p := range patients[offset:end] {
			batch.Queue(`
				INSERT INTO patients (id, name, email, phone, created_at, updated_at)
				VALUES ($1, $2, $3, $4, now(), now())
			`, p.ID, p.Name, p.Email, p.Phone)
		}
		if err := pool.SendBatch(ctx, batch).Close(); err != nil {
			return err
		}

		logger.Info().Int("seeded", end).Int("total", len(patients)).Msg("patients seeded")
	}
	return nil
}
