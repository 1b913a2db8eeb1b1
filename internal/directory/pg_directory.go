package directory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Querier is the read subset of pgxpool.Pool used here.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgDirectory struct {
	db Querier
}

func NewPgDirectory(db Querier) *PgDirectory {
	if db == nil {
		panic("directory: querier required")
	}
	return &PgDirectory{db: db}
}

func (d *PgDirectory) GetPatient(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := d.db.QueryRow(ctx, `
		SELECT id, name, email, phone, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)

	var p Patient
	err := row.Scan(&p.ID, &p.Name, &p.Email, &p.Phone, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, fmt.Errorf("directory: load patient: %w", err)
	}
	return &p, nil
}

func (d *PgDirectory) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	row := d.db.QueryRow(ctx, `
		SELECT id, name, specialty, branch_id, slot_interval_minutes, consultation_fee::text, created_at, updated_at
		FROM doctors
		WHERE id = $1
	`, id)

	var (
		doc      Doctor
		interval int32
		fee      string
	)
	err := row.Scan(&doc.ID, &doc.Name, &doc.Specialty, &doc.BranchID, &interval, &fee, &doc.CreatedAt, &doc.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDoctorNotFound
		}
		return nil, fmt.Errorf("directory: load doctor: %w", err)
	}

	doc.SlotInterval = time.Duration(interval) * time.Minute
	if doc.ConsultationFee, err = decimal.NewFromString(fee); err != nil {
		return nil, fmt.Errorf("directory: parse consultation fee %q: %w", fee, err)
	}

	windows, err := d.windows(ctx, id)
	if err != nil {
		return nil, err
	}
	doc.Windows = windows
	return &doc, nil
}

func (d *PgDirectory) windows(ctx context.Context, doctorID uuid.UUID) ([]Window, error) {
	rows, err := d.db.Query(ctx, `
		SELECT weekday, to_char(start_time, 'HH24:MI'), to_char(end_time, 'HH24:MI')
		FROM doctor_availability
		WHERE doctor_id = $1
		ORDER BY weekday, start_time
	`, doctorID)
	if err != nil {
		return nil, fmt.Errorf("directory: load availability: %w", err)
	}
	defer rows.Close()

	var out []Window
	for rows.Next() {
		var (
			weekday    int16
			start, end string
		)
		if err := rows.Scan(&weekday, &start, &end); err != nil {
			return nil, fmt.Errorf("directory: scan availability: %w", err)
		}
		w := Window{Weekday: time.Weekday(weekday)}
		if w.Start, err = ParseClock(start); err != nil {
			return nil, err
		}
		if w.End, err = ParseClock(end); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (d *PgDirectory) GetBranch(ctx context.Context, id uuid.UUID) (*Branch, error) {
	row := d.db.QueryRow(ctx, `
		SELECT id, name, address
		FROM branches
		WHERE id = $1
	`, id)

	var b Branch
	if err := row.Scan(&b.ID, &b.Name, &b.Address); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBranchNotFound
		}
		return nil, fmt.Errorf("directory: load branch: %w", err)
	}
	return &b, nil
}
