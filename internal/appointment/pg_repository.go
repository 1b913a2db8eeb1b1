package appointment

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/hackgods/clinic-reservation/internal/db"
)

// PgxPool is the subset of *pgxpool.Pool the repository uses; pgxmock
// satisfies it in tests.
type PgxPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type PgRepository struct {
	pool PgxPool
}

func NewPgRepository(pool PgxPool) *PgRepository {
	if pool == nil {
		panic("appointment: pool required")
	}
	return &PgRepository{pool: pool}
}

const appointmentColumns = `id, patient_id, doctor_id, branch_id,
	to_char(appointment_date, 'YYYY-MM-DD'), to_char(appointment_time, 'HH24:MI'),
	status, type, concern, check_in_time, created_at, updated_at`

const billColumns = `id, appointment_id, patient_id, doctor_id, amount::text, status, kind,
	payment_method, due_date, paid_at, receipt_no, created_at, updated_at`

// Helpers

func scanAppointment(row pgx.Row) (*Appointment, error) {
	var a Appointment
	err := row.Scan(
		&a.ID,
		&a.PatientID,
		&a.DoctorID,
		&a.BranchID,
		&a.Date,
		&a.Time,
		&a.Status,
		&a.Type,
		&a.Concern,
		&a.CheckInTime,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAppointmentNotFound
		}
		return nil, err
	}
	return &a, nil
}

func scanBill(row pgx.Row) (*Bill, error) {
	var (
		b      Bill
		amount string
	)
	err := row.Scan(
		&b.ID,
		&b.AppointmentID,
		&b.PatientID,
		&b.DoctorID,
		&amount,
		&b.Status,
		&b.Kind,
		&b.PaymentMethod,
		&b.DueDate,
		&b.PaidAt,
		&b.ReceiptNo,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBillNotFound
		}
		return nil, err
	}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("parse bill amount %q: %w", amount, err)
	}
	return &b, nil
}

func collectAppointments(rows pgx.Rows) ([]Appointment, error) {
	defer rows.Close()

	out := make([]Appointment, 0)
	for rows.Next() {
		a, err := scanAppointment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func collectBills(rows pgx.Rows) ([]Bill, error) {
	defer rows.Close()

	out := make([]Bill, 0)
	for rows.Next() {
		b, err := scanBill(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// conflictFromConstraint turns a unique index violation into the conflict the
// validator would have reported.
func conflictFromConstraint(err error) error {
	name, ok := db.UniqueViolation(err)
	if !ok {
		return err
	}
	switch name {
	case "ux_appointments_slot_scheduled":
		return &ConflictError{Kind: ConflictSlotTakenByScheduled, Message: ruleSlotTaken.message}
	case "ux_appointments_patient_day_scheduled":
		return &ConflictError{Kind: ConflictPatientAlreadyBookedThatDay, Message: rulePatientDay.message}
	case "ux_appointments_patient_time":
		return &ConflictError{Kind: ConflictPatientTimeDuplicateAnyDoctor, Message: rulePatientTime.message}
	}
	return err
}

// Store

func (r *PgRepository) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, r.pool, id, false)
}

func (r *PgRepository) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return getBill(ctx, r.pool, id, false)
}

func (r *PgRepository) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.PatientID != uuid.Nil {
		add("patient_id = $%d", f.PatientID)
	}
	if f.DoctorID != uuid.Nil {
		add("doctor_id = $%d", f.DoctorID)
	}
	if f.Date != "" {
		add("appointment_date = $%d::date", f.Date)
	}
	if f.Time != "" {
		add("appointment_time = $%d::time", f.Time)
	}
	if len(f.Statuses) > 0 {
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}

	sql := "SELECT " + appointmentColumns + " FROM appointments"
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY appointment_date, appointment_time, created_at"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		sql += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if f.Offset > 0 {
		args = append(args, f.Offset)
		sql += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := r.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("list appointments: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) ListBills(ctx context.Context, appointmentID uuid.UUID) ([]Bill, error) {
	return billsForAppointment(ctx, r.pool, appointmentID, false)
}

func (r *PgRepository) FindStalePending(ctx context.Context, cutoff string, limit int) ([]Appointment, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE status = 'pending'
		  AND appointment_date + appointment_time < $1::timestamp
		ORDER BY appointment_date, appointment_time
		LIMIT $2
	`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("find stale pending: %w", err)
	}
	return collectAppointments(rows)
}

func (r *PgRepository) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return conflictFromConstraint(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return conflictFromConstraint(fmt.Errorf("commit tx: %w", err))
	}
	return nil
}

// Tx

type pgTx struct {
	q querier
}

func (t *pgTx) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return getAppointment(ctx, t.q, id, true)
}

func (t *pgTx) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return getBill(ctx, t.q, id, true)
}

func (t *pgTx) SlotSnapshot(ctx context.Context, key SlotKey, patientID uuid.UUID) ([]Appointment, error) {
	rows, err := t.q.Query(ctx, `
		SELECT `+appointmentColumns+`
		FROM appointments
		WHERE (doctor_id = $1 AND appointment_date = $2::date AND appointment_time = $3::time)
		   OR (patient_id = $4 AND appointment_date = $2::date)
		ORDER BY appointment_time, created_at
		FOR UPDATE
	`, key.DoctorID, key.Date, key.Time, patientID)
	if err != nil {
		return nil, fmt.Errorf("slot snapshot: %w", err)
	}
	return collectAppointments(rows)
}

func (t *pgTx) BillsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Bill, error) {
	return billsForAppointment(ctx, t.q, appointmentID, true)
}

func (t *pgTx) PaidRivalBill(ctx context.Context, key SlotKey, exclude uuid.UUID) (*Bill, error) {
	row := t.q.QueryRow(ctx, `
		SELECT b.id, b.appointment_id, b.patient_id, b.doctor_id, b.amount::text, b.status, b.kind,
			b.payment_method, b.due_date, b.paid_at, b.receipt_no, b.created_at, b.updated_at
		FROM bills b
		JOIN appointments a ON a.id = b.appointment_id
		WHERE a.doctor_id = $1
		  AND a.appointment_date = $2::date
		  AND a.appointment_time = $3::time
		  AND a.status = 'scheduled'
		  AND b.status = 'paid'
		  AND a.id <> $4
		LIMIT 1
	`, key.DoctorID, key.Date, key.Time, exclude)

	b, err := scanBill(row)
	if errors.Is(err, ErrBillNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("paid rival bill: %w", err)
	}
	return b, nil
}

func (t *pgTx) InsertAppointment(ctx context.Context, a *Appointment) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO appointments (id, patient_id, doctor_id, branch_id, appointment_date, appointment_time,
			status, type, concern, check_in_time, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::date, $6::time, $7, $8, $9, $10, $11, $12)
	`, a.ID, a.PatientID, a.DoctorID, a.BranchID, a.Date, a.Time,
		string(a.Status), string(a.Type), a.Concern, a.CheckInTime, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert appointment: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateAppointment(ctx context.Context, a *Appointment) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE appointments
		SET doctor_id = $2, branch_id = $3, appointment_date = $4::date, appointment_time = $5::time,
			status = $6, type = $7, concern = $8, check_in_time = $9, updated_at = $10
		WHERE id = $1
	`, a.ID, a.DoctorID, a.BranchID, a.Date, a.Time,
		string(a.Status), string(a.Type), a.Concern, a.CheckInTime, a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update appointment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAppointmentNotFound
	}
	return nil
}

func (t *pgTx) InsertBill(ctx context.Context, b *Bill) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO bills (id, appointment_id, patient_id, doctor_id, amount, status, kind,
			payment_method, due_date, paid_at, receipt_no, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, $11, $12, $13)
	`, b.ID, b.AppointmentID, b.PatientID, b.DoctorID, b.Amount.StringFixed(2),
		string(b.Status), string(b.Kind), b.PaymentMethod, b.DueDate, b.PaidAt, b.ReceiptNo,
		b.CreatedAt, b.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert bill: %w", err)
	}
	return nil
}

func (t *pgTx) UpdateBill(ctx context.Context, b *Bill) error {
	tag, err := t.q.Exec(ctx, `
		UPDATE bills
		SET status = $2, payment_method = $3, paid_at = $4, updated_at = $5, doctor_id = $6
		WHERE id = $1
	`, b.ID, string(b.Status), b.PaymentMethod, b.PaidAt, b.UpdatedAt, b.DoctorID)
	if err != nil {
		return fmt.Errorf("update bill: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrBillNotFound
	}
	return nil
}

func (t *pgTx) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := t.q.Exec(ctx, `
		INSERT INTO event_logs (event_type, appointment_id, bill_id, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, ev.EventType, ev.AppointmentID, ev.BillID, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert event %s: %w", ev.EventType, err)
	}
	return nil
}

// shared queries

func getAppointment(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Appointment, error) {
	sql := "SELECT " + appointmentColumns + " FROM appointments WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	a, err := scanAppointment(q.QueryRow(ctx, sql, id))
	if err != nil && !errors.Is(err, ErrAppointmentNotFound) {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	return a, err
}

func getBill(ctx context.Context, q querier, id uuid.UUID, forUpdate bool) (*Bill, error) {
	sql := "SELECT " + billColumns + " FROM bills WHERE id = $1"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	b, err := scanBill(q.QueryRow(ctx, sql, id))
	if err != nil && !errors.Is(err, ErrBillNotFound) {
		return nil, fmt.Errorf("load bill: %w", err)
	}
	return b, err
}

func billsForAppointment(ctx context.Context, q querier, appointmentID uuid.UUID, forUpdate bool) ([]Bill, error) {
	sql := "SELECT " + billColumns + " FROM bills WHERE appointment_id = $1 ORDER BY created_at"
	if forUpdate {
		sql += " FOR UPDATE"
	}
	rows, err := q.Query(ctx, sql, appointmentID)
	if err != nil {
		return nil, fmt.Errorf("list bills: %w", err)
	}
	return collectBills(rows)
}
