package appointment

import (
	"context"

	"github.com/google/uuid"
)

// Store is the persistence the coordinator needs. Plain reads run outside any
// transaction; every state change goes through InTx.
type Store interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetBill(ctx context.Context, id uuid.UUID) (*Bill, error)
	ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error)
	ListBills(ctx context.Context, appointmentID uuid.UUID) ([]Bill, error)

	// FindStalePending returns Pending appointments whose slot started before
	// cutoff, a clinic wall-clock time in "2006-01-02 15:04" form.
	FindStalePending(ctx context.Context, cutoff string, limit int) ([]Appointment, error)

	// InTx runs fn in a single transaction. If fn returns an error nothing it
	// wrote is kept. A uniqueness backstop firing at write or commit time is
	// returned as a *ConflictError.
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the transactional view. Reads lock the rows they return where the
// backend supports it.
type Tx interface {
	GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error)
	GetBill(ctx context.Context, id uuid.UUID) (*Bill, error)

	// SlotSnapshot returns every appointment at key plus every appointment
	// of patientID on key.Date, whatever their status.
	SlotSnapshot(ctx context.Context, key SlotKey, patientID uuid.UUID) ([]Appointment, error)

	BillsForAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Bill, error)

	// PaidRivalBill returns a Paid bill whose Scheduled appointment holds key
	// and is not exclude, or nil.
	PaidRivalBill(ctx context.Context, key SlotKey, exclude uuid.UUID) (*Bill, error)

	InsertAppointment(ctx context.Context, a *Appointment) error
	UpdateAppointment(ctx context.Context, a *Appointment) error
	InsertBill(ctx context.Context, b *Bill) error
	UpdateBill(ctx context.Context, b *Bill) error
	InsertEvent(ctx context.Context, ev EventLog) error
}
