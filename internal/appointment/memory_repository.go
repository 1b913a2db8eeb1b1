package appointment

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process. Transactions are serialized on one
// mutex and staged until commit, and the uniqueness rules enforced by the
// Postgres partial indexes are re-checked at commit.
type MemoryStore struct {
	mu           sync.RWMutex
	appointments map[uuid.UUID]Appointment
	bills        map[uuid.UUID]Bill
	events       []EventLog
	nextEventID  int64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		appointments: make(map[uuid.UUID]Appointment),
		bills:        make(map[uuid.UUID]Bill),
	}
}

func (m *MemoryStore) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.appointments[id]
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (m *MemoryStore) GetBill(_ context.Context, id uuid.UUID) (*Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.bills[id]
	if !ok {
		return nil, ErrBillNotFound
	}
	return &b, nil
}

func (m *MemoryStore) ListAppointments(_ context.Context, f ListFilter) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Appointment, 0)
	for _, a := range m.appointments {
		if f.matches(&a) {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return page(out, f.Limit, f.Offset), nil
}

func (m *MemoryStore) ListBills(_ context.Context, appointmentID uuid.UUID) ([]Bill, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Bill, 0)
	for _, b := range m.bills {
		if b.AppointmentID != nil && *b.AppointmentID == appointmentID {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) FindStalePending(_ context.Context, cutoff string, limit int) ([]Appointment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Appointment, 0)
	for _, a := range m.appointments {
		if a.Status == StatusPending && a.Date+" "+a.Time < cutoff {
			out = append(out, a)
		}
	}
	sortAppointments(out)
	return page(out, limit, 0), nil
}

// Events returns a copy of the audit log.
func (m *MemoryStore) Events() []EventLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]EventLog(nil), m.events...)
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	tx := &memTx{
		store:        m,
		appointments: make(map[uuid.UUID]Appointment),
		bills:        make(map[uuid.UUID]Bill),
	}
	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.checkConstraints(); err != nil {
		return err
	}

	for id, a := range tx.appointments {
		m.appointments[id] = a
	}
	for id, b := range tx.bills {
		m.bills[id] = b
	}
	for _, ev := range tx.events {
		m.nextEventID++
		ev.ID = m.nextEventID
		m.events = append(m.events, ev)
	}
	return nil
}

// memTx stages writes on top of the committed maps. The store mutex is held
// for its whole life.
type memTx struct {
	store        *MemoryStore
	appointments map[uuid.UUID]Appointment
	bills        map[uuid.UUID]Bill
	events       []EventLog
}

func (t *memTx) appointment(id uuid.UUID) (Appointment, bool) {
	if a, ok := t.appointments[id]; ok {
		return a, true
	}
	a, ok := t.store.appointments[id]
	return a, ok
}

func (t *memTx) eachAppointment(fn func(a Appointment)) {
	for id, a := range t.store.appointments {
		if _, staged := t.appointments[id]; !staged {
			fn(a)
		}
	}
	for _, a := range t.appointments {
		fn(a)
	}
}

func (t *memTx) eachBill(fn func(b Bill)) {
	for id, b := range t.store.bills {
		if _, staged := t.bills[id]; !staged {
			fn(b)
		}
	}
	for _, b := range t.bills {
		fn(b)
	}
}

func (t *memTx) GetAppointment(_ context.Context, id uuid.UUID) (*Appointment, error) {
	a, ok := t.appointment(id)
	if !ok {
		return nil, ErrAppointmentNotFound
	}
	return &a, nil
}

func (t *memTx) GetBill(_ context.Context, id uuid.UUID) (*Bill, error) {
	b, ok := t.bills[id]
	if !ok {
		b, ok = t.store.bills[id]
	}
	if !ok {
		return nil, ErrBillNotFound
	}
	return &b, nil
}

func (t *memTx) SlotSnapshot(_ context.Context, key SlotKey, patientID uuid.UUID) ([]Appointment, error) {
	out := make([]Appointment, 0)
	t.eachAppointment(func(a Appointment) {
		if a.SlotKey() == key || (a.PatientID == patientID && a.Date == key.Date) {
			out = append(out, a)
		}
	})
	sortAppointments(out)
	return out, nil
}

func (t *memTx) BillsForAppointment(_ context.Context, appointmentID uuid.UUID) ([]Bill, error) {
	out := make([]Bill, 0)
	t.eachBill(func(b Bill) {
		if b.AppointmentID != nil && *b.AppointmentID == appointmentID {
			out = append(out, b)
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (t *memTx) PaidRivalBill(_ context.Context, key SlotKey, exclude uuid.UUID) (*Bill, error) {
	var found *Bill
	t.eachBill(func(b Bill) {
		if found != nil || b.Status != BillPaid || b.AppointmentID == nil || *b.AppointmentID == exclude {
			return
		}
		a, ok := t.appointment(*b.AppointmentID)
		if ok && a.Status == StatusScheduled && a.SlotKey() == key {
			found = &b
		}
	})
	return found, nil
}

func (t *memTx) InsertAppointment(_ context.Context, a *Appointment) error {
	if _, exists := t.appointment(a.ID); exists {
		return fmt.Errorf("insert appointment %s: already exists", a.ID)
	}
	t.appointments[a.ID] = *a
	return nil
}

func (t *memTx) UpdateAppointment(_ context.Context, a *Appointment) error {
	if _, exists := t.appointment(a.ID); !exists {
		return ErrAppointmentNotFound
	}
	t.appointments[a.ID] = *a
	return nil
}

func (t *memTx) InsertBill(_ context.Context, b *Bill) error {
	if _, exists := t.bills[b.ID]; exists {
		return fmt.Errorf("insert bill %s: already exists", b.ID)
	}
	if _, exists := t.store.bills[b.ID]; exists {
		return fmt.Errorf("insert bill %s: already exists", b.ID)
	}
	t.bills[b.ID] = *b
	return nil
}

func (t *memTx) UpdateBill(_ context.Context, b *Bill) error {
	_, staged := t.bills[b.ID]
	_, committed := t.store.bills[b.ID]
	if !staged && !committed {
		return ErrBillNotFound
	}
	t.bills[b.ID] = *b
	return nil
}

func (t *memTx) InsertEvent(_ context.Context, ev EventLog) error {
	t.events = append(t.events, ev)
	return nil
}

// checkConstraints mirrors the partial unique indexes of the Postgres schema
// for every appointment and bill written in this transaction.
func (t *memTx) checkConstraints() error {
	for _, a := range t.appointments {
		if a.Status == StatusCancelled {
			continue
		}
		var err error
		t.eachAppointment(func(o Appointment) {
			if err != nil || o.ID == a.ID || o.Status == StatusCancelled {
				return
			}
			switch {
			case a.Status == StatusScheduled && o.Status == StatusScheduled && o.SlotKey() == a.SlotKey():
				err = &ConflictError{Kind: ConflictSlotTakenByScheduled, Message: ruleSlotTaken.message, ExistingID: o.ID}
			case o.PatientID == a.PatientID && o.Date == a.Date && o.Time == a.Time:
				err = &ConflictError{Kind: ConflictPatientTimeDuplicateAnyDoctor, Message: rulePatientTime.message, ExistingID: o.ID}
			case a.Status == StatusScheduled && o.Status == StatusScheduled && o.PatientID == a.PatientID && o.Date == a.Date:
				err = &ConflictError{Kind: ConflictPatientAlreadyBookedThatDay, Message: rulePatientDay.message, ExistingID: o.ID}
			}
		})
		if err != nil {
			return err
		}
	}

	for _, b := range t.bills {
		var err error
		t.eachBill(func(o Bill) {
			if err == nil && o.ID != b.ID && o.ReceiptNo == b.ReceiptNo {
				err = fmt.Errorf("receipt number %s already issued", b.ReceiptNo)
			}
		})
		if err != nil {
			return err
		}
	}
	return nil
}

func sortAppointments(out []Appointment) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date < out[j].Date
		}
		if out[i].Time != out[j].Time {
			return out[i].Time < out[j].Time
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
}

func page(out []Appointment, limit, offset int) []Appointment {
	if offset >= len(out) {
		return out[:0]
	}
	out = out[offset:]
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}
