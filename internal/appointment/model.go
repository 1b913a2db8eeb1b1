package appointment

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const (
	DateLayout  = "2006-01-02"
	ClockLayout = "15:04"
)

// AppointmentType is an open set; these are the ones the front desk uses.
type AppointmentType string

const (
	TypeWalkIn           AppointmentType = "walk_in"
	TypeTeleconsultation AppointmentType = "teleconsultation"
	TypeFollowUp         AppointmentType = "follow_up"
)

// SlotKey identifies one unit of bookable capacity. It is the unit of locking.
type SlotKey struct {
	DoctorID uuid.UUID
	Date     string
	Time     string
}

func (k SlotKey) String() string {
	return fmt.Sprintf("slot:%s:%s:%s", k.DoctorID, k.Date, k.Time)
}

// Start is the wall-clock start of the slot in the clinic's location.
func (k SlotKey) Start(loc *time.Location) (time.Time, error) {
	return time.ParseInLocation(DateLayout+" "+ClockLayout, k.Date+" "+k.Time, loc)
}

func patientDayKey(patientID uuid.UUID, date string) string {
	return fmt.Sprintf("patient:%s:%s", patientID, date)
}

type Appointment struct {
	ID          uuid.UUID
	PatientID   uuid.UUID
	DoctorID    uuid.UUID
	BranchID    *uuid.UUID
	Date        string
	Time        string
	Status      AppointmentStatus
	Type        AppointmentType
	Concern     string
	CheckInTime *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (a *Appointment) SlotKey() SlotKey {
	return SlotKey{DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
}

func (a *Appointment) lockKeys() []string {
	return []string{a.SlotKey().String(), patientDayKey(a.PatientID, a.Date)}
}

type BillKind string

const (
	BillDownPayment  BillKind = "down_payment"
	BillConsultation BillKind = "consultation"
	BillOther        BillKind = "other"
)

type Bill struct {
	ID            uuid.UUID
	AppointmentID *uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	Amount        decimal.Decimal
	Status        BillStatus
	Kind          BillKind
	PaymentMethod string
	DueDate       time.Time
	PaidAt        *time.Time
	ReceiptNo     string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// DisplayStatus derives Overdue for a pending bill past its due date. Overdue
// is never stored.
func (b *Bill) DisplayStatus(now time.Time) BillStatus {
	if b.Status == BillPending && !b.DueDate.IsZero() && now.After(b.DueDate) {
		return BillOverdue
	}
	return b.Status
}

type EventLog struct {
	ID            int64
	EventType     string
	AppointmentID *uuid.UUID
	BillID        *uuid.UUID
	Payload       []byte
	CreatedAt     time.Time
}

// ListFilter narrows ListAppointments. Zero values mean "any".
type ListFilter struct {
	PatientID uuid.UUID
	DoctorID  uuid.UUID
	Date      string
	Time      string
	Statuses  []AppointmentStatus
	Limit     int
	Offset    int
}

func (f ListFilter) matches(a *Appointment) bool {
	if f.PatientID != uuid.Nil && a.PatientID != f.PatientID {
		return false
	}
	if f.DoctorID != uuid.Nil && a.DoctorID != f.DoctorID {
		return false
	}
	if f.Date != "" && a.Date != f.Date {
		return false
	}
	if f.Time != "" && a.Time != f.Time {
		return false
	}
	if len(f.Statuses) > 0 {
		for _, s := range f.Statuses {
			if a.Status == s {
				return true
			}
		}
		return false
	}
	return true
}
