package appointment

import "fmt"

type AppointmentStatus string

const (
	StatusPending   AppointmentStatus = "pending"
	StatusScheduled AppointmentStatus = "scheduled"
	StatusCheckedIn AppointmentStatus = "checked_in"
	StatusCompleted AppointmentStatus = "completed"
	StatusCancelled AppointmentStatus = "cancelled"
	StatusNoShow    AppointmentStatus = "no_show"
)

// appointmentTransitions is the appointment lifecycle. New appointments enter
// at Pending or Scheduled (see initialStatus).
var appointmentTransitions = map[AppointmentStatus][]AppointmentStatus{
	StatusPending:   {StatusScheduled, StatusCheckedIn, StatusCancelled},
	StatusScheduled: {StatusCheckedIn, StatusCancelled, StatusNoShow},
	StatusCheckedIn: {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
	StatusNoShow:    {},
}

func initialStatus(paymentConfirmed bool) AppointmentStatus {
	if paymentConfirmed {
		return StatusScheduled
	}
	return StatusPending
}

func (s AppointmentStatus) IsValid() bool {
	_, ok := appointmentTransitions[s]
	return ok
}

func (s AppointmentStatus) CanTransitionTo(target AppointmentStatus) bool {
	for _, t := range appointmentTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s AppointmentStatus) IsTerminal() bool {
	return len(appointmentTransitions[s]) == 0
}

func (s AppointmentStatus) String() string {
	return string(s)
}

func ParseAppointmentStatus(s string) (AppointmentStatus, error) {
	status := AppointmentStatus(s)
	if !status.IsValid() {
		return "", fmt.Errorf("invalid appointment status: %s", s)
	}
	return status, nil
}

type BillStatus string

const (
	BillPending   BillStatus = "pending"
	BillPaid      BillStatus = "paid"
	BillCancelled BillStatus = "cancelled"
	// BillOverdue is derived at read time, see Bill.DisplayStatus.
	BillOverdue BillStatus = "overdue"
)

var billTransitions = map[BillStatus][]BillStatus{
	BillPending:   {BillPaid, BillCancelled},
	BillPaid:      {},
	BillCancelled: {},
}

func (s BillStatus) IsValid() bool {
	_, ok := billTransitions[s]
	return ok
}

func (s BillStatus) CanTransitionTo(target BillStatus) bool {
	for _, t := range billTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

func (s BillStatus) IsTerminal() bool {
	return len(billTransitions[s]) == 0
}

func (s BillStatus) String() string {
	return string(s)
}

// ParseBillStatus accepts every status a bill is reported with, the derived
// BillOverdue included.
func ParseBillStatus(s string) (BillStatus, error) {
	status := BillStatus(s)
	if !status.IsValid() && status != BillOverdue {
		return "", fmt.Errorf("invalid bill status: %s", s)
	}
	return status, nil
}
