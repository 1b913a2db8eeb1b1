package appointment

import "github.com/google/uuid"

// Candidate is a booking being checked: a new appointment, or an existing one
// being moved (AppointmentID set so it never conflicts with itself).
type Candidate struct {
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	Date          string
	Time          string
}

func (c Candidate) SlotKey() SlotKey {
	return SlotKey{DoctorID: c.DoctorID, Date: c.Date, Time: c.Time}
}

func (c Candidate) sameSlot(a *Appointment) bool {
	return a.DoctorID == c.DoctorID && a.Date == c.Date && a.Time == c.Time
}

type rule struct {
	kind    ConflictKind
	message string
	hit     func(c Candidate, a *Appointment) bool
}

var (
	ruleSlotTaken = rule{
		kind:    ConflictSlotTakenByScheduled,
		message: "The selected time slot is already booked",
		hit: func(c Candidate, a *Appointment) bool {
			return c.sameSlot(a) && a.Status == StatusScheduled
		},
	}
	rulePatientDay = rule{
		kind:    ConflictPatientAlreadyBookedThatDay,
		message: "You already have a scheduled appointment on this date",
		hit: func(c Candidate, a *Appointment) bool {
			return a.PatientID == c.PatientID && a.Date == c.Date && a.Time != c.Time &&
				a.Status == StatusScheduled
		},
	}
	rulePatientDoctorTime = rule{
		kind:    ConflictPatientDoctorTimeDuplicate,
		message: "You already have an appointment with this doctor at this date and time",
		hit: func(c Candidate, a *Appointment) bool {
			return a.PatientID == c.PatientID && c.sameSlot(a) && a.Status != StatusCancelled
		},
	}
	rulePatientTime = rule{
		kind:    ConflictPatientTimeDuplicateAnyDoctor,
		message: "You already have an appointment at this date and time",
		hit: func(c Candidate, a *Appointment) bool {
			return a.PatientID == c.PatientID && a.DoctorID != c.DoctorID &&
				a.Date == c.Date && a.Time == c.Time && a.Status != StatusCancelled
		},
	}
	ruleDoctorBusy = rule{
		kind:    ConflictDoctorBusy,
		message: "The selected doctor is not available at this time",
		hit: func(c Candidate, a *Appointment) bool {
			return c.sameSlot(a) && (a.Status == StatusScheduled || a.Status == StatusCheckedIn)
		},
	}
)

// bookingRules run in this order; the first hit wins so the reported reason
// is deterministic.
var bookingRules = []rule{ruleSlotTaken, rulePatientDay, rulePatientDoctorTime, rulePatientTime, ruleDoctorBusy}

// slotRules only look at who holds the slot. Check-in of a pending
// appointment uses them: the patient rules were settled at booking time.
var slotRules = []rule{ruleSlotTaken, ruleDoctorBusy}

// Validate checks a candidate against the appointments touching its slot key
// and its patient-day. It has no side effects.
func Validate(c Candidate, snapshot []Appointment) error {
	return check(bookingRules, c, snapshot)
}

func validateSlot(c Candidate, snapshot []Appointment) error {
	return check(slotRules, c, snapshot)
}

func check(rules []rule, c Candidate, snapshot []Appointment) error {
	for _, r := range rules {
		for i := range snapshot {
			a := &snapshot[i]
			if c.AppointmentID != uuid.Nil && a.ID == c.AppointmentID {
				continue
			}
			if r.hit(c, a) {
				return &ConflictError{Kind: r.kind, Message: r.message, ExistingID: a.ID}
			}
		}
	}
	return nil
}

// scheduledElsewhereThatDay finds another Scheduled appointment of the same
// patient on the same date. Payment must not create a second one.
func scheduledElsewhereThatDay(own *Appointment, snapshot []Appointment) *Appointment {
	for i := range snapshot {
		a := &snapshot[i]
		if a.ID != own.ID && a.PatientID == own.PatientID && a.Date == own.Date && a.Status == StatusScheduled {
			return a
		}
	}
	return nil
}

// scheduledOccupant returns whoever else holds the slot as Scheduled.
func scheduledOccupant(own *Appointment, snapshot []Appointment) *Appointment {
	key := own.SlotKey()
	for i := range snapshot {
		a := &snapshot[i]
		if a.ID != own.ID && a.SlotKey() == key && a.Status == StatusScheduled {
			return a
		}
	}
	return nil
}
