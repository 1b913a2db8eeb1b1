package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/hackgods/clinic-reservation/internal/directory"
)

var (
	ErrAppointmentNotFound = errors.New("appointment not found")
	ErrBillNotFound        = errors.New("bill not found")

	// ErrSlotBusy means the slot lock could not be taken within the bounded
	// wait, even after retrying. Nothing was changed; the caller may retry.
	ErrSlotBusy = errors.New("slot is being booked by someone else, please retry")

	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrAppointmentSettled = errors.New("appointment has a paid bill and cannot be cancelled")

	// errSlotMoved is raised under the lock when the record changed slot
	// between the unlocked read and the locked reload.
	errSlotMoved = errors.New("appointment moved to another slot while waiting for the lock")
)

// IsNotFound reports whether err is any of the lookup misses.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrAppointmentNotFound) ||
		errors.Is(err, ErrBillNotFound) ||
		errors.Is(err, directory.ErrPatientNotFound) ||
		errors.Is(err, directory.ErrDoctorNotFound) ||
		errors.Is(err, directory.ErrBranchNotFound)
}

type ConflictKind string

const (
	ConflictSlotTakenByScheduled          ConflictKind = "slot_taken_by_scheduled"
	ConflictPatientAlreadyBookedThatDay   ConflictKind = "patient_already_booked_that_day"
	ConflictPatientDoctorTimeDuplicate    ConflictKind = "patient_doctor_time_duplicate"
	ConflictPatientTimeDuplicateAnyDoctor ConflictKind = "patient_time_duplicate_any_doctor"
	ConflictDoctorBusy                    ConflictKind = "doctor_busy"
)

// ConflictError is a booking rejected by the validator. Message is safe to
// show to the user.
type ConflictError struct {
	Kind       ConflictKind
	Message    string
	ExistingID uuid.UUID
}

func (e *ConflictError) Error() string {
	return e.Message
}

// RaceLostError is returned by ConfirmPayment when another patient secured
// the slot first. The losing appointment and bill are already cancelled when
// the caller sees it.
type RaceLostError struct {
	AppointmentID        uuid.UUID
	BillID               uuid.UUID
	WinningAppointmentID uuid.UUID
}

func (e *RaceLostError) Error() string {
	return "payment arrived after the slot was secured by another patient; please reschedule or cancel"
}

// AlreadyCancelledError rejects a payment for a bill, or a bill whose
// appointment, that was cancelled earlier.
type AlreadyCancelledError struct {
	BillID        uuid.UUID
	AppointmentID *uuid.UUID
}

func (e *AlreadyCancelledError) Error() string {
	return "the booking was already cancelled and cannot be paid"
}

// ValidationError carries per-field problems with a request.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func invalidField(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}
