package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (a *Appointment) transition(to AppointmentStatus, now time.Time) error {
	if !a.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: appointment %s -> %s", ErrInvalidTransition, a.Status, to)
	}
	a.Status = to
	a.UpdatedAt = now
	if to == StatusCheckedIn {
		t := now
		a.CheckInTime = &t
	}
	return nil
}

type CheckInRequest struct {
	PaymentReceived bool
	// Fee overrides the doctor's consultation fee when positive.
	Fee           decimal.Decimal
	PaymentMethod string
}

// CheckIn marks the patient as arrived. A Pending appointment may be checked
// in directly as long as nobody else holds the slot. When payment was taken
// at the desk a Paid consultation bill is recorded with it.
func (s *Service) CheckIn(ctx context.Context, id uuid.UUID, req CheckInRequest) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "check_in", uuid.Nil)
	defer func() { s.end(sc, err) }()

	if req.Fee.IsNegative() {
		return nil, invalidField("fee", "must not be negative")
	}

	fee := req.Fee
	return s.withAppointment(ctx, sc, id,
		func(ctx context.Context, cur *Appointment) ([]string, error) {
			if !req.PaymentReceived || fee.IsPositive() {
				return nil, nil
			}
			doctor, err := s.dir.GetDoctor(ctx, cur.DoctorID)
			if err != nil {
				return nil, err
			}
			fee = doctor.ConsultationFee
			return nil, nil
		},
		func(ctx context.Context, tx Tx, a *Appointment) error {
			if !a.Status.CanTransitionTo(StatusCheckedIn) {
				return fmt.Errorf("%w: appointment %s -> %s", ErrInvalidTransition, a.Status, StatusCheckedIn)
			}
			if a.Status == StatusPending {
				snapshot, err := tx.SlotSnapshot(ctx, a.SlotKey(), a.PatientID)
				if err != nil {
					return err
				}
				cand := Candidate{AppointmentID: a.ID, PatientID: a.PatientID, DoctorID: a.DoctorID, Date: a.Date, Time: a.Time}
				if err := validateSlot(cand, snapshot); err != nil {
					return err
				}
			}

			now := s.now()
			if err := a.transition(StatusCheckedIn, now); err != nil {
				return err
			}
			if err := tx.UpdateAppointment(ctx, a); err != nil {
				return err
			}

			payload := map[string]any{"slot_key": a.SlotKey().String()}
			if req.PaymentReceived && fee.IsPositive() {
				bill := s.newBill(a, BillConsultation, fee, req.PaymentMethod, now)
				if err := bill.transition(BillPaid, now); err != nil {
					return err
				}
				if err := tx.InsertBill(ctx, bill); err != nil {
					return err
				}
				if err := s.recordEvent(ctx, tx, EventBillCreated, &a.ID, &bill.ID, map[string]any{
					"amount":     bill.Amount.StringFixed(2),
					"status":     bill.Status,
					"receipt_no": bill.ReceiptNo,
				}); err != nil {
					return err
				}
				payload["bill_id"] = bill.ID.String()
			}
			return s.recordEvent(ctx, tx, EventAppointmentCheckedIn, &a.ID, nil, payload)
		})
}

func (s *Service) CompleteAppointment(ctx context.Context, id uuid.UUID) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "complete", uuid.Nil)
	defer func() { s.end(sc, err) }()

	return s.simpleTransition(ctx, sc, id, StatusCompleted, EventAppointmentCompleted)
}

func (s *Service) MarkNoShow(ctx context.Context, id uuid.UUID) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "no_show", uuid.Nil)
	defer func() { s.end(sc, err) }()

	return s.simpleTransition(ctx, sc, id, StatusNoShow, EventAppointmentNoShow)
}

func (s *Service) simpleTransition(ctx context.Context, sc *opScope, id uuid.UUID, to AppointmentStatus, event string) (*Appointment, error) {
	return s.withAppointment(ctx, sc, id, nil, func(ctx context.Context, tx Tx, a *Appointment) error {
		from := a.Status
		if err := a.transition(to, s.now()); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		return s.recordEvent(ctx, tx, event, &a.ID, nil, map[string]any{"from": from, "to": to})
	})
}

// CancelAppointment cancels an appointment and every pending bill linked to
// it in the same transaction. An appointment with a paid bill is settled and
// stays as it is.
func (s *Service) CancelAppointment(ctx context.Context, id uuid.UUID, reason string) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "cancel", uuid.Nil)
	defer func() { s.end(sc, err) }()

	return s.withAppointment(ctx, sc, id, nil, func(ctx context.Context, tx Tx, a *Appointment) error {
		return s.cancelInTx(ctx, tx, a, reason)
	})
}

func (s *Service) cancelInTx(ctx context.Context, tx Tx, a *Appointment, reason string) error {
	bills, err := tx.BillsForAppointment(ctx, a.ID)
	if err != nil {
		return err
	}
	for _, b := range bills {
		if b.Status == BillPaid {
			return ErrAppointmentSettled
		}
	}

	now := s.now()
	from := a.Status
	if err := a.transition(StatusCancelled, now); err != nil {
		return err
	}
	if err := tx.UpdateAppointment(ctx, a); err != nil {
		return err
	}
	cancelled, err := s.cancelPendingBills(ctx, tx, bills, uuid.Nil, now)
	if err != nil {
		return err
	}

	return s.recordEvent(ctx, tx, EventAppointmentCancelled, &a.ID, nil, map[string]any{
		"from":            from,
		"reason":          reason,
		"bills_cancelled": cancelled,
	})
}

// cancelPendingBills cancels the pending bills among bills, skipping skip.
func (s *Service) cancelPendingBills(ctx context.Context, tx Tx, bills []Bill, skip uuid.UUID, now time.Time) (int, error) {
	n := 0
	for i := range bills {
		b := &bills[i]
		if b.ID == skip || b.Status != BillPending {
			continue
		}
		if err := b.transition(BillCancelled, now); err != nil {
			return n, err
		}
		if err := tx.UpdateBill(ctx, b); err != nil {
			return n, err
		}
		if err := s.recordEvent(ctx, tx, EventBillCancelled, b.AppointmentID, &b.ID, map[string]any{
			"reason": "appointment_cancelled",
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

var errNoLongerPending = errors.New("appointment is no longer pending")

// SweepStalePending cancels Pending appointments whose slot started more
// than the pending grace ago. Each one goes through the coordinator like a
// user cancellation; a busy slot is left for the next run.
func (s *Service) SweepStalePending(ctx context.Context, batch int) (int, error) {
	ctx, span := tracer.Start(ctx, "reservation.sweep_stale_pending")
	defer span.End()

	cutoff := s.now().In(s.loc).Add(-s.pendingGrace).Format(DateLayout + " " + ClockLayout)
	stale, err := s.store.FindStalePending(ctx, cutoff, batch)
	if err != nil {
		return 0, fmt.Errorf("find stale pending appointments: %w", err)
	}

	swept := 0
	for _, appt := range stale {
		if ctx.Err() != nil {
			break
		}
		err := s.expire(ctx, appt.ID)
		switch {
		case err == nil:
			swept++
		case errors.Is(err, errNoLongerPending), errors.Is(err, ErrAppointmentNotFound):
		case errors.Is(err, ErrSlotBusy):
			s.logger.Debug().Str("appointment_id", appt.ID.String()).Msg("slot busy, expiring next run")
		default:
			s.logger.Error().Err(err).Str("appointment_id", appt.ID.String()).Msg("failed to expire appointment")
		}
	}

	s.metrics.observeSwept(swept)
	return swept, nil
}

func (s *Service) expire(ctx context.Context, id uuid.UUID) (err error) {
	ctx, sc := s.begin(ctx, "expire", uuid.Nil)
	defer func() {
		if errors.Is(err, errNoLongerPending) {
			s.end(sc, nil)
			return
		}
		s.end(sc, err)
	}()

	_, err = s.withAppointment(ctx, sc, id, nil, func(ctx context.Context, tx Tx, a *Appointment) error {
		if a.Status != StatusPending {
			return errNoLongerPending
		}
		return s.cancelInTx(ctx, tx, a, "payment_not_received")
	})
	return err
}
