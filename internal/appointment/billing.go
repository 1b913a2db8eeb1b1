package appointment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func (b *Bill) transition(to BillStatus, now time.Time) error {
	if b.Status.IsTerminal() {
		return fmt.Errorf("%w: bill %s is already %s", ErrInvalidTransition, b.ID, b.Status)
	}
	if !b.Status.CanTransitionTo(to) {
		return fmt.Errorf("%w: bill %s -> %s", ErrInvalidTransition, b.Status, to)
	}
	b.Status = to
	b.UpdatedAt = now
	if to == BillPaid {
		t := now
		b.PaidAt = &t
	}
	return nil
}

func (s *Service) newBill(a *Appointment, kind BillKind, amount decimal.Decimal, method string, now time.Time) *Bill {
	id := a.ID
	return &Bill{
		ID:            uuid.New(),
		AppointmentID: &id,
		PatientID:     a.PatientID,
		DoctorID:      a.DoctorID,
		Amount:        amount.Round(2),
		Status:        BillPending,
		Kind:          kind,
		PaymentMethod: method,
		DueDate:       now.Add(s.billDueAfter),
		ReceiptNo:     s.receipts.Next(now),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func billLockKey(id uuid.UUID) string {
	return "bill:" + id.String()
}

type CreateBillRequest struct {
	AppointmentID *uuid.UUID
	PatientID     uuid.UUID
	DoctorID      uuid.UUID
	Amount        decimal.Decimal
	Kind          BillKind
	PaymentMethod string
	DueDate       *time.Time
}

// CreateBill issues a Pending bill, optionally against an appointment. A
// cancelled appointment cannot be billed.
func (s *Service) CreateBill(ctx context.Context, req CreateBillRequest) (_ *Bill, err error) {
	ctx, sc := s.begin(ctx, "create_bill", req.PatientID)
	defer func() { s.end(sc, err) }()

	fields := map[string]string{}
	if !req.Amount.IsPositive() {
		fields["amount"] = "must be greater than zero"
	}
	if req.AppointmentID == nil && req.PatientID == uuid.Nil {
		fields["patient_id"] = "is required without appointment_id"
	}
	if req.AppointmentID == nil && req.DoctorID == uuid.Nil {
		fields["doctor_id"] = "is required without appointment_id"
	}
	if len(fields) > 0 {
		return nil, &ValidationError{Fields: fields}
	}
	if req.Kind == "" {
		req.Kind = BillConsultation
	}

	if req.AppointmentID == nil {
		if _, err := s.dir.GetPatient(ctx, req.PatientID); err != nil {
			return nil, err
		}
		if _, err := s.dir.GetDoctor(ctx, req.DoctorID); err != nil {
			return nil, err
		}
	}

	var created *Bill
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		now := s.now()
		bill := &Bill{
			ID:            uuid.New(),
			PatientID:     req.PatientID,
			DoctorID:      req.DoctorID,
			Amount:        req.Amount.Round(2),
			Status:        BillPending,
			Kind:          req.Kind,
			PaymentMethod: req.PaymentMethod,
			DueDate:       now.Add(s.billDueAfter),
			ReceiptNo:     s.receipts.Next(now),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if req.DueDate != nil {
			bill.DueDate = *req.DueDate
		}

		if req.AppointmentID != nil {
			a, err := tx.GetAppointment(ctx, *req.AppointmentID)
			if err != nil {
				return err
			}
			if a.Status == StatusCancelled {
				return &AlreadyCancelledError{AppointmentID: &a.ID}
			}
			if req.PatientID != uuid.Nil && req.PatientID != a.PatientID {
				return invalidField("patient_id", "does not match the appointment")
			}
			if req.DoctorID != uuid.Nil && req.DoctorID != a.DoctorID {
				return invalidField("doctor_id", "does not match the appointment")
			}
			bill.AppointmentID = &a.ID
			bill.PatientID = a.PatientID
			bill.DoctorID = a.DoctorID
		}

		if err := tx.InsertBill(ctx, bill); err != nil {
			return err
		}
		created = bill
		return s.recordEvent(ctx, tx, EventBillCreated, bill.AppointmentID, &bill.ID, map[string]any{
			"amount":     bill.Amount.StringFixed(2),
			"kind":       bill.Kind,
			"receipt_no": bill.ReceiptNo,
		})
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *Service) GetBill(ctx context.Context, id uuid.UUID) (*Bill, error) {
	return s.store.GetBill(ctx, id)
}

// billScope locks whatever a bill operation can affect: the bill itself and,
// for a linked bill, its appointment's slot and patient-day.
type billScope struct {
	expected *SlotKey
}

func (s *Service) billKeys(ctx context.Context, sc *opScope, id uuid.UUID, bs *billScope) ([]string, error) {
	b, err := s.store.GetBill(ctx, id)
	if err != nil {
		return nil, err
	}
	sc.setActor(b.PatientID)
	keys := []string{billLockKey(id)}
	bs.expected = nil
	if b.AppointmentID != nil {
		a, err := s.store.GetAppointment(ctx, *b.AppointmentID)
		if err != nil {
			return nil, err
		}
		key := a.SlotKey()
		bs.expected = &key
		sc.setSlot(key)
		keys = append(keys, a.lockKeys()...)
	}
	return keys, nil
}

// linkedAppointment reloads the bill's appointment inside the transaction and
// checks it is still where the lock was taken.
func linkedAppointment(ctx context.Context, tx Tx, b *Bill, bs *billScope) (*Appointment, error) {
	if b.AppointmentID == nil {
		return nil, nil
	}
	a, err := tx.GetAppointment(ctx, *b.AppointmentID)
	if err != nil {
		return nil, err
	}
	if bs.expected == nil || a.SlotKey() != *bs.expected {
		return nil, errSlotMoved
	}
	return a, nil
}

// ConfirmPayment records a payment and resolves the race for the slot.
//
// If another appointment already holds the slot as Scheduled (with or
// without a paid bill), the payer loses: their appointment and bill are
// cancelled and committed, and a *RaceLostError is returned. Otherwise the
// bill becomes Paid and a Pending appointment becomes Scheduled. Whichever
// payment commits first under the slot lock wins.
func (s *Service) ConfirmPayment(ctx context.Context, billID uuid.UUID, method string) (_ *Bill, err error) {
	ctx, sc := s.begin(ctx, "confirm_payment", uuid.Nil)
	defer func() { s.end(sc, err) }()

	var (
		bs   billScope
		out  *Bill
		lost *RaceLostError
	)
	err = s.runLocked(ctx, sc.op,
		func(ctx context.Context) ([]string, error) {
			return s.billKeys(ctx, sc, billID, &bs)
		},
		func(ctx context.Context) error {
			out, lost = nil, nil
			return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				b, err := tx.GetBill(ctx, billID)
				if err != nil {
					return err
				}
				switch b.Status {
				case BillCancelled:
					return &AlreadyCancelledError{BillID: b.ID, AppointmentID: b.AppointmentID}
				case BillPaid:
					out = b
					return nil
				}

				a, err := linkedAppointment(ctx, tx, b, &bs)
				if err != nil {
					return err
				}
				if a != nil {
					if a.Status == StatusCancelled {
						return &AlreadyCancelledError{BillID: b.ID, AppointmentID: &a.ID}
					}
					if a.Status == StatusPending || a.Status == StatusScheduled {
						winner, err := s.slotWinner(ctx, tx, a)
						if err != nil {
							return err
						}
						if winner != uuid.Nil {
							lost = &RaceLostError{AppointmentID: a.ID, BillID: b.ID, WinningAppointmentID: winner}
							return s.loseRace(ctx, tx, a, b, winner)
						}
					}
				}

				if err := s.settle(ctx, tx, a, b, method); err != nil {
					return err
				}
				out = b
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	if lost != nil {
		return nil, lost
	}
	return out, nil
}

// slotWinner returns the appointment that already secured a's slot: first
// one with a paid bill, then any other Scheduled occupant.
func (s *Service) slotWinner(ctx context.Context, tx Tx, a *Appointment) (uuid.UUID, error) {
	rival, err := tx.PaidRivalBill(ctx, a.SlotKey(), a.ID)
	if err != nil {
		return uuid.Nil, err
	}
	if rival != nil && rival.AppointmentID != nil {
		return *rival.AppointmentID, nil
	}

	snapshot, err := tx.SlotSnapshot(ctx, a.SlotKey(), a.PatientID)
	if err != nil {
		return uuid.Nil, err
	}
	if occupant := scheduledOccupant(a, snapshot); occupant != nil {
		return occupant.ID, nil
	}

	if a.Status == StatusPending {
		if other := scheduledElsewhereThatDay(a, snapshot); other != nil {
			return uuid.Nil, &ConflictError{
				Kind:       ConflictPatientAlreadyBookedThatDay,
				Message:    rulePatientDay.message,
				ExistingID: other.ID,
			}
		}
	}
	return uuid.Nil, nil
}

func (s *Service) loseRace(ctx context.Context, tx Tx, a *Appointment, b *Bill, winner uuid.UUID) error {
	now := s.now()
	if err := a.transition(StatusCancelled, now); err != nil {
		return err
	}
	if err := tx.UpdateAppointment(ctx, a); err != nil {
		return err
	}
	if err := b.transition(BillCancelled, now); err != nil {
		return err
	}
	if err := tx.UpdateBill(ctx, b); err != nil {
		return err
	}

	others, err := tx.BillsForAppointment(ctx, a.ID)
	if err != nil {
		return err
	}
	if _, err := s.cancelPendingBills(ctx, tx, others, b.ID, now); err != nil {
		return err
	}

	return s.recordEvent(ctx, tx, EventPaymentRaceLost, &a.ID, &b.ID, map[string]any{
		"slot_key":               a.SlotKey().String(),
		"winning_appointment_id": winner.String(),
	})
}

// settle marks b Paid and, when a is Pending, secures the slot for it.
func (s *Service) settle(ctx context.Context, tx Tx, a *Appointment, b *Bill, method string) error {
	now := s.now()
	if method != "" {
		b.PaymentMethod = method
	}
	if err := b.transition(BillPaid, now); err != nil {
		return err
	}
	if err := tx.UpdateBill(ctx, b); err != nil {
		return err
	}

	payload := map[string]any{
		"amount":     b.Amount.StringFixed(2),
		"receipt_no": b.ReceiptNo,
	}
	if a != nil && a.Status == StatusPending {
		if err := a.transition(StatusScheduled, now); err != nil {
			return err
		}
		if err := tx.UpdateAppointment(ctx, a); err != nil {
			return err
		}
		payload["slot_key"] = a.SlotKey().String()
	}
	return s.recordEvent(ctx, tx, EventPaymentConfirmed, b.AppointmentID, &b.ID, payload)
}

// CancelBill cancels a pending bill. Cancelling the down payment of a Pending
// appointment abandons the booking, so the appointment is cancelled with it.
func (s *Service) CancelBill(ctx context.Context, billID uuid.UUID) (_ *Bill, err error) {
	ctx, sc := s.begin(ctx, "cancel_bill", uuid.Nil)
	defer func() { s.end(sc, err) }()

	var (
		bs  billScope
		out *Bill
	)
	err = s.runLocked(ctx, sc.op,
		func(ctx context.Context) ([]string, error) {
			return s.billKeys(ctx, sc, billID, &bs)
		},
		func(ctx context.Context) error {
			out = nil
			return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				b, err := tx.GetBill(ctx, billID)
				if err != nil {
					return err
				}
				a, err := linkedAppointment(ctx, tx, b, &bs)
				if err != nil {
					return err
				}

				now := s.now()
				if err := b.transition(BillCancelled, now); err != nil {
					return err
				}
				if err := tx.UpdateBill(ctx, b); err != nil {
					return err
				}
				if err := s.recordEvent(ctx, tx, EventBillCancelled, b.AppointmentID, &b.ID, map[string]any{
					"reason": "bill_cancelled",
				}); err != nil {
					return err
				}

				if a != nil && a.Status == StatusPending && b.Kind == BillDownPayment {
					if err := s.cancelInTx(ctx, tx, a, "down_payment_cancelled"); err != nil {
						return err
					}
				}
				out = b
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}
