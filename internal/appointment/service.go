package appointment

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hackgods/clinic-reservation/internal/config"
	"github.com/hackgods/clinic-reservation/internal/directory"
	"github.com/hackgods/clinic-reservation/internal/lock"
)

const (
	EventAppointmentCreated   = "APPOINTMENT_CREATED"
	EventAppointmentUpdated   = "APPOINTMENT_UPDATED"
	EventAppointmentCheckedIn = "APPOINTMENT_CHECKED_IN"
	EventAppointmentCompleted = "APPOINTMENT_COMPLETED"
	EventAppointmentCancelled = "APPOINTMENT_CANCELLED"
	EventAppointmentNoShow    = "APPOINTMENT_NO_SHOW"
	EventBillCreated          = "BILL_CREATED"
	EventBillCancelled        = "BILL_CANCELLED"
	EventPaymentConfirmed     = "PAYMENT_CONFIRMED"
	EventPaymentRaceLost      = "PAYMENT_RACE_LOST"
)

var tracer = otel.Tracer("clinic/reservation")

// Service is the reservation coordinator. Every operation that can change
// who holds a slot runs under the slot lock and inside one transaction.
type Service struct {
	store        Store
	dir          directory.Directory
	locker       lock.Locker
	receipts     *ReceiptGenerator
	metrics      *Metrics
	logger       zerolog.Logger
	now          func() time.Time
	loc          *time.Location
	retries      int
	pendingGrace time.Duration
	billDueAfter time.Duration
}

type Option func(*Service)

func WithMetrics(m *Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, dir directory.Directory, locker lock.Locker, cfg config.Config, opts ...Option) (*Service, error) {
	receipts, err := NewReceiptGenerator(cfg.NodeID)
	if err != nil {
		return nil, err
	}

	s := &Service{
		store:        store,
		dir:          dir,
		locker:       locker,
		receipts:     receipts,
		logger:       zerolog.Nop(),
		now:          time.Now,
		loc:          cfg.Location,
		retries:      cfg.LockRetries,
		pendingGrace: cfg.PendingGrace,
		billDueAfter: cfg.BillDueAfter,
	}
	if s.loc == nil {
		s.loc = time.UTC
	}
	if s.retries < 1 {
		s.retries = 1
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Now is the coordinator's clock, used for derived bill status.
func (s *Service) Now() time.Time {
	return s.now()
}

type Payment struct {
	Amount decimal.Decimal
	Method string
}

type CreateRequest struct {
	PatientID        uuid.UUID
	DoctorID         uuid.UUID
	BranchID         *uuid.UUID
	Date             string
	Time             string
	Type             AppointmentType
	Concern          string
	PaymentConfirmed bool
	DownPayment      *Payment
}

// CreateAppointment books a slot. With a confirmed payment the appointment is
// Scheduled right away, otherwise it waits as Pending for ConfirmPayment.
func (s *Service) CreateAppointment(ctx context.Context, req CreateRequest) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "create", req.PatientID)
	defer func() { s.end(sc, err) }()

	if err := validateCreate(&req); err != nil {
		return nil, err
	}
	key := SlotKey{DoctorID: req.DoctorID, Date: req.Date, Time: req.Time}
	sc.setSlot(key)

	if _, err := s.dir.GetPatient(ctx, req.PatientID); err != nil {
		return nil, err
	}
	doctor, err := s.checkDoctorSlot(ctx, key)
	if err != nil {
		return nil, err
	}
	branchID, err := s.resolveBranch(ctx, doctor, req.BranchID)
	if err != nil {
		return nil, err
	}

	var created *Appointment
	err = s.runLocked(ctx, sc.op,
		func(context.Context) ([]string, error) {
			return []string{key.String(), patientDayKey(req.PatientID, req.Date)}, nil
		},
		func(ctx context.Context) error {
			return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				snapshot, err := tx.SlotSnapshot(ctx, key, req.PatientID)
				if err != nil {
					return err
				}
				cand := Candidate{PatientID: req.PatientID, DoctorID: req.DoctorID, Date: req.Date, Time: req.Time}
				if err := Validate(cand, snapshot); err != nil {
					return err
				}

				now := s.now()
				appt := &Appointment{
					ID:        uuid.New(),
					PatientID: req.PatientID,
					DoctorID:  req.DoctorID,
					BranchID:  branchID,
					Date:      req.Date,
					Time:      req.Time,
					Status:    initialStatus(req.PaymentConfirmed),
					Type:      req.Type,
					Concern:   req.Concern,
					CreatedAt: now,
					UpdatedAt: now,
				}
				if err := tx.InsertAppointment(ctx, appt); err != nil {
					return err
				}

				payload := map[string]any{
					"slot_key":   key.String(),
					"patient_id": req.PatientID.String(),
					"status":     appt.Status,
				}
				if req.DownPayment != nil {
					bill := s.newBill(appt, BillDownPayment, req.DownPayment.Amount, req.DownPayment.Method, now)
					if req.PaymentConfirmed {
						if err := bill.transition(BillPaid, now); err != nil {
							return err
						}
					}
					if err := tx.InsertBill(ctx, bill); err != nil {
						return err
					}
					if err := s.recordEvent(ctx, tx, EventBillCreated, &appt.ID, &bill.ID, map[string]any{
						"amount":     bill.Amount.StringFixed(2),
						"status":     bill.Status,
						"receipt_no": bill.ReceiptNo,
					}); err != nil {
						return err
					}
					payload["bill_id"] = bill.ID.String()
				}
				if err := s.recordEvent(ctx, tx, EventAppointmentCreated, &appt.ID, nil, payload); err != nil {
					return err
				}

				created = appt
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	return created, nil
}

type UpdateRequest struct {
	DoctorID *uuid.UUID
	BranchID *uuid.UUID
	Date     *string
	Time     *string
	Type     *AppointmentType
	Concern  *string
}

func (r UpdateRequest) empty() bool {
	return r.DoctorID == nil && r.BranchID == nil && r.Date == nil && r.Time == nil && r.Type == nil && r.Concern == nil
}

func (r UpdateRequest) apply(a Appointment) Appointment {
	if r.DoctorID != nil {
		a.DoctorID = *r.DoctorID
	}
	if r.BranchID != nil {
		a.BranchID = r.BranchID
	}
	if r.Date != nil {
		a.Date = *r.Date
	}
	if r.Time != nil {
		a.Time = *r.Time
	}
	if r.Type != nil {
		a.Type = *r.Type
	}
	if r.Concern != nil {
		a.Concern = *r.Concern
	}
	return a
}

// UpdateAppointment edits an appointment. Moving it to another slot runs the
// full validator against the new slot, excluding the appointment itself.
func (s *Service) UpdateAppointment(ctx context.Context, id uuid.UUID, req UpdateRequest) (_ *Appointment, err error) {
	ctx, sc := s.begin(ctx, "update", uuid.Nil)
	defer func() { s.end(sc, err) }()

	if err := validateUpdate(req); err != nil {
		return nil, err
	}

	var branchID *uuid.UUID
	return s.withAppointment(ctx, sc, id,
		func(ctx context.Context, cur *Appointment) ([]string, error) {
			next := req.apply(*cur)
			branchID = next.BranchID
			moved := next.SlotKey() != cur.SlotKey()
			if !moved && req.BranchID == nil {
				return nil, nil
			}

			var (
				doctor *directory.Doctor
				err    error
			)
			if moved {
				doctor, err = s.checkDoctorSlot(ctx, next.SlotKey())
			} else {
				doctor, err = s.dir.GetDoctor(ctx, next.DoctorID)
			}
			if err != nil {
				return nil, err
			}
			if branchID, err = s.resolveBranch(ctx, doctor, req.BranchID); err != nil {
				return nil, err
			}
			if moved {
				return next.lockKeys(), nil
			}
			return nil, nil
		},
		func(ctx context.Context, tx Tx, a *Appointment) error {
			if a.Status.IsTerminal() {
				return ErrInvalidTransition
			}

			before := a.SlotKey()
			next := req.apply(*a)
			next.BranchID = branchID
			if next.SlotKey() != before {
				if a.Status != StatusPending && a.Status != StatusScheduled {
					return ErrInvalidTransition
				}
				snapshot, err := tx.SlotSnapshot(ctx, next.SlotKey(), a.PatientID)
				if err != nil {
					return err
				}
				cand := Candidate{AppointmentID: a.ID, PatientID: a.PatientID, DoctorID: next.DoctorID, Date: next.Date, Time: next.Time}
				if err := Validate(cand, snapshot); err != nil {
					return err
				}
			}

			next.UpdatedAt = s.now()
			if err := tx.UpdateAppointment(ctx, &next); err != nil {
				return err
			}
			if next.DoctorID != a.DoctorID {
				if err := s.reassignBills(ctx, tx, a.ID, next.DoctorID, next.UpdatedAt); err != nil {
					return err
				}
			}
			*a = next
			return s.recordEvent(ctx, tx, EventAppointmentUpdated, &a.ID, nil, map[string]any{
				"from_slot": before.String(),
				"to_slot":   next.SlotKey().String(),
			})
		})
}

// reassignBills keeps the bills of a moved appointment on its new doctor.
func (s *Service) reassignBills(ctx context.Context, tx Tx, appointmentID, doctorID uuid.UUID, at time.Time) error {
	bills, err := tx.BillsForAppointment(ctx, appointmentID)
	if err != nil {
		return err
	}
	for i := range bills {
		b := &bills[i]
		if b.DoctorID == doctorID {
			continue
		}
		b.DoctorID = doctorID
		b.UpdatedAt = at
		if err := tx.UpdateBill(ctx, b); err != nil {
			return err
		}
	}
	return nil
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	return s.store.GetAppointment(ctx, id)
}

func (s *Service) ListBills(ctx context.Context, appointmentID uuid.UUID) ([]Bill, error) {
	if _, err := s.store.GetAppointment(ctx, appointmentID); err != nil {
		return nil, err
	}
	return s.store.ListBills(ctx, appointmentID)
}

// ListAppointments lists by patient, or by doctor and date.
func (s *Service) ListAppointments(ctx context.Context, f ListFilter) ([]Appointment, error) {
	if f.PatientID == uuid.Nil && (f.DoctorID == uuid.Nil || f.Date == "") {
		return nil, invalidField("patient_id", "patient_id, or doctor_id with date, is required")
	}
	if f.Date != "" {
		if _, err := time.Parse(DateLayout, f.Date); err != nil {
			return nil, invalidField("date", "must be YYYY-MM-DD")
		}
	}
	if f.Limit <= 0 {
		f.Limit = 20
	}
	if f.Limit > 100 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return s.store.ListAppointments(ctx, f)
}

// CheckAvailability reports whether a slot is free. Without a doctor it
// reports whether any Scheduled appointment exists at that date and time.
// It never locks and never writes.
func (s *Service) CheckAvailability(ctx context.Context, doctorID uuid.UUID, date, clock string) (bool, error) {
	if err := validateSlotFields(date, clock); err != nil {
		return false, err
	}

	f := ListFilter{Date: date, Time: clock, Statuses: []AppointmentStatus{StatusScheduled}}
	if doctorID != uuid.Nil {
		if _, err := s.checkDoctorSlot(ctx, SlotKey{DoctorID: doctorID, Date: date, Time: clock}); err != nil {
			var verr *ValidationError
			if errors.As(err, &verr) {
				return false, nil
			}
			return false, err
		}
		f.DoctorID = doctorID
		f.Statuses = append(f.Statuses, StatusCheckedIn)
	}

	occupied, err := s.store.ListAppointments(ctx, f)
	if err != nil {
		return false, err
	}
	return len(occupied) == 0, nil
}

type SlotAvailability struct {
	Time      string
	Available bool
}

// ListSlots lists a doctor's consultation slots on a date with their state.
func (s *Service) ListSlots(ctx context.Context, doctorID uuid.UUID, date string) ([]SlotAvailability, error) {
	day, err := time.ParseInLocation(DateLayout, date, s.loc)
	if err != nil {
		return nil, invalidField("date", "must be YYYY-MM-DD")
	}
	doctor, err := s.dir.GetDoctor(ctx, doctorID)
	if err != nil {
		return nil, err
	}

	occupied, err := s.store.ListAppointments(ctx, ListFilter{
		DoctorID: doctorID,
		Date:     date,
		Statuses: []AppointmentStatus{StatusScheduled, StatusCheckedIn},
	})
	if err != nil {
		return nil, err
	}
	taken := make(map[string]bool, len(occupied))
	for _, a := range occupied {
		taken[a.Time] = true
	}

	slots := doctor.SlotsOn(day)
	out := make([]SlotAvailability, 0, len(slots))
	for _, t := range slots {
		out = append(out, SlotAvailability{Time: t, Available: !taken[t]})
	}
	return out, nil
}

// withAppointment locks the appointment's slot and patient-day (plus any keys
// prepare adds), reloads it inside a transaction and hands it to mutate. The
// mutated appointment is returned.
func (s *Service) withAppointment(
	ctx context.Context,
	sc *opScope,
	id uuid.UUID,
	prepare func(ctx context.Context, cur *Appointment) ([]string, error),
	mutate func(ctx context.Context, tx Tx, a *Appointment) error,
) (*Appointment, error) {
	var (
		expected SlotKey
		out      *Appointment
	)
	err := s.runLocked(ctx, sc.op,
		func(ctx context.Context) ([]string, error) {
			cur, err := s.store.GetAppointment(ctx, id)
			if err != nil {
				return nil, err
			}
			expected = cur.SlotKey()
			sc.setSlot(expected)
			sc.setActor(cur.PatientID)

			keys := cur.lockKeys()
			if prepare != nil {
				extra, err := prepare(ctx, cur)
				if err != nil {
					return nil, err
				}
				keys = append(keys, extra...)
			}
			return keys, nil
		},
		func(ctx context.Context) error {
			out = nil
			return s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
				a, err := tx.GetAppointment(ctx, id)
				if err != nil {
					return err
				}
				if a.SlotKey() != expected {
					return errSlotMoved
				}
				if err := mutate(ctx, tx, a); err != nil {
					return err
				}
				out = a
				return nil
			})
		})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// checkDoctorSlot loads the doctor and checks the slot is one they consult in.
func (s *Service) checkDoctorSlot(ctx context.Context, key SlotKey) (*directory.Doctor, error) {
	doctor, err := s.dir.GetDoctor(ctx, key.DoctorID)
	if err != nil {
		return nil, err
	}
	start, err := key.Start(s.loc)
	if err != nil {
		return nil, invalidField("time", "must be HH:MM")
	}
	if !doctor.Offers(start) {
		return nil, invalidField("time", "the doctor does not consult at this date and time")
	}
	return doctor, nil
}

func (s *Service) resolveBranch(ctx context.Context, doctor *directory.Doctor, requested *uuid.UUID) (*uuid.UUID, error) {
	if requested == nil {
		return doctor.BranchID, nil
	}
	if _, err := s.dir.GetBranch(ctx, *requested); err != nil {
		return nil, err
	}
	if doctor.BranchID != nil && *doctor.BranchID != *requested {
		return nil, invalidField("branch_id", "the doctor does not practise at this branch")
	}
	return requested, nil
}

func (s *Service) recordEvent(ctx context.Context, tx Tx, eventType string, appointmentID, billID *uuid.UUID, payload map[string]any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", eventType).Msg("marshal event payload")
		data = nil
	}
	return tx.InsertEvent(ctx, EventLog{
		EventType:     eventType,
		AppointmentID: appointmentID,
		BillID:        billID,
		Payload:       data,
		CreatedAt:     s.now(),
	})
}

// opScope carries the per-operation span and log context.
type opScope struct {
	op    string
	span  trace.Span
	slot  string
	actor uuid.UUID
}

func (sc *opScope) setSlot(key SlotKey) {
	sc.slot = key.String()
	sc.span.SetAttributes(attribute.String("slot_key", sc.slot))
}

func (sc *opScope) setActor(patientID uuid.UUID) {
	sc.actor = patientID
	sc.span.SetAttributes(attribute.String("patient_id", patientID.String()))
}

func (s *Service) begin(ctx context.Context, op string, actor uuid.UUID) (context.Context, *opScope) {
	ctx, span := tracer.Start(ctx, "reservation."+op)
	sc := &opScope{op: op, span: span}
	if actor != uuid.Nil {
		sc.setActor(actor)
	}
	return ctx, sc
}

func (s *Service) end(sc *opScope, err error) {
	defer sc.span.End()
	s.metrics.observe(sc.op, err)
	if err == nil {
		return
	}

	sc.span.RecordError(err)
	if resultLabel(err) != "error" {
		s.logger.Debug().Err(err).Str("op", sc.op).Str("slot_key", sc.slot).Msg("reservation rejected")
		return
	}
	sc.span.SetStatus(codes.Error, err.Error())
	s.logger.Error().
		Err(err).
		Str("op", sc.op).
		Str("slot_key", sc.slot).
		Str("actor", sc.actor.String()).
		Msg("reservation operation failed")
}

func validateSlotFields(date, clock string) error {
	fields := map[string]string{}
	if _, err := time.Parse(DateLayout, date); err != nil {
		fields["date"] = "must be YYYY-MM-DD"
	}
	if _, err := time.Parse(ClockLayout, clock); err != nil || len(clock) != len(ClockLayout) {
		fields["time"] = "must be HH:MM"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func validateCreate(req *CreateRequest) error {
	fields := map[string]string{}
	if req.PatientID == uuid.Nil {
		fields["patient_id"] = "is required"
	}
	if req.DoctorID == uuid.Nil {
		fields["doctor_id"] = "is required"
	}
	var slotErr *ValidationError
	if errors.As(validateSlotFields(req.Date, req.Time), &slotErr) {
		for k, v := range slotErr.Fields {
			fields[k] = v
		}
	}
	if req.DownPayment != nil && !req.DownPayment.Amount.IsPositive() {
		fields["down_payment.amount"] = "must be greater than zero"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	if req.Type == "" {
		req.Type = TypeWalkIn
	}
	return nil
}

func validateUpdate(req UpdateRequest) error {
	if req.empty() {
		return invalidField("body", "nothing to update")
	}
	fields := map[string]string{}
	if req.DoctorID != nil && *req.DoctorID == uuid.Nil {
		fields["doctor_id"] = "must not be empty"
	}
	if req.Date != nil {
		if _, err := time.Parse(DateLayout, *req.Date); err != nil {
			fields["date"] = "must be YYYY-MM-DD"
		}
	}
	if req.Time != nil {
		if _, err := time.Parse(ClockLayout, *req.Time); err != nil || len(*req.Time) != len(ClockLayout) {
			fields["time"] = "must be HH:MM"
		}
	}
	if req.Type != nil && *req.Type == "" {
		fields["type"] = "must not be empty"
	}
	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}
