package appointment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/clinic-reservation/internal/config"
	"github.com/hackgods/clinic-reservation/internal/directory"
	"github.com/hackgods/clinic-reservation/internal/lock"
)

const day = "2024-06-01"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc     *Service
	store   *MemoryStore
	dir     *directory.Static
	clock   *testClock
	metrics *Metrics
	d1, d2  uuid.UUID
}

func newFixture(t *testing.T, locker lock.Locker) *fixture {
	t.Helper()

	dir := directory.NewStatic()
	f := &fixture{
		store: NewMemoryStore(),
		dir:   dir,
		clock: &testClock{now: time.Date(2024, 6, 1, 7, 0, 0, 0, time.UTC)},
		d1:    uuid.New(),
		d2:    uuid.New(),
	}
	dir.AddDoctor(directory.Doctor{ID: f.d1, Name: "Dr. Santos", SlotInterval: 30 * time.Minute, ConsultationFee: decimal.NewFromInt(500)})
	dir.AddDoctor(directory.Doctor{ID: f.d2, Name: "Dr. Cruz", SlotInterval: 30 * time.Minute, ConsultationFee: decimal.NewFromInt(650)})

	if locker == nil {
		locker = lock.NewLocalLocker(500 * time.Millisecond)
	}
	cfg := config.Config{
		LockRetries:  3,
		PendingGrace: 2 * time.Hour,
		BillDueAfter: 72 * time.Hour,
		NodeID:       7,
		Location:     time.UTC,
	}
	f.metrics = NewMetrics(prometheus.NewRegistry())

	svc, err := NewService(f.store, dir, locker, cfg, WithClock(f.clock.Now), WithMetrics(f.metrics))
	require.NoError(t, err)
	f.svc = svc
	return f
}

func (f *fixture) patient() uuid.UUID {
	id := uuid.New()
	f.dir.AddPatient(directory.Patient{ID: id, Name: "Patient " + id.String()[:8]})
	return id
}

func (f *fixture) book(t *testing.T, patient, doctor uuid.UUID, clock string, paid bool) *Appointment {
	t.Helper()
	a, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID:        patient,
		DoctorID:         doctor,
		Date:             day,
		Time:             clock,
		PaymentConfirmed: paid,
	})
	require.NoError(t, err)
	return a
}

func (f *fixture) bookWithDeposit(t *testing.T, patient, doctor uuid.UUID, clock string) (*Appointment, *Bill) {
	t.Helper()
	ctx := context.Background()
	a, err := f.svc.CreateAppointment(ctx, CreateRequest{
		PatientID:   patient,
		DoctorID:    doctor,
		Date:        day,
		Time:        clock,
		DownPayment: &Payment{Amount: decimal.NewFromInt(200), Method: "gcash"},
	})
	require.NoError(t, err)

	bills, err := f.svc.ListBills(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	return a, &bills[0]
}

func (f *fixture) status(t *testing.T, id uuid.UUID) AppointmentStatus {
	t.Helper()
	a, err := f.store.GetAppointment(context.Background(), id)
	require.NoError(t, err)
	return a.Status
}

func (f *fixture) billStatus(t *testing.T, id uuid.UUID) BillStatus {
	t.Helper()
	b, err := f.store.GetBill(context.Background(), id)
	require.NoError(t, err)
	return b.Status
}

func (f *fixture) scheduledAt(t *testing.T, doctor uuid.UUID, clock string) int {
	t.Helper()
	list, err := f.store.ListAppointments(context.Background(), ListFilter{
		DoctorID: doctor, Date: day, Time: clock, Statuses: []AppointmentStatus{StatusScheduled},
	})
	require.NoError(t, err)
	return len(list)
}

func eventTypes(store *MemoryStore) []string {
	var out []string
	for _, ev := range store.Events() {
		out = append(out, ev.EventType)
	}
	return out
}

func TestCreateConfirmedBookingBlocksOthers(t *testing.T) {
	f := newFixture(t, nil)
	p1, p2 := f.patient(), f.patient()

	a1 := f.book(t, p1, f.d1, "09:00", true)
	assert.Equal(t, StatusScheduled, a1.Status)

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID: p2, DoctorID: f.d1, Date: day, Time: "09:00", PaymentConfirmed: true,
	})
	assert.Equal(t, ConflictSlotTakenByScheduled, conflictKind(t, err))
	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "09:00"))
}

func TestCreateSameTimeOtherDoctor(t *testing.T) {
	f := newFixture(t, nil)
	p1 := f.patient()
	f.book(t, p1, f.d1, "09:00", true)

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID: p1, DoctorID: f.d2, Date: day, Time: "09:00",
	})
	assert.Equal(t, ConflictPatientTimeDuplicateAnyDoctor, conflictKind(t, err))
}

func TestCreateSecondBookingSameDay(t *testing.T) {
	f := newFixture(t, nil)
	p1 := f.patient()
	f.book(t, p1, f.d1, "09:00", true)

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID: p1, DoctorID: f.d2, Date: day, Time: "10:00",
	})
	assert.Equal(t, ConflictPatientAlreadyBookedThatDay, conflictKind(t, err))
}

func TestCreateRejectsBadInput(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.CreateAppointment(ctx, CreateRequest{Date: "01/06/2024", Time: "9am"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "patient_id")
	assert.Contains(t, verr.Fields, "doctor_id")
	assert.Contains(t, verr.Fields, "date")
	assert.Contains(t, verr.Fields, "time")

	_, err = f.svc.CreateAppointment(ctx, CreateRequest{PatientID: uuid.New(), DoctorID: f.d1, Date: day, Time: "09:00"})
	assert.ErrorIs(t, err, directory.ErrPatientNotFound)

	_, err = f.svc.CreateAppointment(ctx, CreateRequest{PatientID: f.patient(), DoctorID: f.d1, Date: day, Time: "09:10"})
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Fields, "time")
}

func TestCreateOutsideAvailabilityWindow(t *testing.T) {
	f := newFixture(t, nil)
	doc := uuid.New()
	f.dir.AddDoctor(directory.Doctor{
		ID:           doc,
		SlotInterval: 30 * time.Minute,
		Windows:      []directory.Window{{Weekday: time.Saturday, Start: 8 * 60, End: 12 * 60}},
	})
	p := f.patient()

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{PatientID: p, DoctorID: doc, Date: day, Time: "13:00"})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)

	f.book(t, p, doc, "08:30", false)
}

func TestCreateWithDepositRecordsBill(t *testing.T) {
	f := newFixture(t, nil)
	p := f.patient()

	a, bill := f.bookWithDeposit(t, p, f.d1, "09:00")
	assert.Equal(t, StatusPending, a.Status)
	assert.Equal(t, BillPending, bill.Status)
	assert.Equal(t, BillDownPayment, bill.Kind)
	assert.True(t, bill.Amount.Equal(decimal.NewFromInt(200)))
	assert.Regexp(t, `^RCPT-20240601-[0-9A-Z]+$`, bill.ReceiptNo)
	assert.Equal(t, f.clock.Now().Add(72*time.Hour), bill.DueDate)
	assert.Equal(t, []string{EventBillCreated, EventAppointmentCreated}, eventTypes(f.store))
}

func TestPaymentRace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p1, p2 := f.patient(), f.patient()

	a1, b1 := f.bookWithDeposit(t, p1, f.d1, "09:00")
	a2, b2 := f.bookWithDeposit(t, p2, f.d1, "09:00")

	paid, err := f.svc.ConfirmPayment(ctx, b1.ID, "card")
	require.NoError(t, err)
	assert.Equal(t, BillPaid, paid.Status)
	assert.NotNil(t, paid.PaidAt)
	assert.Equal(t, StatusScheduled, f.status(t, a1.ID))

	_, err = f.svc.ConfirmPayment(ctx, b2.ID, "card")
	var lost *RaceLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, a1.ID, lost.WinningAppointmentID)
	assert.Equal(t, a2.ID, lost.AppointmentID)
	assert.Equal(t, StatusCancelled, f.status(t, a2.ID))
	assert.Equal(t, BillCancelled, f.billStatus(t, b2.ID))

	_, err = f.svc.ConfirmPayment(ctx, b2.ID, "card")
	var cancelled *AlreadyCancelledError
	require.ErrorAs(t, err, &cancelled)
	assert.Equal(t, b2.ID, cancelled.BillID)

	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "09:00"))
	assert.Contains(t, eventTypes(f.store), EventPaymentRaceLost)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.operations.WithLabelValues("confirm_payment", "race_lost")))
}

func TestPaymentLosesToScheduledBookingWithoutBill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p1, p2 := f.patient(), f.patient()

	a1, b1 := f.bookWithDeposit(t, p1, f.d1, "09:00")
	require.Equal(t, StatusPending, a1.Status)
	// a pending deposit does not hold the slot
	a2 := f.book(t, p2, f.d1, "09:00", true)
	require.Equal(t, StatusScheduled, a2.Status)

	_, err := f.svc.ConfirmPayment(ctx, b1.ID, "card")
	var lost *RaceLostError
	require.ErrorAs(t, err, &lost)
	assert.Equal(t, a2.ID, lost.WinningAppointmentID)
	assert.Equal(t, a1.ID, lost.AppointmentID)

	assert.Equal(t, StatusCancelled, f.status(t, a1.ID))
	assert.Equal(t, BillCancelled, f.billStatus(t, b1.ID))
	assert.Equal(t, StatusScheduled, f.status(t, a2.ID))
	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "09:00"))
	assert.Contains(t, eventTypes(f.store), EventPaymentRaceLost)
}

func TestConfirmPaymentIsIdempotent(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	_, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")

	first, err := f.svc.ConfirmPayment(ctx, b.ID, "cash")
	require.NoError(t, err)
	second, err := f.svc.ConfirmPayment(ctx, b.ID, "cash")
	require.NoError(t, err)
	assert.Equal(t, first.PaidAt, second.PaidAt)
}

func TestConfirmPaymentKeepsOnePerDay(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.patient()

	a1, b1 := f.bookWithDeposit(t, p, f.d1, "09:00")
	a2, b2 := f.bookWithDeposit(t, p, f.d2, "11:00")

	_, err := f.svc.ConfirmPayment(ctx, b1.ID, "card")
	require.NoError(t, err)

	_, err = f.svc.ConfirmPayment(ctx, b2.ID, "card")
	assert.Equal(t, ConflictPatientAlreadyBookedThatDay, conflictKind(t, err))
	assert.Equal(t, StatusScheduled, f.status(t, a1.ID))
	assert.Equal(t, StatusPending, f.status(t, a2.ID))
	assert.Equal(t, BillPending, f.billStatus(t, b2.ID))
}

func TestConcurrentPaymentsHaveOneWinner(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 12
	type booking struct{ appointment, bill uuid.UUID }
	bookings := make([]booking, n)
	bills := make([]uuid.UUID, n)
	for i := range bookings {
		a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")
		bookings[i] = booking{a.ID, b.ID}
		bills[i] = b.ID
	}

	var (
		wg       sync.WaitGroup
		won      atomic.Int32
		lostRace atomic.Int32
		busy     atomic.Int32
	)
	for _, id := range bills {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			_, err := f.svc.ConfirmPayment(ctx, id, "card")
			var lost *RaceLostError
			switch {
			case err == nil:
				won.Add(1)
			case errors.As(err, &lost):
				lostRace.Add(1)
			case errors.Is(err, ErrSlotBusy):
				busy.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, int32(1), won.Load())
	assert.Equal(t, int32(n-1), lostRace.Load()+busy.Load())
	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "09:00"))

	// a cancelled appointment always takes its bill with it, and only those
	var cancelled int32
	for _, bk := range bookings {
		st, bst := f.status(t, bk.appointment), f.billStatus(t, bk.bill)
		assert.Equal(t, st == StatusCancelled, bst == BillCancelled, "appointment %s is %s but bill is %s", bk.appointment, st, bst)
		assert.Equal(t, st == StatusScheduled, bst == BillPaid)
		if st == StatusCancelled {
			cancelled++
		}
	}
	assert.Equal(t, lostRace.Load(), cancelled)
}

func TestConcurrentConfirmedBookingsOnOneSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	const n = 10
	var (
		wg      sync.WaitGroup
		created atomic.Int32
	)
	for i := 0; i < n; i++ {
		p := f.patient()
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.CreateAppointment(ctx, CreateRequest{
				PatientID: p, DoctorID: f.d1, Date: day, Time: "10:00", PaymentConfirmed: true,
			})
			if err == nil {
				created.Add(1)
				return
			}
			var c *ConflictError
			if !errors.As(err, &c) && !errors.Is(err, ErrSlotBusy) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), created.Load())
	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "10:00"))
}

func TestDifferentSlotsDoNotContend(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 8)
	for i := range errs {
		p := f.patient()
		clock := fmt.Sprintf("%02d:00", 8+i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateAppointment(ctx, CreateRequest{
				PatientID: p, DoctorID: f.d1, Date: day, Time: clock, PaymentConfirmed: true,
			})
		}(i)
	}
	wg.Wait()

	for _, err := range errs {
		assert.NoError(t, err)
	}
}

type busyLocker struct {
	attempts atomic.Int32
}

func (l *busyLocker) WithSlotLock(context.Context, []string, func(context.Context) error) error {
	l.attempts.Add(1)
	return lock.ErrNotAcquired
}

func TestSlotBusyAfterBoundedRetries(t *testing.T) {
	locker := &busyLocker{}
	f := newFixture(t, locker)
	p := f.patient()

	_, err := f.svc.CreateAppointment(context.Background(), CreateRequest{
		PatientID: p, DoctorID: f.d1, Date: day, Time: "09:00",
	})
	assert.ErrorIs(t, err, ErrSlotBusy)
	assert.Equal(t, int32(3), locker.attempts.Load())

	list, err := f.store.ListAppointments(context.Background(), ListFilter{PatientID: p})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestCancelCascadesPendingBills(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")

	extra, err := f.svc.CreateBill(ctx, CreateBillRequest{AppointmentID: &a.ID, Amount: decimal.NewFromInt(50)})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAppointment(ctx, a.ID, "patient_request")
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)
	assert.Equal(t, BillCancelled, f.billStatus(t, b.ID))
	assert.Equal(t, BillCancelled, f.billStatus(t, extra.ID))

	_, err = f.svc.ConfirmPayment(ctx, b.ID, "card")
	var already *AlreadyCancelledError
	assert.ErrorAs(t, err, &already)

	_, err = f.svc.CreateBill(ctx, CreateBillRequest{AppointmentID: &a.ID, Amount: decimal.NewFromInt(50)})
	assert.ErrorAs(t, err, &already)
}

func TestCancelRefusesSettledAppointment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")

	_, err := f.svc.ConfirmPayment(ctx, b.ID, "card")
	require.NoError(t, err)

	_, err = f.svc.CancelAppointment(ctx, a.ID, "patient_request")
	assert.ErrorIs(t, err, ErrAppointmentSettled)
	assert.Equal(t, StatusScheduled, f.status(t, a.ID))
	assert.Equal(t, BillPaid, f.billStatus(t, b.ID))
}

// failingStore fails the first bill update inside a transaction.
type failingStore struct {
	*MemoryStore
}

func (s failingStore) InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return s.MemoryStore.InTx(ctx, func(ctx context.Context, tx Tx) error {
		return fn(ctx, failingTx{Tx: tx})
	})
}

type failingTx struct {
	Tx
}

func (failingTx) UpdateBill(context.Context, *Bill) error {
	return errors.New("disk full")
}

func TestCancelIsAllOrNothing(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")

	svc, err := NewService(failingStore{f.store}, f.dir, lock.NewLocalLocker(time.Second), config.Config{LockRetries: 1, NodeID: 2})
	require.NoError(t, err)

	_, err = svc.CancelAppointment(ctx, a.ID, "patient_request")
	require.Error(t, err)
	assert.Equal(t, StatusPending, f.status(t, a.ID))
	assert.Equal(t, BillPending, f.billStatus(t, b.ID))
}

func TestCheckInFlow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p1, p2 := f.patient(), f.patient()

	a1 := f.book(t, p1, f.d1, "09:00", true)
	a2 := f.book(t, p2, f.d1, "09:30", false)

	checked, err := f.svc.CheckIn(ctx, a1.ID, CheckInRequest{PaymentReceived: true, PaymentMethod: "cash"})
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, checked.Status)
	assert.NotNil(t, checked.CheckInTime)

	bills, err := f.svc.ListBills(ctx, a1.ID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, BillPaid, bills[0].Status)
	assert.Equal(t, BillConsultation, bills[0].Kind)
	assert.True(t, bills[0].Amount.Equal(decimal.NewFromInt(500)))

	pendingChecked, err := f.svc.CheckIn(ctx, a2.ID, CheckInRequest{})
	require.NoError(t, err)
	assert.Equal(t, StatusCheckedIn, pendingChecked.Status)

	done, err := f.svc.CompleteAppointment(ctx, a1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, done.Status)

	_, err = f.svc.CompleteAppointment(ctx, a1.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckInPendingBlockedByScheduledOccupant(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p1, p2 := f.patient(), f.patient()

	pending := f.book(t, p1, f.d1, "09:00", false)
	f.book(t, p2, f.d1, "09:00", true)

	_, err := f.svc.CheckIn(ctx, pending.ID, CheckInRequest{})
	assert.Equal(t, ConflictSlotTakenByScheduled, conflictKind(t, err))
	assert.Equal(t, StatusPending, f.status(t, pending.ID))
}

func TestMarkNoShow(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pending := f.book(t, f.patient(), f.d1, "09:00", false)
	_, err := f.svc.MarkNoShow(ctx, pending.ID)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	scheduled := f.book(t, f.patient(), f.d1, "10:00", true)
	got, err := f.svc.MarkNoShow(ctx, scheduled.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusNoShow, got.Status)
}

func TestUpdateMovesSlot(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p1, p2 := f.patient(), f.patient()

	a1 := f.book(t, p1, f.d1, "09:00", true)
	f.book(t, p2, f.d1, "10:00", true)

	clock := "10:00"
	_, err := f.svc.UpdateAppointment(ctx, a1.ID, UpdateRequest{Time: &clock})
	assert.Equal(t, ConflictSlotTakenByScheduled, conflictKind(t, err))

	clock = "11:00"
	concern := "follow-up on labs"
	moved, err := f.svc.UpdateAppointment(ctx, a1.ID, UpdateRequest{Time: &clock, Concern: &concern})
	require.NoError(t, err)
	assert.Equal(t, "11:00", moved.Time)
	assert.Equal(t, concern, moved.Concern)
	assert.Equal(t, StatusScheduled, moved.Status)

	assert.Equal(t, 0, f.scheduledAt(t, f.d1, "09:00"))
	assert.Equal(t, 1, f.scheduledAt(t, f.d1, "11:00"))

	_, err = f.svc.UpdateAppointment(ctx, a1.ID, UpdateRequest{})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestUpdateDoctorMovesBills(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")
	require.Equal(t, f.d1, b.DoctorID)

	moved, err := f.svc.UpdateAppointment(ctx, a.ID, UpdateRequest{DoctorID: &f.d2})
	require.NoError(t, err)
	assert.Equal(t, f.d2, moved.DoctorID)

	bills, err := f.svc.ListBills(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, bills, 1)
	assert.Equal(t, f.d2, bills[0].DoctorID)
	assert.Equal(t, moved.UpdatedAt, bills[0].UpdatedAt)

	paid, err := f.svc.ConfirmPayment(ctx, b.ID, "card")
	require.NoError(t, err)
	assert.Equal(t, f.d2, paid.DoctorID)
	assert.Equal(t, 1, f.scheduledAt(t, f.d2, "09:00"))
}

func TestUpdateTerminalAppointment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.book(t, f.patient(), f.d1, "09:00", false)

	_, err := f.svc.CancelAppointment(ctx, a.ID, "patient_request")
	require.NoError(t, err)

	concern := "changed my mind"
	_, err = f.svc.UpdateAppointment(ctx, a.ID, UpdateRequest{Concern: &concern})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCancelBillAbandonsPendingBooking(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a, b := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")

	got, err := f.svc.CancelBill(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, BillCancelled, got.Status)
	assert.Equal(t, StatusCancelled, f.status(t, a.ID))
}

func TestStandaloneBill(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.patient()

	bill, err := f.svc.CreateBill(ctx, CreateBillRequest{PatientID: p, DoctorID: f.d2, Amount: decimal.RequireFromString("125.50"), Kind: BillOther})
	require.NoError(t, err)
	assert.Nil(t, bill.AppointmentID)

	f.clock.Set(f.clock.Now().Add(96 * time.Hour))
	got, err := f.svc.GetBill(ctx, bill.ID)
	require.NoError(t, err)
	assert.Equal(t, BillOverdue, got.DisplayStatus(f.svc.Now()))

	paid, err := f.svc.ConfirmPayment(ctx, bill.ID, "cash")
	require.NoError(t, err)
	assert.Equal(t, BillPaid, paid.DisplayStatus(f.svc.Now()))

	_, err = f.svc.CreateBill(ctx, CreateBillRequest{PatientID: p, DoctorID: f.d2})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestAvailability(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	free, err := f.svc.CheckAvailability(ctx, f.d1, day, "09:00")
	require.NoError(t, err)
	assert.True(t, free)

	f.book(t, f.patient(), f.d1, "09:00", false)
	free, err = f.svc.CheckAvailability(ctx, f.d1, day, "09:00")
	require.NoError(t, err)
	assert.True(t, free, "pending bookings do not take the slot")

	f.book(t, f.patient(), f.d1, "09:00", true)
	for i := 0; i < 2; i++ {
		free, err = f.svc.CheckAvailability(ctx, f.d1, day, "09:00")
		require.NoError(t, err)
		assert.False(t, free)
	}

	free, err = f.svc.CheckAvailability(ctx, uuid.Nil, day, "09:00")
	require.NoError(t, err)
	assert.False(t, free)

	free, err = f.svc.CheckAvailability(ctx, f.d2, day, "09:00")
	require.NoError(t, err)
	assert.True(t, free)

	_, err = f.svc.CheckAvailability(ctx, f.d1, day, "9")
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestListSlots(t *testing.T) {
	f := newFixture(t, nil)
	doc := uuid.New()
	f.dir.AddDoctor(directory.Doctor{
		ID:           doc,
		SlotInterval: time.Hour,
		Windows:      []directory.Window{{Weekday: time.Saturday, Start: 9 * 60, End: 12 * 60}},
	})
	f.book(t, f.patient(), doc, "10:00", true)

	slots, err := f.svc.ListSlots(context.Background(), doc, day)
	require.NoError(t, err)
	assert.Equal(t, []SlotAvailability{
		{Time: "09:00", Available: true},
		{Time: "10:00", Available: false},
		{Time: "11:00", Available: true},
	}, slots)
}

func TestListAppointments(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	p := f.patient()
	f.book(t, p, f.d1, "09:00", false)
	f.book(t, f.patient(), f.d1, "10:00", true)

	mine, err := f.svc.ListAppointments(ctx, ListFilter{PatientID: p})
	require.NoError(t, err)
	assert.Len(t, mine, 1)

	doctorDay, err := f.svc.ListAppointments(ctx, ListFilter{DoctorID: f.d1, Date: day})
	require.NoError(t, err)
	require.Len(t, doctorDay, 2)
	assert.Equal(t, "09:00", doctorDay[0].Time)

	_, err = f.svc.ListAppointments(ctx, ListFilter{DoctorID: f.d1})
	var verr *ValidationError
	assert.ErrorAs(t, err, &verr)
}

func TestSweepStalePending(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	stale, staleBill := f.bookWithDeposit(t, f.patient(), f.d1, "09:00")
	fresh := f.book(t, f.patient(), f.d1, "11:00", false)
	paid := f.book(t, f.patient(), f.d1, "08:00", true)

	f.clock.Set(time.Date(2024, 6, 1, 11, 30, 0, 0, time.UTC))
	n, err := f.svc.SweepStalePending(ctx, 50)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, StatusCancelled, f.status(t, stale.ID))
	assert.Equal(t, BillCancelled, f.billStatus(t, staleBill.ID))
	assert.Equal(t, StatusPending, f.status(t, fresh.ID))
	assert.Equal(t, StatusScheduled, f.status(t, paid.ID))

	n, err = f.svc.SweepStalePending(ctx, 50)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestGetMissingRecords(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.svc.GetAppointment(ctx, uuid.New())
	assert.True(t, IsNotFound(err))

	_, err = f.svc.ConfirmPayment(ctx, uuid.New(), "card")
	assert.ErrorIs(t, err, ErrBillNotFound)

	_, err = f.svc.CancelAppointment(ctx, uuid.New(), "")
	assert.ErrorIs(t, err, ErrAppointmentNotFound)
}
