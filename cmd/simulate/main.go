package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-reservation/internal/config"
	"github.com/hackgods/clinic-reservation/internal/db"
	"github.com/hackgods/clinic-reservation/internal/directory"
	"github.com/hackgods/clinic-reservation/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	PayRatio     float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	Days         int
	PostgresDSN  string
	Location     *time.Location
}

type doctorSlots struct {
	ID    uuid.UUID
	Slots [][2]string // date, time
}

type DataPool struct {
	Patients []uuid.UUID
	Doctors  []doctorSlots
	mu       sync.RWMutex
	bills    []uuid.UUID // pending deposit bills created by bookings
}

func (dp *DataPool) AddBill(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.bills = append(dp.bills, id)
}

func (dp *DataPool) GetRandomBill(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.bills) == 0 {
		return uuid.Nil, false
	}
	return dp.bills[rng.Intn(len(dp.bills))], true
}

// opStats counts outcomes of one kind of request and keeps every latency
// for the percentile report.
type opStats struct {
	mu        sync.Mutex
	ok        int
	conflict  int
	failed    int
	latencies []time.Duration
}

func (o *opStats) record(latency time.Duration, ok, conflict bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	switch {
	case ok:
		o.ok++
	case conflict:
		o.conflict++
	default:
		o.failed++
	}
	o.latencies = append(o.latencies, latency)
}

// summary returns the counters and p50/p95/p99/max latencies.
func (o *opStats) summary() (ok, conflict, failed int, pct [4]time.Duration) {
	o.mu.Lock()
	sorted := slices.Clone(o.latencies)
	ok, conflict, failed = o.ok, o.conflict, o.failed
	o.mu.Unlock()

	if len(sorted) == 0 {
		return
	}
	slices.Sort(sorted)
	for i, q := range []float64{0.50, 0.95, 0.99, 1} {
		idx := int(q*float64(len(sorted))) - 1
		pct[i] = sorted[max(idx, 0)]
	}
	return
}

type Metrics struct {
	Booking      opStats
	Pay          opStats
	RaceLost     atomic.Int64
	Availability opStats
	List         opStats
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	logger  zerolog.Logger
}

func main() {
	base, err := config.Load()
	if err != nil {
		logging.New("info", "production").Fatal().Err(err).Msg("config load error")
	}
	logger := logging.New(base.LogLevel, base.Env).With().Str("cmd", "simulate").Logger()

	cfg := loadConfig(base)
	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("pay", cfg.PayRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, 4)
	if err != nil {
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}
	logger.Info().Int("patients", len(dataPool.Patients)).Int("doctors", len(dataPool.Doctors)).Msg("loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	if err := sim.Run(); err != nil {
		logger.Fatal().Err(err).Msg("simulation failed")
	}
	sim.PrintReport()

	violations, err := checkInvariants(context.Background(), pgPool)
	if err != nil {
		logger.Fatal().Err(err).Msg("invariant check")
	}
	printInvariants(violations)
	if len(violations) > 0 {
		os.Exit(1)
	}
}

func loadConfig(base config.Config) SimConfig {
	cfg := SimConfig{
		APIBaseURL:   env("SIM_API_BASE_URL", "http://localhost:8080", identity),
		Duration:     env("SIM_DURATION", 30*time.Second, time.ParseDuration),
		Workers:      env("SIM_WORKERS", 10, strconv.Atoi),
		BookingRatio: env("SIM_BOOKING_RATIO", 0.5, parseFloat),
		PayRatio:     env("SIM_PAY_RATIO", 0.3, parseFloat),
		ReadRatio:    env("SIM_READ_RATIO", 0.2, parseFloat),
		PatientLimit: env("SIM_PATIENT_LIMIT", 4000, strconv.Atoi),
		DoctorLimit:  env("SIM_DOCTOR_LIMIT", 10, strconv.Atoi),
		Days:         env("SIM_DAYS", 3, strconv.Atoi),
		PostgresDSN:  base.PostgresDSN,
		Location:     base.Location,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.PayRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.PayRatio /= total
		cfg.ReadRatio /= total
	}
	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	if cfg.Days <= 0 {
		return fmt.Errorf("SIM_DAYS must be > 0")
	}
	return nil
}

// loadDataPool picks patients and a handful of doctors so bookings pile up
// on the same slots.
func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM doctors ORDER BY id LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	var doctorIDs []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		doctorIDs = append(doctorIDs, id)
	}
	rows.Close()

	dir := directory.NewPgDirectory(pool)
	today := time.Now().In(cfg.Location)
	for _, id := range doctorIDs {
		doc, err := dir.GetDoctor(ctx, id)
		if err != nil {
			return nil, err
		}
		ds := doctorSlots{ID: id}
		for d := 1; d <= cfg.Days; d++ {
			day := today.AddDate(0, 0, d)
			date := day.Format("2006-01-02")
			for _, t := range doc.SlotsOn(day) {
				ds.Slots = append(ds.Slots, [2]string{date, t})
			}
		}
		if len(ds.Slots) > 0 {
			dataPool.Doctors = append(dataPool.Doctors, ds)
		}
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors with open slots in the next %d days", cfg.Days)
	}
	return dataPool, nil
}

func (s *Simulator) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.logger.Info().Dur("duration", s.config.Duration).Int("workers", s.config.Workers).Msg("starting simulation")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	s.logger.Info().Msg("simulation complete")
	return nil
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, rng)
		case r < s.config.BookingRatio+s.config.PayRatio:
			s.doPay(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doAvailability(ctx, rng)
			} else {
				s.doListByPatient(ctx, rng)
			}
		}
	}
}

func (s *Simulator) randomSlot(rng *rand.Rand) (uuid.UUID, string, string) {
	doc := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	slot := doc.Slots[rng.Intn(len(doc.Slots))]
	return doc.ID, slot[0], slot[1]
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	doctorID, date, clock := s.randomSlot(rng)
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	body := map[string]any{
		"patient_id":   patientID,
		"doctor_id":    doctorID,
		"date":         date,
		"time":         clock,
		"down_payment": map[string]any{"amount": "200.00", "payment_method": "gcash"},
	}

	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/appointments", body, &appt)
	if err != nil {
		s.metrics.Booking.record(latency, false, false)
		return
	}
	s.metrics.Booking.record(latency, status == http.StatusCreated, status == http.StatusConflict)
	if status != http.StatusCreated {
		return
	}

	var bills []struct {
		ID uuid.UUID `json:"id"`
	}
	if status, _, err := s.call(ctx, http.MethodGet, "/appointments/"+appt.ID.String()+"/bills", nil, &bills); err == nil && status == http.StatusOK {
		for _, b := range bills {
			s.pool.AddBill(b.ID)
		}
	}
}

func (s *Simulator) doPay(ctx context.Context, rng *rand.Rand) {
	billID, ok := s.pool.GetRandomBill(rng)
	if !ok {
		return
	}

	var out struct {
		CanReschedule *bool `json:"can_reschedule"`
	}
	status, latency, err := s.call(ctx, http.MethodPost, "/bills/"+billID.String()+"/pay",
		map[string]any{"payment_method": "card"}, &out)
	if err != nil {
		s.metrics.Pay.record(latency, false, false)
		return
	}
	if status == http.StatusConflict && out.CanReschedule != nil {
		s.metrics.RaceLost.Add(1)
	}
	s.metrics.Pay.record(latency, status == http.StatusOK, status == http.StatusConflict)
}

func (s *Simulator) doAvailability(ctx context.Context, rng *rand.Rand) {
	doctorID, date, clock := s.randomSlot(rng)
	path := fmt.Sprintf("/availability?doctor_id=%s&date=%s&time=%s", doctorID, date, clock)
	status, latency, err := s.call(ctx, http.MethodGet, path, nil, nil)
	s.metrics.Availability.record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doListByPatient(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	path := fmt.Sprintf("/appointments?patient_id=%s&limit=20&offset=0", patientID)
	status, latency, err := s.call(ctx, http.MethodGet, path, nil, nil)
	s.metrics.List.record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) call(ctx context.Context, method, path string, body, out any) (int, time.Duration, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()

	if out != nil {
		_ = json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode, latency, nil
}

// checkInvariants queries for states the coordinator must never produce.
func checkInvariants(ctx context.Context, pool *pgxpool.Pool) (map[string]int, error) {
	checks := map[string]string{
		"doctor slot scheduled twice": `
			SELECT count(*) FROM (
				SELECT 1 FROM appointments WHERE status = 'scheduled'
				GROUP BY doctor_id, appointment_date, appointment_time HAVING count(*) > 1
			) x`,
		"patient scheduled twice in a day": `
			SELECT count(*) FROM (
				SELECT 1 FROM appointments WHERE status = 'scheduled'
				GROUP BY patient_id, appointment_date HAVING count(*) > 1
			) x`,
		"paid bill on unconsumed appointment": `
			SELECT count(*) FROM bills b JOIN appointments a ON a.id = b.appointment_id
			WHERE b.status = 'paid' AND a.status IN ('pending', 'cancelled')`,
		"pending bill on cancelled appointment": `
			SELECT count(*) FROM bills b JOIN appointments a ON a.id = b.appointment_id
			WHERE b.status = 'pending' AND a.status = 'cancelled'`,
	}

	violations := map[string]int{}
	for name, q := range checks {
		var n int
		if err := pool.QueryRow(ctx, q).Scan(&n); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		if n > 0 {
			violations[name] = n
		}
	}
	return violations, nil
}

func (s *Simulator) PrintReport() {
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "\nload: %s with %d workers, %d payment races lost\n\n",
		s.config.Duration, s.config.Workers, s.metrics.RaceLost.Load())
	fmt.Fprintln(tw, "operation\tok\tconflict\tfailed\tp50\tp95\tp99\tmax")

	for _, op := range []struct {
		name  string
		stats *opStats
	}{
		{"book", &s.metrics.Booking},
		{"pay", &s.metrics.Pay},
		{"availability", &s.metrics.Availability},
		{"list", &s.metrics.List},
	} {
		ok, conflict, failed, pct := op.stats.summary()
		if ok+conflict+failed == 0 {
			continue
		}
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d", op.name, ok, conflict, failed)
		for _, d := range pct {
			fmt.Fprintf(tw, "\t%s", d.Round(time.Millisecond))
		}
		fmt.Fprintln(tw)
	}
	_ = tw.Flush()
}

func printInvariants(violations map[string]int) {
	if len(violations) == 0 {
		fmt.Println("\ninvariants: all hold")
		return
	}
	fmt.Println("\ninvariants violated:")
	for name, n := range violations {
		fmt.Printf("  %s: %d\n", name, n)
	}
}

// env reads key with parse, keeping def when unset or unparsable.
func env[T any](key string, def T, parse func(string) (T, error)) T {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	out, err := parse(v)
	if err != nil {
		return def
	}
	return out
}

func parseFloat(s string) (float64, error) { return strconv.ParseFloat(s, 64) }

func identity(s string) (string, error) { return s, nil }
