package appointment

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes reservation outcomes and lock wait times. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	operations *prometheus.CounterVec
	lockWait   *prometheus.HistogramVec
	swept      prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reservation",
			Name:      "operations_total",
			Help:      "Reservation operations by outcome",
		}, []string{"op", "result"}),
		lockWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "reservation",
			Name:      "lock_wait_seconds",
			Help:      "Time spent acquiring slot locks",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"op"}),
		swept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reservation",
			Name:      "stale_pending_cancelled_total",
			Help:      "Pending appointments cancelled by the expiry sweep",
		}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.operations, m.lockWait, m.swept)
	return m
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(op, resultLabel(err)).Inc()
}

func (m *Metrics) observeLockWait(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.lockWait.WithLabelValues(op).Observe(d.Seconds())
}

func (m *Metrics) observeSwept(n int) {
	if m == nil {
		return
	}
	m.swept.Add(float64(n))
}

func resultLabel(err error) string {
	var (
		conflict   *ConflictError
		raceLost   *RaceLostError
		cancelled  *AlreadyCancelledError
		validation *ValidationError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &conflict):
		return "conflict"
	case errors.As(err, &raceLost):
		return "race_lost"
	case errors.As(err, &cancelled):
		return "already_cancelled"
	case errors.As(err, &validation):
		return "invalid"
	case errors.Is(err, ErrSlotBusy):
		return "slot_busy"
	case IsNotFound(err):
		return "not_found"
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrAppointmentSettled):
		return "rejected"
	default:
		return "error"
	}
}
