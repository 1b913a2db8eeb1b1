package directory

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

const DefaultSlotInterval = 30 * time.Minute

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	Phone     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Branch struct {
	ID      uuid.UUID
	Name    string
	Address *string
}

type Doctor struct {
	ID              uuid.UUID
	Name            string
	Specialty       *string
	BranchID        *uuid.UUID
	SlotInterval    time.Duration
	ConsultationFee decimal.Decimal
	Windows         []Window
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Window is a weekly consultation window, minutes counted from midnight.
type Window struct {
	Weekday time.Weekday
	Start   int
	End     int
}

func (w Window) contains(minute, interval int) bool {
	return minute >= w.Start && minute+interval <= w.End && (minute-w.Start)%interval == 0
}

func (d *Doctor) interval() int {
	if d.SlotInterval <= 0 {
		return int(DefaultSlotInterval / time.Minute)
	}
	return int(d.SlotInterval / time.Minute)
}

// Offers reports whether start lands on the doctor's slot grid inside one of
// the published windows. A doctor without windows takes any aligned time.
func (d *Doctor) Offers(start time.Time) bool {
	minute := start.Hour()*60 + start.Minute()
	step := d.interval()
	if len(d.Windows) == 0 {
		return minute%step == 0
	}
	for _, w := range d.Windows {
		if w.Weekday == start.Weekday() && w.contains(minute, step) {
			return true
		}
	}
	return false
}

// SlotsOn lists the "15:04" start times the doctor offers on day.
func (d *Doctor) SlotsOn(day time.Time) []string {
	step := d.interval()
	var out []string
	for _, w := range d.Windows {
		if w.Weekday != day.Weekday() {
			continue
		}
		for m := w.Start; m+step <= w.End; m += step {
			out = append(out, FormatClock(m))
		}
	}
	return out
}

// ParseClock converts "15:04" into minutes from midnight.
func ParseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("invalid clock %q: %w", s, err)
	}
	return t.Hour()*60 + t.Minute(), nil
}

func FormatClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
