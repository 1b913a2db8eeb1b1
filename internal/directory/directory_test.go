package directory

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	pgxmock "github.com/pashagolub/pgxmock/v4"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mondayDoctor() Doctor {
	return Doctor{
		ID:           uuid.New(),
		Name:         "Dr. Reyes",
		SlotInterval: 30 * time.Minute,
		Windows: []Window{
			{Weekday: time.Monday, Start: 9 * 60, End: 12 * 60},
			{Weekday: time.Monday, Start: 14 * 60, End: 15 * 60},
		},
	}
}

func TestDoctorOffers(t *testing.T) {
	doc := mondayDoctor()
	monday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"window start", monday.Add(9 * time.Hour), true},
		{"aligned inside", monday.Add(10*time.Hour + 30*time.Minute), true},
		{"last slot ends at window end", monday.Add(11*time.Hour + 30*time.Minute), true},
		{"slot would overrun window", monday.Add(12 * time.Hour), false},
		{"off grid", monday.Add(9*time.Hour + 15*time.Minute), false},
		{"gap between windows", monday.Add(13 * time.Hour), false},
		{"second window", monday.Add(14 * time.Hour), true},
		{"wrong weekday", monday.AddDate(0, 0, 1).Add(9 * time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, doc.Offers(tt.at))
		})
	}
}

func TestDoctorWithoutWindowsTakesAlignedTimes(t *testing.T) {
	doc := Doctor{ID: uuid.New(), SlotInterval: 20 * time.Minute}
	day := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	assert.True(t, doc.Offers(day.Add(8*time.Hour+40*time.Minute)))
	assert.False(t, doc.Offers(day.Add(8*time.Hour+30*time.Minute)))
}

func TestDoctorSlotsOn(t *testing.T) {
	doc := mondayDoctor()
	monday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)

	assert.Equal(t,
		[]string{"09:00", "09:30", "10:00", "10:30", "11:00", "11:30", "14:00", "14:30"},
		doc.SlotsOn(monday))
	assert.Empty(t, doc.SlotsOn(monday.AddDate(0, 0, 2)))
}

func TestParseClock(t *testing.T) {
	m, err := ParseClock("09:30")
	require.NoError(t, err)
	assert.Equal(t, 570, m)
	assert.Equal(t, "09:30", FormatClock(m))

	_, err = ParseClock("9.30")
	assert.Error(t, err)
}

func TestStaticDirectory(t *testing.T) {
	dir := NewStatic()
	doc := mondayDoctor()
	dir.AddDoctor(doc)

	got, err := dir.GetDoctor(context.Background(), doc.ID)
	require.NoError(t, err)
	assert.Equal(t, doc.Name, got.Name)

	_, err = dir.GetPatient(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrPatientNotFound)
	_, err = dir.GetBranch(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrBranchNotFound)
}

type countingDirectory struct {
	Directory
	doctorCalls int32
}

func (c *countingDirectory) GetDoctor(ctx context.Context, id uuid.UUID) (*Doctor, error) {
	atomic.AddInt32(&c.doctorCalls, 1)
	return c.Directory.GetDoctor(ctx, id)
}

func TestCachedDirectoryMemoizesHits(t *testing.T) {
	static := NewStatic()
	doc := mondayDoctor()
	static.AddDoctor(doc)
	counting := &countingDirectory{Directory: static}

	cached := NewCached(counting, 50*time.Millisecond)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		got, err := cached.GetDoctor(ctx, doc.ID)
		require.NoError(t, err)
		assert.Equal(t, doc.ID, got.ID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&counting.doctorCalls))

	// entries expire after the ttl and are fetched again
	time.Sleep(80 * time.Millisecond)
	_, err := cached.GetDoctor(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&counting.doctorCalls))
}

func TestCachedDirectoryDoesNotCacheMisses(t *testing.T) {
	static := NewStatic()
	counting := &countingDirectory{Directory: static}
	cached := NewCached(counting, time.Minute)
	id := uuid.New()

	_, err := cached.GetDoctor(context.Background(), id)
	require.True(t, errors.Is(err, ErrDoctorNotFound))

	static.AddDoctor(Doctor{ID: id, Name: "Dr. Late"})
	got, err := cached.GetDoctor(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "Dr. Late", got.Name)
}

func TestPgDirectoryGetDoctor(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := NewPgDirectory(mock)
	id := uuid.New()
	branchID := uuid.New()
	specialty := "Cardiology"
	now := time.Now()

	mock.ExpectQuery("SELECT id, name, specialty").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "specialty", "branch_id", "slot_interval_minutes", "consultation_fee", "created_at", "updated_at"}).
			AddRow(id, "Dr. Reyes", &specialty, &branchID, int32(20), "450.00", now, now))
	mock.ExpectQuery("SELECT weekday").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"weekday", "start_time", "end_time"}).
			AddRow(int16(1), "09:00", "12:00"))

	doc, err := dir.GetDoctor(context.Background(), id)
	require.NoError(t, err)

	assert.Equal(t, 20*time.Minute, doc.SlotInterval)
	assert.True(t, doc.ConsultationFee.Equal(decimal.RequireFromString("450")))
	require.Len(t, doc.Windows, 1)
	assert.Equal(t, Window{Weekday: time.Monday, Start: 540, End: 720}, doc.Windows[0])
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPgDirectoryPatientNotFound(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	dir := NewPgDirectory(mock)
	id := uuid.New()
	mock.ExpectQuery("SELECT id, name, email").
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id", "name", "email", "phone", "created_at", "updated_at"}))

	_, err = dir.GetPatient(context.Background(), id)
	require.ErrorIs(t, err, ErrPatientNotFound)
}

func TestGenerateLoadsIntoStatic(t *testing.T) {
	ds := Generate(42, 2, 3, 5)
	require.Len(t, ds.Branches, 2)
	require.Len(t, ds.Doctors, 3)
	require.Len(t, ds.Patients, 5)

	s := NewStatic()
	ds.LoadInto(s)

	doc, err := s.GetDoctor(context.Background(), ds.Doctors[0].ID)
	require.NoError(t, err)
	require.NotNil(t, doc.BranchID)
	assert.True(t, doc.ConsultationFee.IsPositive())

	monday := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	assert.NotEmpty(t, doc.SlotsOn(monday))
	assert.Empty(t, doc.SlotsOn(monday.AddDate(0, 0, 6)), "sunday is closed")

	_, err = s.GetBranch(context.Background(), *doc.BranchID)
	assert.NoError(t, err)
}

func TestGenerateIsReproducibleForSeed(t *testing.T) {
	a, b := Generate(7, 2, 3, 4), Generate(7, 2, 3, 4)

	ids := func(ds Dataset) []uuid.UUID {
		var out []uuid.UUID
		for _, br := range ds.Branches {
			out = append(out, br.ID)
		}
		for _, d := range ds.Doctors {
			out = append(out, d.ID, *d.BranchID)
		}
		for _, p := range ds.Patients {
			out = append(out, p.ID)
		}
		return out
	}
	assert.Equal(t, ids(a), ids(b))
	assert.Equal(t, a.Doctors[1].Name, b.Doctors[1].Name)
	assert.Equal(t, a.Patients[3].Email, b.Patients[3].Email)

	other := Generate(8, 2, 3, 4)
	assert.NotEqual(t, ids(a), ids(other))
}
