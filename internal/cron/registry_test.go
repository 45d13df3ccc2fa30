package cron

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgelabs/forge/internal/domain"
)

func noopHandler(ctx context.Context, run *domain.CronRun) error { return nil }

func TestRegisterFiveFieldSchedule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "hourly", Schedule: "0 * * * *"}, noopHandler))

	entry, err := r.Lookup("hourly")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 30, 0, 0, time.UTC)
	next := entry.Next(base)
	assert.Equal(t, time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC), next.UTC())
}

func TestRegisterSixFieldSchedule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "every-30s", Schedule: "*/30 * * * * *"}, noopHandler))

	entry, err := r.Lookup("every-30s")
	require.NoError(t, err)

	base := time.Date(2026, 3, 1, 10, 0, 10, 0, time.UTC)
	next := entry.Next(base)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC), next.UTC())
}

func TestRegisterDescriptorSchedule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "daily", Schedule: "@daily"}, noopHandler))
}

func TestTimezoneAwareSchedule(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{
		Name:     "ny-morning",
		Schedule: "0 9 * * *",
		Timezone: "America/New_York",
	}, noopHandler))

	entry, err := r.Lookup("ny-morning")
	require.NoError(t, err)
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	// Winter: 9am EST is 14:00 UTC.
	winter := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	next := entry.Next(winter)
	assert.Equal(t, time.Date(2026, 1, 15, 14, 0, 0, 0, time.UTC), next.UTC())
	assert.Equal(t, 9, next.In(ny).Hour())

	// Summer: 9am EDT is 13:00 UTC. Same wall clock, different offset.
	summer := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	next = entry.Next(summer)
	assert.Equal(t, time.Date(2026, 7, 15, 13, 0, 0, 0, time.UTC), next.UTC())
	assert.Equal(t, 9, next.In(ny).Hour())
}

func TestOccurrencesWindow(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "minutely", Schedule: "* * * * *"}, noopHandler))
	entry, err := r.Lookup("minutely")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 10, 0, 30, 0, time.UTC)
	to := time.Date(2026, 3, 1, 10, 3, 30, 0, time.UTC)
	times := entry.Occurrences(from, to, 100)

	require.Len(t, times, 3)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 1, 0, 0, time.UTC), times[0])
	assert.Equal(t, time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC), times[1])
	assert.Equal(t, time.Date(2026, 3, 1, 10, 3, 0, 0, time.UTC), times[2])
}

func TestOccurrencesLimit(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "minutely", Schedule: "* * * * *"}, noopHandler))
	entry, err := r.Lookup("minutely")
	require.NoError(t, err)

	from := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(24 * time.Hour)
	times := entry.Occurrences(from, to, 5)
	assert.Len(t, times, 5)
}

func TestRegisterInvalidSchedule(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Info{Name: "bad", Schedule: "not a schedule"}, noopHandler)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRegisterUnknownTimezone(t *testing.T) {
	r := NewRegistry()
	err := r.Register(Info{Name: "bad-tz", Schedule: "0 * * * *", Timezone: "Mars/Olympus"}, noopHandler)
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}

func TestRegisterDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(Info{Name: "dup", Schedule: "0 * * * *"}, noopHandler))
	err := r.Register(Info{Name: "dup", Schedule: "0 * * * *"}, noopHandler)
	require.Error(t, err)
}

func TestLookupUnknown(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup("missing")
	require.Error(t, err)
	assert.Equal(t, domain.KindValidation, domain.KindOf(err))
}
