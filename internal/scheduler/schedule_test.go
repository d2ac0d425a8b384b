package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseScheduleDailyTime(t *testing.T) {
	now := time.Date(2026, 3, 10, 6, 0, 0, 0, time.Local)
	d, err := ParseSchedule("07:30", now)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Minute, d)

	// Already past today: tomorrow.
	d, err = ParseSchedule("05:00", now)
	require.NoError(t, err)
	assert.Equal(t, 23*time.Hour, d)
}

func TestParseScheduleMidnightWrap(t *testing.T) {
	now := time.Date(2026, 3, 10, 23, 59, 30, 0, time.Local)
	d, err := ParseSchedule("00:00", now)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d, "next midnight is seconds away, not 24h")
}

func TestParseScheduleIntervals(t *testing.T) {
	now := time.Now()
	d, err := ParseSchedule("*/5 minutes", now)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Minute, d)

	d, err = ParseSchedule("*/2 hrs", now)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, d)

	d, err = ParseSchedule("90", now)
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)
}

func TestParseScheduleRejects(t *testing.T) {
	now := time.Now()
	for _, expr := range []string{"*/0 minutes", "", "25:00", "12:75", "-5", "soonish", "*/3 days"} {
		_, err := ParseSchedule(expr, now)
		assert.Error(t, err, "expression %q", expr)
	}
}

func TestRetryJitterDeterministicAndBounded(t *testing.T) {
	first := retryJitter("nightly_backup", 2)
	second := retryJitter("nightly_backup", 2)
	assert.Equal(t, first, second, "same (name, streak) must reproduce")

	assert.NotEqual(t, retryJitter("nightly_backup", 1), retryJitter("nightly_backup", 2))
	assert.NotEqual(t, retryJitter("nightly_backup", 1), retryJitter("other_task", 1))

	for k := 1; k <= 50; k++ {
		j := retryJitter("bounds", k)
		assert.GreaterOrEqual(t, j, 0.8)
		assert.Less(t, j, 1.2)
	}
}
