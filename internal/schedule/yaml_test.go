package schedule_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/schedule"
)

func TestConfig_ToPolicy_CrossMidnight(t *testing.T) {
	c := schedule.Config{
		Mode:   "sleep",
		Days:   []string{"mon", "tue"},
		Start:  "22:00",
		End:    "06:00",
		Active: true,
	}

	s, err := c.ToPolicy()
	require.NoError(t, err)

	assert.Equal(t, policy.ScheduleSleep, s.Mode)
	assert.Equal(t, 22*60, s.Start)
	assert.Equal(t, 6*60, s.End)
	assert.True(t, s.Days[policy.Mon])
	assert.True(t, s.Days[policy.Tue])
	assert.False(t, s.Days[policy.Wed])
}

func TestConfig_RoundTrip(t *testing.T) {
	s := policy.Schedule{
		Mode:     policy.ScheduleHomework,
		Days:     map[policy.Weekday]bool{policy.Fri: true},
		Start:    15 * 60,
		End:      17 * 60,
		Active:   true,
		BlockAll: false,
	}

	cfg := schedule.FromPolicy(s)
	back, err := cfg.ToPolicy()
	require.NoError(t, err)

	assert.Equal(t, s.Mode, back.Mode)
	assert.Equal(t, s.Start, back.Start)
	assert.Equal(t, s.End, back.End)
	assert.Equal(t, s.Days, back.Days)
}

func TestConfig_ToPolicy_UnknownDay(t *testing.T) {
	c := schedule.Config{Days: []string{"someday"}, Start: "00:00", End: "01:00"}

	_, err := c.ToPolicy()
	assert.Error(t, err)
}

func TestConfig_ToPolicy_BadClock(t *testing.T) {
	c := schedule.Config{Start: "25:00", End: "01:00"}

	_, err := c.ToPolicy()
	assert.Error(t, err)
}
