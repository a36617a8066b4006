package policy_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robotnikz/sentinel-dns/internal/policy"
)

func TestSchedule_IsActiveNow(t *testing.T) {
	loc := time.UTC

	t.Run("start equals end is never active", func(t *testing.T) {
		s := &policy.Schedule{
			Active: true,
			Days:   map[policy.Weekday]bool{policy.Mon: true},
			Start:  600,
			End:    600,
		}

		now := time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC) // Monday
		assert.False(t, s.IsActiveNow(now, loc))
	})

	t.Run("same-day window", func(t *testing.T) {
		s := &policy.Schedule{
			Active: true,
			Days:   map[policy.Weekday]bool{policy.Mon: true},
			Start:  9 * 60,
			End:    17 * 60,
		}

		inside := time.Date(2026, 7, 27, 12, 0, 0, 0, time.UTC)
		before := time.Date(2026, 7, 27, 8, 0, 0, 0, time.UTC)
		assert.True(t, s.IsActiveNow(inside, loc))
		assert.False(t, s.IsActiveNow(before, loc))
	})

	t.Run("cross-midnight window keyed to the start day", func(t *testing.T) {
		// Starts Monday 22:00, ends Tuesday 06:00.
		s := &policy.Schedule{
			Active: true,
			Days:   map[policy.Weekday]bool{policy.Mon: true},
			Start:  22 * 60,
			End:    6 * 60,
		}

		mondayNight := time.Date(2026, 7, 27, 23, 0, 0, 0, time.UTC)  // Mon 23:00
		tuesdayEarly := time.Date(2026, 7, 28, 0, 30, 0, 0, time.UTC) // Tue 00:30
		tuesdayLate := time.Date(2026, 7, 28, 7, 0, 0, 0, time.UTC)   // Tue 07:00, past end

		assert.True(t, s.IsActiveNow(mondayNight, loc))
		assert.True(t, s.IsActiveNow(tuesdayEarly, loc))
		assert.False(t, s.IsActiveNow(tuesdayLate, loc))
	})

	t.Run("cross-midnight window requires the start day in Days, not the landing day", func(t *testing.T) {
		// Days only names Sunday as the start day; a Tuesday->Wednesday
		// early morning should not be active even though the time-of-day
		// window matches.
		s := &policy.Schedule{
			Active: true,
			Days:   map[policy.Weekday]bool{policy.Sun: true},
			Start:  22 * 60,
			End:    6 * 60,
		}

		tuesdayEarly := time.Date(2026, 7, 28, 0, 30, 0, 0, time.UTC) // Tue 00:30, prev day Mon not in Days
		assert.False(t, s.IsActiveNow(tuesdayEarly, loc))

		mondayEarly := time.Date(2026, 7, 27, 0, 30, 0, 0, time.UTC) // Mon 00:30, prev day Sun in Days
		assert.True(t, s.IsActiveNow(mondayEarly, loc))
	})

	t.Run("inactive schedule never matches", func(t *testing.T) {
		s := &policy.Schedule{
			Active: false,
			Days:   map[policy.Weekday]bool{policy.Mon: true},
			Start:  0,
			End:    23 * 60,
		}

		assert.False(t, s.IsActiveNow(time.Date(2026, 7, 27, 10, 0, 0, 0, time.UTC), loc))
	})
}

func TestGlobalApps_Normalize(t *testing.T) {
	g := policy.GlobalApps{
		Active: []string{"tiktok", "youtube"},
		Shadow: []string{"youtube", "snapchat"},
	}

	g.Normalize()

	assert.ElementsMatch(t, []string{"snapchat"}, g.Shadow)
}
