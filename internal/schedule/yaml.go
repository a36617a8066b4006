// Package schedule provides the YAML codec for policy.Schedule, grounded on
// AdGuardHome's internal/schedule.Weekly YAML marshaling: each weekday is a
// named key, and start/end are clock strings rather than raw minutes. Unlike
// the teacher's Weekly (which rejects start >= end), a schedule here with
// start > end is a valid cross-midnight window, and *Config.ToPolicy expects
// the caller to look at Days as the start day only.
package schedule

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// dayKeys lists the YAML field names in week order, matching the teacher's
// weeklyConfigYAML struct tags (sun, mon, tue, ...) but Mon-first since the
// data model's Weekday enumerates Mon..Sun.
var dayKeys = [7]string{"mon", "tue", "wed", "thu", "fri", "sat", "sun"}

// Config is the YAML-facing representation of a policy.Schedule.
type Config struct {
	Mode            string   `yaml:"mode"`
	Days            []string `yaml:"days"`
	Start           string   `yaml:"start"` // "HH:MM"
	End             string   `yaml:"end"`   // "HH:MM"
	Active          bool     `yaml:"active"`
	BlockAll        bool     `yaml:"block_all"`
	BlockedApps     []string `yaml:"blocked_apps,omitempty"`
	BlockedCategory []string `yaml:"blocked_categories,omitempty"`
}

// ToPolicy converts c to the engine-facing policy.Schedule, parsing
// HH:MM clock strings into minutes-of-day.
func (c *Config) ToPolicy() (policy.Schedule, error) {
	start, err := parseClock(c.Start)
	if err != nil {
		return policy.Schedule{}, fmt.Errorf("schedule: start: %w", err)
	}

	end, err := parseClock(c.End)
	if err != nil {
		return policy.Schedule{}, fmt.Errorf("schedule: end: %w", err)
	}

	days := make(map[policy.Weekday]bool, len(c.Days))
	for _, d := range c.Days {
		wd, ok := weekdayFromKey(d)
		if !ok {
			return policy.Schedule{}, fmt.Errorf("schedule: unknown day %q", d)
		}

		days[wd] = true
	}

	return policy.Schedule{
		Mode:            policy.ScheduleMode(c.Mode),
		Days:            days,
		Start:           start,
		End:             end,
		Active:          c.Active,
		BlockAll:        c.BlockAll,
		BlockedApps:     c.BlockedApps,
		BlockedCategory: c.BlockedCategory,
	}, nil
}

// FromPolicy converts a policy.Schedule back to its YAML representation.
func FromPolicy(s policy.Schedule) Config {
	var days []string
	for i, key := range dayKeys {
		if s.Days[policy.Weekday(i)] {
			days = append(days, key)
		}
	}

	return Config{
		Mode:            string(s.Mode),
		Days:            days,
		Start:           formatClock(s.Start),
		End:             formatClock(s.End),
		Active:          s.Active,
		BlockAll:        s.BlockAll,
		BlockedApps:     s.BlockedApps,
		BlockedCategory: s.BlockedCategory,
	}
}

func weekdayFromKey(key string) (policy.Weekday, bool) {
	for i, k := range dayKeys {
		if k == strings.ToLower(key) {
			return policy.Weekday(i), true
		}
	}

	return 0, false
}

func parseClock(s string) (int, error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, fmt.Errorf("expected HH:MM, got %q", s)
	}

	h, err := strconv.Atoi(parts[0])
	if err != nil {
		return 0, err
	}

	m, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, err
	}

	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("out of range: %q", s)
	}

	return h*60 + m, nil
}

func formatClock(minutes int) string {
	return fmt.Sprintf("%02d:%02d", minutes/60, minutes%60)
}
