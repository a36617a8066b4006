// Package policy defines the data model shared between the policy store, the
// caches that snapshot it, and the decision engine that reads those
// snapshots.  Nothing in this package performs I/O.
package policy

import (
	"net/netip"
	"time"
)

// BlocklistMode distinguishes a blocklist whose hits actually block a query
// from one whose hits are only recorded for telemetry.
type BlocklistMode string

// Recognized blocklist modes.
const (
	ModeActive BlocklistMode = "ACTIVE"
	ModeShadow BlocklistMode = "SHADOW"
)

// Blocklist is a curated or manually-added list of domains.
type Blocklist struct {
	Name    string
	URL     string
	ID      int64
	Mode    BlocklistMode
	Enabled bool
}

// RuleKind is the scope a manual rule was entered at.
type RuleKind string

// Recognized rule scopes.  They mirror the "category" string prefixes of the
// source this model was distilled from: "Blocklist:<id>", "Client:<id>",
// "Subnet:<id>", or nothing for a global manual rule.
const (
	RuleKindBlocklist RuleKind = "blocklist"
	RuleKindClient    RuleKind = "client"
	RuleKindSubnet    RuleKind = "subnet"
	RuleKindGlobal    RuleKind = "global"
)

// RuleAction is whether a rule allows or blocks its domain.
type RuleAction string

// Recognized rule actions.
const (
	RuleAllow RuleAction = "ALLOWED"
	RuleBlock RuleAction = "BLOCKED"
)

// Rule is a single manual or blocklist-derived domain rule, as read from the
// store's denormalized "category" encoding.
type Rule struct {
	Domain      string
	Action      RuleAction
	Kind        RuleKind
	BlocklistID int64
	ScopeID     int64
	ID          int64
}

// Rewrite is a local answer override.  Wildcard rewrites additionally match
// any subdomain of Domain.
type Rewrite struct {
	Domain   string
	Target   string
	ID       int64
	Wildcard bool
}

// ScheduleMode names the kind of schedule-driven policy window.
type ScheduleMode string

// Recognized schedule modes.
const (
	ScheduleSleep      ScheduleMode = "sleep"
	ScheduleHomework   ScheduleMode = "homework"
	ScheduleTotalBlock ScheduleMode = "total_block"
	ScheduleCustom     ScheduleMode = "custom"
)

// Weekday is Mon..Sun, matching time.Weekday semantics (Sunday == 0) is
// intentionally avoided here: the store and the spec both enumerate
// Mon..Sun, so the Day type does too, keeping day sets readable.
type Weekday int

// Days of the week, independent of time.Weekday's Sunday-first ordering.
const (
	Mon Weekday = iota
	Tue
	Wed
	Thu
	Fri
	Sat
	Sun
)

// Schedule is a time-of-day window, active on a subset of weekdays, that
// contributes additional blocked categories/apps (or a total block) while
// it is in effect.  Start and End are minutes-of-day in client-local time.
// Start > End denotes a window that crosses midnight; Days names the day the
// window *starts* on.
type Schedule struct {
	Mode            ScheduleMode
	Days            map[Weekday]bool
	BlockedApps     []string
	BlockedCategory []string
	Start           int
	End             int
	Active          bool
	BlockAll        bool
}

// IsActiveNow reports whether the schedule is in effect at now, evaluated in
// loc.  A schedule with Start == End is never active.
func (s *Schedule) IsActiveNow(now time.Time, loc *time.Location) bool {
	if !s.Active || s.Start == s.End {
		return false
	}

	t := now.In(loc)
	minute := t.Hour()*60 + t.Minute()
	day := goWeekdayToWeekday(t.Weekday())

	if s.Start < s.End {
		return s.Days[day] && minute >= s.Start && minute < s.End
	}

	// Cross-midnight: the window runs from Start on `day` through End on the
	// following day.  A minute past midnight belongs to yesterday's window.
	if minute >= s.Start {
		return s.Days[day]
	}

	if minute < s.End {
		return s.Days[prevWeekday(day)]
	}

	return false
}

func goWeekdayToWeekday(d time.Weekday) Weekday {
	if d == time.Sunday {
		return Sun
	}

	return Weekday(d - 1)
}

func prevWeekday(d Weekday) Weekday {
	if d == Mon {
		return Sun
	}

	return d - 1
}

// InternetPauseMode is a kill-switch state for a client.
type InternetPauseMode string

// ClientProfile is a per-device or per-subnet policy override.
type ClientProfile struct {
	ID                  int64
	Name                string
	IP                  netip.Addr
	Subnet              netip.Prefix
	IsSubnet            bool
	UseGlobalBlocklists bool
	UseGlobalCategories bool
	UseGlobalApps       bool
	InternetPaused      bool
	AssignedBlocklists  []int64
	BlockedCategories   []string
	BlockedApps         []string
	Schedules           []Schedule
}

// ProtectionPauseState is the process-wide protection kill-switch.
type ProtectionPauseState string

// Recognized protection-pause states.
const (
	PauseOff     ProtectionPauseState = "OFF"
	PauseForever ProtectionPauseState = "FOREVER"
	PauseUntil   ProtectionPauseState = "UNTIL"
)

// ProtectionPause is the process-wide, time-boxed filtering bypass.
type ProtectionPause struct {
	State ProtectionPauseState
	Until time.Time
}

// IsPaused reports whether protection is suspended at now.
func (p ProtectionPause) IsPaused(now time.Time) bool {
	switch p.State {
	case PauseForever:
		return true
	case PauseUntil:
		return now.Before(p.Until)
	default:
		return false
	}
}

// GlobalApps is the global default app-blocking selection.  Shadow is
// normalized to exclude anything already in Active.
type GlobalApps struct {
	Active []string
	Shadow []string
}

// Normalize removes apps from Shadow that also appear in Active, so active
// always wins for the same app.
func (g *GlobalApps) Normalize() {
	active := make(map[string]bool, len(g.Active))
	for _, a := range g.Active {
		active[a] = true
	}

	shadow := g.Shadow[:0]
	for _, s := range g.Shadow {
		if !active[s] {
			shadow = append(shadow, s)
		}
	}

	g.Shadow = shadow
}

// UpstreamKind names a forwarding transport.
type UpstreamKind string

// Recognized upstream transports.
const (
	UpstreamUDP UpstreamKind = "udp"
	UpstreamTCP UpstreamKind = "tcp"
	UpstreamDoT UpstreamKind = "dot"
	UpstreamDoH UpstreamKind = "doh"
)

// UpstreamConfig is the configured forwarding target.
type UpstreamConfig struct {
	Kind UpstreamKind
	Host string
	URL  string
	Port uint16
}

// DNSSettings bundles the subset of global settings the engine and
// dispatcher need that aren't otherwise modeled as their own store rows.
type DNSSettings struct {
	Upstream            UpstreamConfig
	Bootstrap           []netip.Addr
	PreferIPv4           bool
	ShadowResolveBlocked bool
}

// CategoryTable maps a category name to the canonical blocklist ids that
// implement it, resolved at refresh time from configured URLs.
type CategoryTable map[string][]int64

// AppTable maps an app name to the canonical blocklist ids that implement
// it.
type AppTable map[string][]int64
