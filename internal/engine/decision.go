// Package engine is the stateless decision engine: given a query name,
// qtype, client IP, and the current policy snapshot, it computes the
// Decision the pipeline must act on. It performs no I/O and cannot fail;
// ill-formed or indecisive inputs simply resolve to PassThrough.
package engine

import (
	"net/netip"
	"strconv"
	"time"

	"github.com/robotnikz/sentinel-dns/internal/cache"
	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// Kind names the variant of a Decision.
type Kind string

// Recognized decision kinds.
const (
	KindRewrite             Kind = "rewrite"
	KindBlockedInternetPause Kind = "blocked_internet_pause"
	KindBlockedBlockAll     Kind = "blocked_block_all"
	KindBlockedByApp        Kind = "blocked_by_app"
	KindBlockedByRule       Kind = "blocked_by_rule"
	KindBlockedByList       Kind = "blocked_by_list"
	KindShadowBlocked       Kind = "shadow_blocked"
	KindAllowed             Kind = "allowed"
	KindPassThrough         Kind = "pass_through"
)

// Decision is the engine's sum-type result. Only the fields relevant to Kind
// are populated; the rest are zero.
type Decision struct {
	Kind Kind

	// RewriteTarget is set for KindRewrite.
	RewriteTarget string

	// Reason is the human-readable telemetry marker, e.g.
	// "Blocklist:<id>:<name>", "ClientPolicy:App:<app>",
	// "ClientPolicy:InternetPaused", "Manual", "ClientRule:<id>".
	Reason string

	// ProtectionPaused is true whenever the decision was reached (or
	// would have been a block but wasn't) because protection is paused.
	ProtectionPaused bool
}

// appSuffixes is the static, built-in table of app name to the hostname
// suffixes that identify its traffic. It is intentionally small; a real
// deployment would source this from the same collaborator that curates
// category/app blocklists, but the suffix fast path in §4.1.2 step 6 is
// meant to catch well-known CDNs before a blocklist lookup is even needed.
var appSuffixes = map[string][]string{
	"tiktok":    {"tiktok.com", "tiktokcdn.com", "tiktokv.com", "musical.ly"},
	"youtube":   {"youtube.com", "youtube-nocookie.com", "googlevideo.com", "ytimg.com"},
	"instagram": {"instagram.com", "cdninstagram.com"},
	"facebook":  {"facebook.com", "fbcdn.net"},
	"snapchat":  {"snapchat.com", "sc-cdn.net"},
}

// Evaluate is the pure entry point. now should be the wall-clock time to
// evaluate schedules and the protection pause against.
func Evaluate(snap *cache.Snapshot, name string, qtype uint16, clientIP netip.Addr, now time.Time) Decision {
	name = Canonicalize(name)
	if name == "" || snap == nil {
		return Decision{Kind: KindPassThrough}
	}

	// 1. Local rewrite short-circuits everything below.
	if target, ok := resolveRewrite(snap.Rewrites, name); ok {
		return Decision{Kind: KindRewrite, RewriteTarget: target}
	}

	exact, subnet, _ := snap.Clients.Resolve(clientIP)

	// 2. Internet pause kill-switch; exact client wins the blame.
	if exact != nil && exact.InternetPaused {
		return Decision{Kind: KindBlockedInternetPause, Reason: "ClientPolicy:InternetPaused"}
	}
	if subnet != nil && subnet.InternetPaused {
		return Decision{Kind: KindBlockedInternetPause, Reason: "SubnetPolicy:InternetPaused"}
	}

	// 3. Protection pause: skip all filtering below, rewrites already took
	// effect above.
	if snap.Pause.IsPaused(now) {
		return Decision{Kind: KindAllowed, Reason: "protection_paused", ProtectionPaused: true}
	}

	candidates := Candidates(name)

	// 4. Manual rules, Client -> Subnet -> Global, allow-over-block per scope.
	if exact != nil {
		if d, ok := manualDecision(snap.Rules.PerClientAllow[exact.ID], snap.Rules.PerClientBlock[exact.ID], candidates, "ClientRule", exact.ID); ok {
			return d
		}
	}
	if subnet != nil {
		if d, ok := manualDecision(snap.Rules.PerSubnetAllow[subnet.ID], snap.Rules.PerSubnetBlock[subnet.ID], candidates, "SubnetRule", subnet.ID); ok {
			return d
		}
	}
	if d, ok := manualDecision(snap.Rules.GlobalAllow, snap.Rules.GlobalBlock, candidates, "Manual", 0); ok {
		return d
	}

	eff := composeEffectivePolicy(snap, exact, subnet, now)

	// 5. BlockAll from any active schedule in scope.
	if eff.blockAll != "" {
		return Decision{Kind: KindBlockedBlockAll, Reason: eff.blockAll}
	}

	// 6. App-suffix fast path.
	for _, app := range eff.activeApps {
		for _, suffix := range appSuffixes[app] {
			if MatchesBlocklistDomain(name, suffix) {
				return Decision{Kind: KindBlockedByApp, Reason: "ClientPolicy:App:" + app}
			}
		}
	}

	var shadowReason string

	// 7a. Normal blocklists.
	if d, shadow, ok := blocklistDecision(snap, candidates, eff.blocklistIDs); ok {
		return d
	} else if shadow != "" && shadowReason == "" {
		shadowReason = shadow
	}

	// 7b. App blocklists: active set first, then shadow set.
	if d, shadow, ok := blocklistDecision(snap, candidates, eff.activeAppBlocklistIDs); ok {
		return d
	} else if shadow != "" && shadowReason == "" {
		shadowReason = shadow
	}

	if d, shadow, ok := blocklistDecision(snap, candidates, eff.shadowAppBlocklistIDs); ok {
		return d
	} else if shadow != "" && shadowReason == "" {
		shadowReason = shadow
	}

	// 8. Shadow marker recorded anywhere.
	if shadowReason != "" {
		return Decision{Kind: KindShadowBlocked, Reason: shadowReason}
	}

	// 9. Nothing decisive.
	return Decision{Kind: KindPassThrough}
}

func resolveRewrite(idx *cache.RewriteIndex, name string) (target string, ok bool) {
	if idx == nil {
		return "", false
	}

	if rw, has := idx.Exact[name]; has {
		return rw.Target, true
	}

	for _, rw := range idx.Wildcards {
		if MatchesBlocklistDomain(name, rw.Domain) {
			return rw.Target, true
		}
	}

	return "", false
}

func manualDecision(
	allow, block map[string]bool,
	candidates []string,
	scopeLabel string,
	scopeID int64,
) (Decision, bool) {
	reason := scopeLabel
	if scopeID != 0 {
		reason = scopeLabel + ":" + strconv.FormatInt(scopeID, 10)
	}

	for _, c := range candidates {
		if allow[c] {
			return Decision{Kind: KindAllowed, Reason: reason}, true
		}
	}

	for _, c := range candidates {
		if block[c] {
			return Decision{Kind: KindBlockedByRule, Reason: reason}, true
		}
	}

	return Decision{}, false
}

// blocklistDecision checks the given candidate domains against the
// BlocklistHits index, restricted to ids. It returns a decisive ACTIVE hit
// immediately; a SHADOW-only hit is reported via the shadow return value but
// does not short-circuit evaluation.
func blocklistDecision(
	snap *cache.Snapshot,
	candidates []string,
	ids map[int64]bool,
) (decision Decision, shadow string, ok bool) {
	if len(ids) == 0 {
		return Decision{}, "", false
	}

	for _, c := range candidates {
		hit, has := snap.Rules.BlocklistHits[c]
		if !has {
			continue
		}

		for _, id := range hit.ActiveIDs {
			if ids[id] {
				bl := snap.Blocklists[id]

				return Decision{
					Kind:   KindBlockedByList,
					Reason: "Blocklist:" + strconv.FormatInt(id, 10) + ":" + bl.Name,
				}, "", true
			}
		}

		for _, id := range hit.ShadowIDs {
			if ids[id] && shadow == "" {
				bl := snap.Blocklists[id]
				shadow = "Blocklist:" + strconv.FormatInt(id, 10) + ":" + bl.Name
			}
		}
	}

	return Decision{}, shadow, false
}

type effectivePolicy struct {
	blockAll              string
	activeApps            []string
	blocklistIDs          map[int64]bool
	activeAppBlocklistIDs map[int64]bool
	shadowAppBlocklistIDs map[int64]bool
}

// composeEffectivePolicy implements §4.1.4: per-dimension precedence
// (global inheritance, else client/subnet base, union schedule
// contributions, active overrides shadow).
func composeEffectivePolicy(
	snap *cache.Snapshot,
	exact, subnet *policy.ClientProfile,
	now time.Time,
) effectivePolicy {
	eff := effectivePolicy{
		blocklistIDs:          map[int64]bool{},
		activeAppBlocklistIDs: map[int64]bool{},
		shadowAppBlocklistIDs: map[int64]bool{},
	}

	base := exact
	if base == nil {
		base = subnet
	}

	var (
		categories []string
		apps       []string
	)

	if base != nil {
		if base.UseGlobalBlocklists {
			for id, bl := range snap.Blocklists {
				if bl.Enabled && !snap.CategoryIDs[id] && !snap.AppIDs[id] {
					eff.blocklistIDs[id] = true
				}
			}
		} else {
			for _, id := range base.AssignedBlocklists {
				eff.blocklistIDs[id] = true
			}
		}

		if !base.UseGlobalCategories {
			categories = append(categories, base.BlockedCategories...)
		}

		if base.UseGlobalApps {
			apps = append(apps, snap.GlobalApps.Active...)
		} else {
			apps = append(apps, base.BlockedApps...)
		}

		for _, s := range base.Schedules {
			if !s.IsActiveNow(now, time.Local) {
				continue
			}

			if s.BlockAll {
				scope := "ClientPolicy:BlockAll"
				if base == subnet {
					scope = "SubnetPolicy:BlockAll"
				}
				eff.blockAll = scope
			}

			categories = append(categories, s.BlockedCategory...)
			apps = append(apps, s.BlockedApps...)
		}
	} else {
		for id, bl := range snap.Blocklists {
			if bl.Enabled && !snap.CategoryIDs[id] && !snap.AppIDs[id] {
				eff.blocklistIDs[id] = true
			}
		}

		apps = append(apps, snap.GlobalApps.Active...)
	}

	eff.activeApps = dedupe(apps)

	for _, cat := range dedupe(categories) {
		for _, id := range snap.Categories[cat] {
			if snap.Blocklists[id].Mode == policy.ModeShadow {
				eff.shadowAppBlocklistIDs[id] = true
			} else {
				eff.activeAppBlocklistIDs[id] = true
			}
		}
	}

	for _, app := range eff.activeApps {
		for _, id := range snap.Apps[app] {
			if snap.Blocklists[id].Mode == policy.ModeShadow {
				eff.shadowAppBlocklistIDs[id] = true
			} else {
				eff.activeAppBlocklistIDs[id] = true
			}
		}
	}

	// Global shadow-only apps still contribute to the shadow set even when
	// the client isn't inheriting the global active set.
	for _, app := range snap.GlobalApps.Shadow {
		for _, id := range snap.Apps[app] {
			if !eff.activeAppBlocklistIDs[id] {
				eff.shadowAppBlocklistIDs[id] = true
			}
		}
	}

	// Active always wins over shadow for the same id.
	for id := range eff.activeAppBlocklistIDs {
		delete(eff.shadowAppBlocklistIDs, id)
	}

	return eff
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}

	return out
}
