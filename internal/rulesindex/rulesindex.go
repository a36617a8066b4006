// Package rulesindex builds the denormalized reverse index the decision
// engine consults on every query, grounded on the "Rule index as
// denormalized reverse index" design note: rather than scanning rule rows
// per query, scope-partition them once at refresh time into typed sets.
package rulesindex

import (
	"sort"
	"strconv"
	"strings"

	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// BlocklistHit records which blocklist(s) contain a domain, split by mode so
// the engine can prefer ACTIVE over SHADOW without re-deriving it per query.
type BlocklistHit struct {
	ActiveIDs []int64
	ShadowIDs []int64
}

// Index is the immutable, rebuilt-from-scratch reverse index for one cache
// generation.
type Index struct {
	GlobalAllow map[string]bool
	GlobalBlock map[string]bool

	PerClientAllow map[int64]map[string]bool
	PerClientBlock map[int64]map[string]bool

	PerSubnetAllow map[int64]map[string]bool
	PerSubnetBlock map[int64]map[string]bool

	// BlocklistHits maps a domain as stored on a blocklist (no wildcard
	// expansion; candidate matching handles suffixes) to the ids of the
	// lists that carry it.
	BlocklistHits map[string]BlocklistHit
}

// Build partitions rules into the scoped sets and folds blocklist
// membership into BlocklistHits. blocklistMode resolves a blocklist id to
// its mode for the active/shadow split.
func Build(rules []policy.Rule, blocklistMode map[int64]policy.BlocklistMode) *Index {
	idx := &Index{
		GlobalAllow:    map[string]bool{},
		GlobalBlock:    map[string]bool{},
		PerClientAllow: map[int64]map[string]bool{},
		PerClientBlock: map[int64]map[string]bool{},
		PerSubnetAllow: map[int64]map[string]bool{},
		PerSubnetBlock: map[int64]map[string]bool{},
		BlocklistHits:  map[string]BlocklistHit{},
	}

	for _, r := range rules {
		switch r.Kind {
		case policy.RuleKindBlocklist:
			hit := idx.BlocklistHits[r.Domain]
			if blocklistMode[r.BlocklistID] == policy.ModeShadow {
				hit.ShadowIDs = appendUnique(hit.ShadowIDs, r.BlocklistID)
			} else {
				hit.ActiveIDs = appendUnique(hit.ActiveIDs, r.BlocklistID)
			}
			idx.BlocklistHits[r.Domain] = hit
		case policy.RuleKindClient:
			setScoped(idx.PerClientAllow, idx.PerClientBlock, r)
		case policy.RuleKindSubnet:
			setScoped(idx.PerSubnetAllow, idx.PerSubnetBlock, r)
		default:
			if r.Action == policy.RuleAllow {
				idx.GlobalAllow[r.Domain] = true
			} else {
				idx.GlobalBlock[r.Domain] = true
			}
		}
	}

	return idx
}

func setScoped(allow, block map[int64]map[string]bool, r policy.Rule) {
	dst := allow
	if r.Action == policy.RuleBlock {
		dst = block
	}

	m := dst[r.ScopeID]
	if m == nil {
		m = map[string]bool{}
		dst[r.ScopeID] = m
	}

	m[r.Domain] = true
}

func appendUnique(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}

	return append(ids, id)
}

// NeededBlocklists computes the union of blocklist ids whose rules must be
// present in the index: globally enabled non-category/non-app lists,
// per-client custom-assigned lists (even when globally disabled), and any
// category/app list referenced by an active selection or a schedule.
func NeededBlocklists(
	blocklists []policy.Blocklist,
	categoryOrAppIDs map[int64]bool,
	clients []policy.ClientProfile,
	referencedCategoryAppIDs map[int64]bool,
) map[int64]bool {
	needed := map[int64]bool{}

	for _, bl := range blocklists {
		if bl.Enabled && !categoryOrAppIDs[bl.ID] {
			needed[bl.ID] = true
		}
	}

	for _, c := range clients {
		for _, id := range c.AssignedBlocklists {
			needed[id] = true
		}
	}

	for id := range referencedCategoryAppIDs {
		needed[id] = true
	}

	return needed
}

// SelectionKey returns the deterministic, sorted-joined key used to decide
// whether the needed-blocklist set changed since the last rebuild.
func SelectionKey(needed map[int64]bool) string {
	ids := make([]int64, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}

	return strings.Join(parts, ",")
}
