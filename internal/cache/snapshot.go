// Package cache holds the atomically-swapped, periodically-refreshed
// snapshot of policy state the decision engine reads on the hot path.  It is
// grounded on the "immutable snapshot pattern" design note: every refresh
// builds a brand new Snapshot and swaps a pointer, so an in-flight
// evaluation either sees the whole old generation or the whole new one,
// never a mix.
package cache

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	agcache "github.com/AdguardTeam/golibs/cache"
	"github.com/AdguardTeam/golibs/log"

	"github.com/robotnikz/sentinel-dns/internal/clientindex"
	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/rulesindex"
	"github.com/robotnikz/sentinel-dns/internal/store"
)

// refreshInterval is how often the full snapshot is rebuilt.
const refreshInterval = 5 * time.Second

// pauseRefreshInterval is how often just the protection-pause field is
// refreshed; it is latency-sensitive enough to warrant its own, tighter
// cadence than the rest of the snapshot.
const pauseRefreshInterval = 1 * time.Second

// ruleIDCooldown and selectionKeyCooldown bound how often the rules index
// can be rebuilt in response to each of its two triggers.
const (
	ruleIDCooldown       = 30 * time.Second
	selectionKeyCooldown = 2 * time.Second
)

// appBlocklistCooldown bounds how often the same app/category blocklist can
// be handed to the external refresher.
const appBlocklistCooldown = 5 * time.Minute

// Snapshot bundles every field the decision engine reads so a single query
// evaluation is consistent within one refresh generation.
type Snapshot struct {
	Generation uint64

	Clients     *clientindex.Index
	AllClients  []policy.ClientProfile
	Rules       *rulesindex.Index
	Blocklists  map[int64]policy.Blocklist
	CategoryIDs map[int64]bool
	AppIDs      map[int64]bool
	Categories  policy.CategoryTable
	Apps        policy.AppTable
	Rewrites    *RewriteIndex
	Settings    policy.DNSSettings
	GlobalApps  policy.GlobalApps
	Pause       policy.ProtectionPause
}

// RewriteIndex splits rewrites into an exact-match table and a
// longest-domain-first ordered wildcard list, per §4.1.2's "scan wildcards
// longest-domain-first".
type RewriteIndex struct {
	Exact     map[string]policy.Rewrite
	Wildcards []policy.Rewrite // sorted by len(Domain) descending
}

// NewRewriteIndex builds a RewriteIndex from the store's flat rewrite list.
func NewRewriteIndex(rewrites []policy.Rewrite) *RewriteIndex {
	idx := &RewriteIndex{Exact: map[string]policy.Rewrite{}}

	for _, rw := range rewrites {
		if rw.Wildcard {
			idx.Wildcards = append(idx.Wildcards, rw)
		} else {
			idx.Exact[rw.Domain] = rw
		}
	}

	sort.Slice(idx.Wildcards, func(i, j int) bool {
		return len(idx.Wildcards[i].Domain) > len(idx.Wildcards[j].Domain)
	})

	return idx
}

// Cache exposes a lock-free snapshot pointer and runs the background
// refresher.
type Cache struct {
	ptr atomic.Pointer[Snapshot]

	store      store.Store
	refresher  store.BlocklistRefresher
	generation atomic.Uint64

	mu              sync.Mutex
	lastRuleID      int64
	lastRuleIDCheck time.Time
	lastSelKey      string
	lastSelKeyCheck time.Time
	cancel          context.CancelFunc

	// warmupGuard is the in-flight-plus-cooldown guard for app blocklist
	// warmup requests, keyed by blocklist id, storing the unix-nano time
	// the request was last issued. Modeled on dnsforward.Server's
	// clientIDCache LRU.
	warmupGuard agcache.Cache
}

// New constructs a Cache. Call Start to begin periodic refresh; callers
// should RefreshNow once before serving any traffic.
func New(st store.Store, refresher store.BlocklistRefresher) *Cache {
	return &Cache{
		store:     st,
		refresher: refresher,
		warmupGuard: agcache.New(agcache.Config{
			EnableLRU: true,
			MaxCount:  warmupGuardMaxCount,
		}),
	}
}

// warmupGuardMaxCount bounds the app-blocklist warmup guard; there will
// never be more than a handful of category/app lists in a home deployment.
const warmupGuardMaxCount = 256

// Snapshot returns the current snapshot. It never blocks.
func (c *Cache) Snapshot() *Snapshot {
	return c.ptr.Load()
}

// Start launches the periodic refresh loops. It returns once the first
// snapshot has been built.
func (c *Cache) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	if err := c.RefreshNow(ctx); err != nil {
		cancel()

		return err
	}

	go c.refreshLoop(ctx)
	go c.pauseLoop(ctx)

	return nil
}

// Stop halts the refresh loops.
func (c *Cache) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Cache) refreshLoop(ctx context.Context) {
	t := time.NewTicker(refreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.RefreshNow(ctx); err != nil {
				log.Error("cache: refresh failed, keeping previous snapshot: %s", err)
			}
		}
	}
}

func (c *Cache) pauseLoop(ctx context.Context) {
	t := time.NewTicker(pauseRefreshInterval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			prev := c.ptr.Load()
			if prev == nil {
				continue
			}

			pause, err := c.store.ProtectionPause(ctx)
			if err != nil {
				// StoreTransient: keep last known value.
				continue
			}

			next := *prev
			next.Pause = pause
			next.Generation = c.generation.Add(1)
			c.ptr.Store(&next)
		}
	}
}

// RefreshNow rebuilds the full snapshot synchronously.
func (c *Cache) RefreshNow(ctx context.Context) error {
	blocklists, err := c.store.ListBlocklists(ctx)
	if err != nil {
		return err
	}

	clients, err := c.store.ListClients(ctx)
	if err != nil {
		return err
	}

	rewrites, err := c.store.ListRewrites(ctx)
	if err != nil {
		return err
	}

	settings, err := c.store.DNSSettings(ctx)
	if err != nil {
		return err
	}

	globalApps, err := c.store.GlobalApps(ctx)
	if err != nil {
		return err
	}
	globalApps.Normalize()

	pause, err := c.store.ProtectionPause(ctx)
	if err != nil {
		return err
	}

	categories, err := c.store.Categories(ctx)
	if err != nil {
		return err
	}

	apps, err := c.store.Apps(ctx)
	if err != nil {
		return err
	}

	categoryIDs, appIDs := blocklistMembership(categories, apps)
	referenced := referencedCategoryAppIDs(clients, globalApps, categories, apps)
	needed := rulesindex.NeededBlocklists(blocklists, unionBool(categoryIDs, appIDs), clients, referenced)

	rules, err := c.maybeRebuildRules(ctx, needed)
	if err != nil {
		return err
	}

	blocklistByID := make(map[int64]policy.Blocklist, len(blocklists))
	blocklistMode := make(map[int64]policy.BlocklistMode, len(blocklists))
	for _, bl := range blocklists {
		blocklistByID[bl.ID] = bl
		blocklistMode[bl.ID] = bl.Mode
	}

	idx := rulesindex.Build(rules, blocklistMode)

	snap := &Snapshot{
		Generation:  c.generation.Add(1),
		Clients:     clientindex.New(clients),
		AllClients:  clients,
		Rules:       idx,
		Blocklists:  blocklistByID,
		CategoryIDs: categoryIDs,
		AppIDs:      appIDs,
		Categories:  categories,
		Apps:        apps,
		Rewrites:    NewRewriteIndex(rewrites),
		Settings:    settings,
		GlobalApps:  globalApps,
		Pause:       pause,
	}

	c.ptr.Store(snap)
	c.warmupAppBlocklists(ctx, blocklists, unionBool(categoryIDs, appIDs), needed, idx)

	return nil
}

// maybeRebuildRules applies the cost-managed rebuild policy: rebuild only
// when MAX(rule.id) changed (30s cooldown) or the selection key changed
// (2s cooldown).
func (c *Cache) maybeRebuildRules(ctx context.Context, needed map[int64]bool) ([]policy.Rule, error) {
	c.mu.Lock()
	now := time.Now()
	selKey := rulesindex.SelectionKey(needed)

	ruleIDDue := now.Sub(c.lastRuleIDCheck) >= ruleIDCooldown
	selKeyDue := selKey != c.lastSelKey && now.Sub(c.lastSelKeyCheck) >= selectionKeyCooldown
	first := c.lastRuleIDCheck.IsZero()
	c.mu.Unlock()

	rebuild := first
	if ruleIDDue {
		maxID, err := c.store.MaxRuleID(ctx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.lastRuleIDCheck = now
		if maxID != c.lastRuleID {
			c.lastRuleID = maxID
			rebuild = true
		}
		c.mu.Unlock()
	}

	if selKeyDue {
		c.mu.Lock()
		c.lastSelKey = selKey
		c.lastSelKeyCheck = now
		c.mu.Unlock()
		rebuild = true
	}

	if !rebuild {
		if prev := c.ptr.Load(); prev != nil {
			return rulesToSlice(prev.Rules), nil
		}
	}

	ids := make([]int64, 0, len(needed))
	for id := range needed {
		ids = append(ids, id)
	}

	return c.store.ListRules(ctx, store.RuleScope{BlocklistIDs: ids})
}

// rulesToSlice reconstitutes a flat rule list from a previously built index,
// used when the cost-managed policy decides not to rebuild. Manual rules
// round-trip losslessly; blocklist hits reconstitute to the same effective
// set even though original rule ids are not recoverable, which is
// acceptable because the index never depends on rule ids after construction.
func rulesToSlice(idx *rulesindex.Index) []policy.Rule {
	if idx == nil {
		return nil
	}

	var out []policy.Rule
	for d := range idx.GlobalAllow {
		out = append(out, policy.Rule{Domain: d, Action: policy.RuleAllow, Kind: policy.RuleKindGlobal})
	}
	for d := range idx.GlobalBlock {
		out = append(out, policy.Rule{Domain: d, Action: policy.RuleBlock, Kind: policy.RuleKindGlobal})
	}
	for scope, m := range idx.PerClientAllow {
		for d := range m {
			out = append(out, policy.Rule{Domain: d, Action: policy.RuleAllow, Kind: policy.RuleKindClient, ScopeID: scope})
		}
	}
	for scope, m := range idx.PerClientBlock {
		for d := range m {
			out = append(out, policy.Rule{Domain: d, Action: policy.RuleBlock, Kind: policy.RuleKindClient, ScopeID: scope})
		}
	}
	for scope, m := range idx.PerSubnetAllow {
		for d := range m {
			out = append(out, policy.Rule{Domain: d, Action: policy.RuleAllow, Kind: policy.RuleKindSubnet, ScopeID: scope})
		}
	}
	for scope, m := range idx.PerSubnetBlock {
		for d := range m {
			out = append(out, policy.Rule{Domain: d, Action: policy.RuleBlock, Kind: policy.RuleKindSubnet, ScopeID: scope})
		}
	}
	for d, hit := range idx.BlocklistHits {
		for _, id := range hit.ActiveIDs {
			out = append(out, policy.Rule{Domain: d, Kind: policy.RuleKindBlocklist, BlocklistID: id})
		}
		for _, id := range hit.ShadowIDs {
			out = append(out, policy.Rule{Domain: d, Kind: policy.RuleKindBlocklist, BlocklistID: id})
		}
	}

	return out
}

func blocklistMembership(cats policy.CategoryTable, apps policy.AppTable) (catIDs, appIDs map[int64]bool) {
	catIDs = map[int64]bool{}
	for _, ids := range cats {
		for _, id := range ids {
			catIDs[id] = true
		}
	}

	appIDs = map[int64]bool{}
	for _, ids := range apps {
		for _, id := range ids {
			appIDs[id] = true
		}
	}

	return catIDs, appIDs
}

func unionBool(a, b map[int64]bool) map[int64]bool {
	out := make(map[int64]bool, len(a)+len(b))
	for k := range a {
		out[k] = true
	}
	for k := range b {
		out[k] = true
	}

	return out
}

func referencedCategoryAppIDs(
	clients []policy.ClientProfile,
	global policy.GlobalApps,
	cats policy.CategoryTable,
	apps policy.AppTable,
) map[int64]bool {
	referenced := map[int64]bool{}

	addApps := func(names []string) {
		for _, n := range names {
			for _, id := range apps[n] {
				referenced[id] = true
			}
		}
	}
	addCats := func(names []string) {
		for _, n := range names {
			for _, id := range cats[n] {
				referenced[id] = true
			}
		}
	}

	addApps(global.Active)
	addApps(global.Shadow)

	for _, c := range clients {
		addApps(c.BlockedApps)
		addCats(c.BlockedCategories)

		for _, s := range c.Schedules {
			addApps(s.BlockedApps)
			addCats(s.BlockedCategory)
		}
	}

	return referenced
}

// warmupAppBlocklists requests a background refresh for any needed app or
// category blocklist whose rows look unfetched (last_rule_count == 0 is
// approximated here by the list being enabled, needed, and missing from
// the just-built index's contributions; a real store would expose the
// last_updated_at / last_rule_count fields directly through Blocklist).
func (c *Cache) warmupAppBlocklists(
	ctx context.Context,
	blocklists []policy.Blocklist,
	categoryOrApp map[int64]bool,
	needed map[int64]bool,
	idx *rulesindex.Index,
) {
	if c.refresher == nil {
		return
	}

	populated := map[int64]bool{}
	for _, hit := range idx.BlocklistHits {
		for _, id := range hit.ActiveIDs {
			populated[id] = true
		}
		for _, id := range hit.ShadowIDs {
			populated[id] = true
		}
	}

	now := time.Now()

	for _, bl := range blocklists {
		if !bl.Enabled || !categoryOrApp[bl.ID] || !needed[bl.ID] || populated[bl.ID] {
			continue
		}

		key := itob(uint64(bl.ID))
		if last := c.warmupGuard.Get(key); len(last) == 8 {
			lastTime := time.Unix(0, int64(btoi(last)))
			if now.Sub(lastTime) < appBlocklistCooldown {
				continue
			}
		}

		_ = c.warmupGuard.Set(key, itob(uint64(now.UnixNano())))
		bl := bl
		go func() {
			if err := c.refresher.Refresh(ctx, bl.ID, bl.Name, bl.URL); err != nil {
				log.Error("cache: app blocklist warmup for %d (%s) failed: %s", bl.ID, bl.Name, err)
			}
		}()
	}
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}

	return b
}

func btoi(b []byte) uint64 {
	var v uint64
	for _, c := range b {
		v = v<<8 | uint64(c)
	}

	return v
}
