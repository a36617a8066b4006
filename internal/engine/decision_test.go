package engine_test

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/robotnikz/sentinel-dns/internal/cache"
	"github.com/robotnikz/sentinel-dns/internal/clientindex"
	"github.com/robotnikz/sentinel-dns/internal/engine"
	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/rulesindex"
)

func emptySnapshot() *cache.Snapshot {
	return &cache.Snapshot{
		Clients:     clientindex.New(nil),
		Rules:       rulesindex.Build(nil, nil),
		Blocklists:  map[int64]policy.Blocklist{},
		CategoryIDs: map[int64]bool{},
		AppIDs:      map[int64]bool{},
		Categories:  policy.CategoryTable{},
		Apps:        policy.AppTable{},
		Rewrites:    cache.NewRewriteIndex(nil),
	}
}

func TestEvaluate_Rewrite(t *testing.T) {
	snap := emptySnapshot()
	snap.Rewrites = cache.NewRewriteIndex([]policy.Rewrite{
		{Domain: "printer.lan", Target: "192.168.1.10"},
	})

	d := engine.Evaluate(snap, "printer.lan.", 0, netip.MustParseAddr("10.0.0.2"), time.Now())

	assert.Equal(t, engine.KindRewrite, d.Kind)
	assert.Equal(t, "192.168.1.10", d.RewriteTarget)
}

func TestEvaluate_ShadowBeatenByActive(t *testing.T) {
	snap := emptySnapshot()
	snap.Blocklists[1] = policy.Blocklist{ID: 1, Name: "listA", Mode: policy.ModeActive, Enabled: true}
	snap.Blocklists[2] = policy.Blocklist{ID: 2, Name: "listB", Mode: policy.ModeShadow, Enabled: true}
	snap.Rules = rulesindex.Build([]policy.Rule{
		{Domain: "ads.example", Kind: policy.RuleKindBlocklist, BlocklistID: 1},
		{Domain: "ads.example", Kind: policy.RuleKindBlocklist, BlocklistID: 2},
	}, map[int64]policy.BlocklistMode{1: policy.ModeActive, 2: policy.ModeShadow})

	kids := policy.ClientProfile{ID: 9, UseGlobalBlocklists: true}
	snap.Clients = clientindex.New([]policy.ClientProfile{kids})
	snap.AllClients = []policy.ClientProfile{kids}

	d := engine.Evaluate(snap, "ads.example", 0, netip.MustParseAddr("10.0.0.2"), time.Now())

	assert.Equal(t, engine.KindBlockedByList, d.Kind)
	assert.Equal(t, "Blocklist:1:listA", d.Reason)
}

func TestEvaluate_ClientManualAllowBeatsBlocklist(t *testing.T) {
	snap := emptySnapshot()
	snap.Blocklists[10] = policy.Blocklist{ID: 10, Name: "global", Mode: policy.ModeActive, Enabled: true}
	snap.Rules = rulesindex.Build([]policy.Rule{
		{Domain: "allowed.test", Action: policy.RuleAllow, Kind: policy.RuleKindClient, ScopeID: 1},
		{Domain: "allowed.test", Kind: policy.RuleKindBlocklist, BlocklistID: 10},
	}, map[int64]policy.BlocklistMode{10: policy.ModeActive})

	c1 := policy.ClientProfile{ID: 1, IP: netip.MustParseAddr("10.0.0.5"), UseGlobalBlocklists: true}
	snap.Clients = clientindex.New([]policy.ClientProfile{c1})

	d := engine.Evaluate(snap, "sub.allowed.test", 0, netip.MustParseAddr("10.0.0.5"), time.Now())

	assert.Equal(t, engine.KindAllowed, d.Kind)
	assert.Equal(t, "ClientRule:1", d.Reason)
}

func TestEvaluate_SubnetBlockAll(t *testing.T) {
	snap := emptySnapshot()

	kitchen := policy.ClientProfile{
		ID:       2,
		IsSubnet: true,
		Subnet:   netip.MustParsePrefix("10.1.0.0/16"),
		Schedules: []policy.Schedule{
			{
				Active:   true,
				BlockAll: true,
				Days:     map[policy.Weekday]bool{policy.Mon: true, policy.Tue: true, policy.Wed: true, policy.Thu: true, policy.Fri: true, policy.Sat: true, policy.Sun: true},
				Start:    0,
				End:      23*60 + 59,
			},
		},
	}
	kids := policy.ClientProfile{ID: 1, IsSubnet: true, Subnet: netip.MustParsePrefix("10.0.0.0/8")}

	snap.Clients = clientindex.New([]policy.ClientProfile{kids, kitchen})

	d := engine.Evaluate(snap, "anything.example", 0, netip.MustParseAddr("10.1.2.3"), time.Now())

	assert.Equal(t, engine.KindBlockedBlockAll, d.Kind)
	assert.Equal(t, "SubnetPolicy:BlockAll", d.Reason)
}

func TestEvaluate_AppSuffixBlocking(t *testing.T) {
	snap := emptySnapshot()
	snap.GlobalApps = policy.GlobalApps{Active: []string{"tiktok"}}

	d := engine.Evaluate(snap, "foo.tiktokcdn.com", 0, netip.MustParseAddr("10.0.0.9"), time.Now())

	assert.Equal(t, engine.KindBlockedByApp, d.Kind)
	assert.Equal(t, "ClientPolicy:App:tiktok", d.Reason)
}

func TestEvaluate_ProtectionPause(t *testing.T) {
	snap := emptySnapshot()
	snap.Blocklists[1] = policy.Blocklist{ID: 1, Name: "malware", Mode: policy.ModeActive, Enabled: true}
	snap.Rules = rulesindex.Build([]policy.Rule{
		{Domain: "malware.test", Kind: policy.RuleKindBlocklist, BlocklistID: 1},
	}, map[int64]policy.BlocklistMode{1: policy.ModeActive})
	snap.Pause = policy.ProtectionPause{State: policy.PauseUntil, Until: time.Now().Add(5 * time.Minute)}

	kids := policy.ClientProfile{ID: 1, UseGlobalBlocklists: true}
	snap.Clients = clientindex.New([]policy.ClientProfile{kids})

	d := engine.Evaluate(snap, "malware.test", 0, netip.MustParseAddr("10.0.0.2"), time.Now())

	assert.Equal(t, engine.KindAllowed, d.Kind)
	assert.True(t, d.ProtectionPaused)
}

func TestEvaluate_InternetPauseTrumpsProtectionPause(t *testing.T) {
	snap := emptySnapshot()
	snap.Pause = policy.ProtectionPause{State: policy.PauseForever}

	c := policy.ClientProfile{ID: 1, IP: netip.MustParseAddr("10.0.0.5"), InternetPaused: true}
	snap.Clients = clientindex.New([]policy.ClientProfile{c})

	d := engine.Evaluate(snap, "anything.example", 0, netip.MustParseAddr("10.0.0.5"), time.Now())

	assert.Equal(t, engine.KindBlockedInternetPause, d.Kind)
	assert.Equal(t, "ClientPolicy:InternetPaused", d.Reason)
}

func TestCandidates(t *testing.T) {
	assert.Equal(t,
		[]string{"a.b.example.com", "b.example.com", "example.com", "com"},
		engine.Candidates("a.b.example.com"),
	)
}

func TestCanonicalize(t *testing.T) {
	once := engine.Canonicalize("Example.COM.")
	twice := engine.Canonicalize(once)
	assert.Equal(t, "example.com", once)
	assert.Equal(t, once, twice)
}
