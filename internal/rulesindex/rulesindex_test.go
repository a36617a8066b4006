package rulesindex_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/rulesindex"
)

func TestBuild(t *testing.T) {
	rules := []policy.Rule{
		{Domain: "ads.example", Kind: policy.RuleKindBlocklist, BlocklistID: 1},
		{Domain: "ads.example", Kind: policy.RuleKindBlocklist, BlocklistID: 2},
		{Domain: "allowed.test", Action: policy.RuleAllow, Kind: policy.RuleKindClient, ScopeID: 7},
		{Domain: "blocked.test", Action: policy.RuleBlock, Kind: policy.RuleKindGlobal},
	}

	modes := map[int64]policy.BlocklistMode{1: policy.ModeActive, 2: policy.ModeShadow}

	idx := rulesindex.Build(rules, modes)

	assert.ElementsMatch(t, []int64{1}, idx.BlocklistHits["ads.example"].ActiveIDs)
	assert.ElementsMatch(t, []int64{2}, idx.BlocklistHits["ads.example"].ShadowIDs)
	assert.True(t, idx.PerClientAllow[7]["allowed.test"])
	assert.True(t, idx.GlobalBlock["blocked.test"])
}

func TestNeededBlocklists(t *testing.T) {
	blocklists := []policy.Blocklist{
		{ID: 1, Enabled: true},
		{ID: 2, Enabled: false},
		{ID: 3, Enabled: true}, // a category list, excluded below
	}

	clients := []policy.ClientProfile{
		{AssignedBlocklists: []int64{2}}, // assigned even though globally disabled
	}

	needed := rulesindex.NeededBlocklists(blocklists, map[int64]bool{3: true}, clients, map[int64]bool{4: true})

	assert.True(t, needed[1])
	assert.True(t, needed[2])
	assert.False(t, needed[3])
	assert.True(t, needed[4])
}

func TestSelectionKey_Deterministic(t *testing.T) {
	a := rulesindex.SelectionKey(map[int64]bool{3: true, 1: true, 2: true})
	b := rulesindex.SelectionKey(map[int64]bool{2: true, 3: true, 1: true})

	assert.Equal(t, a, b)
	assert.Equal(t, "1,2,3", a)
}
