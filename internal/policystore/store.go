// Package policystore is the minimal in-process reference implementation of
// store.Store described as a supplemented feature: the real policy store is
// out of scope for this engine, but something runnable and testable must
// sit behind the interface. It is seeded once from a typed YAML fixture and
// never mutates concurrently with reads, making it trivially safe to pass
// straight to cache.Cache.
package policystore

import (
	"context"
	"fmt"
	"net/netip"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/robotnikz/sentinel-dns/internal/policy"
	"github.com/robotnikz/sentinel-dns/internal/schedule"
	"github.com/robotnikz/sentinel-dns/internal/store"
)

// Fixture is the on-disk YAML shape loaded by Load.
type Fixture struct {
	Blocklists []policy.Blocklist     `yaml:"blocklists"`
	Clients    []clientFixture        `yaml:"clients"`
	Rules      []policy.Rule          `yaml:"rules"`
	Rewrites   []policy.Rewrite       `yaml:"rewrites"`
	Settings   settingsFixture        `yaml:"settings"`
	GlobalApps policy.GlobalApps      `yaml:"global_apps"`
	Pause      policy.ProtectionPause `yaml:"protection_pause"`
	Categories policy.CategoryTable   `yaml:"categories"`
	Apps       policy.AppTable        `yaml:"apps"`
}

// settingsFixture is the YAML-facing policy.DNSSettings: bootstrap
// resolvers and the upstream host are plain strings in the fixture and
// parsed into their typed form at load time.
type settingsFixture struct {
	Upstream struct {
		Kind string `yaml:"kind"`
		Host string `yaml:"host,omitempty"`
		Port uint16 `yaml:"port,omitempty"`
		URL  string `yaml:"url,omitempty"`
	} `yaml:"upstream"`
	Bootstrap            []string `yaml:"bootstrap,omitempty"`
	PreferIPv4           bool     `yaml:"prefer_ipv4"`
	ShadowResolveBlocked bool     `yaml:"shadow_resolve_blocked"`
}

func (f settingsFixture) toPolicy() (policy.DNSSettings, error) {
	bootstrap := make([]netip.Addr, 0, len(f.Bootstrap))
	for _, s := range f.Bootstrap {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			continue // non-literals are ignored, per §6.2
		}

		bootstrap = append(bootstrap, addr)
	}

	return policy.DNSSettings{
		Upstream: policy.UpstreamConfig{
			Kind: policy.UpstreamKind(f.Upstream.Kind),
			Host: f.Upstream.Host,
			Port: f.Upstream.Port,
			URL:  f.Upstream.URL,
		},
		Bootstrap:            bootstrap,
		PreferIPv4:           f.PreferIPv4,
		ShadowResolveBlocked: f.ShadowResolveBlocked,
	}, nil
}

// clientFixture is the YAML-facing client shape; schedules are decoded via
// schedule.Config so clock strings and day names round-trip cleanly.
type clientFixture struct {
	ID                  int64             `yaml:"id"`
	Name                string            `yaml:"name"`
	IP                  string            `yaml:"ip,omitempty"`
	Subnet              string            `yaml:"subnet,omitempty"`
	UseGlobalBlocklists bool              `yaml:"use_global_blocklists"`
	UseGlobalCategories bool              `yaml:"use_global_categories"`
	UseGlobalApps       bool              `yaml:"use_global_apps"`
	InternetPaused      bool              `yaml:"internet_paused"`
	AssignedBlocklists  []int64           `yaml:"assigned_blocklists,omitempty"`
	BlockedCategories   []string          `yaml:"blocked_categories,omitempty"`
	BlockedApps         []string          `yaml:"blocked_apps,omitempty"`
	Schedules           []schedule.Config `yaml:"schedules,omitempty"`
}

func (c clientFixture) toPolicy() (policy.ClientProfile, error) {
	p := policy.ClientProfile{
		ID:                  c.ID,
		Name:                c.Name,
		UseGlobalBlocklists: c.UseGlobalBlocklists,
		UseGlobalCategories: c.UseGlobalCategories,
		UseGlobalApps:       c.UseGlobalApps,
		InternetPaused:      c.InternetPaused,
		AssignedBlocklists:  c.AssignedBlocklists,
		BlockedCategories:   c.BlockedCategories,
		BlockedApps:         c.BlockedApps,
	}

	switch {
	case c.Subnet != "":
		prefix, err := netip.ParsePrefix(c.Subnet)
		if err != nil {
			return policy.ClientProfile{}, fmt.Errorf("client %d: subnet: %w", c.ID, err)
		}

		p.IsSubnet = true
		p.Subnet = prefix
	case c.IP != "":
		addr, err := netip.ParseAddr(c.IP)
		if err != nil {
			return policy.ClientProfile{}, fmt.Errorf("client %d: ip: %w", c.ID, err)
		}

		p.IP = addr
	default:
		return policy.ClientProfile{}, fmt.Errorf("client %d: must have an ip or a subnet", c.ID)
	}

	for _, sc := range c.Schedules {
		sc := sc

		s, err := sc.ToPolicy()
		if err != nil {
			return policy.ClientProfile{}, fmt.Errorf("client %d: %w", c.ID, err)
		}

		p.Schedules = append(p.Schedules, s)
	}

	return p, nil
}

// Store is a read-only snapshot of a Fixture, resolved into typed
// policy.ClientProfile values once at load time.
type Store struct {
	mu sync.RWMutex

	blocklists []policy.Blocklist
	clients    []policy.ClientProfile
	rules      []policy.Rule
	rewrites   []policy.Rewrite
	settings   policy.DNSSettings
	globalApps policy.GlobalApps
	pause      policy.ProtectionPause
	categories policy.CategoryTable
	apps       policy.AppTable

	maxRuleID int64
}

// Load parses the YAML fixture at path into a ready-to-use Store.
func Load(path string) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, err
	}

	return New(f)
}

// New builds a Store directly from an already-decoded Fixture, useful for
// tests.
func New(f Fixture) (*Store, error) {
	clients := make([]policy.ClientProfile, 0, len(f.Clients))
	for _, cf := range f.Clients {
		c, err := cf.toPolicy()
		if err != nil {
			return nil, err
		}

		clients = append(clients, c)
	}

	settings, err := f.Settings.toPolicy()
	if err != nil {
		return nil, err
	}

	var maxID int64
	for _, r := range f.Rules {
		if r.ID > maxID {
			maxID = r.ID
		}
	}

	globalApps := f.GlobalApps
	globalApps.Normalize()

	return &Store{
		blocklists: f.Blocklists,
		clients:    clients,
		rules:      f.Rules,
		rewrites:   f.Rewrites,
		settings:   settings,
		globalApps: globalApps,
		pause:      f.Pause,
		categories: f.Categories,
		apps:       f.Apps,
		maxRuleID:  maxID,
	}, nil
}

// Reload atomically replaces the store's contents from a new Fixture,
// useful for operators that want to edit the YAML file and pick up changes
// without restarting the process.
func (s *Store) Reload(f Fixture) error {
	next, err := New(f)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.blocklists = next.blocklists
	s.clients = next.clients
	s.rules = next.rules
	s.rewrites = next.rewrites
	s.settings = next.settings
	s.globalApps = next.globalApps
	s.pause = next.pause
	s.categories = next.categories
	s.apps = next.apps
	s.maxRuleID = next.maxRuleID

	return nil
}

func (s *Store) ListBlocklists(context.Context) ([]policy.Blocklist, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]policy.Blocklist(nil), s.blocklists...), nil
}

func (s *Store) ListClients(context.Context) ([]policy.ClientProfile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]policy.ClientProfile(nil), s.clients...), nil
}

func (s *Store) ListRules(_ context.Context, scope store.RuleScope) ([]policy.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if scope.BlocklistIDs == nil {
		var out []policy.Rule
		for _, r := range s.rules {
			if r.Kind != policy.RuleKindBlocklist {
				out = append(out, r)
			}
		}

		return out, nil
	}

	wanted := make(map[int64]bool, len(scope.BlocklistIDs))
	for _, id := range scope.BlocklistIDs {
		wanted[id] = true
	}

	var out []policy.Rule
	for _, r := range s.rules {
		if r.Kind != policy.RuleKindBlocklist || wanted[r.BlocklistID] {
			out = append(out, r)
		}
	}

	return out, nil
}

func (s *Store) ListRewrites(context.Context) ([]policy.Rewrite, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]policy.Rewrite(nil), s.rewrites...), nil
}

func (s *Store) DNSSettings(context.Context) (policy.DNSSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.settings, nil
}

func (s *Store) GlobalApps(context.Context) (policy.GlobalApps, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.globalApps, nil
}

func (s *Store) ProtectionPause(context.Context) (policy.ProtectionPause, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.pause, nil
}

func (s *Store) Categories(context.Context) (policy.CategoryTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.categories, nil
}

func (s *Store) Apps(context.Context) (policy.AppTable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.apps, nil
}

func (s *Store) MaxRuleID(context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.maxRuleID, nil
}

var _ store.Store = (*Store)(nil)
