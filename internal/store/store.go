// Package store defines the read-only contract the engine's caches use to
// pull policy data from whatever external collaborator owns the schema.
// This package declares the interface only; internal/policystore provides a
// minimal in-memory implementation for running and testing the engine
// standalone.
package store

import (
	"context"

	"github.com/robotnikz/sentinel-dns/internal/policy"
)

// RuleScope selects which rules Store.ListRules returns.
type RuleScope struct {
	// BlocklistIDs, when non-nil, restricts the result to rules whose
	// category references one of these blocklist ids, plus all manual
	// rules regardless of scope. A nil slice means "global scope only":
	// all manual rules, independent of blocklist membership.
	BlocklistIDs []int64
}

// Store is the read-only policy data source the cache refresher pulls from.
// Implementations are free to hit a database, a file, or an in-memory
// fixture; the engine never talks to a Store directly.
type Store interface {
	ListBlocklists(ctx context.Context) ([]policy.Blocklist, error)
	ListClients(ctx context.Context) ([]policy.ClientProfile, error)
	ListRules(ctx context.Context, scope RuleScope) ([]policy.Rule, error)
	ListRewrites(ctx context.Context) ([]policy.Rewrite, error)

	DNSSettings(ctx context.Context) (policy.DNSSettings, error)
	GlobalApps(ctx context.Context) (policy.GlobalApps, error)
	ProtectionPause(ctx context.Context) (policy.ProtectionPause, error)

	Categories(ctx context.Context) (policy.CategoryTable, error)
	Apps(ctx context.Context) (policy.AppTable, error)

	// MaxRuleID is a cheap MAX(id) probe used to decide whether the rules
	// index needs rebuilding.
	MaxRuleID(ctx context.Context) (int64, error)
}

// BlocklistRefresher is the external side-call the cache refresher uses to
// ask a collaborator to fetch/parse an app blocklist that has never been
// populated. Implementations must be safe to call concurrently; the
// refresher itself enforces the in-flight guard and cooldown.
type BlocklistRefresher interface {
	Refresh(ctx context.Context, id int64, name, url string) error
}
