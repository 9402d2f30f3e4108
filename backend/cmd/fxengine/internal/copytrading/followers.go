// Package copytrading resolves a strategy provider's active followers
// so the Auto-Cutoff Watcher (L) can cascade a liquidation (spec.md
// §4.12's "for strategy_provider users, on liquidation entry also
// enumerate copy_master_followers:{id}:active and trigger liquidation
// for each follower"). Grounded on internal/trigger/scan.go and
// internal/pendingmon/monitor.go's SMembers-driven read of an active-set
// key: the same "read a Redis set, fan out over the members" shape,
// here applied to a relationship set instead of an active-symbol set.
package copytrading

import (
	"context"

	"fxengine/internal/domain"
)

// SetReader is the subset of pkg/redisx.Client this package needs.
type SetReader interface {
	SMembers(ctx context.Context, key string) ([]string, error)
}

// Directory resolves copy-trading relationships for cascade liquidation.
type Directory struct {
	redis SetReader
}

func New(redis SetReader) *Directory {
	return &Directory{redis: redis}
}

// ActiveFollowers returns the copy_follower user IDs currently following
// strategyProviderID. The relationship set is maintained externally (by
// the onboarding system, per domain.CopyRelationship's doc comment) —
// this package only ever reads it.
func (d *Directory) ActiveFollowers(ctx context.Context, strategyProviderID string) ([]string, error) {
	return d.redis.SMembers(ctx, domain.KeyCopyMasterFollowers(strategyProviderID))
}
