package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/erichecan/AIrest/pkg/contracts"
)

// Config returns the current configuration of a restaurant: every stored
// snapshot that is not deleted, plus the profile defaults for the singleton
// resources that were never changed (reported at version 0).
func (e *Engine) Config(ctx context.Context, scope contracts.Scope) ([]contracts.ConfigSnapshot, error) {
	snaps, err := e.changes.Snapshots(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("%w: list snapshots: %v", contracts.ErrDownstreamUnavailable, err)
	}
	seen := make(map[string]bool, len(snaps))
	out := make([]contracts.ConfigSnapshot, 0, len(snaps)+2)
	for _, s := range snaps {
		seen[s.ResourceKey] = true
		if contracts.IsNullState(s.State) {
			continue
		}
		out = append(out, s)
	}
	defaults := e.profiles.Get(scope.TenantID).Defaults
	for _, key := range []string{KeyHandoffPolicy, KeyBusinessHours} {
		if seen[key] {
			continue
		}
		out = append(out, contracts.ConfigSnapshot{
			TenantID:     scope.TenantID,
			RestaurantID: scope.RestaurantID,
			ResourceKey:  key,
			State:        defaultState(key, defaults),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceKey < out[j].ResourceKey })
	return out, nil
}
