package adminstore

import (
	"context"
	"fmt"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Snapshot is one consistent read of everything the request path needs,
// taken in a single pass so a candidate list is never built against upstreams
// from one moment and compensation rules from another.
type Snapshot struct {
	Upstreams             []model.Upstream
	CompensationRules     []model.CompensationRule
	QuotaExceededUpstreamIDs map[string]struct{}
}

// readSnapshot pulls everything but the per-key and per-model lookups (those
// stay live queries against the backend — a snapshot of every API key and
// every priced model would grow unbounded) into one Snapshot.
func readSnapshot(ctx context.Context, s Store) (Snapshot, error) {
	upstreams, err := s.ListActiveUpstreams(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("adminstore: list active upstreams: %w", err)
	}
	rules, err := s.GetCompensationRules(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("adminstore: get compensation rules: %w", err)
	}
	exceeded, err := s.GetQuotaExceededUpstreamIDs(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("adminstore: get quota exceeded upstream ids: %w", err)
	}

	set := make(map[string]struct{}, len(exceeded))
	for _, id := range exceeded {
		set[id] = struct{}{}
	}

	return Snapshot{Upstreams: upstreams, CompensationRules: rules, QuotaExceededUpstreamIDs: set}, nil
}
