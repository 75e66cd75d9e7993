// Package selector implements the Candidate Selector: the seven-step
// pipeline that turns "an API key, a route capability, and a requested
// model" into an ordered list of upstreams the Failover Executor will try in
// turn, plus the affinity/migration decisions that go into the routing
// record.
package selector

import (
	"math/rand"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Request is everything the selector needs to build a candidate list.
type Request struct {
	APIKey           model.APIKey
	Capability       model.RouteCapability
	RequestedModel   string
	PinnedUpstreamName string // from X-Upstream-Name, empty if absent

	SessionKey            string // from route.SessionKey, empty when not extractable
	SessionContentLength  int64
	CumulativeInputTokens int64 // running total for this session before this request
}

// Result is the selector's output.
type Result struct {
	Ordered           []model.Upstream
	Excluded          []model.ExcludedUpstream
	AffinityHit       bool
	AffinityMigrated  bool
	SelectionStrategy model.SelectionStrategy
}

// Error distinguishes the candidate-empty failure modes that get distinct
// error codes.
type Error struct {
	Code string // "NO_UPSTREAMS_CONFIGURED" | "NO_AUTHORIZED_UPSTREAMS" | "UPSTREAM_PIN_INCOMPATIBLE"
}

func (e *Error) Error() string { return "selector: " + e.Code }

// AffinityLookup and AffinitySet are the narrow slice of internal/affinity.Store
// the selector depends on, kept as an interface so this package doesn't import
// a concrete store (and so tests can fake affinity behavior directly).
type AffinityLookup interface {
	Lookup(key string) (model.AffinityEntry, bool)
	Set(key string, upstreamID string, contentLength, cumulativeInputTokens int64)
}

// Selector runs the candidate-selection pipeline for one request.
type Selector struct {
	health   *health.Registry
	affinity AffinityLookup
	rrCounters map[string]*uint64
}

// New builds a Selector. The universe of upstreams is not captured here: the
// caller passes it to every Select call, so each selection can be handed the
// admin store's current snapshot.
func New(h *health.Registry, aff AffinityLookup) *Selector {
	return &Selector{health: h, affinity: aff, rrCounters: make(map[string]*uint64)}
}

// Select runs the pipeline against the given universe of configured upstreams.
func (s *Selector) Select(req Request, upstreams []model.Upstream, quotaTTL int64) (Result, error) {
	if len(upstreams) == 0 {
		return Result{}, &Error{Code: "NO_UPSTREAMS_CONFIGURED"}
	}

	var excluded []model.ExcludedUpstream

	// Step 1: authorize + capability intersect. An upstream that serves the
	// capability but the key isn't authorized for is recorded separately from
	// one the key is authorized for but doesn't serve this capability — the
	// two reasons point an operator at different fixes.
	candidates := make([]model.Upstream, 0, len(upstreams))
	for _, u := range upstreams {
		switch {
		case u.Route == req.Capability && req.APIKey.Authorizes(u.ID):
			candidates = append(candidates, u)
		case u.Route == req.Capability:
			excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionNotAuthorized})
		case req.APIKey.Authorizes(u.ID):
			excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionCapabilityMismatch})
		}
	}
	if len(candidates) == 0 {
		return Result{Excluded: excluded}, &Error{Code: "NO_AUTHORIZED_UPSTREAMS"}
	}

	// Step 2: X-Upstream-Name pin. A pinned upstream must still be active —
	// pinning never bypasses health. An explicit pin that resolves to no live
	// candidate is a client error, not a fall-through to the normal pipeline.
	if req.PinnedUpstreamName != "" {
		pinned := make([]model.Upstream, 0, 1)
		for _, u := range candidates {
			switch {
			case u.Name != req.PinnedUpstreamName:
				excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionOverrideMismatch})
			case !u.IsActive:
				excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionInactive})
			case s.health.Phase(u.ID) == model.CircuitOpen:
				excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionCircuitOpen})
			default:
				pinned = append(pinned, u)
			}
		}
		if len(pinned) == 0 {
			return Result{Excluded: excluded}, &Error{Code: "UPSTREAM_PIN_INCOMPATIBLE"}
		}
		// An explicit pin defeats affinity and load balancing: it goes
		// straight to tiering, skipping the allowedModels/inactive/quota
		// filters below (the operator named exactly the upstream they want).
		ordered := s.tierAndOrder(pinned)
		return Result{Ordered: ordered, Excluded: excluded, SelectionStrategy: model.StrategyPriorityOnly}, nil
	}

	// Step 3: allowedModels filter.
	if req.RequestedModel != "" {
		filtered := candidates[:0:0]
		for _, u := range candidates {
			if modelAllowed(u, req.RequestedModel) {
				filtered = append(filtered, u)
			} else {
				excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionModelNotAllowed})
			}
		}
		if len(filtered) > 0 {
			candidates = filtered
		}
	}

	// Step 4+5: inactive / quota / circuit-open filter — all three are
	// excluded outright so an open circuit is never handed to the Failover
	// Executor as a candidate at all (§8 scenario 3: excluded records the
	// reason, failoverAttempts stays empty).
	live := make([]model.Upstream, 0, len(candidates))
	for _, u := range candidates {
		switch {
		case !u.IsActive:
			excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionInactive})
		case s.health.Phase(u.ID) == model.CircuitOpen:
			excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionCircuitOpen})
		default:
			if exceeded, fresh := s.health.QuotaStatus(u.ID, time.Duration(quotaTTL)*time.Second); exceeded && fresh {
				excluded = append(excluded, model.ExcludedUpstream{UpstreamID: u.ID, UpstreamName: u.Name, Reason: model.ExclusionQuotaExceeded})
				continue
			}
			live = append(live, u)
		}
	}
	if len(live) == 0 {
		return Result{Excluded: excluded}, &Error{Code: "NO_AUTHORIZED_UPSTREAMS"}
	}

	// Step 6: tier by priority.
	ordered := s.tierAndOrder(live)

	result := Result{Ordered: ordered, Excluded: excluded, SelectionStrategy: model.StrategyPriorityOnly}

	// Step 7: affinity lookup + migration.
	if req.SessionKey != "" {
		s.applyAffinity(&req, &result, ordered)
	}

	if result.SelectionStrategy == "" {
		result.SelectionStrategy = model.StrategyPriorityOnly
	}

	return result, nil
}

func modelAllowed(u model.Upstream, requested string) bool {
	if len(u.AllowedModels) == 0 {
		return true
	}
	for _, m := range u.AllowedModels {
		if m == requested {
			return true
		}
	}
	return false
}

// tierAndOrder groups upstreams by ascending priority and orders each tier by
// weighted/round-robin selection. Circuit-open candidates never reach here —
// they are excluded in step 4+5, before tiering — so no tier needs further
// splitting.
func (s *Selector) tierAndOrder(upstreams []model.Upstream) []model.Upstream {
	tiers := map[int][]model.Upstream{}
	var priorities []int
	for _, u := range upstreams {
		if _, ok := tiers[u.Priority]; !ok {
			priorities = append(priorities, u.Priority)
		}
		tiers[u.Priority] = append(tiers[u.Priority], u)
	}
	sort.Ints(priorities)

	out := make([]model.Upstream, 0, len(upstreams))
	for _, p := range priorities {
		out = append(out, s.weightedOrRoundRobin(tiers[p])...)
	}
	return out
}

// weightedOrRoundRobin orders a tier using weighted random selection when any
// member has a non-default weight, otherwise plain round-robin so repeated
// calls fan traffic out evenly.
func (s *Selector) weightedOrRoundRobin(tier []model.Upstream) []model.Upstream {
	if len(tier) <= 1 {
		return tier
	}

	hasWeight := false
	for _, u := range tier {
		if u.Weight > 0 {
			hasWeight = true
			break
		}
	}
	if hasWeight {
		return weightedShuffle(tier)
	}
	return s.roundRobinRotate(tier)
}

func weightedShuffle(tier []model.Upstream) []model.Upstream {
	pool := append([]model.Upstream(nil), tier...)
	out := make([]model.Upstream, 0, len(pool))
	for len(pool) > 0 {
		total := 0
		for _, u := range pool {
			w := u.Weight
			if w <= 0 {
				w = 1
			}
			total += w
		}
		pick := rand.Intn(total)
		acc := 0
		idx := 0
		for i, u := range pool {
			w := u.Weight
			if w <= 0 {
				w = 1
			}
			acc += w
			if pick < acc {
				idx = i
				break
			}
		}
		out = append(out, pool[idx])
		pool = append(pool[:idx], pool[idx+1:]...)
	}
	return out
}

func (s *Selector) roundRobinRotate(tier []model.Upstream) []model.Upstream {
	key := tierKey(tier)
	counter, ok := s.rrCounters[key]
	if !ok {
		var c uint64
		counter = &c
		s.rrCounters[key] = counter
	}
	n := atomic.AddUint64(counter, 1)
	start := int(n) % len(tier)

	out := make([]model.Upstream, 0, len(tier))
	for i := 0; i < len(tier); i++ {
		out = append(out, tier[(start+i)%len(tier)])
	}
	return out
}

func tierKey(tier []model.Upstream) string {
	key := ""
	for _, u := range tier {
		key += u.ID + ","
	}
	return key
}

func (s *Selector) applyAffinity(req *Request, result *Result, ordered []model.Upstream) {
	entry, ok := s.affinity.Lookup(req.SessionKey)
	if !ok {
		// No prior affinity — record the top pick so the next request in this
		// session sticks to it.
		if len(ordered) > 0 {
			s.affinity.Set(req.SessionKey, ordered[0].ID, req.SessionContentLength, req.CumulativeInputTokens)
		}
		return
	}

	idx := indexOf(ordered, entry.UpstreamID)
	if idx < 0 {
		// The previously pinned upstream dropped out of the candidate set
		// entirely (deauthorized, deactivated, capability changed) — treat
		// this like a fresh session on the current top pick.
		if len(ordered) > 0 {
			s.affinity.Set(req.SessionKey, ordered[0].ID, req.SessionContentLength, entry.CumulativeInputTokens)
		}
		return
	}

	result.AffinityHit = true
	pinnedUpstream := ordered[idx]

	if shouldMigrate(pinnedUpstream, entry, req.SessionContentLength) {
		// Migrate to the current top pick, ordered[0] (the first upstream of
		// the best tier); when the pinned upstream is itself that pick, it
		// stays where it is and nothing migrates.
		target := ordered[0]
		if target.ID != pinnedUpstream.ID {
			result.AffinityMigrated = true
			s.affinity.Set(req.SessionKey, target.ID, req.SessionContentLength, 0)
			result.Ordered = moveToFront(ordered, target.ID)
			return
		}
	}

	result.Ordered = moveToFront(ordered, pinnedUpstream.ID)
}

// shouldMigrate evaluates the pinned upstream's migration rule against the
// running session metric. cumulativeInputTokens == 0 always permits
// migration — a session with no observed usage yet imposes no stickiness
// cost.
func shouldMigrate(u model.Upstream, entry model.AffinityEntry, newContentLength int64) bool {
	mig := u.AffinityMigration
	if !mig.Enabled {
		return false
	}
	if entry.CumulativeInputTokens == 0 {
		return true
	}
	switch mig.Metric {
	case model.MigrationMetricTokens:
		return entry.CumulativeInputTokens >= mig.Threshold
	case model.MigrationMetricLength:
		return newContentLength >= mig.Threshold
	default:
		return false
	}
}

func indexOf(upstreams []model.Upstream, id string) int {
	for i, u := range upstreams {
		if u.ID == id {
			return i
		}
	}
	return -1
}

func moveToFront(upstreams []model.Upstream, id string) []model.Upstream {
	idx := indexOf(upstreams, id)
	if idx <= 0 {
		return upstreams
	}
	out := make([]model.Upstream, 0, len(upstreams))
	out = append(out, upstreams[idx])
	out = append(out, upstreams[:idx]...)
	out = append(out, upstreams[idx+1:]...)
	return out
}
