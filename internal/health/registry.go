// Package health implements the Health & Circuit Registry: per-upstream
// circuit breaker state, EWMA latency tracking, and a cached quota-exceeded
// flag. All outcome bookkeeping funnels through a single ApplyOutcome entry
// point so the finite-state-machine transition table lives in exactly one
// place.
package health

import (
	"sync"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Config holds registry-wide circuit breaker defaults; a per-upstream
// model.CircuitBreakerConfig overrides any non-zero field.
type Config struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
	EWMAAlpha        float64
}

// DefaultConfig holds the out-of-the-box breaker tuning: 5 consecutive
// failures trips the breaker, it stays open 30s, exactly one half-open probe
// is admitted at a time, and latency is smoothed with alpha=0.2.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		OpenDuration:     30 * time.Second,
		HalfOpenProbes:   1,
		EWMAAlpha:        0.2,
	}
}

type entry struct {
	mu sync.Mutex

	phase        model.CircuitPhase
	failureCount int
	openedAt     time.Time
	probesInFlight int

	ewmaLatencyMs float64
	haveLatency   bool

	quotaExceeded    bool
	quotaCheckedAt   time.Time

	cfg Config // resolved (defaults merged with per-upstream override)
}

// Registry tracks one entry per upstream ID, created lazily on first use.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	cfg     Config
}

// NewRegistry builds a Registry with the given registry-wide defaults.
func NewRegistry(cfg Config) *Registry {
	if cfg.FailureThreshold <= 0 {
		cfg = DefaultConfig()
	}
	return &Registry{entries: make(map[string]*entry), cfg: cfg}
}

func (r *Registry) getOrCreate(upstreamID string, override model.CircuitBreakerConfig) *entry {
	r.mu.RLock()
	e, ok := r.entries[upstreamID]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[upstreamID]; ok {
		return e
	}

	cfg := r.cfg
	if override.FailureThreshold > 0 {
		cfg.FailureThreshold = override.FailureThreshold
	}
	if override.OpenDuration > 0 {
		cfg.OpenDuration = override.OpenDuration
	}
	if override.HalfOpenProbes > 0 {
		cfg.HalfOpenProbes = override.HalfOpenProbes
	}

	e = &entry{phase: model.CircuitClosed, cfg: cfg}
	r.entries[upstreamID] = e
	return e
}

// Allow reports whether upstreamID may receive the next attempt. It never
// allows the circuit-open state as a first attempt in a failover loop —
// callers that need that guarantee should additionally skip an open breaker
// at candidate-filtering time (internal/selector does this); Allow governs
// whether a single dispatch attempt should proceed right now.
func (r *Registry) Allow(upstreamID string, override model.CircuitBreakerConfig) bool {
	e := r.getOrCreate(upstreamID, override)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.phase {
	case model.CircuitClosed:
		return true
	case model.CircuitOpen:
		if time.Since(e.openedAt) >= e.cfg.OpenDuration {
			e.phase = model.CircuitHalfOpen
			e.probesInFlight = 1
			return true
		}
		return false
	case model.CircuitHalfOpen:
		if e.probesInFlight >= e.cfg.HalfOpenProbes {
			return false
		}
		e.probesInFlight++
		return true
	}
	return true
}

// ApplyOutcome is the single entry point for all state transitions: success
// resets the breaker, retriable/fatal-upstream failures count against the
// threshold, and fatal-client outcomes (4xx caused by the caller, not the
// upstream) never touch the breaker at all.
func (r *Registry) ApplyOutcome(upstreamID string, outcome model.Outcome, latency time.Duration, override model.CircuitBreakerConfig) {
	e := r.getOrCreate(upstreamID, override)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch outcome {
	case model.OutcomeSuccess:
		e.phase = model.CircuitClosed
		e.failureCount = 0
		e.probesInFlight = 0
		e.recordLatency(latency)
	case model.OutcomeFatalClient:
		// Caller error, not the upstream's fault — does not count as a failure.
	case model.OutcomeRetriable, model.OutcomeFatalUpstream:
		e.probesInFlight = 0
		e.failureCount++
		if e.phase == model.CircuitHalfOpen {
			e.phase = model.CircuitOpen
			e.openedAt = time.Now()
			e.failureCount = e.cfg.FailureThreshold
			return
		}
		if e.failureCount >= e.cfg.FailureThreshold {
			e.phase = model.CircuitOpen
			e.openedAt = time.Now()
		}
	}
}

func (e *entry) recordLatency(latency time.Duration) {
	ms := float64(latency.Milliseconds())
	if !e.haveLatency {
		e.ewmaLatencyMs = ms
		e.haveLatency = true
		return
	}
	alpha := e.cfg.EWMAAlpha
	if alpha <= 0 {
		alpha = 0.2
	}
	e.ewmaLatencyMs = alpha*ms + (1-alpha)*e.ewmaLatencyMs
}

// Phase returns the current FSM state, for metrics export and candidate
// filtering.
func (r *Registry) Phase(upstreamID string) model.CircuitPhase {
	r.mu.RLock()
	e, ok := r.entries[upstreamID]
	r.mu.RUnlock()
	if !ok {
		return model.CircuitClosed
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.phase
}

// LatencyEWMA returns the smoothed latency in milliseconds, and whether any
// sample has been recorded yet.
func (r *Registry) LatencyEWMA(upstreamID string) (float64, bool) {
	r.mu.RLock()
	e, ok := r.entries[upstreamID]
	r.mu.RUnlock()
	if !ok {
		return 0, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ewmaLatencyMs, e.haveLatency
}

// SetQuotaExceeded caches a quota check result with the time it was set;
// QuotaStatus judges its freshness against the TTL its caller passes. The
// gateway sets it from internal/quota's RecordSpend result.
func (r *Registry) SetQuotaExceeded(upstreamID string, exceeded bool) {
	e := r.getOrCreate(upstreamID, model.CircuitBreakerConfig{})
	e.mu.Lock()
	defer e.mu.Unlock()
	e.quotaExceeded = exceeded
	e.quotaCheckedAt = time.Now()
}

// QuotaStatus returns the cached quota-exceeded flag and whether it is still
// within the probe cache's freshness window.
func (r *Registry) QuotaStatus(upstreamID string, ttl time.Duration) (exceeded bool, fresh bool) {
	r.mu.RLock()
	e, ok := r.entries[upstreamID]
	r.mu.RUnlock()
	if !ok {
		return false, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.quotaExceeded, time.Since(e.quotaCheckedAt) < ttl
}
