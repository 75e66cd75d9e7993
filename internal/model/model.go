// Package model defines the shared data types that flow through the gateway's
// request path: upstream definitions, API keys, routing capabilities, affinity
// entries, circuit state, and the decision/billing records produced per request.
package model

import (
	"time"
)

// RouteCapability is the closed set of wire protocols an upstream can serve.
// It is the unit the Route Classifier, Candidate Selector and Proxy Engine all
// key off of — never a free-form provider name.
type RouteCapability string

const (
	CapabilityAnthropicMessages      RouteCapability = "anthropic_messages"
	CapabilityOpenAIChatCompatible   RouteCapability = "openai_chat_compatible"
	CapabilityOpenAIExtended         RouteCapability = "openai_extended"
	CapabilityCodexResponses         RouteCapability = "codex_responses"
	CapabilityGeminiNativeGenerate   RouteCapability = "gemini_native_generate"
	CapabilityGeminiCodeAssistIntern RouteCapability = "gemini_code_assist_internal"
)

// ValidCapability reports whether c is one of the closed enum members.
func ValidCapability(c RouteCapability) bool {
	switch c {
	case CapabilityAnthropicMessages, CapabilityOpenAIChatCompatible, CapabilityOpenAIExtended,
		CapabilityCodexResponses, CapabilityGeminiNativeGenerate, CapabilityGeminiCodeAssistIntern:
		return true
	}
	return false
}

// SelectionStrategy controls how the Candidate Selector picks among a tier of
// equally-ranked candidates.
type SelectionStrategy string

const (
	StrategyWeighted    SelectionStrategy = "weighted"
	StrategyRoundRobin  SelectionStrategy = "round_robin"
	StrategyPriorityOnly SelectionStrategy = "priority"
)

// AffinityMigrationMetric names the quantity a migration rule compares against
// its threshold.
type AffinityMigrationMetric string

const (
	MigrationMetricTokens AffinityMigrationMetric = "tokens"
	MigrationMetricLength AffinityMigrationMetric = "length"
)

// AffinityMigration configures when a sticky session is allowed to leave its
// pinned upstream for the selector's current top pick, which may sit in a
// better tier; the rule is read from the pinned upstream.
type AffinityMigration struct {
	Enabled   bool
	Metric    AffinityMigrationMetric
	Threshold int64
}

// CircuitBreakerConfig is the per-upstream override of the registry defaults.
// Zero values mean "use the registry-wide default".
type CircuitBreakerConfig struct {
	FailureThreshold int
	OpenDuration     time.Duration
	HalfOpenProbes   int
}

// Upstream is a configured backend the gateway may route requests to.
type Upstream struct {
	ID       string
	Name     string
	BaseURL  string
	Route    RouteCapability
	ProviderType string // "anthropic" | "openai" | "gemini" | "generic" | ... — probe/credential hint only

	Priority int  // lower sorts first; candidates are tiered by priority
	Weight   int  // weighted-selection share within a tier
	IsActive bool

	AllowedModels  []string          // empty means "all models accepted"
	ModelRedirects map[string]string // client-requested model -> upstream model name

	CredentialCiphertext []byte // decrypted on demand via apikey.Decryptor

	TimeoutSeconds int

	DailySpendingLimit   float64 // 0 means unlimited
	MonthlySpendingLimit float64

	BillingInputMultiplier  float64
	BillingOutputMultiplier float64

	CircuitBreaker    CircuitBreakerConfig
	AffinityMigration AffinityMigration
}

// TimeoutOrDefault returns the upstream's configured timeout, or fallback if unset.
func (u Upstream) TimeoutOrDefault(fallback time.Duration) time.Duration {
	if u.TimeoutSeconds <= 0 {
		return fallback
	}
	return time.Duration(u.TimeoutSeconds) * time.Second
}

// APIKey is a client-presented credential authorizing a fixed set of upstreams.
type APIKey struct {
	ID                 string
	HashedSecret       []byte
	Prefix             string
	CreatedAt          time.Time
	ExpiresAt          time.Time // zero means "never expires"
	IsActive           bool
	AuthorizedUpstreams map[string]struct{} // upstream ID set
}

// Expired reports whether the key has a configured expiry that has passed.
func (k APIKey) Expired(now time.Time) bool {
	return !k.ExpiresAt.IsZero() && !now.Before(k.ExpiresAt)
}

// Authorizes reports whether this key may use the given upstream.
func (k APIKey) Authorizes(upstreamID string) bool {
	if !k.IsActive {
		return false
	}
	_, ok := k.AuthorizedUpstreams[upstreamID]
	return ok
}

// CompensationMode controls how a header compensation rule applies when the
// target header is already present on the outbound request.
type CompensationMode string

const (
	CompensationModeMissingOnly CompensationMode = "missing_only"
	CompensationModeOverwrite   CompensationMode = "overwrite"
)

// CompensationRule rewrites or injects a single outbound header for requests
// matching a set of route capabilities, derived from one of several sources.
type CompensationRule struct {
	ID           string
	Capabilities []RouteCapability
	Sources      []string // e.g. "upstream.credential", "static:<value>", "client.header:<name>"
	TargetHeader string
	Mode         CompensationMode
}

// HeaderDiff summarizes how the Proxy Engine's outbound header set diverged
// from the inbound client request — attached to a RequestLog for auditing
// what the gateway added, stripped, or overwrote on the way out.
type HeaderDiff struct {
	InboundCount  int
	OutboundCount int
	Added         []string
	Removed       []string
	Changed       []string
}

// AffinityEntry is one sticky-session record in the Affinity Store.
type AffinityEntry struct {
	UpstreamID            string
	ContentLength         int64
	CumulativeInputTokens int64
	CreatedAt             time.Time
	LastAccessedAt        time.Time
}

// CircuitPhase is the circuit breaker finite-state-machine state.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "closed"
	CircuitOpen     CircuitPhase = "open"
	CircuitHalfOpen CircuitPhase = "half_open"
)

// Outcome classifies the result of a single failover attempt.
type Outcome string

const (
	OutcomeSuccess          Outcome = "success"
	OutcomeRetriable        Outcome = "retriable"
	OutcomeFatalClient      Outcome = "fatal_client"
	OutcomeFatalUpstream    Outcome = "fatal_upstream_non_retry"
)

// FailoverAttempt records one candidate's dispatch outcome within a single
// request's failover loop.
type FailoverAttempt struct {
	UpstreamID   string
	Outcome      Outcome
	StatusCode   int
	ErrorReason  string
	LatencyMs    int64
	StartedAt    time.Time
}

// ExclusionReason names why a candidate upstream was dropped before the
// Failover Executor ever saw it, one of the closed tags the Candidate
// Selector's pipeline records per step.
type ExclusionReason string

const (
	ExclusionNotAuthorized      ExclusionReason = "not_authorized"
	ExclusionCapabilityMismatch ExclusionReason = "capability_mismatch"
	ExclusionModelNotAllowed    ExclusionReason = "model_not_allowed"
	ExclusionInactive           ExclusionReason = "inactive"
	ExclusionCircuitOpen        ExclusionReason = "circuit_open"
	ExclusionQuotaExceeded      ExclusionReason = "quota_exceeded"
	ExclusionOverrideMismatch   ExclusionReason = "override_mismatch"
)

// ExcludedUpstream is one entry of a RoutingDecision's excluded[] list.
type ExcludedUpstream struct {
	UpstreamID   string
	UpstreamName string
	Reason       ExclusionReason
}

// FailureStage names where in the pipeline a request ultimately failed, for
// diagnostic logging — distinct from any single attempt's Outcome.
type FailureStage string

const (
	FailureStageNone             FailureStage = ""
	FailureStageClassification   FailureStage = "classification_error"
	FailureStageAuthorization    FailureStage = "authorization_error"
	FailureStageCandidateEmpty   FailureStage = "candidate_empty"
	FailureStageDispatch         FailureStage = "dispatch_exhausted"
	FailureStageClientCancelled  FailureStage = "client_cancelled"
	FailureStageStreamInterrupt  FailureStage = "stream_interrupt"
	FailureStageInternal         FailureStage = "internal_error"
)

// RoutingDecision is the full record of how one request was routed, assembled
// incrementally as the request moves through the pipeline and finalized by the
// Decision Recorder.
type RoutingDecision struct {
	RequestID         string
	APIKeyID          string
	RouteCapability   RouteCapability
	RequestedModel    string
	StreamRequested   bool

	CandidateUpstreamIDs []string
	Excluded             []ExcludedUpstream
	AffinityHit          bool
	AffinityMigrated     bool
	SelectedUpstreamID   string // chosen before dispatch; may differ from actual on failover
	ActualUpstreamID     string // nil (empty) when didSendUpstream is false
	SelectionStrategy    SelectionStrategy
	RoutingType          string // "provider_type" | "path_capability" | "tiered" | "none"
	GroupName            string // X-Upstream-Group override, when the client sent one

	SessionID            string
	SessionIDCompensated bool // true when no session id could be extracted and affinity was skipped
	HeaderDiff           HeaderDiff

	FailoverAttempts []FailoverAttempt
	FailureStage     FailureStage

	DidSendUpstream bool
	FinalStatus     int

	StartedAt       time.Time
	Latency         time.Duration
	RoutingDuration time.Duration // time spent in classification+selection, before the first dispatch
	TTFT            time.Duration // time to first streamed byte; zero for non-streamed requests
}

// MaxFailoverAttempts bounds the failover loop:
// len(FailoverAttempts) <= MaxFailoverAttempts always holds.
const MaxFailoverAttempts = 5
