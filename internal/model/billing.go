package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PriceSource records which tier of the price cascade resolved a model's
// per-token price: an operator override always wins over a synced catalog
// entry, which wins over "no price known".
type PriceSource string

const (
	PriceSourceManualOverride PriceSource = "manual_override"
	PriceSourceSyncedCatalog  PriceSource = "synced_catalog"
	PriceSourceUnresolved     PriceSource = "unresolved"
)

// ModelPrice is one resolved price-catalog entry for a model, expressed as
// USD per million tokens — the precision ClickHouse and the billing snapshot
// both store without float rounding drift.
type ModelPrice struct {
	Model             string
	InputPricePerMTok  decimal.Decimal
	OutputPricePerMTok decimal.Decimal
	CacheReadPricePerMTok  decimal.Decimal
	CacheWritePricePerMTok decimal.Decimal
	Source             PriceSource
}

// BillingStatus records whether a request's cost could actually be priced.
type BillingStatus string

const (
	BillingStatusBilled     BillingStatus = "billed"
	BillingStatusUnbillable BillingStatus = "unbillable"
)

// BillingSnapshot is the cost computation attached to a completed request.
// finalCost = (inputTokens/1e6 * inputPrice * upstream.billingInputMultiplier)
//           + (outputTokens/1e6 * outputPrice * upstream.billingOutputMultiplier)
//           + (cacheReadTokens/1e6 * cacheReadPrice) + (cacheWriteTokens/1e6 * cacheWritePrice)
type BillingSnapshot struct {
	Model            string
	InputTokens      int64
	OutputTokens     int64
	CacheReadTokens  int64
	CacheWriteTokens int64

	InputPricePerMTok      decimal.Decimal
	OutputPricePerMTok     decimal.Decimal
	CacheReadPricePerMTok  decimal.Decimal
	CacheWritePricePerMTok decimal.Decimal
	PriceSource            PriceSource

	InputMultiplier  decimal.Decimal
	OutputMultiplier decimal.Decimal

	BillingStatus    BillingStatus
	UnbillableReason string

	FinalCost decimal.Decimal
}

// million is the token-to-price-unit divisor used throughout billing math.
var million = decimal.NewFromInt(1_000_000)

// ComputeFinalCost applies the price cascade result and the upstream's billing
// multipliers to token counts, rounding to 6 decimal places (micro-dollars).
// An unresolved price still produces a snapshot — marked BillingStatusUnbillable
// rather than panicking or silently billing zero as if the model were free.
func ComputeFinalCost(inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64, price ModelPrice, inputMul, outputMul float64) BillingSnapshot {
	in := decimal.NewFromInt(inputTokens).Div(million).Mul(price.InputPricePerMTok).Mul(decimal.NewFromFloat(inputMul))
	out := decimal.NewFromInt(outputTokens).Div(million).Mul(price.OutputPricePerMTok).Mul(decimal.NewFromFloat(outputMul))
	cacheRead := decimal.NewFromInt(cacheReadTokens).Div(million).Mul(price.CacheReadPricePerMTok)
	cacheWrite := decimal.NewFromInt(cacheWriteTokens).Div(million).Mul(price.CacheWritePricePerMTok)

	status := BillingStatusBilled
	reason := ""
	if price.Source == PriceSourceUnresolved {
		status = BillingStatusUnbillable
		reason = "no_price_for_model"
	}

	return BillingSnapshot{
		Model:                  price.Model,
		InputTokens:            inputTokens,
		OutputTokens:           outputTokens,
		CacheReadTokens:        cacheReadTokens,
		CacheWriteTokens:       cacheWriteTokens,
		InputPricePerMTok:      price.InputPricePerMTok,
		OutputPricePerMTok:     price.OutputPricePerMTok,
		CacheReadPricePerMTok:  price.CacheReadPricePerMTok,
		CacheWritePricePerMTok: price.CacheWritePricePerMTok,
		PriceSource:            price.Source,
		InputMultiplier:        decimal.NewFromFloat(inputMul),
		OutputMultiplier:       decimal.NewFromFloat(outputMul),
		BillingStatus:          status,
		UnbillableReason:       reason,
		FinalCost:              in.Add(out).Add(cacheRead).Add(cacheWrite).Round(6),
	}
}

// RequestLog is the structured record the Decision Recorder hands off to the
// log sink. It is assembled from a RoutingDecision plus the billing snapshot;
// persistence/transport is the sink's concern, not this package's.
type RequestLog struct {
	ID        string
	RequestID string
	APIKeyID  string

	RouteCapability RouteCapability
	RequestedModel  string
	StreamRequested bool
	RoutingType     string
	GroupName       string
	LBStrategy      SelectionStrategy

	SelectedUpstreamID string
	ActualUpstreamID   string
	AffinityHit        bool
	AffinityMigrated   bool

	SessionID            string
	SessionIDCompensated bool
	HeaderDiff           HeaderDiff

	Excluded             []ExcludedUpstream
	FailoverAttemptCount int
	FailoverHistory      []FailoverAttempt
	FailureStage         FailureStage
	DidSendUpstream      bool
	FinalStatus          int

	Billing BillingSnapshot

	LatencyMs         uint32
	RoutingDurationMs uint32
	TTFTMs            uint32
	CreatedAt         time.Time
}
