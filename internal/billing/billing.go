// Package billing implements the Billing Snapshot Builder: resolving a
// model's price through the manual-override / synced-catalog / unresolved
// cascade and turning token counts into a model.BillingSnapshot.
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// PriceLookup resolves a model's price, trying a manual override first and
// falling back to the synced catalog.
type PriceLookup interface {
	ManualOverride(modelName string) (model.ModelPrice, bool)
	SyncedCatalog(modelName string) (model.ModelPrice, bool)
}

// Builder assembles a BillingSnapshot for one completed request.
type Builder struct {
	prices PriceLookup
}

// New builds a Builder backed by the given price source.
func New(prices PriceLookup) *Builder {
	return &Builder{prices: prices}
}

// ResolvePrice runs the cascade: manual override wins over synced catalog,
// and an unresolved model still returns a usable (zero-priced) ModelPrice so
// billing math never panics on an unknown model — it just records
// PriceSourceUnresolved and a zero FinalCost for auditing.
func (b *Builder) ResolvePrice(modelName string) model.ModelPrice {
	if b.prices != nil {
		if p, ok := b.prices.ManualOverride(modelName); ok {
			p.Source = model.PriceSourceManualOverride
			return p
		}
		if p, ok := b.prices.SyncedCatalog(modelName); ok {
			p.Source = model.PriceSourceSyncedCatalog
			return p
		}
	}
	return model.ModelPrice{
		Model:              modelName,
		InputPricePerMTok:  decimal.Zero,
		OutputPricePerMTok: decimal.Zero,
		Source:             model.PriceSourceUnresolved,
	}
}

// Build resolves the price for modelName and computes the final cost against
// the dispatched upstream's billing multipliers. cacheReadTokens and
// cacheWriteTokens price at the catalog's separate cache rates, never at the
// base input rate.
func (b *Builder) Build(modelName string, inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens int64, u model.Upstream) model.BillingSnapshot {
	price := b.ResolvePrice(modelName)

	inputMul := u.BillingInputMultiplier
	if inputMul == 0 {
		inputMul = 1
	}
	outputMul := u.BillingOutputMultiplier
	if outputMul == 0 {
		outputMul = 1
	}

	return model.ComputeFinalCost(inputTokens, outputTokens, cacheReadTokens, cacheWriteTokens, price, inputMul, outputMul)
}
