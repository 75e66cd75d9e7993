package app

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/adminstore"
	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// adminPriceLookup adapts adminstore.Store's single ResolveBillingModelPrice
// query to billing.PriceLookup's two-tier ManualOverride/SyncedCatalog shape.
// The admin store backends (yamlstore, sqlitestore) don't distinguish a
// manually-pinned price from one synced off a provider's catalog — every
// resolved price is reported as a synced-catalog hit; ManualOverride always
// misses. Background: context.Background() is used rather than a request
// context because billing.PriceLookup's methods take only a model name.
type adminPriceLookup struct {
	store adminstore.Store
}

func newAdminPriceLookup(store adminstore.Store) *adminPriceLookup {
	return &adminPriceLookup{store: store}
}

func (p *adminPriceLookup) ManualOverride(modelName string) (model.ModelPrice, bool) {
	return model.ModelPrice{}, false
}

func (p *adminPriceLookup) SyncedCatalog(modelName string) (model.ModelPrice, bool) {
	price, ok, err := p.store.ResolveBillingModelPrice(context.Background(), modelName)
	if err != nil || !ok {
		return model.ModelPrice{}, false
	}
	return price, true
}
