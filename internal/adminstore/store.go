// Package adminstore is the gateway's read path onto operator-managed
// configuration: upstreams, API keys, header compensation rules, billing
// prices, and cached quota state. It never writes — provisioning happens
// out-of-band (a YAML file edit, a SQL migration, an admin UI backed by its
// own service) and the gateway only ever reads a consistent snapshot.
package adminstore

import (
	"context"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Store is the narrow read surface every backend (yamlstore, sqlitestore)
// implements. Five queries, matching exactly what the request path needs —
// adding a sixth here is a sign something belongs in a different package.
type Store interface {
	ListActiveUpstreams(ctx context.Context) ([]model.Upstream, error)
	GetAPIKeyByHash(ctx context.Context, hashedSecret []byte) (model.APIKey, bool, error)
	GetCompensationRules(ctx context.Context) ([]model.CompensationRule, error)
	ResolveBillingModelPrice(ctx context.Context, modelName string) (model.ModelPrice, bool, error)
	GetQuotaExceededUpstreamIDs(ctx context.Context) ([]string, error)
}
