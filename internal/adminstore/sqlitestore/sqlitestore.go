// Package sqlitestore implements internal/adminstore.Store against a
// read-only SQLite database, for deployments that provision upstreams and API
// keys from a separate admin process rather than hand-editing YAML. It uses
// modernc.org/sqlite, the pure-Go driver, so the gateway binary stays
// cgo-free.
package sqlitestore

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Store queries a SQLite file opened read-only (mode=ro), so this process
// can never corrupt the database an admin tool is writing to concurrently.
type Store struct {
	db *sql.DB
}

// New opens path in read-only mode.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) ListActiveUpstreams(ctx context.Context) ([]model.Upstream, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, base_url, route, provider_type, priority, weight,
		       allowed_models, model_redirects, credential_ciphertext,
		       timeout_seconds, daily_spending_limit, monthly_spending_limit,
		       billing_input_multiplier, billing_output_multiplier
		FROM upstreams WHERE is_active = 1`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: list active upstreams: %w", err)
	}
	defer rows.Close()

	var out []model.Upstream
	for rows.Next() {
		var u model.Upstream
		var allowedModelsCSV, modelRedirectsJSON string
		if err := rows.Scan(&u.ID, &u.Name, &u.BaseURL, &u.Route, &u.ProviderType, &u.Priority, &u.Weight,
			&allowedModelsCSV, &modelRedirectsJSON, &u.CredentialCiphertext,
			&u.TimeoutSeconds, &u.DailySpendingLimit, &u.MonthlySpendingLimit,
			&u.BillingInputMultiplier, &u.BillingOutputMultiplier); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan upstream: %w", err)
		}
		u.IsActive = true
		u.AllowedModels = splitCSV(allowedModelsCSV)
		redirects, err := parseRedirects(modelRedirectsJSON)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: upstream %s: %w", u.ID, err)
		}
		u.ModelRedirects = redirects
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hashedSecret []byte) (model.APIKey, bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hashed_secret, prefix, is_active, authorized_upstream_id
		FROM api_keys_authorized_upstreams_view`)
	if err != nil {
		return model.APIKey{}, false, fmt.Errorf("sqlitestore: get api key: %w", err)
	}
	defer rows.Close()

	keys := map[string]*model.APIKey{}
	var order []string
	for rows.Next() {
		var id, upstreamID string
		var hashed []byte
		var prefix string
		var isActive bool
		if err := rows.Scan(&id, &hashed, &prefix, &isActive, &upstreamID); err != nil {
			return model.APIKey{}, false, fmt.Errorf("sqlitestore: scan api key row: %w", err)
		}
		k, ok := keys[id]
		if !ok {
			k = &model.APIKey{ID: id, HashedSecret: hashed, Prefix: prefix, IsActive: isActive, AuthorizedUpstreams: map[string]struct{}{}}
			keys[id] = k
			order = append(order, id)
		}
		if upstreamID != "" {
			k.AuthorizedUpstreams[upstreamID] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return model.APIKey{}, false, err
	}

	for _, id := range order {
		k := keys[id]
		if subtle.ConstantTimeCompare(k.HashedSecret, hashedSecret) == 1 {
			return *k, true, nil
		}
	}
	return model.APIKey{}, false, nil
}

func (s *Store) GetCompensationRules(ctx context.Context) ([]model.CompensationRule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capabilities, sources, target_header, mode FROM compensation_rules`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get compensation rules: %w", err)
	}
	defer rows.Close()

	var out []model.CompensationRule
	for rows.Next() {
		var id, capsCSV, sourcesCSV, targetHeader, mode string
		if err := rows.Scan(&id, &capsCSV, &sourcesCSV, &targetHeader, &mode); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan compensation rule: %w", err)
		}
		caps := make([]model.RouteCapability, 0)
		for _, c := range splitCSV(capsCSV) {
			caps = append(caps, model.RouteCapability(c))
		}
		m := model.CompensationModeOverwrite
		if mode == string(model.CompensationModeMissingOnly) {
			m = model.CompensationModeMissingOnly
		}
		out = append(out, model.CompensationRule{
			ID:           id,
			Capabilities: caps,
			Sources:      splitCSV(sourcesCSV),
			TargetHeader: targetHeader,
			Mode:         m,
		})
	}
	return out, rows.Err()
}

func (s *Store) ResolveBillingModelPrice(ctx context.Context, modelName string) (model.ModelPrice, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT model, input_price_per_mtok, output_price_per_mtok
		FROM model_prices WHERE model = ?`, modelName)

	var m, inStr, outStr string
	if err := row.Scan(&m, &inStr, &outStr); err != nil {
		if err == sql.ErrNoRows {
			return model.ModelPrice{}, false, nil
		}
		return model.ModelPrice{}, false, fmt.Errorf("sqlitestore: resolve billing price: %w", err)
	}
	in, err := decimal.NewFromString(inStr)
	if err != nil {
		return model.ModelPrice{}, false, fmt.Errorf("sqlitestore: parse input price: %w", err)
	}
	out, err := decimal.NewFromString(outStr)
	if err != nil {
		return model.ModelPrice{}, false, fmt.Errorf("sqlitestore: parse output price: %w", err)
	}
	return model.ModelPrice{Model: m, InputPricePerMTok: in, OutputPricePerMTok: out}, true, nil
}

func (s *Store) GetQuotaExceededUpstreamIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT upstream_id FROM quota_exceeded_overrides`)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: get quota exceeded overrides: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan quota override: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
