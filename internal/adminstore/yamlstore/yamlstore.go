// Package yamlstore implements internal/adminstore.Store by reading a single
// YAML document from disk on every query — the simplest possible backend,
// intended for small deployments where an operator edits one file and the
// gateway's cron-scheduled refresh (internal/adminstore.CachedStore) picks it
// up on its next tick (every 30 seconds by default).
package yamlstore

import (
	"context"
	"crypto/subtle"
	"fmt"
	"os"
	"sync"

	"go.yaml.in/yaml/v3"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

type yamlUpstream struct {
	ID                      string            `yaml:"id"`
	Name                    string            `yaml:"name"`
	BaseURL                 string            `yaml:"base_url"`
	Route                   string            `yaml:"route"`
	ProviderType            string            `yaml:"provider_type"`
	Priority                int               `yaml:"priority"`
	Weight                  int               `yaml:"weight"`
	IsActive                bool              `yaml:"is_active"`
	AllowedModels           []string          `yaml:"allowed_models"`
	ModelRedirects          map[string]string `yaml:"model_redirects"`
	CredentialCiphertextB64 string            `yaml:"credential_ciphertext_b64"`
	TimeoutSeconds          int               `yaml:"timeout_seconds"`
	DailySpendingLimit      float64           `yaml:"daily_spending_limit"`
	MonthlySpendingLimit    float64           `yaml:"monthly_spending_limit"`
	BillingInputMultiplier  float64           `yaml:"billing_input_multiplier"`
	BillingOutputMultiplier float64           `yaml:"billing_output_multiplier"`
}

type yamlAPIKey struct {
	ID                  string   `yaml:"id"`
	HashedSecretHex      string   `yaml:"hashed_secret_hex"`
	Prefix              string   `yaml:"prefix"`
	IsActive            bool     `yaml:"is_active"`
	AuthorizedUpstreams []string `yaml:"authorized_upstreams"`
}

type yamlCompensationRule struct {
	ID           string   `yaml:"id"`
	Capabilities []string `yaml:"capabilities"`
	Sources      []string `yaml:"sources"`
	TargetHeader string   `yaml:"target_header"`
	Mode         string   `yaml:"mode"`
}

type yamlModelPrice struct {
	Model              string  `yaml:"model"`
	InputPricePerMTok  string  `yaml:"input_price_per_mtok"`
	OutputPricePerMTok string  `yaml:"output_price_per_mtok"`
}

type document struct {
	Upstreams           []yamlUpstream         `yaml:"upstreams"`
	APIKeys             []yamlAPIKey           `yaml:"api_keys"`
	CompensationRules   []yamlCompensationRule `yaml:"compensation_rules"`
	ModelPrices         []yamlModelPrice       `yaml:"model_prices"`
	QuotaExceededIDs    []string               `yaml:"quota_exceeded_upstream_ids"`
}

// Store reads path fresh on every call — cheap enough for the refresh
// cadence CachedStore wraps it in, and it means an operator's edit is visible
// the instant the next cron tick fires rather than requiring a process
// restart.
type Store struct {
	path string
	mu   sync.Mutex // serializes concurrent file reads, not data mutation
}

// New builds a Store reading YAML from path.
func New(path string) *Store {
	return &Store{path: path}
}

func (s *Store) load() (document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return document{}, fmt.Errorf("yamlstore: read %s: %w", s.path, err)
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return document{}, fmt.Errorf("yamlstore: parse %s: %w", s.path, err)
	}
	return doc, nil
}

func (s *Store) ListActiveUpstreams(ctx context.Context) ([]model.Upstream, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.Upstream, 0, len(doc.Upstreams))
	for _, u := range doc.Upstreams {
		if !u.IsActive {
			continue
		}
		cipher, err := decodeCredential(u.CredentialCiphertextB64)
		if err != nil {
			return nil, fmt.Errorf("yamlstore: upstream %s: %w", u.ID, err)
		}
		out = append(out, model.Upstream{
			ID:                      u.ID,
			Name:                    u.Name,
			BaseURL:                 u.BaseURL,
			Route:                   model.RouteCapability(u.Route),
			ProviderType:            u.ProviderType,
			Priority:                u.Priority,
			Weight:                  u.Weight,
			IsActive:                u.IsActive,
			AllowedModels:           u.AllowedModels,
			ModelRedirects:          u.ModelRedirects,
			CredentialCiphertext:    cipher,
			TimeoutSeconds:          u.TimeoutSeconds,
			DailySpendingLimit:      u.DailySpendingLimit,
			MonthlySpendingLimit:    u.MonthlySpendingLimit,
			BillingInputMultiplier:  u.BillingInputMultiplier,
			BillingOutputMultiplier: u.BillingOutputMultiplier,
		})
	}
	return out, nil
}

func (s *Store) GetAPIKeyByHash(ctx context.Context, hashedSecret []byte) (model.APIKey, bool, error) {
	doc, err := s.load()
	if err != nil {
		return model.APIKey{}, false, err
	}
	for _, k := range doc.APIKeys {
		candidate, err := decodeHex(k.HashedSecretHex)
		if err != nil {
			continue
		}
		if subtle.ConstantTimeCompare(candidate, hashedSecret) != 1 {
			continue
		}
		authorized := make(map[string]struct{}, len(k.AuthorizedUpstreams))
		for _, id := range k.AuthorizedUpstreams {
			authorized[id] = struct{}{}
		}
		return model.APIKey{
			ID:                  k.ID,
			HashedSecret:        candidate,
			Prefix:              k.Prefix,
			IsActive:            k.IsActive,
			AuthorizedUpstreams: authorized,
		}, true, nil
	}
	return model.APIKey{}, false, nil
}

func (s *Store) GetCompensationRules(ctx context.Context) ([]model.CompensationRule, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	out := make([]model.CompensationRule, 0, len(doc.CompensationRules))
	for _, r := range doc.CompensationRules {
		caps := make([]model.RouteCapability, 0, len(r.Capabilities))
		for _, c := range r.Capabilities {
			caps = append(caps, model.RouteCapability(c))
		}
		mode := model.CompensationModeOverwrite
		if r.Mode == string(model.CompensationModeMissingOnly) {
			mode = model.CompensationModeMissingOnly
		}
		out = append(out, model.CompensationRule{
			ID:           r.ID,
			Capabilities: caps,
			Sources:      r.Sources,
			TargetHeader: r.TargetHeader,
			Mode:         mode,
		})
	}
	return out, nil
}

func (s *Store) ResolveBillingModelPrice(ctx context.Context, modelName string) (model.ModelPrice, bool, error) {
	doc, err := s.load()
	if err != nil {
		return model.ModelPrice{}, false, err
	}
	for _, p := range doc.ModelPrices {
		if p.Model != modelName {
			continue
		}
		price, err := toModelPrice(p)
		if err != nil {
			return model.ModelPrice{}, false, err
		}
		return price, true, nil
	}
	return model.ModelPrice{}, false, nil
}

func (s *Store) GetQuotaExceededUpstreamIDs(ctx context.Context) ([]string, error) {
	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	return doc.QuotaExceededIDs, nil
}
