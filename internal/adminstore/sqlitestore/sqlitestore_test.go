package sqlitestore

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"path/filepath"
	"testing"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE upstreams (
	id TEXT PRIMARY KEY,
	name TEXT,
	base_url TEXT,
	route TEXT,
	provider_type TEXT,
	priority INTEGER,
	weight INTEGER,
	is_active INTEGER,
	allowed_models TEXT,
	model_redirects TEXT,
	credential_ciphertext BLOB,
	timeout_seconds INTEGER,
	daily_spending_limit REAL,
	monthly_spending_limit REAL,
	billing_input_multiplier REAL,
	billing_output_multiplier REAL
);

CREATE TABLE api_keys (
	id TEXT PRIMARY KEY,
	hashed_secret BLOB,
	prefix TEXT,
	is_active INTEGER
);

CREATE TABLE api_key_upstreams (
	api_key_id TEXT,
	upstream_id TEXT
);

CREATE VIEW api_keys_authorized_upstreams_view AS
	SELECT k.id, k.hashed_secret, k.prefix, k.is_active, COALESCE(u.upstream_id, '') AS authorized_upstream_id
	FROM api_keys k
	LEFT JOIN api_key_upstreams u ON u.api_key_id = k.id;

CREATE TABLE compensation_rules (
	id TEXT PRIMARY KEY,
	capabilities TEXT,
	sources TEXT,
	target_header TEXT,
	mode TEXT
);

CREATE TABLE model_prices (
	model TEXT PRIMARY KEY,
	input_price_per_mtok TEXT,
	output_price_per_mtok TEXT
);

CREATE TABLE quota_exceeded_overrides (
	upstream_id TEXT PRIMARY KEY
);
`

func hashOf(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

func setupDB(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "admin.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open writable db: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}

	hash := hashOf("secret")
	stmts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO upstreams (id, name, base_url, route, provider_type, priority, weight, is_active,
			allowed_models, model_redirects, credential_ciphertext, timeout_seconds, daily_spending_limit,
			monthly_spending_limit, billing_input_multiplier, billing_output_multiplier)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			[]any{"up-1", "primary", "https://api.example.com", "openai_chat_compatible", "openai", 0, 1, 1,
				"gpt-4o,gpt-4o-mini", `{"gpt-4o-legacy":"gpt-4o"}`, []byte("cipher"), 30, 0.0, 0.0, 1.0, 1.0}},
		{`INSERT INTO upstreams (id, name, base_url, route, provider_type, priority, weight, is_active,
			allowed_models, model_redirects, credential_ciphertext, timeout_seconds, daily_spending_limit,
			monthly_spending_limit, billing_input_multiplier, billing_output_multiplier)
			VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
			[]any{"up-2", "disabled", "https://api.example.com", "openai_chat_compatible", "openai", 0, 1, 0,
				"", "", []byte(nil), 30, 0.0, 0.0, 1.0, 1.0}},
		{`INSERT INTO api_keys (id, hashed_secret, prefix, is_active) VALUES (?,?,?,?)`,
			[]any{"key-1", hash, "abcd1234", 1}},
		{`INSERT INTO api_key_upstreams (api_key_id, upstream_id) VALUES (?,?)`,
			[]any{"key-1", "up-1"}},
		{`INSERT INTO compensation_rules (id, capabilities, sources, target_header, mode) VALUES (?,?,?,?,?)`,
			[]any{"rule-1", "openai_chat_compatible", "upstream.credential", "X-Api-Key", "overwrite"}},
		{`INSERT INTO model_prices (model, input_price_per_mtok, output_price_per_mtok) VALUES (?,?,?)`,
			[]any{"gpt-4o", "2.50", "10.00"}},
		{`INSERT INTO quota_exceeded_overrides (upstream_id) VALUES (?)`,
			[]any{"up-2"}},
	}
	for _, s := range stmts {
		if _, err := db.Exec(s.query, s.args...); err != nil {
			t.Fatalf("seed %q: %v", s.query, err)
		}
	}
	return path
}

func TestListActiveUpstreams_ExcludesInactiveAndParsesColumns(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	upstreams, err := s.ListActiveUpstreams(context.Background())
	if err != nil {
		t.Fatalf("ListActiveUpstreams: %v", err)
	}
	if len(upstreams) != 1 || upstreams[0].ID != "up-1" {
		t.Fatalf("expected only up-1, got %v", upstreams)
	}
	u := upstreams[0]
	if len(u.AllowedModels) != 2 || u.AllowedModels[0] != "gpt-4o" {
		t.Errorf("expected allowed models parsed from CSV, got %v", u.AllowedModels)
	}
	if u.ModelRedirects["gpt-4o-legacy"] != "gpt-4o" {
		t.Errorf("expected model redirects parsed from JSON, got %v", u.ModelRedirects)
	}
	if !u.IsActive {
		t.Error("expected IsActive true")
	}
}

func TestGetAPIKeyByHash_MatchesConstantTime(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	key, ok, err := s.GetAPIKeyByHash(context.Background(), hashOf("secret"))
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if !ok || key.ID != "key-1" {
		t.Fatalf("expected key-1, got %+v ok=%v", key, ok)
	}
	if !key.Authorizes("up-1") {
		t.Error("expected key to authorize up-1")
	}
}

func TestGetAPIKeyByHash_NoMatch(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	_, ok, err := s.GetAPIKeyByHash(context.Background(), hashOf("wrong-secret"))
	if err != nil {
		t.Fatalf("GetAPIKeyByHash: %v", err)
	}
	if ok {
		t.Error("expected no match")
	}
}

func TestGetCompensationRules(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	rules, err := s.GetCompensationRules(context.Background())
	if err != nil {
		t.Fatalf("GetCompensationRules: %v", err)
	}
	if len(rules) != 1 || rules[0].ID != "rule-1" {
		t.Fatalf("expected rule-1, got %v", rules)
	}
	if rules[0].TargetHeader != "X-Api-Key" {
		t.Errorf("unexpected target header: %q", rules[0].TargetHeader)
	}
}

func TestResolveBillingModelPrice_FoundAndMissing(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	price, ok, err := s.ResolveBillingModelPrice(context.Background(), "gpt-4o")
	if err != nil {
		t.Fatalf("ResolveBillingModelPrice: %v", err)
	}
	if !ok || price.Model != "gpt-4o" {
		t.Fatalf("expected price for gpt-4o, got %+v ok=%v", price, ok)
	}

	_, ok, err = s.ResolveBillingModelPrice(context.Background(), "does-not-exist")
	if err != nil {
		t.Fatalf("ResolveBillingModelPrice: %v", err)
	}
	if ok {
		t.Error("expected no price for unknown model")
	}
}

func TestGetQuotaExceededUpstreamIDs(t *testing.T) {
	path := setupDB(t)
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	ids, err := s.GetQuotaExceededUpstreamIDs(context.Background())
	if err != nil {
		t.Fatalf("GetQuotaExceededUpstreamIDs: %v", err)
	}
	if len(ids) != 1 || ids[0] != "up-2" {
		t.Errorf("expected [up-2], got %v", ids)
	}
}
