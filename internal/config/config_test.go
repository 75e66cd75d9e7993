package config

import "testing"

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"GATEWAY_LISTEN_ADDR", "LOG_LEVEL", "GATEWAY_PROXY_PREFIX", "GATEWAY_MAX_BODY_BYTES",
		"ADMIN_STORE_BACKEND", "CB_FAILURE_THRESHOLD", "CB_OPEN_DURATION", "AFFINITY_SHARDS",
		"LOG_SINK_CAPACITY",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_DefaultsApplyWhenUnset(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("expected default listen addr :8080, got %s", cfg.ListenAddr)
	}
	if cfg.ProxyPathPrefix != "/v1proxy" {
		t.Errorf("expected default proxy prefix /v1proxy, got %s", cfg.ProxyPathPrefix)
	}
	if cfg.MaxBodyBytes != 16*1024*1024 {
		t.Errorf("expected default max body bytes 16MiB, got %d", cfg.MaxBodyBytes)
	}
	if cfg.AdminStore.Backend != "yaml" {
		t.Errorf("expected default admin store backend yaml, got %s", cfg.AdminStore.Backend)
	}
	if cfg.CircuitBreaker.FailureThreshold != 5 {
		t.Errorf("expected default failure threshold 5, got %d", cfg.CircuitBreaker.FailureThreshold)
	}
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_LISTEN_ADDR", ":9090")
	t.Setenv("ADMIN_STORE_BACKEND", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9090" {
		t.Errorf("expected overridden listen addr :9090, got %s", cfg.ListenAddr)
	}
	if cfg.AdminStore.Backend != "sqlite" {
		t.Errorf("expected overridden backend sqlite, got %s", cfg.AdminStore.Backend)
	}
}

func TestLoad_RejectsInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	t.Setenv("LOG_LEVEL", "verbose")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an invalid log level")
	}
}

func TestLoad_RejectsInvalidAdminStoreBackend(t *testing.T) {
	clearEnv(t)
	t.Setenv("ADMIN_STORE_BACKEND", "mongo")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for an invalid admin store backend")
	}
}

func TestLoad_RejectsZeroMaxBodyBytes(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_MAX_BODY_BYTES", "0")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for zero max body bytes")
	}
}

func TestLoad_RejectsMalformedCredentialKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_CREDENTIAL_KEY", "not-hex")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a non-hex credential key")
	}
}

func TestLoad_RejectsWrongLengthCredentialKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_CREDENTIAL_KEY", "aabbcc")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error for a credential key that isn't 32 bytes")
	}
}

func TestLoad_AcceptsValidCredentialKey(t *testing.T) {
	clearEnv(t)
	t.Setenv("GATEWAY_CREDENTIAL_KEY", "001122334455667788990011223344556677889900112233445566778899001122")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error because the hex string above decodes to more than 32 bytes")
	}
	t.Setenv("GATEWAY_CREDENTIAL_KEY", "0011223344556677889900112233445566778899001122334455667788990011")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.CredentialKeyHex == "" {
		t.Error("expected credential key to be set")
	}
}
