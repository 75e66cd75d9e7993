// Package app wires up all subsystems and owns the application lifecycle.
//
// Startup order:
//  1. initInfra      — external connections (Redis, when quota/admin
//     invalidation needs it)
//  2. initAdminStore — the cached read-through view over upstream/API-key
//     configuration
//  3. initCore       — health registry, affinity store, selector, SSRF
//     validator, dispatch engine, credential decryptor, billing, decision
//     recorder, quota tracker, metrics
//  4. initGateway    — the proxy HTTP surface + management routes
package app

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/nulpointcorp/llm-gateway/internal/adminstore"
	"github.com/nulpointcorp/llm-gateway/internal/affinity"
	"github.com/nulpointcorp/llm-gateway/internal/apikey"
	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/config"
	"github.com/nulpointcorp/llm-gateway/internal/decision"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
)

// App owns all long-lived resources and exposes Run / Close.
type App struct {
	version string
	cfg     *config.Config
	baseCtx context.Context
	log     *slog.Logger

	// Optional external connections — nil when not configured.
	rdb *redis.Client

	store *adminstore.CachedStore

	health *health.Registry
	prober *health.BackgroundProber
	aff    *affinity.Store

	verifier  *apikey.Verifier
	decryptor apikey.Decryptor
	sel       *selector.Selector
	engine    *proxyengine.Engine
	billingB  *billing.Builder
	quotaT    *quota.Tracker

	decRec *decision.Recorder
	chSink *decision.ClickHouseSink

	prom *metrics.Registry

	mgmt *proxy.ManagementRoutes
	gw   *proxy.Gateway
}

// New initialises all subsystems and returns a ready-to-run App.
// All resources allocated here are released by Close.
func New(ctx context.Context, cfg *config.Config, log *slog.Logger, version string) (*App, error) {
	if ctx == nil {
		return nil, fmt.Errorf("app: context must not be nil")
	}

	a := &App{cfg: cfg, version: version, baseCtx: ctx, log: log}

	steps := []struct {
		name string
		fn   func(context.Context) error
	}{
		{"infra", a.initInfra},
		{"admin_store", a.initAdminStore},
		{"core", a.initCore},
		{"gateway", a.initGateway},
	}

	for _, s := range steps {
		if err := s.fn(ctx); err != nil {
			a.Close()
			return nil, fmt.Errorf("app: init %s: %w", s.name, err)
		}
	}

	return a, nil
}

// Run starts the HTTP server and blocks until ctx is cancelled or an error
// occurs. It closes the app gracefully when returning.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("starting gateway",
		slog.String("version", a.version),
		slog.String("addr", a.cfg.ListenAddr),
		slog.String("admin_store_backend", a.cfg.AdminStore.Backend),
		slog.Bool("clickhouse", a.cfg.UsesClickHouse()),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return a.gw.StartWithRoutes(a.cfg.ListenAddr, a.mgmt)
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Close()
		return nil
	})

	return g.Wait()
}

// Close releases all resources in reverse-init order. Safe to call multiple
// times: each released resource is cleared. Calls are not synchronized with
// each other.
func (a *App) Close() {
	if a.prober != nil {
		a.prober.Close()
		a.prober = nil
	}
	if a.aff != nil {
		a.aff.Close()
		a.aff = nil
	}
	if a.decRec != nil {
		if err := a.decRec.Close(); err != nil {
			a.log.Error("decision recorder close error", slog.String("error", err.Error()))
		}
		a.decRec = nil
	}
	if a.chSink != nil {
		if err := a.chSink.Close(); err != nil {
			a.log.Error("clickhouse sink close error", slog.String("error", err.Error()))
		}
		a.chSink = nil
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Error("admin store close error", slog.String("error", err.Error()))
		}
		a.store = nil
	}
	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			a.log.Error("redis close error", slog.String("error", err.Error()))
		}
		a.rdb = nil
	}
}

// ── Private helpers ──────────────────────────────────────────────────────────

// connectRedis parses the URL and verifies connectivity with a PING.
func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}

	rdb := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}

	return rdb, nil
}

// buildDecryptor constructs the credential decryptor from the hex-encoded
// key, or returns nil when no key is configured — upstreams are then
// dispatched without a decrypted credential, which only works for upstreams
// that need none.
func buildDecryptor(keyHex string) (apikey.Decryptor, error) {
	if keyHex == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode credential key: %w", err)
	}
	return apikey.NewAESGCMDecryptor(key)
}

// Compile-time check that *affinity.Store satisfies selector.AffinityLookup,
// kept here to avoid an import cycle between affinity and selector.
var _ selector.AffinityLookup = (*affinity.Store)(nil)

// ssrfValidatorFrom builds the SSRF validator from configured allow-CIDRs.
func ssrfValidatorFrom(cfg config.SSRFConfig) (*ssrf.Validator, error) {
	allow, err := ssrf.ParseAllowCIDRs(cfg.AllowCIDRs)
	if err != nil {
		return nil, fmt.Errorf("ssrf allow cidrs: %w", err)
	}
	return ssrf.New(ssrf.Config{AllowCIDRs: allow}), nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}

var _ billing.PriceLookup = (*adminPriceLookup)(nil)
