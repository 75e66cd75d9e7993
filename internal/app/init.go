package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nulpointcorp/llm-gateway/internal/adminstore"
	"github.com/nulpointcorp/llm-gateway/internal/adminstore/sqlitestore"
	"github.com/nulpointcorp/llm-gateway/internal/adminstore/yamlstore"
	"github.com/nulpointcorp/llm-gateway/internal/affinity"
	"github.com/nulpointcorp/llm-gateway/internal/apikey"
	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/decision"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/proxy"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
)

// initInfra establishes the shared Redis connection. Redis backs quota
// tracking and admin-store pub/sub invalidation — either one configured
// needs it.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Redis.URL == "" {
		return nil
	}

	a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))
	rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	a.rdb = rdb
	a.log.Info("redis connected")
	return nil
}

// initAdminStore builds the configured backend and wraps it in a CachedStore
// so the hot request path never touches the YAML file or SQL database
// directly.
func (a *App) initAdminStore(ctx context.Context) error {
	var backend adminstore.Store
	switch a.cfg.AdminStore.Backend {
	case "sqlite":
		s, err := sqlitestore.New(a.cfg.AdminStore.SQLitePath)
		if err != nil {
			return fmt.Errorf("sqlitestore: %w", err)
		}
		backend = s
	default:
		backend = yamlstore.New(a.cfg.AdminStore.YAMLPath)
	}

	cs, err := adminstore.NewCachedStore(ctx, backend, adminstore.CachedStoreConfig{
		RefreshCronSpec: a.cfg.AdminStore.RefreshCronSpec,
		Redis:           a.rdb,
	}, a.log)
	if err != nil {
		return fmt.Errorf("cached store: %w", err)
	}
	a.store = cs
	a.log.Info("admin store ready", slog.String("backend", a.cfg.AdminStore.Backend))
	return nil
}

// initCore builds every subsystem the Gateway dispatches through: health
// tracking, sticky-session affinity, candidate selection, outbound SSRF
// validation, credential decryption, billing, decision recording, quota
// tracking and metrics.
func (a *App) initCore(ctx context.Context) error {
	decryptor, err := buildDecryptor(a.cfg.CredentialKeyHex)
	if err != nil {
		return fmt.Errorf("credential decryptor: %w", err)
	}
	a.decryptor = decryptor

	a.health = health.NewRegistry(health.Config{
		FailureThreshold: a.cfg.CircuitBreaker.FailureThreshold,
		OpenDuration:     a.cfg.CircuitBreaker.OpenDuration,
		HalfOpenProbes:   a.cfg.CircuitBreaker.HalfOpenProbes,
		EWMAAlpha:        a.cfg.CircuitBreaker.EWMAAlpha,
	})

	a.prober = health.NewBackgroundProber(a.baseCtx, a.health, func() []model.Upstream {
		upstreams, err := a.store.ListActiveUpstreams(context.Background())
		if err != nil {
			a.log.Warn("background prober: list upstreams", slog.String("error", err.Error()))
			return nil
		}
		return upstreams
	}, func(u model.Upstream) (string, error) {
		if a.decryptor == nil || len(u.CredentialCiphertext) == 0 {
			return "", nil
		}
		return a.decryptor.Decrypt(u.CredentialCiphertext)
	})

	a.aff = affinity.New(affinity.Config{
		SlidingTTL:   a.cfg.Affinity.SlidingTTL,
		AbsoluteTTL:  a.cfg.Affinity.AbsoluteTTL,
		JanitorEvery: a.cfg.Affinity.JanitorEvery,
	})

	a.sel = selector.New(a.health, a.aff)

	validator, err := ssrfValidatorFrom(a.cfg.SSRF)
	if err != nil {
		return err
	}
	a.engine = proxyengine.New(validator)

	a.verifier = apikey.NewVerifier(a.store)

	a.billingB = billing.New(newAdminPriceLookup(a.store))

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	var sink decision.Sink
	if a.cfg.UsesClickHouse() {
		chSink, err := decision.NewClickHouseSink(decision.ClickHouseConfig{
			Addr:     a.cfg.ClickHouse.Addr,
			Database: a.cfg.ClickHouse.Database,
			Username: a.cfg.ClickHouse.Username,
			Password: a.cfg.ClickHouse.Password,
		})
		if err != nil {
			return fmt.Errorf("clickhouse sink: %w", err)
		}
		a.chSink = chSink
		sink = chSink
		a.log.Info("decision recorder sink: clickhouse")
	} else {
		a.log.Info("decision recorder sink: structured log (no clickhouse configured)")
	}
	a.decRec = decision.New(a.baseCtx, sink, a.log, a.prom)

	a.quotaT = quota.NewTracker(a.rdb)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	gw, err := proxy.NewGateway(proxy.GatewayOptions{
		Logger:               a.log,
		Store:                a.store,
		Verifier:             a.verifier,
		Decryptor:            a.decryptor,
		Health:               a.health,
		Selector:             a.sel,
		Engine:               a.engine,
		Billing:              a.billingB,
		Decision:             a.decRec,
		Quota:                a.quotaT,
		Metrics:              a.prom,
		ProxyPathPrefix:      a.cfg.ProxyPathPrefix,
		MaxBodyBytes:         a.cfg.MaxBodyBytes,
		RequestDeadlineSlack: a.cfg.RequestDeadlineSlack,
		QuotaProbeTTL:        a.cfg.Quota.ProbeTTL,
		CORSOrigins:          a.cfg.CORSOrigins,
	})
	if err != nil {
		return fmt.Errorf("new gateway: %w", err)
	}
	a.gw = gw

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	return nil
}
