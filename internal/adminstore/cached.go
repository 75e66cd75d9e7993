package adminstore

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// InvalidationChannel is the Redis pub/sub channel an admin write publishes
// to so every gateway instance refreshes its snapshot immediately instead of
// waiting out the cron interval.
const InvalidationChannel = "gateway:adminstore:invalidate"

// CachedStore wraps a backend Store with an atomically-swapped in-memory
// snapshot, refreshed on a cron schedule and optionally on demand via Redis
// pub/sub. Every read in the hot request path hits the snapshot pointer, not
// the backend — a YAML file stat or a SQL query never sits on the critical
// path of a proxied request.
type CachedStore struct {
	backend Store
	current atomic.Pointer[Snapshot]

	cron   *cron.Cron
	entry  cron.EntryID
	log    *slog.Logger
	sub    *redis.PubSub
	cancel context.CancelFunc
}

// CachedStoreConfig controls refresh cadence and optional invalidation.
type CachedStoreConfig struct {
	RefreshCronSpec string // e.g. "@every 30s"; cron.Parser accepts either form
	Redis           *redis.Client // nil disables pub/sub invalidation
}

// NewCachedStore does a synchronous initial load (a gateway that can't read
// its own configuration at startup should fail to start, not serve traffic
// against an empty snapshot) and then starts the refresh schedule.
func NewCachedStore(ctx context.Context, backend Store, cfg CachedStoreConfig, log *slog.Logger) (*CachedStore, error) {
	cs := &CachedStore{backend: backend, log: log}

	snap, err := readSnapshot(ctx, backend)
	if err != nil {
		return nil, err
	}
	cs.current.Store(&snap)

	spec := cfg.RefreshCronSpec
	if spec == "" {
		spec = "@every 30s"
	}
	cs.cron = cron.New()
	id, err := cs.cron.AddFunc(spec, func() { cs.refresh(context.Background()) })
	if err != nil {
		return nil, err
	}
	cs.entry = id
	cs.cron.Start()

	if cfg.Redis != nil {
		subCtx, cancel := context.WithCancel(context.Background())
		cs.cancel = cancel
		cs.sub = cfg.Redis.Subscribe(subCtx, InvalidationChannel)
		go cs.watchInvalidation(subCtx)
	}

	return cs, nil
}

func (cs *CachedStore) refresh(ctx context.Context) {
	snap, err := readSnapshot(ctx, cs.backend)
	if err != nil {
		if cs.log != nil {
			cs.log.WarnContext(ctx, "adminstore refresh failed, keeping stale snapshot", slog.Any("error", err))
		}
		return
	}
	cs.current.Store(&snap)
}

func (cs *CachedStore) watchInvalidation(ctx context.Context) {
	ch := cs.sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			cs.refresh(context.Background())
		}
	}
}

// Close stops the cron schedule and, if subscribed, the invalidation
// listener.
func (cs *CachedStore) Close() error {
	if cs.cron != nil {
		<-cs.cron.Stop().Done()
	}
	if cs.cancel != nil {
		cs.cancel()
	}
	if cs.sub != nil {
		return cs.sub.Close()
	}
	return nil
}

func (cs *CachedStore) snapshot() *Snapshot {
	return cs.current.Load()
}

// ListActiveUpstreams serves from the cached snapshot.
func (cs *CachedStore) ListActiveUpstreams(ctx context.Context) ([]model.Upstream, error) {
	return cs.snapshot().Upstreams, nil
}

// GetCompensationRules serves from the cached snapshot.
func (cs *CachedStore) GetCompensationRules(ctx context.Context) ([]model.CompensationRule, error) {
	return cs.snapshot().CompensationRules, nil
}

// GetQuotaExceededUpstreamIDs serves the operator-asserted list from the
// cached snapshot. Nothing in the request path reads it: the selector's quota
// exclusion uses only the Health Registry's quota flag, which the gateway
// sets from internal/quota after each dispatched request.
func (cs *CachedStore) GetQuotaExceededUpstreamIDs(ctx context.Context) ([]string, error) {
	set := cs.snapshot().QuotaExceededUpstreamIDs
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	return ids, nil
}

// GetAPIKeyByHash always goes straight to the backend: the key space is too
// large to snapshot wholesale, and credential verification should see a write
// the moment it lands, not after the next cron tick.
func (cs *CachedStore) GetAPIKeyByHash(ctx context.Context, hashedSecret []byte) (model.APIKey, bool, error) {
	return cs.backend.GetAPIKeyByHash(ctx, hashedSecret)
}

// ResolveBillingModelPrice also always goes straight to the backend, for the
// same reason.
func (cs *CachedStore) ResolveBillingModelPrice(ctx context.Context, modelName string) (model.ModelPrice, bool, error) {
	return cs.backend.ResolveBillingModelPrice(ctx, modelName)
}

var _ Store = (*CachedStore)(nil)

// refreshInterval reports how long remains until the next scheduled refresh
// of the cron entry.
func (cs *CachedStore) refreshInterval() time.Duration {
	entry := cs.cron.Entry(cs.entry)
	return time.Until(entry.Next)
}
