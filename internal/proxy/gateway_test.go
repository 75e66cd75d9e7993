package proxy

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/apikey"
	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/decision"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
)

// fakeStore is a minimal in-memory adminstore.Store for gateway tests.
type fakeStore struct {
	upstreams []model.Upstream
	keys      map[string]model.APIKey // keyed by hash string
	rules     []model.CompensationRule
}

func (s *fakeStore) ListActiveUpstreams(ctx context.Context) ([]model.Upstream, error) {
	return s.upstreams, nil
}

func (s *fakeStore) GetAPIKeyByHash(ctx context.Context, hash []byte) (model.APIKey, bool, error) {
	k, ok := s.keys[string(hash)]
	return k, ok, nil
}

func (s *fakeStore) GetCompensationRules(ctx context.Context) ([]model.CompensationRule, error) {
	return s.rules, nil
}

func (s *fakeStore) ResolveBillingModelPrice(ctx context.Context, modelName string) (model.ModelPrice, bool, error) {
	return model.ModelPrice{}, false, nil
}

func (s *fakeStore) GetQuotaExceededUpstreamIDs(ctx context.Context) ([]string, error) {
	return nil, nil
}

// memAffinity is a bare in-memory selector.AffinityLookup for tests.
type memAffinity struct {
	entries map[string]model.AffinityEntry
}

func newMemAffinity() *memAffinity { return &memAffinity{entries: map[string]model.AffinityEntry{}} }

func (a *memAffinity) Lookup(key string) (model.AffinityEntry, bool) {
	e, ok := a.entries[key]
	return e, ok
}

func (a *memAffinity) Set(key, upstreamID string, contentLength, cumulativeInputTokens int64) {
	a.entries[key] = model.AffinityEntry{UpstreamID: upstreamID, ContentLength: contentLength, CumulativeInputTokens: cumulativeInputTokens}
}

// loopbackAllowed builds an ssrf.Validator that permits the 127.0.0.1/8 range
// an httptest.Server binds to.
func loopbackAllowed(t *testing.T) *ssrf.Validator {
	t.Helper()
	_, cidr, err := net.ParseCIDR("127.0.0.0/8")
	if err != nil {
		t.Fatalf("ParseCIDR: %v", err)
	}
	return ssrf.New(ssrf.Config{AllowCIDRs: []*net.IPNet{cidr}})
}

func testGateway(t *testing.T, store *fakeStore) *Gateway {
	t.Helper()
	h := health.NewRegistry(health.DefaultConfig())
	sel := selector.New(h, newMemAffinity())
	engine := proxyengine.New(loopbackAllowed(t))
	bill := billing.New(nil)
	verifier := apikey.NewVerifier(store)

	gw, err := NewGateway(GatewayOptions{
		Store:    store,
		Verifier: verifier,
		Health:   h,
		Selector: sel,
		Engine:   engine,
		Billing:  bill,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw
}

// capturingSink is a decision.Sink that retains every flushed row for test
// assertions.
type capturingSink struct {
	mu   sync.Mutex
	rows []model.RequestLog
}

func (c *capturingSink) Write(ctx context.Context, logs []model.RequestLog) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rows = append(c.rows, logs...)
	return nil
}

func (c *capturingSink) wait(t *testing.T) []model.RequestLog {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		c.mu.Lock()
		n := len(c.rows)
		c.mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.RequestLog(nil), c.rows...)
}

// testGatewayWithDecision is like testGateway but wires a decision.Recorder
// backed by a capturingSink so tests can inspect the RequestLog a proxied
// request produces.
func testGatewayWithDecision(t *testing.T, store *fakeStore) (*Gateway, *capturingSink) {
	t.Helper()
	h := health.NewRegistry(health.DefaultConfig())
	sel := selector.New(h, newMemAffinity())
	engine := proxyengine.New(loopbackAllowed(t))
	bill := billing.New(nil)
	verifier := apikey.NewVerifier(store)
	sink := &capturingSink{}
	rec := decision.New(context.Background(), sink, nil, nil)
	t.Cleanup(rec.Close)

	gw, err := NewGateway(GatewayOptions{
		Store:    store,
		Verifier: verifier,
		Health:   h,
		Selector: sel,
		Engine:   engine,
		Billing:  bill,
		Decision: rec,
	})
	if err != nil {
		t.Fatalf("NewGateway: %v", err)
	}
	return gw, sink
}

func doProxyRequest(gw *Gateway, method, path, body, authHeader string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(path)
	ctx.Request.Header.Set("Authorization", authHeader)
	ctx.Request.Header.SetContentType("application/json")
	ctx.Request.SetBodyString(body)
	ctx.SetUserValue("request_id", "test-request-id")
	gw.handleProxy(ctx)
	return ctx
}

func TestHandleProxy_SuccessfulNonStreamedDispatch(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"resp-1","usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	raw := "sk-test-secret"
	store := &fakeStore{
		upstreams: []model.Upstream{{
			ID: "up-1", Name: "primary", BaseURL: upstream.URL,
			Route: model.CapabilityOpenAIChatCompatible, IsActive: true, Priority: 1,
		}},
		keys: map[string]model.APIKey{
			string(apikey.HashSecret(raw)): {ID: "key-1", IsActive: true, AuthorizedUpstreams: map[string]struct{}{"up-1": {}}},
		},
	}
	gw := testGateway(t, store)

	ctx := doProxyRequest(gw, "POST", "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, "Bearer "+raw)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("got status %d, body=%s", got, ctx.Response.Body())
	}
}

func TestHandleProxy_InvalidAPIKeyRejected(t *testing.T) {
	store := &fakeStore{
		upstreams: []model.Upstream{{ID: "up-1", Route: model.CapabilityOpenAIChatCompatible, IsActive: true}},
		keys:      map[string]model.APIKey{},
	}
	gw := testGateway(t, store)

	ctx := doProxyRequest(gw, "POST", "/v1/chat/completions", `{"model":"gpt-4o"}`, "Bearer sk-wrong")

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusUnauthorized {
		t.Fatalf("got status %d", got)
	}
}

func TestHandleProxy_NoAuthorizedUpstreamsRejected(t *testing.T) {
	raw := "sk-test-secret"
	store := &fakeStore{
		upstreams: []model.Upstream{{ID: "up-1", Route: model.CapabilityOpenAIChatCompatible, IsActive: true}},
		keys: map[string]model.APIKey{
			string(apikey.HashSecret(raw)): {ID: "key-1", IsActive: true, AuthorizedUpstreams: map[string]struct{}{}},
		},
	}
	gw := testGateway(t, store)

	ctx := doProxyRequest(gw, "POST", "/v1/chat/completions", `{"model":"gpt-4o"}`, "Bearer "+raw)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusForbidden {
		t.Fatalf("got status %d", got)
	}
}

func TestHandleProxy_AllUpstreamsUnavailableAfterFailover(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()

	raw := "sk-test-secret"
	store := &fakeStore{
		upstreams: []model.Upstream{{
			ID: "up-1", BaseURL: upstream.URL, Route: model.CapabilityOpenAIChatCompatible,
			IsActive: true, Priority: 1,
		}},
		keys: map[string]model.APIKey{
			string(apikey.HashSecret(raw)): {ID: "key-1", IsActive: true, AuthorizedUpstreams: map[string]struct{}{"up-1": {}}},
		},
	}
	gw := testGateway(t, store)

	ctx := doProxyRequest(gw, "POST", "/v1/chat/completions", `{"model":"gpt-4o"}`, "Bearer "+raw)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadGateway && got != fasthttp.StatusServiceUnavailable {
		t.Fatalf("got status %d, body=%s", got, ctx.Response.Body())
	}
}

func TestHandleProxy_NonResolvingUpstreamPinRejectedWithBadRequest(t *testing.T) {
	raw := "sk-test-secret"
	store := &fakeStore{
		upstreams: []model.Upstream{{
			ID: "up-1", Name: "primary", Route: model.CapabilityOpenAIChatCompatible, IsActive: true, Priority: 1,
		}},
		keys: map[string]model.APIKey{
			string(apikey.HashSecret(raw)): {ID: "key-1", IsActive: true, AuthorizedUpstreams: map[string]struct{}{"up-1": {}}},
		},
	}
	gw := testGateway(t, store)

	ctx := &fasthttp.RequestCtx{}
	ctx.Request.Header.SetMethod("POST")
	ctx.Request.SetRequestURI("/v1/chat/completions")
	ctx.Request.Header.Set("Authorization", "Bearer "+raw)
	ctx.Request.Header.SetContentType("application/json")
	ctx.Request.Header.Set("X-Upstream-Name", "does-not-exist")
	ctx.Request.SetBodyString(`{"model":"gpt-4o"}`)
	ctx.SetUserValue("request_id", "test-request-id")
	gw.handleProxy(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("expected 400 for non-resolving upstream pin, got %d, body=%s", got, ctx.Response.Body())
	}
}

func TestHandleProxy_RecordsExcludedUpstreamsAndRoutingType(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"usage":{"prompt_tokens":10,"completion_tokens":5}}`))
	}))
	defer upstream.Close()

	raw := "sk-test-secret"
	store := &fakeStore{
		upstreams: []model.Upstream{
			{ID: "up-1", Name: "primary", BaseURL: upstream.URL, Route: model.CapabilityOpenAIChatCompatible, IsActive: true, Priority: 1},
			{ID: "up-2", Name: "unauthorized", BaseURL: upstream.URL, Route: model.CapabilityOpenAIChatCompatible, IsActive: true, Priority: 1},
		},
		keys: map[string]model.APIKey{
			string(apikey.HashSecret(raw)): {ID: "key-1", IsActive: true, AuthorizedUpstreams: map[string]struct{}{"up-1": {}}},
		},
	}
	gw, sink := testGatewayWithDecision(t, store)

	ctx := doProxyRequest(gw, "POST", "/proxy/generic", `{"model":"gpt-4o"}`, "Bearer "+raw)
	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("got status %d, body=%s", got, ctx.Response.Body())
	}

	rows := sink.wait(t)
	if len(rows) != 1 {
		t.Fatalf("expected 1 recorded row, got %d", len(rows))
	}
	row := rows[0]
	if row.RoutingType != "provider_type" {
		t.Errorf("expected provider_type routing for a model-fallback match, got %q", row.RoutingType)
	}
	found := false
	for _, ex := range row.Excluded {
		if ex.UpstreamID == "up-2" && ex.Reason == model.ExclusionNotAuthorized {
			found = true
		}
	}
	if !found {
		t.Errorf("expected up-2 excluded as not_authorized, got %+v", row.Excluded)
	}
}
