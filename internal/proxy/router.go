package proxy

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// httpMetrics records end-to-end HTTP metrics for every request. A nil
// registry degrades to a no-op wrapper.
func httpMetrics(reg *metrics.Registry) func(fasthttp.RequestHandler) fasthttp.RequestHandler {
	if reg == nil {
		return func(next fasthttp.RequestHandler) fasthttp.RequestHandler { return next }
	}
	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			reg.IncInFlight()
			defer reg.DecInFlight()

			start := time.Now()
			reqSize := len(ctx.PostBody())
			next(ctx)

			reg.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), time.Since(start), reqSize, len(ctx.Response.Body()))
		}
	}
}

// RouteHandler is a fasthttp handler function.
type RouteHandler = fasthttp.RequestHandler

// ManagementRoutes holds optional management API handler functions
// that are registered alongside the proxy routes.
type ManagementRoutes struct {
	Metrics RouteHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") in proxy-only mode,
// with no management routes.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
// Every path under the configured proxy prefix is routed to the same
// handler — route.Classify, not the router, decides which capability a
// request belongs to.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	r := router.New()

	prefix := g.proxyPrefix
	if prefix == "" {
		prefix = "/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	r.ANY(prefix+"{path:*}", g.handleProxy)

	r.GET("/health", g.handleHealth)
	r.GET("/readiness", g.handleReadiness)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		httpMetrics(g.metrics),
		corsHandler(g.corsOrigins),
		securityHeaders,
	)

	srv := &fasthttp.Server{
		Handler:      handler,
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// upstreamHealth is the per-upstream status reported by /health.
type upstreamHealth struct {
	ID    string            `json:"id"`
	Phase model.CircuitPhase `json:"phase"`
}

func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	upstreams, err := g.store.ListActiveUpstreams(ctx)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "error"})
		return
	}
	statuses := make([]upstreamHealth, 0, len(upstreams))
	for _, u := range upstreams {
		statuses = append(statuses, upstreamHealth{ID: u.ID, Phase: g.health.Phase(u.ID)})
	}
	writeJSON(ctx, map[string]any{"status": "ok", "upstreams": statuses})
}

// handleReadiness reports the gateway not-ready only when every configured
// upstream's circuit is open — i.e. there is no candidate left that any
// request could be routed to.
func (g *Gateway) handleReadiness(ctx *fasthttp.RequestCtx) {
	upstreams, err := g.store.ListActiveUpstreams(ctx)
	if err != nil || len(upstreams) == 0 {
		ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
		writeJSON(ctx, map[string]string{"status": "unavailable"})
		return
	}
	for _, u := range upstreams {
		if g.health.Phase(u.ID) != model.CircuitOpen {
			writeJSON(ctx, map[string]string{"status": "ok"})
			return
		}
	}
	ctx.SetStatusCode(fasthttp.StatusServiceUnavailable)
	writeJSON(ctx, map[string]string{"status": "unavailable"})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
