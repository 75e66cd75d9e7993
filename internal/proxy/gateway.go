// Package proxy is the gateway's HTTP surface: it terminates inbound
// requests, classifies them onto a route capability, authorizes the caller,
// selects and dispatches to an upstream with failover, and records the
// resulting billing and routing decision — for a buffered response before it
// is sent to the client, for a streamed response after the stream ends.
//
// Key design constraints carried over from the original single-provider
// proxy this package replaced:
//   - Logger, metrics, and the decision recorder are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - Streaming responses are relayed byte-for-byte; they are never cached.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/llm-gateway/internal/adminstore"
	"github.com/nulpointcorp/llm-gateway/internal/apikey"
	"github.com/nulpointcorp/llm-gateway/internal/billing"
	"github.com/nulpointcorp/llm-gateway/internal/decision"
	"github.com/nulpointcorp/llm-gateway/internal/failover"
	"github.com/nulpointcorp/llm-gateway/internal/health"
	"github.com/nulpointcorp/llm-gateway/internal/metrics"
	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/proxyengine"
	"github.com/nulpointcorp/llm-gateway/internal/quota"
	"github.com/nulpointcorp/llm-gateway/internal/route"
	"github.com/nulpointcorp/llm-gateway/internal/selector"
	"github.com/nulpointcorp/llm-gateway/pkg/apierr"
)

// GatewayOptions holds the wiring a Gateway needs. Store, Verifier, Health,
// Selector, Engine and Billing are required; Decision, Quota and Metrics
// degrade to no-ops when nil.
type GatewayOptions struct {
	Logger *slog.Logger

	Store     adminstore.Store
	Verifier  *apikey.Verifier
	Decryptor apikey.Decryptor
	Health    *health.Registry
	Selector  *selector.Selector
	Engine    *proxyengine.Engine
	Billing   *billing.Builder
	Decision  *decision.Recorder
	Quota     *quota.Tracker
	Metrics   *metrics.Registry

	ProxyPathPrefix      string
	MaxBodyBytes         int64
	RequestDeadlineSlack time.Duration
	QuotaProbeTTL        time.Duration

	CORSOrigins []string
}

// Gateway is the proxy's HTTP entrypoint.
type Gateway struct {
	log *slog.Logger

	store     adminstore.Store
	verifier  *apikey.Verifier
	decryptor apikey.Decryptor
	health    *health.Registry
	selector  *selector.Selector
	engine    *proxyengine.Engine
	billing   *billing.Builder
	decision  *decision.Recorder
	quota     *quota.Tracker
	metrics   *metrics.Registry

	proxyPrefix   string
	maxBodyBytes  int64
	deadlineSlack time.Duration
	quotaTTL      time.Duration

	corsOrigins []string
}

// NewGateway builds a Gateway from fully-resolved options.
func NewGateway(opts GatewayOptions) (*Gateway, error) {
	if opts.Store == nil || opts.Verifier == nil || opts.Health == nil ||
		opts.Selector == nil || opts.Engine == nil || opts.Billing == nil {
		return nil, fmt.Errorf("proxy: NewGateway requires Store, Verifier, Health, Selector, Engine and Billing")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = proxyengine.MaxBodyBytes
	}
	return &Gateway{
		log:           log,
		store:         opts.Store,
		verifier:      opts.Verifier,
		decryptor:     opts.Decryptor,
		health:        opts.Health,
		selector:      opts.Selector,
		engine:        opts.Engine,
		billing:       opts.Billing,
		decision:      opts.Decision,
		quota:         opts.Quota,
		metrics:       opts.Metrics,
		proxyPrefix:   opts.ProxyPathPrefix,
		maxBodyBytes:  maxBody,
		deadlineSlack: opts.RequestDeadlineSlack,
		quotaTTL:      opts.QuotaProbeTTL,
		corsOrigins:   opts.CORSOrigins,
	}, nil
}

// SetCORSOrigins configures the allowed CORS origins for the gateway.
func (g *Gateway) SetCORSOrigins(origins []string) { g.corsOrigins = origins }

// pipelineOutcome carries everything decided before dispatch, shared between
// the streaming and non-streaming response paths.
type pipelineOutcome struct {
	decisionRec    model.RoutingDecision
	classification route.Classification
	fail           failover.Request
	errCode        apierr.Code
	errMsg         string
	errDetail      apierr.Detail
}

// handleProxy is the single entrypoint for every proxied route — the route
// capability is determined from the path and body, not from per-route
// handler registration, so one handler serves the whole proxy prefix.
func (g *Gateway) handleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	out, ok := g.plan(ctx, reqID, start)
	if !ok {
		apierr.Write(ctx, out.errCode, out.errMsg, out.errDetail)
		g.recordDecision(out.decisionRec, model.BillingSnapshot{})
		return
	}

	deadline := g.requestDeadline(out.fail.Candidates)
	dctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	if out.classification.StreamRequested {
		g.runStreaming(ctx, dctx, reqID, start, out)
		return
	}
	g.runBuffered(ctx, dctx, reqID, start, out)
}

// plan runs every step up to (but not including) dispatch: body-size check,
// classification, authorization, candidate selection and header-compensation
// lookup. Its result is shared by both the buffered and streaming response
// paths, since the only difference between them is how dispatch results are
// written back to the client.
func (g *Gateway) plan(ctx *fasthttp.RequestCtx, reqID string, start time.Time) (pipelineOutcome, bool) {
	d := model.RoutingDecision{RequestID: reqID, StartedAt: start}
	d.GroupName = string(ctx.Request.Header.Peek("X-Upstream-Group"))

	body := ctx.PostBody()
	if int64(len(body)) > g.maxBodyBytes {
		d.FailureStage = model.FailureStageClassification
		return pipelineOutcome{decisionRec: d, errCode: apierr.CodeInvalidRequest, errMsg: "request body too large", errDetail: apierr.Detail{RequestID: reqID}}, false
	}

	rawPath := strings.TrimPrefix(string(ctx.Path()), g.proxyPrefix)
	classification, err := route.Classify(rawPath, body)
	if err != nil {
		d.FailureStage = model.FailureStageClassification
		return pipelineOutcome{decisionRec: d, errCode: apierr.CodeInvalidRequest, errMsg: err.Error(), errDetail: apierr.Detail{RequestID: reqID}}, false
	}
	d.RouteCapability = classification.Capability
	d.RequestedModel = classification.RequestedModel
	d.StreamRequested = classification.StreamRequested
	d.RoutingType = routingTypeFor(classification.RouteMatchSource)

	authHeader := string(ctx.Request.Header.Peek("Authorization"))
	key, reason, err := g.verifier.Verify(ctx, authHeader)
	if err != nil {
		g.log.ErrorContext(ctx, "api_key_lookup_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
		d.FailureStage = model.FailureStageAuthorization
		return pipelineOutcome{decisionRec: d, errCode: apierr.CodeInternalError, errMsg: "internal error", errDetail: apierr.Detail{RequestID: reqID}}, false
	}
	if reason != apikey.FailureNone {
		d.FailureStage = model.FailureStageAuthorization
		return pipelineOutcome{decisionRec: d, errCode: apierr.CodeInvalidAPIKey, errMsg: "invalid API key", errDetail: apierr.Detail{Reason: string(reason), RequestID: reqID}}, false
	}
	d.APIKeyID = key.ID

	upstreams, err := g.store.ListActiveUpstreams(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "admin_store_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
		d.FailureStage = model.FailureStageInternal
		return pipelineOutcome{decisionRec: d, errCode: apierr.CodeInternalError, errMsg: "internal error", errDetail: apierr.Detail{RequestID: reqID}}, false
	}

	sessionKey, sessionLen, sessionOK := route.SessionKey(key.ID, classification.Capability, body)
	d.SessionID = sessionKey
	d.SessionIDCompensated = !sessionOK

	selReq := selector.Request{
		APIKey:               key,
		Capability:           classification.Capability,
		RequestedModel:       classification.RequestedModel,
		PinnedUpstreamName:   string(ctx.Request.Header.Peek("X-Upstream-Name")),
		SessionKey:           sessionKey,
		SessionContentLength: sessionLen,
	}

	result, err := g.selector.Select(selReq, upstreams, int64(g.quotaTTL.Seconds()))
	if err != nil {
		var selErr *selector.Error
		code := apierr.CodeNoUpstreamsConfigured
		if errors.As(err, &selErr) {
			switch selErr.Code {
			case "NO_AUTHORIZED_UPSTREAMS":
				code = apierr.CodeNoAuthorizedUpstreams
			case "UPSTREAM_PIN_INCOMPATIBLE":
				code = apierr.CodeUpstreamPinIncompatible
			}
		}
		d.FailureStage = model.FailureStageCandidateEmpty
		d.Excluded = result.Excluded
		return pipelineOutcome{decisionRec: d, errCode: code, errMsg: err.Error(), errDetail: apierr.Detail{RequestID: reqID}}, false
	}

	if g.metrics != nil {
		switch {
		case result.AffinityMigrated:
			g.metrics.RecordAffinityMigration()
		case result.AffinityHit:
			g.metrics.RecordAffinityHit()
		default:
			g.metrics.RecordAffinityMiss()
		}
	}

	d.AffinityHit = result.AffinityHit
	d.AffinityMigrated = result.AffinityMigrated
	d.SelectionStrategy = result.SelectionStrategy
	d.Excluded = result.Excluded
	for _, u := range result.Ordered {
		d.CandidateUpstreamIDs = append(d.CandidateUpstreamIDs, u.ID)
	}
	if len(result.Ordered) > 0 {
		d.SelectedUpstreamID = result.Ordered[0].ID
	}

	rules, err := g.store.GetCompensationRules(ctx)
	if err != nil {
		g.log.ErrorContext(ctx, "admin_store_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
	}

	clientHeaders := collectClientHeaders(ctx)
	method := string(ctx.Method())

	fail := failover.Request{
		Candidates: result.Ordered,
		Dispatch: func(dctx context.Context, u model.Upstream, attemptTimeout time.Duration, stream io.Writer) (proxyengine.DispatchResult, error) {
			cred := ""
			if g.decryptor != nil && len(u.CredentialCiphertext) > 0 {
				var derr error
				cred, derr = g.decryptor.Decrypt(u.CredentialCiphertext)
				if derr != nil {
					return proxyengine.DispatchResult{}, fmt.Errorf("proxy: decrypt upstream credential: %w", derr)
				}
			}
			return g.engine.Dispatch(dctx, proxyengine.DispatchRequest{
				Upstream:      u,
				Capability:    classification.Capability,
				Method:        method,
				Path:          rawPath,
				ClientHeaders: clientHeaders,
				Body:          body,
				Stream:        classification.StreamRequested,
				Credential:    cred,
				Rules:         rules,
				SourceLookup:  sourceLookupFor(clientHeaders),
			}, attemptTimeout, stream)
		},
	}

	d.RoutingDuration = time.Since(start)
	return pipelineOutcome{decisionRec: d, classification: classification, fail: fail}, true
}

// routingTypeFor names which classification stage placed the request onto its
// capability, for the routing record's routingType field.
func routingTypeFor(source route.MatchSource) string {
	switch source {
	case route.MatchSourceModelFallback:
		return "provider_type"
	default:
		return "path_capability"
	}
}

// runBuffered drives the failover loop for a non-streamed request and writes
// the single final response.
func (g *Gateway) runBuffered(ctx *fasthttp.RequestCtx, dctx context.Context, reqID string, start time.Time, out pipelineOutcome) {
	res := failover.Run(dctx, out.fail, g.health)
	d := out.decisionRec
	d.FailoverAttempts = res.Attempts
	d.DidSendUpstream = res.DidSendUpstream
	d.ActualUpstreamID = res.ActualUpstream.ID
	d.Latency = time.Since(start)
	d.HeaderDiff = res.FinalResult.HeaderDiff

	snapshot := g.billing.Build(out.classification.RequestedModel, res.FinalResult.Usage.InputTokens, res.FinalResult.Usage.OutputTokens, res.FinalResult.Usage.CacheReadTokens, res.FinalResult.Usage.CacheCreateTokens, res.ActualUpstream)
	g.trackQuota(ctx, reqID, res, snapshot)
	g.recordAttemptMetrics(out, res, snapshot, start)

	if res.Err != nil {
		d.FailureStage = model.FailureStageDispatch
		status := res.FinalResult.StatusCode
		if status == 0 {
			apierr.Write(ctx, apierr.CodeAllUpstreamsUnavailable, res.Err.Error(), apierr.Detail{RequestID: reqID, DidSendUpstream: apierr.BoolPtr(res.DidSendUpstream)})
		} else {
			apierr.WriteProviderError(ctx, status, res.Err.Error(), apierr.Detail{RequestID: reqID, DidSendUpstream: apierr.BoolPtr(true)})
		}
		d.FinalStatus = ctx.Response.StatusCode()
		g.recordDecision(d, snapshot)
		return
	}

	ctx.SetStatusCode(res.FinalResult.StatusCode)
	ctx.SetContentType("application/json")
	ctx.SetBody(res.FinalResult.Body)
	d.FinalStatus = res.FinalResult.StatusCode
	g.recordDecision(d, snapshot)
}

// runStreaming commits the response to text/event-stream before dispatch —
// once fasthttp's body-stream writer starts, the status code can no longer
// change, so a failure after the first flushed byte is rendered as a
// terminal SSE error event rather than a different HTTP status.
func (g *Gateway) runStreaming(ctx *fasthttp.RequestCtx, dctx context.Context, reqID string, start time.Time, out pipelineOutcome) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		sw := &flushWriter{w: w}
		out.fail.Stream = sw

		res := failover.Run(dctx, out.fail, g.health)

		d := out.decisionRec
		d.FailoverAttempts = res.Attempts
		d.DidSendUpstream = res.DidSendUpstream
		d.ActualUpstreamID = res.ActualUpstream.ID
		d.Latency = time.Since(start)
		d.FinalStatus = res.FinalResult.StatusCode
		d.HeaderDiff = res.FinalResult.HeaderDiff
		if !sw.firstByte.IsZero() {
			d.TTFT = sw.firstByte.Sub(start)
		}

		snapshot := g.billing.Build(out.classification.RequestedModel, res.FinalResult.Usage.InputTokens, res.FinalResult.Usage.OutputTokens, res.FinalResult.Usage.CacheReadTokens, res.FinalResult.Usage.CacheCreateTokens, res.ActualUpstream)
		g.trackQuota(ctx, reqID, res, snapshot)
		g.recordAttemptMetrics(out, res, snapshot, start)

		if res.Err != nil {
			d.FailureStage = model.FailureStageStreamInterrupt
			if !sw.wrote {
				w.Write(apierr.SSEEvent(apierr.CodeAllUpstreamsUnavailable, res.Err.Error(), apierr.Detail{RequestID: reqID, DidSendUpstream: apierr.BoolPtr(res.DidSendUpstream)}))
			} else {
				w.Write(apierr.SSEEvent(apierr.CodeStreamError, res.Err.Error(), apierr.Detail{RequestID: reqID, DidSendUpstream: apierr.BoolPtr(true)}))
			}
			w.Flush()
		}

		g.recordDecision(d, snapshot)
	})
}

// flushWriter adapts a *bufio.Writer into the io.Writer the Proxy Engine and
// Failover Executor expect, flushing after every write so SSE chunks reach
// the client immediately instead of sitting in fasthttp's buffer. firstByte
// records when the first byte reached the client, for the routing record's
// time-to-first-token field.
type flushWriter struct {
	w         *bufio.Writer
	wrote     bool
	firstByte time.Time
}

func (f *flushWriter) Write(p []byte) (int, error) {
	n, err := f.w.Write(p)
	if n > 0 {
		if !f.wrote {
			f.firstByte = time.Now()
		}
		f.wrote = true
	}
	if err != nil {
		return n, err
	}
	return n, f.w.Flush()
}

func (f *flushWriter) Flush() { f.w.Flush() }

func (g *Gateway) trackQuota(ctx *fasthttp.RequestCtx, reqID string, res failover.Result, snapshot model.BillingSnapshot) {
	if g.quota == nil || !res.DidSendUpstream || res.ActualUpstream.ID == "" {
		return
	}
	cost, _ := snapshot.FinalCost.Float64()
	exceeded, err := g.quota.RecordSpend(ctx, res.ActualUpstream.ID, cost,
		res.ActualUpstream.DailySpendingLimit, res.ActualUpstream.MonthlySpendingLimit)
	if err != nil {
		g.log.ErrorContext(ctx, "quota_tracker_error", slog.String("request_id", reqID), slog.String("error", err.Error()))
		return
	}
	g.health.SetQuotaExceeded(res.ActualUpstream.ID, exceeded)
	if g.metrics != nil {
		g.metrics.SetQuotaExceeded(res.ActualUpstream.ID, exceeded)
	}
}

// recordAttemptMetrics exports Prometheus series for one request's failover
// loop: per-attempt outcome/latency, each touched upstream's circuit state,
// failover success/exhaustion and, on success, token counts.
func (g *Gateway) recordAttemptMetrics(out pipelineOutcome, res failover.Result, snapshot model.BillingSnapshot, start time.Time) {
	if g.metrics == nil {
		return
	}
	route := string(out.classification.Capability)

	for _, a := range res.Attempts {
		g.metrics.ObserveUpstreamAttempt(a.UpstreamID, route, string(a.Outcome), time.Duration(a.LatencyMs)*time.Millisecond)
		if a.ErrorReason != "" {
			g.metrics.RecordError(a.UpstreamID, a.ErrorReason)
		}
		g.metrics.SetCircuitBreaker(a.UpstreamID, circuitState(g.health.Phase(a.UpstreamID)))
		g.metrics.SetProviderHealth(a.UpstreamID, g.health.Phase(a.UpstreamID) == model.CircuitClosed)
	}

	if len(res.Attempts) == 0 {
		return
	}
	primary := res.Attempts[0].UpstreamID
	switch {
	case res.Err != nil:
		g.metrics.RecordFailoverExhausted(primary)
	case res.ActualUpstream.ID != "" && res.ActualUpstream.ID != primary:
		g.metrics.RecordFailover(primary, primary, res.ActualUpstream.ID, string(res.Attempts[len(res.Attempts)-1].Outcome))
		g.metrics.RecordFailoverSuccess(primary, res.ActualUpstream.ID)
	}

	if res.Err == nil {
		g.metrics.AddTokens(res.ActualUpstream.ID, route, int(snapshot.InputTokens), int(snapshot.OutputTokens))
		g.metrics.ObserveGatewayRequest(res.ActualUpstream.ID, route, time.Since(start))
	}
}

// circuitState maps a CircuitPhase onto the numeric gauge value the metrics
// registry exports (0=closed, 1=open, 2=half-open).
func circuitState(phase model.CircuitPhase) int64 {
	switch phase {
	case model.CircuitOpen:
		return 1
	case model.CircuitHalfOpen:
		return 2
	default:
		return 0
	}
}

func (g *Gateway) requestDeadline(candidates []model.Upstream) time.Duration {
	total := g.deadlineSlack
	if total <= 0 {
		total = 5 * time.Second
	}
	n := len(candidates)
	if n > model.MaxFailoverAttempts {
		n = model.MaxFailoverAttempts
	}
	for i := 0; i < n; i++ {
		total += candidates[i].TimeoutOrDefault(failover.DefaultAttemptTimeout)
	}
	return total
}

func (g *Gateway) recordDecision(d model.RoutingDecision, snapshot model.BillingSnapshot) {
	if g.decision == nil {
		return
	}
	g.decision.Record(d, snapshot)
}

// sourceLookupFor resolves a header compensation rule's non-credential
// sources: "static:<value>" for an operator-configured literal, and
// "client.header:<name>" to pass a client-supplied header through verbatim.
func sourceLookupFor(clientHeaders map[string]string) func(string) (string, bool) {
	return func(src string) (string, bool) {
		switch {
		case strings.HasPrefix(src, "static:"):
			return strings.TrimPrefix(src, "static:"), true
		case strings.HasPrefix(src, "client.header:"):
			name := strings.TrimPrefix(src, "client.header:")
			v, ok := clientHeaders[name]
			return v, ok
		}
		return "", false
	}
}

func collectClientHeaders(ctx *fasthttp.RequestCtx) map[string]string {
	headers := make(map[string]string, 16)
	ctx.Request.Header.VisitAll(func(k, v []byte) {
		headers[string(k)] = string(v)
	})
	return headers
}
