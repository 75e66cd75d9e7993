package proxyengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nulpointcorp/llm-gateway/internal/model"
	"github.com/nulpointcorp/llm-gateway/internal/ssrf"
)

// MaxBodyBytes is the hard cap on a request/response body the engine will
// buffer in memory: Dispatch returns ErrBodyTooLarge for a request body over
// it, and a buffered response body is cut at this size with
// DispatchResult.Truncated set and no error returned.
const MaxBodyBytes = 16 * 1024 * 1024

// DispatchRequest is everything the engine needs to relay one attempt to one
// upstream.
type DispatchRequest struct {
	Upstream     model.Upstream
	Capability   model.RouteCapability
	Method       string
	Path         string // the upstream-relative path, after model redirect rewriting of the body
	ClientHeaders map[string]string
	Body         []byte
	Stream       bool
	Credential   string // decrypted upstream credential
	Rules        []model.CompensationRule
	SourceLookup func(source string) (string, bool)
}

// DispatchResult is a completed (or partially streamed) attempt.
type DispatchResult struct {
	StatusCode int
	Body       []byte // populated for non-streamed responses
	Usage      Usage
	Truncated  bool
	HeaderDiff model.HeaderDiff
}

// ErrBodyTooLarge is returned when the client body exceeds MaxBodyBytes.
var ErrBodyTooLarge = fmt.Errorf("proxyengine: request body exceeds %d bytes", MaxBodyBytes)

// Engine dispatches one attempt at a time; the Failover Executor owns looping
// over candidates and deciding when to give up.
type Engine struct {
	client    *http.Client
	validator *ssrf.Validator
}

// New builds an Engine. Each Dispatch call is bounded by its own per-attempt
// timeout, applied through the context; the Failover Executor additionally enforces the request-wide deadline across
// the whole loop.
func New(validator *ssrf.Validator) *Engine {
	return &Engine{
		client:    &http.Client{Timeout: 0}, // per-attempt timeout applied via context
		validator: validator,
	}
}

// rewriteModel applies the upstream's configured model redirect to a raw
// JSON body's "model" field, idempotently: running it twice on an
// already-redirected body is a no-op because the lookup key is the original
// client-facing name, and a body with no "model" field at all passes through
// unchanged.
func rewriteModel(body []byte, redirects map[string]string) []byte {
	if len(redirects) == 0 || len(bytes.TrimSpace(body)) == 0 {
		return body
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil || probe.Model == "" {
		return body
	}
	target, ok := redirects[probe.Model]
	if !ok || target == probe.Model {
		return body
	}

	var generic map[string]json.RawMessage
	if err := json.Unmarshal(body, &generic); err != nil {
		return body
	}
	encoded, err := json.Marshal(target)
	if err != nil {
		return body
	}
	generic["model"] = encoded
	out, err := json.Marshal(generic)
	if err != nil {
		return body
	}
	return out
}

// Dispatch performs SSRF validation (re-run at attempt time, never cached
// from configuration time), builds the outbound request, and relays the
// response — buffered for non-streamed requests, tee-scanned for streamed
// ones.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest, attemptTimeout time.Duration, stream io.Writer) (DispatchResult, error) {
	if int64(len(req.Body)) > MaxBodyBytes {
		return DispatchResult{}, ErrBodyTooLarge
	}

	target, err := url.Parse(req.Upstream.BaseURL)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("proxyengine: invalid upstream base URL: %w", err)
	}
	if err := e.validator.Validate(ctx, req.Upstream.BaseURL); err != nil {
		return DispatchResult{}, err
	}

	fullURL := joinURL(target, req.Path)
	body := rewriteModel(req.Body, req.Upstream.ModelRedirects)

	outHeaders := BuildOutboundHeaders(req.ClientHeaders, req.Rules, req.Capability, req.Credential, req.SourceLookup)
	headerDiff := DiffHeaders(req.ClientHeaders, outHeaders)

	attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(attemptCtx, req.Method, fullURL, bytes.NewReader(body))
	if err != nil {
		return DispatchResult{}, fmt.Errorf("proxyengine: build request: %w", err)
	}
	for k, v := range outHeaders {
		httpReq.Header.Set(k, v)
	}
	if httpReq.Header.Get("Content-Type") == "" && len(body) > 0 {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := e.client.Do(httpReq)
	if err != nil {
		return DispatchResult{}, classifyTransportError(err)
	}
	defer resp.Body.Close()

	if req.Stream && stream != nil && resp.StatusCode < 400 {
		usage, truncated, err := relaySSE(resp.Body, stream, req.Capability)
		if err != nil {
			return DispatchResult{StatusCode: resp.StatusCode, Usage: usage, Truncated: truncated, HeaderDiff: headerDiff}, err
		}
		return DispatchResult{StatusCode: resp.StatusCode, Usage: usage, Truncated: truncated, HeaderDiff: headerDiff}, nil
	}

	limited := io.LimitReader(resp.Body, MaxBodyBytes+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return DispatchResult{StatusCode: resp.StatusCode}, fmt.Errorf("proxyengine: read response: %w", err)
	}
	truncated := false
	if int64(len(data)) > MaxBodyBytes {
		data = data[:MaxBodyBytes]
		truncated = true
	}

	usage := ExtractUsage(req.Capability, data)
	return DispatchResult{StatusCode: resp.StatusCode, Body: data, Usage: usage, Truncated: truncated, HeaderDiff: headerDiff}, nil
}

func joinURL(base *url.URL, path string) string {
	u := *base
	basePath := strings.TrimRight(u.Path, "/")
	if strings.HasPrefix(path, "/") {
		u.Path = basePath + path
	} else {
		u.Path = basePath + "/" + path
	}
	return u.String()
}

// TransportError wraps a network-level dispatch failure (connection refused,
// attempt-timeout, DNS failure after the SSRF check passed but before
// connect) as always-retriable — it never reflects something the upstream
// itself returned.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string { return "proxyengine: transport: " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

func classifyTransportError(err error) error {
	return &TransportError{Err: err}
}
