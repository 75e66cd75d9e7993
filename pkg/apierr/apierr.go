// Package apierr provides the gateway's unified error envelope: a closed set
// of gateway-level error codes, each with a fixed HTTP status, rendered
// identically whether the response is a plain JSON body or an in-stream SSE
// error event.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// ErrorType constants — kept from the provider-error vocabulary and extended
// with routing-stage types.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
	TypeRoutingError      = "routing_error"
)

// Code is a member of the closed error-code table. Each code maps to exactly
// one HTTP status via StatusFor.
type Code string

const (
	CodeNoUpstreamsConfigured  Code = "NO_UPSTREAMS_CONFIGURED"
	CodeNoAuthorizedUpstreams  Code = "NO_AUTHORIZED_UPSTREAMS"
	CodeAllUpstreamsUnavailable Code = "ALL_UPSTREAMS_UNAVAILABLE"
	CodeRequestTimeout         Code = "REQUEST_TIMEOUT"
	CodeClientDisconnected     Code = "CLIENT_DISCONNECTED"
	CodeStreamError            Code = "STREAM_ERROR"
	CodeServiceUnavailable     Code = "SERVICE_UNAVAILABLE"
	CodeInvalidAPIKey          Code = "INVALID_API_KEY"
	CodeInvalidRequest         Code = "INVALID_REQUEST"
	CodeSSRFRejected           Code = "SSRF_REJECTED"
	CodeUpstreamPinIncompatible Code = "UPSTREAM_PIN_INCOMPATIBLE"
	CodeInternalError          Code = "INTERNAL_ERROR"
)

// clientDisconnectedStatus is the non-standard nginx-originated status fasthttp
// is willing to write verbatim for a client that hung up before a response
// could be produced.
const clientDisconnectedStatus = 499

// StatusFor returns the fixed HTTP status for a closed error code.
func StatusFor(code Code) int {
	switch code {
	case CodeNoUpstreamsConfigured, CodeAllUpstreamsUnavailable, CodeServiceUnavailable:
		return fasthttp.StatusServiceUnavailable
	case CodeNoAuthorizedUpstreams:
		return fasthttp.StatusForbidden
	case CodeRequestTimeout:
		return fasthttp.StatusGatewayTimeout
	case CodeClientDisconnected:
		return clientDisconnectedStatus
	case CodeStreamError:
		return fasthttp.StatusBadGateway
	case CodeInvalidAPIKey:
		return fasthttp.StatusUnauthorized
	case CodeInvalidRequest, CodeSSRFRejected, CodeUpstreamPinIncompatible:
		return fasthttp.StatusBadRequest
	default:
		return fasthttp.StatusInternalServerError
	}
}

// typeFor derives the legacy ErrorType label from a code, kept for clients
// that still branch on "type" rather than "code".
func typeFor(code Code) string {
	switch code {
	case CodeInvalidAPIKey:
		return TypeAuthenticationErr
	case CodeInvalidRequest, CodeSSRFRejected, CodeUpstreamPinIncompatible:
		return TypeInvalidRequest
	case CodeNoUpstreamsConfigured, CodeNoAuthorizedUpstreams, CodeAllUpstreamsUnavailable:
		return TypeRoutingError
	case CodeRequestTimeout:
		return TypeProviderError
	case CodeStreamError:
		return TypeProviderError
	default:
		return TypeServerError
	}
}

// APIError is the structured error object inside the envelope.
type APIError struct {
	Message         string `json:"message"`
	Type            string `json:"type"`
	Code            string `json:"code"`
	Reason          string `json:"reason,omitempty"`
	DidSendUpstream *bool  `json:"did_send_upstream,omitempty"`
	RequestID       string `json:"request_id,omitempty"`
	UserHint        string `json:"user_hint,omitempty"`
}

type envelope struct {
	Error APIError `json:"error"`
}

// Detail carries the optional envelope fields beyond message/type/code.
type Detail struct {
	Reason          string
	DidSendUpstream *bool
	RequestID       string
	UserHint        string
}

func build(code Code, message string, d Detail) envelope {
	return envelope{Error: APIError{
		Message:         message,
		Type:            typeFor(code),
		Code:            string(code),
		Reason:          d.Reason,
		DidSendUpstream: d.DidSendUpstream,
		RequestID:       d.RequestID,
		UserHint:        d.UserHint,
	}}
}

// Write writes the closed-code error envelope to a non-streamed response.
func Write(ctx *fasthttp.RequestCtx, code Code, message string, d Detail) {
	ctx.SetStatusCode(StatusFor(code))
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(build(code, message, d))
	ctx.SetBody(body)
}

// WriteProviderError answers with the last attempt's upstream HTTP status
// as-is (adding Retry-After: 60 on a 429) and the gateway's
// ALL_UPSTREAMS_UNAVAILABLE envelope as the body; the upstream's own body is
// not relayed.
func WriteProviderError(ctx *fasthttp.RequestCtx, upstreamStatus int, msg string, d Detail) {
	if upstreamStatus == fasthttp.StatusTooManyRequests {
		ctx.Response.Header.Set("Retry-After", "60")
	}
	ctx.SetStatusCode(upstreamStatus)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(build(CodeAllUpstreamsUnavailable, msg, d))
	ctx.SetBody(body)
}

// SSEEvent renders the same envelope as a terminal Server-Sent Event, used by
// the gateway's streaming path, where a normal status-code response is no
// longer possible: both when the failover loop fails before any byte reached
// the client and when a stream breaks after its first byte.
func SSEEvent(code Code, message string, d Detail) []byte {
	body, _ := json.Marshal(build(code, message, d))
	out := make([]byte, 0, len(body)+32)
	out = append(out, "event: error\ndata: "...)
	out = append(out, body...)
	out = append(out, '\n', '\n')
	return out
}

// BoolPtr is a small helper for constructing Detail.DidSendUpstream literals.
func BoolPtr(b bool) *bool { return &b }
