// Package proxyengine implements the Proxy Engine: the component that turns
// a chosen upstream and a client request into an actual outbound dispatch —
// header rewriting, SSRF-checked connection, buffered or streamed body
// relay, and usage extraction — without ever translating between wire
// protocols. It is a generic reverse proxy, not a per-provider SDK client.
package proxyengine

import (
	"sort"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// blockedOutboundHeaders must never be forwarded to an upstream verbatim:
// hop-by-hop headers the transport manages itself, the client's own
// Authorization header (the gateway always injects its own credential), and
// the gateway-internal x-upstream-* overrides, which are meaningful only
// between the client and this gateway.
var blockedOutboundHeaders = map[string]struct{}{
	"connection":          {},
	"keep-alive":           {},
	"proxy-authenticate":   {},
	"proxy-authorization":  {},
	"te":                   {},
	"trailer":              {},
	"transfer-encoding":    {},
	"upgrade":              {},
	"host":                 {},
	"authorization":        {},
	"content-length":       {},
	"x-upstream-name":      {},
	"x-upstream-group":     {},
}

func isBlockedOutbound(header string) bool {
	lower := strings.ToLower(header)
	if _, blocked := blockedOutboundHeaders[lower]; blocked {
		return true
	}
	return strings.HasPrefix(lower, "x-upstream-")
}

// These header names are meaningful to the gateway itself and are never
// relayed to the client as if they came from the upstream.
const (
	HeaderUpstreamName  = "X-Upstream-Name"
	HeaderUpstreamGroup = "X-Upstream-Group" // deprecated, read-only compatibility
	HeaderRequestID     = "X-Request-Id"
)

// anthropicVersion is the API version Anthropic requires on every request;
// the gateway pins a known-good value rather than forwarding whatever (or
// nothing) the client sent.
const anthropicVersion = "2023-06-01"

// injectCredential sets the upstream's credential in the header its wire
// family expects, unconditionally — unlike a compensation rule, this never
// depends on admin configuration, so a freshly added upstream is never one
// missing rule away from forwarding requests with no credential at all.
// Compensation rules (applied after this) may still override the result.
func injectCredential(out map[string]string, cap model.RouteCapability, credential string) {
	if credential == "" {
		return
	}
	switch cap {
	case model.CapabilityAnthropicMessages:
		out["x-api-key"] = credential
		if _, exists := out["anthropic-version"]; !exists {
			out["anthropic-version"] = anthropicVersion
		}
	case model.CapabilityOpenAIChatCompatible, model.CapabilityOpenAIExtended, model.CapabilityCodexResponses:
		out["Authorization"] = "Bearer " + credential
	case model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssistIntern:
		out["x-goog-api-key"] = credential
	}
}

// BuildOutboundHeaders copies the client's headers minus the block-list,
// injects the upstream credential in the capability-appropriate header, then
// applies compensation rules in order. A rule whose target header is itself
// on the outbound block-list is silently dropped, per the resolved open
// question — compensation rules configure content, not transport framing.
func BuildOutboundHeaders(clientHeaders map[string]string, rules []model.CompensationRule, cap model.RouteCapability, credential string, sourceLookup func(source string) (string, bool)) map[string]string {
	out := make(map[string]string, len(clientHeaders)+len(rules))
	for k, v := range clientHeaders {
		if isBlockedOutbound(k) {
			continue
		}
		out[k] = v
	}

	injectCredential(out, cap, credential)

	for _, rule := range rules {
		if isBlockedOutbound(rule.TargetHeader) {
			continue
		}
		if !capabilityMatches(rule.Capabilities, cap) {
			continue
		}
		if rule.Mode == model.CompensationModeMissingOnly {
			if _, exists := out[rule.TargetHeader]; exists {
				continue
			}
		}
		value, ok := resolveSource(rule.Sources, credential, sourceLookup)
		if !ok {
			continue
		}
		out[rule.TargetHeader] = value
	}

	return out
}

// DiffHeaders summarizes how outbound diverges from the inbound client
// headers, for the Decision Recorder's headerDiff field. Slices are sorted
// so the result is deterministic despite map iteration order.
func DiffHeaders(client, outbound map[string]string) model.HeaderDiff {
	diff := model.HeaderDiff{InboundCount: len(client), OutboundCount: len(outbound)}
	for k, v := range outbound {
		if cv, existed := client[k]; !existed {
			diff.Added = append(diff.Added, k)
		} else if cv != v {
			diff.Changed = append(diff.Changed, k)
		}
	}
	for k := range client {
		if _, ok := outbound[k]; !ok {
			diff.Removed = append(diff.Removed, k)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func capabilityMatches(caps []model.RouteCapability, cap model.RouteCapability) bool {
	if len(caps) == 0 {
		return true
	}
	for _, c := range caps {
		if c == cap {
			return true
		}
	}
	return false
}

// resolveSource tries each configured source in order and uses the first one
// that resolves. "upstream.credential" resolves to the decrypted credential
// passed in directly; anything else is handed to sourceLookup (static values,
// client-header passthrough, etc.).
func resolveSource(sources []string, credential string, sourceLookup func(string) (string, bool)) (string, bool) {
	for _, src := range sources {
		if src == "upstream.credential" {
			if credential != "" {
				return credential, true
			}
			continue
		}
		if sourceLookup != nil {
			if v, ok := sourceLookup(src); ok {
				return v, true
			}
		}
	}
	return "", false
}
