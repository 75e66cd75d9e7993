// Package route implements the Route Classifier: it maps an inbound request
// to exactly one RouteCapability using a path-based table first, a model-name
// fallback second, and separately detects whether the client requested a
// streamed response.
package route

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// pathRule is one entry of the path-based matching table. Prefix is matched
// against the request path after the configured proxy prefix has been
// stripped.
type pathRule struct {
	prefix     string
	capability model.RouteCapability
}

// defaultPathTable is ordered most-specific-first; the first matching prefix
// wins.
var defaultPathTable = []pathRule{
	{"/v1/messages", model.CapabilityAnthropicMessages},
	{"/responses", model.CapabilityCodexResponses},
	{"/v1/chat/completions", model.CapabilityOpenAIChatCompatible},
	{"/v1/completions", model.CapabilityOpenAIChatCompatible},
	{"/v1/embeddings", model.CapabilityOpenAIExtended},
	{"/v1/audio", model.CapabilityOpenAIExtended},
	{"/v1beta/models", model.CapabilityGeminiNativeGenerate},
	{"/v1internal", model.CapabilityGeminiCodeAssistIntern},
}

// modelPrefixTable is the fallback used when the path does not identify a
// capability unambiguously (e.g. a generic passthrough path): a model name
// prefix implies the capability its provider family speaks natively.
var modelPrefixTable = []struct {
	prefix     string
	capability model.RouteCapability
}{
	{"claude-", model.CapabilityAnthropicMessages},
	{"gpt-", model.CapabilityOpenAIChatCompatible},
	{"o1", model.CapabilityOpenAIChatCompatible},
	{"o3", model.CapabilityOpenAIChatCompatible},
	{"gemini-", model.CapabilityGeminiNativeGenerate},
}

// MatchSource names which stage of the classifier table resolved the
// capability — surfaced on the RoutingDecision so an ambiguous path relying
// on the model-name fallback is distinguishable from an unambiguous one.
type MatchSource string

const (
	MatchSourcePath          MatchSource = "path"
	MatchSourceModelFallback MatchSource = "model_fallback"
)

// streamingCapableCapabilities are the families whose wire protocol supports
// a streamed (SSE) response at all — Gemini's generateContent path does not.
var streamingCapableCapabilities = map[model.RouteCapability]bool{
	model.CapabilityAnthropicMessages:    true,
	model.CapabilityOpenAIChatCompatible: true,
	model.CapabilityOpenAIExtended:       true,
	model.CapabilityCodexResponses:       true,
}

// Classification is the Route Classifier's output.
type Classification struct {
	Capability               model.RouteCapability
	RequestedModel           string
	StreamRequested          bool
	RouteMatchSource         MatchSource
	RequiresStreamingCapable bool
}

// ClassifyError marks a request the classifier could not place into any
// capability — a short-circuit failure, not failover-eligible.
type ClassifyError struct {
	Path  string
	Model string
}

func (e *ClassifyError) Error() string {
	return "route: no capability matched path=" + e.Path + " model=" + e.Model
}

// minimalBody is the subset of an inbound JSON body the classifier needs to
// read; it never parses the full request payload.
type minimalBody struct {
	Model  string `json:"model"`
	Stream bool   `json:"stream"`
}

// Classify determines the route capability, requested model, and whether a
// streamed response was requested, given the request path (with the proxy
// prefix already stripped) and raw JSON body.
func Classify(path string, body []byte) (Classification, error) {
	mb := parseMinimalBody(body)

	source := MatchSourcePath
	cap, ok := matchPath(path)
	if !ok {
		cap, ok = matchModel(mb.Model)
		source = MatchSourceModelFallback
	}
	if !ok {
		return Classification{}, &ClassifyError{Path: path, Model: mb.Model}
	}

	return Classification{
		Capability:               cap,
		RequestedModel:           mb.Model,
		StreamRequested:          mb.Stream,
		RouteMatchSource:         source,
		RequiresStreamingCapable: mb.Stream && !streamingCapableCapabilities[cap],
	}, nil
}

func matchPath(path string) (model.RouteCapability, bool) {
	for _, r := range defaultPathTable {
		if strings.HasPrefix(path, r.prefix) {
			return r.capability, true
		}
	}
	return "", false
}

func matchModel(m string) (model.RouteCapability, bool) {
	if m == "" {
		return "", false
	}
	for _, r := range modelPrefixTable {
		if strings.HasPrefix(m, r.prefix) {
			return r.capability, true
		}
	}
	return "", false
}

// parseMinimalBody is tolerant of malformed/empty bodies — classification
// falls through to the path table alone rather than erroring on a body that
// isn't valid JSON (GET-style capability paths have no body at all).
func parseMinimalBody(body []byte) minimalBody {
	var mb minimalBody
	if len(bytes.TrimSpace(body)) == 0 {
		return mb
	}
	_ = json.Unmarshal(body, &mb)
	return mb
}
