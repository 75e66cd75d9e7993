package proxyengine

import (
	"bytes"
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// Usage is the token accounting the Billing Snapshot Builder needs, extracted
// from a response body regardless of which upstream wire format produced it.
// CacheReadTokens and CacheCreateTokens price separately from the base
// input rate; only the Anthropic extractor fills them (prompt caching). The
// OpenAI and Gemini cached-token counts go to CachedTokens, which is not
// passed to billing. ReasoningTokens is informational only — it is already included in
// OutputTokens by every provider that reports it and is never billed twice.
type Usage struct {
	InputTokens       int64
	OutputTokens      int64
	CachedTokens      int64
	ReasoningTokens   int64
	CacheCreateTokens int64
	CacheReadTokens   int64
}

// ExtractUsage parses a complete, non-streamed response body for its usage
// fields. Each capability's wire format names the fields differently, so this
// is a tagged union over model.RouteCapability rather than one generic
// decoder — guessing at field names across formats would silently produce
// zero usage instead of failing loudly.
func ExtractUsage(cap model.RouteCapability, body []byte) Usage {
	switch cap {
	case model.CapabilityAnthropicMessages:
		return extractAnthropicUsage(body)
	case model.CapabilityOpenAIChatCompatible, model.CapabilityOpenAIExtended, model.CapabilityCodexResponses:
		return extractOpenAIUsage(body)
	case model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssistIntern:
		return extractGeminiUsage(body)
	default:
		return Usage{}
	}
}

// ExtractUsageFromSSEEvent parses one "\n\n"-delimited SSE event for usage
// data, returning ok=false when the event carries none (most events in a
// stream don't — usage typically rides on the final one or two).
func ExtractUsageFromSSEEvent(cap model.RouteCapability, event []byte) (Usage, bool) {
	payload, ok := sseDataPayload(event)
	if !ok {
		return Usage{}, false
	}
	if bytes.Equal(bytes.TrimSpace(payload), []byte("[DONE]")) {
		return Usage{}, false
	}

	u := ExtractUsage(cap, payload)
	if u.InputTokens == 0 && u.OutputTokens == 0 {
		return Usage{}, false
	}
	return u, true
}

// sseDataPayload concatenates every "data:" line's content within one event,
// per the SSE multi-line-data rule, and reports whether the event carried any
// data field at all.
func sseDataPayload(event []byte) ([]byte, bool) {
	lines := bytes.Split(event, []byte("\n"))
	var out bytes.Buffer
	found := false
	for _, line := range lines {
		line = bytes.TrimRight(line, "\r")
		if !bytes.HasPrefix(line, []byte("data:")) {
			continue
		}
		found = true
		field := bytes.TrimPrefix(line, []byte("data:"))
		field = bytes.TrimPrefix(field, []byte(" "))
		if out.Len() > 0 {
			out.WriteByte('\n')
		}
		out.Write(field)
	}
	if !found {
		return nil, false
	}
	return out.Bytes(), true
}

type anthropicUsage struct {
	InputTokens              int64 `json:"input_tokens"`
	OutputTokens             int64 `json:"output_tokens"`
	CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
	CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
}

func (u anthropicUsage) toUsage() Usage {
	return Usage{
		InputTokens:       u.InputTokens,
		OutputTokens:      u.OutputTokens,
		CacheCreateTokens: u.CacheCreationInputTokens,
		CacheReadTokens:   u.CacheReadInputTokens,
	}
}

func extractAnthropicUsage(body []byte) Usage {
	var env struct {
		Usage   *anthropicUsage `json:"usage"`
		Delta   *struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"delta"`
		Message *struct {
			Usage *anthropicUsage `json:"usage"`
		} `json:"message"`
	}
	if err := json.Unmarshal(body, &env); err != nil {
		return Usage{}
	}
	switch {
	case env.Usage != nil:
		return env.Usage.toUsage()
	case env.Message != nil && env.Message.Usage != nil:
		return env.Message.Usage.toUsage()
	case env.Delta != nil && env.Delta.Usage != nil:
		return env.Delta.Usage.toUsage()
	default:
		return Usage{}
	}
}

func extractOpenAIUsage(body []byte) Usage {
	var env struct {
		Usage *struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			InputTokens      int64 `json:"input_tokens"`
			OutputTokens     int64 `json:"output_tokens"`
			PromptTokensDetails *struct {
				CachedTokens int64 `json:"cached_tokens"`
			} `json:"prompt_tokens_details"`
			CompletionTokensDetails *struct {
				ReasoningTokens int64 `json:"reasoning_tokens"`
			} `json:"completion_tokens_details"`
			OutputTokensDetails *struct {
				ReasoningTokens int64 `json:"reasoning_tokens"`
			} `json:"output_tokens_details"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.Usage == nil {
		return Usage{}
	}
	in := env.Usage.PromptTokens
	if in == 0 {
		in = env.Usage.InputTokens
	}
	out := env.Usage.CompletionTokens
	if out == 0 {
		out = env.Usage.OutputTokens
	}
	u := Usage{InputTokens: in, OutputTokens: out}
	if env.Usage.PromptTokensDetails != nil {
		u.CachedTokens = env.Usage.PromptTokensDetails.CachedTokens
	}
	if env.Usage.CompletionTokensDetails != nil {
		u.ReasoningTokens = env.Usage.CompletionTokensDetails.ReasoningTokens
	} else if env.Usage.OutputTokensDetails != nil {
		u.ReasoningTokens = env.Usage.OutputTokensDetails.ReasoningTokens
	}
	return u
}

func extractGeminiUsage(body []byte) Usage {
	var env struct {
		UsageMetadata *struct {
			PromptTokenCount        int64 `json:"promptTokenCount"`
			CandidatesTokenCount    int64 `json:"candidatesTokenCount"`
			CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
			ThoughtsTokenCount      int64 `json:"thoughtsTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &env); err != nil || env.UsageMetadata == nil {
		return Usage{}
	}
	return Usage{
		InputTokens:     env.UsageMetadata.PromptTokenCount,
		OutputTokens:    env.UsageMetadata.CandidatesTokenCount,
		CachedTokens:    env.UsageMetadata.CachedContentTokenCount,
		ReasoningTokens: env.UsageMetadata.ThoughtsTokenCount,
	}
}
