package proxyengine

import (
	"encoding/json"
	"testing"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

func TestExtractUsage_Anthropic(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":12,"output_tokens":34}}`)
	u := ExtractUsage(model.CapabilityAnthropicMessages, body)
	if u.InputTokens != 12 || u.OutputTokens != 34 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_AnthropicMessageNested(t *testing.T) {
	body := []byte(`{"type":"message_start","message":{"usage":{"input_tokens":5,"output_tokens":1}}}`)
	u := ExtractUsage(model.CapabilityAnthropicMessages, body)
	if u.InputTokens != 5 || u.OutputTokens != 1 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_AnthropicDeltaUsage(t *testing.T) {
	body := []byte(`{"type":"message_delta","delta":{"usage":{"input_tokens":0,"output_tokens":9}}}`)
	u := ExtractUsage(model.CapabilityAnthropicMessages, body)
	if u.OutputTokens != 9 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_OpenAIPromptCompletion(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":100,"completion_tokens":50}}`)
	for _, cap := range []model.RouteCapability{model.CapabilityOpenAIChatCompatible, model.CapabilityOpenAIExtended, model.CapabilityCodexResponses} {
		u := ExtractUsage(cap, body)
		if u.InputTokens != 100 || u.OutputTokens != 50 {
			t.Errorf("cap %s: got %+v", cap, u)
		}
	}
}

func TestExtractUsage_OpenAIInputOutputFallback(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":7,"output_tokens":3}}`)
	u := ExtractUsage(model.CapabilityCodexResponses, body)
	if u.InputTokens != 7 || u.OutputTokens != 3 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_Gemini(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2}}`)
	for _, cap := range []model.RouteCapability{model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssistIntern} {
		u := ExtractUsage(cap, body)
		if u.InputTokens != 8 || u.OutputTokens != 2 {
			t.Errorf("cap %s: got %+v", cap, u)
		}
	}
}

func TestExtractUsage_AnthropicCacheTokens(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":12,"output_tokens":34,"cache_creation_input_tokens":100,"cache_read_input_tokens":200}}`)
	u := ExtractUsage(model.CapabilityAnthropicMessages, body)
	if u.CacheCreateTokens != 100 || u.CacheReadTokens != 200 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_OpenAICacheAndReasoningTokens(t *testing.T) {
	body := []byte(`{"usage":{"prompt_tokens":100,"completion_tokens":50,"prompt_tokens_details":{"cached_tokens":40},"completion_tokens_details":{"reasoning_tokens":15}}}`)
	u := ExtractUsage(model.CapabilityOpenAIChatCompatible, body)
	if u.CachedTokens != 40 || u.ReasoningTokens != 15 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_CodexResponsesReasoningFallsBackToOutputTokensDetails(t *testing.T) {
	body := []byte(`{"usage":{"input_tokens":7,"output_tokens":3,"output_tokens_details":{"reasoning_tokens":2}}}`)
	u := ExtractUsage(model.CapabilityCodexResponses, body)
	if u.ReasoningTokens != 2 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_GeminiCacheAndThoughtsTokens(t *testing.T) {
	body := []byte(`{"usageMetadata":{"promptTokenCount":8,"candidatesTokenCount":2,"cachedContentTokenCount":3,"thoughtsTokenCount":4}}`)
	u := ExtractUsage(model.CapabilityGeminiNativeGenerate, body)
	if u.CachedTokens != 3 || u.ReasoningTokens != 4 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsage_UnknownCapabilityReturnsZero(t *testing.T) {
	u := ExtractUsage(model.RouteCapability("unknown"), []byte(`{"usage":{"input_tokens":1,"output_tokens":1}}`))
	if u != (Usage{}) {
		t.Errorf("expected zero usage for unknown capability, got %+v", u)
	}
}

func TestExtractUsage_MalformedBodyReturnsZero(t *testing.T) {
	u := ExtractUsage(model.CapabilityAnthropicMessages, []byte(`not json`))
	if u != (Usage{}) {
		t.Errorf("expected zero usage for malformed body, got %+v", u)
	}
}

func TestExtractUsageFromSSEEvent_Done(t *testing.T) {
	event := []byte("data: [DONE]\n\n")
	_, ok := ExtractUsageFromSSEEvent(model.CapabilityOpenAIChatCompatible, event)
	if ok {
		t.Error("expected [DONE] event to report no usage")
	}
}

func TestExtractUsageFromSSEEvent_NoDataField(t *testing.T) {
	event := []byte("event: ping\n\n")
	_, ok := ExtractUsageFromSSEEvent(model.CapabilityOpenAIChatCompatible, event)
	if ok {
		t.Error("expected event without data field to report no usage")
	}
}

func TestExtractUsageFromSSEEvent_MultiLineData(t *testing.T) {
	event := []byte("data: {\"usage\":{\"prompt_tokens\":1,\n" + "data: \"completion_tokens\":2}}\n\n")
	u, ok := ExtractUsageFromSSEEvent(model.CapabilityOpenAIChatCompatible, event)
	if !ok {
		t.Fatal("expected usage to be found")
	}
	if u.InputTokens != 1 || u.OutputTokens != 2 {
		t.Errorf("got %+v", u)
	}
}

func TestExtractUsageFromSSEEvent_ZeroUsageReportsNotFound(t *testing.T) {
	event := []byte("data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
	_, ok := ExtractUsageFromSSEEvent(model.CapabilityOpenAIChatCompatible, event)
	if ok {
		t.Error("expected event with no usage field to report not found")
	}
}

func TestRewriteModel_NoOpWhenNoRedirects(t *testing.T) {
	body := []byte(`{"model":"gpt-4o"}`)
	out := rewriteModel(body, nil)
	if string(out) != string(body) {
		t.Errorf("expected unchanged body, got %s", out)
	}
}

func TestRewriteModel_RewritesMatchingModel(t *testing.T) {
	body := []byte(`{"model":"gpt-4o","temperature":0.5}`)
	out := rewriteModel(body, map[string]string{"gpt-4o": "gpt-4o-mini"})
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(out, &probe); err != nil {
		t.Fatalf("rewritten body is not valid JSON: %v", err)
	}
	if probe.Model != "gpt-4o-mini" {
		t.Errorf("expected model rewritten to gpt-4o-mini, got %q", probe.Model)
	}
}

func TestRewriteModel_IdempotentOnSecondPass(t *testing.T) {
	redirects := map[string]string{"gpt-4o": "gpt-4o-mini"}
	once := rewriteModel([]byte(`{"model":"gpt-4o"}`), redirects)
	twice := rewriteModel(once, redirects)
	if string(once) != string(twice) {
		t.Errorf("expected idempotent rewrite, got %s then %s", once, twice)
	}
}

func TestRewriteModel_NoModelFieldPassesThrough(t *testing.T) {
	body := []byte(`{"temperature":0.2}`)
	out := rewriteModel(body, map[string]string{"gpt-4o": "gpt-4o-mini"})
	if string(out) != string(body) {
		t.Errorf("expected unchanged body, got %s", out)
	}
}
