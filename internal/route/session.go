package route

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/nulpointcorp/llm-gateway/internal/model"
)

// SessionExtractor derives the sticky-session key and content length used by
// the Affinity Store from a request body. Each route capability has its own
// notion of "the conversation" because message envelopes differ shape.
type SessionExtractor func(body []byte) (key string, contentLength int64, ok bool)

// extractorFor returns the session key extraction strategy for a capability.
func extractorFor(cap model.RouteCapability) SessionExtractor {
	switch cap {
	case model.CapabilityAnthropicMessages:
		return extractAnthropicMessages
	case model.CapabilityOpenAIChatCompatible, model.CapabilityCodexResponses:
		return extractOpenAIChat
	case model.CapabilityGeminiNativeGenerate, model.CapabilityGeminiCodeAssistIntern:
		return extractGeminiContents
	default:
		return extractGenericMessages
	}
}

// SessionKey runs the capability-appropriate extractor and hashes the result
// into a fixed-size affinity key, combined with the caller's API key ID so
// two tenants with identical conversation prefixes never collide.
func SessionKey(apiKeyID string, cap model.RouteCapability, body []byte) (string, int64, bool) {
	extractor := extractorFor(cap)
	raw, length, ok := extractor(body)
	if !ok {
		return "", 0, false
	}
	h := sha256.Sum256([]byte(apiKeyID + "|" + string(cap) + "|" + raw))
	return hex.EncodeToString(h[:]), length, true
}

type anthropicBody struct {
	Messages []json.RawMessage `json:"messages"`
	System   json.RawMessage   `json:"system"`
}

func extractAnthropicMessages(body []byte) (string, int64, bool) {
	var b anthropicBody
	if err := json.Unmarshal(body, &b); err != nil || len(b.Messages) == 0 {
		return "", 0, false
	}
	return firstMessageFingerprint(b.Messages, b.System)
}

type openAIChatBody struct {
	Messages []json.RawMessage `json:"messages"`
}

func extractOpenAIChat(body []byte) (string, int64, bool) {
	var b openAIChatBody
	if err := json.Unmarshal(body, &b); err != nil || len(b.Messages) == 0 {
		return "", 0, false
	}
	return firstMessageFingerprint(b.Messages, nil)
}

type geminiBody struct {
	Contents []json.RawMessage `json:"contents"`
}

func extractGeminiContents(body []byte) (string, int64, bool) {
	var b geminiBody
	if err := json.Unmarshal(body, &b); err != nil || len(b.Contents) == 0 {
		return "", 0, false
	}
	return firstMessageFingerprint(b.Contents, nil)
}

type genericBody struct {
	Messages []json.RawMessage `json:"messages"`
}

func extractGenericMessages(body []byte) (string, int64, bool) {
	var b genericBody
	if err := json.Unmarshal(body, &b); err != nil || len(b.Messages) == 0 {
		return "", 0, false
	}
	return firstMessageFingerprint(b.Messages, nil)
}

// firstMessageFingerprint uses the first turn (plus any system prompt) as the
// conversation's identity: it is stable across a growing conversation as long
// as the client resends the full transcript, which all supported capabilities
// require.
func firstMessageFingerprint(turns []json.RawMessage, system json.RawMessage) (string, int64, bool) {
	if len(turns) == 0 {
		return "", 0, false
	}
	first := turns[0]
	total := int64(len(first))
	for _, t := range turns {
		total += int64(len(t))
	}
	total += int64(len(system))

	key := string(first)
	if len(system) > 0 {
		key += "|" + string(system)
	}
	return key, total, true
}
