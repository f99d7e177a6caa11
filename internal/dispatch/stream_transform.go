package dispatch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/relaydev/antigravity-proxy/internal/mapper"
	"github.com/relaydev/antigravity-proxy/internal/stream"
)

// StreamTransformer re-chunks upstream `data: <json>` frames into the
// idiom of one client-facing surface, per §4.8. A single instance is used
// for the life of one upstream stream so the outer loop never re-parses
// already-consumed bytes.
type StreamTransformer struct {
	surfaceName string
	model       string
	chunkIndex  int
	responseID  string
}

func NewStreamTransformer(surface mapper.Surface, model string) *StreamTransformer {
	return &StreamTransformer{surfaceName: surface.Name, model: model}
}

// Transform consumes one upstream SSE event and returns zero or more
// surface-framed events to forward to the client.
func (t *StreamTransformer) Transform(ev stream.Event) []stream.Event {
	if ev.Data == "" || ev.Data == "[DONE]" {
		return nil
	}

	var frame map[string]any
	if err := json.Unmarshal([]byte(ev.Data), &frame); err != nil {
		return nil
	}
	if inner, ok := frame["response"].(map[string]any); ok {
		frame = inner
	}
	if t.responseID == "" {
		if id, ok := frame["responseId"].(string); ok {
			t.responseID = id
		}
	}

	if t.surfaceName == "gemini" {
		// Gemini clients already speak the vendor shape: forward the
		// unwrapped frame as-is.
		payload, _ := json.Marshal(frame)
		return []stream.Event{{Data: string(payload)}}
	}

	candidates, _ := frame["candidates"].([]any)
	if len(candidates) == 0 {
		return nil
	}
	cand, _ := candidates[0].(map[string]any)

	finishReason, hasFinish := cand["finishReason"].(string)

	text, imageMD := t.extractDelta(cand)

	switch t.surfaceName {
	case "claude":
		return t.claudeEvents(text, imageMD, finishReason, hasFinish)
	default: // openai
		return t.openaiEvents(text, imageMD, finishReason, hasFinish)
	}
}

// Finish is called once after upstream EOF to emit any surface-specific
// terminal framing (OpenAI's `[DONE]`, Claude's `message_stop`).
func (t *StreamTransformer) Finish() []stream.Event {
	switch t.surfaceName {
	case "claude":
		return []stream.Event{{Data: `{"type":"message_stop"}`}}
	default:
		return []stream.Event{{Data: "[DONE]"}}
	}
}

func (t *StreamTransformer) extractDelta(candidate map[string]any) (text, imageMD string) {
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var b strings.Builder
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if s, ok := pm["text"].(string); ok {
			b.WriteString(s)
			continue
		}
		if inline, ok := pm["inlineData"].(map[string]any); ok {
			mime, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			imageMD = fmt.Sprintf("![image](data:%s;base64,%s)", mime, data)
		}
	}
	return b.String(), imageMD
}

func (t *StreamTransformer) openaiEvents(text, imageMD, finishReason string, hasFinish bool) []stream.Event {
	var events []stream.Event
	delta := text
	if imageMD != "" {
		delta += imageMD
	}

	// An empty candidate carrying a non-null finishReason still yields a
	// terminal event, per §4.8, not a skip.
	if delta == "" && !hasFinish {
		return nil
	}

	chunk := map[string]any{
		"id":      t.responseID,
		"object":  "chat.completion.chunk",
		"model":   t.model,
		"choices": []any{map[string]any{"index": 0, "delta": map[string]any{"content": delta}}},
	}
	if hasFinish {
		chunk["choices"].([]any)[0].(map[string]any)["finish_reason"] = openaiFinishReasonForStream(finishReason)
	}
	payload, _ := json.Marshal(chunk)
	events = append(events, stream.Event{Data: string(payload)})
	t.chunkIndex++
	return events
}

func openaiFinishReasonForStream(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY":
		return "content_filter"
	default:
		return "stop"
	}
}

func (t *StreamTransformer) claudeEvents(text, imageMD, finishReason string, hasFinish bool) []stream.Event {
	var events []stream.Event

	if text != "" {
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": text},
		})
		events = append(events, stream.Event{Data: string(payload)})
	}
	if imageMD != "" {
		payload, _ := json.Marshal(map[string]any{
			"type":  "content_block_delta",
			"index": 0,
			"delta": map[string]any{"type": "text_delta", "text": imageMD},
		})
		events = append(events, stream.Event{Data: string(payload)})
	}
	if hasFinish {
		payload, _ := json.Marshal(map[string]any{
			"type":        "message_delta",
			"delta":       map[string]any{"stop_reason": claudeStopReasonForStream(finishReason)},
		})
		events = append(events, stream.Event{Data: string(payload)})
	}
	return events
}

func claudeStopReasonForStream(reason string) string {
	if reason == "MAX_TOKENS" {
		return "max_tokens"
	}
	return "end_turn"
}
