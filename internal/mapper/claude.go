package mapper

import (
	"log/slog"
	"strings"
)

// Claude is the messages surface (§4.7 "Claude surface").
var Claude = Surface{
	Name:              "claude",
	TransformRequest:  claudeTransformRequest,
	TransformResponse: claudeTransformResponse,
}

func claudeTransformRequest(clientBody map[string]any, projectID, resolvedModel string) (*Envelope, error) {
	messages, _ := clientBody["messages"].([]any)
	messages = closeToolLoopForThinking(messages)

	var contents []any
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		parts := flattenClaudeContent(msg["content"])
		if len(parts) == 0 {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  claudeRoleToGemini(role),
			"parts": parts,
		})
	}

	inner := map[string]any{"contents": contents}

	if sys, ok := clientBody["system"]; ok {
		inner["systemInstruction"] = map[string]any{
			"parts": []any{map[string]any{"text": claudeSystemText(sys)}},
		}
	}

	if tools, ok := clientBody["tools"].([]any); ok {
		inner["tools"] = []any{map[string]any{"functionDeclarations": claudeToolDeclarations(tools)}}
	}

	hasSearch := applyCommonCleaning(inner, resolvedModel)

	return wrap(projectID, resolvedModel, inner, hasSearch), nil
}

func claudeRoleToGemini(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

func claudeSystemText(sys any) string {
	switch s := sys.(type) {
	case string:
		return s
	case []any:
		var b strings.Builder
		for _, block := range s {
			if bm, ok := block.(map[string]any); ok {
				if t, _ := bm["text"].(string); t != "" {
					b.WriteString(t)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

// flattenClaudeContent converts Claude's structured content blocks
// (text/tool-use/tool-result/thinking) into Gemini parts, per §4.7.
func flattenClaudeContent(content any) []any {
	switch c := content.(type) {
	case string:
		if c == "" {
			return nil
		}
		return []any{map[string]any{"text": c}}
	case []any:
		var parts []any
		for _, b := range c {
			block, ok := b.(map[string]any)
			if !ok {
				continue
			}
			switch block["type"] {
			case "text":
				if t, _ := block["text"].(string); t != "" {
					parts = append(parts, map[string]any{"text": t})
				}
			case "thinking":
				if t, _ := block["thinking"].(string); t != "" {
					part := map[string]any{"text": t, "thought": true}
					if sig, _ := block["signature"].(string); sig != "" {
						part["thoughtSignature"] = sig
					}
					parts = append(parts, part)
				}
			case "tool_use":
				parts = append(parts, map[string]any{
					"functionCall": map[string]any{
						"name": block["name"],
						"args": block["input"],
					},
				})
			case "tool_result":
				parts = append(parts, map[string]any{
					"functionResponse": map[string]any{
						"name":     block["tool_use_id"],
						"response": map[string]any{"result": block["content"]},
					},
				})
			}
		}
		return parts
	default:
		return nil
	}
}

// claudeToolDeclarations applies uppercase_schema_types/clean_json_schema to
// every tool's input schema, satisfying testable property 8.
func claudeToolDeclarations(tools []any) []any {
	out := make([]any, 0, len(tools))
	for _, t := range tools {
		tm, ok := t.(map[string]any)
		if !ok {
			continue
		}
		decl := map[string]any{"name": tm["name"], "description": tm["description"]}
		if schema, ok := tm["input_schema"].(map[string]any); ok {
			decl["parameters"] = cleanJSONSchema(schema)
		}
		out = append(out, decl)
	}
	return out
}

// closeToolLoopForThinking recovers a broken tool loop (a trailing
// tool_result block with no preceding thinking block) by injecting a
// synthetic assistant-then-user exchange, per §4.7 and E5.
func closeToolLoopForThinking(messages []any) []any {
	if len(messages) == 0 {
		return messages
	}

	last, ok := messages[len(messages)-1].(map[string]any)
	if !ok || last["role"] != "user" {
		return messages
	}
	if !hasBlockType(last["content"], "tool_result") {
		return messages
	}

	lastAssistantIdx := -1
	for i := len(messages) - 1; i >= 0; i-- {
		if m, ok := messages[i].(map[string]any); ok && m["role"] == "assistant" {
			lastAssistantIdx = i
			break
		}
	}
	if lastAssistantIdx >= 0 {
		if m, ok := messages[lastAssistantIdx].(map[string]any); ok && hasBlockType(m["content"], "thinking") {
			return messages
		}
	}

	slog.Info("closing broken tool loop, injecting synthetic recovery messages")

	synthetic := []any{
		map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": "[Tool execution completed. Please proceed.]"}},
		},
		map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "text", "text": "Proceed."}},
		},
	}
	return append(messages, synthetic...)
}

func hasBlockType(content any, blockType string) bool {
	blocks, ok := content.([]any)
	if !ok {
		return false
	}
	for _, b := range blocks {
		if bm, ok := b.(map[string]any); ok && bm["type"] == blockType {
			return true
		}
	}
	return false
}

// claudeTransformResponse materializes Claude content blocks from a Gemini
// candidate reply, stashing any thoughtSignature under the response's own
// id so a later turn in the same conversation can reattach it.
func claudeTransformResponse(upstream map[string]any, model string) (map[string]any, error) {
	if inner, ok := upstream["response"].(map[string]any); ok {
		upstream = inner
	}

	candidates, _ := upstream["candidates"].([]any)
	responseID, _ := upstream["responseId"].(string)

	var blocks []any
	stopReason := "end_turn"
	if len(candidates) > 0 {
		cand, _ := candidates[0].(map[string]any)
		blocks = claudeBlocksFromCandidate(cand, responseID)
		if fr, ok := cand["finishReason"].(string); ok {
			stopReason = claudeStopReason(fr)
		}
	}

	return map[string]any{
		"id":          responseID,
		"type":        "message",
		"role":        "assistant",
		"model":       model,
		"content":     blocks,
		"stop_reason": stopReason,
		"usage":       claudeUsageFrom(upstream["usageMetadata"]),
	}, nil
}

func claudeBlocksFromCandidate(candidate map[string]any, correlationID string) []any {
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var blocks []any
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if sig, ok := pm["thoughtSignature"].(string); ok && sig != "" {
			StashThoughtSignature(correlationID, sig)
		}
		if fc, ok := pm["functionCall"].(map[string]any); ok {
			blocks = append(blocks, map[string]any{
				"type":  "tool_use",
				"name":  fc["name"],
				"input": fc["args"],
			})
			continue
		}
		if inline, ok := pm["inlineData"].(map[string]any); ok {
			blocks = append(blocks, map[string]any{
				"type":   "image",
				"source": map[string]any{"type": "base64", "media_type": inline["mimeType"], "data": inline["data"]},
			})
			continue
		}
		if text, ok := pm["text"].(string); ok && text != "" {
			if thought, _ := pm["thought"].(bool); thought {
				blocks = append(blocks, map[string]any{"type": "thinking", "thinking": text})
				continue
			}
			blocks = append(blocks, map[string]any{"type": "text", "text": text})
		}
	}
	return blocks
}

func claudeStopReason(vendorReason string) string {
	switch vendorReason {
	case "MAX_TOKENS":
		return "max_tokens"
	case "STOP":
		return "end_turn"
	default:
		return "end_turn"
	}
}

func claudeUsageFrom(raw any) map[string]any {
	usage, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"input_tokens": 0, "output_tokens": 0}
	}
	return map[string]any{
		"input_tokens":  usage["promptTokenCount"],
		"output_tokens": usage["candidatesTokenCount"],
	}
}
