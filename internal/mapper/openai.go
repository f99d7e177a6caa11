package mapper

import (
	"fmt"
	"strings"
)

// OpenAI is the chat/completions surface (§4.7 "OpenAI surface").
var OpenAI = Surface{
	Name:              "openai",
	TransformRequest:  openaiTransformRequest,
	TransformResponse: openaiTransformResponse,
}

func openaiTransformRequest(clientBody map[string]any, projectID, resolvedModel string) (*Envelope, error) {
	messages, _ := clientBody["messages"].([]any)

	var contents []any
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		role, _ := msg["role"].(string)
		text := openaiMessageText(msg["content"])
		if text == "" {
			continue
		}
		contents = append(contents, map[string]any{
			"role":  openaiRoleToGemini(role),
			"parts": []any{map[string]any{"text": text}},
		})
	}

	inner := map[string]any{
		"contents":         contents,
		"generationConfig": openaiGenerationConfig(clientBody),
		"safetySettings":   openaiSafetySettingsOff(),
	}

	hasSearch := applyCommonCleaning(inner, resolvedModel)

	return wrap(projectID, resolvedModel, inner, hasSearch), nil
}

func openaiRoleToGemini(role string) string {
	if role == "assistant" {
		return "model"
	}
	return "user"
}

// openaiMessageText flattens OpenAI's content union (a plain string or a
// list of {type, text} content parts) down to a single string.
func openaiMessageText(content any) string {
	switch c := content.(type) {
	case string:
		return c
	case []any:
		var b strings.Builder
		for _, part := range c {
			pm, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if t, _ := pm["type"].(string); t == "text" {
				if s, ok := pm["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return b.String()
	default:
		return ""
	}
}

func openaiGenerationConfig(body map[string]any) map[string]any {
	gc := map[string]any{}
	if v, ok := body["max_tokens"]; ok {
		gc["maxOutputTokens"] = v
	}
	if v, ok := body["temperature"]; ok {
		gc["temperature"] = v
	}
	if v, ok := body["top_p"]; ok {
		gc["topP"] = v
	}
	return gc
}

func openaiSafetySettingsOff() []any {
	categories := []string{
		"HARM_CATEGORY_HARASSMENT",
		"HARM_CATEGORY_HATE_SPEECH",
		"HARM_CATEGORY_SEXUALLY_EXPLICIT",
		"HARM_CATEGORY_DANGEROUS_CONTENT",
	}
	out := make([]any, 0, len(categories))
	for _, c := range categories {
		out = append(out, map[string]any{"category": c, "threshold": "OFF"})
	}
	return out
}

// openaiTransformResponse renders a non-streaming chat.completion object
// from an upstream Gemini-shaped reply.
func openaiTransformResponse(upstream map[string]any, model string) (map[string]any, error) {
	if inner, ok := upstream["response"].(map[string]any); ok {
		upstream = inner
	}

	candidates, _ := upstream["candidates"].([]any)
	content := ""
	finishReason := "stop"
	if len(candidates) > 0 {
		cand, _ := candidates[0].(map[string]any)
		content = openaiRenderCandidateContent(cand)
		if fr, ok := cand["finishReason"].(string); ok {
			finishReason = openaiFinishReason(fr)
		}
	}

	responseID, _ := upstream["responseId"].(string)

	return map[string]any{
		"id":      responseID,
		"object":  "chat.completion",
		"model":   model,
		"choices": []any{
			map[string]any{
				"index": 0,
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": finishReason,
			},
		},
		"usage": openaiUsageFrom(upstream["usageMetadata"]),
	}, nil
}

// openaiRenderCandidateContent concatenates text parts and renders inline
// image data as a Markdown data-URI, per §4.7's "render... as a Markdown
// image data-URI".
func openaiRenderCandidateContent(candidate map[string]any) string {
	content, _ := candidate["content"].(map[string]any)
	parts, _ := content["parts"].([]any)

	var b strings.Builder
	for _, p := range parts {
		pm, ok := p.(map[string]any)
		if !ok {
			continue
		}
		if text, ok := pm["text"].(string); ok {
			b.WriteString(text)
			continue
		}
		if inline, ok := pm["inlineData"].(map[string]any); ok {
			mime, _ := inline["mimeType"].(string)
			data, _ := inline["data"].(string)
			fmt.Fprintf(&b, "![image](data:%s;base64,%s)", mime, data)
		}
	}
	return b.String()
}

func openaiFinishReason(vendorReason string) string {
	switch vendorReason {
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

func openaiUsageFrom(raw any) map[string]any {
	usage, ok := raw.(map[string]any)
	if !ok {
		return map[string]any{"prompt_tokens": 0, "completion_tokens": 0, "total_tokens": 0}
	}
	return map[string]any{
		"prompt_tokens":     usage["promptTokenCount"],
		"completion_tokens": usage["candidatesTokenCount"],
		"total_tokens":      usage["totalTokenCount"],
	}
}
