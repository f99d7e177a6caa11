package mapper

import "testing"

func TestEnvelopeRequestIDPrefix(t *testing.T) {
	env, err := OpenAI.TransformRequest(map[string]any{
		"model":    "gpt-4",
		"messages": []any{map[string]any{"role": "user", "content": "Hello"}},
	}, "proj-1", "gemini-2.5-pro")
	if err != nil {
		t.Fatalf("transform request: %v", err)
	}
	if len(env.RequestID) < 7 || env.RequestID[:6] != "agent-" {
		t.Fatalf("expected requestId prefixed agent-, got %q", env.RequestID)
	}
}

func TestCleanJSONSchemaUppercasesTypesAndDropsAdditionalProperties(t *testing.T) {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"age": map[string]any{"type": "integer"},
		},
		"additionalProperties": false,
	}
	out := cleanJSONSchema(schema)
	if out["type"] != "OBJECT" {
		t.Fatalf("expected OBJECT, got %v", out["type"])
	}
	if _, present := out["additionalProperties"]; present {
		t.Fatal("additionalProperties must be absent")
	}
	props := out["properties"].(map[string]any)
	age := props["age"].(map[string]any)
	if age["type"] != "INTEGER" {
		t.Fatalf("expected INTEGER, got %v", age["type"])
	}
}

func TestCloseToolLoopForThinkingInjectsSyntheticRecovery(t *testing.T) {
	messages := []any{
		map[string]any{
			"role":    "assistant",
			"content": []any{map[string]any{"type": "text", "text": "calling a tool"}},
		},
		map[string]any{
			"role": "user",
			"content": []any{
				map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": "done"},
			},
		},
	}

	out := closeToolLoopForThinking(messages)
	if len(out) != len(messages)+2 {
		t.Fatalf("expected 2 synthetic messages appended, got %d total", len(out))
	}

	synthAssistant := out[len(out)-2].(map[string]any)
	if synthAssistant["role"] != "assistant" {
		t.Fatal("expected synthetic assistant message")
	}
	block := synthAssistant["content"].([]any)[0].(map[string]any)
	if block["text"] != "[Tool execution completed. Please proceed.]" {
		t.Fatalf("unexpected synthetic assistant text: %v", block["text"])
	}

	synthUser := out[len(out)-1].(map[string]any)
	if synthUser["role"] != "user" {
		t.Fatal("expected synthetic user message")
	}
}

func TestCloseToolLoopForThinkingSkipsWhenThinkingBlockPresent(t *testing.T) {
	messages := []any{
		map[string]any{
			"role": "assistant",
			"content": []any{
				map[string]any{"type": "thinking", "thinking": "reasoning..."},
				map[string]any{"type": "tool_use", "name": "foo", "input": map[string]any{}},
			},
		},
		map[string]any{
			"role":    "user",
			"content": []any{map[string]any{"type": "tool_result", "tool_use_id": "t1", "content": "ok"}},
		},
	}
	out := closeToolLoopForThinking(messages)
	if len(out) != len(messages) {
		t.Fatalf("expected no synthetic messages, got %d extra", len(out)-len(messages))
	}
}

func TestOpenAIFinishReasonMapping(t *testing.T) {
	cases := map[string]string{"STOP": "stop", "MAX_TOKENS": "length", "SAFETY": "content_filter", "OTHER": "stop"}
	for in, want := range cases {
		if got := openaiFinishReason(in); got != want {
			t.Errorf("openaiFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestOpenAITransformResponseRendersText(t *testing.T) {
	upstream := map[string]any{
		"candidates": []any{
			map[string]any{
				"content":      map[string]any{"parts": []any{map[string]any{"text": "Hello!"}}},
				"finishReason": "STOP",
			},
		},
		"modelVersion": "gemini-2.5-pro",
		"responseId":   "resp_123",
	}
	out, err := openaiTransformResponse(upstream, "gpt-4")
	if err != nil {
		t.Fatalf("transform response: %v", err)
	}
	if out["object"] != "chat.completion" {
		t.Fatalf("expected chat.completion, got %v", out["object"])
	}
	choices := out["choices"].([]any)
	msg := choices[0].(map[string]any)["message"].(map[string]any)
	if msg["content"] != "Hello!" {
		t.Fatalf("expected Hello!, got %v", msg["content"])
	}
}

func TestImageGenModelStripsToolsAndSystemInstruction(t *testing.T) {
	body := map[string]any{
		"tools":             []any{map[string]any{"name": "web_search"}},
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "old"}}},
		"generationConfig":  map[string]any{"candidateCount": float64(2)},
	}
	applyCommonCleaning(body, "gemini-3-pro-image")

	if _, ok := body["tools"]; ok {
		t.Fatal("expected tools dropped for image-generation model")
	}
	if _, ok := body["systemInstruction"]; ok {
		t.Fatal("expected systemInstruction dropped for image-generation model")
	}
	if _, ok := body["generationConfig"]; ok {
		t.Fatal("expected generationConfig replaced by imageConfig")
	}
	ic := body["imageConfig"].(map[string]any)
	if ic["numberOfImages"] != float64(2) {
		t.Fatalf("expected numberOfImages carried over, got %v", ic["numberOfImages"])
	}
}

func TestIdentityInstructionInjectedOnce(t *testing.T) {
	body := map[string]any{}
	applyCommonCleaning(body, "gemini-2.5-pro")
	si := body["systemInstruction"].(map[string]any)
	parts := si["parts"].([]any)
	first := parts[0].(map[string]any)
	if !hasIdentityInstruction(first["text"].(string)) {
		t.Fatalf("expected identity marker injected, got %v", first["text"])
	}

	body2 := map[string]any{
		"systemInstruction": map[string]any{"parts": []any{map[string]any{"text": "You are Antigravity already"}}},
	}
	applyCommonCleaning(body2, "gemini-2.5-pro")
	si2 := body2["systemInstruction"].(map[string]any)
	if len(si2["parts"].([]any)) != 1 {
		t.Fatalf("expected no duplicate identity instruction injected")
	}
}

func TestThoughtSignatureStashAndLookup(t *testing.T) {
	StashThoughtSignature("corr-1", "sig-abc")
	got, ok := LookupThoughtSignature("corr-1")
	if !ok || got != "sig-abc" {
		t.Fatalf("expected stashed signature, got %q, %v", got, ok)
	}
}
