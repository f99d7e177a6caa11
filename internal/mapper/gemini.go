package mapper

// Gemini is the pass-through surface: the client body is already in the
// vendor's own shape, so the mapper only applies the common cleaning steps
// and envelope wrapping/unwrapping (§4.7 "Gemini surface").
var Gemini = Surface{
	Name:              "gemini",
	TransformRequest:  geminiTransformRequest,
	TransformResponse: geminiTransformResponse,
}

func geminiTransformRequest(clientBody map[string]any, projectID, resolvedModel string) (*Envelope, error) {
	inner := cloneMap(clientBody)

	hasSearch := applyCommonCleaning(inner, resolvedModel)

	return wrap(projectID, resolvedModel, inner, hasSearch), nil
}

// geminiTransformResponse unwraps the outer {response: ...} envelope the
// upstream call returns, if present, and otherwise passes the body through.
func geminiTransformResponse(upstream map[string]any, model string) (map[string]any, error) {
	if inner, ok := upstream["response"].(map[string]any); ok {
		return inner, nil
	}
	return upstream, nil
}

// applyCommonCleaning runs every §4.7 "Common cleaning steps" entry over an
// in-place Gemini-shaped request body and reports whether a grounded-search
// tool ended up present (for requestType derivation).
func applyCommonCleaning(body map[string]any, model string) bool {
	cleanedBody := stripUndefinedLiterals(body).(map[string]any)
	for k := range body {
		if _, ok := cleanedBody[k]; !ok {
			delete(body, k)
		}
	}
	for k, v := range cleanedBody {
		body[k] = v
	}

	hasSearch := false
	if tools, ok := body["tools"].([]any); ok {
		cleaned, wantsSearch := stripRedundantSearchTools(tools)
		if wantsSearch {
			cleaned = injectGoogleSearchTool(cleaned)
		}
		cleanToolSchemas(cleaned)
		body["tools"] = cleaned
		hasSearch = wantsSearch || containsGoogleSearchTool(cleaned)
	}

	if isImageGenModel(model) {
		delete(body, "tools")
		delete(body, "systemInstruction")
		if gc, ok := body["generationConfig"].(map[string]any); ok {
			body["imageConfig"] = imageConfigFrom(gc)
		}
		delete(body, "generationConfig")
		return hasSearch
	}

	injectIdentityInstruction(body)
	return hasSearch
}

// cleanToolSchemas strips forbidden JSON-schema keys from every function
// declaration's parameter schema, in place.
func cleanToolSchemas(tools []any) {
	for _, t := range tools {
		m, ok := t.(map[string]any)
		if !ok {
			continue
		}
		decls, ok := m["functionDeclarations"].([]any)
		if !ok {
			continue
		}
		for _, d := range decls {
			decl, ok := d.(map[string]any)
			if !ok {
				continue
			}
			if params, ok := decl["parameters"].(map[string]any); ok {
				decl["parameters"] = cleanJSONSchema(params)
			}
		}
	}
}

func containsGoogleSearchTool(tools []any) bool {
	for _, t := range tools {
		if m, ok := t.(map[string]any); ok {
			if _, ok := m["googleSearch"]; ok {
				return true
			}
		}
	}
	return false
}

// imageConfigFrom narrows a text-generation generationConfig down to the
// subset image models accept.
func imageConfigFrom(gc map[string]any) map[string]any {
	out := map[string]any{}
	if v, ok := gc["candidateCount"]; ok {
		out["numberOfImages"] = v
	}
	if v, ok := gc["aspectRatio"]; ok {
		out["aspectRatio"] = v
	}
	return out
}

// injectIdentityInstruction ensures body["systemInstruction"] carries the
// fixed identity marker as its first part, unless one is already present.
func injectIdentityInstruction(body map[string]any) {
	si, _ := body["systemInstruction"].(map[string]any)
	if si == nil {
		si = map[string]any{}
	}
	parts, _ := si["parts"].([]any)
	for _, p := range parts {
		if pm, ok := p.(map[string]any); ok {
			if text, _ := pm["text"].(string); hasIdentityInstruction(text) {
				body["systemInstruction"] = si
				return
			}
		}
	}
	marker := map[string]any{"text": identityMarker}
	si["parts"] = append([]any{marker}, parts...)
	body["systemInstruction"] = si
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
