// Package mapper implements the Protocol Mappers (§4.7): translation
// between the three client-facing surfaces (OpenAI, Claude, Gemini) and the
// single internal envelope the upstream vendor actually speaks.
//
// Each surface is modeled as a Surface capability record per §9 ("Dynamic
// dispatch across mappers" — a closed variant set, not inheritance) rather
// than three types implementing a common interface through embedding.
package mapper

import (
	"strings"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
)

// RequestType is carried in the envelope and derived from model features.
type RequestType string

const (
	RequestTypeGenerate     RequestType = "GENERATE_CONTENT"
	RequestTypeGroundedSearch RequestType = "GENERATE_CONTENT_WITH_GOOGLE_SEARCH"
	RequestTypeImageGen     RequestType = "GENERATE_IMAGE"
)

// Envelope is the common internal JSON object every upstream call sends.
type Envelope struct {
	Project     string      `json:"project"`
	RequestID   string      `json:"requestId"`
	Request     any         `json:"request"`
	Model       string      `json:"model"`
	UserAgent   string      `json:"userAgent"`
	RequestType RequestType `json:"requestType"`
}

const identityUserAgent = "antigravity"

// identityMarker is the fixed first line of the injected "identity" system
// instruction. The spec's testable contract only requires this substring to
// be present, not any particular operator-authored prose, so it is kept to
// one line rather than reproducing a multi-paragraph prompt.
const identityMarker = "You are Antigravity, an AI assistant."

var imageGenModels = map[string]bool{
	"gemini-3-pro-image": true,
	"imagen-3":            true,
}

// NewRequestID produces the "agent-" + canonical UUID required by testable
// property 9.
func NewRequestID() string {
	return "agent-" + uuid.NewString()
}

// isImageGenModel reports whether model routes through the image-generation
// envelope shape (no tools, no system instruction, imageConfig substitution).
func isImageGenModel(model string) bool {
	return imageGenModels[model]
}

func requestTypeFor(model string, hasSearchTool bool) RequestType {
	switch {
	case isImageGenModel(model):
		return RequestTypeImageGen
	case hasSearchTool:
		return RequestTypeGroundedSearch
	default:
		return RequestTypeGenerate
	}
}

// wrap builds the common envelope around an already surface-cleaned inner
// request body, per §4.7's "Common envelope".
func wrap(projectID, model string, inner any, hasSearchTool bool) *Envelope {
	return &Envelope{
		Project:     projectID,
		RequestID:   NewRequestID(),
		Request:     inner,
		Model:       model,
		UserAgent:   identityUserAgent,
		RequestType: requestTypeFor(model, hasSearchTool),
	}
}

// --- common cleaning steps, shared by every mapper before wrapping ---

// stripUndefinedLiterals deep-scans v for a string literally "[undefined]"
// (client-injected garbage some SDKs leave behind) and drops the containing
// key/element rather than forwarding it upstream.
func stripUndefinedLiterals(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if s, ok := val.(string); ok && s == "[undefined]" {
				continue
			}
			out[k] = stripUndefinedLiterals(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			if s, ok := val.(string); ok && s == "[undefined]" {
				continue
			}
			out = append(out, stripUndefinedLiterals(val))
		}
		return out
	default:
		return v
	}
}

// forbiddenSchemaKeys are JSON-schema keywords the upstream tool-declaration
// format does not accept; cleanJSONSchema strips them recursively.
var forbiddenSchemaKeys = map[string]bool{
	"additionalProperties": true,
	"multipleOf":           true,
	"$schema":              true,
	"const":                true,
}

// cleanJSONSchema strips forbidden keys from a tool/function parameter
// schema and recurses into nested "properties"/"items".
func cleanJSONSchema(schema map[string]any) map[string]any {
	out := make(map[string]any, len(schema))
	for k, v := range schema {
		if forbiddenSchemaKeys[k] {
			continue
		}
		switch k {
		case "properties":
			if props, ok := v.(map[string]any); ok {
				cleaned := make(map[string]any, len(props))
				for pk, pv := range props {
					if sub, ok := pv.(map[string]any); ok {
						cleaned[pk] = cleanJSONSchema(sub)
					} else {
						cleaned[pk] = pv
					}
				}
				out[k] = cleaned
				continue
			}
		case "items":
			if sub, ok := v.(map[string]any); ok {
				out[k] = cleanJSONSchema(sub)
				continue
			}
		}
		out[k] = v
	}
	uppercaseSchemaType(out)
	return out
}

// uppercaseSchemaType rewrites "type" in place to the vendor's upper-case
// scalar spelling, satisfying testable property 8.
func uppercaseSchemaType(schema map[string]any) {
	if t, ok := schema["type"].(string); ok {
		schema["type"] = strings.ToUpper(t)
	}
}

var searchToolNames = map[string]bool{
	"web_search":    true,
	"google_search": true,
}

// stripRedundantSearchTools removes client-declared web/google search tools
// (the model does its own grounding) and reports whether a grounded-search
// tool should be injected in their place.
func stripRedundantSearchTools(tools []any) (cleaned []any, wantsSearch bool) {
	for _, t := range tools {
		m, ok := t.(map[string]any)
		if !ok {
			cleaned = append(cleaned, t)
			continue
		}
		name, _ := m["name"].(string)
		if searchToolNames[name] {
			wantsSearch = true
			continue
		}
		if fn, ok := m["function"].(map[string]any); ok {
			if fname, _ := fn["name"].(string); searchToolNames[fname] {
				wantsSearch = true
				continue
			}
		}
		cleaned = append(cleaned, m)
	}
	return cleaned, wantsSearch
}

func injectGoogleSearchTool(tools []any) []any {
	return append(tools, map[string]any{"googleSearch": map[string]any{}})
}

// hasIdentityInstruction reports whether a systemInstruction already carries
// the fixed identity marker, per §4.7's "inject... if one... is not already
// present".
func hasIdentityInstruction(text string) bool {
	return strings.Contains(text, "You are Antigravity")
}

// --- thought signature correlation (§9 global #2) ---

// thoughtSignatureCacheSize bounds the process-wide thought_signature_map at
// the spec's suggested N≈10000, since the original leaves eviction
// undocumented (see SPEC_FULL.md Open Question resolution).
const thoughtSignatureCacheSize = 10000

var thoughtSignatures, _ = lru.New[string, string](thoughtSignatureCacheSize)

// StashThoughtSignature records a Gemini thoughtSignature under a
// correlation ID so a later turn can reattach it.
func StashThoughtSignature(correlationID, signature string) {
	if correlationID == "" || signature == "" {
		return
	}
	thoughtSignatures.Add(correlationID, signature)
}

// LookupThoughtSignature returns a previously stashed signature, if any.
func LookupThoughtSignature(correlationID string) (string, bool) {
	return thoughtSignatures.Get(correlationID)
}

// Surface is the capability record dispatch handlers use; see §9 "Dynamic
// dispatch across mappers". Implementations live in openai.go/claude.go/
// gemini.go.
type Surface struct {
	Name             string
	TransformRequest func(clientBody map[string]any, projectID, resolvedModel string) (*Envelope, error)
	TransformResponse func(upstream map[string]any, model string) (map[string]any, error)
}
