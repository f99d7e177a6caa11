// Package dispatch implements the Dispatch Handlers (§4.9): one retry loop
// shared by all three client-facing surfaces, parameterized by the
// mapper.Surface capability record so the loop body stays surface-agnostic
// (§9 "Dynamic dispatch across mappers").
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/apperr"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"github.com/relaydev/antigravity-proxy/internal/logsink"
	"github.com/relaydev/antigravity-proxy/internal/mapper"
	"github.com/relaydev/antigravity-proxy/internal/ratelimit"
	"github.com/relaydev/antigravity-proxy/internal/scheduler"
	"github.com/relaydev/antigravity-proxy/internal/stream"
)

// rotationEligible are the upstream statuses at which the loop rotates to a
// different account instead of surfacing the error, per §7 point 3.
var rotationEligible = map[int]bool{
	401: true, 403: true, 404: true, 429: true, 500: true, 503: true, 529: true,
}

// TransportProvider supplies the per-account HTTP client the dispatch loop
// sends the envelope through.
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

// Handler runs the retry loop for one surface.
type Handler struct {
	Surface   mapper.Surface
	Scheduler *scheduler.Scheduler
	Accounts  *account.Store
	Limiter   *ratelimit.Manager
	Transport TransportProvider
	Cfg       *config.Config
	Logs      *logsink.Sink
	Kind      scheduler.RequestKind

	// UpstreamMethod is the ":method" suffix appended to Cfg.UpstreamBaseURL,
	// e.g. "generateContent" or "streamGenerateContent".
	UpstreamMethod          string
	StreamingUpstreamMethod string
}

// ServeHTTP parses the client body, resolves the model, and runs the
// dispatch loop, writing either a JSON response or an SSE stream.
func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	ctx := req.Context()
	start := time.Now()

	rawBody, err := io.ReadAll(req.Body)
	if err != nil {
		writeJSONError(w, apperr.Input("failed to read request body"))
		return
	}
	var clientBody map[string]any
	if err := json.Unmarshal(rawBody, &clientBody); err != nil {
		writeJSONError(w, apperr.Input("invalid JSON body"))
		return
	}

	requestedModel, _ := clientBody["model"].(string)
	resolvedModel := h.resolveModel(requestedModel)
	isStream, _ := clientBody["stream"].(bool)

	sessionHash := scheduler.ComputeSessionHash(
		firstOf(clientBody, "session_id", "user"),
		systemPromptOf(clientBody),
		firstMessageOf(clientBody),
	)

	result, err := h.run(ctx, clientBody, resolvedModel, sessionHash, isStream, w)

	logEntry := &logsink.Entry{
		Surface:   h.Surface.Name,
		Model:     resolvedModel,
		Streamed:  isStream,
		DurationMS: time.Since(start).Milliseconds(),
	}
	if result != nil {
		logEntry.AccountID = result.accountID
		logEntry.StatusCode = result.statusCode
	}
	if err != nil {
		logEntry.ErrorKind = string(apperr.KindOf(err))
		if logEntry.StatusCode == 0 {
			logEntry.StatusCode = apperr.StatusCode(err)
		}
		writeJSONError(w, err)
	}
	if h.Logs != nil {
		h.Logs.Record(context.Background(), logEntry)
	}
}

type attemptResult struct {
	accountID  string
	statusCode int
}

// run is the §4.9 loop body: select an account, transform the request,
// dispatch it, and rotate on a rotation-eligible status.
func (h *Handler) run(ctx context.Context, clientBody map[string]any, resolvedModel, sessionHash string, isStream bool, w http.ResponseWriter) (*attemptResult, error) {
	var excludeIDs []string
	var lastErr error

	maxAttempts := h.Cfg.MaxRetryAccounts + 1
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return nil, apperr.Canceled()
		}

		acct, token, err := h.Scheduler.Select(ctx, scheduler.SelectOptions{
			SessionHash: sessionHash,
			Model:       resolvedModel,
			Kind:        h.Kind,
			ExcludeIDs:  excludeIDs,
		})
		if err != nil {
			lastErr = err
			break
		}

		env, err := h.Surface.TransformRequest(clientBody, acct.ProjectID, resolvedModel)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInput, "transform request", err)
		}

		resp, err := h.callUpstream(ctx, acct, token, env, isStream)
		if err != nil {
			slog.Warn("upstream call failed", "accountId", acct.ID, "error", err)
			excludeIDs = append(excludeIDs, acct.ID)
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusOK {
			if isStream {
				h.streamResponse(ctx, w, resp, resolvedModel)
			} else {
				if err := h.jsonResponse(w, resp, resolvedModel); err != nil {
					resp.Body.Close()
					return &attemptResult{acct.ID, 200}, apperr.Wrap(apperr.KindUpstream, "decode upstream response", err)
				}
			}
			resp.Body.Close()
			return &attemptResult{acct.ID, 200}, nil
		}

		errBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if rotationEligible[resp.StatusCode] {
			h.Limiter.RecordFromError(ctx, acct.ID, resp.StatusCode, resp.Header.Get("Retry-After"), string(errBody), resolvedModel)
			excludeIDs = append(excludeIDs, acct.ID)
			lastErr = fmt.Errorf("upstream %d: %s", resp.StatusCode, truncate(string(errBody), 200))
			continue
		}

		// Terminal upstream error — pass through verbatim per §7 point 4.
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		w.Write(errBody)
		return &attemptResult{acct.ID, resp.StatusCode}, nil
	}

	if poolErr, ok := lastErr.(*apperr.Error); ok && poolErr.Kind == apperr.KindPool {
		return nil, poolErr
	}
	msg := "all accounts exhausted"
	if lastErr != nil {
		msg = fmt.Sprintf("all accounts exhausted: %v", lastErr)
	}
	return nil, apperr.New(apperr.KindPool, msg)
}

func (h *Handler) callUpstream(ctx context.Context, acct *account.Account, token string, env *mapper.Envelope, isStream bool) (*http.Response, error) {
	method := h.UpstreamMethod
	if isStream {
		method = h.StreamingUpstreamMethod
	}
	url := h.Cfg.UpstreamBaseURL + ":" + method
	if isStream {
		url += "?alt=sse"
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, err
	}

	reqCtx, cancel := context.WithTimeout(ctx, h.Cfg.RequestTimeout)
	defer cancel()

	upReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+token)
	upReq.Header.Set("User-Agent", "antigravity/3.2.0")
	if isStream {
		upReq.Header.Set("Accept", "text/event-stream")
	}

	client := h.Transport.GetClient(acct)
	return client.Do(upReq)
}

func (h *Handler) jsonResponse(w http.ResponseWriter, resp *http.Response, model string) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var upstream map[string]any
	if err := json.Unmarshal(body, &upstream); err != nil {
		return err
	}
	out, err := h.Surface.TransformResponse(upstream, model)
	if err != nil {
		return err
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	return json.NewEncoder(w).Encode(out)
}

// streamResponse pipes the upstream SSE frames through the surface's own
// streaming transformer (§4.8), re-chunking as it goes.
func (h *Handler) streamResponse(ctx context.Context, w http.ResponseWriter, resp *http.Response, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, apperr.Internal(fmt.Errorf("response writer does not support flushing")))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	transformer := NewStreamTransformer(h.Surface, model)

	err := stream.ReadEvents(resp.Body, func(ev stream.Event) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		for _, out := range transformer.Transform(ev) {
			if err := stream.WriteEvent(w, out); err != nil {
				return err
			}
		}
		flusher.Flush()
		return nil
	})

	if err != nil && ctx.Err() == nil {
		class := stream.ClassifyStreamError(err)
		_ = stream.WriteEvent(w, stream.Event{
			Name: "error",
			Data: fmt.Sprintf(`{"type":"error","error":{"type":%q,"message":%q,"i18n_key":"errors.stream.%s"}}`,
				class.Type, class.Message, streamI18nSuffix(class.Type)),
		})
		flusher.Flush()
		return
	}

	for _, out := range transformer.Finish() {
		_ = stream.WriteEvent(w, out)
	}
	flusher.Flush()
}

func streamI18nSuffix(classType string) string {
	switch classType {
	case "timeout_error":
		return "timeout"
	case "connection_error":
		return "connection"
	case "canceled_error":
		return "stream"
	default:
		return "unknown"
	}
}

// resolveModel applies the layered model mapping of §4.9: custom mapping
// first, then the surface-specific mapping, falling back to the literal
// client-requested name.
func (h *Handler) resolveModel(requested string) string {
	if mapped, ok := h.Cfg.CustomModelMapping[requested]; ok {
		return mapped
	}
	switch h.Surface.Name {
	case "openai":
		if mapped, ok := h.Cfg.OpenAIModelMapping[requested]; ok {
			return mapped
		}
	case "claude":
		if mapped, ok := h.Cfg.AnthropicModelMapping[requested]; ok {
			return mapped
		}
	}
	return requested
}

func firstOf(body map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := body[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

func systemPromptOf(body map[string]any) string {
	switch s := body["system"].(type) {
	case string:
		return s
	}
	return ""
}

func firstMessageOf(body map[string]any) string {
	messages, _ := body["messages"].([]any)
	if len(messages) == 0 {
		return ""
	}
	m, ok := messages[0].(map[string]any)
	if !ok {
		return ""
	}
	if s, ok := m["content"].(string); ok {
		return s
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func writeJSONError(w http.ResponseWriter, err error) {
	status := apperr.StatusCode(err)
	w.Header().Set("Content-Type", "application/json")
	if ae, ok := err.(*apperr.Error); ok && ae.Kind == apperr.KindPool && ae.RetryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", ae.RetryAfter))
	}
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"type":  "error",
		"error": map[string]any{"type": errorTypeFor(status), "message": err.Error()},
	})
}

func errorTypeFor(status int) string {
	switch status {
	case 400:
		return "invalid_request_error"
	case 429:
		return "rate_limit_error"
	case 499:
		return "canceled_error"
	case 502:
		return "api_error"
	default:
		return "api_error"
	}
}
