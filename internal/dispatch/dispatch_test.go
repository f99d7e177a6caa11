package dispatch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"github.com/relaydev/antigravity-proxy/internal/logsink"
	"github.com/relaydev/antigravity-proxy/internal/mapper"
	"github.com/relaydev/antigravity-proxy/internal/ratelimit"
	"github.com/relaydev/antigravity-proxy/internal/scheduler"
	"github.com/relaydev/antigravity-proxy/internal/store"
)

type fakeTransport struct{}

func (fakeTransport) GetClient(acct *account.Account) *http.Client { return http.DefaultClient }
func (fakeTransport) GetHTTPTransport(acct *account.Account) *http.Transport {
	return http.DefaultTransport.(*http.Transport)
}

// newHarness wires a real store/account/scheduler/ratelimit stack against a
// temp SQLite file and a single pre-provisioned, non-expired account, so the
// dispatch loop's Select/EnsureValidToken path runs unmodified.
func newHarness(t *testing.T, upstreamURL string) *Handler {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	crypto := account.NewCrypto("test-encryption-key-0123456789ab")
	as := account.NewStore(s, crypto)

	if _, err := as.Create(context.Background(), "a@example.com", "refresh-token", "access-token", time.Now().Add(time.Hour), 1); err != nil {
		t.Fatalf("create account: %v", err)
	}

	cfg := &config.Config{
		UpstreamBaseURL:     upstreamURL,
		SchedulingMode:      config.ModeBalance,
		MaxWaitSeconds:      1,
		StickySessionTTL:    time.Minute,
		TokenRefreshAdvance: time.Minute,
		RequestTimeout:      5 * time.Second,
		MaxRetryAccounts:    2,
	}

	tm := account.NewTokenManager(as, cfg, fakeTransport{})
	rl := ratelimit.NewManager(s)
	sched := scheduler.New(s, as, tm, rl, cfg)
	logs := logsink.New(s, 1000)

	return &Handler{
		Surface:                 mapper.OpenAI,
		Scheduler:               sched,
		Accounts:                as,
		Limiter:                 rl,
		Transport:               fakeTransport{},
		Cfg:                     cfg,
		Logs:                    logs,
		Kind:                    scheduler.KindChat,
		UpstreamMethod:          "generateContent",
		StreamingUpstreamMethod: "streamGenerateContent",
	}
}

// E1: a plain 200 upstream response is decoded, transformed and returned.
func TestServeHTTPReturnsTransformedResponse(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"response": map[string]any{
				"candidates": []any{
					map[string]any{
						"content":      map[string]any{"role": "model", "parts": []any{map[string]any{"text": "hello"}}},
						"finishReason": "STOP",
					},
				},
			},
		})
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	choices, _ := out["choices"].([]any)
	if len(choices) == 0 {
		t.Fatal("expected at least one choice")
	}
}

// A rotation-eligible status (429) with only one account in the pool
// exhausts the pool and surfaces a 429 to the client, per §7 point 3.
func TestServeHTTPRotatesThenExhaustsPool(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected pool-exhausted response to carry the 429 status, got %d: %s", w.Code, w.Body.String())
	}
}

// A terminal (non-rotation-eligible) status, e.g. 400, passes through to the
// client verbatim rather than being sanitized, per §7 point 4.
func TestServeHTTPPassesTerminalErrorVerbatim(t *testing.T) {
	const vendorBody = `{"error":{"message":"bad request, field x missing"}}`
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(vendorBody))
	}))
	defer upstream.Close()

	h := newHarness(t, upstream.URL)

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"model":"gemini-3-flash","messages":[{"role":"user","content":"hi"}]}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected verbatim 400, got %d", w.Code)
	}
	if w.Body.String() != vendorBody {
		t.Fatalf("expected verbatim body, got %q", w.Body.String())
	}
}

func TestResolveModelLayering(t *testing.T) {
	h := &Handler{
		Surface: mapper.OpenAI,
		Cfg: &config.Config{
			CustomModelMapping: map[string]string{"alias": "custom-target"},
			OpenAIModelMapping: map[string]string{"gpt-4": "gemini-3-pro"},
		},
	}
	if got := h.resolveModel("alias"); got != "custom-target" {
		t.Fatalf("custom mapping should win outright, got %q", got)
	}
	if got := h.resolveModel("gpt-4"); got != "gemini-3-pro" {
		t.Fatalf("expected surface mapping fallback, got %q", got)
	}
	if got := h.resolveModel("literal-name"); got != "literal-name" {
		t.Fatalf("expected literal passthrough, got %q", got)
	}
}

func TestStreamI18nSuffix(t *testing.T) {
	cases := map[string]string{
		"timeout_error":    "timeout",
		"connection_error": "connection",
		"canceled_error":   "stream",
		"something_else":   "unknown",
	}
	for in, want := range cases {
		if got := streamI18nSuffix(in); got != want {
			t.Errorf("streamI18nSuffix(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("expected untouched short string, got %q", got)
	}
	if got := truncate("this is a long string", 7); got != "this is..." {
		t.Fatalf("expected truncation with ellipsis, got %q", got)
	}
}
