// Package server wires the Dispatch Handlers into the client-facing HTTP
// route table of §6 and owns the process's background goroutines (rate
// limit cleanup, transport idle sweep, log retention, warm-up scheduler).
package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/auth"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"github.com/relaydev/antigravity-proxy/internal/dispatch"
	"github.com/relaydev/antigravity-proxy/internal/events"
	"github.com/relaydev/antigravity-proxy/internal/logsink"
	"github.com/relaydev/antigravity-proxy/internal/mapper"
	"github.com/relaydev/antigravity-proxy/internal/ratelimit"
	"github.com/relaydev/antigravity-proxy/internal/scheduler"
	"github.com/relaydev/antigravity-proxy/internal/store"
	"github.com/relaydev/antigravity-proxy/internal/transport"
	"github.com/relaydev/antigravity-proxy/internal/warmup"
)

// Server is the main HTTP server.
type Server struct {
	cfg          *config.Config
	store        store.Store
	accounts     *account.Store
	tokens       *account.TokenManager
	authMw       *auth.Middleware
	scheduler    *scheduler.Scheduler
	rateLimit    *ratelimit.Manager
	transportMgr *transport.Manager
	logs         *logsink.Sink
	warmupSched  *warmup.Scheduler
	logHandler   *events.LogHandler
	httpServer   *http.Server
	version      string
	startTime    time.Time
}

func New(cfg *config.Config, s store.Store, crypto *account.Crypto, tm *transport.Manager, logHandler *events.LogHandler, version string) *Server {
	as := account.NewStore(s, crypto)
	tokMgr := account.NewTokenManager(as, cfg, tm)
	authMw := auth.NewMiddleware(cfg)
	rl := ratelimit.NewManager(s)
	sched := scheduler.New(s, as, tokMgr, rl, cfg)
	logs := logsink.New(s, cfg.LogRetentionCount)
	selfURL := fmt.Sprintf("http://127.0.0.1:%d/internal/warmup", cfg.Port)
	warmSched := warmup.New(as, tokMgr, tm, cfg, selfURL)

	srv := &Server{
		cfg:          cfg,
		store:        s,
		accounts:     as,
		tokens:       tokMgr,
		authMw:       authMw,
		scheduler:    sched,
		rateLimit:    rl,
		transportMgr: tm,
		logs:         logs,
		warmupSched:  warmSched,
		logHandler:   logHandler,
		version:      version,
		startTime:    time.Now(),
	}

	mux := http.NewServeMux()
	srv.registerRoutes(mux)

	srv.httpServer = &http.Server{
		Addr:           fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:        requestLogger(mux),
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   cfg.RequestTimeout + 30*time.Second,
		MaxHeaderBytes: 1 << 20,
	}

	return srv
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	authed := s.authMw.Authenticate

	openaiChat := &dispatch.Handler{
		Surface: mapper.OpenAI, Scheduler: s.scheduler, Accounts: s.accounts, Limiter: s.rateLimit,
		Transport: s.transportMgr, Cfg: s.cfg, Logs: s.logs, Kind: scheduler.KindChat,
		UpstreamMethod: "generateContent", StreamingUpstreamMethod: "streamGenerateContent",
	}
	openaiImages := &dispatch.Handler{
		Surface: mapper.OpenAI, Scheduler: s.scheduler, Accounts: s.accounts, Limiter: s.rateLimit,
		Transport: s.transportMgr, Cfg: s.cfg, Logs: s.logs, Kind: scheduler.KindImageGen,
		UpstreamMethod: "generateContent", StreamingUpstreamMethod: "generateContent",
	}
	claudeMessages := &dispatch.Handler{
		Surface: mapper.Claude, Scheduler: s.scheduler, Accounts: s.accounts, Limiter: s.rateLimit,
		Transport: s.transportMgr, Cfg: s.cfg, Logs: s.logs, Kind: scheduler.KindChat,
		UpstreamMethod: "generateContent", StreamingUpstreamMethod: "streamGenerateContent",
	}
	geminiGenerate := &dispatch.Handler{
		Surface: mapper.Gemini, Scheduler: s.scheduler, Accounts: s.accounts, Limiter: s.rateLimit,
		Transport: s.transportMgr, Cfg: s.cfg, Logs: s.logs, Kind: scheduler.KindChat,
		UpstreamMethod: "generateContent", StreamingUpstreamMethod: "streamGenerateContent",
	}

	mux.Handle("POST /v1/chat/completions", authed(openaiChat))
	mux.Handle("POST /v1/completions", authed(openaiChat))
	mux.Handle("POST /v1/responses", authed(openaiChat))
	mux.Handle("POST /v1/images/generations", authed(openaiImages))
	mux.Handle("POST /v1/images/edits", authed(openaiImages))
	mux.HandleFunc("GET /v1/models", s.handleModelCatalog)

	mux.Handle("POST /v1/messages", authed(claudeMessages))

	mux.Handle("POST /v1beta/models/{model}", authed(geminiGenerate))
	mux.HandleFunc("GET /v1beta/models/{model}", s.handleDescribeModel)

	// Self-issued only: the warm-up scheduler posts here with a token it
	// already holds, decoupling the vendor-call shape from the scheduler.
	mux.HandleFunc("POST /internal/warmup", s.handleInternalWarmup)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /internal/debug/logs", authed(http.HandlerFunc(s.handleDebugLogStream)))
}

// handleDebugLogStream streams the process's log ring to an operator as
// Server-Sent Events: the subscriber first replays everything buffered
// since the request's "since" query param (defaulting to the whole ring),
// then follows new lines as they're handled until the client disconnects.
func (s *Server) handleDebugLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "streaming unsupported"})
		return
	}

	since := time.Time{}
	if raw := r.URL.Query().Get("since"); raw != "" {
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			since = t
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	id, ch, _ := s.logHandler.Subscribe()
	defer s.logHandler.Unsubscribe(id)

	for _, line := range s.logHandler.Since(since) {
		_ = line.WriteSSE(w)
	}
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-ch:
			if !ok {
				return
			}
			if err := line.WriteSSE(w); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

var modelCatalog = []string{
	"gemini-3-pro", "gemini-3-flash", "gemini-3-pro-high", "gemini-3-pro-image",
	"claude-sonnet-4-5",
}

func (s *Server) handleModelCatalog(w http.ResponseWriter, r *http.Request) {
	data := make([]map[string]any, 0, len(modelCatalog))
	for _, m := range modelCatalog {
		data = append(data, map[string]any{"id": m, "object": "model", "owned_by": "antigravity"})
	}
	writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": data})
}

func (s *Server) handleDescribeModel(w http.ResponseWriter, r *http.Request) {
	model := r.PathValue("model")
	writeJSON(w, http.StatusOK, map[string]any{"name": "models/" + model, "supportedGenerationMethods": []string{"generateContent", "streamGenerateContent"}})
}

// handleInternalWarmup fires the real upstream ping for one (email, model)
// the scheduler selected; its own HTTP hop keeps the warm-up scheduler free
// of vendor-call shape, per §4.10.
func (s *Server) handleInternalWarmup(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Email       string `json:"email"`
		Model       string `json:"model"`
		AccessToken string `json:"access_token"`
		ProjectID   string `json:"project_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid body"})
		return
	}

	env, _ := mapper.Gemini.TransformRequest(map[string]any{
		"contents": []any{map[string]any{"role": "user", "parts": []any{map[string]any{"text": "ping"}}}},
	}, body.ProjectID, body.Model)

	payload, _ := json.Marshal(env)
	upReq, err := http.NewRequestWithContext(r.Context(), http.MethodPost,
		s.cfg.UpstreamBaseURL+":generateContent", bytes.NewReader(payload))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	upReq.Header.Set("Content-Type", "application/json")
	upReq.Header.Set("Authorization", "Bearer "+body.AccessToken)

	resp, err := http.DefaultClient.Do(upReq)
	if err != nil {
		slog.Warn("warmup ping failed", "model", body.Model, "email", body.Email, "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	defer resp.Body.Close()

	slog.Info("warmup ping sent", "model", body.Model, "email", body.Email, "status", resp.StatusCode)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "uptime_seconds": int(time.Since(s.startTime).Seconds())})
}

// Run starts the server and blocks until shutdown.
func (s *Server) Run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.rateLimit.RunCleanup(ctx, 5*time.Minute)
	go s.transportMgr.RunCleanup(ctx)
	go s.logs.RunRetentionSweep(ctx, 6*time.Hour)
	go s.warmupSched.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", "addr", s.httpServer.Addr)
		errCh <- s.httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-sigCh:
		slog.Info("shutdown signal received", "signal", sig)
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		slog.Debug("request", "method", r.Method, "path", r.URL.Path, "remote", r.RemoteAddr)
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
