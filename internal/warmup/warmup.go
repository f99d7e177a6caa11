// Package warmup implements the Warm-up Scheduler (§4.10): a background
// loop that watches each pooled account's quota and fires a synthetic
// upstream request the moment a whitelisted model resets to 100%, so the
// proxy claims that quota window before a real client request needs it.
package warmup

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/config"
)

// whitelist is the fixed set of models worth warming, per §4.10.
var whitelist = map[string]bool{
	"gemini-3-flash":      true,
	"claude-sonnet-4-5":   true,
	"gemini-3-pro-high":   true,
	"gemini-3-pro-image":  true,
}

// modelRemap folds a legacy model name onto its current equivalent before
// whitelist/history checks, per §4.10 "gemini-2.5-flash → gemini-3-flash".
var modelRemap = map[string]string{
	"gemini-2.5-flash": "gemini-3-flash",
}

const (
	historyTTL   = 24 * time.Hour
	interTaskGap = 2 * time.Second
	nearReadyPct = 80
	nearReadyRetries = 2
	nearReadyDelay   = 15 * time.Second
)

// TransportProvider supplies the per-account HTTP client used for the
// quota call, matching the transport the rest of the proxy uses.
type TransportProvider interface {
	GetClient(acct *account.Account) *http.Client
}

type task struct {
	email      string
	model      string
	token      string
	projectID  string
	percentage int
}

// Scheduler runs the 10-minute warm-up tick.
type Scheduler struct {
	accounts  *account.Store
	tokens    *account.TokenManager
	transport TransportProvider
	cfg       *config.Config
	selfURL   string // this process's own /internal/warmup endpoint

	mu      sync.Mutex
	history map[string]int64 // "email:model:100" -> unix seconds
}

func New(accounts *account.Store, tokens *account.TokenManager, tp TransportProvider, cfg *config.Config, selfURL string) *Scheduler {
	return &Scheduler{
		accounts:  accounts,
		tokens:    tokens,
		transport: tp,
		cfg:       cfg,
		selfURL:   selfURL,
		history:   make(map[string]int64),
	}
}

// Run blocks, ticking every cfg.WarmupInterval until ctx is canceled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.WarmupInterval)
	defer ticker.Stop()

	slog.Info("warmup scheduler started", "interval", s.cfg.WarmupInterval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one collection+dispatch cycle, with the "near-ready" retry
// described in §4.10: if some model sits at ≥80% but nothing hit exactly
// 100%, the collection phase is retried up to twice with a 15s delay.
func (s *Scheduler) tick(ctx context.Context) {
	if !s.cfg.WarmupEnabled {
		return
	}

	accounts, err := s.accounts.List(ctx)
	if err != nil {
		slog.Debug("warmup: failed to list accounts", "error", err)
		return
	}
	if len(accounts) == 0 {
		return
	}

	tasks, nearReady := s.collect(ctx, accounts)
	for attempt := 0; attempt < nearReadyRetries && len(tasks) == 0 && nearReady; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(nearReadyDelay):
		}
		tasks, nearReady = s.collect(ctx, accounts)
	}

	if len(tasks) > 0 {
		slog.Info("warmup: dispatching tasks", "count", len(tasks))
		s.execute(ctx, tasks)
	}

	s.sweepHistory()
}

// collect scans every account's live quota and returns the warm-up tasks
// due this cycle, plus whether any model is "near ready" (≥80%, <100%).
func (s *Scheduler) collect(ctx context.Context, accounts []*account.Account) ([]task, bool) {
	var tasks []task
	nearReady := false
	now := time.Now().Unix()

	for _, acct := range accounts {
		if acct.Status == "disabled" || !acct.Schedulable {
			continue
		}

		accessToken, err := s.tokens.EnsureValidToken(ctx, acct.ID)
		if err != nil {
			slog.Debug("warmup: token unavailable, skipping account", "accountId", acct.ID, "error", err)
			continue
		}

		client := s.transport.GetClient(acct)
		quota, err := account.FetchQuota(ctx, client, s.cfg.QuotaURL, accessToken, acct.ProjectID)
		if err != nil {
			slog.Debug("warmup: quota fetch failed", "accountId", acct.ID, "error", err)
			continue
		}

		for name, m := range quota.Models {
			pct := int(m.PercentRemaining)
			historyKey := fmt.Sprintf("%s:%s:100", acct.Email, name)

			switch {
			case pct == 100:
				s.mu.Lock()
				_, seen := s.history[historyKey]
				if !seen {
					s.history[historyKey] = now
				}
				s.mu.Unlock()
				if seen {
					continue
				}

				modelToPing := name
				if remapped, ok := modelRemap[modelToPing]; ok {
					modelToPing = remapped
				}
				if !whitelist[modelToPing] {
					continue
				}

				tasks = append(tasks, task{
					email:      acct.Email,
					model:      modelToPing,
					token:      accessToken,
					projectID:  acct.ProjectID,
					percentage: pct,
				})

			case pct >= nearReadyPct:
				nearReady = true
				s.mu.Lock()
				delete(s.history, historyKey)
				s.mu.Unlock()

			default:
				s.mu.Lock()
				delete(s.history, historyKey)
				s.mu.Unlock()
			}
		}
	}

	return tasks, nearReady
}

// execute fires each warm-up task serially with a 2s gap, decoupling the
// vendor-call shape from the scheduler by POSTing to the proxy's own
// /internal/warmup endpoint instead of calling upstream directly.
func (s *Scheduler) execute(ctx context.Context, tasks []task) {
	for i, t := range tasks {
		if ctx.Err() != nil {
			return
		}

		body, _ := json.Marshal(map[string]string{
			"email":        t.email,
			"model":        t.model,
			"access_token": t.token,
			"project_id":   t.projectID,
		})

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.selfURL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				slog.Warn("warmup: self-post failed", "model", t.model, "email", t.email, "error", err)
			} else {
				resp.Body.Close()
				slog.Info("warmup: triggered", "model", t.model, "email", t.email, "pct", t.percentage)
			}
		}

		if i < len(tasks)-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interTaskGap):
			}
		}
	}
}

// sweepHistory drops entries older than 24h so a quota window that never
// drops below 100% (unlikely, but not impossible) doesn't wedge the
// history map open forever.
func (s *Scheduler) sweepHistory() {
	cutoff := time.Now().Add(-historyTTL).Unix()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, ts := range s.history {
		if ts < cutoff {
			delete(s.history, k)
		}
	}
}
