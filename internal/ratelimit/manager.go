// Package ratelimit implements the Rate-Limit Tracker (§4.2): an in-process
// record of which accounts (optionally scoped to a model) are currently
// locked out, and for how long, derived from vendor error responses.
package ratelimit

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/store"
	"github.com/tidwall/gjson"
)

// Reason classifies why an account got locked out.
type Reason string

const (
	ReasonQuotaExhausted         Reason = "quota_exhausted"
	ReasonModelCapacityExhausted Reason = "model_capacity_exhausted"
	ReasonRateLimitExceeded      Reason = "rate_limit_exceeded"
	ReasonServerError            Reason = "server_error"
	ReasonUnknown                Reason = "unknown"
)

// defaultWait is the fallback lockout duration per Reason when neither a
// Retry-After header nor a parseable body hint is present.
var defaultWait = map[Reason]int{
	ReasonQuotaExhausted:         3600,
	ReasonModelCapacityExhausted: 120,
	ReasonRateLimitExceeded:      30,
	ReasonServerError:            20,
	ReasonUnknown:                60,
}

// Info is a single active lockout entry.
type Info struct {
	ResetAt    time.Time
	Reason     Reason
	Model      string
	DetectedAt time.Time
}

// Manager tracks per-account (and optionally per-account:model) lockouts.
// Lockouts are soft backoff hints: IsRateLimited reads only the in-memory
// map, so they reset on process restart, unlike the account's durable
// disabled/error state. Account-level lockouts are also copied onto the
// account record for display.
type Manager struct {
	mu     sync.RWMutex
	limits map[string]Info
	store  store.Store // optional: used only to surface state on the Account record
}

func NewManager(s store.Store) *Manager {
	return &Manager{limits: make(map[string]Info), store: s}
}

func key(accountID, model string) string {
	if model == "" {
		return accountID
	}
	return accountID + ":" + model
}

// GetRemainingWait returns the longer of the account-level and
// account:model-level remaining lockout, in seconds. Zero means unlocked.
func (m *Manager) GetRemainingWait(accountID, model string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	wait := remaining(m.limits[accountID])
	if model != "" {
		if w := remaining(m.limits[key(accountID, model)]); w > wait {
			wait = w
		}
	}
	return wait
}

func remaining(info Info) int {
	if info.ResetAt.IsZero() {
		return 0
	}
	d := time.Until(info.ResetAt)
	if d <= 0 {
		return 0
	}
	return int(d.Seconds())
}

// IsRateLimited reports whether accountID (optionally scoped to model) is
// currently locked out.
func (m *Manager) IsRateLimited(accountID, model string) bool {
	return m.GetRemainingWait(accountID, model) > 0
}

// SetLockout records a manual lockout until resetAt.
func (m *Manager) SetLockout(ctx context.Context, accountID string, resetAt time.Time, reason Reason, model string) {
	m.set(ctx, accountID, model, Info{ResetAt: resetAt, Reason: reason, Model: model, DetectedAt: time.Now()})
}

// RecordFromError classifies a vendor error response (§4.2 and §7) and
// records the resulting lockout. Only 429/500/503/529 are ever considered
// rate-limit-relevant; any other status is a no-op.
func (m *Manager) RecordFromError(ctx context.Context, accountID string, status int, retryAfterHeader, body, model string) *Info {
	if status != 429 && status != 500 && status != 503 && status != 529 {
		return nil
	}

	reason := ReasonServerError
	if status == 429 {
		reason = classifyReason(body)
	}

	waitSec := 0
	if retryAfterHeader != "" {
		if s, err := strconv.Atoi(strings.TrimSpace(retryAfterHeader)); err == nil {
			waitSec = s
		}
	}
	if waitSec == 0 {
		if s, ok := parseRetryFromBody(body); ok {
			waitSec = s
		}
	}
	if waitSec == 0 {
		waitSec = defaultWait[reason]
	}
	if waitSec < 2 {
		waitSec = 2 // safety floor: never allow a sub-2s busy retry loop
	}

	info := Info{
		ResetAt:    time.Now().Add(time.Duration(waitSec) * time.Second),
		Reason:     reason,
		Model:      model,
		DetectedAt: time.Now(),
	}
	m.set(ctx, accountID, model, info)

	slog.Warn("account rate limited", "accountId", accountID, "model", model,
		"status", status, "reason", reason, "waitSeconds", waitSec)
	return &info
}

func (m *Manager) set(ctx context.Context, accountID, model string, info Info) {
	m.mu.Lock()
	m.limits[key(accountID, model)] = info
	m.mu.Unlock()

	if m.store != nil && model == "" {
		resetMS := info.ResetAt.UnixMilli()
		_ = m.store.UpdateAccount(ctx, accountID, map[string]any{
			"rate_limited_at":     info.DetectedAt.UnixMilli(),
			"rate_limit_reason":   string(info.Reason),
			"rate_limit_reset_at": resetMS,
		})
	}
}

// Clear removes any lockout for accountID (account-level only).
func (m *Manager) Clear(accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.limits, accountID)
}

// Cleanup evicts all expired lockout entries; intended to run on a ticker.
func (m *Manager) Cleanup() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	n := 0
	for k, v := range m.limits {
		if !v.ResetAt.After(now) {
			delete(m.limits, k)
			n++
		}
	}
	return n
}

// RunCleanup periodically evicts expired lockouts until ctx is canceled.
func (m *Manager) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Cleanup()
		}
	}
}

// classifyReason inspects a vendor error body for the reason code Google's
// API embeds at error.details[0].reason, falling back to substring matches
// against the human-readable message.
func classifyReason(body string) Reason {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		reasonStr := gjson.Get(trimmed, "error.details.0.reason").String()
		switch reasonStr {
		case "QUOTA_EXHAUSTED":
			return ReasonQuotaExhausted
		case "RATE_LIMIT_EXCEEDED":
			return ReasonRateLimitExceeded
		case "":
			// fall through to text heuristics below
		default:
			return ReasonUnknown
		}
	}

	lower := strings.ToLower(body)
	switch {
	case strings.Contains(lower, "exhausted") || strings.Contains(lower, "quota"):
		if strings.Contains(lower, "model_capacity") ||
			strings.Contains(lower, "tokens per minute") ||
			strings.Contains(lower, "requests per minute") {
			return ReasonModelCapacityExhausted
		}
		return ReasonQuotaExhausted
	case strings.Contains(lower, "rate limit") || strings.Contains(lower, "too many requests"):
		return ReasonRateLimitExceeded
	default:
		return ReasonUnknown
	}
}

var (
	reTryAgainMinSec  = regexp.MustCompile(`(?i)try again in (\d+)m\s*(\d+)s`)
	reTryAfterSec     = regexp.MustCompile(`(?i)(?:try again in|backoff for|wait)\s*(\d+)s`)
	reQuotaResetIn    = regexp.MustCompile(`(?i)quota will reset in (\d+) second`)
	reRetryAfterWords = regexp.MustCompile(`(?i)retry after (\d+) second`)
	reWaitParens      = regexp.MustCompile(`\(wait (\d+)s\)`)
)

// parseRetryFromBody extracts a retry-after hint from a vendor error body,
// preferring the structured JSON shapes Google/OpenAI send before falling
// back to regex scraping of free-text messages (§4.2).
func parseRetryFromBody(body string) (int, bool) {
	trimmed := strings.TrimSpace(body)
	if strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		if delay := gjson.Get(trimmed, "error.details.0.metadata.quotaResetDelay").String(); delay != "" {
			if s, ok := parseDurationString(delay); ok {
				return s, true
			}
		}
		if retry := gjson.Get(trimmed, "error.retry_after"); retry.Exists() {
			return int(retry.Int()), true
		}
	}

	if m := reTryAgainMinSec.FindStringSubmatch(body); m != nil {
		min, _ := strconv.Atoi(m[1])
		sec, _ := strconv.Atoi(m[2])
		return min*60 + sec, true
	}
	if m := reTryAfterSec.FindStringSubmatch(body); m != nil {
		s, _ := strconv.Atoi(m[1])
		return s, true
	}
	if m := reQuotaResetIn.FindStringSubmatch(body); m != nil {
		s, _ := strconv.Atoi(m[1])
		return s, true
	}
	if m := reRetryAfterWords.FindStringSubmatch(body); m != nil {
		s, _ := strconv.Atoi(m[1])
		return s, true
	}
	if m := reWaitParens.FindStringSubmatch(body); m != nil {
		s, _ := strconv.Atoi(m[1])
		return s, true
	}
	return 0, false
}
