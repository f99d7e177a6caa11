// Package scheduler implements the Token Manager / Scheduler (§4.5): it
// picks which pooled account serves a request, honoring sticky sessions,
// tier priority, round-robin fairness and rate-limit/refresh state.
package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/account"
	"github.com/relaydev/antigravity-proxy/internal/apperr"
	"github.com/relaydev/antigravity-proxy/internal/config"
	"github.com/relaydev/antigravity-proxy/internal/ratelimit"
	"github.com/relaydev/antigravity-proxy/internal/store"
)

// lastUsedStickyWindow is the "last-used sticky for 60 seconds" window of
// spec §4.5 step 2, distinct from the session-hash sticky-session binding.
const lastUsedStickyWindow = 60 * time.Second

// RequestKind distinguishes request shapes that affect scheduling, replacing
// the ad hoc `quota_group == "image_gen"` string comparison: every call site
// now names one of these instead of re-deriving it from a raw field.
type RequestKind string

const (
	KindChat      RequestKind = "chat"
	KindImageGen  RequestKind = "image_gen"
	KindEmbedding RequestKind = "embedding"
)

var tierRank = map[account.Tier]int{
	account.TierUltra:   3,
	account.TierPro:     2,
	account.TierFree:    1,
	account.TierUnknown: 0,
}

// Scheduler selects accounts for requests.
type Scheduler struct {
	store    store.Store
	accounts *account.Store
	tokens   *account.TokenManager
	limiter  *ratelimit.Manager
	cfg      *config.Config
	rrCursor uint64

	// lastUsedMu guards lastUsed, taken only briefly, per spec §4.5's
	// "last_used_account tuple is protected by a single mutex".
	lastUsedMu sync.Mutex
	lastUsed   *lastUsedAccount
}

type lastUsedAccount struct {
	id string
	at time.Time
}

func New(s store.Store, as *account.Store, tm *account.TokenManager, lim *ratelimit.Manager, cfg *config.Config) *Scheduler {
	return &Scheduler{store: s, accounts: as, tokens: tm, limiter: lim, cfg: cfg}
}

// SelectOptions provides context for account selection.
type SelectOptions struct {
	BoundAccountID string // a sticky binding the caller already resolved
	SessionHash    string // for sticky-session lookup/bind
	Model          string // for rate-limit / quota scoping
	Kind           RequestKind
	ExcludeIDs     []string // accounts to skip (failed on this request already)
}

// Select picks the best available account for a request and returns a
// ready-to-use access token alongside it, resolving its project ID and
// refreshing its access token first if either is stale.
func (s *Scheduler) Select(ctx context.Context, opts SelectOptions) (*account.Account, string, error) {
	acct, err := s.pick(ctx, opts)
	if err != nil {
		return nil, "", err
	}

	token, err := s.tokens.EnsureValidToken(ctx, acct.ID)
	if err != nil {
		return nil, "", apperr.Wrap(apperr.KindRefresh, "ensure valid token", err)
	}

	if acct.ProjectID == "" {
		// tokens.EnsureValidToken just resolved and persisted it if the
		// upstream call succeeded; acct here is the pre-resolution snapshot,
		// so reload it to return the resolved project ID.
		if fresh, err := s.accounts.Get(ctx, acct.ID); err == nil && fresh != nil {
			acct = fresh
		} else {
			slog.Debug("account missing project id", "accountId", acct.ID)
		}
	}

	_ = s.accounts.TouchLastUsed(ctx, acct.ID)
	return acct, token, nil
}

func (s *Scheduler) pick(ctx context.Context, opts SelectOptions) (*account.Account, error) {
	// 1. Explicit bound account (e.g. an API-key-to-account pin) wins outright.
	if opts.BoundAccountID != "" {
		acct, err := s.accounts.Get(ctx, opts.BoundAccountID)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, "load bound account", err)
		}
		if acct == nil {
			return nil, apperr.Input("bound account does not exist")
		}
		if !s.isAvailable(acct, opts) {
			return nil, apperr.Pool(s.limiter.GetRemainingWait(acct.ID, opts.Model))
		}
		return acct, nil
	}

	// 2. Sticky session. CacheFirst waits (up to MaxWaitSeconds) for the
	// bound account to come back available rather than fanning out, since
	// the whole point of stickiness is cache locality on the vendor side.
	if opts.SessionHash != "" {
		if acctID, ok := s.store.GetStickySession(ctx, opts.SessionHash); ok && !contains(opts.ExcludeIDs, acctID) {
			acct, err := s.accounts.Get(ctx, acctID)
			if err == nil && acct != nil {
				if s.isAvailable(acct, opts) {
					s.store.SetStickySession(ctx, opts.SessionHash, acctID, s.cfg.StickySessionTTL)
					return acct, nil
				}
				if s.cfg.SchedulingMode == config.ModeCacheFirst {
					if acct2, ok := s.waitForStickyAccount(ctx, opts, acctID); ok {
						return acct2, nil
					}
				}
			}
		}
	}

	// 3. Last-used sticky for 60 seconds, skipped for image-generation
	// requests (spec §4.5 step 2) — distinct from the session-hash sticky
	// binding above, which only applies when the caller supplied one.
	if opts.Kind != KindImageGen {
		if acct, ok := s.tryLastUsed(ctx, opts); ok {
			return acct, nil
		}
	}

	// 4. Pool selection (round-robin within the top priority tier).
	all, err := s.accounts.List(ctx)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "list accounts", err)
	}

	var candidates []*account.Account
	for _, acct := range all {
		if contains(opts.ExcludeIDs, acct.ID) {
			continue
		}
		if !s.isAvailable(acct, opts) {
			continue
		}
		candidates = append(candidates, acct)
	}
	if len(candidates) == 0 {
		return nil, apperr.Pool(s.shortestWait(all, opts.Model))
	}

	sortCandidates(candidates, s.cfg.SchedulingMode)

	selected := s.selectFromSorted(candidates)
	s.setLastUsed(selected.ID)

	if opts.SessionHash != "" && opts.Kind != KindImageGen {
		s.store.SetStickySession(ctx, opts.SessionHash, selected.ID, s.cfg.StickySessionTTL)
	}

	slog.Debug("account selected", "accountId", selected.ID, "email", selected.Email, "tier", selected.Tier)
	return selected, nil
}

// tryLastUsed reuses the account recorded by the previous round-robin pick
// if it is still within the 60s window, not excluded on this attempt, and
// still available.
func (s *Scheduler) tryLastUsed(ctx context.Context, opts SelectOptions) (*account.Account, bool) {
	s.lastUsedMu.Lock()
	last := s.lastUsed
	s.lastUsedMu.Unlock()

	if last == nil || time.Since(last.at) > lastUsedStickyWindow || contains(opts.ExcludeIDs, last.id) {
		return nil, false
	}
	acct, err := s.accounts.Get(ctx, last.id)
	if err != nil || acct == nil || !s.isAvailable(acct, opts) {
		return nil, false
	}
	return acct, true
}

func (s *Scheduler) setLastUsed(id string) {
	s.lastUsedMu.Lock()
	s.lastUsed = &lastUsedAccount{id: id, at: time.Now()}
	s.lastUsedMu.Unlock()
}

// waitForStickyAccount polls once per second, up to MaxWaitSeconds, for a
// sticky-bound account to clear its lockout — CacheFirst prefers a short
// wait over losing cache locality by switching accounts.
func (s *Scheduler) waitForStickyAccount(ctx context.Context, opts SelectOptions, accountID string) (*account.Account, bool) {
	deadline := time.Now().Add(time.Duration(s.cfg.MaxWaitSeconds) * time.Second)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return nil, false
		case <-ticker.C:
			acct, err := s.accounts.Get(ctx, accountID)
			if err == nil && acct != nil && s.isAvailable(acct, opts) {
				return acct, true
			}
		}
	}
	return nil, false
}

// selectFromSorted applies round-robin within the top priority tier so load
// spreads across equally-ranked accounts instead of hammering candidates[0].
func (s *Scheduler) selectFromSorted(sorted []*account.Account) *account.Account {
	if s.cfg.SchedulingMode == config.ModePerformanceFirst {
		return sorted[0]
	}

	topRank := tierRank[sorted[0].Tier]
	var top []*account.Account
	for _, a := range sorted {
		if tierRank[a.Tier] != topRank {
			break
		}
		top = append(top, a)
	}
	idx := atomic.AddUint64(&s.rrCursor, 1) % uint64(len(top))
	return top[idx]
}

func sortCandidates(candidates []*account.Account, mode config.SchedulingMode) {
	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := tierRank[candidates[i].Tier], tierRank[candidates[j].Tier]
		if ri != rj {
			return ri > rj
		}
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		ti, tj := timeOrZero(candidates[i].LastUsedAt), timeOrZero(candidates[j].LastUsedAt)
		return ti.Before(tj)
	})
}

// isAvailable checks if an account can handle a request right now.
func (s *Scheduler) isAvailable(acct *account.Account, opts SelectOptions) bool {
	if acct.Status == "disabled" || !acct.Schedulable {
		return false
	}
	if acct.OverloadedUntil != nil && time.Now().Before(*acct.OverloadedUntil) {
		return false
	}
	if s.limiter != nil && s.limiter.IsRateLimited(acct.ID, opts.Model) {
		return false
	}
	return true
}

func (s *Scheduler) shortestWait(all []*account.Account, model string) int {
	if s.limiter == nil || len(all) == 0 {
		return 30
	}
	best := -1
	for _, a := range all {
		w := s.limiter.GetRemainingWait(a.ID, model)
		if w == 0 {
			continue
		}
		if best == -1 || w < best {
			best = w
		}
	}
	if best == -1 {
		return 30
	}
	return best
}

// ComputeSessionHash generates a hash from request content for sticky
// session binding, preferring an explicit session id embedded in the
// caller's user id, then falling back to hashing a content prefix.
func ComputeSessionHash(userID, systemPrompt, firstMessage string) string {
	if idx := strings.LastIndex(userID, "session_"); idx >= 0 {
		return hashStr("session:" + userID[idx:])
	}
	if systemPrompt != "" {
		return hashStr("system:" + systemPrompt[:min(len(systemPrompt), 200)])
	}
	if firstMessage != "" {
		return hashStr("msg:" + firstMessage[:min(len(firstMessage), 200)])
	}
	return ""
}

func hashStr(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:16])
}

func contains(list []string, item string) bool {
	for _, v := range list {
		if v == item {
			return true
		}
	}
	return false
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
