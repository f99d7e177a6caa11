package account

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/relaydev/antigravity-proxy/internal/store"
)

const oauthSalt = "antigravity-oauth"

// Tier reflects the OAuth plan associated with the account (§3 Data Model),
// used by the scheduler's priority sort.
type Tier string

const (
	TierUltra   Tier = "ultra"
	TierPro     Tier = "pro"
	TierFree    Tier = "free"
	TierUnknown Tier = "unknown"
)

// Account is a single pooled Google OAuth identity.
type Account struct {
	ID            string
	Email         string
	Status        string // created|active|error|disabled
	Schedulable   bool
	Priority      int
	Tier          Tier
	ErrorMessage  string
	ExpiresAt     time.Time
	ProjectID     string
	IsCurrent     bool
	CreatedAt     time.Time
	LastUsedAt    *time.Time
	LastRefreshAt *time.Time

	Proxy   *ProxyConfig
	Quota   *QuotaSnapshot
	ExtInfo map[string]any

	DisabledReason string
	DisabledAt     *time.Time

	OverloadedAt    *time.Time
	OverloadedUntil *time.Time

	RateLimitedAt    *time.Time
	RateLimitReason  string
	RateLimitResetAt *time.Time
}

type ProxyConfig struct {
	Type     string `json:"type"` // socks5|http|https
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
}

// QuotaSnapshot is the latest per-model quota seen from fetchAvailableModels
// (§4.10 warm-up scheduler, §3 QuotaRecord).
type QuotaSnapshot struct {
	FetchedAt time.Time             `json:"fetchedAt"`
	Models    map[string]ModelQuota `json:"models"`
}

type ModelQuota struct {
	PercentRemaining float64 `json:"percentRemaining"`
	ResetAt          *int64  `json:"resetAt,omitempty"` // unix millis
}

// Store manages pooled accounts: CRUD, token storage, and the single
// "current" account flag used by the CLI onboarding flow the teacher
// exposes for its own accounts.
type Store struct {
	store  store.Store
	crypto *Crypto
}

func NewStore(s store.Store, c *Crypto) *Store {
	return &Store{store: s, crypto: c}
}

// Create upserts a pooled account by email (§4.1 "upsert(email, name,
// token)"): a repeat OAuth exchange for an email already in the pool
// replaces its tokens in place rather than creating a duplicate row; a new
// email inserts fresh and, if it is the first account in the pool, becomes
// the current account.
func (s *Store) Create(ctx context.Context, email, refreshToken, accessToken string, expiresAt time.Time, priority int) (*Account, error) {
	encRefresh, err := s.crypto.Encrypt(refreshToken, oauthSalt)
	if err != nil {
		return nil, err
	}
	encAccess := ""
	if accessToken != "" {
		encAccess, err = s.crypto.Encrypt(accessToken, oauthSalt)
		if err != nil {
			return nil, err
		}
	}

	existing, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		fields := map[string]any{
			"refresh_token_enc": encRefresh,
			"access_token_enc":  encAccess,
			"expires_at":        expiresAt.UnixMilli(),
			"status":            "active",
			"error_message":     "",
		}
		if err := s.store.UpdateAccount(ctx, existing.ID, fields); err != nil {
			return nil, err
		}
		return s.Get(ctx, existing.ID)
	}

	all, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	now := time.Now().UTC()
	rec := &store.AccountRecord{
		ID:              id,
		Email:           email,
		Status:          "created",
		Schedulable:     true,
		Priority:        priority,
		Tier:            string(TierUnknown),
		RefreshTokenEnc: encRefresh,
		AccessTokenEnc:  encAccess,
		ExpiresAt:       expiresAt.UnixMilli(),
		IsCurrent:       len(all) == 0,
		CreatedAt:       now.UnixMilli(),
	}
	if err := s.store.CreateAccount(ctx, rec); err != nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *Store) Get(ctx context.Context, id string) (*Account, error) {
	rec, err := s.store.GetAccount(ctx, id)
	if err != nil || rec == nil {
		return nil, err
	}
	return fromRecord(rec), nil
}

func (s *Store) List(ctx context.Context) ([]*Account, error) {
	recs, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]*Account, 0, len(recs))
	for _, rec := range recs {
		out = append(out, fromRecord(rec))
	}
	return out, nil
}

// Delete removes an account and, if it was the current account, promotes
// the first remaining account in List order (highest priority, then
// earliest-created) to current so Testable Property 1
// (exactly one is_current=true iff the pool is non-empty) keeps holding.
func (s *Store) Delete(ctx context.Context, id string) error {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return err
	}
	if acct == nil || !acct.IsCurrent {
		return nil
	}

	remaining, err := s.store.ListAccounts(ctx)
	if err != nil || len(remaining) == 0 {
		return err
	}
	return s.store.SetCurrentAccount(ctx, remaining[0].ID)
}

// SetDisabled disables an account with a reason (§4.1 "set_disabled"),
// e.g. a refresh token revoked upstream or an operator-initiated pause.
func (s *Store) SetDisabled(ctx context.Context, id, reason string) error {
	now := time.Now().UTC().UnixMilli()
	return s.store.UpdateAccount(ctx, id, map[string]any{
		"status":          "disabled",
		"schedulable":     false,
		"disabled_reason": reason,
		"disabled_at":     now,
	})
}

// MarkError records a transient failure without removing the account from
// the pool (the scheduler still treats status "error" as schedulable only
// when Schedulable stays true; callers that want it excluded call
// SetDisabled instead).
func (s *Store) MarkError(ctx context.Context, id, message string) error {
	return s.store.UpdateAccount(ctx, id, map[string]any{
		"status":        "error",
		"error_message": message,
	})
}

// SetCurrent marks id as the single "current" account (used by CLI tooling
// mirroring the teacher's onboarding flow; scheduling never reads this flag).
func (s *Store) SetCurrent(ctx context.Context, id string) error {
	return s.store.SetCurrentAccount(ctx, id)
}

// UpdateProjectID persists the resolved Cloud project for an account
// (§4.4 Project Resolver).
func (s *Store) UpdateProjectID(ctx context.Context, id, projectID string) error {
	return s.store.UpdateAccount(ctx, id, map[string]any{"project_id": projectID})
}

// UpdateTier persists the subscription tier resolved from loadCodeAssist
// (§4.4 Project Resolver), read by the scheduler's tier-priority sort.
func (s *Store) UpdateTier(ctx context.Context, id string, tier Tier) error {
	return s.store.UpdateAccount(ctx, id, map[string]any{"tier": string(tier)})
}

// UpdateTokens persists a fresh access token after a refresh (§4.3 Token
// Refresher). refreshToken is optional: Google does not always rotate it.
func (s *Store) UpdateTokens(ctx context.Context, id, accessToken string, expiresAt time.Time, refreshToken string) error {
	encAccess, err := s.crypto.Encrypt(accessToken, oauthSalt)
	if err != nil {
		return err
	}
	now := time.Now().UTC().UnixMilli()
	fields := map[string]any{
		"access_token_enc": encAccess,
		"expires_at":       expiresAt.UnixMilli(),
		"last_refresh_at":  now,
		"status":           "active",
		"error_message":    "",
	}
	if refreshToken != "" {
		encRefresh, err := s.crypto.Encrypt(refreshToken, oauthSalt)
		if err != nil {
			return err
		}
		fields["refresh_token_enc"] = encRefresh
	}
	return s.store.UpdateAccount(ctx, id, fields)
}

// UpdateQuota persists the latest fetchAvailableModels snapshot (§4.10).
func (s *Store) UpdateQuota(ctx context.Context, id string, q *QuotaSnapshot) error {
	b, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return s.store.UpdateAccount(ctx, id, map[string]any{"quota_json": string(b)})
}

// TouchLastUsed records the account was just selected by the scheduler.
func (s *Store) TouchLastUsed(ctx context.Context, id string) error {
	return s.store.UpdateAccount(ctx, id, map[string]any{"last_used_at": time.Now().UTC().UnixMilli()})
}

// DecryptedAccessToken returns the plaintext access token stored in enc.
func (s *Store) DecryptedAccessToken(enc string) (string, error) {
	return s.crypto.Decrypt(enc, oauthSalt)
}

// DecryptedRefreshToken returns the plaintext refresh token stored in enc.
func (s *Store) DecryptedRefreshToken(enc string) (string, error) {
	return s.crypto.Decrypt(enc, oauthSalt)
}

// RawRecord exposes the raw encrypted fields for callers (token refresher)
// that must decrypt on demand rather than eagerly for every listed account.
func (s *Store) RawRecord(ctx context.Context, id string) (*store.AccountRecord, error) {
	return s.store.GetAccount(ctx, id)
}

func fromRecord(rec *store.AccountRecord) *Account {
	a := &Account{
		ID:              rec.ID,
		Email:           rec.Email,
		Status:          rec.Status,
		Schedulable:     rec.Schedulable,
		Priority:        rec.Priority,
		Tier:            Tier(rec.Tier),
		ErrorMessage:    rec.ErrorMessage,
		ExpiresAt:       time.UnixMilli(rec.ExpiresAt),
		ProjectID:       rec.ProjectID,
		IsCurrent:       rec.IsCurrent,
		CreatedAt:       time.UnixMilli(rec.CreatedAt),
		DisabledReason:  rec.DisabledReason,
		RateLimitReason: rec.RateLimitReason,
	}
	if rec.LastUsedAt != nil {
		t := time.UnixMilli(*rec.LastUsedAt)
		a.LastUsedAt = &t
	}
	if rec.LastRefreshAt != nil {
		t := time.UnixMilli(*rec.LastRefreshAt)
		a.LastRefreshAt = &t
	}
	if rec.DisabledAt != nil {
		t := time.UnixMilli(*rec.DisabledAt)
		a.DisabledAt = &t
	}
	if rec.OverloadedAt != nil {
		t := time.UnixMilli(*rec.OverloadedAt)
		a.OverloadedAt = &t
	}
	if rec.OverloadedUntil != nil {
		t := time.UnixMilli(*rec.OverloadedUntil)
		a.OverloadedUntil = &t
	}
	if rec.RateLimitedAt != nil {
		t := time.UnixMilli(*rec.RateLimitedAt)
		a.RateLimitedAt = &t
	}
	if rec.RateLimitResetAt != nil {
		t := time.UnixMilli(*rec.RateLimitResetAt)
		a.RateLimitResetAt = &t
	}
	if rec.ProxyJSON != "" {
		var p ProxyConfig
		if json.Unmarshal([]byte(rec.ProxyJSON), &p) == nil {
			a.Proxy = &p
		}
	}
	if rec.ExtInfoJSON != "" {
		var ext map[string]any
		if json.Unmarshal([]byte(rec.ExtInfoJSON), &ext) == nil {
			a.ExtInfo = ext
		}
	}
	if rec.QuotaJSON != "" {
		var q QuotaSnapshot
		if json.Unmarshal([]byte(rec.QuotaJSON), &q) == nil {
			a.Quota = &q
		}
	}
	return a
}
