// Package store persists accounts, scheduling config and the request log
// behind a single interface, backed by SQLite; sticky sessions are held in
// memory only.
package store

import (
	"context"
	"time"
)

// AccountRecord is the wire shape the account package maps Account to/from.
// Fields are strings/int64 to keep the storage layer free of domain types,
// matching the teacher's map[string]string convention but typed where the
// conversion is unambiguous.
type AccountRecord struct {
	ID               string
	Email            string
	Status           string // created|active|error|disabled
	Schedulable      bool
	Priority         int
	Tier             string // ultra|pro|free|unknown
	ErrorMessage     string
	RefreshTokenEnc  string
	AccessTokenEnc   string
	ExpiresAt        int64 // unix millis
	ProjectID        string
	IsCurrent        bool
	CreatedAt        int64
	LastUsedAt       *int64
	LastRefreshAt    *int64
	ProxyJSON        string
	ExtInfoJSON      string
	QuotaJSON        string
	DisabledReason   string
	DisabledAt       *int64
	OverloadedAt     *int64
	OverloadedUntil  *int64
	RateLimitedAt    *int64
	RateLimitReason  string
	RateLimitResetAt *int64
}

// ProxyLogEntry is one row written by the Log Sink (§4.11).
type ProxyLogEntry struct {
	RequestID    string
	AccountID    string
	Surface      string // openai|claude|gemini
	Model        string
	StatusCode   int
	ErrorKind    string
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	Streamed     bool
	CreatedAt    time.Time
}

// ProxyLogQuery filters ProxyLogEntry listing.
type ProxyLogQuery struct {
	AccountID string
	Since     time.Time
	Limit     int
}

// Store is the persistence boundary. A single static bearer key guards the
// whole API surface (§1 Non-goals), so unlike the teacher there is no user
// table, no OAuth browser-login session, no stainless header cache and no
// store-backed refresh lock — singleflight replaces the latter in-process.
type Store interface {
	// Account CRUD (§4.1)
	CreateAccount(ctx context.Context, rec *AccountRecord) error
	GetAccount(ctx context.Context, id string) (*AccountRecord, error)
	GetAccountByEmail(ctx context.Context, email string) (*AccountRecord, error)
	ListAccounts(ctx context.Context) ([]*AccountRecord, error)
	UpdateAccount(ctx context.Context, id string, fields map[string]any) error
	DeleteAccount(ctx context.Context, id string) error
	SetCurrentAccount(ctx context.Context, id string) error

	// Sticky session binding (§4.5): sessionHash -> accountID, TTL-expiring.
	GetStickySession(ctx context.Context, sessionHash string) (string, bool)
	SetStickySession(ctx context.Context, sessionHash, accountID string, ttl time.Duration)
	DeleteStickySession(ctx context.Context, sessionHash string)

	// Reloadable scheduling/model-mapping config (§6 config schema).
	GetConfig(ctx context.Context, key string) (string, bool)
	SetConfig(ctx context.Context, key, valueJSON string) error

	// Log Sink (§4.11)
	InsertLog(ctx context.Context, entry *ProxyLogEntry) error
	QueryLogs(ctx context.Context, q ProxyLogQuery) ([]*ProxyLogEntry, error)
	PurgeOldLogs(ctx context.Context, keep int) error

	Close() error
}
