package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the single supported backend (§6: "exactly one
// SQLite-compatible database file"). Sticky sessions live in an in-memory
// TTLMap rather than a table since they are a scheduling cache, not
// durable state worth surviving a restart.
type SQLiteStore struct {
	db     *sql.DB
	sticky *TTLMap[string]
}

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single writer avoids SQLITE_BUSY under WAL

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SQLiteStore{db: db, sticky: NewTTLMap[string]()}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// --- Account CRUD ---

const accountCols = `id, email, status, schedulable, priority, tier, error_message,
	refresh_token_enc, access_token_enc, expires_at, project_id, is_current,
	created_at, last_used_at, last_refresh_at, proxy_json, ext_info_json, quota_json,
	disabled_reason, disabled_at, overloaded_at, overloaded_until,
	rate_limited_at, rate_limit_reason, rate_limit_reset_at`

func (s *SQLiteStore) CreateAccount(ctx context.Context, rec *AccountRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (`+accountCols+`) VALUES (
		?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Email, rec.Status, rec.Schedulable, rec.Priority, rec.Tier, rec.ErrorMessage,
		rec.RefreshTokenEnc, rec.AccessTokenEnc, rec.ExpiresAt, rec.ProjectID, rec.IsCurrent,
		rec.CreatedAt, rec.LastUsedAt, rec.LastRefreshAt, rec.ProxyJSON, rec.ExtInfoJSON, rec.QuotaJSON,
		rec.DisabledReason, rec.DisabledAt, rec.OverloadedAt, rec.OverloadedUntil,
		rec.RateLimitedAt, rec.RateLimitReason, rec.RateLimitResetAt,
	)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}
	return nil
}

func scanAccount(row interface{ Scan(...any) error }) (*AccountRecord, error) {
	var r AccountRecord
	if err := row.Scan(
		&r.ID, &r.Email, &r.Status, &r.Schedulable, &r.Priority, &r.Tier, &r.ErrorMessage,
		&r.RefreshTokenEnc, &r.AccessTokenEnc, &r.ExpiresAt, &r.ProjectID, &r.IsCurrent,
		&r.CreatedAt, &r.LastUsedAt, &r.LastRefreshAt, &r.ProxyJSON, &r.ExtInfoJSON, &r.QuotaJSON,
		&r.DisabledReason, &r.DisabledAt, &r.OverloadedAt, &r.OverloadedUntil,
		&r.RateLimitedAt, &r.RateLimitReason, &r.RateLimitResetAt,
	); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) GetAccount(ctx context.Context, id string) (*AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE id = ?`, id)
	rec, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (*AccountRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+accountCols+` FROM accounts WHERE email = ?`, email)
	rec, err := scanAccount(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account by email: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStore) ListAccounts(ctx context.Context) ([]*AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+accountCols+` FROM accounts ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var out []*AccountRecord
	for rows.Next() {
		rec, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("scan account: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateAccount applies a sparse field patch. Keys match AccountRecord's SQL
// column names; this mirrors the teacher's SetAccountFields convention but
// drops its camelCase translation table since callers here are internal Go
// code, not a Redis-hash-compatible HTTP API.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, id string, fields map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	set := ""
	args := make([]any, 0, len(fields)+1)
	for col, val := range fields {
		if set != "" {
			set += ", "
		}
		set += col + " = ?"
		args = append(args, val)
	}
	args = append(args, id)
	_, err := s.db.ExecContext(ctx, `UPDATE accounts SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("update account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAccount(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete account: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SetCurrentAccount(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_current = 0`); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_current = 1 WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Sticky sessions (in-memory, TTL-expiring) ---

func (s *SQLiteStore) GetStickySession(ctx context.Context, sessionHash string) (string, bool) {
	return s.sticky.Get(sessionHash)
}

func (s *SQLiteStore) SetStickySession(ctx context.Context, sessionHash, accountID string, ttl time.Duration) {
	s.sticky.Set(sessionHash, accountID, ttl)
}

func (s *SQLiteStore) DeleteStickySession(ctx context.Context, sessionHash string) {
	s.sticky.Delete(sessionHash)
}

// --- Config ---

func (s *SQLiteStore) GetConfig(ctx context.Context, key string) (string, bool) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value_json FROM configs WHERE key = ?`, key).Scan(&v)
	if err != nil {
		return "", false
	}
	return v, true
}

func (s *SQLiteStore) SetConfig(ctx context.Context, key, valueJSON string) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO configs (key, value_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value_json = excluded.value_json, updated_at = excluded.updated_at`,
		key, valueJSON, time.Now().UnixMilli())
	return err
}

// --- Log Sink ---

func (s *SQLiteStore) InsertLog(ctx context.Context, e *ProxyLogEntry) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO proxy_logs
		(request_id, account_id, surface, model, status_code, error_kind, duration_ms,
		 input_tokens, output_tokens, streamed, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.RequestID, e.AccountID, e.Surface, e.Model, e.StatusCode, e.ErrorKind, e.DurationMS,
		e.InputTokens, e.OutputTokens, e.Streamed, e.CreatedAt.UnixMilli())
	return err
}

func (s *SQLiteStore) QueryLogs(ctx context.Context, q ProxyLogQuery) ([]*ProxyLogEntry, error) {
	where := `WHERE created_at >= ?`
	args := []any{q.Since.UnixMilli()}
	if q.AccountID != "" {
		where += ` AND account_id = ?`
		args = append(args, q.AccountID)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `SELECT request_id, account_id, surface, model, status_code,
		error_kind, duration_ms, input_tokens, output_tokens, streamed, created_at
		FROM proxy_logs `+where+` ORDER BY created_at DESC LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []*ProxyLogEntry
	for rows.Next() {
		var e ProxyLogEntry
		var createdAtMS int64
		var streamed bool
		if err := rows.Scan(&e.RequestID, &e.AccountID, &e.Surface, &e.Model, &e.StatusCode,
			&e.ErrorKind, &e.DurationMS, &e.InputTokens, &e.OutputTokens, &streamed, &createdAtMS); err != nil {
			return nil, err
		}
		e.Streamed = streamed
		e.CreatedAt = time.UnixMilli(createdAtMS)
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) PurgeOldLogs(ctx context.Context, keep int) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM proxy_logs WHERE id NOT IN (
		SELECT id FROM proxy_logs ORDER BY created_at DESC LIMIT ?)`, keep)
	return err
}
