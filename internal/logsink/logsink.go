// Package logsink implements the Log Sink (§4.11): an append-only record of
// completed requests, written fire-and-forget so the request path never
// blocks on the write, with a bounded-retention sweep.
package logsink

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/relaydev/antigravity-proxy/internal/store"
)

// Entry is what a dispatch Handler hands to Record after each request.
type Entry struct {
	AccountID    string
	Surface      string
	Model        string
	StatusCode   int
	ErrorKind    string
	DurationMS   int64
	InputTokens  int
	OutputTokens int
	Streamed     bool
}

// Sink writes proxy_logs rows non-blockingly and enforces the retention cap.
type Sink struct {
	store         store.Store
	retentionKeep int
}

func New(s store.Store, retentionKeep int) *Sink {
	return &Sink{store: s, retentionKeep: retentionKeep}
}

// Record writes entry in its own goroutine so the caller's request path
// never waits on the database, per §4.11 "non-blocking... fire-and-forget".
func (s *Sink) Record(ctx context.Context, e *Entry) {
	if s.store == nil || e == nil {
		return
	}
	rec := &store.ProxyLogEntry{
		RequestID:    "req-" + uuid.NewString(),
		AccountID:    e.AccountID,
		Surface:      e.Surface,
		Model:        e.Model,
		StatusCode:   e.StatusCode,
		ErrorKind:    e.ErrorKind,
		DurationMS:   e.DurationMS,
		InputTokens:  e.InputTokens,
		OutputTokens: e.OutputTokens,
		Streamed:     e.Streamed,
		CreatedAt:    time.Now().UTC(),
	}
	go func() {
		if err := s.store.InsertLog(context.Background(), rec); err != nil {
			slog.Error("log sink write failed", "error", err)
		}
	}()
}

// List returns the most recent entries, newest first, honoring
// (limit, offset) paging.
func (s *Sink) List(ctx context.Context, accountID string, limit, offset int) ([]*store.ProxyLogEntry, error) {
	entries, err := s.store.QueryLogs(ctx, store.ProxyLogQuery{AccountID: accountID, Limit: limit + offset})
	if err != nil {
		return nil, err
	}
	if offset >= len(entries) {
		return nil, nil
	}
	end := offset + limit
	if end > len(entries) {
		end = len(entries)
	}
	return entries[offset:end], nil
}

// RunRetentionSweep deletes rows beyond the configured retention count on
// a fixed interval until ctx is canceled.
func (s *Sink) RunRetentionSweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.PurgeOldLogs(ctx, s.retentionKeep); err != nil {
				slog.Error("log retention sweep failed", "error", err)
			}
		}
	}
}

// Clear purges all log rows (the §4.11 "clear()" operation).
func (s *Sink) Clear(ctx context.Context) error {
	return s.store.PurgeOldLogs(ctx, 0)
}
