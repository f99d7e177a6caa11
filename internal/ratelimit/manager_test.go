package ratelimit

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestParseDurationStringComposite(t *testing.T) {
	cases := map[string]int{
		"2h1m1s": 2*3600 + 60 + 1,
		"1h30m":  3600 + 30*60,
		"42s":    42,
		"500ms":  1,
	}
	for input, want := range cases {
		got, ok := parseDurationString(input)
		if !ok || got != want {
			t.Errorf("parseDurationString(%q) = %d, %v; want %d", input, got, ok, want)
		}
	}
}

func TestParseRetryFromBodyTryAgainMinutesSeconds(t *testing.T) {
	got, ok := parseRetryFromBody("Rate limit exceeded. Try again in 2m 30s")
	if !ok || got != 150 {
		t.Fatalf("got %d, %v; want 150, true", got, ok)
	}
}

func TestParseRetryFromBodyGoogleJSONDelay(t *testing.T) {
	body := `{"error":{"details":[{"metadata":{"quotaResetDelay":"42s"}}]}}`
	got, ok := parseRetryFromBody(body)
	if !ok || got != 42 {
		t.Fatalf("got %d, %v; want 42, true", got, ok)
	}
}

func TestParseRetryFromBodyCaseInsensitive(t *testing.T) {
	got, ok := parseRetryFromBody("Quota limit hit. Retry After 99 Seconds")
	if !ok || got != 99 {
		t.Fatalf("got %d, %v; want 99, true", got, ok)
	}
}

func TestClassifyReasonFromJSON(t *testing.T) {
	body := `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`
	if got := classifyReason(body); got != ReasonQuotaExhausted {
		t.Fatalf("got %v, want QuotaExhausted", got)
	}
}

func TestRecordFromErrorSafetyFloor(t *testing.T) {
	mgr := NewManager(nil)
	mgr.RecordFromError(context.Background(), "acct1", 429, "1", "", "")
	wait := mgr.GetRemainingWait("acct1", "")
	if wait < 1 || wait > 2 {
		t.Fatalf("expected safety-floored wait near 2s, got %d", wait)
	}
}

func TestRecordFromErrorDefaultByReason(t *testing.T) {
	mgr := NewManager(nil)
	mgr.RecordFromError(context.Background(), "acct2", 429, "", `{"error":{"details":[{"reason":"QUOTA_EXHAUSTED"}]}}`, "")
	wait := mgr.GetRemainingWait("acct2", "")
	if wait < 3595 || wait > 3600 {
		t.Fatalf("expected ~3600s default for quota exhaustion, got %d", wait)
	}
}

func TestModelScopedLockoutDoesNotAffectAccountLevel(t *testing.T) {
	mgr := NewManager(nil)
	mgr.RecordFromError(context.Background(), "acct3", 429, "30", "", "gemini-3-pro")
	if mgr.IsRateLimited("acct3", "") {
		t.Fatal("account-level lockout should not be set by a model-scoped error")
	}
	if !mgr.IsRateLimited("acct3", "gemini-3-pro") {
		t.Fatal("model-scoped lockout should be active")
	}
}

func TestCleanupEvictsExpired(t *testing.T) {
	mgr := NewManager(nil)
	mgr.SetLockout(context.Background(), "acct4", time.Now().Add(-time.Second), ReasonUnknown, "")
	if n := mgr.Cleanup(); n != 1 {
		t.Fatalf("expected 1 evicted entry, got %d", n)
	}
	if mgr.IsRateLimited("acct4", "") {
		t.Fatal("expired lockout should be gone after cleanup")
	}
}

func TestPersistsAccountLevelLockoutToStore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.CreateAccount(ctx, &store.AccountRecord{ID: "acct5", Email: "a@b.com", Status: "active", Schedulable: true}); err != nil {
		t.Fatalf("create account: %v", err)
	}

	mgr := NewManager(s)
	mgr.RecordFromError(ctx, "acct5", 429, "30", "", "")

	rec, err := s.GetAccount(ctx, "acct5")
	if err != nil {
		t.Fatalf("get account: %v", err)
	}
	if rec.RateLimitReason != string(ReasonUnknown) {
		t.Fatalf("expected rate_limit_reason persisted, got %q", rec.RateLimitReason)
	}
}
