package account

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/relaydev/antigravity-proxy/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "account_test.db")
	s, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewStore(s, NewCrypto("test-encryption-key-0123456789ab"))
}

func currentCount(t *testing.T, as *Store) (total, current int) {
	t.Helper()
	all, err := as.List(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, a := range all {
		if a.IsCurrent {
			current++
		}
	}
	return len(all), current
}

// TestCurrentAccountInvariant covers Testable Property 1: exactly one
// account has is_current=true iff the pool is non-empty, across creates,
// an upsert-by-email, and deletes that do or don't remove the current one.
func TestCurrentAccountInvariant(t *testing.T) {
	ctx := context.Background()
	as := newTestStore(t)

	if total, _ := currentCount(t, as); total != 0 {
		t.Fatalf("expected empty pool, got %d", total)
	}

	first, err := as.Create(ctx, "a@example.com", "refresh-a", "access-a", time.Now().Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("create a: %v", err)
	}
	if !first.IsCurrent {
		t.Fatalf("first account in an empty pool must become current")
	}
	if total, cur := currentCount(t, as); total != 1 || cur != 1 {
		t.Fatalf("after 1 create: total=%d current=%d, want 1/1", total, cur)
	}

	second, err := as.Create(ctx, "b@example.com", "refresh-b", "access-b", time.Now().Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("create b: %v", err)
	}
	if second.IsCurrent {
		t.Fatalf("second account must not steal current from the first")
	}
	if total, cur := currentCount(t, as); total != 2 || cur != 1 {
		t.Fatalf("after 2 creates: total=%d current=%d, want 2/1", total, cur)
	}

	// Re-exchanging OAuth for an email already in the pool must update the
	// existing row in place (§4.1 upsert), not create a third one, and must
	// not touch which account is current.
	updated, err := as.Create(ctx, "b@example.com", "refresh-b2", "access-b2", time.Now().Add(2*time.Hour), 1)
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if updated.ID != second.ID {
		t.Fatalf("upsert by email created a new row: got id %s, want %s", updated.ID, second.ID)
	}
	if total, cur := currentCount(t, as); total != 2 || cur != 1 {
		t.Fatalf("after upsert: total=%d current=%d, want 2/1", total, cur)
	}

	// Deleting the current account must promote one of the survivors.
	if err := as.Delete(ctx, first.ID); err != nil {
		t.Fatalf("delete current: %v", err)
	}
	if total, cur := currentCount(t, as); total != 1 || cur != 1 {
		t.Fatalf("after deleting current: total=%d current=%d, want 1/1", total, cur)
	}
	remaining, err := as.Get(ctx, second.ID)
	if err != nil || remaining == nil || !remaining.IsCurrent {
		t.Fatalf("survivor was not promoted to current")
	}

	// Deleting the last account empties the pool; no promotion is possible
	// or needed.
	if err := as.Delete(ctx, second.ID); err != nil {
		t.Fatalf("delete last: %v", err)
	}
	if total, cur := currentCount(t, as); total != 0 || cur != 0 {
		t.Fatalf("after deleting last account: total=%d current=%d, want 0/0", total, cur)
	}
}

func TestCreateUpsertClearsErrorState(t *testing.T) {
	ctx := context.Background()
	as := newTestStore(t)

	acct, err := as.Create(ctx, "a@example.com", "refresh-a", "access-a", time.Now().Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := as.MarkError(ctx, acct.ID, "transient upstream 500"); err != nil {
		t.Fatalf("mark error: %v", err)
	}

	reauthed, err := as.Create(ctx, "a@example.com", "refresh-a2", "access-a2", time.Now().Add(time.Hour), 1)
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if reauthed.Status != "active" {
		t.Fatalf("upsert should clear a prior error status, got %q", reauthed.Status)
	}
	if reauthed.ErrorMessage != "" {
		t.Fatalf("upsert should clear the error message, got %q", reauthed.ErrorMessage)
	}
}
