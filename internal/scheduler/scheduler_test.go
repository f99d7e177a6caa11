package scheduler

import (
	"testing"

	"github.com/relaydev/antigravity-proxy/internal/account"
)

func TestComputeSessionHashPrefersSessionID(t *testing.T) {
	h1 := ComputeSessionHash("user_abc:session_xyz", "a system prompt", "hello")
	h2 := ComputeSessionHash("user_def:session_xyz", "a totally different prompt", "goodbye")
	if h1 != h2 {
		t.Fatalf("expected identical hash for identical session id, got %q vs %q", h1, h2)
	}
}

func TestComputeSessionHashFallsBackToSystemPrompt(t *testing.T) {
	h1 := ComputeSessionHash("", "same system prompt", "msg a")
	h2 := ComputeSessionHash("", "same system prompt", "msg b")
	if h1 != h2 {
		t.Fatalf("expected hash to key off system prompt when no session id present")
	}
}

func TestComputeSessionHashEmptyWhenNoSignal(t *testing.T) {
	if got := ComputeSessionHash("", "", ""); got != "" {
		t.Fatalf("expected empty hash with no signal, got %q", got)
	}
}

func TestTierRankOrdering(t *testing.T) {
	if tierRank[account.TierUltra] <= tierRank[account.TierPro] {
		t.Fatal("ultra must outrank pro")
	}
	if tierRank[account.TierPro] <= tierRank[account.TierFree] {
		t.Fatal("pro must outrank free")
	}
	if tierRank[account.TierFree] <= tierRank[account.TierUnknown] {
		t.Fatal("free must outrank unknown")
	}
}
