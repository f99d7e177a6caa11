package warmup

import "testing"

func TestModelRemapAndWhitelist(t *testing.T) {
	name := "gemini-2.5-flash"
	if remapped, ok := modelRemap[name]; !ok || remapped != "gemini-3-flash" {
		t.Fatalf("expected gemini-2.5-flash to remap to gemini-3-flash, got %q, %v", remapped, ok)
	}
	if !whitelist["gemini-3-flash"] {
		t.Fatal("expected gemini-3-flash to be whitelisted")
	}
	if whitelist["gemini-2.5-flash"] {
		t.Fatal("the pre-remap name must not itself be whitelisted")
	}
	if whitelist["some-other-model"] {
		t.Fatal("unexpected model in whitelist")
	}
}

// TestHistorySweepDropsOldEntries exercises the 24h history sweep directly
// against the package-private history map.
func TestHistorySweepDropsOldEntries(t *testing.T) {
	s := &Scheduler{history: map[string]int64{
		"a@b.com:gemini-3-flash:100": 0, // far in the past, must be swept
	}}
	s.sweepHistory()
	if _, ok := s.history["a@b.com:gemini-3-flash:100"]; ok {
		t.Fatal("expected stale history entry to be swept")
	}
}
