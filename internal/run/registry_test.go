package run

import "testing"

func TestSessionRegistrySingleFlight(t *testing.T) {
	r := NewSessionRegistry()

	if owner, ok := r.Register("agent:a:main", "r1"); !ok || owner != "r1" {
		t.Fatalf("first register = %q, %v", owner, ok)
	}
	if owner, ok := r.Register("agent:a:main", "r2"); ok || owner != "r1" {
		t.Fatalf("contended register = %q, %v", owner, ok)
	}

	// Re-register by the owner is idempotent.
	if _, ok := r.Register("agent:a:main", "r1"); !ok {
		t.Fatal("owner re-register failed")
	}

	// Only the owner can release.
	r.Unregister("agent:a:main", "r2")
	if _, ok := r.Active("agent:a:main"); !ok {
		t.Fatal("non-owner unregister released the slot")
	}
	r.Unregister("agent:a:main", "r1")
	if _, ok := r.Active("agent:a:main"); ok {
		t.Fatal("slot not released")
	}
	if _, ok := r.Register("agent:a:main", "r2"); !ok {
		t.Fatal("register after release failed")
	}
}

func TestRunRegistry(t *testing.T) {
	r := NewRunRegistry()
	p1 := &Process{}
	p2 := &Process{}

	if !r.Register("r1", p1) {
		t.Fatal("register failed")
	}
	if r.Register("r1", p2) {
		t.Fatal("duplicate run id accepted")
	}
	if got, ok := r.Lookup("r1"); !ok || got != p1 {
		t.Fatal("lookup mismatch")
	}

	// Unregister by a stale pointer is a no-op.
	r.Unregister("r1", p2)
	if _, ok := r.Lookup("r1"); !ok {
		t.Fatal("stale unregister removed live process")
	}
	r.Unregister("r1", p1)
	if _, ok := r.Lookup("r1"); ok {
		t.Fatal("unregister failed")
	}
}

func TestIsContextOverflow(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"error: context_length_exceeded", true},
		{"Context Length Exceeded by request", true},
		{"conversation exceeds the context window", true},
		{"rate limited", false},
		{"", false},
	}
	for _, tc := range cases {
		if got := IsContextOverflow(tc.in); got != tc.want {
			t.Errorf("IsContextOverflow(%q) = %v", tc.in, got)
		}
	}
}

func TestCompactionThreshold(t *testing.T) {
	cfg := CompactionConfig{ReserveTokens: 20000, TriggerRatio: 0.85}

	// Large window: the reserve term is bigger than the ratio term, the
	// ratio wins.
	if got := cfg.Threshold(400000); got != 340000 {
		t.Errorf("threshold(400000) = %d", got)
	}
	// Small window: the reserve term wins.
	if got := cfg.Threshold(32000); got != 12000 {
		t.Errorf("threshold(32000) = %d", got)
	}
	if got := cfg.Threshold(0); got != 0 {
		t.Errorf("threshold(0) = %d", got)
	}
}
