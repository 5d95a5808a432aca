package gateway

import "testing"

func TestNormalizeQueueMode(t *testing.T) {
	cases := []struct {
		in       string
		fallback QueueMode
		want     QueueMode
	}{
		{"collect", QueueFollowup, QueueCollect},
		{"STEER", QueueCollect, QueueSteer},
		{" steer_backlog ", QueueCollect, QueueSteerBacklog},
		{"bogus", QueueFollowup, QueueFollowup},
		{"", QueueCollect, QueueCollect},
	}
	for _, tc := range cases {
		if got := NormalizeQueueMode(tc.in, tc.fallback); got != tc.want {
			t.Errorf("NormalizeQueueMode(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestEngineForModel(t *testing.T) {
	r := NewModelRegistry([]string{"codex", "claude"}, nil)

	if engine, ok := r.EngineForModel("codex:gpt-5"); !ok || engine != "codex" {
		t.Errorf("EngineForModel = %q, %v", engine, ok)
	}
	if engine, ok := r.EngineForModel("claude"); !ok || engine != "claude" {
		t.Errorf("bare engine id: %q, %v", engine, ok)
	}
	if _, ok := r.EngineForModel("gpt-4o"); ok {
		t.Error("plain model must not resolve to an engine")
	}
	if _, ok := r.EngineForModel(""); ok {
		t.Error("empty model must not resolve")
	}
}

func TestContextWindowPriority(t *testing.T) {
	r := NewModelRegistry([]string{"codex"}, map[string]int{"claude-4": 200000})

	if got := r.ContextWindow("claude-4", "", 123); got != 123 {
		t.Errorf("config should win, got %d", got)
	}
	if got := r.ContextWindow("Claude-4", "", 0); got != 200000 {
		t.Errorf("registry lookup failed, got %d", got)
	}
	if got := r.ContextWindow("unknown-model", "codex", 0); got != 400000 {
		t.Errorf("codex heuristic failed, got %d", got)
	}
	if got := r.ContextWindow("unknown-model", "claude", 0); got != 0 {
		t.Errorf("unknown should be 0, got %d", got)
	}
}
