package cron

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/router"
)

type sentPrompt struct {
	agentID string
	prompt  string
	opts    router.SendOptions
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sentPrompt
	err   error
	runID string
}

func (f *fakeSender) Send(_ context.Context, agentID, prompt string, opts router.SendOptions) (orchestrator.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentPrompt{agentID, prompt, opts})
	if f.err != nil {
		return orchestrator.Result{}, f.err
	}
	return orchestrator.Result{RunID: f.runID}, nil
}

func (f *fakeSender) all() []sentPrompt {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentPrompt(nil), f.sent...)
}

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
}

func TestNewSchedulerSkipsInvalidJobs(t *testing.T) {
	sender := &fakeSender{}
	s, err := NewScheduler(sender, []JobConfig{
		{ID: "good", AgentID: "a", Prompt: "hi", Schedule: ScheduleConfig{Every: time.Hour}},
		{ID: "", AgentID: "a", Prompt: "hi", Schedule: ScheduleConfig{Every: time.Hour}},
		{ID: "no-prompt", AgentID: "a", Schedule: ScheduleConfig{Every: time.Hour}},
		{ID: "off", AgentID: "a", Prompt: "hi", Disabled: true, Schedule: ScheduleConfig{Every: time.Hour}},
		{ID: "no-schedule", AgentID: "a", Prompt: "hi"},
	}, WithNow(fixedNow))
	if err != nil {
		t.Fatalf("NewScheduler() error = %v", err)
	}
	jobs := s.Jobs()
	if len(jobs) != 1 || jobs[0].ID != "good" {
		t.Errorf("jobs = %+v", jobs)
	}
}

func TestRunOnceFiresDueJob(t *testing.T) {
	now := fixedNow()
	clock := now
	sender := &fakeSender{runID: "r9"}
	s, err := NewScheduler(sender, []JobConfig{{
		ID:        "morning",
		AgentID:   "agent-x",
		Prompt:    "Summarize overnight activity.",
		To:        "tg:111",
		DeliverTo: []string{"tg:222"},
		Schedule:  ScheduleConfig{Every: time.Hour},
	}}, WithNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Fatalf("fired before due = %d", fired)
	}

	clock = now.Add(time.Hour + time.Second)
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatalf("fired = %d", fired)
	}

	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d", len(sent))
	}
	got := sent[0]
	if got.agentID != "agent-x" || got.prompt != "Summarize overnight activity." {
		t.Errorf("sent = %+v", got)
	}
	if got.opts.Origin != gateway.OriginCron {
		t.Errorf("origin = %q", got.opts.Origin)
	}
	if got.opts.QueueMode != string(gateway.QueueCollect) {
		t.Errorf("queue mode = %q", got.opts.QueueMode)
	}
	if got.opts.To != "tg:111" || len(got.opts.DeliverTo) != 1 {
		t.Errorf("targets = %+v", got.opts)
	}

	job := s.Jobs()[0]
	if !job.LastRun.Equal(clock) || job.LastErr != "" {
		t.Errorf("job state = %+v", job)
	}
	if !job.NextRun.After(clock) {
		t.Errorf("next run = %v", job.NextRun)
	}
}

func TestRunOnceRecordsSendError(t *testing.T) {
	clock := fixedNow()
	sender := &fakeSender{err: errors.New("run_capacity_reached")}
	s, err := NewScheduler(sender, []JobConfig{{
		ID:       "job",
		AgentID:  "a",
		Prompt:   "hi",
		Schedule: ScheduleConfig{Every: time.Minute},
	}}, WithNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	job := s.Jobs()[0]
	if job.LastErr != "run_capacity_reached" {
		t.Errorf("last error = %q", job.LastErr)
	}
	if !job.Enabled {
		t.Error("send failure must not disable the job")
	}
}

func TestAtJobDisablesAfterFiring(t *testing.T) {
	clock := fixedNow()
	sender := &fakeSender{}
	s, err := NewScheduler(sender, []JobConfig{{
		ID:       "once",
		AgentID:  "a",
		Prompt:   "hi",
		Schedule: ScheduleConfig{At: "2026-03-01T10:00:00Z"},
	}}, WithNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	clock = time.Date(2026, 3, 1, 10, 0, 1, 0, time.UTC)
	if fired := s.RunOnce(context.Background()); fired != 1 {
		t.Fatalf("fired = %d", fired)
	}

	job := s.Jobs()[0]
	if job.Enabled || !job.NextRun.IsZero() {
		t.Errorf("one-shot job still scheduled: %+v", job)
	}
	if fired := s.RunOnce(context.Background()); fired != 0 {
		t.Errorf("refired exhausted job %d times", fired)
	}
}

func TestPromptTemplateRendering(t *testing.T) {
	clock := fixedNow()
	sender := &fakeSender{}
	s, err := NewScheduler(sender, []JobConfig{{
		ID:             "digest",
		AgentID:        "a",
		PromptTemplate: "Daily digest for {{.date}} ({{.team}})",
		Data:           map[string]any{"team": "platform"},
		Schedule:       ScheduleConfig{Every: time.Minute},
	}}, WithNow(func() time.Time { return clock }))
	if err != nil {
		t.Fatal(err)
	}

	clock = clock.Add(2 * time.Minute)
	s.RunOnce(context.Background())

	sent := sender.all()
	if len(sent) != 1 {
		t.Fatalf("sent = %d", len(sent))
	}
	if !strings.Contains(sent[0].prompt, "2026-03-01") || !strings.Contains(sent[0].prompt, "platform") {
		t.Errorf("prompt = %q", sent[0].prompt)
	}
}

func TestStartTicksAndStops(t *testing.T) {
	var mu sync.Mutex
	clock := fixedNow()
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}

	sender := &fakeSender{}
	s, err := NewScheduler(sender, []JobConfig{{
		ID:       "job",
		AgentID:  "a",
		Prompt:   "hi",
		Schedule: ScheduleConfig{Every: time.Minute},
	}}, WithNow(now), WithTickInterval(time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	clock = clock.Add(2 * time.Minute)
	mu.Unlock()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(sender.all()) > 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if len(sender.all()) == 0 {
		t.Fatal("scheduler never fired")
	}

	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := s.Stop(stopCtx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
