package cron

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"text/template"
	"time"

	"github.com/lemonhq/lemon/internal/gateway"
	"github.com/lemonhq/lemon/internal/orchestrator"
	"github.com/lemonhq/lemon/internal/router"
)

// JobConfig describes one scheduled prompt.
type JobConfig struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	AgentID string `yaml:"agent_id" json:"agent_id"`

	// Prompt is the submitted text. PromptTemplate, when set, wins and is
	// rendered with {{.now}}, {{.date}}, {{.time}}, and Data entries.
	Prompt         string         `yaml:"prompt,omitempty" json:"prompt,omitempty"`
	PromptTemplate string         `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	Data           map[string]any `yaml:"data,omitempty" json:"data,omitempty"`

	// To and DeliverTo are inbox target selectors ("tg:111").
	To        string   `yaml:"to,omitempty" json:"to,omitempty"`
	DeliverTo []string `yaml:"deliver_to,omitempty" json:"deliver_to,omitempty"`

	// SessionMode is "latest" (default) or "new".
	SessionMode string `yaml:"session_mode,omitempty" json:"session_mode,omitempty"`

	QueueMode string `yaml:"queue_mode,omitempty" json:"queue_mode,omitempty"`
	EngineID  string `yaml:"engine,omitempty" json:"engine,omitempty"`

	Disabled bool           `yaml:"disabled,omitempty" json:"disabled,omitempty"`
	Schedule ScheduleConfig `yaml:"schedule" json:"schedule"`
}

// Job is a runnable job with its schedule state.
type Job struct {
	ID      string
	Name    string
	AgentID string

	Prompt         string
	PromptTemplate string
	Data           map[string]any

	To          string
	DeliverTo   []string
	SessionMode string
	QueueMode   string
	EngineID    string

	Enabled  bool
	Schedule Schedule
	NextRun  time.Time
	LastRun  time.Time
	LastErr  string
}

// PromptSender submits a prompt on behalf of a job. *router.AgentInbox
// satisfies it.
type PromptSender interface {
	Send(ctx context.Context, agentID, prompt string, opts router.SendOptions) (orchestrator.Result, error)
}

// Scheduler fires configured jobs on a tick loop.
type Scheduler struct {
	sender       PromptSender
	logger       *slog.Logger
	now          func() time.Time
	tickInterval time.Duration

	mu      sync.Mutex
	jobs    []*Job
	started bool
	wg      sync.WaitGroup
}

// Option configures the scheduler.
type Option func(*Scheduler)

// WithLogger configures the scheduler logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger.With("component", "cron")
		}
	}
}

// WithNow overrides the clock for tests.
func WithNow(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTickInterval overrides the scheduler tick interval.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.tickInterval = interval
		}
	}
}

// NewScheduler builds a scheduler from job configs. Invalid jobs are skipped
// with a warning rather than failing the whole set.
func NewScheduler(sender PromptSender, configs []JobConfig, opts ...Option) (*Scheduler, error) {
	if sender == nil {
		return nil, errors.New("cron: sender required")
	}
	s := &Scheduler{
		sender:       sender,
		logger:       slog.Default().With("component", "cron"),
		now:          time.Now,
		tickInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	now := s.now()
	jobs := make([]*Job, 0, len(configs))
	for _, cfg := range configs {
		job, err := buildJob(cfg, now)
		if err != nil {
			s.logger.Warn("cron job skipped", "id", cfg.ID, "error", err)
			continue
		}
		jobs = append(jobs, job)
	}
	s.jobs = jobs
	return s, nil
}

func buildJob(cfg JobConfig, now time.Time) (*Job, error) {
	if strings.TrimSpace(cfg.ID) == "" {
		return nil, fmt.Errorf("job id required")
	}
	if cfg.Disabled {
		return nil, fmt.Errorf("job disabled")
	}
	if strings.TrimSpace(cfg.AgentID) == "" {
		return nil, fmt.Errorf("job agent_id required")
	}
	if strings.TrimSpace(cfg.Prompt) == "" && strings.TrimSpace(cfg.PromptTemplate) == "" {
		return nil, fmt.Errorf("job prompt required")
	}
	schedule, err := NewSchedule(cfg.Schedule)
	if err != nil {
		return nil, err
	}
	next, ok, err := schedule.Next(now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("no next run scheduled")
	}
	return &Job{
		ID:             cfg.ID,
		Name:           cfg.Name,
		AgentID:        cfg.AgentID,
		Prompt:         cfg.Prompt,
		PromptTemplate: cfg.PromptTemplate,
		Data:           cfg.Data,
		To:             cfg.To,
		DeliverTo:      cfg.DeliverTo,
		SessionMode:    cfg.SessionMode,
		QueueMode:      cfg.QueueMode,
		EngineID:       cfg.EngineID,
		Enabled:        true,
		Schedule:       schedule,
		NextRun:        next,
	}, nil
}

// Start begins running jobs until the context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.runDue(ctx)
			}
		}
	}()
	return nil
}

// Stop waits for the scheduler loop to exit.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce executes due jobs immediately, primarily for tests. It returns the
// number of jobs fired.
func (s *Scheduler) RunOnce(ctx context.Context) int {
	return s.runDue(ctx)
}

// Jobs returns a snapshot of the configured jobs.
func (s *Scheduler) Jobs() []*Job {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		copyJob := *job
		if job.Data != nil {
			data := make(map[string]any, len(job.Data))
			for k, v := range job.Data {
				data[k] = v
			}
			copyJob.Data = data
		}
		copyJob.DeliverTo = append([]string(nil), job.DeliverTo...)
		out = append(out, &copyJob)
	}
	return out
}

func (s *Scheduler) runDue(ctx context.Context) int {
	now := s.now()
	count := 0

	s.mu.Lock()
	jobs := make([]*Job, len(s.jobs))
	copy(jobs, s.jobs)
	s.mu.Unlock()

	for _, job := range jobs {
		s.mu.Lock()
		if !job.Enabled || job.NextRun.IsZero() || now.Before(job.NextRun) {
			s.mu.Unlock()
			continue
		}
		job.LastRun = now
		schedule := job.Schedule
		jobID := job.ID
		s.mu.Unlock()

		err := s.fire(ctx, job, now)
		if err != nil {
			s.logger.Warn("cron job failed", "id", jobID, "error", err)
		}

		next, ok, nextErr := schedule.Next(now)

		s.mu.Lock()
		if err != nil {
			job.LastErr = err.Error()
		} else {
			job.LastErr = ""
		}
		if nextErr != nil {
			job.LastErr = nextErr.Error()
			job.NextRun = time.Time{}
			job.Enabled = false
		} else if ok {
			job.NextRun = next
		} else {
			job.NextRun = time.Time{}
			job.Enabled = false
		}
		s.mu.Unlock()
		count++
	}
	return count
}

// fire renders the prompt and submits it through the inbox. Scheduled runs
// default to the collect queue mode so they never interrupt a live turn.
func (s *Scheduler) fire(ctx context.Context, job *Job, now time.Time) error {
	prompt, err := renderPrompt(job, now)
	if err != nil {
		return err
	}
	if strings.TrimSpace(prompt) == "" {
		return errors.New("job prompt empty after render")
	}

	queue := job.QueueMode
	if queue == "" {
		queue = string(gateway.QueueCollect)
	}
	res, err := s.sender.Send(ctx, job.AgentID, prompt, router.SendOptions{
		To:          job.To,
		DeliverTo:   job.DeliverTo,
		SessionMode: job.SessionMode,
		QueueMode:   queue,
		EngineID:    job.EngineID,
		Origin:      gateway.OriginCron,
	})
	if err != nil {
		return err
	}
	s.logger.Info("cron job fired", "id", job.ID, "run_id", res.RunID, "session", res.SessionKey)
	return nil
}

func renderPrompt(job *Job, now time.Time) (string, error) {
	templateText := strings.TrimSpace(job.PromptTemplate)
	if templateText == "" {
		return job.Prompt, nil
	}
	data := make(map[string]any, len(job.Data)+3)
	for k, v := range job.Data {
		data[k] = v
	}
	data["now"] = now
	data["date"] = now.Format("2006-01-02")
	data["time"] = now.Format("15:04")

	tmpl, err := template.New("cron").Option("missingkey=zero").Parse(templateText)
	if err != nil {
		return "", fmt.Errorf("parse prompt template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("execute prompt template: %w", err)
	}
	return buf.String(), nil
}
