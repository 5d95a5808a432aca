package cron

import (
	"testing"
	"time"
)

func TestNewScheduleKinds(t *testing.T) {
	tests := []struct {
		name string
		cfg  ScheduleConfig
		kind string
	}{
		{"cron", ScheduleConfig{Cron: "0 9 * * *"}, "cron"},
		{"descriptor", ScheduleConfig{Cron: "@hourly"}, "cron"},
		{"every", ScheduleConfig{Every: time.Hour}, "every"},
		{"at", ScheduleConfig{At: "2030-01-02T09:00:00Z"}, "at"},
		{"at wins over every", ScheduleConfig{At: "2030-01-02 09:00", Every: time.Hour}, "at"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sched, err := NewSchedule(tt.cfg)
			if err != nil {
				t.Fatalf("NewSchedule() error = %v", err)
			}
			if sched.Kind != tt.kind {
				t.Errorf("kind = %q, want %q", sched.Kind, tt.kind)
			}
		})
	}
}

func TestNewScheduleInvalid(t *testing.T) {
	if _, err := NewSchedule(ScheduleConfig{}); err == nil {
		t.Error("empty schedule must fail")
	}
	if _, err := NewSchedule(ScheduleConfig{Cron: "not a cron"}); err == nil {
		t.Error("bad cron expression must fail")
	}
	if _, err := NewSchedule(ScheduleConfig{At: "yesterday-ish"}); err == nil {
		t.Error("bad at timestamp must fail")
	}
}

func TestScheduleNext(t *testing.T) {
	now := time.Date(2026, 3, 1, 8, 30, 0, 0, time.UTC)

	sched, err := NewSchedule(ScheduleConfig{Cron: "0 9 * * *"})
	if err != nil {
		t.Fatal(err)
	}
	next, ok, err := sched.Next(now)
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v, %v", next, ok, err)
	}
	if next.Hour() != 9 || next.Day() != 1 {
		t.Errorf("next = %v", next)
	}

	sched, err = NewSchedule(ScheduleConfig{Every: 10 * time.Minute})
	if err != nil {
		t.Fatal(err)
	}
	next, ok, _ = sched.Next(now)
	if !ok || !next.Equal(now.Add(10*time.Minute)) {
		t.Errorf("every next = %v", next)
	}
}

func TestScheduleAtExhausts(t *testing.T) {
	sched, err := NewSchedule(ScheduleConfig{At: "2026-01-01T00:00:00Z"})
	if err != nil {
		t.Fatal(err)
	}

	before := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)
	next, ok, err := sched.Next(before)
	if err != nil || !ok || !next.Equal(sched.At) {
		t.Fatalf("Next() before = %v, %v, %v", next, ok, err)
	}

	after := sched.At.Add(time.Minute)
	_, ok, err = sched.Next(after)
	if err != nil || ok {
		t.Errorf("at schedule must exhaust after firing, ok = %v err = %v", ok, err)
	}
}

func TestScheduleTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	sched, err := NewSchedule(ScheduleConfig{At: "2030-06-01 09:00", Timezone: "America/New_York"})
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2030, 6, 1, 9, 0, 0, 0, loc)
	if !sched.At.Equal(want) {
		t.Errorf("at = %v, want %v", sched.At, want)
	}
}
