package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	logx "docudrop/pkg/logx"
)

func TestParseSchedule(t *testing.T) {
	cases := []struct {
		in      string
		kind    SpecKind
		every   time.Duration
		cron    string
		wantErr bool
	}{
		{in: "0 * * * *", kind: SpecCron, cron: "0 * * * *"},
		{in: "@hourly", kind: SpecCron, cron: "@hourly"},
		{in: "cron:*/5 * * * *", kind: SpecCron, cron: "*/5 * * * *"},
		{in: "1h", kind: SpecInterval, every: time.Hour},
		{in: "02:30", kind: SpecInterval, every: 2*time.Hour + 30*time.Minute},
		{in: "every: 15m", kind: SpecInterval, every: 15 * time.Minute},
		{in: "interval:00:05", kind: SpecInterval, every: 5 * time.Minute},
		{in: "", wantErr: true},
		{in: "cron:", wantErr: true},
		{in: "00:75", wantErr: true},
		{in: "00:00", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "soon", wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := ParseSchedule(tc.in)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("ParseSchedule(%q) = %+v, want error", tc.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tc.in, err)
			}
			if got.Kind != tc.kind || got.Every != tc.every || got.Cron != tc.cron {
				t.Fatalf("ParseSchedule(%q) = %+v", tc.in, got)
			}
		})
	}
}

func TestParsedSpecString(t *testing.T) {
	ps, err := ParseSchedule("90m")
	if err != nil {
		t.Fatal(err)
	}
	if got := ps.String(); got != "@every 1h30m0s" {
		t.Fatalf("String() = %q", got)
	}
}

func TestAddValidates(t *testing.T) {
	s := New(Config{}, logx.Nop())
	noop := func(context.Context) error { return nil }
	if err := s.Add("", "1h", 0, noop); err == nil {
		t.Fatal("empty name accepted")
	}
	if err := s.Add("x", "1h", 0, nil); err == nil {
		t.Fatal("nil job accepted")
	}
	if err := s.Add("x", "61 * * * *", 0, noop); err == nil {
		t.Fatal("bad cron accepted")
	}
	if err := s.Add("x", "1h", 0, noop); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := s.Add("x", "2h", 0, noop); err != nil {
		t.Fatalf("re-Add: %v", err)
	}
	got := s.Schedules()
	if len(got) != 1 || got[0].Spec != "@every 2h0m0s" {
		t.Fatalf("schedules = %+v, want single upserted entry", got)
	}
	if !s.Remove("x") || s.Remove("x") {
		t.Fatal("Remove should succeed once")
	}
}

func TestServiceRunsJobs(t *testing.T) {
	s := New(Config{Timezone: "UTC"}, logx.Nop())
	var runs atomic.Int32
	var sawDeadline atomic.Bool
	err := s.Add("tick", "@every 1s", time.Minute, func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); ok {
			sawDeadline.Store(true)
		}
		runs.Add(1)
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	s.Start(context.Background())

	deadline := time.Now().Add(5 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if runs.Load() == 0 {
		t.Fatal("job never ran")
	}
	if !sawDeadline.Load() {
		t.Fatal("job context had no deadline")
	}
	after := runs.Load()
	time.Sleep(1500 * time.Millisecond)
	if runs.Load() != after {
		t.Fatal("job ran after Stop")
	}
}

func TestServiceSkipsOverlappingRuns(t *testing.T) {
	s := New(Config{}, logx.Nop())
	var running, maxRunning, runs atomic.Int32
	release := make(chan struct{})
	err := s.Add("slow", "@every 1s", 0, func(ctx context.Context) error {
		n := running.Add(1)
		defer running.Add(-1)
		if n > maxRunning.Load() {
			maxRunning.Store(n)
		}
		runs.Add(1)
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	s.Start(context.Background())
	time.Sleep(3500 * time.Millisecond)
	gotRuns, gotMax := runs.Load(), maxRunning.Load()
	close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	s.Stop(ctx)

	if gotRuns != 1 || gotMax != 1 {
		t.Fatalf("runs=%d max concurrent=%d, want a single run", gotRuns, gotMax)
	}
}
