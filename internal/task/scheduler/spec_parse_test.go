package scheduler

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		raw      string
		kind     SpecKind
		source   string
		duration time.Duration
	}{
		{name: "cron", raw: "*/5 * * * *", kind: SpecCron, source: "cron"},
		{name: "descriptor", raw: "@every 1m", kind: SpecCron, source: "cron"},
		{name: "prefixed cron", raw: "cron:0 0 * * *", kind: SpecCron, source: "cron"},
		{name: "duration", raw: "10m", kind: SpecInterval, source: "duration", duration: 10 * time.Minute},
		{name: "prefixed interval", raw: "interval:45s", kind: SpecInterval, source: "duration", duration: 45 * time.Second},
		{name: "hhmm", raw: "01:30", kind: SpecInterval, source: "hhmm", duration: 90 * time.Minute},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSchedule(tt.raw)
			if err != nil {
				t.Fatalf("ParseSchedule(%q) error: %v", tt.raw, err)
			}
			if got.Kind != tt.kind {
				t.Fatalf("Kind = %v, want %v", got.Kind, tt.kind)
			}
			if got.Source != tt.source {
				t.Fatalf("Source = %s, want %s", got.Source, tt.source)
			}
			if tt.kind == SpecInterval && got.Every != tt.duration {
				t.Fatalf("Every = %v, want %v", got.Every, tt.duration)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()
	for _, raw := range []string{"", "not-a-schedule", "interval:-5m"} {
		if _, err := ParseSchedule(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}

func TestDailySpec(t *testing.T) {
	t.Parallel()
	tests := []struct {
		raw  string
		want string
	}{
		{"", "0 0 * * *"},
		{"00:00", "0 0 * * *"},
		{"23:15", "15 23 * * *"},
		{"cron:30 4 * * *", "30 4 * * *"},
		{"@midnight", "@midnight"},
	}
	for _, tt := range tests {
		got, err := DailySpec(tt.raw)
		if err != nil || got != tt.want {
			t.Fatalf("DailySpec(%q) = %q, %v; want %q", tt.raw, got, err, tt.want)
		}
	}
	if _, err := DailySpec("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestParseHHMM(t *testing.T) {
	t.Parallel()
	h, m, err := parseHHMM("23:15")
	if err != nil {
		t.Fatalf("parseHHMM error: %v", err)
	}
	if h != 23 || m != 15 {
		t.Fatalf("unexpected result: %d:%d", h, m)
	}

	if _, _, err := parseHHMM("24:00"); err == nil {
		t.Fatal("expected error for invalid hour")
	}
}

func TestValidateSpecs(t *testing.T) {
	t.Parallel()
	if err := ValidateSpecs("@every 1m", "0 0 * * *"); err != nil {
		t.Fatalf("valid specs rejected: %v", err)
	}
	if err := ValidateSpecs("61 * * * *", ""); err == nil {
		t.Fatal("bad tick cron accepted")
	}
	if err := ValidateSpecs("", "every day"); err == nil {
		t.Fatal("bad daily spec accepted")
	}
}

func TestIntervalSpreadBoundsFirstRun(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	sched, jitter := spreadInterval(time.Minute, now)
	if jitter < 0 || jitter >= 30*time.Second {
		t.Fatalf("jitter=%v", jitter)
	}
	first := sched.Next(now)
	if first.Before(now) || first.After(now.Add(30*time.Second)) {
		t.Fatalf("first=%v", first)
	}
	// cron.Every truncates sub-second offsets.
	if gap := sched.Next(first).Sub(first); gap <= 59*time.Second || gap > time.Minute {
		t.Fatalf("second run %v after first", gap)
	}
}
