package janitor

import (
	"testing"
	"time"
)

func TestParseScheduleVariants(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		in         string
		wantKind   SpecKind
		wantCron   string
		wantEvery  time.Duration
		wantSource string
	}{
		{"plain cron", "*/5 * * * *", SpecCron, "*/5 * * * *", 0, "cron"},
		{"cron descriptor", "@hourly", SpecCron, "@hourly", 0, "cron"},
		{"cron every descriptor", "@every 55m", SpecCron, "@every 55m", 0, "cron"},
		{"forced cron", "cron:0 3 * * *", SpecCron, "0 3 * * *", 0, "cron"},
		{"forced cron trims", "cron:  30 2 * * 1  ", SpecCron, "30 2 * * 1", 0, "cron"},
		{"go duration", "55m", SpecInterval, "", 55 * time.Minute, "duration"},
		{"compound duration", "2h30m", SpecInterval, "", 2*time.Hour + 30*time.Minute, "duration"},
		{"hhmm minutes", "00:50", SpecInterval, "", 50 * time.Minute, "hhmm"},
		{"hhmm hours", "02:30", SpecInterval, "", 2*time.Hour + 30*time.Minute, "hhmm"},
		{"interval prefix duration", "interval:45s", SpecInterval, "", 45 * time.Second, "duration"},
		{"every prefix hhmm", "every:01:15", SpecInterval, "", time.Hour + 15*time.Minute, "hhmm"},
		{"surrounding whitespace", "  10m  ", SpecInterval, "", 10 * time.Minute, "duration"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseSchedule(tt.in)
			if err != nil {
				t.Fatalf("ParseSchedule(%q): %v", tt.in, err)
			}
			if got.Kind != tt.wantKind {
				t.Fatalf("kind = %v, want %v", got.Kind, tt.wantKind)
			}
			if got.Cron != tt.wantCron {
				t.Fatalf("cron = %q, want %q", got.Cron, tt.wantCron)
			}
			if got.Every != tt.wantEvery {
				t.Fatalf("every = %v, want %v", got.Every, tt.wantEvery)
			}
			if got.Source != tt.wantSource {
				t.Fatalf("source = %q, want %q", got.Source, tt.wantSource)
			}
		})
	}
}

func TestParseScheduleInvalid(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
	}{
		{"empty", ""},
		{"whitespace only", "   "},
		{"bare cron prefix", "cron:"},
		{"bare interval prefix", "interval:"},
		{"gibberish", "sometimes"},
		{"zero duration", "0s"},
		{"negative duration", "-5m"},
		{"bad minutes", "02:75"},
		{"zero hhmm", "every:00:00"},
		{"interval prefix gibberish", "interval:soon"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := ParseSchedule(tt.in); err == nil {
				t.Fatalf("ParseSchedule(%q) accepted", tt.in)
			}
		})
	}
}
