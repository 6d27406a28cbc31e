package cron

import (
	"errors"
	"testing"

	"github.com/agentuse/agentuse/internal/agent"
)

func TestNormalizeIntervals(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"seconds", "30s", "*/30 * * * * *"},
		{"one second", "1s", "*/1 * * * * *"},
		{"minutes", "5m", "*/5 * * * *"},
		{"max minutes", "59m", "*/59 * * * *"},
		{"hours", "2h", "0 */2 * * *"},
		{"max hours", "23h", "0 */23 * * *"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Normalize(tt.input)
			if err != nil {
				t.Fatalf("Normalize(%q) error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestNormalizeCronPassthrough(t *testing.T) {
	exprs := []string{
		"* * * * *",
		"*/5 * * * *",
		"0 9 * * 1-5",
		"15,45 8-18 * * *",
		"*/30 * * * * *", // six fields with seconds
		"0 0 1 * *",
	}
	for _, expr := range exprs {
		got, err := Normalize(expr)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", expr, err)
			continue
		}
		if got != expr {
			t.Errorf("Normalize(%q) = %q, not idempotent", expr, got)
		}
	}
}

func TestNormalizePhrases(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"every minute", "* * * * *"},
		{"every 1 minute", "*/1 * * * *"},
		{"every 15 minutes", "*/15 * * * *"},
		{"every 45 seconds", "*/45 * * * * *"},
		{"every 6 hours", "0 */6 * * *"},
		{"every 2 days", "0 0 */2 * *"},
		{"hourly", "0 * * * *"},
		{"daily", "0 0 * * *"},
		{"weekly", "0 0 * * 0"},
		{"monthly", "0 0 1 * *"},
		{"daily at 9am", "0 9 * * *"},
		{"daily at 12am", "0 0 * * *"},
		{"daily at 12pm", "0 12 * * *"},
		{"daily at 9:30am", "30 9 * * *"},
		{"daily at 17:45", "45 17 * * *"},
		{"every weekday at 9am", "0 9 * * 1-5"},
		{"every weekday at 17:30", "30 17 * * 1-5"},
		{"Daily At 9AM", "0 9 * * *"}, // case-insensitive
	}
	for _, tt := range tests {
		got, err := Normalize(tt.input)
		if err != nil {
			t.Errorf("Normalize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestNormalizeRejects(t *testing.T) {
	inputs := []string{
		"",
		"whenever",
		"0s",
		"60s",
		"60m",
		"24h",
		"every 0 minutes",
		"every 99 hours",
		"daily at 25",
		"daily at 13pm",
		"daily at 9:75am",
		"* * * *",         // four fields
		"* * * * * * *",   // seven fields
		"61 * * * *",      // charset fine, semantics wrong
		"every fortnight", // not in the phrase set
	}
	for _, input := range inputs {
		_, err := Normalize(input)
		if err == nil {
			t.Errorf("Normalize(%q) accepted, want error", input)
			continue
		}
		var re *agent.RunError
		if !errors.As(err, &re) || re.Code != agent.CodeScheduleParseError {
			t.Errorf("Normalize(%q) error = %v, want SCHEDULE_PARSE_ERROR", input, err)
		}
	}
}

// Normalize over its own output must be a fixed point for every
// grammar, since serve mode re-normalizes on reload.
func TestNormalizeIdempotent(t *testing.T) {
	inputs := []string{"30s", "5m", "2h", "every minute", "daily at 9am", "*/10 * * * *"}
	for _, input := range inputs {
		first, err := Normalize(input)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", input, err)
		}
		second, err := Normalize(first)
		if err != nil {
			t.Fatalf("Normalize(%q) error: %v", first, err)
		}
		if first != second {
			t.Errorf("Normalize(%q): %q -> %q, not a fixed point", input, first, second)
		}
	}
}

func TestParseClock(t *testing.T) {
	tests := []struct {
		input  string
		hour   int
		minute int
	}{
		{"9", 9, 0},
		{"09", 9, 0},
		{"23", 23, 0},
		{"9am", 9, 0},
		{"9 am", 9, 0},
		{"12am", 0, 0},
		{"12pm", 12, 0},
		{"1pm", 13, 0},
		{"11:59pm", 23, 59},
		{"17:30", 17, 30},
	}
	for _, tt := range tests {
		hour, minute, err := parseClock(tt.input)
		if err != nil {
			t.Errorf("parseClock(%q) error: %v", tt.input, err)
			continue
		}
		if hour != tt.hour || minute != tt.minute {
			t.Errorf("parseClock(%q) = %d:%02d, want %d:%02d",
				tt.input, hour, minute, tt.hour, tt.minute)
		}
	}
}
