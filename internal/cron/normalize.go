package cron

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	cronlib "github.com/robfig/cron/v3"

	"github.com/agentuse/agentuse/internal/agent"
)

// cronParser accepts 5-field expressions and 6-field ones with a
// leading seconds column, which is what sub-minute intervals normalize
// to.
var cronParser = cronlib.NewParser(
	cronlib.SecondOptional |
		cronlib.Minute |
		cronlib.Hour |
		cronlib.Dom |
		cronlib.Month |
		cronlib.Dow |
		cronlib.Descriptor,
)

var (
	intervalRe  = regexp.MustCompile(`^(\d+)(s|m|h)$`)
	cronFieldRe = regexp.MustCompile(`^[\d*/,\-]+$`)
	everyNRe    = regexp.MustCompile(`^every (\d+) (second|minute|hour|day)s?$`)
	dailyAtRe   = regexp.MustCompile(`^daily at (.+)$`)
	weekdayAtRe = regexp.MustCompile(`^every weekday at (.+)$`)
	clockRe     = regexp.MustCompile(`^(\d{1,2})(?::(\d{2}))?\s*(am|pm)?$`)
)

// Normalize turns a schedule expression into a cron expression the
// schedule parser accepts. Three grammars are recognised: bare
// intervals ("30s", "5m", "2h"), cron expressions (5 fields, or 6 with
// a leading seconds column), and a small closed set of phrases
// ("every minute", "every 2 hours", "hourly", "daily", "weekly",
// "monthly", "daily at 9:30am", "every weekday at 17:00"). Cron input
// passes through unchanged, so Normalize is idempotent. Anything else
// fails with SCHEDULE_PARSE_ERROR.
func Normalize(expr string) (string, error) {
	raw := strings.TrimSpace(expr)
	if raw == "" {
		return "", parseError(raw, "schedule expression is empty")
	}

	if m := intervalRe.FindStringSubmatch(raw); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", parseError(raw, "interval out of range")
		}
		return normalizeInterval(raw, n, m[2])
	}

	if fields := strings.Fields(raw); len(fields) == 5 || len(fields) == 6 {
		if allCronFields(fields) {
			if _, err := cronParser.Parse(raw); err != nil {
				return "", parseError(raw, fmt.Sprintf("invalid cron expression: %v", err))
			}
			return raw, nil
		}
	}

	out, ok, err := normalizePhrase(strings.ToLower(raw))
	if err != nil {
		return "", err
	}
	if ok {
		return out, nil
	}
	return "", parseError(raw, "unrecognized schedule expression")
}

func allCronFields(fields []string) bool {
	for _, f := range fields {
		if !cronFieldRe.MatchString(f) {
			return false
		}
	}
	return true
}

func normalizeInterval(raw string, n int, unit string) (string, error) {
	switch unit {
	case "s", "second":
		if n < 1 || n > 59 {
			return "", parseError(raw, "second intervals must be between 1 and 59")
		}
		return fmt.Sprintf("*/%d * * * * *", n), nil
	case "m", "minute":
		if n < 1 || n > 59 {
			return "", parseError(raw, "minute intervals must be between 1 and 59")
		}
		return fmt.Sprintf("*/%d * * * *", n), nil
	case "h", "hour":
		if n < 1 || n > 23 {
			return "", parseError(raw, "hour intervals must be between 1 and 23")
		}
		return fmt.Sprintf("0 */%d * * *", n), nil
	case "day":
		if n < 1 || n > 31 {
			return "", parseError(raw, "day intervals must be between 1 and 31")
		}
		return fmt.Sprintf("0 0 */%d * *", n), nil
	default:
		return "", parseError(raw, "unknown interval unit")
	}
}

func normalizePhrase(expr string) (string, bool, error) {
	switch expr {
	case "every minute":
		return "* * * * *", true, nil
	case "hourly":
		return "0 * * * *", true, nil
	case "daily":
		return "0 0 * * *", true, nil
	case "weekly":
		return "0 0 * * 0", true, nil
	case "monthly":
		return "0 0 1 * *", true, nil
	}

	if m := everyNRe.FindStringSubmatch(expr); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", false, parseError(expr, "interval out of range")
		}
		out, err := normalizeInterval(expr, n, m[2])
		if err != nil {
			return "", false, err
		}
		return out, true, nil
	}

	if m := dailyAtRe.FindStringSubmatch(expr); m != nil {
		hour, minute, err := parseClock(m[1])
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%d %d * * *", minute, hour), true, nil
	}

	if m := weekdayAtRe.FindStringSubmatch(expr); m != nil {
		hour, minute, err := parseClock(m[1])
		if err != nil {
			return "", false, err
		}
		return fmt.Sprintf("%d %d * * 1-5", minute, hour), true, nil
	}

	return "", false, nil
}

// parseClock reads HH[:MM][am|pm]. Without a meridiem the hour is
// 24-hour; with one it is 1-12, where 12am is midnight and 12pm noon.
func parseClock(value string) (hour, minute int, err error) {
	m := clockRe.FindStringSubmatch(strings.TrimSpace(value))
	if m == nil {
		return 0, 0, parseError(value, "invalid time of day")
	}
	hour, _ = strconv.Atoi(m[1])
	if m[2] != "" {
		minute, _ = strconv.Atoi(m[2])
	}
	if minute > 59 {
		return 0, 0, parseError(value, "minutes must be between 0 and 59")
	}
	switch m[3] {
	case "am":
		if hour < 1 || hour > 12 {
			return 0, 0, parseError(value, "12-hour clock hours must be between 1 and 12")
		}
		if hour == 12 {
			hour = 0
		}
	case "pm":
		if hour < 1 || hour > 12 {
			return 0, 0, parseError(value, "12-hour clock hours must be between 1 and 12")
		}
		if hour != 12 {
			hour += 12
		}
	default:
		if hour > 23 {
			return 0, 0, parseError(value, "hours must be between 0 and 23")
		}
	}
	return hour, minute, nil
}

func parseError(expr, msg string) error {
	return agent.NewRunError(agent.CodeScheduleParseError,
		fmt.Sprintf("cannot parse schedule %q: %s", expr, msg)).
		WithSuggestions(
			`Use an interval like "30s", "5m" or "2h"`,
			`Use a cron expression like "*/5 * * * *"`,
			`Use a phrase like "daily at 9am" or "every weekday at 17:30"`,
		)
}
