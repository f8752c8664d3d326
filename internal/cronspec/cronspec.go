// Package cronspec parses and validates schedule expressions and resolves
// next-run times in a schedule's timezone.
package cronspec

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field crontab expressions plus descriptors
// ("@hourly", "@daily") and "@every <duration>" intervals.
var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Parse returns the compiled schedule for expr, evaluated in UTC.
func Parse(expr string) (cron.Schedule, error) {
	return ParseInLocation(expr, "")
}

// ParseInLocation compiles expr so that next-run times are evaluated in the
// given IANA timezone. The timezone rides along as a CRON_TZ prefix, which
// robfig's parser resolves; @every intervals are timezone-independent.
func ParseInLocation(expr, tz string) (cron.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("cron expression required")
	}
	tz = strings.TrimSpace(tz)
	if tz == "" {
		tz = "UTC"
	}
	spec := expr
	if !strings.HasPrefix(expr, "@every") {
		spec = "CRON_TZ=" + tz + " " + expr
	}
	sch, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sch, nil
}

// Validate checks expr without keeping the compiled schedule.
func Validate(expr string) error {
	_, err := Parse(expr)
	return err
}

// ValidateTimezone rejects unknown IANA names; empty means UTC.
func ValidateTimezone(tz string) error {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return fmt.Errorf("invalid timezone %q: %w", tz, err)
	}
	return nil
}

// Next computes the run following from, evaluated in the schedule's timezone.
func Next(expr, tz string, from time.Time) (time.Time, error) {
	sch, err := ParseInLocation(expr, tz)
	if err != nil {
		return time.Time{}, err
	}
	return sch.Next(from), nil
}
