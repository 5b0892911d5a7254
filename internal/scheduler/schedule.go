// Package scheduler runs the periodic consistency audit.
package scheduler

import (
	"fmt"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/robfig/cron/v3"
)

const (
	ScheduleKindCron     = "cron"
	ScheduleKindInterval = "interval"
)

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

type ScheduleSpec struct {
	Kind     string
	CronExpr string
	Interval time.Duration
	Timezone string

	location     *time.Location
	cronSchedule cron.Schedule
}

// NormalizeScheduleSpec accepts either a Go duration ("6h") or a five-field
// cron expression, including descriptors such as "@daily".
func NormalizeScheduleSpec(expr string, timezone string) (ScheduleSpec, error) {
	trimmedExpr := strings.TrimSpace(expr)
	if trimmedExpr == "" {
		return ScheduleSpec{}, fmt.Errorf("schedule expression is required")
	}

	trimmedTimezone := strings.TrimSpace(timezone)
	if trimmedTimezone == "" {
		trimmedTimezone = "UTC"
	}
	location, err := time.LoadLocation(trimmedTimezone)
	if err != nil {
		return ScheduleSpec{}, fmt.Errorf("invalid timezone: %w", err)
	}

	spec := ScheduleSpec{
		Timezone: trimmedTimezone,
		location: location,
	}

	if interval, durErr := time.ParseDuration(trimmedExpr); durErr == nil {
		if interval <= 0 {
			return ScheduleSpec{}, fmt.Errorf("interval must be greater than zero")
		}
		spec.Kind = ScheduleKindInterval
		spec.Interval = interval
		return spec, nil
	}

	parsed, err := cronParser.Parse(trimmedExpr)
	if err != nil {
		return ScheduleSpec{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	spec.Kind = ScheduleKindCron
	spec.CronExpr = trimmedExpr
	spec.cronSchedule = parsed
	return spec, nil
}

func ComputeNextRun(spec ScheduleSpec, now time.Time, lastRunAt *time.Time) (time.Time, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	} else {
		now = now.UTC()
	}
	if spec.location == nil {
		location, err := time.LoadLocation(firstNonEmpty(strings.TrimSpace(spec.Timezone), "UTC"))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		spec.location = location
	}

	switch spec.Kind {
	case ScheduleKindInterval:
		if spec.Interval <= 0 {
			return time.Time{}, fmt.Errorf("interval schedule requires a positive interval")
		}
		base := now
		if lastRunAt != nil && !lastRunAt.IsZero() {
			base = lastRunAt.UTC()
		}
		next := base.Add(spec.Interval)
		if next.Before(now) {
			next = now
		}
		return next, nil
	case ScheduleKindCron:
		if spec.cronSchedule == nil {
			parsed, err := cronParser.Parse(spec.CronExpr)
			if err != nil {
				return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
			}
			spec.cronSchedule = parsed
		}

		reference := now
		if lastRunAt != nil && !lastRunAt.IsZero() && lastRunAt.UTC().After(reference) {
			reference = lastRunAt.UTC()
		}
		return spec.cronSchedule.Next(reference.In(spec.location)).UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported schedule kind: %s", spec.Kind)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
