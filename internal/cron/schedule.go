package cron

import (
	"time"
)

// SourceYAML marks schedules declared in an agent document preamble.
// It is the only source today; the field exists so readers of
// `schedule list` output can tell future sources apart.
const SourceYAML = "yaml"

// NewSchedule normalizes and parses expression into a registration
// primed with its first run time. The location defaults to the system
// zone.
func NewSchedule(id, agentPath, expression string, loc *time.Location, now time.Time) (*Schedule, error) {
	normalized, err := Normalize(expression)
	if err != nil {
		return nil, err
	}
	spec, err := cronParser.Parse(normalized)
	if err != nil {
		return nil, parseError(expression, err.Error())
	}
	if loc == nil {
		loc = time.Local
	}
	sched := &Schedule{
		ID:         id,
		AgentPath:  agentPath,
		Expression: normalized,
		Timezone:   loc.String(),
		Enabled:    true,
		CreatedAt:  now,
		Source:     SourceYAML,
		spec:       spec,
	}
	sched.NextRun = sched.Next(now)
	return sched, nil
}

// Next computes the first fire time strictly after now, evaluated in
// the schedule's timezone.
func (s *Schedule) Next(now time.Time) time.Time {
	if s.spec == nil {
		return time.Time{}
	}
	loc := time.Local
	if s.Timezone != "" {
		if l, err := time.LoadLocation(s.Timezone); err == nil {
			loc = l
		}
	}
	return s.spec.Next(now.In(loc))
}
