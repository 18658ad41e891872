package pipeline

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rotisserie/eris"

	"github.com/sells-group/product-scout/internal/model"
)

// Schedule maps wall-clock time onto discrete slots. Every process derives
// the same slot for the same instant, so slot-based idempotency keys agree
// across restarts and replicas.
type Schedule struct {
	spec  string
	sched cron.Schedule
	every time.Duration
}

// ParseSchedule accepts standard five-field cron expressions and
// descriptors such as "@hourly" or "@every 2h".
func ParseSchedule(spec string) (*Schedule, error) {
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse schedule %q", spec)
	}
	s := &Schedule{spec: spec, sched: sched}
	if cd, ok := sched.(cron.ConstantDelaySchedule); ok {
		s.every = cd.Delay
	}
	return s, nil
}

func (s *Schedule) String() string { return s.spec }

// slotLookback bounds how far Slot searches for a past activation. Eight
// years covers the gap between consecutive February 29ths.
var slotLookback = []time.Duration{
	time.Hour,
	24 * time.Hour,
	32 * 24 * time.Hour,
	367 * 24 * time.Hour,
	8 * 366 * 24 * time.Hour,
}

// Slot returns the latest activation at or before t, or the zero time when
// the schedule has none within the lookback.
func (s *Schedule) Slot(t time.Time) time.Time {
	t = t.UTC()
	if s.every > 0 {
		return t.Truncate(s.every)
	}

	// Find an activation at or before t, then walk forward to the last one.
	var slot time.Time
	for _, back := range slotLookback {
		if next := s.sched.Next(t.Add(-back)); !next.IsZero() && !next.After(t) {
			slot = next
			break
		}
	}
	if slot.IsZero() {
		return time.Time{}
	}
	for next := s.sched.Next(slot); !next.After(t) && !next.IsZero(); next = s.sched.Next(slot) {
		slot = next
	}
	return slot.UTC()
}

// Next returns the first slot strictly after t, or the zero time when the
// schedule never fires again.
func (s *Schedule) Next(t time.Time) time.Time {
	t = t.UTC()
	if s.every > 0 {
		return t.Truncate(s.every).Add(s.every)
	}
	return s.sched.Next(t).UTC()
}

// IdempotencyKey identifies one run of kind for slot.
func IdempotencyKey(kind model.JobKind, slot time.Time) string {
	return fmt.Sprintf("%s:%s", kind, slot.UTC().Format(time.RFC3339))
}
