package task

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// RecurrenceKind selects which rule fields are in effect.
type RecurrenceKind string

const (
	RecurInterval RecurrenceKind = "interval"
	RecurDaily    RecurrenceKind = "daily"
	RecurWeekly   RecurrenceKind = "weekly"
	RecurOnce     RecurrenceKind = "once"
)

// RecurrenceRule describes when a task runs.
//
//	interval: every Every, anchored on completion time
//	daily:    at Hour:Minute; if today's slot already passed, tomorrow
//	weekly:   at Weekday Hour:Minute (Sunday=0), rolling to next week
//	once:     at At exactly once, then the task is done
type RecurrenceRule struct {
	Kind RecurrenceKind `json:"kind"`

	Every time.Duration `json:"every,omitempty"` // interval

	Hour    int          `json:"hour,omitempty"`    // daily, weekly
	Minute  int          `json:"minute,omitempty"`  // daily, weekly
	Weekday time.Weekday `json:"weekday,omitempty"` // weekly

	At time.Time `json:"at,omitempty"` // once
}

// Clock-time rules compile to standard 5-field cron specs, so next-run
// math matches crontab behavior exactly.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

func Interval(every time.Duration) RecurrenceRule {
	return RecurrenceRule{Kind: RecurInterval, Every: every}
}

func Daily(hour, minute int) RecurrenceRule {
	return RecurrenceRule{Kind: RecurDaily, Hour: hour, Minute: minute}
}

func Weekly(day time.Weekday, hour, minute int) RecurrenceRule {
	return RecurrenceRule{Kind: RecurWeekly, Weekday: day, Hour: hour, Minute: minute}
}

func Once(at time.Time) RecurrenceRule {
	return RecurrenceRule{Kind: RecurOnce, At: at}
}

func (r RecurrenceRule) Validate() error {
	switch r.Kind {
	case RecurInterval:
		if r.Every <= 0 {
			return invalidf("recurrence.every", "must be > 0")
		}
	case RecurDaily:
		if r.Hour < 0 || r.Hour > 23 {
			return invalidf("recurrence.hour", "out of range 0..23")
		}
		if r.Minute < 0 || r.Minute > 59 {
			return invalidf("recurrence.minute", "out of range 0..59")
		}
	case RecurWeekly:
		if r.Weekday < time.Sunday || r.Weekday > time.Saturday {
			return invalidf("recurrence.weekday", "out of range 0..6")
		}
		if r.Hour < 0 || r.Hour > 23 {
			return invalidf("recurrence.hour", "out of range 0..23")
		}
		if r.Minute < 0 || r.Minute > 59 {
			return invalidf("recurrence.minute", "out of range 0..59")
		}
	case RecurOnce:
		if r.At.IsZero() {
			return invalidf("recurrence.at", "required")
		}
	default:
		return invalidf("recurrence.kind", "unknown kind %q", r.Kind)
	}
	return nil
}

// Recurring reports whether the rule produces more than one occurrence.
func (r RecurrenceRule) Recurring() bool { return r.Kind != RecurOnce }

// NextAfter returns the first occurrence strictly after now.
//
// For once rules it returns At unconditionally: a timestamp already in
// the past means "due now, exactly once" (catch-up), which the scheduler
// picks up on its next tick.
func (r RecurrenceRule) NextAfter(now time.Time) time.Time {
	switch r.Kind {
	case RecurInterval:
		return now.Add(r.Every)
	case RecurDaily, RecurWeekly:
		sched, err := cronParser.Parse(r.cronSpec())
		if err != nil {
			// Unreachable after Validate; a zero time would make the
			// task permanently due, so park it instead.
			return now.AddDate(100, 0, 0)
		}
		return sched.Next(now)
	case RecurOnce:
		return r.At
	}
	return now.AddDate(100, 0, 0)
}

func (r RecurrenceRule) cronSpec() string {
	switch r.Kind {
	case RecurDaily:
		return fmt.Sprintf("%d %d * * *", r.Minute, r.Hour)
	case RecurWeekly:
		// Sunday=0, matching both time.Weekday and cron dow.
		return fmt.Sprintf("%d %d * * %d", r.Minute, r.Hour, int(r.Weekday))
	}
	return ""
}

// Equal compares rules field-wise (time.Time via Equal).
func (r RecurrenceRule) Equal(o RecurrenceRule) bool {
	return r.Kind == o.Kind &&
		r.Every == o.Every &&
		r.Hour == o.Hour &&
		r.Minute == o.Minute &&
		r.Weekday == o.Weekday &&
		r.At.Equal(o.At)
}

func (r RecurrenceRule) String() string {
	switch r.Kind {
	case RecurInterval:
		return "every " + r.Every.String()
	case RecurDaily:
		return fmt.Sprintf("daily %02d:%02d", r.Hour, r.Minute)
	case RecurWeekly:
		return fmt.Sprintf("weekly %s %02d:%02d", r.Weekday, r.Hour, r.Minute)
	case RecurOnce:
		return "once " + r.At.Format(time.RFC3339)
	}
	return string(r.Kind)
}
