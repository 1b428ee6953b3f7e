package cron

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

type ScheduleKind string

const (
	ScheduleKindAt    ScheduleKind = "at"
	ScheduleKindEvery ScheduleKind = "every"
	ScheduleKindCron  ScheduleKind = "cron"
)

// Schedule describes when a recurring task fires.
type Schedule struct {
	Kind ScheduleKind `json:"kind"`

	// For "at" schedule
	At string `json:"at,omitempty"` // RFC 3339 timestamp

	// For "every" schedule
	EveryMs  int64  `json:"everyMs,omitempty"`
	AnchorMs *int64 `json:"anchorMs,omitempty"`

	// For "cron" schedule
	Expr string `json:"expr,omitempty"` // 5-field expression
	TZ   string `json:"tz,omitempty"`
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Validate reports whether s can produce run times.
func (s Schedule) Validate() error {
	_, err := CalculateNextRun(s, time.Now())
	return err
}

// CalculateNextRun returns the first run time of s after now. An "at"
// schedule returns its timestamp even when that is already in the past.
func CalculateNextRun(s Schedule, now time.Time) (time.Time, error) {
	switch s.Kind {
	case ScheduleKindAt:
		return nextAt(s)
	case ScheduleKindEvery:
		return nextEvery(s, now)
	case ScheduleKindCron:
		return nextCron(s, now)
	default:
		return time.Time{}, fmt.Errorf("unknown schedule kind: %s", s.Kind)
	}
}

func nextAt(s Schedule) (time.Time, error) {
	if s.At == "" {
		return time.Time{}, fmt.Errorf("'at' schedule requires 'at' field")
	}
	t, err := time.Parse(time.RFC3339, s.At)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	return t, nil
}

func nextEvery(s Schedule, now time.Time) (time.Time, error) {
	if s.EveryMs <= 0 {
		return time.Time{}, fmt.Errorf("'every' schedule requires positive 'everyMs' value")
	}
	nowMs := now.UnixMilli()
	if s.AnchorMs == nil {
		return time.UnixMilli(nowMs + s.EveryMs), nil
	}

	anchor := *s.AnchorMs
	elapsed := nowMs - anchor
	if elapsed < 0 {
		return time.UnixMilli(anchor), nil
	}
	periods := elapsed / s.EveryMs
	return time.UnixMilli(anchor + (periods+1)*s.EveryMs), nil
}

func nextCron(s Schedule, now time.Time) (time.Time, error) {
	if s.Expr == "" {
		return time.Time{}, fmt.Errorf("'cron' schedule requires 'expr' field")
	}
	sched, err := parser.Parse(s.Expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cron expression: %w", err)
	}
	if s.TZ != "" {
		loc, err := time.LoadLocation(s.TZ)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid timezone: %w", err)
		}
		now = now.In(loc)
	}
	return sched.Next(now), nil
}
