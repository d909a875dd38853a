// Package warmup implements the sender-reputation ramp: how many messages
// may go out per day and per hour on a given day of the campaign, and how
// long to pause between two sends.
package warmup

import (
	"fmt"
	"time"

	"github.com/nimasrn/outreach-gateway/pkg/random"
)

// RampDays is the length of the ramp. Days after it use the plateau entry.
const RampDays = 30

const day = 24 * time.Hour

type ScheduleEntry struct {
	Day         int           `json:"day"`
	DailyLimit  int           `json:"dailyLimit"`
	HourlyLimit int           `json:"hourlyLimit"`
	MinDelay    time.Duration `json:"minDelay"`
	MaxDelay    time.Duration `json:"maxDelay"`
}

func entry(d, daily, hourly, minMinutes, maxMinutes int) ScheduleEntry {
	return ScheduleEntry{
		Day:         d,
		DailyLimit:  daily,
		HourlyLimit: hourly,
		MinDelay:    time.Duration(minMinutes) * time.Minute,
		MaxDelay:    time.Duration(maxMinutes) * time.Minute,
	}
}

func buildRamp() []ScheduleEntry {
	steps := []struct {
		through, daily, hourly, minM, maxM int
	}{
		{5, 5, 1, 30, 60},
		{10, 10, 2, 20, 40},
		{15, 20, 3, 15, 30},
		{20, 40, 5, 10, 20},
		{25, 60, 7, 8, 15},
		{28, 80, 10, 5, 10},
		{30, 100, 12, 5, 10},
	}
	table := make([]ScheduleEntry, 0, RampDays)
	d := 1
	for _, s := range steps {
		for ; d <= s.through; d++ {
			table = append(table, entry(d, s.daily, s.hourly, s.minM, s.maxM))
		}
	}
	return table
}

var (
	// DefaultSchedule is the 30-day ramp, one entry per day.
	DefaultSchedule = buildRamp()
	// Plateau applies from day 31 on.
	Plateau = entry(RampDays+1, 100, 12, 2, 5)
)

// Validate checks that table covers days 1..n contiguously, that limits never
// shrink and delay bounds never grow from one day to the next (plateau
// included), and that every entry has minDelay <= maxDelay.
func Validate(table []ScheduleEntry, plateau ScheduleEntry) error {
	if len(table) == 0 {
		return fmt.Errorf("warmup: empty schedule")
	}
	all := append(append([]ScheduleEntry(nil), table...), plateau)
	for i, e := range all {
		if i < len(table) && e.Day != i+1 {
			return fmt.Errorf("warmup: entry %d has day %d, want %d", i, e.Day, i+1)
		}
		if e.DailyLimit <= 0 || e.HourlyLimit <= 0 {
			return fmt.Errorf("warmup: day %d has a non-positive limit", e.Day)
		}
		if e.MinDelay < 0 || e.MinDelay > e.MaxDelay {
			return fmt.Errorf("warmup: day %d has delay bounds %s..%s", e.Day, e.MinDelay, e.MaxDelay)
		}
		if i == 0 {
			continue
		}
		prev := all[i-1]
		if e.DailyLimit < prev.DailyLimit || e.HourlyLimit < prev.HourlyLimit {
			return fmt.Errorf("warmup: limits decrease on day %d", e.Day)
		}
		if e.MinDelay > prev.MinDelay || e.MaxDelay > prev.MaxDelay {
			return fmt.Errorf("warmup: delay bounds increase on day %d", e.Day)
		}
	}
	return nil
}

type Scheduler struct {
	table      []ScheduleEntry
	plateau    ScheduleEntry
	rnd        random.Source
	loc        *time.Location
	resumeHour int
}

type Option func(*Scheduler)

// WithRandom sets the source jitter is drawn from.
func WithRandom(src random.Source) Option {
	return func(s *Scheduler) { s.rnd = src }
}

// WithLocation sets the zone that day and hour windows are computed in.
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) { s.loc = loc }
}

// WithResumeHour sets the local hour sending resumes at after a full day.
func WithResumeHour(hour int) Option {
	return func(s *Scheduler) { s.resumeHour = hour }
}

func WithSchedule(table []ScheduleEntry, plateau ScheduleEntry) Option {
	return func(s *Scheduler) {
		s.table = table
		s.plateau = plateau
	}
}

func NewScheduler(opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		table:      DefaultSchedule,
		plateau:    Plateau,
		loc:        time.Local,
		resumeHour: 9,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.rnd == nil {
		s.rnd = random.NewTimeSeeded()
	}
	if s.loc == nil {
		s.loc = time.Local
	}
	if s.resumeHour < 0 || s.resumeHour > 23 {
		return nil, fmt.Errorf("warmup: resume hour %d out of range", s.resumeHour)
	}
	if err := Validate(s.table, s.plateau); err != nil {
		return nil, err
	}
	return s, nil
}

// CurrentDay returns max(1, ceil((now-start)/24h)).
func (s *Scheduler) CurrentDay(start, now time.Time) int {
	elapsed := now.Sub(start)
	if elapsed <= 0 {
		return 1
	}
	d := int((elapsed + day - 1) / day)
	if d < 1 {
		return 1
	}
	return d
}

// ScheduleFor returns the entry for day, the plateau past the ramp.
func (s *Scheduler) ScheduleFor(d int) ScheduleEntry {
	if d < 1 {
		d = 1
	}
	if d > len(s.table) {
		return s.plateau
	}
	return s.table[d-1]
}

func (s *Scheduler) CanSend(sentToday, sentThisHour, d int) bool {
	e := s.ScheduleFor(d)
	return sentToday < e.DailyLimit && sentThisHour < e.HourlyLimit
}

// NextAvailableTime returns the earliest moment another send is allowed:
// the resume hour of the next day when the daily cap is hit, the top of the
// next hour when the hourly cap is hit, and now plus jitter otherwise.
func (s *Scheduler) NextAvailableTime(sentToday, sentThisHour, d int, now time.Time) time.Time {
	e := s.ScheduleFor(d)
	local := now.In(s.loc)
	y, m, dd := local.Date()

	switch {
	case sentToday >= e.DailyLimit:
		return time.Date(y, m, dd+1, s.resumeHour, 0, 0, 0, s.loc)
	case sentThisHour >= e.HourlyLimit:
		return time.Date(y, m, dd, local.Hour()+1, 0, 0, 0, s.loc)
	default:
		return now.Add(s.Jitter(d))
	}
}

// Jitter draws a uniform delay within the day's [MinDelay, MaxDelay].
func (s *Scheduler) Jitter(d int) time.Duration {
	e := s.ScheduleFor(d)
	span := e.MaxDelay - e.MinDelay
	if span <= 0 {
		return e.MinDelay
	}
	return e.MinDelay + time.Duration(s.rnd.Int64N(int64(span)+1))
}

// DayStart is the start of the local calendar day containing now.
func (s *Scheduler) DayStart(now time.Time) time.Time {
	local := now.In(s.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, s.loc)
}

// HourStart is the start of the local clock hour containing now.
func (s *Scheduler) HourStart(now time.Time) time.Time {
	local := now.In(s.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, local.Hour(), 0, 0, 0, s.loc)
}

func (s *Scheduler) IsComplete(d int) bool {
	return d > len(s.table)
}

type Stats struct {
	Day         int     `json:"day"`
	DailyLimit  int     `json:"dailyLimit"`
	HourlyLimit int     `json:"hourlyLimit"`
	Progress    float64 `json:"progress"`
	IsComplete  bool    `json:"isComplete"`
}

func (s *Scheduler) Stats(start, now time.Time) Stats {
	d := s.CurrentDay(start, now)
	e := s.ScheduleFor(d)
	progress := float64(d) / float64(len(s.table)) * 100
	if progress > 100 {
		progress = 100
	}
	return Stats{
		Day:         d,
		DailyLimit:  e.DailyLimit,
		HourlyLimit: e.HourlyLimit,
		Progress:    progress,
		IsComplete:  s.IsComplete(d),
	}
}
