// Package schedule computes when the next step of a campaign sequence is
// due. All functions are pure: the reference time is an explicit parameter
// and results are computed in the reference time's location, which the
// caller sets to the deployment's configured time zone.
package schedule

import (
	"fmt"
	"time"

	"github.com/brokerloop/crm/internal/domain"
)

// maxAdjustIterations bounds the quiet-hours/send-day adjustment loop. Seven
// day advances plus one same-day move covers the worst case of all
// constraints combined.
const maxAdjustIterations = 8

// Params holds the schedule policy of a single step.
type Params struct {
	Type       domain.ScheduleType
	DelayHours int
	DayOfWeek  int    // 0=Sunday..6, weekly only
	DayOfMonth int    // 1..31, monthly only
	TimeOfDay  string // "HH:MM", weekly and monthly
}

// FromStep extracts schedule parameters from a campaign step.
func FromStep(s *domain.CampaignStep) Params {
	return Params{
		Type:       s.ScheduleType,
		DelayHours: s.DelayHours,
		DayOfWeek:  s.DayOfWeek,
		DayOfMonth: s.DayOfMonth,
		TimeOfDay:  s.TimeOfDay,
	}
}

// Window holds the campaign-level constraints applied after the raw
// candidate is computed. Zero values mean unconstrained.
type Window struct {
	QuietStart string // "HH:MM", start of the daily send window
	QuietEnd   string // "HH:MM", end of the daily send window (exclusive)
	SendDays   []int  // allowed weekdays 0=Sunday..6; empty allows all
}

// FromCampaign extracts the send window from a campaign.
func FromCampaign(c *domain.Campaign) Window {
	return Window{QuietStart: c.QuietStart, QuietEnd: c.QuietEnd, SendDays: c.SendDays}
}

// NextDue returns the next due timestamp for the given policy strictly
// derived from ref, adjusted forward to land on an allowed weekday inside
// the send window. Malformed parameters return an error; retrying cannot
// fix those, so callers treat it as a data-integrity failure.
func NextDue(p Params, ref time.Time, w Window) (time.Time, error) {
	var raw time.Time

	switch p.Type {
	case domain.ScheduleDelay:
		if p.DelayHours < 0 {
			return time.Time{}, fmt.Errorf("schedule: negative delay_hours %d", p.DelayHours)
		}
		raw = ref.Add(time.Duration(p.DelayHours) * time.Hour)

	case domain.ScheduleWeekly:
		if p.DayOfWeek < 0 || p.DayOfWeek > 6 {
			return time.Time{}, fmt.Errorf("schedule: day_of_week %d out of range", p.DayOfWeek)
		}
		hh, mm, err := parseClock(p.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		raw = nextWeekly(ref, time.Weekday(p.DayOfWeek), hh, mm)

	case domain.ScheduleMonthly:
		if p.DayOfMonth < 1 || p.DayOfMonth > 31 {
			return time.Time{}, fmt.Errorf("schedule: day_of_month %d out of range", p.DayOfMonth)
		}
		hh, mm, err := parseClock(p.TimeOfDay)
		if err != nil {
			return time.Time{}, err
		}
		raw = nextMonthly(ref, p.DayOfMonth, hh, mm)

	default:
		return time.Time{}, fmt.Errorf("schedule: unknown schedule_type %q", p.Type)
	}

	return Adjust(raw, w)
}

// nextWeekly finds the next occurrence of weekday at hh:mm strictly after
// ref. If ref falls exactly on that day and time, the result is a full week
// later.
func nextWeekly(ref time.Time, day time.Weekday, hh, mm int) time.Time {
	t := time.Date(ref.Year(), ref.Month(), ref.Day(), hh, mm, 0, 0, ref.Location())
	daysAhead := (int(day) - int(ref.Weekday()) + 7) % 7
	t = t.AddDate(0, 0, daysAhead)
	if !t.After(ref) {
		t = t.AddDate(0, 0, 7)
	}
	return t
}

// nextMonthly finds the next occurrence of dayOfMonth at hh:mm strictly
// after ref, skipping months that lack the requested day (e.g. day 31 in
// April).
func nextMonthly(ref time.Time, dayOfMonth, hh, mm int) time.Time {
	year, month := ref.Year(), ref.Month()
	for i := 0; i < 12; i++ {
		t := time.Date(year, month, dayOfMonth, hh, mm, 0, 0, ref.Location())
		// time.Date normalizes overflow (Apr 31 -> May 1); reject those.
		if t.Day() == dayOfMonth && t.After(ref) {
			return t
		}
		month++
		if month > time.December {
			month = time.January
			year++
		}
	}
	// Unreachable for valid 1..31 input: every 12-month span contains the day.
	return ref.AddDate(0, 1, 0)
}

// Adjust moves t forward until its weekday is allowed and its time of day
// falls within [QuietStart, QuietEnd). Outside the window the candidate
// advances to the next QuietStart on the same or next allowed day. The loop
// is bounded; exceeding the bound means the window excludes every weekday.
func Adjust(t time.Time, w Window) (time.Time, error) {
	if w.QuietStart == "" && w.QuietEnd == "" && len(w.SendDays) == 0 {
		return t, nil
	}

	var startHH, startMM, endHH, endMM int
	hasWindow := w.QuietStart != "" && w.QuietEnd != ""
	if hasWindow {
		var err error
		if startHH, startMM, err = parseClock(w.QuietStart); err != nil {
			return time.Time{}, err
		}
		if endHH, endMM, err = parseClock(w.QuietEnd); err != nil {
			return time.Time{}, err
		}
	}

	for i := 0; i < maxAdjustIterations; i++ {
		if !dayAllowed(t.Weekday(), w.SendDays) {
			t = nextDayAt(t, startHH, startMM, hasWindow)
			continue
		}
		if !hasWindow {
			return t, nil
		}

		open := time.Date(t.Year(), t.Month(), t.Day(), startHH, startMM, 0, 0, t.Location())
		close := time.Date(t.Year(), t.Month(), t.Day(), endHH, endMM, 0, 0, t.Location())
		switch {
		case t.Before(open):
			t = open
		case !t.Before(close):
			t = nextDayAt(t, startHH, startMM, true)
		default:
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("schedule: no allowed send day within %d adjustments", maxAdjustIterations)
}

// nextDayAt returns the day after t, at hh:mm if a window is configured or
// at t's own clock time otherwise.
func nextDayAt(t time.Time, hh, mm int, hasWindow bool) time.Time {
	next := t.AddDate(0, 0, 1)
	if hasWindow {
		return time.Date(next.Year(), next.Month(), next.Day(), hh, mm, 0, 0, t.Location())
	}
	return time.Date(next.Year(), next.Month(), next.Day(), t.Hour(), t.Minute(), 0, 0, t.Location())
}

func dayAllowed(day time.Weekday, sendDays []int) bool {
	if len(sendDays) == 0 {
		return true
	}
	for _, d := range sendDays {
		if int(day) == d {
			return true
		}
	}
	return false
}

func parseClock(s string) (hh, mm int, err error) {
	if s == "" {
		return 0, 0, fmt.Errorf("schedule: empty time of day")
	}
	if _, err := fmt.Sscanf(s, "%d:%d", &hh, &mm); err != nil {
		return 0, 0, fmt.Errorf("schedule: bad clock time %q: %w", s, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return 0, 0, fmt.Errorf("schedule: clock time %q out of range", s)
	}
	return hh, mm, nil
}
