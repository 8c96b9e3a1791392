// Package recurrence expands weekly lesson slots into concrete upcoming
// dates.
package recurrence

import (
	"time"

	"github.com/teambition/rrule-go"

	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
)

// DefaultHorizon is the number of upcoming dates offered per slot.
const DefaultHorizon = 6

var rruleWeekdays = [7]rrule.Weekday{
	rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA,
}

// GenerateUpcomingDates returns the next horizon occurrences of slot at or
// after ref, in ascending order and in ref's location.
//
// When the slot falls on ref's weekday, today is included only if the slot
// start is not already past. A nil slot or an out-of-range weekday yields an
// empty result. The function is pure: identical inputs give identical output.
func GenerateUpcomingDates(slot *model.Slot, ref time.Time, horizon int) []model.UpcomingDate {
	if slot == nil {
		return nil
	}
	if slot.DayOfWeek < 0 || slot.DayOfWeek > 6 {
		return nil
	}
	if horizon <= 0 {
		horizon = DefaultHorizon
	}

	// The rule runs on wall-clock dates in UTC, anchored on ref's calendar
	// day; the weekday filter drops the anchor itself when it does not
	// match. Each date is then placed in ref's location, so a DST change
	// between occurrences never shifts the slot time.
	anchor := time.Date(ref.Year(), ref.Month(), ref.Day(), 0, 0, 0, 0, time.UTC)

	r, err := rrule.NewRRule(rrule.ROption{
		Freq:      rrule.WEEKLY,
		Byweekday: []rrule.Weekday{rruleWeekdays[slot.DayOfWeek]},
		Dtstart:   anchor,
		Count:     horizon + 1,
	})
	if err != nil {
		appLog.Error("recurrence: failed to build weekly rule", err, "weekday", slot.DayOfWeek, "start", slot.StartTime.String())
		return nil
	}

	out := make([]model.UpcomingDate, 0, horizon)
	next := r.Iterator()
	for len(out) < horizon {
		day, ok := next()
		if !ok {
			break
		}
		// Noon always exists, so the calendar day survives into ref's zone.
		occ := slot.StartTime.On(time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, ref.Location()))
		if occ.Before(ref) {
			continue
		}
		out = append(out, model.UpcomingDate{
			Date:  day.Format(model.DateLayout),
			Start: occ,
		})
	}
	return out
}

// Contains reports whether date (model.DateLayout) is one of dates.
func Contains(dates []model.UpcomingDate, date string) bool {
	return Find(dates, date) >= 0
}

// Find returns the index of date within dates, or -1.
func Find(dates []model.UpcomingDate, date string) int {
	if date == "" {
		return -1
	}
	for i, d := range dates {
		if d.Date == date {
			return i
		}
	}
	return -1
}
