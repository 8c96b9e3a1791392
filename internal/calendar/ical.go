// Package calendar stores created lesson events as iCalendar data.
package calendar

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
)

// Non-standard properties carrying lesson metadata.
const (
	propLessonID  = "X-LESSONCAL-LESSON-ID"
	propEventType = "X-LESSONCAL-TYPE"
	propColor     = "COLOR"
	propTrigger   = "TRIGGER"
)

func addEvent(cal *ical.Calendar, ev model.CalendarEvent, stamp time.Time) {
	ve := cal.AddEvent(ev.UID)
	ve.SetDtStampTime(stamp)
	ve.SetCreatedTime(stamp)
	ve.SetStartAt(ev.Start)
	ve.SetEndAt(ev.End)
	ve.SetSummary(ev.Summary)
	if ev.Description != "" {
		ve.SetDescription(ev.Description)
	}
	if ev.Color != "" {
		ve.SetProperty(ical.ComponentProperty(propColor), ev.Color)
	}
	if ev.LessonID != "" {
		ve.SetProperty(ical.ComponentProperty(propLessonID), ev.LessonID)
	}
	if ev.EventType != "" {
		ve.SetProperty(ical.ComponentProperty(propEventType), string(ev.EventType))
	}
	for _, r := range ev.Reminders {
		alarm := ve.AddAlarm()
		alarm.SetAction(ical.ActionDisplay)
		alarm.SetProperty(ical.ComponentPropertyDescription, ev.Summary)
		alarm.SetTrigger(formatTrigger(r.MinutesBefore))
	}
}

// ParseEvents parses an iCalendar payload into events. VEVENTs that cannot
// be read are logged and skipped.
func ParseEvents(body []byte) ([]model.CalendarEvent, error) {
	if len(body) == 0 {
		return nil, errors.New("empty ICS body")
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]model.CalendarEvent, 0)
	for _, ve := range cal.Events() {
		ev, perr := parseVEvent(ve)
		if perr != nil {
			appLog.Error("calendar vevent parse failed", perr)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func parseVEvent(ve *ical.VEvent) (model.CalendarEvent, error) {
	var out model.CalendarEvent

	uidProp := ve.GetProperty(ical.ComponentPropertyUniqueId)
	if uidProp == nil || uidProp.Value == "" {
		return out, errors.New("missing UID")
	}
	out.UID = uidProp.Value

	start, err := ve.GetStartAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: DTSTART: %w", out.UID, err)
	}
	end, err := ve.GetEndAt()
	if err != nil {
		return out, fmt.Errorf("uid %s: DTEND: %w", out.UID, err)
	}
	out.Start = start
	out.End = end

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = p.Value
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = p.Value
	}
	if p := ve.GetProperty(propColor); p != nil {
		out.Color = p.Value
	}
	if p := ve.GetProperty(propLessonID); p != nil {
		out.LessonID = p.Value
	}
	if p := ve.GetProperty(propEventType); p != nil {
		out.EventType = model.EventType(p.Value)
	}

	for _, alarm := range ve.Alarms() {
		p := alarm.GetProperty(propTrigger)
		if p == nil {
			continue
		}
		minutes, err := parseTrigger(p.Value)
		if err != nil {
			appLog.Debug("calendar: unsupported alarm trigger", "uid", out.UID, "trigger", p.Value)
			continue
		}
		out.Reminders = append(out.Reminders, model.Reminder{MinutesBefore: minutes})
	}

	return out, nil
}

// formatTrigger renders a relative "minutes before start" trigger, e.g.
// -PT1080M.
func formatTrigger(minutesBefore int) string {
	return "-PT" + strconv.Itoa(minutesBefore) + "M"
}

// maxTriggerNumber bounds each duration component so the minute total
// cannot overflow.
const maxTriggerNumber = math.MaxInt32

// parseTrigger reads the subset of RFC 5545 durations used for relative
// alarm triggers (weeks, days, hours, minutes) and returns minutes before
// start.
func parseTrigger(v string) (int, error) {
	s := strings.TrimSpace(v)
	negative := false
	switch {
	case strings.HasPrefix(s, "-"):
		negative = true
		s = s[1:]
	case strings.HasPrefix(s, "+"):
		s = s[1:]
	}
	if !strings.HasPrefix(s, "P") {
		return 0, fmt.Errorf("trigger %q is not a duration", v)
	}
	s = s[1:]

	total := 0
	inTime := false
	num := ""
	for _, r := range s {
		switch {
		case r == 'T':
			inTime = true
		case r >= '0' && r <= '9':
			num += string(r)
		default:
			if num == "" {
				return 0, fmt.Errorf("trigger %q: missing number before %c", v, r)
			}
			n, err := strconv.Atoi(num)
			if err != nil {
				return 0, fmt.Errorf("trigger %q: %w", v, err)
			}
			if n > maxTriggerNumber {
				return 0, fmt.Errorf("trigger %q: %s%c out of range", v, num, r)
			}
			num = ""
			switch {
			case r == 'W' && !inTime:
				total += n * 7 * 24 * 60
			case r == 'D' && !inTime:
				total += n * 24 * 60
			case r == 'H' && inTime:
				total += n * 60
			case r == 'M' && inTime:
				total += n
			case r == 'S' && inTime:
				// sub-minute precision is dropped
			default:
				return 0, fmt.Errorf("trigger %q: unexpected %c", v, r)
			}
		}
	}
	if num != "" {
		return 0, fmt.Errorf("trigger %q: dangling number", v)
	}
	if !negative {
		return -total, nil
	}
	return total, nil
}
