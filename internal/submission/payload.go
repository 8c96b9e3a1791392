package submission

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"lessoncal/internal/model"
	"lessoncal/internal/recurrence"
	"lessoncal/internal/reminder"
	"lessoncal/internal/selection"
)

const descriptionFooter = "Created with Lesson Calendar"

var weekdayNames = [7]string{"Sun", "Mon", "Tue", "Wed", "Thu", "Fri", "Sat"}

// Builder turns a selector view into a CalendarEvent.
type Builder struct {
	Policies reminder.Table
	// Labels maps event types to display labels for descriptions.
	Labels map[model.EventType]string
	// NewUID generates event UIDs.
	NewUID func() string
}

// BuildEvent validates v and builds the event payload. Every failure wraps
// ErrInvalidDraft.
func (b Builder) BuildEvent(v selection.View) (model.CalendarEvent, error) {
	if v.Lesson == nil {
		return model.CalendarEvent{}, invalid("add a lesson before creating events")
	}
	if len(v.Lesson.Slots) == 0 {
		return model.CalendarEvent{}, invalid("this lesson needs at least one weekly slot")
	}
	if v.Slot == nil {
		return model.CalendarEvent{}, invalid("select a time slot")
	}
	if v.Draft.Date == "" {
		return model.CalendarEvent{}, invalid("choose a date")
	}

	// Dates are keyed in the zone of the instant they were generated from.
	day, err := time.ParseInLocation(model.DateLayout, v.Draft.Date, v.Now.Location())
	if err != nil {
		return model.CalendarEvent{}, invalid(fmt.Sprintf("invalid date %q", v.Draft.Date))
	}
	if day.Weekday() != v.Slot.Weekday() {
		return model.CalendarEvent{}, invalid(fmt.Sprintf("selected date must be a %s", weekdayName(v.Slot.DayOfWeek)))
	}
	if !recurrence.Contains(v.AvailableDates, v.Draft.Date) {
		return model.CalendarEvent{}, invalid("selected date is no longer available")
	}
	dur := v.Slot.Duration()
	if dur <= 0 {
		return model.CalendarEvent{}, invalid("slot end time must be after start time")
	}

	start := v.Slot.StartTime.On(day)
	ev := model.CalendarEvent{
		UID:       b.uid(),
		LessonID:  v.Lesson.ID,
		EventType: v.Draft.EventType,
		Summary:   Summary(v.Lesson.Title, v.Draft.EventType, v.Draft.Topic),
		Description: Description(v.Lesson.Title, b.label(v.Draft.EventType),
			v.Draft.Topic, v.Draft.Notes),
		Start: start,
		End:   start.Add(dur),
		Color: v.Lesson.Color,
	}

	if b.Policies.Attaches(v.Draft.EventType) {
		days := b.Policies.Apply(v.Draft.EventType, v.Draft.Reminder.DaysBefore)
		if minutes, ok := reminder.LeadTime(start, days, v.Draft.Reminder.TimeOfDay); ok {
			ev.Reminders = []model.Reminder{{MinutesBefore: minutes}}
		}
	}
	return ev, nil
}

func (b Builder) uid() string {
	if b.NewUID != nil {
		return b.NewUID()
	}
	return uuid.NewString()
}

func (b Builder) label(t model.EventType) string {
	if l, ok := b.Labels[t]; ok && l != "" {
		return l
	}
	return string(t)
}

// Summary renders the event title: the lesson name for classes, with a
// type suffix and optional topic for tests and homework.
func Summary(lesson string, t model.EventType, topic string) string {
	topic = strings.TrimSpace(topic)
	var kind string
	switch t {
	case model.EventTest:
		kind = "Test"
	case model.EventHomework:
		kind = "Homework"
	default:
		return lesson
	}
	if topic == "" {
		return lesson + " " + kind
	}
	return lesson + " " + kind + ": " + topic
}

// Description renders the event body.
func Description(lesson, typeLabel, topic, notes string) string {
	lines := []string{"Lesson: " + lesson, "Type: " + typeLabel}
	if t := strings.TrimSpace(topic); t != "" {
		lines = append(lines, "Topic: "+t)
	}
	if n := strings.TrimSpace(notes); n != "" {
		lines = append(lines, "", n)
	}
	lines = append(lines, "", descriptionFooter)
	return strings.Join(lines, "\n")
}

func weekdayName(d int) string {
	if d < 0 || d > 6 {
		return fmt.Sprintf("weekday %d", d)
	}
	return weekdayNames[d]
}

func invalid(reason string) error {
	return fmt.Errorf("%w: %s", ErrInvalidDraft, reason)
}
