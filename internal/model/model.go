package model

import (
	"fmt"
	"time"
)

// NoSlot marks an EventDraft without a selected slot.
const NoSlot = -1

// DateLayout is the key format of UpcomingDate.Date and EventDraft.Date.
const DateLayout = "2006-01-02"

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM" (24h).
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid time of day %q: %w", s, err)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// MustClock is ParseClock for constants and tests.
func MustClock(s string) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		panic(err)
	}
	return c
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// Minutes returns the number of minutes since midnight.
func (c ClockTime) Minutes() int {
	return c.Hour*60 + c.Minute
}

// On returns the instant at c on the calendar day of d, in d's location.
//
// A wall time that falls in a daylight-saving gap does not exist; it is
// moved forward by the length of the gap (02:30 becomes 03:30), never
// earlier than the nominal time.
func (c ClockTime) On(d time.Time) time.Time {
	t := time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, d.Location())
	if t.Hour() == c.Hour && t.Minute() == c.Minute {
		return t
	}
	want := time.Date(d.Year(), d.Month(), d.Day(), c.Hour, c.Minute, 0, 0, time.UTC)
	got := time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), 0, 0, time.UTC)
	if skew := want.Sub(got); skew > 0 {
		t = t.Add(skew)
	}
	return t
}

func (c ClockTime) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *ClockTime) UnmarshalText(b []byte) error {
	parsed, err := ParseClock(string(b))
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// Slot is a recurring weekly time commitment of a Lesson.
//
// Slots are addressed by their index within Lesson.Slots. ID is an optional
// stable identifier that survives reordering.
type Slot struct {
	ID        string    `yaml:"id,omitempty" json:"id,omitempty"`
	DayOfWeek int       `yaml:"weekday" json:"weekday"` // 0 = Sunday .. 6 = Saturday
	StartTime ClockTime `yaml:"start" json:"start"`

	// EndTime and DurationMinutes are alternatives; EndTime wins when set.
	EndTime         *ClockTime `yaml:"end,omitempty" json:"end,omitempty"`
	DurationMinutes int        `yaml:"duration_minutes,omitempty" json:"duration_minutes,omitempty"`
}

// DefaultSlotDuration applies when a slot has neither an end time nor a
// duration.
const DefaultSlotDuration = 60 * time.Minute

// Duration returns the slot length. It may be zero or negative for a
// malformed slot; callers validate before use.
func (s Slot) Duration() time.Duration {
	if s.EndTime != nil {
		return time.Duration(s.EndTime.Minutes()-s.StartTime.Minutes()) * time.Minute
	}
	if s.DurationMinutes != 0 {
		return time.Duration(s.DurationMinutes) * time.Minute
	}
	return DefaultSlotDuration
}

// Weekday returns DayOfWeek as a time.Weekday.
func (s Slot) Weekday() time.Weekday {
	return time.Weekday(s.DayOfWeek)
}

// Lesson is a named course with its weekly slots.
type Lesson struct {
	ID    string `yaml:"id" json:"id"`
	Title string `yaml:"name" json:"name"`
	// Color is an optional hex colour (e.g. "#38bdf8") copied onto created events.
	Color string `yaml:"color,omitempty" json:"color,omitempty"`
	Slots []Slot `yaml:"slots" json:"slots"`
}

// FindLesson returns the lesson with the given id.
func FindLesson(lessons []Lesson, id string) (*Lesson, bool) {
	if id == "" {
		return nil, false
	}
	for i := range lessons {
		if lessons[i].ID == id {
			return &lessons[i], true
		}
	}
	return nil, false
}

// SlotAt returns the slot at idx, if it exists.
func (l *Lesson) SlotAt(idx int) (*Slot, bool) {
	if l == nil || idx < 0 || idx >= len(l.Slots) {
		return nil, false
	}
	return &l.Slots[idx], true
}

// UpcomingDate is one concrete occurrence of a Slot.
type UpcomingDate struct {
	// Date is the calendar day in DateLayout.
	Date  string    `json:"date"`
	Start time.Time `json:"start"`
}

// Label renders the date for option lists, e.g. "Tue, Mar 5, 2024".
func (u UpcomingDate) Label() string {
	return u.Start.Format("Mon, Jan 2, 2006")
}

// EventType is one of the configured event kinds (class, test, ...).
type EventType string

const (
	EventClass    EventType = "class"
	EventTest     EventType = "test"
	EventHomework EventType = "homework"
	EventOther    EventType = "other"
)

// EventTypeOption pairs an EventType with its display label.
type EventTypeOption struct {
	Value EventType `yaml:"value" json:"value"`
	Label string    `yaml:"label" json:"label"`
}

// ReminderConfig describes when a reminder fires relative to the event day.
type ReminderConfig struct {
	DaysBefore int       `json:"days_before"`
	TimeOfDay  ClockTime `json:"time_of_day"`
}

// EventDraft is the in-progress, not yet submitted event.
type EventDraft struct {
	LessonID  string         `json:"lesson_id"`
	SlotIndex int            `json:"slot_index"` // NoSlot when unset
	Date      string         `json:"date"`       // DateLayout, empty when unset
	EventType EventType      `json:"event_type"`
	Topic     string         `json:"topic"`
	Notes     string         `json:"notes"`
	Reminder  ReminderConfig `json:"reminder"`
}

// Reminder is a popup reminder relative to the event start.
type Reminder struct {
	MinutesBefore int `json:"minutes_before"`
}

// CalendarEvent is the payload handed to the event persistence collaborator.
type CalendarEvent struct {
	UID         string     `json:"uid"`
	LessonID    string     `json:"lesson_id,omitempty"`
	EventType   EventType  `json:"event_type,omitempty"`
	Summary     string     `json:"summary"`
	Description string     `json:"description"`
	Start       time.Time  `json:"start"`
	End         time.Time  `json:"end"`
	Color       string     `json:"color,omitempty"`
	Reminders   []Reminder `json:"reminders,omitempty"`
}

type SubmissionStatus string

const (
	StatusPending SubmissionStatus = "pending"
	StatusSuccess SubmissionStatus = "success"
	StatusFailure SubmissionStatus = "failure"
)

// SubmissionResult is the transient outcome of one submit attempt.
type SubmissionResult struct {
	Status  SubmissionStatus `json:"status"`
	Message string           `json:"message"`
	Err     error            `json:"-"`
}
