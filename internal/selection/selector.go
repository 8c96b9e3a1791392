package selection

import (
	"slices"
	"time"

	"lessoncal/internal/model"
	"lessoncal/internal/reminder"
)

// DefaultReminderDays is the initial reminder offset of a fresh draft.
const DefaultReminderDays = 2

// DefaultReminderTime is used when no reminder times are configured.
var DefaultReminderTime = model.ClockTime{Hour: 16}

// View is a consistent snapshot of the selector.
type View struct {
	Draft          model.EventDraft     `json:"draft"`
	Lesson         *model.Lesson        `json:"lesson,omitempty"`
	Slot           *model.Slot          `json:"slot,omitempty"`
	AvailableDates []model.UpcomingDate `json:"available_dates"`
	Constraint     reminder.Constraint  `json:"constraint"`
	ReminderDays   []int                `json:"reminder_days"`
	// Now is the instant the dates were computed from.
	Now time.Time `json:"now"`
}

// Selector owns an EventDraft and the lesson list it refers to. Every
// mutator applies its change and then runs one reconciliation pass, so the
// draft held by a Selector always satisfies the invariants.
//
// A Selector is not safe for concurrent use.
type Selector struct {
	rec          Reconciler
	now          func() time.Time
	reminderTime model.ClockTime

	lessons []model.Lesson
	draft   model.EventDraft
}

// Option configures a Selector.
type Option func(*Selector)

// WithClock sets the time source used to anchor upcoming dates.
func WithClock(now func() time.Time) Option {
	return func(s *Selector) {
		if now != nil {
			s.now = now
		}
	}
}

// WithReminderTime sets the reminder time of day for fresh drafts.
func WithReminderTime(t model.ClockTime) Option {
	return func(s *Selector) { s.reminderTime = t }
}

// New builds a Selector over lessons with an initial draft.
func New(rec Reconciler, lessons []model.Lesson, opts ...Option) *Selector {
	s := &Selector{
		rec:          rec,
		now:          time.Now,
		reminderTime: DefaultReminderTime,
		lessons:      slices.Clone(lessons),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.draft = s.rec.Reconcile(s.initialDraft(), s.lessons, s.now())
	return s
}

func (s *Selector) initialDraft() model.EventDraft {
	d := model.EventDraft{
		SlotIndex: model.NoSlot,
		Reminder: model.ReminderConfig{
			DaysBefore: DefaultReminderDays,
			TimeOfDay:  s.reminderTime,
		},
	}
	if len(s.rec.EventTypes) > 0 {
		d.EventType = s.rec.EventTypes[0]
	}
	if len(s.lessons) > 0 {
		d.LessonID = s.lessons[0].ID
		d.SlotIndex = 0
	}
	return d
}

// apply reconciles next and commits it in a single assignment.
func (s *Selector) apply(next model.EventDraft) {
	s.draft = s.rec.Reconcile(next, s.lessons, s.now())
}

// Restore replaces the draft with d, e.g. to undo a partially applied
// update. d is reconciled like any other change.
func (s *Selector) Restore(d model.EventDraft) {
	s.apply(d)
}

// Draft returns the current draft.
func (s *Selector) Draft() model.EventDraft {
	return s.draft
}

// Lessons returns the lesson list the draft is reconciled against.
func (s *Selector) Lessons() []model.Lesson {
	return s.lessons
}

// View returns the draft together with its derived values.
func (s *Selector) View() View {
	now := s.now()
	v := View{
		Draft:        s.draft,
		Constraint:   s.rec.Policies.Constraints(s.draft.EventType, s.draft.Reminder.DaysBefore),
		ReminderDays: s.rec.Policies.Options(s.draft.EventType),
		Now:          now,
	}
	if l, ok := model.FindLesson(s.lessons, s.draft.LessonID); ok {
		lc := *l
		v.Lesson = &lc
		if slot, ok := l.SlotAt(s.draft.SlotIndex); ok {
			sc := *slot
			v.Slot = &sc
		}
	}
	v.AvailableDates = s.rec.AvailableDates(v.Slot, now)
	if v.AvailableDates == nil {
		v.AvailableDates = []model.UpcomingDate{}
	}
	return v
}

// SetLessons replaces the lesson list, e.g. after a reload.
func (s *Selector) SetLessons(lessons []model.Lesson) {
	s.lessons = slices.Clone(lessons)
	s.apply(s.draft)
}

// SelectLesson selects a lesson by id. The slot index is kept when the new
// lesson has a slot at that position. An unknown id falls back to the first
// lesson.
func (s *Selector) SelectLesson(id string) {
	next := s.draft
	next.LessonID = id
	s.apply(next)
}

// SelectSlot selects a slot of the current lesson by index.
func (s *Selector) SelectSlot(idx int) {
	next := s.draft
	next.SlotIndex = idx
	s.apply(next)
}

// SelectSlotByID selects a slot of the current lesson by its stable id.
// It reports false, leaving the draft unchanged, when no slot has that id.
func (s *Selector) SelectSlotByID(id string) bool {
	l, ok := model.FindLesson(s.lessons, s.draft.LessonID)
	if !ok || id == "" {
		return false
	}
	for i, slot := range l.Slots {
		if slot.ID == id {
			s.SelectSlot(i)
			return true
		}
	}
	return false
}

// SelectDate selects a concrete date (model.DateLayout).
func (s *Selector) SelectDate(date string) {
	next := s.draft
	next.Date = date
	s.apply(next)
}

// SetEventType changes the event type; the reminder offset is corrected to
// the new type's constraint.
func (s *Selector) SetEventType(t model.EventType) {
	next := s.draft
	next.EventType = t
	s.apply(next)
}

func (s *Selector) SetTopic(topic string) {
	s.draft.Topic = topic
}

func (s *Selector) SetNotes(notes string) {
	s.draft.Notes = notes
}

// SetReminderDays sets the reminder offset, subject to the type's constraint.
func (s *Selector) SetReminderDays(n int) {
	next := s.draft
	next.Reminder.DaysBefore = n
	s.apply(next)
}

func (s *Selector) SetReminderTime(t model.ClockTime) {
	s.draft.Reminder.TimeOfDay = t
}

// Refresh re-anchors the upcoming dates at the current instant, dropping a
// selected date that has since passed.
func (s *Selector) Refresh() {
	s.apply(s.draft)
}

// Reset discards the draft and starts over from the current lesson list.
func (s *Selector) Reset() {
	s.apply(s.initialDraft())
}
