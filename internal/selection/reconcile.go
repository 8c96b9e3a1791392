// Package selection keeps a lesson, slot, date, and reminder choice
// mutually consistent as the user edits a draft or the lesson list changes.
package selection

import (
	"slices"
	"time"

	"lessoncal/internal/model"
	"lessoncal/internal/recurrence"
	"lessoncal/internal/reminder"
)

// Reconciler repairs an EventDraft against a lesson list. It holds only
// configuration; Reconcile itself is pure.
type Reconciler struct {
	// Horizon is the number of upcoming dates offered per slot.
	Horizon int
	// Policies is the reminder constraint table.
	Policies reminder.Table
	// EventTypes is the configured set of event types, in display order.
	EventTypes []model.EventType
}

// NewReconciler returns a Reconciler with the default horizon, policy table,
// and event types.
func NewReconciler() Reconciler {
	return Reconciler{
		Horizon:    recurrence.DefaultHorizon,
		Policies:   reminder.DefaultTable(),
		EventTypes: []model.EventType{model.EventClass, model.EventTest, model.EventHomework, model.EventOther},
	}
}

// Reconcile returns draft repaired so that every invariant holds:
//
//  1. no lessons: lesson, slot and date are cleared
//  2. unknown lesson: the first lesson is selected with slot 0 (or none)
//  3. lesson without slots clears slot and date; a dangling slot becomes 0
//  4. a date outside the upcoming dates becomes the first one (or none)
//  5. an unknown event type becomes the first configured type and the
//     reminder offset is corrected by the policy table
//
// Reconcile is idempotent.
func (r Reconciler) Reconcile(draft model.EventDraft, lessons []model.Lesson, now time.Time) model.EventDraft {
	lesson := r.reconcileLesson(&draft, lessons)
	slot := reconcileSlot(&draft, lesson)
	r.reconcileDate(&draft, slot, now)
	r.reconcileReminder(&draft)
	return draft
}

func (r Reconciler) reconcileLesson(d *model.EventDraft, lessons []model.Lesson) *model.Lesson {
	if len(lessons) == 0 {
		d.LessonID = ""
		d.SlotIndex = model.NoSlot
		d.Date = ""
		return nil
	}
	if l, ok := model.FindLesson(lessons, d.LessonID); ok {
		return l
	}
	first := &lessons[0]
	d.LessonID = first.ID
	if len(first.Slots) > 0 {
		d.SlotIndex = 0
	} else {
		d.SlotIndex = model.NoSlot
	}
	return first
}

func reconcileSlot(d *model.EventDraft, lesson *model.Lesson) *model.Slot {
	if lesson == nil {
		return nil
	}
	if len(lesson.Slots) == 0 {
		d.SlotIndex = model.NoSlot
		d.Date = ""
		return nil
	}
	s, ok := lesson.SlotAt(d.SlotIndex)
	if !ok {
		d.SlotIndex = 0
		s = &lesson.Slots[0]
	}
	return s
}

func (r Reconciler) reconcileDate(d *model.EventDraft, slot *model.Slot, now time.Time) {
	dates := recurrence.GenerateUpcomingDates(slot, now, r.Horizon)
	if recurrence.Contains(dates, d.Date) {
		return
	}
	if len(dates) == 0 {
		d.Date = ""
		return
	}
	d.Date = dates[0].Date
}

func (r Reconciler) reconcileReminder(d *model.EventDraft) {
	if len(r.EventTypes) > 0 && !slices.Contains(r.EventTypes, d.EventType) {
		d.EventType = r.EventTypes[0]
	}
	d.Reminder.DaysBefore = r.Policies.Apply(d.EventType, d.Reminder.DaysBefore)
}

// AvailableDates returns the upcoming dates for the draft's current slot.
func (r Reconciler) AvailableDates(slot *model.Slot, now time.Time) []model.UpcomingDate {
	return recurrence.GenerateUpcomingDates(slot, now, r.Horizon)
}
