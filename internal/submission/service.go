// Package submission validates the current draft, hands it to the event
// persistence collaborator, and tracks the in-flight state.
package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	appLog "lessoncal/internal/log"
	"lessoncal/internal/metrics"
	"lessoncal/internal/model"
	"lessoncal/internal/selection"
)

var (
	// ErrNotConnected: the calendar collaborator is unavailable.
	ErrNotConnected = errors.New("connect to the calendar first")
	// ErrAlreadySubmitting: another submission is in flight.
	ErrAlreadySubmitting = errors.New("already submitting")
	// ErrInvalidDraft: the draft fails validation.
	ErrInvalidDraft = errors.New("invalid draft")
	// ErrSubmissionFailed: the collaborator reported a failure.
	ErrSubmissionFailed = errors.New("failed to create event")
)

// Creator persists a calendar event.
type Creator interface {
	Create(ctx context.Context, ev model.CalendarEvent) error
}

// Service orchestrates submission of the draft owned by a selector.
//
// All selector access goes through the service so that mutations are
// serialized; the Creator call itself runs without holding the lock.
type Service struct {
	mu       sync.Mutex
	sel      *selection.Selector
	builder  Builder
	creator  Creator
	metrics  *metrics.Recorder
	feedback *model.SubmissionResult

	submitting atomic.Bool
}

// NewService constructs a Service. rec may be nil.
func NewService(sel *selection.Selector, builder Builder, creator Creator, rec *metrics.Recorder) *Service {
	return &Service{
		sel:     sel,
		builder: builder,
		creator: creator,
		metrics: rec,
	}
}

// Update runs fn with exclusive access to the selector. When fn returns an
// error the draft is restored to its state before the call, so a rejected
// update leaves nothing behind.
func (s *Service) Update(fn func(sel *selection.Selector) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.sel.Draft()
	if err := fn(s.sel); err != nil {
		s.sel.Restore(before)
		return err
	}
	return nil
}

// View refreshes the upcoming dates and returns a snapshot.
func (s *Service) View() selection.View {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sel.Refresh()
	return s.sel.View()
}

// Lessons returns the lesson list the draft is reconciled against.
func (s *Service) Lessons() []model.Lesson {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sel.Lessons()
}

// SetLessons replaces the lesson list and reconciles the draft.
func (s *Service) SetLessons(lessons []model.Lesson) {
	_ = s.Update(func(sel *selection.Selector) error {
		before := sel.Draft()
		sel.SetLessons(lessons)
		after := sel.Draft()
		if before.LessonID != after.LessonID || before.SlotIndex != after.SlotIndex || before.Date != after.Date {
			appLog.Info("draft repaired after lesson reload",
				"lesson_id", after.LessonID,
				"slot_index", after.SlotIndex,
				"date", after.Date,
			)
			s.metrics.DraftRepaired()
		}
		return nil
	})
}

// IsSubmitting reports whether a submission is in flight.
func (s *Service) IsSubmitting() bool {
	return s.submitting.Load()
}

// Feedback returns the outcome of the last submission, if any. While a
// submission is in flight its status is model.StatusPending.
func (s *Service) Feedback() *model.SubmissionResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.feedback == nil {
		return nil
	}
	fb := *s.feedback
	return &fb
}

// Submit validates the draft and creates the event. At most one submission
// runs at a time; a concurrent call fails with ErrAlreadySubmitting without
// reaching the Creator. On success the draft is reset; on failure it is
// left as is for a retry.
func (s *Service) Submit(ctx context.Context, connected bool) model.SubmissionResult {
	if !s.submitting.CompareAndSwap(false, true) {
		s.metrics.Submission(metrics.OutcomeRejected)
		return failure(ErrAlreadySubmitting)
	}
	defer s.submitting.Store(false)
	s.setFeedback(model.SubmissionResult{Status: model.StatusPending, Message: "Creating event..."})

	if !connected {
		s.metrics.Submission(metrics.OutcomeNotConnected)
		return s.finish(failure(ErrNotConnected))
	}

	s.mu.Lock()
	s.sel.Refresh()
	ev, err := s.builder.BuildEvent(s.sel.View())
	s.mu.Unlock()
	if err != nil {
		s.metrics.Submission(metrics.OutcomeInvalid)
		return s.finish(failure(err))
	}

	started := time.Now()
	err = s.creator.Create(ctx, ev)
	s.metrics.CreateLatency(time.Since(started))
	if err != nil {
		appLog.Error("event creation failed", err, "uid", ev.UID, "lesson_id", ev.LessonID)
		s.metrics.Submission(metrics.OutcomeFailed)
		return s.finish(model.SubmissionResult{
			Status:  model.StatusFailure,
			Message: err.Error(),
			Err:     fmt.Errorf("%w: %w", ErrSubmissionFailed, err),
		})
	}

	appLog.Info("event created",
		"uid", ev.UID,
		"lesson_id", ev.LessonID,
		"type", string(ev.EventType),
		"start", ev.Start.Format(time.RFC3339),
		"reminders", len(ev.Reminders),
	)
	s.metrics.Submission(metrics.OutcomeCreated)

	s.mu.Lock()
	s.sel.Reset()
	s.mu.Unlock()
	return s.finish(model.SubmissionResult{
		Status:  model.StatusSuccess,
		Message: "Event created: " + ev.Summary,
	})
}

func (s *Service) finish(res model.SubmissionResult) model.SubmissionResult {
	s.setFeedback(res)
	return res
}

func (s *Service) setFeedback(res model.SubmissionResult) {
	s.mu.Lock()
	s.feedback = &res
	s.mu.Unlock()
}

func failure(err error) model.SubmissionResult {
	return model.SubmissionResult{Status: model.StatusFailure, Message: err.Error(), Err: err}
}
