package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"lessoncal/internal/config"
	"lessoncal/internal/lessons"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/metrics"
	"lessoncal/internal/model"
	"lessoncal/internal/reminder"
	"lessoncal/internal/selection"
	"lessoncal/internal/submission"
)

// EventLister lists events already written to the calendar.
type EventLister interface {
	List(ctx context.Context, from, to time.Time, loc *time.Location) ([]model.CalendarEvent, error)
}

// LessonEditor persists lesson edits. lessons.Store implements it.
type LessonEditor interface {
	Add(l model.Lesson) (model.Lesson, []model.Lesson, error)
	Replace(id string, l model.Lesson) (model.Lesson, []model.Lesson, error)
	Remove(id string) ([]model.Lesson, error)
}

// Deps are the collaborators the HTTP layer drives.
type Deps struct {
	Service *submission.Service
	Events  EventLister
	Lessons LessonEditor
	Metrics *metrics.Recorder

	// Connected reports whether the calendar can accept events.
	Connected func() bool
	// LastReload reports when the lesson file was last loaded.
	LastReload func() time.Time
}

var errUnknownSlot = errors.New("unknown slot_id for the selected lesson")

// Server provides the JSON API over the selection and submission state.
type Server struct {
	cfg    *config.Config
	deps   Deps
	loc    *time.Location
	router chi.Router
}

// NewServer constructs a new Server.
func NewServer(cfg *config.Config, deps Deps) *Server {
	if deps.Connected == nil {
		deps.Connected = func() bool { return true }
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		loc:  resolveLocationOrLocal(cfg.Timezone),
	}
	s.router = s.routes()
	return s
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)
	r.Use(accessLog)
	if s.basicAuthEnabled() {
		appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
		r.Use(s.basicAuthMiddleware)
	}

	r.Get("/health", s.handleHealth)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/lessons", func(r chi.Router) {
			r.Get("/", s.handleLessons)
			r.Post("/", s.handleCreateLesson)
			r.Put("/{id}", s.handleReplaceLesson)
			r.Delete("/{id}", s.handleDeleteLesson)
		})
		r.Get("/events", s.handleEvents)
		r.Route("/draft", func(r chi.Router) {
			r.Get("/", s.handleDraft)
			r.Patch("/", s.handlePatchDraft)
			r.Post("/reset", s.handleResetDraft)
			r.Post("/submit", s.handleSubmit)
		})
	})
	return r
}

// Run serves on cfg.Listen until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+s.cfg.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	if s.cfg == nil || s.cfg.BasicAuth == nil {
		return false
	}
	// Empty username or password disables auth.
	return s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware wraps all handlers except /health and /metrics with
// HTTP Basic Auth.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}

		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !checkPassword(password, p) {
			w.Header().Set("WWW-Authenticate", `Basic realm="LessonCal", charset="UTF-8"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// checkPassword accepts either a plain configured password or an argon2id
// hash produced by HashPassword.
func checkPassword(configured, given string) bool {
	if IsPasswordHash(configured) {
		err := VerifyPassword(configured, given)
		if err != nil && !errors.Is(err, ErrPasswordMismatch) {
			appLog.Error("basic auth: unusable password hash", err)
		}
		return err == nil
	}
	return secureCompare(given, configured)
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// accessLog logs one line per request at debug level.
func accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start).String(),
			"request_id", chimiddleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

type lessonsResponse struct {
	Lessons    []model.Lesson `json:"lessons"`
	ReloadedAt *time.Time     `json:"reloaded_at,omitempty"`
}

func (s *Server) handleLessons(w http.ResponseWriter, _ *http.Request) {
	resp := lessonsResponse{Lessons: s.deps.Service.Lessons()}
	if s.deps.LastReload != nil {
		if at := s.deps.LastReload(); !at.IsZero() {
			resp.ReloadedAt = &at
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type lessonResponse struct {
	Lesson model.Lesson `json:"lesson"`
}

// handleCreateLesson adds a lesson. Missing lesson and slot ids are
// generated.
//
// POST /api/lessons
func (s *Server) handleCreateLesson(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lessons == nil {
		writeError(w, http.StatusServiceUnavailable, "lesson editing not configured")
		return
	}
	var l model.Lesson
	if err := decodeJSON(r, &l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	added, all, err := s.deps.Lessons.Add(l)
	if err != nil {
		s.writeLessonError(w, err)
		return
	}
	s.deps.Service.SetLessons(all)
	writeJSON(w, http.StatusCreated, lessonResponse{Lesson: added})
}

// handleReplaceLesson overwrites a lesson. The id in the path wins over
// one in the body.
//
// PUT /api/lessons/{id}
func (s *Server) handleReplaceLesson(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lessons == nil {
		writeError(w, http.StatusServiceUnavailable, "lesson editing not configured")
		return
	}
	var l model.Lesson
	if err := decodeJSON(r, &l); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	got, all, err := s.deps.Lessons.Replace(chi.URLParam(r, "id"), l)
	if err != nil {
		s.writeLessonError(w, err)
		return
	}
	s.deps.Service.SetLessons(all)
	writeJSON(w, http.StatusOK, lessonResponse{Lesson: got})
}

// handleDeleteLesson removes a lesson. A draft pointing at it is repaired
// to the first remaining lesson.
//
// DELETE /api/lessons/{id}
func (s *Server) handleDeleteLesson(w http.ResponseWriter, r *http.Request) {
	if s.deps.Lessons == nil {
		writeError(w, http.StatusServiceUnavailable, "lesson editing not configured")
		return
	}
	all, err := s.deps.Lessons.Remove(chi.URLParam(r, "id"))
	if err != nil {
		s.writeLessonError(w, err)
		return
	}
	s.deps.Service.SetLessons(all)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeLessonError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, lessons.ErrLessonNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, lessons.ErrInvalidLesson):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	default:
		appLog.Error("api lessons: edit failed", err)
		writeError(w, http.StatusInternalServerError, "failed to update lessons")
	}
}

// dateOption is one selectable upcoming date.
type dateOption struct {
	Value string    `json:"value"`
	Label string    `json:"label"`
	Start time.Time `json:"start"`
}

// draftResponse is the JSON shape for every /api/draft endpoint.
type draftResponse struct {
	Draft         model.EventDraft        `json:"draft"`
	Lesson        *model.Lesson           `json:"lesson,omitempty"`
	Slot          *model.Slot             `json:"slot,omitempty"`
	Dates         []dateOption            `json:"dates"`
	EventTypes    []model.EventTypeOption `json:"event_types"`
	Constraint    reminder.Constraint     `json:"reminder_constraint"`
	ReminderDays  []int                   `json:"reminder_days"`
	ReminderTimes []model.ClockTime       `json:"reminder_times"`
	Connected     bool                    `json:"connected"`
	Submitting    bool                    `json:"submitting"`
	CanSubmit     bool                    `json:"can_submit"`
	Feedback      *model.SubmissionResult `json:"feedback,omitempty"`
	ComputedAt    time.Time               `json:"computed_at"`
}

func (s *Server) draftView() draftResponse {
	v := s.deps.Service.View()
	connected := s.deps.Connected()
	submitting := s.deps.Service.IsSubmitting()

	dates := make([]dateOption, 0, len(v.AvailableDates))
	for _, d := range v.AvailableDates {
		dates = append(dates, dateOption{Value: d.Date, Label: d.Label(), Start: d.Start})
	}

	return draftResponse{
		Draft:         v.Draft,
		Lesson:        v.Lesson,
		Slot:          v.Slot,
		Dates:         dates,
		EventTypes:    s.cfg.EventTypes,
		Constraint:    v.Constraint,
		ReminderDays:  v.ReminderDays,
		ReminderTimes: s.cfg.ReminderTimes,
		Connected:     connected,
		Submitting:    submitting,
		CanSubmit:     connected && !submitting && v.Lesson != nil && v.Slot != nil && v.Draft.Date != "",
		Feedback:      s.deps.Service.Feedback(),
		ComputedAt:    v.Now,
	}
}

func (s *Server) handleDraft(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.draftView())
}

// draftPatch is a partial draft update. Absent fields are left alone.
type draftPatch struct {
	LessonID     *string          `json:"lesson_id"`
	SlotIndex    *int             `json:"slot_index"`
	SlotID       *string          `json:"slot_id"`
	Date         *string          `json:"date"`
	EventType    *model.EventType `json:"event_type"`
	Topic        *string          `json:"topic"`
	Notes        *string          `json:"notes"`
	ReminderDays *int             `json:"reminder_days"`
	ReminderTime *model.ClockTime `json:"reminder_time"`
}

// handlePatchDraft applies a partial update in dependency order (lesson,
// slot, date, type, text, reminder). Invalid selections are repaired by
// the selector rather than rejected; only malformed input is an error.
// A rejected patch leaves the draft unchanged.
//
// PATCH /api/draft
func (s *Server) handlePatchDraft(w http.ResponseWriter, r *http.Request) {
	var p draftPatch
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if p.SlotIndex != nil && p.SlotID != nil {
		writeError(w, http.StatusUnprocessableEntity, "slot_index and slot_id are mutually exclusive")
		return
	}
	if p.ReminderTime != nil && !slices.Contains(s.cfg.ReminderTimes, *p.ReminderTime) {
		writeError(w, http.StatusUnprocessableEntity, "reminder_time must be one of the configured times")
		return
	}

	err := s.deps.Service.Update(func(sel *selection.Selector) error {
		if p.LessonID != nil {
			sel.SelectLesson(*p.LessonID)
		}
		if p.SlotIndex != nil {
			sel.SelectSlot(*p.SlotIndex)
		}
		if p.SlotID != nil && !sel.SelectSlotByID(*p.SlotID) {
			return errUnknownSlot
		}
		if p.Date != nil {
			sel.SelectDate(*p.Date)
		}
		if p.EventType != nil {
			sel.SetEventType(*p.EventType)
		}
		if p.Topic != nil {
			sel.SetTopic(*p.Topic)
		}
		if p.Notes != nil {
			sel.SetNotes(*p.Notes)
		}
		if p.ReminderDays != nil {
			sel.SetReminderDays(*p.ReminderDays)
		}
		if p.ReminderTime != nil {
			sel.SetReminderTime(*p.ReminderTime)
		}
		return nil
	})
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.draftView())
}

// POST /api/draft/reset
func (s *Server) handleResetDraft(w http.ResponseWriter, _ *http.Request) {
	_ = s.deps.Service.Update(func(sel *selection.Selector) error {
		sel.Reset()
		return nil
	})
	writeJSON(w, http.StatusOK, s.draftView())
}

type submitResponse struct {
	Result model.SubmissionResult `json:"result"`
	View   draftResponse          `json:"view"`
}

// handleSubmit submits the current draft.
//
// POST /api/draft/submit
//   - 201 created
//   - 409 another submission in flight
//   - 503 calendar unavailable
//   - 422 draft invalid
//   - 502 calendar rejected the event
func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	res := s.deps.Service.Submit(r.Context(), s.deps.Connected())
	writeJSON(w, submitStatus(res), submitResponse{Result: res, View: s.draftView()})
}

func submitStatus(res model.SubmissionResult) int {
	switch {
	case res.Status == model.StatusSuccess:
		return http.StatusCreated
	case errors.Is(res.Err, submission.ErrAlreadySubmitting):
		return http.StatusConflict
	case errors.Is(res.Err, submission.ErrNotConnected):
		return http.StatusServiceUnavailable
	case errors.Is(res.Err, submission.ErrInvalidDraft):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

// eventsResponse is the JSON response shape for /api/events.
type eventsResponse struct {
	Events          []model.CalendarEvent `json:"events"`
	RangeStart      time.Time             `json:"range_start"`
	RangeEnd        time.Time             `json:"range_end"`
	DisplayTimeZone string                `json:"display_timezone"`
}

// handleEvents returns created events within a window around now.
//
// GET /api/events?days=7&backfill=1
//   - days:     how many days ahead to include (default 7)
//   - backfill: how many past days to include (default 1)
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "calendar not configured")
		return
	}

	q := r.URL.Query()
	days := parseIntDefault(q.Get("days"), 7)
	if days <= 0 {
		days = 7
	}
	backfill := parseIntDefault(q.Get("backfill"), 1)
	if backfill < 0 {
		backfill = 0
	}

	now := time.Now().In(s.loc)
	rangeStart := now.AddDate(0, 0, -backfill)
	rangeEnd := now.AddDate(0, 0, days)

	events, err := s.deps.Events.List(r.Context(), rangeStart, rangeEnd, s.loc)
	if err != nil {
		appLog.Error("api events: list failed", err)
		writeError(w, http.StatusInternalServerError, "failed to read calendar")
		return
	}

	writeJSON(w, http.StatusOK, eventsResponse{
		Events:          events,
		RangeStart:      rangeStart,
		RangeEnd:        rangeEnd,
		DisplayTimeZone: s.loc.String(),
	})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}

func resolveLocationOrLocal(name string) *time.Location {
	if name == "" || name == "Local" {
		return time.Local
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		appLog.Error("failed to load timezone; falling back to local", err, "name", name)
		return time.Local
	}
	return loc
}

func decodeJSON(r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(nil, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
