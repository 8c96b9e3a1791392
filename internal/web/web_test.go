package web

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"lessoncal/internal/config"
	"lessoncal/internal/lessons"
	"lessoncal/internal/metrics"
	"lessoncal/internal/model"
	"lessoncal/internal/selection"
	"lessoncal/internal/submission"
)

var kst = time.FixedZone("KST", 9*60*60)

// 2024-03-05 is a Tuesday.
var tuesdayNine = time.Date(2024, time.March, 5, 9, 0, 0, 0, kst)

type memCalendar struct {
	mu     sync.Mutex
	events []model.CalendarEvent
}

func (m *memCalendar) Create(_ context.Context, ev model.CalendarEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *memCalendar) List(_ context.Context, from, to time.Time, loc *time.Location) ([]model.CalendarEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []model.CalendarEvent{}
	for _, ev := range m.events {
		if ev.End.Before(from) || to.Before(ev.Start) {
			continue
		}
		ev.Start = ev.Start.In(loc)
		ev.End = ev.End.In(loc)
		out = append(out, ev)
	}
	return out, nil
}

func testLessons() []model.Lesson {
	return []model.Lesson{{
		ID:    "L1",
		Title: "Biology",
		Slots: []model.Slot{
			{ID: "bio-tue", DayOfWeek: 2, StartTime: model.MustClock("10:00")},
			{ID: "bio-thu", DayOfWeek: 4, StartTime: model.MustClock("13:00")},
		},
	}}
}

type fixture struct {
	srv       *Server
	svc       *submission.Service
	cal       *memCalendar
	rec       *metrics.Recorder
	connected bool
}

func newFixture(cfg *config.Config) *fixture {
	f := &fixture{cal: &memCalendar{}, rec: metrics.New(), connected: true}
	sel := selection.New(selection.NewReconciler(), testLessons(),
		selection.WithClock(func() time.Time { return tuesdayNine }),
	)
	b := submission.Builder{
		Policies: cfg.Policies(),
		Labels:   cfg.EventTypeLabels(),
		NewUID:   func() string { return "uid-1" },
	}
	f.svc = submission.NewService(sel, b, f.cal, f.rec)
	f.srv = NewServer(cfg, Deps{
		Service:   f.svc,
		Events:    f.cal,
		Metrics:   f.rec,
		Connected: func() bool { return f.connected },
	})
	return f
}

// withLessonFile backs lesson editing with a lesson file holding
// testLessons plus a second lesson, L2.
func (f *fixture) withLessonFile(t *testing.T) string {
	path := filepath.Join(t.TempDir(), "lessons.yaml")
	body := `lessons:
  - id: L1
    name: Biology
    slots:
      - id: bio-tue
        weekday: 2
        start: "10:00"
      - id: bio-thu
        weekday: 4
        start: "13:00"
  - id: L2
    name: Math
    slots:
      - id: math-wed
        weekday: 3
        start: "09:00"
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	store := lessons.NewStore(path)
	loaded, err := store.Load()
	if err != nil {
		t.Fatal(err)
	}
	f.svc.SetLessons(loaded)
	f.srv.deps.Lessons = store
	return path
}

func (f *fixture) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeDraft(rec *httptest.ResponseRecorder) draftResponse {
	var out draftResponse
	So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
	return out
}

func TestDraftAPI(t *testing.T) {
	Convey("Given a server with one lesson", t, func() {
		f := newFixture(config.DefaultConfig())

		Convey("GET /health is OK", func() {
			rec := f.do(http.MethodGet, "/health", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldEqual, "OK")
		})

		Convey("GET /api/lessons lists lessons", func() {
			rec := f.do(http.MethodGet, "/api/lessons", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			var out lessonsResponse
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Lessons, ShouldHaveLength, 1)
			So(out.Lessons[0].Title, ShouldEqual, "Biology")
		})

		Convey("GET /api/draft returns the reconciled draft", func() {
			rec := f.do(http.MethodGet, "/api/draft", "")
			So(rec.Code, ShouldEqual, http.StatusOK)

			v := decodeDraft(rec)
			So(v.Draft.LessonID, ShouldEqual, "L1")
			So(v.Draft.SlotIndex, ShouldEqual, 0)
			So(v.Draft.Date, ShouldEqual, "2024-03-05")
			So(v.Dates, ShouldHaveLength, 6)
			So(v.Dates[0].Label, ShouldEqual, "Tue, Mar 5, 2024")
			So(v.EventTypes, ShouldHaveLength, 4)
			So(v.Connected, ShouldBeTrue)
			So(v.CanSubmit, ShouldBeTrue)
		})

		Convey("PATCH /api/draft applies fields and repairs the reminder", func() {
			rec := f.do(http.MethodPatch, "/api/draft", `{"slot_id":"bio-thu","event_type":"test","topic":"Cells","reminder_days":5}`)
			So(rec.Code, ShouldEqual, http.StatusOK)

			v := decodeDraft(rec)
			So(v.Draft.SlotIndex, ShouldEqual, 1)
			So(v.Draft.Date, ShouldEqual, "2024-03-07")
			So(v.Draft.EventType, ShouldEqual, model.EventTest)
			So(v.Draft.Topic, ShouldEqual, "Cells")
			So(v.Draft.Reminder.DaysBefore, ShouldEqual, 2)
			So(v.ReminderDays, ShouldResemble, []int{1, 2})
		})

		Convey("PATCH /api/draft rejects malformed input", func() {
			So(f.do(http.MethodPatch, "/api/draft", `{"colour":"red"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(f.do(http.MethodPatch, "/api/draft", `{"slot_id":"nope"}`).Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(f.do(http.MethodPatch, "/api/draft", `{"slot_index":0,"slot_id":"bio-tue"}`).Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(f.do(http.MethodPatch, "/api/draft", `{"reminder_time":"03:00"}`).Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(f.do(http.MethodPatch, "/api/draft", `{"reminder_time":"22:00"}`).Code, ShouldEqual, http.StatusOK)
		})

		Convey("A rejected PATCH /api/draft leaves the draft unchanged", func() {
			before := decodeDraft(f.do(http.MethodGet, "/api/draft", "")).Draft

			rec := f.do(http.MethodPatch, "/api/draft", `{"event_type":"homework","topic":"changed","reminder_days":1,"slot_id":"nope"}`)
			So(rec.Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(rec.Body.String(), ShouldContainSubstring, "unknown slot_id")

			after := decodeDraft(f.do(http.MethodGet, "/api/draft", "")).Draft
			So(after, ShouldResemble, before)
			So(after.EventType, ShouldEqual, model.EventClass)
			So(after.Topic, ShouldBeEmpty)
		})

		Convey("POST /api/draft/reset restores defaults", func() {
			f.do(http.MethodPatch, "/api/draft", `{"event_type":"homework","notes":"p. 4"}`)
			rec := f.do(http.MethodPost, "/api/draft/reset", "")
			So(rec.Code, ShouldEqual, http.StatusOK)

			v := decodeDraft(rec)
			So(v.Draft.EventType, ShouldEqual, model.EventClass)
			So(v.Draft.Notes, ShouldBeEmpty)
		})

		Convey("POST /api/draft/submit while disconnected", func() {
			f.connected = false
			rec := f.do(http.MethodPost, "/api/draft/submit", "")

			So(rec.Code, ShouldEqual, http.StatusServiceUnavailable)
			So(f.cal.events, ShouldBeEmpty)
		})

		Convey("POST /api/draft/submit creates the event", func() {
			f.do(http.MethodPatch, "/api/draft", `{"event_type":"test","topic":"Cells","reminder_days":1}`)
			rec := f.do(http.MethodPost, "/api/draft/submit", "")
			So(rec.Code, ShouldEqual, http.StatusCreated)

			var out submitResponse
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Result.Status, ShouldEqual, model.StatusSuccess)
			So(out.View.Draft.EventType, ShouldEqual, model.EventClass)
			So(out.View.Feedback, ShouldNotBeNil)

			So(f.cal.events, ShouldHaveLength, 1)
			So(f.cal.events[0].Summary, ShouldEqual, "Biology Test: Cells")

			Convey("And GET /api/events lists it", func() {
				// Events are listed relative to the wall clock; the fixture
				// event is in the past, so widen the window.
				rec := f.do(http.MethodGet, "/api/events?days=1&backfill=100000", "")
				So(rec.Code, ShouldEqual, http.StatusOK)

				var evs eventsResponse
				So(json.Unmarshal(rec.Body.Bytes(), &evs), ShouldBeNil)
				So(evs.Events, ShouldHaveLength, 1)
				So(evs.Events[0].UID, ShouldEqual, "uid-1")
			})
		})

		Convey("GET /metrics exposes submission counters", func() {
			f.do(http.MethodPost, "/api/draft/submit", "")
			rec := f.do(http.MethodGet, "/metrics", "")
			So(rec.Code, ShouldEqual, http.StatusOK)
			So(rec.Body.String(), ShouldContainSubstring, `lessoncal_submissions_total{outcome="created"} 1`)
		})
	})
}

func TestLessonsAPI(t *testing.T) {
	Convey("Given a server backed by a lesson file", t, func() {
		f := newFixture(config.DefaultConfig())
		path := f.withLessonFile(t)

		listTitles := func() []string {
			var out lessonsResponse
			So(json.Unmarshal(f.do(http.MethodGet, "/api/lessons", "").Body.Bytes(), &out), ShouldBeNil)
			titles := make([]string, 0, len(out.Lessons))
			for _, l := range out.Lessons {
				titles = append(titles, l.Title)
			}
			return titles
		}
		fileLessons := func() []model.Lesson {
			ls, err := lessons.NewStore(path).Load()
			So(err, ShouldBeNil)
			return ls
		}

		Convey("POST /api/lessons creates a lesson", func() {
			rec := f.do(http.MethodPost, "/api/lessons", `{"name":"Chemistry","color":"#f97316","slots":[{"weekday":3,"start":"11:00","end":"12:00"}]}`)
			So(rec.Code, ShouldEqual, http.StatusCreated)

			var out lessonResponse
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Lesson.ID, ShouldNotBeEmpty)
			So(out.Lesson.Slots[0].ID, ShouldNotBeEmpty)
			So(out.Lesson.Slots[0].Duration(), ShouldEqual, time.Hour)

			So(listTitles(), ShouldResemble, []string{"Biology", "Math", "Chemistry"})
			So(fileLessons(), ShouldHaveLength, 3)
		})

		Convey("POST /api/lessons rejects an invalid lesson", func() {
			So(f.do(http.MethodPost, "/api/lessons", `{"name":"Empty","slots":[]}`).Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(f.do(http.MethodPost, "/api/lessons", `{"name":"Late","slots":[{"weekday":1,"start":"10:00","end":"09:00"}]}`).Code, ShouldEqual, http.StatusUnprocessableEntity)
			So(f.do(http.MethodPost, "/api/lessons", `{"title":"wrong field"}`).Code, ShouldEqual, http.StatusBadRequest)
			So(fileLessons(), ShouldHaveLength, 2)
		})

		Convey("PUT /api/lessons/{id} replaces a lesson", func() {
			rec := f.do(http.MethodPut, "/api/lessons/L2", `{"name":"Algebra","slots":[{"id":"alg-fri","weekday":5,"start":"08:00"}]}`)
			So(rec.Code, ShouldEqual, http.StatusOK)

			var out lessonResponse
			So(json.Unmarshal(rec.Body.Bytes(), &out), ShouldBeNil)
			So(out.Lesson.ID, ShouldEqual, "L2")
			So(listTitles(), ShouldResemble, []string{"Biology", "Algebra"})
			So(fileLessons()[1].Slots[0].ID, ShouldEqual, "alg-fri")

			So(f.do(http.MethodPut, "/api/lessons/nope", `{"name":"X","slots":[{"weekday":1,"start":"08:00"}]}`).Code, ShouldEqual, http.StatusNotFound)
		})

		Convey("DELETE /api/lessons/{id} of the selected lesson repairs the draft", func() {
			v := decodeDraft(f.do(http.MethodPatch, "/api/draft", `{"lesson_id":"L2"}`))
			So(v.Draft.LessonID, ShouldEqual, "L2")
			So(v.Draft.Date, ShouldEqual, "2024-03-06")

			rec := f.do(http.MethodDelete, "/api/lessons/L2", "")
			So(rec.Code, ShouldEqual, http.StatusNoContent)

			v = decodeDraft(f.do(http.MethodGet, "/api/draft", ""))
			So(v.Draft.LessonID, ShouldEqual, "L1")
			So(v.Draft.SlotIndex, ShouldEqual, 0)
			So(v.Draft.Date, ShouldEqual, "2024-03-05")
			So(listTitles(), ShouldResemble, []string{"Biology"})
			So(fileLessons(), ShouldHaveLength, 1)

			So(f.do(http.MethodDelete, "/api/lessons/L2", "").Code, ShouldEqual, http.StatusNotFound)
		})
	})

	Convey("Given a server without a lesson editor", t, func() {
		f := newFixture(config.DefaultConfig())

		Convey("Then edits are unavailable", func() {
			So(f.do(http.MethodPost, "/api/lessons", `{"name":"A"}`).Code, ShouldEqual, http.StatusServiceUnavailable)
			So(f.do(http.MethodDelete, "/api/lessons/L1", "").Code, ShouldEqual, http.StatusServiceUnavailable)
		})
	})

	Convey("Given a known last reload time", t, func() {
		f := newFixture(config.DefaultConfig())
		at := time.Date(2024, time.March, 5, 8, 0, 0, 0, time.UTC)
		f.srv.deps.LastReload = func() time.Time { return at }

		Convey("Then GET /api/lessons reports it", func() {
			var out lessonsResponse
			So(json.Unmarshal(f.do(http.MethodGet, "/api/lessons", "").Body.Bytes(), &out), ShouldBeNil)
			So(out.ReloadedAt, ShouldNotBeNil)
			So(out.ReloadedAt.Equal(at), ShouldBeTrue)
		})
	})
}

func TestBasicAuth(t *testing.T) {
	Convey("Given a server with basic auth", t, func() {
		cfg := config.DefaultConfig()
		cfg.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
		f := newFixture(cfg)

		Convey("Then /health and /metrics stay open", func() {
			So(f.do(http.MethodGet, "/health", "").Code, ShouldEqual, http.StatusOK)
			So(f.do(http.MethodGet, "/metrics", "").Code, ShouldEqual, http.StatusOK)
		})

		Convey("Then the API requires credentials", func() {
			rec := f.do(http.MethodGet, "/api/draft", "")
			So(rec.Code, ShouldEqual, http.StatusUnauthorized)
			So(rec.Header().Get("WWW-Authenticate"), ShouldContainSubstring, "Basic")

			req := httptest.NewRequest(http.MethodGet, "/api/draft", nil)
			req.SetBasicAuth("admin", "pw")
			ok := httptest.NewRecorder()
			f.srv.Handler().ServeHTTP(ok, req)
			So(ok.Code, ShouldEqual, http.StatusOK)
		})
	})
}

func TestSubmitStatus(t *testing.T) {
	cases := []struct {
		res  model.SubmissionResult
		want int
	}{
		{model.SubmissionResult{Status: model.StatusSuccess}, http.StatusCreated},
		{model.SubmissionResult{Status: model.StatusFailure, Err: submission.ErrAlreadySubmitting}, http.StatusConflict},
		{model.SubmissionResult{Status: model.StatusFailure, Err: submission.ErrNotConnected}, http.StatusServiceUnavailable},
		{model.SubmissionResult{Status: model.StatusFailure, Err: submission.ErrInvalidDraft}, http.StatusUnprocessableEntity},
		{model.SubmissionResult{Status: model.StatusFailure, Err: submission.ErrSubmissionFailed}, http.StatusBadGateway},
	}
	for _, tc := range cases {
		if got := submitStatus(tc.res); got != tc.want {
			t.Errorf("submitStatus(%v) = %d, want %d", tc.res.Err, got, tc.want)
		}
	}
}
