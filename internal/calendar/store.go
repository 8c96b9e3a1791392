package calendar

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	ical "github.com/arran4/golang-ical"

	"lessoncal/internal/fsutil"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
)

const productID = "-//lessoncal//Lesson Calendar//EN"

// Store persists created events into a single iCalendar file. It implements
// submission.Creator.
type Store struct {
	path string
	now  func() time.Time

	mu sync.Mutex
}

// NewStore creates a Store backed by the .ics file at path. The file is
// created on the first write.
func NewStore(path string) *Store {
	return &Store{path: path, now: time.Now}
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Ping reports whether the store can accept events: the path is set and
// its directory exists.
func (s *Store) Ping() error {
	if s.path == "" {
		return errors.New("calendar path is empty")
	}
	info, err := os.Stat(filepath.Dir(s.path))
	if err != nil {
		return fmt.Errorf("calendar directory: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("calendar directory: %s is not a directory", filepath.Dir(s.path))
	}
	return nil
}

// Create appends ev to the calendar file.
func (s *Store) Create(ctx context.Context, ev model.CalendarEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ev.UID == "" {
		return errors.New("event UID is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cal, err := s.load()
	if err != nil {
		return err
	}
	for _, existing := range cal.Events() {
		if p := existing.GetProperty(ical.ComponentPropertyUniqueId); p != nil && p.Value == ev.UID {
			return fmt.Errorf("event %s already exists", ev.UID)
		}
	}

	addEvent(cal, ev, s.now().UTC())

	if err := fsutil.WriteFileAtomic(s.path, []byte(cal.Serialize()), 0o600); err != nil {
		return err
	}
	appLog.Debug("calendar event stored", "uid", ev.UID, "path", s.path)
	return nil
}

// List returns stored events overlapping [from, to], sorted by start and
// converted to loc (time.Local when nil).
func (s *Store) List(ctx context.Context, from, to time.Time, loc *time.Location) ([]model.CalendarEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if to.Before(from) {
		return nil, errors.New("list: range end is before range start")
	}
	if loc == nil {
		loc = time.Local
	}

	s.mu.Lock()
	body, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []model.CalendarEvent{}, nil
		}
		return nil, err
	}

	events, err := ParseEvents(body)
	if err != nil {
		return nil, err
	}

	out := make([]model.CalendarEvent, 0, len(events))
	for _, ev := range events {
		if ev.End.Before(from) || to.Before(ev.Start) {
			continue
		}
		ev.Start = ev.Start.In(loc)
		ev.End = ev.End.In(loc)
		out = append(out, ev)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Start.Before(out[j].Start) })
	return out, nil
}

func (s *Store) load() (*ical.Calendar, error) {
	body, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return newCalendar(), nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(body)) == 0 {
		return newCalendar(), nil
	}
	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.path, err)
	}
	return cal, nil
}

func newCalendar() *ical.Calendar {
	cal := ical.NewCalendar()
	cal.SetMethod(ical.MethodPublish)
	cal.SetProductId(productID)
	return cal
}
