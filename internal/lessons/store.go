// Package lessons loads the lesson schedule from a YAML file and keeps the
// selector in sync with it.
package lessons

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"lessoncal/internal/fsutil"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/model"
)

var (
	// ErrInvalidLesson wraps every lesson validation failure.
	ErrInvalidLesson = errors.New("invalid lesson")
	// ErrLessonNotFound: no lesson has the requested id.
	ErrLessonNotFound = errors.New("lesson not found")
)

// File is the on-disk layout of the lesson file.
type File struct {
	Lessons []model.Lesson `yaml:"lessons"`
}

// Store reads and writes the lesson file. Edits are serialized with loads,
// so a reload never observes a half-applied edit.
type Store struct {
	path  string
	newID func() string

	mu sync.Mutex
}

// NewStore returns a Store for the YAML file at path.
func NewStore(path string) *Store {
	return &Store{path: path, newID: uuid.NewString}
}

// Path returns the lesson file path.
func (s *Store) Path() string {
	return s.path
}

// Load reads the lesson file. A missing file yields no lessons. Lessons and
// slots without an id are given one; when that happens the file is written
// back so the ids stay stable across reloads.
func (s *Store) Load() ([]model.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

func (s *Store) load() ([]model.Lesson, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			appLog.Warn("lesson file not found; starting with no lessons", "path", s.path)
			return []model.Lesson{}, nil
		}
		return nil, err
	}

	var f File
	if len(bytes.TrimSpace(data)) > 0 {
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse %s: %w", s.path, err)
		}
	}
	if f.Lessons == nil {
		f.Lessons = []model.Lesson{}
	}

	if err := Validate(f.Lessons); err != nil {
		return nil, err
	}

	if s.assignIDs(f.Lessons) {
		if err := s.write(f.Lessons); err != nil {
			// IDs are still usable for this process; they just won't persist.
			appLog.Error("failed to persist generated lesson ids", err, "path", s.path)
		}
	}
	return f.Lessons, nil
}

// write stores lessons atomically with 0600 permissions.
func (s *Store) write(lessons []model.Lesson) error {
	if s.path == "" {
		return errors.New("lesson path is empty")
	}
	data, err := yaml.Marshal(File{Lessons: lessons})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(s.path, data, 0o600)
}

// Add appends l to the lesson file. Missing lesson and slot ids are
// generated. It returns the stored lesson and the full updated list.
func (s *Store) Add(l model.Lesson) (model.Lesson, []model.Lesson, error) {
	var idx int
	all, err := s.edit(func(lessons []model.Lesson) ([]model.Lesson, error) {
		idx = len(lessons)
		return append(lessons, l), nil
	})
	if err != nil {
		return model.Lesson{}, nil, err
	}
	return all[idx], all, nil
}

// Replace overwrites the lesson with the given id, keeping its position.
func (s *Store) Replace(id string, l model.Lesson) (model.Lesson, []model.Lesson, error) {
	var idx int
	all, err := s.edit(func(lessons []model.Lesson) ([]model.Lesson, error) {
		idx = indexOf(lessons, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
		}
		l.ID = id
		lessons[idx] = l
		return lessons, nil
	})
	if err != nil {
		return model.Lesson{}, nil, err
	}
	return all[idx], all, nil
}

// Remove deletes the lesson with the given id and returns the remaining
// lessons.
func (s *Store) Remove(id string) ([]model.Lesson, error) {
	return s.edit(func(lessons []model.Lesson) ([]model.Lesson, error) {
		idx := indexOf(lessons, id)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %s", ErrLessonNotFound, id)
		}
		return slices.Delete(lessons, idx, idx+1), nil
	})
}

// edit applies fn to the current file contents, then assigns ids,
// validates, and writes the result. Nothing is written on error.
func (s *Store) edit(fn func([]model.Lesson) ([]model.Lesson, error)) ([]model.Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.load()
	if err != nil {
		return nil, err
	}
	next, err := fn(slices.Clone(current))
	if err != nil {
		return nil, err
	}
	for i := range next {
		next[i].Title = strings.TrimSpace(next[i].Title)
	}
	s.assignIDs(next)
	if err := Validate(next); err != nil {
		return nil, err
	}
	if err := s.write(next); err != nil {
		return nil, err
	}
	appLog.Info("lesson file updated", "path", s.path, "lessons", len(next))
	return next, nil
}

func indexOf(lessons []model.Lesson, id string) int {
	return slices.IndexFunc(lessons, func(l model.Lesson) bool { return l.ID == id })
}

func (s *Store) assignIDs(lessons []model.Lesson) bool {
	changed := false
	for i := range lessons {
		if lessons[i].ID == "" {
			lessons[i].ID = s.newID()
			changed = true
		}
		for j := range lessons[i].Slots {
			if lessons[i].Slots[j].ID == "" {
				lessons[i].Slots[j].ID = s.newID()
				changed = true
			}
		}
	}
	return changed
}

// Validate checks every lesson and returns all problems joined. Each error
// wraps ErrInvalidLesson.
func Validate(lessons []model.Lesson) error {
	var errs []error
	ids := make(map[string]bool, len(lessons))
	for i, l := range lessons {
		name := strings.TrimSpace(l.Title)
		ref := fmt.Sprintf("lesson %d", i)
		if name != "" {
			ref = fmt.Sprintf("lesson %q", name)
		}

		if name == "" {
			errs = append(errs, fmt.Errorf("%w: %s: name is required", ErrInvalidLesson, ref))
		}
		if l.ID != "" {
			if ids[l.ID] {
				errs = append(errs, fmt.Errorf("%w: %s: duplicate id %s", ErrInvalidLesson, ref, l.ID))
			}
			ids[l.ID] = true
		}
		if len(l.Slots) == 0 {
			errs = append(errs, fmt.Errorf("%w: %s: at least one slot is required", ErrInvalidLesson, ref))
		}
		for j, slot := range l.Slots {
			if slot.DayOfWeek < 0 || slot.DayOfWeek > 6 {
				errs = append(errs, fmt.Errorf("%w: %s slot %d: weekday %d out of range 0-6", ErrInvalidLesson, ref, j, slot.DayOfWeek))
			}
			if slot.Duration() <= 0 {
				errs = append(errs, fmt.Errorf("%w: %s slot %d: end time must be after start time", ErrInvalidLesson, ref, j))
			}
		}
	}
	return errors.Join(errs...)
}
