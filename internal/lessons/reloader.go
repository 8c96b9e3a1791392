package lessons

import (
	"context"
	"sync"
	"time"

	"github.com/knadh/koanf/providers/file"
	"github.com/robfig/cron/v3"

	appLog "lessoncal/internal/log"
	"lessoncal/internal/metrics"
	"lessoncal/internal/model"
)

// Sink receives freshly loaded lessons. submission.Service implements it.
type Sink interface {
	SetLessons(lessons []model.Lesson)
}

// Loader is the subset of Store used by the Reloader.
type Loader interface {
	Load() ([]model.Lesson, error)
}

// Reloader reloads the lesson file on a cron schedule and pushes the result
// into a Sink. A failed load keeps the previous lessons.
type Reloader struct {
	loader  Loader
	sink    Sink
	metrics *metrics.Recorder

	cron    *cron.Cron
	watcher *file.File

	mu   sync.Mutex
	last time.Time
}

// NewReloader builds a Reloader firing on schedule (standard 5-field cron
// syntax) in loc.
func NewReloader(loader Loader, sink Sink, schedule string, loc *time.Location, rec *metrics.Recorder) (*Reloader, error) {
	if loc == nil {
		loc = time.Local
	}
	r := &Reloader{loader: loader, sink: sink, metrics: rec}
	logger := cronLogger{}
	r.cron = cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := r.cron.AddFunc(schedule, func() { _ = r.RunOnce(context.Background()) }); err != nil {
		return nil, err
	}
	return r, nil
}

// RunOnce loads the lesson file and hands it to the sink.
func (r *Reloader) RunOnce(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lessons, err := r.loader.Load()
	r.metrics.LessonsReloaded(len(lessons), err)
	if err != nil {
		appLog.Error("lesson reload failed; keeping previous lessons", err)
		return err
	}
	r.sink.SetLessons(lessons)

	r.mu.Lock()
	r.last = time.Now()
	r.mu.Unlock()

	appLog.Debug("lessons reloaded", "count", len(lessons))
	return nil
}

// LastReload returns the time of the last successful reload.
func (r *Reloader) LastReload() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

// Start runs the schedule until ctx is done. It returns immediately.
func (r *Reloader) Start(ctx context.Context) {
	r.cron.Start()
	go func() {
		<-ctx.Done()
		r.Stop()
	}()
}

// Watch additionally reloads whenever the file at path changes. The file
// must exist.
func (r *Reloader) Watch(ctx context.Context, path string) error {
	w := file.Provider(path)
	err := w.Watch(func(_ interface{}, err error) {
		if err != nil {
			appLog.Error("lesson file watch failed", err, "path", path)
			return
		}
		appLog.Info("lesson file changed; reloading", "path", path)
		_ = r.RunOnce(ctx)
	})
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.watcher = w
	r.mu.Unlock()
	return nil
}

// Stop halts the schedule and the file watch, and waits for a running
// reload to finish.
func (r *Reloader) Stop() {
	r.mu.Lock()
	w := r.watcher
	r.watcher = nil
	r.mu.Unlock()
	if w != nil {
		if err := w.Unwatch(); err != nil {
			appLog.Debug("lesson file unwatch", "err", err.Error())
		}
	}
	<-r.cron.Stop().Done()
}

// cronLogger routes cron's own logging through the application logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
