package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"

	"lessoncal/internal/calendar"
	"lessoncal/internal/config"
	"lessoncal/internal/lessons"
	appLog "lessoncal/internal/log"
	"lessoncal/internal/metrics"
	"lessoncal/internal/model"
	"lessoncal/internal/recurrence"
	"lessoncal/internal/selection"
	"lessoncal/internal/submission"
	"lessoncal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	logLevel   string
	once       bool
	hashPass   bool
}

func main() {
	flags := parseFlags()

	if flags.hashPass {
		if err := printPasswordHash(os.Stdin, os.Stdout); err != nil {
			appLog.Error("failed to hash password", err)
			os.Exit(1)
		}
		return
	}

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	// CLI flags override the config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if flags.logLevel != "" {
		conf.LogLevel = flags.logLevel
	}
	if err := appLog.SetLevelString(conf.LogLevel); err != nil {
		appLog.Warn("unknown log level; keeping info", "log_level", conf.LogLevel)
	}

	appLog.Info("lessoncal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"lessons_path", conf.LessonsPath,
		"calendar_path", conf.CalendarPath,
		"refresh", conf.RefreshCron,
		"horizon", conf.Horizon,
		"event_types", len(conf.EventTypes),
		"reminder_rules", len(conf.ReminderRules),
		"once", flags.once,
	)

	loc, err := conf.Location()
	if err != nil {
		appLog.Error("invalid timezone", err, "timezone", conf.Timezone)
		os.Exit(1)
	}

	lessonStore := lessons.NewStore(conf.LessonsPath)
	initial, err := lessonStore.Load()
	if err != nil {
		appLog.Error("failed to load lessons", err, "path", conf.LessonsPath)
		os.Exit(1)
	}

	if flags.once {
		printSchedule(os.Stdout, initial, time.Now().In(loc), conf.Horizon)
		return
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, conf, loc, lessonStore, initial); err != nil {
		appLog.Error("lessoncal stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("lessoncal exiting")
}

func run(ctx context.Context, conf *config.Config, loc *time.Location, lessonStore *lessons.Store, initial []model.Lesson) error {
	rec := metrics.New()

	reconciler := selection.Reconciler{
		Horizon:    conf.Horizon,
		Policies:   conf.Policies(),
		EventTypes: conf.EventTypeValues(),
	}
	sel := selection.New(reconciler, initial,
		selection.WithClock(func() time.Time { return time.Now().In(loc) }),
		selection.WithReminderTime(conf.ReminderTimes[0]),
	)

	calStore := calendar.NewStore(conf.CalendarPath)
	if err := os.MkdirAll(filepath.Dir(calStore.Path()), 0o700); err != nil {
		appLog.Warn("cannot create calendar directory; submissions will fail until it exists", "path", calStore.Path(), "err", err.Error())
	}

	svc := submission.NewService(sel, submission.Builder{
		Policies: conf.Policies(),
		Labels:   conf.EventTypeLabels(),
		NewUID:   uuid.NewString,
	}, calStore, rec)

	reloader, err := lessons.NewReloader(lessonStore, svc, conf.RefreshCron, loc, rec)
	if err != nil {
		return fmt.Errorf("refresh schedule: %w", err)
	}
	if err := reloader.RunOnce(ctx); err != nil {
		return fmt.Errorf("load lessons: %w", err)
	}
	reloader.Start(ctx)
	defer reloader.Stop()
	if err := reloader.Watch(ctx, lessonStore.Path()); err != nil {
		appLog.Warn("lesson file not watched; relying on the refresh schedule", "path", lessonStore.Path(), "err", err.Error())
	}

	srv := web.NewServer(conf, web.Deps{
		Service:    svc,
		Events:     calStore,
		Lessons:    lessonStore,
		Metrics:    rec,
		Connected:  func() bool { return calStore.Ping() == nil },
		LastReload: reloader.LastReload,
	})
	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// printSchedule writes every lesson slot with its upcoming dates.
func printSchedule(w io.Writer, ls []model.Lesson, now time.Time, horizon int) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if len(ls) == 0 {
		fmt.Fprintln(tw, "no lessons")
		return
	}
	fmt.Fprintln(tw, "LESSON\tSLOT\tUPCOMING")
	for _, l := range ls {
		for i := range l.Slots {
			slot := &l.Slots[i]
			dates := recurrence.GenerateUpcomingDates(slot, now, horizon)
			labels := make([]string, 0, len(dates))
			for _, d := range dates {
				labels = append(labels, d.Date)
			}
			fmt.Fprintf(tw, "%s\t%s %s (%s)\t%v\n", l.Title, slot.Weekday(), slot.StartTime, slot.Duration(), labels)
		}
	}
}

// printPasswordHash reads one line from r and writes its argon2id hash for
// use as basic_auth.password.
func printPasswordHash(r io.Reader, w io.Writer) error {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	password := strings.TrimRight(line, "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := web.HashPassword(password, web.DefaultArgon2idParams)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hash)
	return err
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/lessoncal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.StringVar(&cfg.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Print upcoming dates for every lesson slot and exit")
	flag.BoolVar(&cfg.hashPass, "hash-password", false, "Read a password from stdin, print its argon2id hash for basic_auth.password and exit")

	flag.Parse()

	return cfg
}
