package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"lessoncal/internal/model"
	"lessoncal/internal/reminder"
)

func TestLoad(t *testing.T) {
	Convey("Given an empty directory", t, func() {
		dir := t.TempDir()
		path := filepath.Join(dir, "nested", "config.yaml")

		Convey("When loading a config that does not exist", func() {
			cfg, err := Load(path)

			Convey("Then defaults are written with private permissions", func() {
				So(err, ShouldBeNil)
				So(cfg.Horizon, ShouldEqual, 6)
				So(cfg.EventTypeValues(), ShouldResemble, []model.EventType{
					model.EventClass, model.EventTest, model.EventHomework, model.EventOther,
				})

				info, statErr := os.Stat(path)
				So(statErr, ShouldBeNil)
				So(info.Mode().Perm(), ShouldEqual, os.FileMode(0o600))
			})
		})

		Convey("When loading a partial file", func() {
			body := "listen: \":9000\"\nhorizon: 3\nreminder_times: [\"07:30\"]\nreminder_rules:\n  - type: exam\n    allowed: [3, 5]\n    default: 5\n"
			So(os.WriteFile(filepath.Join(dir, "c.yaml"), []byte(body), 0o600), ShouldBeNil)
			cfg, err := Load(filepath.Join(dir, "c.yaml"))

			Convey("Then missing values are normalized and rules merged", func() {
				So(err, ShouldBeNil)
				So(cfg.Listen, ShouldEqual, ":9000")
				So(cfg.Horizon, ShouldEqual, 3)
				So(cfg.RefreshCron, ShouldEqual, "*/5 * * * *")
				So(cfg.ReminderTimes, ShouldResemble, []model.ClockTime{{Hour: 7, Minute: 30}})
				So(cfg.Policies().Apply("exam", 4), ShouldEqual, 5)
				So(cfg.Policies().Apply(model.EventHomework, 3), ShouldEqual, 1)
			})
		})

		Convey("When the refresh schedule is invalid", func() {
			So(os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("refresh: \"every tuesday\"\n"), 0o600), ShouldBeNil)
			_, err := Load(filepath.Join(dir, "bad.yaml"))

			Convey("Then loading fails", func() {
				So(err, ShouldNotBeNil)
				So(err.Error(), ShouldContainSubstring, "refresh")
			})
		})
	})
}

func TestEnvOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := Save(path, DefaultConfig()); err != nil {
		t.Fatal(err)
	}

	t.Setenv("LESSONCAL_LISTEN", "0.0.0.0:8181")
	t.Setenv("LESSONCAL_HORIZON", "9")
	t.Setenv("LESSONCAL_TIMEZONE", "UTC")
	t.Setenv("LESSONCAL_REMINDER_TIMES", "08:00,20:15")
	t.Setenv("LESSONCAL_BASIC_AUTH__USERNAME", "admin")
	t.Setenv("LESSONCAL_BASIC_AUTH__PASSWORD", "s3cret")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != "0.0.0.0:8181" {
		t.Errorf("Listen = %q", cfg.Listen)
	}
	if cfg.Horizon != 9 {
		t.Errorf("Horizon = %d", cfg.Horizon)
	}
	want := []model.ClockTime{{Hour: 8}, {Hour: 20, Minute: 15}}
	if len(cfg.ReminderTimes) != 2 || cfg.ReminderTimes[0] != want[0] || cfg.ReminderTimes[1] != want[1] {
		t.Errorf("ReminderTimes = %v, want %v", cfg.ReminderTimes, want)
	}
	if cfg.BasicAuth == nil || cfg.BasicAuth.Username != "admin" || cfg.BasicAuth.Password != "s3cret" {
		t.Errorf("BasicAuth = %+v", cfg.BasicAuth)
	}
	loc, err := cfg.Location()
	if err != nil || loc != time.UTC {
		t.Errorf("Location = %v, %v", loc, err)
	}
}

func TestValidate(t *testing.T) {
	forced := -1
	cases := []struct {
		name string
		mut  func(*Config)
		ok   bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad timezone", func(c *Config) { c.Timezone = "Mars/Olympus" }, false},
		{"duplicate event type", func(c *Config) {
			c.EventTypes = append(c.EventTypes, model.EventTypeOption{Value: model.EventTest, Label: "Again"})
		}, false},
		{"negative forced", func(c *Config) {
			c.ReminderRules = append(c.ReminderRules, reminder.Rule{Type: "quiz", Constraint: reminder.Constraint{Forced: &forced}})
		}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mut(cfg)
			err := cfg.Validate()
			if (err == nil) != tc.ok {
				t.Fatalf("Validate() = %v, want ok=%v", err, tc.ok)
			}
		})
	}
}
