package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"lessoncal/internal/fsutil"
	"lessoncal/internal/model"
	"lessoncal/internal/recurrence"
	"lessoncal/internal/reminder"
)

// EnvPrefix prefixes environment overrides, e.g. LESSONCAL_LISTEN.
// Nested keys use a double underscore: LESSONCAL_BASIC_AUTH__USERNAME.
const EnvPrefix = "LESSONCAL_"

// BasicAuthConfig holds HTTP Basic Auth credentials for the API.
type BasicAuthConfig struct {
	Username string `yaml:"username" json:"username"`
	Password string `yaml:"password" json:"password"`
}

// Config is the top-level application configuration.
type Config struct {
	// Listen is the HTTP listen address for the API.
	Listen string `yaml:"listen" json:"listen"`

	// Timezone is the IANA timezone upcoming dates and events are computed in.
	Timezone string `yaml:"timezone" json:"timezone"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level" json:"log_level"`

	// LessonsPath is the YAML lesson file.
	LessonsPath string `yaml:"lessons_path" json:"lessons_path"`

	// CalendarPath is the iCalendar file created events are written to.
	CalendarPath string `yaml:"calendar_path" json:"calendar_path"`

	// RefreshCron is a cron schedule (e.g. "*/5 * * * *") for reloading the
	// lesson file and re-anchoring upcoming dates.
	RefreshCron string `yaml:"refresh" json:"refresh"`

	// Horizon is the number of upcoming dates offered per slot.
	Horizon int `yaml:"horizon" json:"horizon"`

	// EventTypes is the ordered set of selectable event types.
	EventTypes []model.EventTypeOption `yaml:"event_types" json:"event_types"`

	// ReminderTimes lists the selectable reminder times of day; the first
	// one is the default.
	ReminderTimes []model.ClockTime `yaml:"reminder_times" json:"reminder_times"`

	// ReminderRules add to or override the built-in reminder rules.
	ReminderRules []reminder.Rule `yaml:"reminder_rules,omitempty" json:"reminder_rules,omitempty"`

	// BasicAuth, if non-nil, enables HTTP Basic Authentication on all
	// endpoints except /health and /metrics.
	BasicAuth *BasicAuthConfig `yaml:"basic_auth,omitempty" json:"basic_auth,omitempty"`
}

func defaultEventTypes() []model.EventTypeOption {
	return []model.EventTypeOption{
		{Value: model.EventClass, Label: "Class"},
		{Value: model.EventTest, Label: "Test"},
		{Value: model.EventHomework, Label: "Homework"},
		{Value: model.EventOther, Label: "Other"},
	}
}

func defaultReminderTimes() []model.ClockTime {
	return []model.ClockTime{{Hour: 16}, {Hour: 22}}
}

// DefaultConfig returns an in-memory default configuration.
func DefaultConfig() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		Timezone:      "Local",
		LogLevel:      "info",
		LessonsPath:   "./var/lessons.yaml",
		CalendarPath:  "./var/calendar.ics",
		RefreshCron:   "*/5 * * * *",
		Horizon:       recurrence.DefaultHorizon,
		EventTypes:    defaultEventTypes(),
		ReminderTimes: defaultReminderTimes(),
	}
}

// Normalize fills in missing/zero values with defaults so that partially
// filled configs still behave correctly.
func (c *Config) Normalize() {
	d := DefaultConfig()
	if c.Listen == "" {
		c.Listen = d.Listen
	}
	if c.Timezone == "" {
		c.Timezone = d.Timezone
	}
	if c.LogLevel == "" {
		c.LogLevel = d.LogLevel
	}
	if c.LessonsPath == "" {
		c.LessonsPath = d.LessonsPath
	}
	if c.CalendarPath == "" {
		c.CalendarPath = d.CalendarPath
	}
	if c.RefreshCron == "" {
		c.RefreshCron = d.RefreshCron
	}
	if c.Horizon <= 0 {
		c.Horizon = d.Horizon
	}
	if len(c.EventTypes) == 0 {
		c.EventTypes = d.EventTypes
	}
	if len(c.ReminderTimes) == 0 {
		c.ReminderTimes = d.ReminderTimes
	}
}

// Validate reports configuration errors Normalize cannot repair.
func (c *Config) Validate() error {
	var errs []error
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		errs = append(errs, fmt.Errorf("refresh: %w", err))
	}
	if _, err := c.Location(); err != nil {
		errs = append(errs, fmt.Errorf("timezone: %w", err))
	}
	seen := make(map[model.EventType]bool, len(c.EventTypes))
	for _, et := range c.EventTypes {
		if et.Value == "" {
			errs = append(errs, errors.New("event_types: empty value"))
			continue
		}
		if seen[et.Value] {
			errs = append(errs, fmt.Errorf("event_types: duplicate %q", et.Value))
		}
		seen[et.Value] = true
	}
	for _, r := range c.ReminderRules {
		if r.Type == "" {
			errs = append(errs, errors.New("reminder_rules: empty type"))
		}
		if r.Forced != nil && *r.Forced < 0 {
			errs = append(errs, fmt.Errorf("reminder_rules[%s]: forced must be >= 0", r.Type))
		}
		for _, n := range r.Allowed {
			if n < 0 {
				errs = append(errs, fmt.Errorf("reminder_rules[%s]: allowed values must be >= 0", r.Type))
				break
			}
		}
	}
	return errors.Join(errs...)
}

// Location resolves Timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" || strings.EqualFold(c.Timezone, "local") {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// EventTypeValues returns the configured event types in order.
func (c *Config) EventTypeValues() []model.EventType {
	out := make([]model.EventType, 0, len(c.EventTypes))
	for _, et := range c.EventTypes {
		out = append(out, et.Value)
	}
	return out
}

// EventTypeLabels maps event types to display labels.
func (c *Config) EventTypeLabels() map[model.EventType]string {
	out := make(map[model.EventType]string, len(c.EventTypes))
	for _, et := range c.EventTypes {
		out[et.Value] = et.Label
	}
	return out
}

// Policies returns the built-in reminder table with ReminderRules applied.
func (c *Config) Policies() reminder.Table {
	return reminder.DefaultTable().With(c.ReminderRules...)
}

// Load loads configuration from the given YAML path and applies
// LESSONCAL_* environment overrides.
//
// Behavior:
//   - If the file does not exist, a default config is written with 0600
//     perms (creating the parent directory) and then loaded.
//   - Environment variables are layered over the file.
//   - The result is normalized and validated.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is empty")
	}

	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		// First run: create default config file.
		if err := Save(path, DefaultConfig()); err != nil {
			// Even if save fails, return defaults with error so caller can decide.
			return DefaultConfig(), err
		}
	}

	k := koanf.New(".")
	if err := k.Load(file.Provider(path), kyaml.Parser()); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := k.Load(envProvider(), nil); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, unmarshalConf(&cfg)); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envProvider maps LESSONCAL_* variables onto config keys.
// reminder_times takes a comma separated list.
func envProvider() *env.Env {
	return env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, interface{}) {
		key = strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		key = strings.ReplaceAll(key, "__", ".")
		if key == "reminder_times" {
			return key, strings.Split(value, ",")
		}
		return key, value
	})
}

// unmarshalConf decodes by yaml tag and squashes embedded structs so that
// reminder.Rule reads its inline constraint fields.
func unmarshalConf(out *Config) koanf.UnmarshalConf {
	return koanf.UnmarshalConf{
		Tag: "yaml",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.TextUnmarshallerHookFunc(),
			),
			Result:           out,
			WeaklyTypedInput: true,
			Squash:           true,
		},
	}
}

// Save writes the given configuration to the specified path.
//
// Implementation details:
//   - Marshals cfg to YAML.
//   - Writes atomically via a temp file + rename (parent dir 0700).
//   - Ensures final file permissions are 0600.
func Save(path string, cfg *Config) error {
	if path == "" {
		return errors.New("config path is empty")
	}
	if cfg == nil {
		return errors.New("config is nil")
	}

	cfg.Normalize()

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, data, 0o600)
}
