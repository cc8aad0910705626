package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Config is the on-disk configuration. Files may be YAML or JSON; YAML is
// coerced to JSON so both formats share one strict decoder.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram  TelegramConfig  `json:"telegram"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Redis     *RedisConfig    `json:"redis,omitempty"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Scheduler SchedulerConfig `json:"scheduler"`
	API       APIConfig       `json:"api"`
}

type TelegramConfig struct {
	// Token may be left empty in the file and supplied via the
	// TGBLAST_BOT_TOKEN environment variable instead.
	Token string `json:"token,omitempty"`
	// SendTimeout bounds each individual gateway call. Default "30s".
	SendTimeout string `json:"send_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"` // default "info"
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// RedisConfig enables the optional live progress mirror. Omit the section
// to run without Redis.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// TTL of progress keys. Default "24h".
	TTL string `json:"ttl,omitempty"`
}

// DispatchConfig paces deliveries against the gateway's published ceiling.
//
// Recipients are processed in windows of WindowSize with WindowDelay between
// windows, so the sustained rate is WindowSize/WindowDelay. RatePerSec is
// additionally enforced inside the gateway client as a backstop.
type DispatchConfig struct {
	WindowSize  int    `json:"window_size,omitempty"`  // default 25
	WindowDelay string `json:"window_delay,omitempty"` // default "1s"
	RatePerSec  int    `json:"rate_per_sec,omitempty"` // default 25
}

type SchedulerConfig struct {
	// Enabled is a pointer so an omitted field defaults to true.
	Enabled      *bool  `json:"enabled,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"` // default "1m"
	Workers      int    `json:"workers,omitempty"`       // default 2
	QueueSize    int    `json:"queue_size,omitempty"`    // default 16
}

type APIConfig struct {
	Addr string `json:"addr,omitempty"` // default "127.0.0.1:8080"
}

// ---- resolved settings (defaults applied, durations parsed) ----

// durationField parses an optional duration string, naming the offending
// field in the error. Empty means unset (zero).
func durationField(field, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", field, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", field)
	}
	return d, nil
}

func durationOrDefault(field, raw string, def time.Duration) (time.Duration, error) {
	d, err := durationField(field, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

type DispatchSettings struct {
	WindowSize  int
	WindowDelay time.Duration
	RatePerSec  int
}

func (c DispatchConfig) Resolve() (DispatchSettings, error) {
	s := DispatchSettings{WindowSize: c.WindowSize, RatePerSec: c.RatePerSec}
	if s.WindowSize <= 0 {
		s.WindowSize = 25
	}
	if s.RatePerSec <= 0 {
		s.RatePerSec = 25
	}
	delay, err := durationOrDefault("dispatch.window_delay", c.WindowDelay, time.Second)
	if err != nil {
		return DispatchSettings{}, err
	}
	s.WindowDelay = delay

	// The window pacing must stay at or under the gateway ceiling.
	if rate := float64(s.WindowSize) / s.WindowDelay.Seconds(); rate > float64(s.RatePerSec) {
		return DispatchSettings{}, fmt.Errorf(
			"dispatch: window_size/window_delay is %.1f msg/s, above rate_per_sec %d", rate, s.RatePerSec)
	}
	return s, nil
}

type SchedulerSettings struct {
	Enabled      bool
	PollInterval time.Duration
	Workers      int
	QueueSize    int
}

func (c SchedulerConfig) Resolve() (SchedulerSettings, error) {
	s := SchedulerSettings{
		Enabled:   c.Enabled == nil || *c.Enabled,
		Workers:   c.Workers,
		QueueSize: c.QueueSize,
	}
	if s.Workers <= 0 {
		s.Workers = 2
	}
	if s.QueueSize <= 0 {
		s.QueueSize = 16
	}
	interval, err := durationOrDefault("scheduler.poll_interval", c.PollInterval, time.Minute)
	if err != nil {
		return SchedulerSettings{}, err
	}
	s.PollInterval = interval
	return s, nil
}

func (c TelegramConfig) ResolveSendTimeout() (time.Duration, error) {
	return durationOrDefault("telegram.send_timeout", c.SendTimeout, 30*time.Second)
}

// ResolveBusyTimeout parses the optional sqlite busy timeout; zero means the
// driver default.
func (c StorageConfig) ResolveBusyTimeout() (time.Duration, error) {
	return durationField("storage.busy_timeout", c.BusyTimeout)
}

func (c *RedisConfig) ResolveTTL() (time.Duration, error) {
	if c == nil {
		return 0, nil
	}
	return durationOrDefault("redis.ttl", c.TTL, 24*time.Hour)
}

// Validate checks everything that can be checked without the environment.
// It is also the hot-reload gate: a config that fails here is never
// published to running services.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return errors.New("storage.path is required")
	}
	if _, err := cfg.Storage.ResolveBusyTimeout(); err != nil {
		return err
	}
	if _, err := cfg.Telegram.ResolveSendTimeout(); err != nil {
		return err
	}
	if _, err := cfg.Dispatch.Resolve(); err != nil {
		return err
	}
	if _, err := cfg.Scheduler.Resolve(); err != nil {
		return err
	}
	if cfg.Redis != nil {
		if strings.TrimSpace(cfg.Redis.Addr) == "" {
			return errors.New("redis.addr is required when the redis section is present")
		}
		if _, err := cfg.Redis.ResolveTTL(); err != nil {
			return err
		}
	}
	return nil
}
