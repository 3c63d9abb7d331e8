package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

const (
	DefaultAddr         = ":3001"
	DefaultMaxBodyBytes = 1 << 20
	DefaultRetention    = 30 * 24 * time.Hour
	DefaultPruneCron    = "@daily"
	DefaultTestMessage  = "NAVER WORKS 알림 테스트 메시지입니다."
)

// Durations holds the parsed duration fields of a Config.
type Durations struct {
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	TokenBuffer     time.Duration
	AssertionTTL    time.Duration
	HTTPTimeout     time.Duration
	DedupWindow     time.Duration
	Retention       time.Duration
	BusyTimeout     time.Duration
}

// ApplyEnv lets the hosting environment override the listen address. A
// bare port ("8080") becomes ":8080".
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		return
	}
	port := strings.TrimSpace(getenv("PORT"))
	if port == "" {
		return
	}
	if !strings.Contains(port, ":") {
		port = ":" + port
	}
	c.Server.Addr = port
}

// Resolve parses every duration field and fills defaults. Any error names
// the offending key.
func Resolve(c *Config) (Durations, error) {
	if c == nil {
		return Durations{}, errors.New("config is nil")
	}
	var (
		d    Durations
		errs []error
	)
	parse := func(dst *time.Duration, path, raw string, def time.Duration) {
		v, err := ParseDurationOrDefault(path, raw, def)
		if err != nil {
			errs = append(errs, err)
			return
		}
		*dst = v
	}
	parse(&d.ReadTimeout, "server.read_timeout", c.Server.ReadTimeout, 10*time.Second)
	parse(&d.WriteTimeout, "server.write_timeout", c.Server.WriteTimeout, 60*time.Second)
	parse(&d.ShutdownTimeout, "server.shutdown_timeout", c.Server.ShutdownTimeout, 10*time.Second)
	parse(&d.TokenBuffer, "works.token_buffer", c.Works.TokenBuffer, 300*time.Second)
	parse(&d.AssertionTTL, "works.assertion_ttl", c.Works.AssertionTTL, time.Hour)
	parse(&d.HTTPTimeout, "works.http_timeout", c.Works.HTTPTimeout, 10*time.Second)
	parse(&d.Retention, "maintenance.retention", c.Maintenance.Retention, DefaultRetention)

	// "0s" disables dedup, so no default is substituted.
	if v, err := ParseDurationField("notify.dedup_window", c.Notify.DedupWindow); err != nil {
		errs = append(errs, err)
	} else {
		d.DedupWindow = v
	}

	if c.Storage != nil {
		parse(&d.BusyTimeout, "storage.busy_timeout", c.Storage.BusyTimeout, 5*time.Second)
		switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
		case "", "memory", "sqlite":
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unsupported %q (want sqlite or memory)", c.Storage.Driver))
		}
		if strings.EqualFold(strings.TrimSpace(c.Storage.Driver), "sqlite") && strings.TrimSpace(c.Storage.Path) == "" {
			errs = append(errs, errors.New("storage.path: required for the sqlite driver"))
		}
	}

	if strings.TrimSpace(c.Server.Addr) == "" {
		c.Server.Addr = DefaultAddr
	}
	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr: %w", err))
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if c.Server.RatePerSec < 0 || c.Notify.RatePerSec < 0 || c.Notify.Concurrency < 0 {
		errs = append(errs, errors.New("rates and concurrency must be >= 0"))
	}
	if strings.TrimSpace(c.Maintenance.PruneCron) == "" {
		c.Maintenance.PruneCron = DefaultPruneCron
	}
	if strings.TrimSpace(c.Notify.TestMessage) == "" {
		c.Notify.TestMessage = DefaultTestMessage
	}
	if c.Logging.Telegram.Enabled && strings.TrimSpace(c.Logging.Telegram.Token) == "" {
		errs = append(errs, errors.New("logging.telegram.token: required when enabled"))
	}
	return d, errors.Join(errs...)
}
