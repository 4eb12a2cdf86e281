package config

import (
	"fmt"
	"strings"
	"time"
)

func ParseDurationField(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func ParseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	d, err := ParseDurationField(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return def, nil
	}
	return d, nil
}

// Validate rejects configs that would fail at wiring time. It is used both
// at startup and before committing a hot reload.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		if strings.TrimSpace(cfg.Transport.Telegram.Token) == "" {
			return fmt.Errorf("transport.telegram.token is required (or set %s)", EnvTelegramToken)
		}
	case "twilio":
		tw := cfg.Transport.Twilio
		if tw.AccountSID == "" || tw.AuthToken == "" {
			return fmt.Errorf("transport.twilio.account_sid and auth_token are required")
		}
		if strings.TrimSpace(tw.From) == "" {
			return fmt.Errorf("transport.twilio.from is required")
		}
		if !strings.HasPrefix(tw.MediaBaseURL, "http://") && !strings.HasPrefix(tw.MediaBaseURL, "https://") {
			return fmt.Errorf("transport.twilio.media_base_url must be an http(s) URL")
		}
	default:
		return fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver)
	}

	durations := []struct{ path, raw string }{
		{"transport.reconnect_delay", cfg.Transport.ReconnectDelay},
		{"transport.lock_retry_delay", cfg.Transport.LockRetryDelay},
		{"transport.init_retry_delay", cfg.Transport.InitRetryDelay},
		{"transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout},
		{"delivery.pacing_min", cfg.Delivery.PacingMin},
		{"delivery.pacing_max", cfg.Delivery.PacingMax},
		{"delivery.idle_recheck", cfg.Delivery.IdleRecheck},
		{"retention.window", cfg.Retention.Window},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
	}
	for _, d := range durations {
		if _, err := ParseDurationField(d.path, d.raw); err != nil {
			return err
		}
	}

	pmin, _ := ParseDurationOrDefault("delivery.pacing_min", cfg.Delivery.PacingMin, 5*time.Second)
	pmax, _ := ParseDurationOrDefault("delivery.pacing_max", cfg.Delivery.PacingMax, 15*time.Second)
	if pmax < pmin {
		return fmt.Errorf("delivery.pacing_max (%s) must be >= pacing_min (%s)", pmax, pmin)
	}

	if tz := strings.TrimSpace(cfg.Retention.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("retention.timezone: invalid %q: %w", tz, err)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	case "postgres", "postgresql", "pgx":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return fmt.Errorf("storage.dsn is required for postgres (or set %s)", EnvStorageDSN)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}

	if strings.TrimSpace(cfg.Artifacts.Dir) == "" {
		return fmt.Errorf("artifacts.dir is required")
	}
	return nil
}
