package app

import (
	"fmt"
	"strings"
	"time"

	"docudrop/internal/config"
	"docudrop/internal/connection"
	"docudrop/internal/delivery"
	"docudrop/internal/observability/ops"
	"docudrop/internal/storage"
	"docudrop/internal/transport"
	"docudrop/internal/transport/telegram"
	"docudrop/internal/transport/twilio"
	logx "docudrop/pkg/logx"
)

const (
	defaultSessionDir     = "./session"
	defaultRetentionEvery = "@hourly"
	defaultOpsAddr        = "127.0.0.1:6060"
)

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Alert: logx.AlertConfig{
			Enabled:    cfg.Logging.Alert.Enabled,
			Recipient:  cfg.Logging.Alert.Recipient,
			MinLevel:   cfg.Logging.Alert.MinLevel,
			RatePerSec: cfg.Logging.Alert.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		DSN:         cfg.Storage.DSN,
		BusyTimeout: busy,
	}, nil
}

func sessionDir(cfg *config.Config) string {
	if d := strings.TrimSpace(cfg.Transport.SessionDir); d != "" {
		return d
	}
	return defaultSessionDir
}

// newFactory returns the session factory for the configured transport and
// the address suffix its sessions expect.
func newFactory(cfg *config.Config, log logx.Logger) (transport.Factory, string, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Transport.Driver)) {
	case "", "telegram":
		poll, err := config.ParseDurationOrDefault("transport.telegram.poll_timeout", cfg.Transport.Telegram.PollTimeout, 10*time.Second)
		if err != nil {
			return nil, "", err
		}
		return telegram.Factory(telegram.Config{
			Token:       cfg.Transport.Telegram.Token,
			PollTimeout: poll,
			SessionDir:  sessionDir(cfg),
		}, log), telegram.AddressSuffix, nil
	case "twilio":
		tw := cfg.Transport.Twilio
		return twilio.Factory(twilio.Config{
			AccountSID:   tw.AccountSID,
			AuthToken:    tw.AuthToken,
			From:         tw.From,
			MediaBaseURL: tw.MediaBaseURL,
		}, log), twilio.AddressSuffix, nil
	default:
		return nil, "", fmt.Errorf("transport.driver: unknown driver %q", cfg.Transport.Driver)
	}
}

func mapConnectionOptions(cfg *config.Config) (connection.Options, error) {
	t := cfg.Transport
	reconnect, err := config.ParseDurationOrDefault("transport.reconnect_delay", t.ReconnectDelay, 5*time.Second)
	if err != nil {
		return connection.Options{}, err
	}
	lockRetry, err := config.ParseDurationOrDefault("transport.lock_retry_delay", t.LockRetryDelay, 5*time.Second)
	if err != nil {
		return connection.Options{}, err
	}
	initRetry, err := config.ParseDurationOrDefault("transport.init_retry_delay", t.InitRetryDelay, 10*time.Second)
	if err != nil {
		return connection.Options{}, err
	}
	return connection.Options{
		SessionDir:     sessionDir(cfg),
		LockMarkers:    t.LockMarkers,
		ReconnectDelay: reconnect,
		LockRetryDelay: lockRetry,
		InitRetryDelay: initRetry,
	}, nil
}

type pacing struct{ min, max, idle time.Duration }

func mapPacing(cfg *config.Config) (pacing, error) {
	d := cfg.Delivery
	lo, err := config.ParseDurationOrDefault("delivery.pacing_min", d.PacingMin, 5*time.Second)
	if err != nil {
		return pacing{}, err
	}
	hi, err := config.ParseDurationOrDefault("delivery.pacing_max", d.PacingMax, 15*time.Second)
	if err != nil {
		return pacing{}, err
	}
	idle, err := config.ParseDurationOrDefault("delivery.idle_recheck", d.IdleRecheck, 5*time.Second)
	if err != nil {
		return pacing{}, err
	}
	return pacing{min: lo, max: hi, idle: idle}, nil
}

func mapDeliveryOptions(cfg *config.Config) (delivery.Options, error) {
	p, err := mapPacing(cfg)
	if err != nil {
		return delivery.Options{}, err
	}
	return delivery.Options{PacingMin: p.min, PacingMax: p.max, IdleRecheck: p.idle}, nil
}

func mapRetention(cfg *config.Config) (window time.Duration, schedule string, err error) {
	window, err = config.ParseDurationOrDefault("retention.window", cfg.Retention.Window, 24*time.Hour)
	if err != nil {
		return 0, "", err
	}
	schedule = strings.TrimSpace(cfg.Retention.Schedule)
	if schedule == "" {
		schedule = defaultRetentionEvery
	}
	return window, schedule, nil
}

// mapOpsConfig serves artifactDir as media only when asked to.
func mapOpsConfig(cfg *config.Config, artifactDir string) ops.Config {
	o := cfg.Ops
	addr := strings.TrimSpace(o.Addr)
	if addr == "" {
		addr = defaultOpsAddr
	}
	out := ops.Config{
		Enabled:       o.Enabled,
		Addr:          addr,
		Token:         o.Token,
		AllowInsecure: o.AllowInsecure,
		EnablePprof:   o.EnablePprof,
		ReadTimeout:   15 * time.Second,
		IdleTimeout:   60 * time.Second,
	}
	if o.ServeArtifacts {
		out.MediaDir = artifactDir
	}
	return out
}
