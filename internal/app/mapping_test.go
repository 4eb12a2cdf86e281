package app

import (
	"testing"
	"time"

	"docudrop/internal/config"
	"docudrop/internal/transport/telegram"
	"docudrop/internal/transport/twilio"
	logx "docudrop/pkg/logx"
)

func TestMapPacingDefaults(t *testing.T) {
	p, err := mapPacing(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if p.min != 5*time.Second || p.max != 15*time.Second || p.idle != 5*time.Second {
		t.Fatalf("pacing = %+v", p)
	}

	_, err = mapPacing(&config.Config{Delivery: config.DeliveryConfig{PacingMax: "soon"}})
	if err == nil {
		t.Fatal("expected error for invalid pacing_max")
	}
}

func TestMapRetention(t *testing.T) {
	window, schedule, err := mapRetention(&config.Config{})
	if err != nil {
		t.Fatal(err)
	}
	if window != 24*time.Hour || schedule != "@hourly" {
		t.Fatalf("retention = %s %q", window, schedule)
	}

	window, schedule, err = mapRetention(&config.Config{Retention: config.RetentionConfig{Window: "2h", Schedule: " 30m "}})
	if err != nil {
		t.Fatal(err)
	}
	if window != 2*time.Hour || schedule != "30m" {
		t.Fatalf("retention = %s %q", window, schedule)
	}
}

func TestMapConnectionOptions(t *testing.T) {
	opts, err := mapConnectionOptions(&config.Config{Transport: config.TransportConfig{InitRetryDelay: "30s"}})
	if err != nil {
		t.Fatal(err)
	}
	if opts.SessionDir != defaultSessionDir {
		t.Fatalf("session dir = %q", opts.SessionDir)
	}
	if opts.ReconnectDelay != 5*time.Second || opts.LockRetryDelay != 5*time.Second || opts.InitRetryDelay != 30*time.Second {
		t.Fatalf("delays = %+v", opts)
	}
}

func TestNewFactorySuffix(t *testing.T) {
	tests := []struct {
		driver string
		suffix string
		ok     bool
	}{
		{"", telegram.AddressSuffix, true},
		{"Telegram", telegram.AddressSuffix, true},
		{"twilio", twilio.AddressSuffix, true},
		{"carrier-pigeon", "", false},
	}
	for _, tc := range tests {
		t.Run(tc.driver, func(t *testing.T) {
			cfg := &config.Config{Transport: config.TransportConfig{Driver: tc.driver}}
			f, suffix, err := newFactory(cfg, logx.Nop())
			if !tc.ok {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if f == nil || suffix != tc.suffix {
				t.Fatalf("factory=%v suffix=%q", f != nil, suffix)
			}
		})
	}
}

func TestMapOpsConfigMedia(t *testing.T) {
	cfg := &config.Config{Ops: config.OpsConfig{Enabled: true}}
	if got := mapOpsConfig(cfg, "/srv/uploads"); got.MediaDir != "" || got.Addr != defaultOpsAddr {
		t.Fatalf("ops = %+v", got)
	}
	cfg.Ops.ServeArtifacts = true
	if got := mapOpsConfig(cfg, "/srv/uploads"); got.MediaDir != "/srv/uploads" {
		t.Fatalf("media dir = %q", got.MediaDir)
	}
}
