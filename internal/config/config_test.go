package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sampleYAML = `
transport:
  driver: telegram
  session_dir: ./session
  telegram:
    token: "123:abc"
delivery:
  pacing_min: 2s
  pacing_max: 4s
retention:
  window: 24h
  schedule: "@hourly"
storage:
  driver: sqlite
  path: ./data/docudrop.db
artifacts:
  dir: ./uploads
logging:
  level: debug
  console: true
`

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", p, err)
	}
	return p
}

func TestLoadYAML(t *testing.T) {
	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Transport.Telegram.Token != "123:abc" {
		t.Fatalf("token = %q", cfg.Transport.Telegram.Token)
	}
	if cfg.Delivery.PacingMax != "4s" || cfg.Retention.Schedule != "@hourly" {
		t.Fatalf("unexpected delivery/retention: %+v %+v", cfg.Delivery, cfg.Retention)
	}
	if m.Get() != cfg {
		t.Fatal("Get() should return the committed config")
	}
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	_, err := Decode("config.json", []byte(`{"transport":{"driver":"telegram"},"bogus":1}`))
	if err == nil || !strings.Contains(err.Error(), "bogus") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	if _, err := Decode("config.json", []byte(`{} {}`)); err == nil {
		t.Fatal("expected trailing data error")
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	t.Setenv(EnvTelegramToken, "from-env")
	t.Setenv(EnvOpsToken, "ops-secret")

	m := NewManager(writeFile(t, "config.yaml", sampleYAML))
	cfg, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Transport.Telegram.Token != "from-env" {
		t.Fatalf("token = %q, want env override", cfg.Transport.Telegram.Token)
	}
	if cfg.Ops.Token != "ops-secret" {
		t.Fatalf("ops token = %q", cfg.Ops.Token)
	}
}

func TestLoadEnvFilesSkipsMissing(t *testing.T) {
	envPath := writeFile(t, ".env", "DOCUDROP_STORAGE_DSN=postgres://x@localhost/db\n")
	t.Setenv(EnvStorageDSN, "")
	os.Unsetenv(EnvStorageDSN)

	if err := LoadEnvFiles(filepath.Join(t.TempDir(), "missing.env"), envPath); err != nil {
		t.Fatalf("LoadEnvFiles() error: %v", err)
	}
	if got := os.Getenv(EnvStorageDSN); got != "postgres://x@localhost/db" {
		t.Fatalf("%s = %q", EnvStorageDSN, got)
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Transport: TransportConfig{Driver: "telegram", Telegram: TelegramConfig{Token: "t"}},
			Artifacts: ArtifactsConfig{Dir: "./uploads"},
		}
	}
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "ok", mutate: func(c *Config) {}},
		{name: "unknown transport", mutate: func(c *Config) { c.Transport.Driver = "fax" }, wantErr: "unknown driver"},
		{name: "missing token", mutate: func(c *Config) { c.Transport.Telegram.Token = "" }, wantErr: "token is required"},
		{name: "bad duration", mutate: func(c *Config) { c.Delivery.PacingMin = "soon" }, wantErr: "delivery.pacing_min"},
		{name: "inverted pacing", mutate: func(c *Config) { c.Delivery.PacingMin, c.Delivery.PacingMax = "10s", "1s" }, wantErr: "pacing_max"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Storage.Driver = "postgres" }, wantErr: "storage.dsn"},
		{name: "twilio media url", mutate: func(c *Config) {
			c.Transport.Driver = "twilio"
			c.Transport.Twilio = TwilioConfig{AccountSID: "AC1", AuthToken: "x", From: "+1555", MediaBaseURL: "ftp://nope"}
		}, wantErr: "media_base_url"},
		{name: "missing artifacts dir", mutate: func(c *Config) { c.Artifacts.Dir = "" }, wantErr: "artifacts.dir"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(c)
			err := Validate(c)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestReloadPublishesOnlyChanges(t *testing.T) {
	path := writeFile(t, "config.yaml", sampleYAML)
	m := NewManager(path)
	prev, err := m.Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	if m.Reload() {
		t.Fatal("Reload() of unchanged file should not publish")
	}

	updated := strings.Replace(sampleYAML, "pacing_max: 4s", "pacing_max: 9s", 1)
	if err := os.WriteFile(path, []byte(updated), 0o600); err != nil {
		t.Fatal(err)
	}
	if !m.Reload() {
		t.Fatal("Reload() should publish changed config")
	}
	next := <-sub
	if next.Delivery.PacingMax != "9s" {
		t.Fatalf("published pacing_max = %q", next.Delivery.PacingMax)
	}
	if got := ChangedSections(prev, next); len(got) != 1 || got[0] != "delivery" {
		t.Fatalf("ChangedSections() = %v, want [delivery]", got)
	}

	if err := os.WriteFile(path, []byte("transport: {driver: fax}\nartifacts: {dir: x}\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if m.Reload() {
		t.Fatal("invalid config must be rejected")
	}
	if m.Get().Delivery.PacingMax != "9s" {
		t.Fatal("rejected reload must keep previous config")
	}
}
