package config

// Config is the on-disk configuration (JSON or YAML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
// Secrets (tokens, DSNs) may be left empty here and supplied through the
// environment; see ApplyEnv.
type Config struct {
	Transport TransportConfig `json:"transport"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Retention RetentionConfig `json:"retention"`
	Storage   StorageConfig   `json:"storage"`
	Artifacts ArtifactsConfig `json:"artifacts"`
	Logging   LoggingConfig   `json:"logging"`
	Ops       OpsConfig       `json:"ops,omitempty"`
}

// TransportConfig selects and configures the messaging transport session.
//
// Defaults (when fields are omitted/zero):
//   - driver: "telegram"
//   - session_dir: "./session"
//   - lock_markers: SingletonLock, SingletonCookie, SingletonSocket, session.lock
//   - reconnect_delay: "5s"
//   - lock_retry_delay: "5s"
//   - init_retry_delay: "10s"
type TransportConfig struct {
	Driver      string   `json:"driver"`
	SessionDir  string   `json:"session_dir"`
	LockMarkers []string `json:"lock_markers,omitempty"`

	ReconnectDelay string `json:"reconnect_delay,omitempty"`
	LockRetryDelay string `json:"lock_retry_delay,omitempty"`
	InitRetryDelay string `json:"init_retry_delay,omitempty"`

	Telegram TelegramConfig `json:"telegram,omitempty"`
	Twilio   TwilioConfig   `json:"twilio,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token,omitempty"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
}

// TwilioConfig configures WhatsApp delivery through Twilio.
//
// Twilio fetches media by URL, so MediaBaseURL must point at a public
// location serving the artifact directory (see ops.serve_artifacts).
type TwilioConfig struct {
	AccountSID   string `json:"account_sid,omitempty"`
	AuthToken    string `json:"auth_token,omitempty"`
	From         string `json:"from,omitempty"`
	MediaBaseURL string `json:"media_base_url,omitempty"`
}

// DeliveryConfig controls queue pacing.
//
// Defaults:
//   - pacing_min: "5s", pacing_max: "15s"
//   - idle_recheck: "5s"
//   - caption: "Hello! Here is your document: %s"
type DeliveryConfig struct {
	PacingMin   string `json:"pacing_min,omitempty"`
	PacingMax   string `json:"pacing_max,omitempty"`
	IdleRecheck string `json:"idle_recheck,omitempty"`
	Caption     string `json:"caption,omitempty"`
}

// RetentionConfig controls the completed-artifact sweep.
//
// Schedule accepts cron ("0 * * * *", "@hourly") or an interval ("1h").
type RetentionConfig struct {
	Window   string `json:"window,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// StorageConfig controls the persistence layer.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/docudrop.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`          // postgres
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
}

type ArtifactsConfig struct {
	Dir string `json:"dir"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Alert   LoggingAlert `json:"alert,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingAlert forwards WARN+ lines to an operator through the transport.
type LoggingAlert struct {
	Enabled    bool   `json:"enabled"`
	Recipient  string `json:"recipient,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// OpsConfig controls the optional operations listener (health, metrics,
// pprof and, for Twilio, artifact media).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - If you bind to a non-loopback address, set a token or explicitly allow_insecure.
//   - Media is served without the token because Twilio cannot send one;
//     artifact names carry a random uuid prefix and are not listed.
type OpsConfig struct {
	Enabled        bool   `json:"enabled"`
	Addr           string `json:"addr,omitempty"`
	Token          string `json:"token,omitempty"`
	AllowInsecure  bool   `json:"allow_insecure,omitempty"`
	ServeArtifacts bool   `json:"serve_artifacts,omitempty"`
	EnablePprof    bool   `json:"enable_pprof,omitempty"`
}
