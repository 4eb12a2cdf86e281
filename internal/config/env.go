package config

import (
	"errors"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override secrets in the config file.
const (
	EnvTelegramToken    = "DOCUDROP_TELEGRAM_TOKEN"
	EnvTwilioAccountSID = "DOCUDROP_TWILIO_ACCOUNT_SID"
	EnvTwilioAuthToken  = "DOCUDROP_TWILIO_AUTH_TOKEN"
	EnvStorageDSN       = "DOCUDROP_STORAGE_DSN"
	EnvOpsToken         = "DOCUDROP_OPS_TOKEN"
)

// LoadEnvFiles loads KEY=VALUE files into the process environment.
// Missing files are skipped; existing variables are never overwritten.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if strings.TrimSpace(p) == "" {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return err
		}
	}
	return nil
}

// ApplyEnv fills secret fields from the environment when set.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&cfg.Transport.Telegram.Token, EnvTelegramToken)
	set(&cfg.Transport.Twilio.AccountSID, EnvTwilioAccountSID)
	set(&cfg.Transport.Twilio.AuthToken, EnvTwilioAuthToken)
	set(&cfg.Storage.DSN, EnvStorageDSN)
	set(&cfg.Ops.Token, EnvOpsToken)
}
