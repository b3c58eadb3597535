// Package config loads and validates VoiceScript YAML configuration.
// It applies defaults so the daemon can rely on fully populated values.
package config

import (
	"errors"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// EnvSigningSecret overrides session.signing_secret when set.
const EnvSigningSecret = "VOICESCRIPT_SIGNING_SECRET"

// TLSConfig holds TLS certificate paths.
type TLSConfig struct {
	CertPath string `yaml:"cert_path"`
	KeyPath  string `yaml:"key_path"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Bind        string    `yaml:"bind"`
	Port        int       `yaml:"port"`
	MaxUploadMB int       `yaml:"max_upload_mb"`
	TLS         TLSConfig `yaml:"tls"`
}

// MetricsConfig holds the Prometheus listener settings.
type MetricsConfig struct {
	Enable bool `yaml:"enable"`
	Port   int  `yaml:"port"`
}

// SessionConfig holds session-token settings.
type SessionConfig struct {
	ExpiryDays       int     `yaml:"expiry_days"`
	RenewalThreshold float64 `yaml:"renewal_threshold"`
	SigningSecret    string  `yaml:"signing_secret"`
}

// DownloadConfig holds download-grant settings.
type DownloadConfig struct {
	TokenExpirySeconds int `yaml:"token_expiry_seconds"`
}

// CleanupConfig holds the inactivity sweeper settings.
type CleanupConfig struct {
	Enabled       *bool `yaml:"enabled"`
	IntervalHours int   `yaml:"interval_hours"`
	InactiveDays  int   `yaml:"inactive_days"`
}

// RateLimitConfig holds the two request-gate windows. The session and
// redeem paths are limited independently.
type RateLimitConfig struct {
	SessionMax           int `yaml:"session_max"`
	SessionWindowSeconds int `yaml:"session_window_seconds"`
	RedeemMax            int `yaml:"redeem_max"`
	RedeemWindowSeconds  int `yaml:"redeem_window_seconds"`
}

// ArchiveConfig holds the archive safety ceilings.
type ArchiveConfig struct {
	MaxEntries int `yaml:"max_entries"`
	MaxRatio   int `yaml:"max_ratio"`
	MaxTotalMB int `yaml:"max_total_mb"`
}

// Config mirrors the voicescript.yaml schema.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	DataDir   string          `yaml:"data_dir"`
	HTTP      HTTPConfig      `yaml:"http"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Session   SessionConfig   `yaml:"session"`
	Download  DownloadConfig  `yaml:"download"`
	Cleanup   CleanupConfig   `yaml:"cleanup"`
	RateLimit RateLimitConfig `yaml:"ratelimit"`
	Archive   ArchiveConfig   `yaml:"archive"`
}

// CleanupEnabled resolves the tri-state flag; cleanup defaults to on.
func (c *Config) CleanupEnabled() bool {
	return c.Cleanup.Enabled == nil || *c.Cleanup.Enabled
}

// Load reads a YAML config file, applies defaults, and validates it.
// A missing signing secret is a hard error: the process must not start
// without one.
func Load(path string) (Config, error) {
	var c Config
	if path == "" {
		return c, errors.New("config path is required")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	if err := Finalize(&c); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Finalize applies defaults, folds in the environment secret, and
// validates. It is shared between the YAML path and flag-built configs.
func Finalize(c *Config) error {
	applyDefaults(c)
	if env := os.Getenv(EnvSigningSecret); strings.TrimSpace(env) != "" {
		c.Session.SigningSecret = env
	}
	if err := validate(c); err != nil {
		return err
	}
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.HTTP.TLS.CertPath = strings.TrimSpace(c.HTTP.TLS.CertPath)
	c.HTTP.TLS.KeyPath = strings.TrimSpace(c.HTTP.TLS.KeyPath)
	return nil
}

// applyDefaults populates zero-values with sane defaults.
func applyDefaults(c *Config) {
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.HTTP.Bind == "" {
		c.HTTP.Bind = "127.0.0.1"
	}
	if c.HTTP.Port == 0 {
		c.HTTP.Port = 8080
	}
	if c.HTTP.MaxUploadMB == 0 {
		c.HTTP.MaxUploadMB = 12288
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Session.ExpiryDays == 0 {
		c.Session.ExpiryDays = 7
	}
	if c.Session.RenewalThreshold == 0 {
		c.Session.RenewalThreshold = 0.2
	}
	if c.Download.TokenExpirySeconds == 0 {
		c.Download.TokenExpirySeconds = 3600
	}
	if c.Cleanup.IntervalHours == 0 {
		c.Cleanup.IntervalHours = 24
	}
	if c.Cleanup.InactiveDays == 0 {
		c.Cleanup.InactiveDays = 7
	}
	if c.RateLimit.SessionMax == 0 {
		c.RateLimit.SessionMax = 100
	}
	if c.RateLimit.SessionWindowSeconds == 0 {
		c.RateLimit.SessionWindowSeconds = 3600
	}
	if c.RateLimit.RedeemMax == 0 {
		c.RateLimit.RedeemMax = 60
	}
	if c.RateLimit.RedeemWindowSeconds == 0 {
		c.RateLimit.RedeemWindowSeconds = 60
	}
	if c.Archive.MaxEntries == 0 {
		c.Archive.MaxEntries = 1000
	}
	if c.Archive.MaxRatio == 0 {
		c.Archive.MaxRatio = 100
	}
	if c.Archive.MaxTotalMB == 0 {
		c.Archive.MaxTotalMB = 10240
	}
}

// validate performs basic sanity checks for required fields and ranges.
// It does not mutate the config.
func validate(c *Config) error {
	if strings.TrimSpace(c.Log.Level) == "" {
		return errors.New("log.level is required")
	}
	if strings.TrimSpace(c.DataDir) == "" {
		return errors.New("data_dir is required")
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return errors.New("http.port is invalid")
	}
	if c.HTTP.MaxUploadMB < 1 || c.HTTP.MaxUploadMB > 102400 {
		return errors.New("http.max_upload_mb is invalid")
	}
	if c.Metrics.Port <= 0 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port is invalid")
	}
	if strings.TrimSpace(c.Session.SigningSecret) == "" {
		return errors.New("session.signing_secret is required (or set " + EnvSigningSecret + ")")
	}
	if c.Session.ExpiryDays < 1 {
		return errors.New("session.expiry_days is invalid")
	}
	if c.Session.RenewalThreshold <= 0 || c.Session.RenewalThreshold >= 1 {
		return errors.New("session.renewal_threshold must be in (0, 1)")
	}
	if c.Download.TokenExpirySeconds < 1 {
		return errors.New("download.token_expiry_seconds is invalid")
	}
	if c.Cleanup.IntervalHours < 1 {
		return errors.New("cleanup.interval_hours is invalid")
	}
	if c.Cleanup.InactiveDays < 1 {
		return errors.New("cleanup.inactive_days is invalid")
	}
	if c.RateLimit.SessionMax < 1 || c.RateLimit.RedeemMax < 1 {
		return errors.New("ratelimit ceilings must be positive")
	}
	if c.RateLimit.SessionWindowSeconds < 1 || c.RateLimit.RedeemWindowSeconds < 1 {
		return errors.New("ratelimit windows must be positive")
	}
	if c.Archive.MaxEntries < 1 || c.Archive.MaxRatio < 1 || c.Archive.MaxTotalMB < 1 {
		return errors.New("archive ceilings must be positive")
	}
	cp := strings.TrimSpace(c.HTTP.TLS.CertPath)
	kp := strings.TrimSpace(c.HTTP.TLS.KeyPath)
	if (cp == "") != (kp == "") {
		return errors.New("http.tls.cert_path and http.tls.key_path must be set together")
	}
	return nil
}
