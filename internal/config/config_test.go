// Package config tests validate config loading behavior.
package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voicescript.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	return p
}

// TestLoadAppliesDefaults confirms defaults are applied on load.
func TestLoadAppliesDefaults(t *testing.T) {
	p := writeConfig(t, "session:\n  signing_secret: s3cret\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.HTTP.Port != 8080 {
		t.Fatalf("expected default http.port 8080, got %d", c.HTTP.Port)
	}
	if c.Session.ExpiryDays != 7 {
		t.Fatalf("expected default session.expiry_days 7, got %d", c.Session.ExpiryDays)
	}
	if c.Session.RenewalThreshold != 0.2 {
		t.Fatalf("expected default renewal threshold 0.2, got %v", c.Session.RenewalThreshold)
	}
	if c.Download.TokenExpirySeconds != 3600 {
		t.Fatalf("expected default download expiry 3600, got %d", c.Download.TokenExpirySeconds)
	}
	if c.Cleanup.IntervalHours != 24 || c.Cleanup.InactiveDays != 7 {
		t.Fatalf("unexpected cleanup defaults: %+v", c.Cleanup)
	}
	if !c.CleanupEnabled() {
		t.Fatalf("cleanup should default to enabled")
	}
	if c.DataDir == "" {
		t.Fatalf("expected data_dir default")
	}
}

// TestLoadRequiresSecret fails closed without a signing secret.
func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv(EnvSigningSecret, "")
	p := writeConfig(t, "data_dir: ./data\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for missing signing secret")
	}
}

// TestLoadSecretFromEnv lets the environment override the file.
func TestLoadSecretFromEnv(t *testing.T) {
	t.Setenv(EnvSigningSecret, "env-secret")
	p := writeConfig(t, "session:\n  signing_secret: file-secret\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.Session.SigningSecret != "env-secret" {
		t.Fatalf("secret = %q, want env override", c.Session.SigningSecret)
	}
}

// TestLoadCleanupDisabled respects an explicit false.
func TestLoadCleanupDisabled(t *testing.T) {
	p := writeConfig(t, "session:\n  signing_secret: s\ncleanup:\n  enabled: false\n")
	c, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if c.CleanupEnabled() {
		t.Fatalf("cleanup should be disabled")
	}
}

// TestLoadRejectsBadThreshold refuses out-of-range renewal thresholds.
func TestLoadRejectsBadThreshold(t *testing.T) {
	p := writeConfig(t, "session:\n  signing_secret: s\n  renewal_threshold: 1.5\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for renewal_threshold out of range")
	}
}

// TestLoadRejectsLoneTLSPath requires cert and key together.
func TestLoadRejectsLoneTLSPath(t *testing.T) {
	p := writeConfig(t, "session:\n  signing_secret: s\nhttp:\n  tls:\n    cert_path: ./tls.crt\n")
	if _, err := Load(p); err == nil {
		t.Fatalf("expected error for lone tls cert path")
	}
}
