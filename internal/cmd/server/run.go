package server

import (
	"context"
	"flag"
	"fmt"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/ericr-stein/VoiceScript/internal/config"
	"github.com/ericr-stein/VoiceScript/internal/daemon"
	"github.com/ericr-stein/VoiceScript/internal/logging"
	"github.com/ericr-stein/VoiceScript/internal/version"
)

func Run(args []string) error {
	fs := flag.NewFlagSet("server", flag.ContinueOnError)
	var configPath, logLevel string
	var showVersion bool
	var c config.Config
	fs.StringVar(&configPath, "config", "", "path to voicescript.yaml (when set, other flags except -log-level are ignored)")
	fs.BoolVar(&showVersion, "version", false, "print version and exit")
	fs.StringVar(&logLevel, "log-level", "", "log level: debug|info|warning|error")
	fs.StringVar(&c.DataDir, "data-dir", "./data", "data directory (in/out/error trees)")
	fs.StringVar(&c.HTTP.Bind, "bind", "127.0.0.1", "bind address")
	fs.IntVar(&c.HTTP.Port, "port", 8080, "HTTP port")
	fs.IntVar(&c.HTTP.MaxUploadMB, "max-upload-mb", 12288, "maximum upload size in MiB")
	fs.StringVar(&c.HTTP.TLS.CertPath, "tls-cert", "", "TLS certificate path (plain HTTP when unset)")
	fs.StringVar(&c.HTTP.TLS.KeyPath, "tls-key", "", "TLS key path")
	fs.BoolVar(&c.Metrics.Enable, "metrics-enable", false, "enable the Prometheus listener")
	fs.IntVar(&c.Metrics.Port, "metrics-port", 9090, "Prometheus listener port")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if showVersion {
		fmt.Printf("voicescript server %s\n", version.Version)
		return nil
	}

	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		base := filepath.Dir(configPath)
		loaded.DataDir = resolvePath(base, loaded.DataDir)
		loaded.HTTP.TLS.CertPath = resolvePath(base, loaded.HTTP.TLS.CertPath)
		loaded.HTTP.TLS.KeyPath = resolvePath(base, loaded.HTTP.TLS.KeyPath)
		c = loaded
	} else if err := config.Finalize(&c); err != nil {
		return err
	}

	// CLI overrides config.
	if strings.TrimSpace(logLevel) != "" {
		c.Log.Level = logLevel
	}
	lg, err := logging.New(logging.Options{Level: c.Log.Level, DefaultSlog: true})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return daemon.Run(ctx, c, lg)
}

func resolvePath(baseDir, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
