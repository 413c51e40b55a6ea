package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/barnettlynn/se05x/internal/config"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const configFileName = "config.yaml"

type globalFlags struct {
	configPath  string
	verbose     bool
	logFormat   string
	metricsAddr string
}

var flags globalFlags

var rootCmd = &cobra.Command{
	Use:   "se05x",
	Short: "SE05x secure element host tool",
	Long: `se05x opens an SCP03 secure channel to an SE05x secure element and runs
applet commands over it.

Transports (config transport.kind):
  - pcsc:   a contactless or contact reader through PC/SC
  - i2c:    T=1 over I2C on a Linux i2c-dev bus
  - remote: a websocket bridge, optionally found with mDNS
  - sim:    the in-process simulator`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		setupLogging(flags.verbose, flags.logFormat)
		return nil
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.configPath, "config", "", "config file (default: config.yaml next to the binary or in the working directory)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&flags.logFormat, "log-format", "text", "log format: text or json")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	rootCmd.AddCommand(infoCmd, randomCmd, readCmd, writeCmd, deleteCmd, diagCmd, bridgeCmd, discoverCmd, selftestCmd)
}

func setupLogging(verbose bool, format string) {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, opts)))
	} else {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, opts)))
	}
}

// loadConfig reads the config file. Without an explicit --config and without a file in
// the default locations it falls back to the simulator.
func loadConfig(mode config.ValidationMode) (*config.Config, error) {
	path := flags.configPath
	if path == "" {
		var ok bool
		path, ok = defaultConfigPath()
		if !ok {
			slog.Debug("no config file found, using simulator defaults")
			cfg := config.Default()
			return cfg, cfg.ValidateWithMode(config.ValidationNoKeys)
		}
	}
	slog.Debug("using config", "path", path)
	cfg, err := config.LoadWithMode(path, mode)
	if err != nil {
		return nil, fmt.Errorf("config load failed: %w", err)
	}
	return cfg, nil
}

func defaultConfigPath() (string, bool) {
	if exePath, err := os.Executable(); err == nil {
		p := filepath.Join(filepath.Dir(exePath), configFileName)
		if fileExists(p) {
			return p, true
		}
	}
	// Fallback for `go run`, where the executable is placed in a temp directory.
	if cwd, err := os.Getwd(); err == nil {
		p := filepath.Join(cwd, configFileName)
		if fileExists(p) {
			return p, true
		}
	}
	return "", false
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// serveMetrics starts a Prometheus endpoint when an address is set by flag or config.
// The returned function stops it.
func serveMetrics(cfg *config.Config) func() {
	addr := flags.metricsAddr
	if addr == "" {
		addr = cfg.Metrics.Listen
	}
	if addr == "" {
		return func() {}
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Warn("metrics server stopped", "error", err)
		}
	}()
	slog.Info("serving metrics", "addr", addr, "path", "/metrics")
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
