// Package main is the entry point for the RackNerd Prometheus exporter.
// It loads configuration, logs in to the control panel once to fail fast on
// bad credentials, and then serves metrics until interrupted. It runs as a
// Windows service or as a foreground process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Guliveer/racknerd-exporter/internal/collector"
	"github.com/Guliveer/racknerd-exporter/internal/config"
	"github.com/Guliveer/racknerd-exporter/internal/exporter"
	"github.com/Guliveer/racknerd-exporter/internal/panel"
	"github.com/Guliveer/racknerd-exporter/internal/service"
)

var (
	// version is set at build time via -ldflags.
	version = "dev"

	configPath    = flag.String("config", "", "Path to configuration file (default: search standard locations)")
	panelURL      = flag.String("url", "", "RackNerd control panel URL")
	username      = flag.String("username", "", "RackNerd username")
	password      = flag.String("password", "", "RackNerd password")
	listenAddress = flag.String("listen-address", "", "Address to bind the metrics server to")
	port          = flag.Int("port", 0, "Metrics server port (default: 9100)")
	logLevel      = flag.String("log-level", "", "Log level: debug, info, warning, error")
	writeConfig   = flag.String("write-config", "", "Write the effective configuration to this path and exit")
	install       = flag.Bool("install", false, "Print the service registration for this binary and exit")
	showVersion   = flag.Bool("version", false, "Show version and exit")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("racknerd-exporter %s\n", version)
		os.Exit(0)
	}

	if *install {
		if err := printInstall(os.Stdout, os.Executable); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to locate executable: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cli := config.CLIOverrides{
		URL:           *panelURL,
		Username:      *username,
		Password:      *password,
		ListenAddress: *listenAddress,
		Port:          *port,
		LogLevel:      *logLevel,
	}
	var paths []string
	if *configPath != "" {
		paths = append(paths, *configPath)
	}
	cfg, err := config.LoadLayered(cli, paths...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	if *writeConfig != "" {
		if err := config.WriteConfig(cfg, *writeConfig); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Configuration written to %s\n", *writeConfig)
		os.Exit(0)
	}

	// Initialize logger
	logger, level := initLogger(cfg)
	defer logger.Sync()

	logger.Info("Starting RackNerd exporter",
		zap.String("version", version),
		zap.String("panel", cfg.Panel.URL))

	if err := cfg.Validate(); err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	run := func(ctx context.Context) error {
		return runExporter(ctx, cfg, logger, level)
	}

	if service.IsWindowsService() {
		logger.Info("Running as Windows service")
		if err := service.New(logger, run).Run(); err != nil {
			logger.Fatal("Service failed", zap.Error(err))
		}
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("Received signal, shutting down",
			zap.String("signal", sig.String()))
		cancel()
	}()

	if err := run(ctx); err != nil {
		logger.Error("Exporter failed", zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
	logger.Info("Exporter stopped")
}

// printInstall writes the service registration for the running binary.
func printInstall(w io.Writer, executable func() (string, error)) error {
	exe, err := executable()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, service.Install(exe))
	return err
}

// runExporter logs in, wires the scrape pipeline and serves metrics. It
// blocks until ctx is cancelled. Only a failed startup login or a server
// error is returned.
func runExporter(ctx context.Context, cfg *config.Config, logger *zap.Logger, level zap.AtomicLevel) error {
	client, err := panel.New(cfg.Panel.URL,
		panel.Credentials{Username: cfg.Panel.Username, Password: cfg.Panel.Password},
		panel.Options{
			RequestTimeout: cfg.Panel.RequestTimeout.Duration,
			Logger:         logger,
		})
	if err != nil {
		return err
	}

	if err := initialLogin(ctx, client, logger); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("initial login: %w", err)
	}

	coll := collector.New(client, collector.Options{
		StatsConcurrency: cfg.Panel.StatsConcurrency,
		ScrapeTimeout:    cfg.Panel.ScrapeTimeout.Duration,
	}, logger)

	srv := exporter.NewServer(exporter.New(coll, logger), client, exporter.ServerOptions{
		ListenAddress: cfg.Server.Addr(),
		MetricsPath:   cfg.Server.MetricsPath,
		Version:       version,
		LogLevel:      &level,
	}, logger)

	logger.Info("Exporter running",
		zap.String("address", cfg.Server.Addr()),
		zap.Int("stats_concurrency", cfg.Panel.StatsConcurrency),
		zap.Duration("scrape_timeout", cfg.Panel.ScrapeTimeout.Duration))
	return srv.Run(ctx)
}

// initialLogin logs in before serving. Protocol and verification failures
// get one more attempt; rejected credentials do not.
func initialLogin(ctx context.Context, client *panel.Client, logger *zap.Logger) error {
	err := client.Login(ctx)
	if panel.IsRetryable(err) {
		logger.Warn("Login failed, retrying once", zap.Error(err))
		err = client.Login(ctx)
	}
	if err != nil && panel.IsFatal(err) {
		logger.Error("Panel rejected the login; check the configured account", zap.Error(err))
	}
	if errors.Is(err, panel.ErrUnsupportedAuthMethod) {
		logger.Error("Two-factor authentication is not supported; disable it for this account")
	}
	return err
}

// initLogger creates a zap logger based on the configuration.
// It outputs to both console (human-readable) and optionally a JSON log file.
// The returned level can be changed at runtime.
func initLogger(cfg *config.Config) (*zap.Logger, zap.AtomicLevel) {
	var level zapcore.Level
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}
	atomic := zap.NewAtomicLevelAt(level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	// Console output (human-readable)
	consoleCore := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		atomic,
	)

	cores := []zapcore.Core{consoleCore}

	// File output (structured JSON, if configured)
	if cfg.Logging.File != "" {
		file, err := os.OpenFile(cfg.Logging.File, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0640)
		if err == nil {
			fileCore := zapcore.NewCore(
				zapcore.NewJSONEncoder(encoderConfig),
				zapcore.AddSync(file),
				atomic,
			)
			cores = append(cores, fileCore)
		}
	}

	return zap.New(zapcore.NewTee(cores...)), atomic
}
