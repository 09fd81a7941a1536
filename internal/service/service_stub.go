//go:build !windows

// Package service provides a stub implementation for non-Windows platforms.
// On macOS and Linux the exporter runs as a foreground process under the
// init system; the Windows service wrapper is not needed.
package service

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// ExporterService is a no-op service wrapper for non-Windows platforms.
type ExporterService struct {
	logger  *zap.Logger
	startFn func(ctx context.Context) error
}

// New creates a stub service wrapper for non-Windows platforms.
func New(logger *zap.Logger, startFn func(ctx context.Context) error) *ExporterService {
	return &ExporterService{
		logger:  logger,
		startFn: startFn,
	}
}

// IsWindowsService always returns false on non-Windows platforms.
func IsWindowsService() bool {
	return false
}

// Run executes the exporter directly (no service wrapper needed on non-Windows).
func (s *ExporterService) Run() error {
	return s.startFn(context.Background())
}

// Install returns a systemd unit that runs exePath.
func Install(exePath string) string {
	return fmt.Sprintf(`# /etc/systemd/system/racknerd-exporter.service
[Unit]
Description=RackNerd Prometheus exporter
After=network-online.target
Wants=network-online.target

[Service]
ExecStart=%s
Restart=on-failure

[Install]
WantedBy=multi-user.target
`, exePath)
}
