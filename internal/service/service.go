//go:build windows

// Package service provides Windows Service integration.
// When running as a Windows service, the exporter enters the SCM control loop.
// When running from a terminal, it runs in the foreground.
package service

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/windows/svc"
)

const (
	serviceName = "RackNerdExporter"

	// stopTimeout bounds how long a stop request waits for the exporter.
	stopTimeout = 10 * time.Second
)

// ExporterService implements the Windows service interface (svc.Handler).
type ExporterService struct {
	logger  *zap.Logger
	startFn func(ctx context.Context) error
}

// New creates a new Windows service wrapper.
// The startFn is called with a cancellable context when the service starts
// and must return once that context is done.
func New(logger *zap.Logger, startFn func(ctx context.Context) error) *ExporterService {
	return &ExporterService{
		logger:  logger,
		startFn: startFn,
	}
}

// IsWindowsService checks if the process is running as a Windows service.
func IsWindowsService() bool {
	isService, err := svc.IsWindowsService()
	if err != nil {
		return false
	}
	return isService
}

// Run starts the Windows service control loop.
func (s *ExporterService) Run() error {
	return svc.Run(serviceName, s)
}

// Execute implements the svc.Handler interface for Windows SCM integration.
func (s *ExporterService) Execute(args []string, r <-chan svc.ChangeRequest, changes chan<- svc.Status) (ssec bool, errno uint32) {
	changes <- svc.Status{State: svc.StartPending}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- s.startFn(ctx) }()

	changes <- svc.Status{
		State:   svc.Running,
		Accepts: svc.AcceptStop | svc.AcceptShutdown,
	}
	s.logger.Info("Windows service started")

	for {
		select {
		case err := <-done:
			if err != nil {
				s.logger.Error("Exporter exited", zap.Error(err))
				return true, 1
			}
			return false, 0
		case c := <-r:
			switch c.Cmd {
			case svc.Interrogate:
				changes <- c.CurrentStatus
			case svc.Stop, svc.Shutdown:
				s.logger.Info("Windows service stopping")
				changes <- svc.Status{State: svc.StopPending}
				cancel()
				select {
				case <-done:
				case <-time.After(stopTimeout):
					s.logger.Warn("Exporter did not stop in time")
				}
				return false, 0
			default:
				s.logger.Warn("Unexpected service control request",
					zap.Uint32("cmd", uint32(c.Cmd)))
			}
		}
	}
}

// Install returns the command that registers exePath as a Windows service.
func Install(exePath string) string {
	return fmt.Sprintf("sc create %s binPath= \"%s\" start= auto", serviceName, exePath)
}
