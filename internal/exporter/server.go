package exporter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// SessionState reports whether the panel session is believed to be live.
type SessionState interface {
	Authenticated() bool
}

// ServerOptions configures the HTTP endpoint.
type ServerOptions struct {
	// ListenAddress is a host:port pair; an empty host binds every interface.
	ListenAddress string
	MetricsPath   string
	Version       string

	// LogLevel, when set, is exposed at /debug/log-level for runtime changes.
	LogLevel *zap.AtomicLevel
}

// Server serves the exporter over HTTP.
type Server struct {
	opts    ServerOptions
	handler http.Handler
	logger  *zap.Logger
}

var landingPage = template.Must(template.New("landing").Parse(`<!DOCTYPE html>
<html>
<head><title>RackNerd Exporter</title></head>
<body>
<h1>RackNerd Exporter</h1>
<p>Version {{.Version}}</p>
<p><a href="{{.MetricsPath}}">Metrics</a></p>
<p><a href="/healthz">Health</a></p>
</body>
</html>
`))

// NewServer builds the HTTP handler tree around exp on a dedicated registry.
func NewServer(exp *Exporter, session SessionState, opts ServerOptions, logger *zap.Logger) *Server {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		exp,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	mux := http.NewServeMux()
	mux.Handle(opts.MetricsPath, promhttp.HandlerFor(registry, promhttp.HandlerOpts{
		ErrorLog:      zap.NewStdLog(logger),
		ErrorHandling: promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":        "ok",
			"authenticated": session.Authenticated(),
		})
	})
	if opts.LogLevel != nil {
		mux.Handle("/debug/log-level", opts.LogLevel)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := landingPage.Execute(w, opts); err != nil {
			logger.Debug("Render landing page", zap.Error(err))
		}
	})

	return &Server{opts: opts, handler: mux, logger: logger}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

// Run listens on the configured address and serves until ctx is cancelled,
// then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.opts.ListenAddress, err)
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: readHeaderTimeout,
		ErrorLog:          zap.NewStdLog(s.logger),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("Serving metrics",
		zap.String("address", ln.Addr().String()),
		zap.String("path", s.opts.MetricsPath))

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}
