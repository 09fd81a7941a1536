// Package panel implements an authenticated scraping client for the RackNerd
// VPS control panel. The panel has no API: it keeps a cookie session, answers
// logins and stats requests with ad-hoc JSON, and renders the VM inventory
// as an HTML table. The session expires silently; the only signal is that
// the landing page renders logged out, so every privileged call goes through
// EnsureAuthenticated first.
package panel

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/publicsuffix"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"
)

const (
	loginPath = "/login.php"
	homePath  = "/home.php"
	statsPath = "/_vm_remote.php"

	// authMarker only appears on pages rendered for a logged-in session.
	authMarker = "logout.php"

	// maxBodySize caps how much of a panel response is read.
	maxBodySize = 4 << 20

	defaultUserAgent      = "RackNerd-Prometheus-Exporter/1.0"
	defaultRequestTimeout = 15 * time.Second
	defaultLoginInterval  = 10 * time.Second
	defaultLoginBurst     = 3
)

// Options tunes a Client. Zero values select the defaults.
type Options struct {
	// RequestTimeout bounds every HTTP request to the panel.
	RequestTimeout time.Duration

	UserAgent string

	// LoginInterval and LoginBurst rate-limit credential submissions.
	LoginInterval time.Duration
	LoginBurst    int

	// Transport overrides the HTTP transport (tests, proxies).
	Transport http.RoundTripper

	Logger *zap.Logger
}

// Client is the session-holding view of one panel account. It is safe for
// concurrent use.
type Client struct {
	baseURL   string
	creds     Credentials
	http      *http.Client
	userAgent string
	limiter   *rate.Limiter
	logger    *zap.Logger

	// loginTimeout bounds a shared login, which outlives the caller that
	// started it.
	loginTimeout time.Duration

	authenticated atomic.Bool
	logins        singleflight.Group

	mu sync.Mutex
	// generation counts verified logins. A session check that started
	// before the latest login must not invalidate it.
	generation uint64
	// terminalErr remembers a login outcome that must not be retried.
	terminalErr error
}

// New creates a client for the panel at baseURL.
func New(baseURL string, creds Credentials, opts Options) (*Client, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("parse panel url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("panel url must be http or https (got %q)", baseURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("panel url %q has no host", baseURL)
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	if opts.LoginInterval <= 0 {
		opts.LoginInterval = defaultLoginInterval
	}
	if opts.LoginBurst <= 0 {
		opts.LoginBurst = defaultLoginBurst
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		creds:   creds,
		http: &http.Client{
			Timeout:   opts.RequestTimeout,
			Jar:       jar,
			Transport: opts.Transport,
		},
		userAgent:    opts.UserAgent,
		limiter:      rate.NewLimiter(rate.Every(opts.LoginInterval), opts.LoginBurst),
		logger:       opts.Logger.Named("panel"),
		loginTimeout: 2*opts.RequestTimeout + opts.LoginInterval,
	}, nil
}

// BaseURL returns the normalized panel URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Authenticated reports the cached session flag without touching the network.
func (c *Client) Authenticated() bool { return c.authenticated.Load() }

// invalidate drops the cached session flag. The cookies stay in the jar; the
// next login replaces them.
func (c *Client) invalidate() {
	c.authenticated.Store(false)
}

// currentGeneration returns the number of verified logins so far.
func (c *Client) currentGeneration() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// invalidateSince drops the session flag unless a login was verified after
// gen was read. It reports whether the flag was dropped.
func (c *Client) invalidateSince(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.generation != gen {
		return false
	}
	c.authenticated.Store(false)
	return true
}

func (c *Client) get(ctx context.Context, op, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.do(op, req)
}

func (c *Client) postForm(ctx context.Context, op, path string, form url.Values) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	return c.do(op, req)
}

// do performs a single request and returns the body of a 2xx response.
func (c *Client) do(op string, req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", c.userAgent)
	endpoint := req.URL.Path

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &FetchError{Op: op, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &FetchError{Op: op, URL: endpoint, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &FetchError{Op: op, URL: endpoint, StatusCode: resp.StatusCode}
	}

	c.logger.Debug("Panel request",
		zap.String("op", op),
		zap.String("path", endpoint),
		zap.Int("status", resp.StatusCode),
		zap.Int("bytes", len(body)))
	return body, nil
}

func hasAuthMarker(body []byte) bool {
	return bytes.Contains(body, []byte(authMarker))
}

// preview trims a response body for debug logging.
func preview(body []byte) string {
	const n = 500
	if len(body) > n {
		body = body[:n]
	}
	return string(body)
}
