package panel

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"go.uber.org/zap"
)

// Login status codes returned by login.php.
const (
	statusOK          = "1"
	statusLocked      = "2"
	statusBadPassword = "3"
	statusTwoFactor   = "4"
)

// loginResponse is the JSON reply of login.php. Both fields have been seen
// as strings and as numbers.
type loginResponse struct {
	Success json.RawMessage `json:"success"`
	Status  json.RawMessage `json:"status"`
}

// Login submits the credentials and verifies the resulting session against
// the landing page. Concurrent callers share a single login round trip. The
// shared login runs detached from any one caller, bounded by the client's
// login timeout; each caller stops waiting when its own ctx is done.
func (c *Client) Login(ctx context.Context) error {
	return c.sharedLogin(ctx, nil)
}

// sharedLogin joins or starts the in-flight login. skip, when set, is checked
// by the caller that starts the login and cancels it if it returns true.
func (c *Client) sharedLogin(ctx context.Context, skip func() bool) error {
	ch := c.logins.DoChan("login", func() (interface{}, error) {
		if skip != nil && skip() {
			return nil, nil
		}
		loginCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.loginTimeout)
		defer cancel()
		return nil, c.login(loginCtx)
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("Joined in-flight login")
		}
		return res.Err
	case <-ctx.Done():
		return &FetchError{Op: "login", URL: loginPath, Err: ctx.Err()}
	}
}

func (c *Client) login(ctx context.Context) error {
	c.mu.Lock()
	terminal := c.terminalErr
	c.mu.Unlock()
	if terminal != nil {
		return terminal
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return &FetchError{Op: "login", URL: loginPath, Err: fmt.Errorf("login rate limit: %w", err)}
	}

	c.invalidate()
	c.logger.Debug("Attempting login", zap.Object("credentials", c.creds))

	form := url.Values{
		"act":      {"login"},
		"Submit":   {"1"},
		"username": {c.creds.Username},
		"password": {c.creds.Password},
	}
	body, err := c.postForm(ctx, "login", loginPath, form)
	if err != nil {
		return err
	}

	status, err := parseLoginResponse(body)
	if err != nil {
		c.logger.Debug("Unexpected login response", zap.String("body", preview(body)))
		return err
	}

	switch status {
	case statusOK:
		return c.verify(ctx)
	case statusLocked:
		return c.terminal(ErrAccountLocked)
	case statusBadPassword:
		return c.terminal(ErrInvalidCredentials)
	case statusTwoFactor:
		return c.terminal(ErrUnsupportedAuthMethod)
	}
	return fmt.Errorf("%w: unknown status %q", ErrProtocol, status)
}

// parseLoginResponse returns the status code of a login reply. A success
// status with a falsy success flag is treated as a protocol error.
func parseLoginResponse(body []byte) (string, error) {
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("%w: decode: %v", ErrProtocol, err)
	}
	status, ok := scalarString(resp.Status)
	if !ok || status == "" {
		return "", fmt.Errorf("%w: missing status", ErrProtocol)
	}
	if status == statusOK && !truthy(resp.Success) {
		return "", fmt.Errorf("%w: status %s without success flag", ErrProtocol, status)
	}
	return status, nil
}

// verify confirms a freshly reported login by loading the landing page.
func (c *Client) verify(ctx context.Context) error {
	body, err := c.get(ctx, "verify", homePath)
	if err != nil {
		return err
	}
	if !hasAuthMarker(body) {
		c.logger.Error("Login succeeded but verification failed")
		c.logger.Debug("Verification page", zap.String("body", preview(body)))
		return ErrVerificationFailed
	}
	c.mu.Lock()
	c.generation++
	c.authenticated.Store(true)
	c.mu.Unlock()
	c.logger.Info("Logged in to panel", zap.String("username", c.creds.Username))
	return nil
}

func (c *Client) terminal(err error) error {
	c.mu.Lock()
	c.terminalErr = err
	c.mu.Unlock()
	c.logger.Error("Login rejected", zap.Error(err))
	return err
}

// EnsureAuthenticated returns nil once the session is usable. A cached
// session is re-checked with a liveness probe, since the panel never says
// when it drops one; a failed probe falls back to a full login. Callers that
// saw the same dead session share one login, even when their probes finish
// at different times.
func (c *Client) EnsureAuthenticated(ctx context.Context) error {
	gen := c.currentGeneration()
	if c.authenticated.Load() {
		alive, err := c.probe(ctx)
		if err != nil {
			c.logger.Debug("Session probe failed", zap.Error(err))
		}
		if alive {
			return nil
		}
		if !c.invalidateSince(gen) {
			c.logger.Debug("Session renewed while probing")
			return nil
		}
	}

	c.logger.Info("Session expired or not logged in, attempting login")
	return c.sharedLogin(ctx, func() bool {
		return c.currentGeneration() != gen && c.authenticated.Load()
	})
}

// probe loads the landing page and checks for the logged-in marker.
func (c *Client) probe(ctx context.Context) (bool, error) {
	body, err := c.get(ctx, "probe", homePath)
	if err != nil {
		return false, err
	}
	return hasAuthMarker(body), nil
}
