package panel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/Guliveer/racknerd-exporter/internal/panel/paneltest"
)

const (
	testUser = "alice"
	testPass = "s3cret-pa55"
)

// newTestClient starts p and returns a client for it with a relaxed login
// rate limit.
func newTestClient(t *testing.T, p *paneltest.Panel) *Client {
	t.Helper()
	return newTestClientWithLogger(t, p, zaptest.NewLogger(t))
}

func newTestClientWithLogger(t *testing.T, p *paneltest.Panel, logger *zap.Logger) *Client {
	t.Helper()
	srv := p.Start()
	t.Cleanup(srv.Close)

	c, err := New(srv.URL, Credentials{Username: testUser, Password: testPass}, Options{
		RequestTimeout: 2 * time.Second,
		LoginInterval:  time.Millisecond,
		LoginBurst:     100,
		Logger:         logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "ftp://panel.example.com", "https://", "://bad"} {
		if _, err := New(raw, Credentials{}, Options{}); err == nil {
			t.Errorf("New(%q) succeeded, want error", raw)
		}
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c, err := New("https://nerdvm.racknerd.com/", Credentials{}, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if c.BaseURL() != "https://nerdvm.racknerd.com" {
		t.Errorf("BaseURL = %q", c.BaseURL())
	}
}

func TestLogin_Success(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	c := newTestClient(t, p)

	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !c.Authenticated() {
		t.Error("client not marked authenticated after login")
	}
	if got := p.LoginCount(); got != 1 {
		t.Errorf("login submissions = %d, want 1", got)
	}
}

func TestLogin_StatusMapping(t *testing.T) {
	tests := []struct {
		status string
		want   error
	}{
		{"2", ErrAccountLocked},
		{"3", ErrInvalidCredentials},
		{"4", ErrUnsupportedAuthMethod},
		{"7", ErrProtocol},
	}

	for _, tt := range tests {
		t.Run("status_"+tt.status, func(t *testing.T) {
			p := paneltest.New(testUser, testPass)
			p.LoginStatus = tt.status
			c := newTestClient(t, p)

			err := c.Login(context.Background())
			if !errors.Is(err, tt.want) {
				t.Fatalf("Login error = %v, want %v", err, tt.want)
			}
			if c.Authenticated() {
				t.Error("client marked authenticated after failed login")
			}
		})
	}
}

func TestLogin_TerminalErrorsAreNotRetried(t *testing.T) {
	for _, status := range []string{"2", "3", "4"} {
		t.Run("status_"+status, func(t *testing.T) {
			p := paneltest.New(testUser, testPass)
			p.LoginStatus = status
			c := newTestClient(t, p)

			first := c.Login(context.Background())
			if !IsFatal(first) {
				t.Fatalf("Login error = %v, want fatal", first)
			}
			for i := 0; i < 3; i++ {
				if err := c.EnsureAuthenticated(context.Background()); !errors.Is(err, first) {
					t.Fatalf("EnsureAuthenticated error = %v, want %v", err, first)
				}
			}
			if got := p.LoginCount(); got != 1 {
				t.Errorf("login submissions = %d, want 1", got)
			}
		})
	}
}

func TestLogin_VerificationFailedIsDistinct(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	p.RejectSessions = true
	c := newTestClient(t, p)

	err := c.Login(context.Background())
	if !errors.Is(err, ErrVerificationFailed) {
		t.Fatalf("Login error = %v, want ErrVerificationFailed", err)
	}
	if errors.Is(err, ErrInvalidCredentials) || IsFatal(err) {
		t.Errorf("verification failure classified as fatal: %v", err)
	}
	if !IsRetryable(err) {
		t.Error("verification failure should be retryable")
	}

	// Not sticky: a later attempt reaches the panel again.
	p.SetRejectSessions(false)
	if err := c.Login(context.Background()); err != nil {
		t.Fatalf("second Login: %v", err)
	}
}

func TestLogin_ResponseShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		wantErr error
	}{
		{"not json", "<html>maintenance</html>", ErrProtocol},
		{"empty", "", ErrProtocol},
		{"missing status", `{"success":true}`, ErrProtocol},
		{"success false", `{"success":false,"status":"1"}`, ErrProtocol},
		{"null status", `{"success":true,"status":null}`, ErrProtocol},
		{"numeric status locked", `{"success":1,"status":2}`, ErrAccountLocked},
		{"string success bad password", `{"success":"1","status":"3"}`, ErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, err := parseLoginResponse([]byte(tt.body))
			if tt.wantErr == ErrProtocol {
				if !errors.Is(err, ErrProtocol) {
					t.Errorf("parseLoginResponse(%q) = %q, %v; want ErrProtocol", tt.body, status, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseLoginResponse(%q): %v", tt.body, err)
			}

			p := paneltest.New(testUser, testPass)
			p.LoginBody = tt.body
			c := newTestClient(t, p)
			if err := c.Login(context.Background()); !errors.Is(err, tt.wantErr) {
				t.Errorf("Login error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestLogin_NumericSuccessStatus(t *testing.T) {
	status, err := parseLoginResponse([]byte(`{"success":1,"status":1}`))
	if err != nil {
		t.Fatal(err)
	}
	if status != statusOK {
		t.Errorf("status = %q, want %q", status, statusOK)
	}
}

func TestEnsureAuthenticated_ReusesLiveSession(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	c := newTestClient(t, p)
	ctx := context.Background()

	if err := c.EnsureAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}
	homes := p.HomeCount()
	if err := c.EnsureAuthenticated(ctx); err != nil {
		t.Fatal(err)
	}

	if got := p.LoginCount(); got != 1 {
		t.Errorf("login submissions = %d, want 1", got)
	}
	if got := p.HomeCount() - homes; got != 1 {
		t.Errorf("probe requests = %d, want 1", got)
	}
}

func TestEnsureAuthenticated_RelogsAfterSilentExpiry(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	c := newTestClient(t, p)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	p.Expire()

	if err := c.EnsureAuthenticated(ctx); err != nil {
		t.Fatalf("EnsureAuthenticated after expiry: %v", err)
	}
	if got := p.LoginCount(); got != 2 {
		t.Errorf("login submissions = %d, want 2", got)
	}
	if !c.Authenticated() {
		t.Error("client not authenticated after re-login")
	}
}

func TestEnsureAuthenticated_ConcurrentCallersShareOneLogin(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	p.LoginDelay = 200 * time.Millisecond
	c := newTestClient(t, p)

	const callers = 8
	start := make(chan struct{})
	errs := make(chan error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			errs <- c.EnsureAuthenticated(context.Background())
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureAuthenticated: %v", err)
		}
	}
	if got := p.LoginCount(); got != 1 {
		t.Errorf("login submissions = %d, want 1", got)
	}
}

func TestEnsureAuthenticated_SlowProbeDoesNotRelogTwice(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	// Landing page requests 2 and 3 are the two session checks. Both are
	// held until each has arrived, then the second one is answered late.
	var probes sync.WaitGroup
	probes.Add(2)
	p.HomeHook = func(n int64, authenticated bool) (string, bool) {
		if n == 2 || n == 3 {
			probes.Done()
			probes.Wait()
			if n == 3 {
				time.Sleep(300 * time.Millisecond)
			}
		}
		return "", false
	}
	c := newTestClient(t, p)
	ctx := context.Background()

	if err := c.Login(ctx); err != nil {
		t.Fatal(err)
	}
	p.Expire()

	errs := make(chan error, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.EnsureAuthenticated(ctx)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("EnsureAuthenticated: %v", err)
		}
	}
	if got := p.LoginCount(); got != 2 {
		t.Errorf("login submissions = %d, want 2 (one initial, one after expiry)", got)
	}
	if !c.Authenticated() {
		t.Error("session flag cleared by the late session check")
	}
}

func TestLogin_JoinedCallerSurvivesStarterCancel(t *testing.T) {
	p := paneltest.New(testUser, testPass)
	p.LoginDelay = 300 * time.Millisecond
	c := newTestClient(t, p)

	starterCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	starterErr := make(chan error, 1)
	go func() { starterErr <- c.Login(starterCtx) }()

	deadline := time.Now().Add(2 * time.Second)
	for p.LoginCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("login never reached the panel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	joinedErr := make(chan error, 1)
	go func() { joinedErr <- c.Login(context.Background()) }()
	time.Sleep(20 * time.Millisecond)
	cancel()

	if err := <-starterErr; !errors.Is(err, context.Canceled) {
		t.Errorf("starter Login error = %v, want context.Canceled", err)
	}
	if err := <-joinedErr; err != nil {
		t.Errorf("joined Login: %v", err)
	}
	if got := p.LoginCount(); got != 1 {
		t.Errorf("login submissions = %d, want 1", got)
	}
	if !c.Authenticated() {
		t.Error("client not authenticated after the shared login")
	}
}

func TestLogin_HTTPErrorIsFetchError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL, Credentials{Username: testUser, Password: testPass}, Options{Logger: zaptest.NewLogger(t)})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Login(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Login error = %v, want *FetchError", err)
	}
	if fe.StatusCode != http.StatusBadGateway {
		t.Errorf("StatusCode = %d, want %d", fe.StatusCode, http.StatusBadGateway)
	}
	if IsFatal(err) || IsRetryable(err) {
		t.Errorf("transport failure misclassified: %v", err)
	}
}

func TestLogin_TimeoutIsFetchError(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c, err := New(srv.URL, Credentials{Username: testUser, Password: testPass}, Options{
		RequestTimeout: 100 * time.Millisecond,
		Logger:         zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatal(err)
	}

	err = c.Login(context.Background())
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("Login error = %v, want *FetchError", err)
	}
	if !fe.Timeout() {
		t.Errorf("FetchError.Timeout() = false for %v", fe)
	}
}

func TestCredentials_NeverLogged(t *testing.T) {
	creds := Credentials{Username: testUser, Password: testPass}
	for _, s := range []string{fmt.Sprint(creds), fmt.Sprintf("%v", creds), fmt.Sprintf("%#v", creds)} {
		if strings.Contains(s, testPass) {
			t.Errorf("formatted credentials leak the password: %s", s)
		}
	}

	core, logs := observer.New(zapcore.DebugLevel)
	p := paneltest.New(testUser, "another-password")
	c := newTestClientWithLogger(t, p, zap.New(core))

	_ = c.Login(context.Background())
	if logs.Len() == 0 {
		t.Fatal("expected login to log something")
	}
	for _, entry := range logs.All() {
		line := entry.Message + fmt.Sprint(entry.ContextMap())
		if strings.Contains(line, testPass) {
			t.Errorf("log entry leaks the password: %s", line)
		}
	}
}
