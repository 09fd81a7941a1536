package panel

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Login outcomes reported by the panel. The first three are terminal: once
// seen, the client refuses to submit credentials again for the rest of the
// process run.
var (
	ErrInvalidCredentials    = errors.New("invalid username or password")
	ErrAccountLocked         = errors.New("account locked after repeated failed logins")
	ErrUnsupportedAuthMethod = errors.New("two-factor authentication is enabled and not supported")

	// ErrVerificationFailed means the panel accepted the login but the
	// landing page still renders as logged out.
	ErrVerificationFailed = errors.New("login reported success but session verification failed")

	// ErrProtocol covers unknown status codes and non-JSON login replies.
	ErrProtocol = errors.New("unexpected login response")

	// ErrStatsUnavailable is returned by VMStats whenever the panel did not
	// hand back usable stats. Callers treat it as "no data" for that VM.
	ErrStatsUnavailable = errors.New("vm stats unavailable")
)

// IsFatal reports whether err is an authentication failure that retrying
// cannot fix.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInvalidCredentials) ||
		errors.Is(err, ErrAccountLocked) ||
		errors.Is(err, ErrUnsupportedAuthMethod)
}

// IsRetryable reports whether a login failure may succeed on a second try.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProtocol) || errors.Is(err, ErrVerificationFailed)
}

// FetchError is a transport-level failure talking to the panel: a network
// error, a timeout or a non-2xx HTTP status.
type FetchError struct {
	Op         string
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: server returned %d", e.Op, e.URL, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Timeout reports whether the request was cut off by a deadline.
func (e *FetchError) Timeout() bool {
	if errors.Is(e.Err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(e.Err, &ne) && ne.Timeout()
}
