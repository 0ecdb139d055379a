// Package deviceflow runs the browser-mediated device-authorization login:
// request a device code, open the verification page, and poll until the user
// completes authentication or the attempt terminates.
package deviceflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/crosswindhq/crosswind-cli/internal/api"
)

// PollCeiling bounds the total time spent waiting for the user, regardless of
// the lifetime the service advertises for the device code.
const PollCeiling = 10 * time.Minute

const defaultInterval = 5 * time.Second

// Terminal login outcomes. ErrDenied and ErrExpired are normal ends of an
// attempt, not system faults; ErrNetwork wraps transport-level failures.
var (
	ErrDenied  = errors.New("authentication was denied")
	ErrExpired = errors.New("authentication attempt expired")
	ErrNetwork = errors.New("could not reach the login service")
)

// Client is the subset of the API client the flow needs.
type Client interface {
	StartLogin(ctx context.Context) (*api.StartLoginResponse, error)
	CheckLogin(ctx context.Context, deviceToken string) (*api.CheckLoginResponse, error)
}

// Result is a successful login. The token has not been verified yet.
type Result struct {
	Token     string
	ExpiresIn *int64
	User      *api.UserInfo
}

// FlowOption configures a Flow.
type FlowOption func(*Flow)

// WithOutput redirects user-facing progress messages (default os.Stdout).
func WithOutput(w io.Writer) FlowOption {
	return func(f *Flow) {
		f.out = w
	}
}

// WithBrowserOpener overrides how the verification URL is opened. Passing nil
// disables browser opening; the URL is still printed.
func WithBrowserOpener(open func(url string) error) FlowOption {
	return func(f *Flow) {
		f.openBrowser = open
	}
}

// Flow drives one device-authorization login attempt.
type Flow struct {
	client       Client
	out          io.Writer
	openBrowser  func(url string) error
	ceiling      time.Duration
	slowDownStep time.Duration
}

// New creates a Flow using the given API client.
func New(client Client, opts ...FlowOption) *Flow {
	f := &Flow{
		client:       client,
		out:          os.Stdout,
		openBrowser:  OpenBrowser,
		ceiling:      PollCeiling,
		slowDownStep: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Login runs the flow to a terminal state. It blocks for up to the poll
// ceiling and is cancellable through ctx; cancellation returns before any
// token is produced.
func (f *Flow) Login(ctx context.Context) (*Result, error) {
	start, err := f.client.StartLogin(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	if start.ExpiresInSeconds <= 0 {
		return nil, fmt.Errorf("%w: device code already expired", ErrExpired)
	}
	slog.DebugContext(ctx, "device authorization issued",
		"expires_in", start.ExpiresInSeconds, "interval", start.Interval)

	fmt.Fprintln(f.out, "Opening browser for authentication...")
	fmt.Fprintf(f.out, "If the browser does not open, visit:\n  %s\n", start.VerificationURL)
	if f.openBrowser != nil {
		if err := f.openBrowser(start.VerificationURL); err != nil {
			// Best effort only; the URL is printed for manual use.
			slog.WarnContext(ctx, "could not open browser", "error", err)
		}
	}
	fmt.Fprintln(f.out, "Waiting for authentication in browser...")

	interval := defaultInterval
	if start.Interval > 0 {
		interval = time.Duration(start.Interval * float64(time.Second))
	}

	// The device code's own lifetime and the fixed ceiling race; whichever
	// ends first terminates the attempt.
	lifetime := time.Duration(start.ExpiresInSeconds * float64(time.Second))
	if lifetime > f.ceiling {
		lifetime = f.ceiling
	}
	deadline := time.Now().Add(lifetime)

	for time.Now().Before(deadline) {
		if err := sleep(ctx, interval); err != nil {
			return nil, err
		}

		check, err := f.client.CheckLogin(ctx, start.DeviceToken)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			var apiErr *api.APIError
			if errors.As(err, &apiErr) && apiErr.StatusCode < 500 && apiErr.StatusCode != 429 {
				return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
			}
			// Transient transport or server failure; keep polling until the
			// deadline.
			slog.DebugContext(ctx, "login poll failed, retrying", "error", err)
			continue
		}

		switch check.Status {
		case api.StatusAuthenticated:
			if check.Token == "" {
				return nil, fmt.Errorf("%w: no token in authenticated response", ErrNetwork)
			}
			fmt.Fprintln(f.out)
			return &Result{Token: check.Token, ExpiresIn: check.ExpiresIn, User: check.User}, nil
		case api.StatusPending:
			fmt.Fprint(f.out, ".")
		case api.StatusSlowDown:
			// Rate-limit backoff signaled by the service.
			interval += f.slowDownStep
			slog.DebugContext(ctx, "service requested slower polling", "interval", interval)
		case api.StatusDenied:
			fmt.Fprintln(f.out)
			return nil, ErrDenied
		case api.StatusExpired, api.StatusInvalid:
			fmt.Fprintln(f.out)
			return nil, fmt.Errorf("%w: device code no longer valid", ErrExpired)
		default:
			fmt.Fprintln(f.out)
			if check.Message != "" {
				return nil, fmt.Errorf("unexpected login status %q: %s", check.Status, check.Message)
			}
			return nil, fmt.Errorf("unexpected login status %q", check.Status)
		}
	}

	fmt.Fprintln(f.out)
	return nil, fmt.Errorf("%w: timed out waiting for authentication", ErrExpired)
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// OpenBrowser opens url in the platform's default browser.
func OpenBrowser(url string) error {
	var cmd *exec.Cmd
	switch runtime.GOOS {
	case "darwin":
		cmd = exec.Command("open", url)
	case "windows":
		cmd = exec.Command("rundll32", "url.dll,FileProtocolHandler", url)
	default:
		cmd = exec.Command("xdg-open", url)
	}
	return cmd.Start()
}
