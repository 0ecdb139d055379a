package deviceflow

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/crosswindhq/crosswind-cli/internal/api"
)

// pollScript returns a handler that issues a device code with a short poll
// interval and replays the given responses, one per poll, repeating the last.
func pollScript(t *testing.T, expiresIn float64, responses ...map[string]any) (*api.Client, *atomic.Int32) {
	t.Helper()
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/cli/start-login":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"device_token":       "device-123",
				"verification_url":   "https://cloud.example.com/cli/verify/device-123",
				"interval":           0.01,
				"expires_in_seconds": expiresIn,
			})
		case "/api/cli/check-login/device-123":
			i := int(polls.Add(1)) - 1
			if i >= len(responses) {
				i = len(responses) - 1
			}
			_ = json.NewEncoder(w).Encode(responses[i])
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)
	return api.New(server.URL), &polls
}

func newTestFlow(client *api.Client) *Flow {
	return New(client, WithOutput(io.Discard), WithBrowserOpener(nil))
}

func TestLoginPendingThenAuthenticated(t *testing.T) {
	pending := map[string]any{"status": "pending"}
	authenticated := map[string]any{
		"status":     "authenticated",
		"token":      "jwt-raw",
		"expires_in": 86400,
		"user":       map[string]string{"id": "u1", "email": "dev@example.com", "name": "Dev"},
	}
	client, polls := pollScript(t, 60, pending, pending, pending, authenticated)

	res, err := newTestFlow(client).Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, "jwt-raw", res.Token)
	require.NotNil(t, res.User)
	require.Equal(t, "dev@example.com", res.User.Email)
	require.Equal(t, int32(4), polls.Load())
}

func TestLoginDenied(t *testing.T) {
	client, _ := pollScript(t, 60, map[string]any{"status": "denied"})

	_, err := newTestFlow(client).Login(context.Background())
	require.ErrorIs(t, err, ErrDenied)
}

func TestLoginDeviceCodeExpired(t *testing.T) {
	client, _ := pollScript(t, 60, map[string]any{"status": "expired"})

	_, err := newTestFlow(client).Login(context.Background())
	require.ErrorIs(t, err, ErrExpired)
}

func TestLoginTimesOutAtCeiling(t *testing.T) {
	// The device code outlives the ceiling; the ceiling wins.
	client, _ := pollScript(t, 3600, map[string]any{"status": "pending"})

	flow := newTestFlow(client)
	flow.ceiling = 100 * time.Millisecond

	_, err := flow.Login(context.Background())
	require.ErrorIs(t, err, ErrExpired)
}

func TestLoginDeviceLifetimeShorterThanCeiling(t *testing.T) {
	client, _ := pollScript(t, 0.1, map[string]any{"status": "pending"})

	_, err := newTestFlow(client).Login(context.Background())
	require.ErrorIs(t, err, ErrExpired)
}

func TestLoginSlowDownExtendsInterval(t *testing.T) {
	slow := map[string]any{"status": "slow_down"}
	authenticated := map[string]any{"status": "authenticated", "token": "jwt-raw"}
	client, _ := pollScript(t, 60, slow, authenticated)

	flow := newTestFlow(client)
	flow.slowDownStep = 100 * time.Millisecond

	start := time.Now()
	res, err := flow.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, "jwt-raw", res.Token)
	// The second poll waited the extended interval (initial 10ms + step).
	require.GreaterOrEqual(t, time.Since(start), 110*time.Millisecond)
}

func TestLoginCancellation(t *testing.T) {
	client, _ := pollScript(t, 3600, map[string]any{"status": "pending"})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	_, err := newTestFlow(client).Login(ctx)
	require.ErrorIs(t, err, context.Canceled)
}

func TestLoginTransientServerErrorsAreRetried(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/cli/start-login":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"device_token":       "device-123",
				"verification_url":   "https://cloud.example.com/verify",
				"interval":           0.01,
				"expires_in_seconds": 60,
			})
		case "/api/cli/check-login/device-123":
			if polls.Add(1) <= 2 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{"status": "authenticated", "token": "jwt-raw"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(server.Close)

	res, err := newTestFlow(api.New(server.URL)).Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, "jwt-raw", res.Token)
	require.Equal(t, int32(3), polls.Load())
}

func TestLoginStartFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	_, err := newTestFlow(api.New(server.URL)).Login(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
}

func TestLoginAuthenticatedWithoutToken(t *testing.T) {
	client, _ := pollScript(t, 60, map[string]any{"status": "authenticated"})

	_, err := newTestFlow(client).Login(context.Background())
	require.ErrorIs(t, err, ErrNetwork)
}
