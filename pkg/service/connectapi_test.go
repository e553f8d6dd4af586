package service

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/connection"
	"github.com/nextranet/intercom/c-plane/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var _ connection.Authenticator = (*ConnectAPI)(nil)

type fakeBackend struct {
	logins    atomic.Int32
	requests  atomic.Int32
	expiresIn int
	status    atomic.Int32
	lastBody  atomic.Value
}

func (f *fakeBackend) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "operator" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		n := f.logins.Add(1)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"access_token":"tok-%d","expires_in":%d}`, n, f.expiresIn)
	})
	mux.HandleFunc("/api/call_forwarding", func(w http.ResponseWriter, r *http.Request) {
		f.requests.Add(1)
		if status := f.status.Load(); status != 0 {
			w.WriteHeader(int(status))
			return
		}
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		f.lastBody.Store(string(body))
		fmt.Fprintf(w, `{"auth":%q,"method":%q}`, r.Header.Get("Authorization"), r.Method)
	})
	return mux
}

func newClient(t *testing.T, backend *fakeBackend, user string) *ConnectAPI {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)
	return NewConnectAPI(srv.URL,
		&config.Intercom{Username: user, Password: "secret"},
		&config.REST{Timeout: time.Second, FailureThreshold: 2, OpenTimeout: time.Hour})
}

func TestLoginReturnsToken(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "operator")

	token, err := api.Login(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", token.AccessToken)
	assert.InDelta(t, time.Hour.Seconds(), token.Lifetime(0).Seconds(), 5)
}

func TestLoginRejected(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "intruder")

	_, err := api.Login(context.Background())
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)

	_, err = api.Get(context.Background(), "/api/call_forwarding")
	assert.ErrorIs(t, err, models.ErrAuthenticationFailed)
	assert.Equal(t, "closed", api.State(), "credential errors do not trip the breaker")
}

func TestBearerIsCached(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "operator")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		body, err := api.Get(ctx, "/api/call_forwarding?dirno=100")
		require.NoError(t, err)
		assert.Contains(t, body, "Bearer tok-1")
	}
	assert.Equal(t, int32(1), backend.logins.Load())
}

func TestBearerRefreshedBeforeExpiry(t *testing.T) {
	backend := &fakeBackend{expiresIn: 30}
	api := newClient(t, backend, "operator")
	ctx := context.Background()

	_, err := api.Get(ctx, "/api/call_forwarding")
	require.NoError(t, err)
	body, err := api.Delete(ctx, "/api/call_forwarding?dirno=100&fwd_type=on_busy")
	require.NoError(t, err)
	assert.Contains(t, body, "tok-2")
	assert.Contains(t, body, "DELETE")
}

func TestUnauthorizedDropsToken(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "operator")
	ctx := context.Background()

	_, err := api.Get(ctx, "/api/call_forwarding")
	require.NoError(t, err)

	backend.status.Store(http.StatusUnauthorized)
	_, err = api.Get(ctx, "/api/call_forwarding")
	assert.ErrorIs(t, err, models.ErrUnauthorized)

	backend.status.Store(0)
	body, err := api.Get(ctx, "/api/call_forwarding")
	require.NoError(t, err)
	assert.Contains(t, body, "tok-2")
}

func TestPostEncodesJSON(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "operator")

	rules := []*models.CallForwardingRule{{DirNo: "100", FwdType: models.ForwardOnBusy, FwdTo: "200", Enabled: true}}
	_, err := api.Post(context.Background(), "/api/call_forwarding", rules)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"dirno":"100","fwd_type":"on_busy","fwd_to":"200","enabled":true}]`, backend.lastBody.Load().(string))

	_, err = api.Put(context.Background(), "/api/call_forwarding", `{"dirno":"100"}`)
	require.NoError(t, err)
	assert.Equal(t, `{"dirno":"100"}`, backend.lastBody.Load().(string))
}

func TestBreakerOpensOnServerErrors(t *testing.T) {
	backend := &fakeBackend{expiresIn: 3600}
	api := newClient(t, backend, "operator")
	ctx := context.Background()

	backend.status.Store(http.StatusNotFound)
	_, err := api.Get(ctx, "/api/call_forwarding")
	assert.ErrorIs(t, err, models.ErrRecordNotFound)

	backend.status.Store(http.StatusBadGateway)
	for i := 0; i < 2; i++ {
		_, err = api.Get(ctx, "/api/call_forwarding")
		assert.ErrorIs(t, err, models.ErrRPCFailed)
	}
	assert.Equal(t, "open", api.State())

	_, err = api.Get(ctx, "/api/call_forwarding")
	assert.ErrorIs(t, err, models.ErrConnectionFailed)
	assert.Equal(t, int32(3), backend.requests.Load(), "an open breaker short-circuits")
}

func TestBaseURL(t *testing.T) {
	assert.Equal(t, "https://10.0.0.5:8443", BaseURL(&config.Intercom{ServerAddress: "10.0.0.5", RESTPort: 8443}))
	assert.Equal(t, "https://zcp.local", BaseURL(&config.Intercom{ServerAddress: "zcp.local"}))
}
