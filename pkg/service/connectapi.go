package service

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/nextranet/intercom/c-plane/config"
	"github.com/nextranet/intercom/c-plane/internal/connection"
	"github.com/nextranet/intercom/c-plane/internal/logger"
	"github.com/nextranet/intercom/c-plane/internal/models"
)

const (
	loginEndpoint = "/api/auth/login"

	// tokens are renewed this long before they expire
	tokenSlack = time.Minute
)

// ConnectAPI is the bearer-token client for the backend REST API. It also
// performs the credential exchange used to open WAMP sessions.
type ConnectAPI struct {
	baseURL    string
	username   string
	password   string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker[string]

	mu    sync.Mutex
	token *connection.Token
}

// BaseURL returns the REST root of the configured backend
func BaseURL(cfg *config.Intercom) string {
	if cfg.RESTPort > 0 {
		return fmt.Sprintf("https://%s:%d", cfg.ServerAddress, cfg.RESTPort)
	}
	return "https://" + cfg.ServerAddress
}

// NewConnectAPI creates a client for baseURL using the intercom credentials
// and the REST tuning of rest
func NewConnectAPI(baseURL string, cfg *config.Intercom, rest *config.REST) *ConnectAPI {
	timeout := 10 * time.Second
	threshold := uint32(5)
	openTimeout := 30 * time.Second
	if rest != nil {
		if rest.Timeout > 0 {
			timeout = rest.Timeout
		}
		if rest.FailureThreshold > 0 {
			threshold = rest.FailureThreshold
		}
		if rest.OpenTimeout > 0 {
			openTimeout = rest.OpenTimeout
		}
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: cfg.SkipVerify()} //nolint:gosec // self-signed deployments

	s := &ConnectAPI{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
	}

	s.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "connect-api",
		Timeout: openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// answers from a reachable backend do not trip the breaker
		IsSuccessful: func(err error) bool {
			return err == nil ||
				errors.Is(err, models.ErrUnauthorized) ||
				errors.Is(err, models.ErrAuthenticationFailed) ||
				errors.Is(err, models.ErrRecordNotFound) ||
				errors.Is(err, models.ErrInvalidInput)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.RESTLog.Warnf("Circuit %s: %s -> %s", name, from, to)
		},
	})

	return s
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Login exchanges the credentials for an access token and caches it. It
// implements connection.Authenticator.
func (s *ConnectAPI) Login(ctx context.Context) (*connection.Token, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+loginEndpoint, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(s.username, s.password)
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: status %d", models.ErrAuthenticationFailed, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		return nil, fmt.Errorf("%w: login status %d", models.ErrConnectionFailed, resp.StatusCode)
	}

	var lr loginResponse
	if err := json.Unmarshal(body, &lr); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrInvalidFormat, err)
	}
	if lr.AccessToken == "" {
		return nil, fmt.Errorf("%w: access_token", models.ErrMissingRequired)
	}

	token := connection.NewToken(lr.AccessToken, time.Duration(lr.ExpiresIn)*time.Second)
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()

	logger.RESTLog.Debugf("Logged in as %s, token valid until %s", s.username, token.ExpiresAt.Format(time.RFC3339))
	return token, nil
}

// bearer returns the cached token, logging in again when it is missing or
// about to expire
func (s *ConnectAPI) bearer(ctx context.Context) (string, error) {
	s.mu.Lock()
	token := s.token
	s.mu.Unlock()

	if token != nil && (token.ExpiresAt.IsZero() || time.Until(token.ExpiresAt) > tokenSlack) {
		return token.AccessToken, nil
	}

	token, err := s.Login(ctx)
	if err != nil {
		return "", err
	}
	return token.AccessToken, nil
}

func (s *ConnectAPI) invalidate() {
	s.mu.Lock()
	s.token = nil
	s.mu.Unlock()
}

// Get issues a GET request and returns the raw body
func (s *ConnectAPI) Get(ctx context.Context, endpoint string) (string, error) {
	return s.do(ctx, http.MethodGet, endpoint, nil)
}

// Post issues a POST request with body encoded as JSON
func (s *ConnectAPI) Post(ctx context.Context, endpoint string, body interface{}) (string, error) {
	return s.do(ctx, http.MethodPost, endpoint, body)
}

// Put issues a PUT request with body encoded as JSON
func (s *ConnectAPI) Put(ctx context.Context, endpoint string, body interface{}) (string, error) {
	return s.do(ctx, http.MethodPut, endpoint, body)
}

// Delete issues a DELETE request
func (s *ConnectAPI) Delete(ctx context.Context, endpoint string) (string, error) {
	return s.do(ctx, http.MethodDelete, endpoint, nil)
}

// State reports the circuit breaker state
func (s *ConnectAPI) State() string {
	return s.breaker.State().String()
}

func (s *ConnectAPI) do(ctx context.Context, method, endpoint string, body interface{}) (string, error) {
	out, err := s.breaker.Execute(func() (string, error) {
		return s.send(ctx, method, endpoint, body)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: %v", models.ErrConnectionFailed, err)
		}
		logger.RESTLog.Warnf("%s %s failed: %v", method, endpoint, err)
		return "", err
	}
	return out, nil
}

func (s *ConnectAPI) send(ctx context.Context, method, endpoint string, body interface{}) (string, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}

	bearer, err := s.bearer(ctx)
	if err != nil {
		return "", err
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("%w: %v", models.ErrInvalidInput, err)
	}
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s %s: %w", method, endpoint, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s %s: read body: %w", method, endpoint, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		s.invalidate()
		return "", fmt.Errorf("%s %s: %w", method, endpoint, models.ErrUnauthorized)
	case resp.StatusCode == http.StatusNotFound:
		return "", fmt.Errorf("%s %s: %w", method, endpoint, models.ErrRecordNotFound)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return "", fmt.Errorf("%s %s: %w: status %d: %s", method, endpoint, models.ErrInvalidInput, resp.StatusCode, strings.TrimSpace(string(data)))
	case resp.StatusCode >= 500:
		return "", fmt.Errorf("%s %s: %w: status %d", method, endpoint, models.ErrRPCFailed, resp.StatusCode)
	}
	return string(data), nil
}

func encodeBody(body interface{}) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	default:
		return json.Marshal(b)
	}
}
