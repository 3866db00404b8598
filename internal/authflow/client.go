// Package authflow implements the OAuth2 Device Authorization Grant
// client: the device-code request, the token polling state machine and
// the refresh grant.
package authflow

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	retry "github.com/appleboy/go-httpretry"
)

// TransientError wraps an error that is likely temporary and safe to
// retry. Transport failures (timeouts, connection refused, DNS) are
// transient by nature; the polling loop absorbs them.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// deviceCodeRequestTimeout bounds the initial device-code request.
	deviceCodeRequestTimeout = 10 * time.Second

	// tokenExchangeTimeout bounds each individual poll of the token
	// endpoint. Kept short so a hung request never eats into the next
	// poll slot.
	tokenExchangeTimeout = 5 * time.Second

	// refreshTimeout bounds a refresh-grant request.
	refreshTimeout = 10 * time.Second

	// maxResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxResponseBytes = 1024 * 1024

	// defaultMaxPollAttempts bounds the polling loop when the caller
	// does not configure it.
	defaultMaxPollAttempts = 100

	// defaultPollIntervalSeconds is used when the server does not
	// advise an interval, per RFC 8628.
	defaultPollIntervalSeconds = 5
)

// Config carries the wiring a Client needs.
type Config struct {
	// BaseURL of the authorization server. The device-authorization
	// endpoint is BaseURL/oauth/device/code, the token endpoint
	// BaseURL/oauth/token.
	BaseURL string

	// ClientID identifies this OAuth client.
	ClientID string

	// Scopes to request, joined with spaces on the wire.
	Scopes []string

	// MaxPollAttempts bounds PollForToken. Zero means the default (100).
	MaxPollAttempts int

	// HTTPClient overrides the underlying transport. Nil means a
	// TLS>=1.2 client with keep-alives.
	HTTPClient *http.Client
}

// Client talks to the authorization server.
type Client struct {
	http            *retry.Client
	deviceAuthURL   string
	tokenURL        string
	clientID        string
	scopes          []string
	maxPollAttempts int
	logger          *slog.Logger

	// pollEvery overrides the computed poll interval in tests.
	pollEvery time.Duration
}

// New creates a device-flow client. Requests go through a retrying
// HTTP client so brief transport hiccups never surface to the flow.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}

	if cfg.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{
					MinVersion: tls.VersionTLS12,
				},
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	retryClient, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("creating retry client: %w", err)
	}

	maxAttempts := cfg.MaxPollAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxPollAttempts
	}

	base := strings.TrimRight(cfg.BaseURL, "/")

	return &Client{
		http:            retryClient,
		deviceAuthURL:   base + "/oauth/device/code",
		tokenURL:        base + "/oauth/token",
		clientID:        cfg.ClientID,
		scopes:          cfg.Scopes,
		maxPollAttempts: maxAttempts,
		logger:          logger,
	}, nil
}

// postForm sends a form-encoded POST and returns the status code and
// body. Transport failures come back wrapped in TransientError.
func (c *Client) postForm(ctx context.Context, endpoint string, timeout time.Duration, form url.Values) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(
		reqCtx,
		http.MethodPost,
		endpoint,
		strings.NewReader(form.Encode()),
	)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.DoWithContext(reqCtx, req)
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("sending request to %s: %w", endpoint, err)}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return 0, nil, &TransientError{Err: fmt.Errorf("reading response from %s: %w", endpoint, err)}
	}

	return resp.StatusCode, body, nil
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}
