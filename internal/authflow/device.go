package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"github.com/alexjbarnes/token-keeper/internal/token"
	"github.com/tidwall/gjson"
)

// Notify is called once per authentication attempt, when the user code
// is ready to present.
type Notify func(grant *token.DeviceGrant)

// oauthError extracts the structured error code and description from a
// non-2xx response body. gjson tolerates bodies that are not quite the
// documented shape.
func oauthError(body []byte) (code, description string) {
	return gjson.GetBytes(body, "error").String(),
		gjson.GetBytes(body, "error_description").String()
}

// RequestDeviceCode asks the authorization server for a device grant.
// A structured non-success response is ErrAuthServer; transport failure
// surfaces as TransientError once the retrying client gives up.
func (c *Client) RequestDeviceCode(ctx context.Context) (*token.DeviceGrant, error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scopes", strings.Join(c.scopes, " "))

	status, body, err := c.postForm(ctx, c.deviceAuthURL, deviceCodeRequestTimeout, form)
	if err != nil {
		return nil, fmt.Errorf("device code request: %w", err)
	}

	if status != http.StatusOK {
		code, desc := oauthError(body)
		if code != "" {
			return nil, fmt.Errorf("%w: device code request (%d): %s: %s",
				apperrors.ErrAuthServer, status, code, desc)
		}

		return nil, fmt.Errorf("%w: device code request (%d): %s",
			apperrors.ErrAuthServer, status, sanitizeResponseBody(body))
	}

	var resp struct {
		DeviceCode      string `json:"device_code"`
		UserCode        string `json:"user_code"`
		VerificationURI string `json:"verification_uri"`
		ExpiresIn       int    `json:"expires_in"`
		Interval        int    `json:"interval"`
	}

	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing device code response: %w", err)
	}

	if resp.DeviceCode == "" || resp.UserCode == "" {
		return nil, fmt.Errorf("%w: device code response missing codes", apperrors.ErrAuthServer)
	}

	if resp.Interval <= 0 {
		resp.Interval = defaultPollIntervalSeconds
	}

	return &token.DeviceGrant{
		DeviceCode:      resp.DeviceCode,
		UserCode:        resp.UserCode,
		VerificationURI: resp.VerificationURI,
		ExpiresIn:       resp.ExpiresIn,
		Interval:        resp.Interval,
		IssuedAt:        time.Now(),
	}, nil
}

// PollForToken polls the token endpoint until the user authorizes the
// grant or the attempt fails terminally.
//
// The poll interval is double the server-advised interval, a
// conservative choice that keeps well clear of rate limits. The loop is
// bounded two ways: by attempt count (maxPollAttempts, default 100),
// which is the primary bound and yields ErrAuthorizationTimeout, and by
// the grant's own expires_in, past which polling could only ever return
// expired_token. There is no separate wall-clock deadline; callers
// needing one impose it through ctx.
func (c *Client) PollForToken(ctx context.Context, grant *token.DeviceGrant) (*token.Record, error) {
	interval := time.Duration(2*grant.Interval) * time.Second
	if c.pollEvery > 0 {
		interval = c.pollEvery
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for attempts := 0; ; {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case <-ticker.C:
			if grant.Expired(time.Now()) {
				return nil, fmt.Errorf("%w: grant lifetime of %ds elapsed",
					apperrors.ErrGrantExpired, grant.ExpiresIn)
			}

			attempts++

			rec, slowDown, err := c.exchangeDeviceCode(ctx, grant)
			if err != nil {
				return nil, err
			}

			if rec != nil {
				return rec, nil
			}

			if slowDown {
				// RFC 8628 prescribes growing the interval on
				// slow_down; 1.5x capped at a minute is what
				// well-behaved clients converge on.
				interval = min(interval*3/2, time.Minute)
				ticker.Reset(interval)
				c.logger.Debug("server asked to slow down",
					slog.Duration("interval", interval))
			}

			if attempts >= c.maxPollAttempts {
				return nil, fmt.Errorf("%w: %d attempts",
					apperrors.ErrAuthorizationTimeout, attempts)
			}
		}
	}
}

// exchangeDeviceCode makes one poll of the token endpoint. It returns
// the record on success, slowDown=true when the server asks for a
// longer interval, (nil, false, nil) while authorization is pending,
// and a terminal error otherwise. Transport failures are absorbed as a
// pending poll: the next tick retries.
func (c *Client) exchangeDeviceCode(ctx context.Context, grant *token.DeviceGrant) (rec *token.Record, slowDown bool, err error) {
	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("scopes", strings.Join(c.scopes, " "))
	form.Set("device_code", grant.DeviceCode)
	form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")

	status, body, err := c.postForm(ctx, c.tokenURL, tokenExchangeTimeout, form)
	if err != nil {
		if IsTransient(err) && ctx.Err() == nil {
			c.logger.Debug("transient poll failure, will retry", slog.String("error", err.Error()))
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("token poll: %w", err)
	}

	if status == http.StatusOK {
		rec, err := c.parseTokenResponse(body, "")
		if err != nil {
			return nil, false, err
		}

		return rec, false, nil
	}

	code, desc := oauthError(body)
	switch code {
	case "authorization_pending":
		return nil, false, nil

	case "slow_down":
		return nil, true, nil

	case "expired_token":
		return nil, false, fmt.Errorf("%w: %s", apperrors.ErrGrantExpired, desc)

	case "access_denied":
		return nil, false, fmt.Errorf("%w: %s", apperrors.ErrAccessDenied, desc)

	default:
		return nil, false, fmt.Errorf("%w: token poll (%d): %s: %s",
			apperrors.ErrAuthServer, status, code, desc)
	}
}

// Authenticate runs the device flow end to end: request a grant,
// present the user code, poll until authorized.
func (c *Client) Authenticate(ctx context.Context, notify Notify) (*token.Record, error) {
	grant, err := c.RequestDeviceCode(ctx)
	if err != nil {
		return nil, err
	}

	c.logger.Info("device grant issued",
		slog.String("user_code", grant.UserCode),
		slog.Int("expires_in", grant.ExpiresIn),
		slog.Int("interval", grant.Interval))

	if notify != nil {
		notify(grant)
	}

	return c.PollForToken(ctx, grant)
}
