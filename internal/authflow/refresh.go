package authflow

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	apperrors "github.com/alexjbarnes/token-keeper/internal/errors"
	"github.com/alexjbarnes/token-keeper/internal/token"
)

// Refresh exchanges a refresh token for a fresh credential. Servers in
// rotation mode return a new refresh token; servers in fixed mode omit
// it, in which case the old one is carried forward. A structured
// rejection wraps ErrRefreshRejected.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (*token.Record, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", apperrors.ErrRefreshRejected)
	}

	form := url.Values{}
	form.Set("client_id", c.clientID)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)

	status, body, err := c.postForm(ctx, c.tokenURL, refreshTimeout, form)
	if err != nil {
		return nil, fmt.Errorf("refresh request: %w", err)
	}

	if status != http.StatusOK {
		code, desc := oauthError(body)
		switch code {
		case "invalid_grant", "invalid_token":
			return nil, fmt.Errorf("%w: %s: %s", apperrors.ErrRefreshRejected, code, desc)
		case "":
			return nil, fmt.Errorf("%w: refresh (%d): %s",
				apperrors.ErrRefreshRejected, status, sanitizeResponseBody(body))
		default:
			return nil, fmt.Errorf("%w: %s: %s", apperrors.ErrRefreshRejected, code, desc)
		}
	}

	return c.parseTokenResponse(body, refreshToken)
}

// tokenResponse is the success shape shared by the device and refresh
// grants.
type tokenResponse struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token"`
	TokenType    string   `json:"token_type"`
	ExpiresIn    int      `json:"expires_in"`
	Scope        []string `json:"scope"`
}

// parseTokenResponse validates a success body and builds a Record with
// an absolute expiry. previousRefreshToken, when non-empty, fills in
// for servers that do not rotate refresh tokens.
func (c *Client) parseTokenResponse(body []byte, previousRefreshToken string) (*token.Record, error) {
	var resp tokenResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("parsing token response: %w", err)
	}

	if err := validateTokenResponse(resp); err != nil {
		return nil, fmt.Errorf("invalid token response: %w", err)
	}

	refreshToken := resp.RefreshToken
	if refreshToken == "" {
		refreshToken = previousRefreshToken
	}

	scopes := resp.Scope
	if len(scopes) == 0 {
		scopes = c.scopes
	}

	now := time.Now()

	return &token.Record{
		AccessToken:  resp.AccessToken,
		RefreshToken: refreshToken,
		TokenType:    resp.TokenType,
		Scopes:       scopes,
		IssuedAt:     now,
		ExpiresAt:    now.Add(time.Duration(resp.ExpiresIn) * time.Second),
	}, nil
}

func validateTokenResponse(resp tokenResponse) error {
	if resp.AccessToken == "" {
		return fmt.Errorf("access_token is empty")
	}

	if resp.ExpiresIn <= 0 {
		return fmt.Errorf("expires_in must be positive, got %d", resp.ExpiresIn)
	}

	// token_type is optional in OAuth 2.0, but if present it should be
	// a bearer token.
	if resp.TokenType != "" && resp.TokenType != "Bearer" && resp.TokenType != "bearer" {
		return fmt.Errorf("unexpected token_type %q", resp.TokenType)
	}

	return nil
}
