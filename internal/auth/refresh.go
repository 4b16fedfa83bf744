package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/tokenstore"
)

// ErrInvalidGrant signals that the refresh token was rejected. The handle is
// wiped and the account requires re-enrollment.
var ErrInvalidGrant = errors.New("auth: refresh token rejected (invalid_grant)")

// RefreshConfig describes one provider's refresh endpoint.
type RefreshConfig struct {
	TokenURL     string
	ClientID     string
	ClientSecret string
}

// Refresh exchanges the handle's refresh token for a new access token and
// updates the handle in place. The refresh token rotates only when the
// upstream returns a new one; expiry always moves forward.
func Refresh(ctx context.Context, client *http.Client, cfg RefreshConfig, handle *tokenstore.Handle) error {
	if handle == nil || handle.RefreshToken == "" {
		return fmt.Errorf("auth: no refresh token available")
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", cfg.ClientID)
	form.Set("refresh_token", handle.RefreshToken)
	if cfg.ClientSecret != "" {
		form.Set("client_secret", cfg.ClientSecret)
	}

	body, status, err := postForm(ctx, client, cfg.TokenURL, form)
	if err != nil {
		return fmt.Errorf("auth: token refresh request failed: %w", err)
	}

	if status != http.StatusOK {
		if status == http.StatusBadRequest && oauthErrorCode(body) == "invalid_grant" {
			// The whole handle transitions to empty in one step; callers must
			// persist the wiped state and re-enroll.
			handle.Wipe()
			return ErrInvalidGrant
		}
		return fmt.Errorf("auth: token refresh failed: %d: %s", status, string(body))
	}

	var token tokenResponse
	if err = json.Unmarshal(body, &token); err != nil {
		return fmt.Errorf("auth: parse refresh response: %w", err)
	}
	if token.AccessToken == "" {
		return fmt.Errorf("auth: refresh response missing access_token")
	}

	handle.AccessToken = token.AccessToken
	if token.RefreshToken != "" {
		handle.RefreshToken = token.RefreshToken
	}
	if token.TokenType != "" {
		handle.TokenType = token.TokenType
	}
	if token.Scope != "" {
		handle.Scope = token.Scope
	}
	newExpiry := time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli()
	if newExpiry > handle.ExpiryMs {
		handle.ExpiryMs = newExpiry
	}

	log.Debugf("token refresh successful, expires %s", time.UnixMilli(handle.ExpiryMs).Format(time.RFC3339))
	return nil
}
