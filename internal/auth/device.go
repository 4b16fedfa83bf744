// Package auth owns the provider credential lifecycle: OAuth 2.0 device flow
// enrollment, proactive token refresh, and bounded 401 recovery.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/routercore/llmrouter/internal/browser"
	"github.com/routercore/llmrouter/internal/tokenstore"
)

// ErrDeviceAuthorizationTimeout is returned when the user never completes the
// device flow within the server-provided expires_in window.
var ErrDeviceAuthorizationTimeout = errors.New("auth: device authorization timeout")

// DeviceFlowConfig describes one provider's OAuth device-code endpoints.
type DeviceFlowConfig struct {
	DeviceCodeURL string
	TokenURL      string
	ClientID      string
	ClientSecret  string
	Scope         string
	// OpenBrowser launches the verification URL in the user's browser.
	OpenBrowser bool
}

// DeviceAuthorization is the device-code endpoint response.
type DeviceAuthorization struct {
	DeviceCode              string `json:"device_code"`
	UserCode                string `json:"user_code"`
	VerificationURI         string `json:"verification_uri"`
	VerificationURIComplete string `json:"verification_uri_complete"`
	ExpiresIn               int    `json:"expires_in"`
	Interval                int    `json:"interval"`

	// CodeVerifier is the PKCE verifier generated locally for this flow.
	CodeVerifier string `json:"-"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	Scope        string `json:"scope"`
	ExpiresIn    int    `json:"expires_in"`
	ResourceURL  string `json:"resource_url"`
}

// generatePKCEPair returns a 32-byte base64url verifier and its S256 challenge.
func generatePKCEPair() (verifier, challenge string, err error) {
	seed := make([]byte, 32)
	if _, err = rand.Read(seed); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(seed)
	sum := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(sum[:])
	return verifier, challenge, nil
}

// InitiateDeviceFlow posts to the device-code endpoint and returns the
// authorization details, including the locally generated PKCE verifier.
func InitiateDeviceFlow(ctx context.Context, client *http.Client, cfg DeviceFlowConfig) (*DeviceAuthorization, error) {
	verifier, challenge, err := generatePKCEPair()
	if err != nil {
		return nil, fmt.Errorf("auth: generate PKCE pair: %w", err)
	}

	form := url.Values{}
	form.Set("client_id", cfg.ClientID)
	form.Set("scope", cfg.Scope)
	form.Set("code_challenge", challenge)
	form.Set("code_challenge_method", "S256")

	body, status, err := postForm(ctx, client, cfg.DeviceCodeURL, form)
	if err != nil {
		return nil, fmt.Errorf("auth: device authorization request failed: %w", err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("auth: device authorization failed: %d: %s", status, string(body))
	}

	var result DeviceAuthorization
	if err = json.Unmarshal(body, &result); err != nil {
		return nil, fmt.Errorf("auth: parse device authorization response: %w", err)
	}
	if result.DeviceCode == "" {
		return nil, fmt.Errorf("auth: device authorization failed: device_code missing")
	}
	result.CodeVerifier = verifier

	if cfg.OpenBrowser && result.VerificationURIComplete != "" {
		if !browser.IsAvailable() {
			log.Warn("no browser available; open the verification URL manually")
		} else if errOpen := browser.OpenURL(result.VerificationURIComplete); errOpen != nil {
			log.Warnf("failed to open browser automatically: %v", errOpen)
		}
	}

	return &result, nil
}

// PollForToken polls the token endpoint until the user approves, the device
// code expires, or the server returns a terminal error. The poll interval is
// the server-provided one, extended by two seconds on each slow_down.
func PollForToken(ctx context.Context, client *http.Client, cfg DeviceFlowConfig, authz *DeviceAuthorization) (*tokenstore.Handle, error) {
	interval := time.Duration(authz.Interval) * time.Second
	if interval <= 0 {
		interval = 5 * time.Second
	}
	deadline := time.Now().Add(time.Duration(authz.ExpiresIn) * time.Second)

	for {
		if time.Now().After(deadline) {
			return nil, ErrDeviceAuthorizationTimeout
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		form := url.Values{}
		form.Set("grant_type", "urn:ietf:params:oauth:grant-type:device_code")
		form.Set("client_id", cfg.ClientID)
		form.Set("device_code", authz.DeviceCode)
		form.Set("code_verifier", authz.CodeVerifier)
		if cfg.ClientSecret != "" {
			form.Set("client_secret", cfg.ClientSecret)
		}

		body, status, err := postForm(ctx, client, cfg.TokenURL, form)
		if err != nil {
			log.Warnf("device token poll failed: %v", err)
			continue
		}

		if status == http.StatusOK {
			var token tokenResponse
			if err = json.Unmarshal(body, &token); err != nil {
				return nil, fmt.Errorf("auth: parse token response: %w", err)
			}
			return handleFromToken(token), nil
		}

		switch oauthErrorCode(body) {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 2 * time.Second
			log.Debugf("token endpoint requested slow_down, interval now %s", interval)
			continue
		default:
			return nil, fmt.Errorf("auth: device token poll failed: %d: %s", status, string(body))
		}
	}
}

// DeviceFlow runs the complete enrollment: initiate, poll, and return a
// populated credential handle.
func DeviceFlow(ctx context.Context, client *http.Client, cfg DeviceFlowConfig) (*tokenstore.Handle, error) {
	authz, err := InitiateDeviceFlow(ctx, client, cfg)
	if err != nil {
		return nil, err
	}
	log.Infof("visit %s and enter code %s to authorize", authz.VerificationURI, authz.UserCode)
	return PollForToken(ctx, client, cfg, authz)
}

func handleFromToken(token tokenResponse) *tokenstore.Handle {
	return &tokenstore.Handle{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		Scope:        token.Scope,
		ResourceURL:  token.ResourceURL,
		ExpiryMs:     time.Now().Add(time.Duration(token.ExpiresIn) * time.Second).UnixMilli(),
	}
}

func oauthErrorCode(body []byte) string {
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Error
}

func postForm(ctx context.Context, client *http.Client, endpoint string, form url.Values) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
