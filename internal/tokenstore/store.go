// Package tokenstore persists provider credentials on disk. It reads the
// three historical token file schemas and always writes back the canonical
// snake_case form. The store never refreshes tokens; it only reads and writes.
package tokenstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// DefaultSafetyMargin is subtracted from the token lifetime when deciding
// whether a credential is still usable.
const DefaultSafetyMargin = 30 * time.Second

// ErrNotFound signals that no credential file exists at the given path.
var ErrNotFound = errors.New("tokenstore: credential not found")

// CorruptError reports an unreadable or structurally invalid credential file.
type CorruptError struct {
	Path   string
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("tokenstore: corrupt credential file %s: %s", e.Path, e.Reason)
}

// Handle is the in-memory credential variant: an API key, an OAuth token set,
// or empty (requires re-enrollment).
type Handle struct {
	// APIKey is set for api_key auth, and may coexist with OAuth tokens for
	// providers that derive keys from OAuth (e.g. iFlow).
	APIKey string `json:"apiKey,omitempty"`

	AccessToken  string `json:"access_token,omitempty"`
	RefreshToken string `json:"refresh_token,omitempty"`
	// ExpiryMs is the access token expiry as epoch milliseconds.
	ExpiryMs  int64  `json:"expiry_date,omitempty"`
	TokenType string `json:"token_type,omitempty"`
	Scope     string `json:"scope,omitempty"`

	// ResourceURL is the per-account API base some providers (Qwen) return
	// alongside the token grant.
	ResourceURL string `json:"resource_url,omitempty"`
}

// Empty reports whether the handle carries no usable credential.
func (h *Handle) Empty() bool {
	if h == nil {
		return true
	}
	return h.APIKey == "" && h.AccessToken == "" && h.RefreshToken == ""
}

// Wipe clears every field, transitioning the handle to the empty variant.
func (h *Handle) Wipe() {
	if h == nil {
		return
	}
	*h = Handle{}
}

// IsValid reports whether the handle can authenticate a request at now.
// API keys are valid when non-empty; OAuth tokens must outlive the safety
// margin.
func IsValid(h *Handle, now time.Time, margin time.Duration) bool {
	if h == nil {
		return false
	}
	if h.APIKey != "" {
		return true
	}
	if h.AccessToken == "" {
		return false
	}
	if margin <= 0 {
		margin = DefaultSafetyMargin
	}
	return h.ExpiryMs-now.UnixMilli() > margin.Milliseconds()
}

// Load reads and normalizes a credential file. The three accepted schemas:
// legacy camelCase (accessToken/expiryDate), canonical snake_case with
// expiry_date epoch milliseconds, and the variant carrying an "expired"
// RFC 3339 timestamp.
func Load(path string) (*Handle, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tokenstore: read %s: %w", path, err)
	}

	raw := make(map[string]any)
	if err = json.Unmarshal(data, &raw); err != nil {
		return nil, &CorruptError{Path: path, Reason: "invalid JSON"}
	}

	handle := &Handle{}
	handle.APIKey = stringField(raw, "apiKey", "api_key")
	handle.AccessToken = stringField(raw, "access_token", "accessToken")
	handle.RefreshToken = stringField(raw, "refresh_token", "refreshToken")
	handle.TokenType = stringField(raw, "token_type", "tokenType")
	handle.Scope = stringField(raw, "scope")
	handle.ResourceURL = stringField(raw, "resource_url", "resourceUrl")
	handle.ExpiryMs = expiryField(raw)

	if handle.Empty() {
		return nil, &CorruptError{Path: path, Reason: "no credential fields present"}
	}
	if handle.AccessToken != "" && handle.ExpiryMs == 0 {
		return nil, &CorruptError{Path: path, Reason: "oauth tokens without expiry"}
	}
	return handle, nil
}

// Save writes the handle in canonical form via a temp file and atomic rename.
func Save(h *Handle, path string) error {
	if h == nil {
		return fmt.Errorf("tokenstore: handle is nil")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("tokenstore: create dir: %w", err)
	}

	data, err := json.MarshalIndent(h, "", "  ")
	if err != nil {
		return fmt.Errorf("tokenstore: marshal: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".cred-*.tmp")
	if err != nil {
		return fmt.Errorf("tokenstore: create temp: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: write temp: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: close temp: %w", err)
	}
	if err = os.Chmod(tmpName, 0o600); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: chmod temp: %w", err)
	}
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("tokenstore: rename: %w", err)
	}
	return nil
}

func stringField(raw map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := raw[key].(string); ok {
			if trimmed := strings.TrimSpace(v); trimmed != "" {
				return trimmed
			}
		}
	}
	return ""
}

// expiryField normalizes the three expiry encodings to epoch milliseconds.
func expiryField(raw map[string]any) int64 {
	for _, key := range []string{"expiry_date", "expiryDate"} {
		if v, ok := raw[key]; ok {
			if ms := numericMillis(v); ms > 0 {
				return ms
			}
		}
	}
	for _, key := range []string{"expired", "expire"} {
		if v, ok := raw[key].(string); ok {
			if ts, err := time.Parse(time.RFC3339, strings.TrimSpace(v)); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return 0
}

func numericMillis(v any) int64 {
	switch value := v.(type) {
	case float64:
		return normalizeMillis(int64(value))
	case json.Number:
		if i, err := value.Int64(); err == nil {
			return normalizeMillis(i)
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
			return normalizeMillis(i)
		}
	}
	return 0
}

// normalizeMillis upgrades second-precision timestamps to milliseconds.
func normalizeMillis(raw int64) int64 {
	if raw <= 0 {
		return 0
	}
	if raw < 1_000_000_000_000 {
		return raw * 1000
	}
	return raw
}
