package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestInitiateDeviceFlowSendsPKCE(t *testing.T) {
	t.Parallel()

	var gotChallenge, gotMethod string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		gotChallenge = r.PostForm.Get("code_challenge")
		gotMethod = r.PostForm.Get("code_challenge_method")
		fmt.Fprint(w, `{"device_code":"dc","user_code":"UC-1234","verification_uri":"http://v","expires_in":600,"interval":1}`)
	}))
	defer server.Close()

	authz, err := InitiateDeviceFlow(context.Background(), server.Client(), DeviceFlowConfig{
		DeviceCodeURL: server.URL,
		ClientID:      "client-1",
		Scope:         "openid",
	})
	if err != nil {
		t.Fatalf("InitiateDeviceFlow() error = %v", err)
	}
	if gotMethod != "S256" {
		t.Fatalf("code_challenge_method = %q, want S256", gotMethod)
	}
	if gotChallenge == "" || authz.CodeVerifier == "" {
		t.Fatalf("PKCE fields missing: challenge=%q verifier=%q", gotChallenge, authz.CodeVerifier)
	}
	if authz.DeviceCode != "dc" {
		t.Fatalf("DeviceCode = %q", authz.DeviceCode)
	}
}

func TestPollForTokenPendingThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"authorization_pending"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at","refresh_token":"rt","token_type":"Bearer","expires_in":3600}`)
	}))
	defer server.Close()

	handle, err := PollForToken(context.Background(), server.Client(), DeviceFlowConfig{TokenURL: server.URL, ClientID: "c"},
		&DeviceAuthorization{DeviceCode: "dc", CodeVerifier: "v", ExpiresIn: 30, Interval: 0})
	if err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if handle.AccessToken != "at" || handle.RefreshToken != "rt" {
		t.Fatalf("PollForToken() handle = %+v", handle)
	}
	if handle.ExpiryMs <= time.Now().UnixMilli() {
		t.Fatalf("PollForToken() expiry not in the future: %d", handle.ExpiryMs)
	}
}

func TestPollForTokenSlowDownExtendsInterval(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	var stamps []time.Time
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"slow_down"}`)
			return
		}
		fmt.Fprint(w, `{"access_token":"at","expires_in":60}`)
	}))
	defer server.Close()

	_, err := PollForToken(context.Background(), server.Client(), DeviceFlowConfig{TokenURL: server.URL, ClientID: "c"},
		&DeviceAuthorization{DeviceCode: "dc", CodeVerifier: "v", ExpiresIn: 30, Interval: 0})
	if err != nil {
		t.Fatalf("PollForToken() error = %v", err)
	}
	if len(stamps) != 2 {
		t.Fatalf("polls = %d, want 2", len(stamps))
	}
	// Interval started near zero and must have grown by the 2s slow_down step.
	if gap := stamps[1].Sub(stamps[0]); gap < 2*time.Second {
		t.Fatalf("second poll after %v, want >= 2s", gap)
	}
}

func TestPollForTokenExpiresInBoundsPolling(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"authorization_pending"}`)
	}))
	defer server.Close()

	_, err := PollForToken(context.Background(), server.Client(), DeviceFlowConfig{TokenURL: server.URL, ClientID: "c"},
		&DeviceAuthorization{DeviceCode: "dc", CodeVerifier: "v", ExpiresIn: 1, Interval: 0})
	if !errors.Is(err, ErrDeviceAuthorizationTimeout) {
		t.Fatalf("PollForToken() error = %v, want ErrDeviceAuthorizationTimeout", err)
	}
}

func TestPollForTokenTerminalError(t *testing.T) {
	t.Parallel()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"access_denied"}`)
	}))
	defer server.Close()

	_, err := PollForToken(context.Background(), server.Client(), DeviceFlowConfig{TokenURL: server.URL, ClientID: "c"},
		&DeviceAuthorization{DeviceCode: "dc", CodeVerifier: "v", ExpiresIn: 30, Interval: 0})
	if err == nil || errors.Is(err, ErrDeviceAuthorizationTimeout) {
		t.Fatalf("PollForToken() error = %v, want terminal poll failure", err)
	}
}
