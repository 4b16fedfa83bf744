// Package util carries small helpers shared across the router: proxy-aware
// HTTP clients and credential masking for logs.
package util

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// HideAPIKey masks a credential for log output, keeping the first and last
// four characters for recognizability.
func HideAPIKey(key string) string {
	key = strings.TrimSpace(key)
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

// NewHTTPClient builds an HTTP client honoring an optional proxy URL and
// timeout. An empty proxyURL uses the environment settings.
func NewHTTPClient(proxyURL string, timeout time.Duration) *http.Client {
	client := &http.Client{Timeout: timeout}
	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL == "" {
		return client
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		log.Warnf("invalid proxy url %q: %v", proxyURL, err)
		return client
	}
	client.Transport = &http.Transport{Proxy: http.ProxyURL(parsed)}
	return client
}
