// Package httputil provides a hardened HTTP client and input sanitization utilities.
package httputil

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"golang.org/x/net/publicsuffix"
)

// DefaultUserAgent is sent when the caller does not supply one.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"

// NewTransport creates a transport with secure defaults.
func NewTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        20,
		IdleConnTimeout:     30 * time.Second,
		MaxIdleConnsPerHost: 5,
	}
}

// NewClient returns a client over rt with the given per-call timeout. A nil
// rt gets a hardened default transport.
func NewClient(rt http.RoundTripper, timeout time.Duration) *http.Client {
	if rt == nil {
		rt = NewTransport()
	}
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
	}
}

// NewSession returns a client with its own cookie jar sharing rt, so that
// every session starts without cookies from earlier attempts.
func NewSession(rt http.RoundTripper, timeout time.Duration) *http.Client {
	jar, _ := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	return &http.Client{
		Timeout:   timeout,
		Transport: rt,
		Jar:       jar,
	}
}

// BrowserHeaders returns a realistic browser header set for page fetches.
func BrowserHeaders(userAgent string) http.Header {
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	h := http.Header{}
	h.Set("User-Agent", userAgent)
	h.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,*/*;q=0.8")
	h.Set("Accept-Language", "en-US,en;q=0.9")
	h.Set("Cache-Control", "no-cache")
	h.Set("Pragma", "no-cache")
	h.Set("Upgrade-Insecure-Requests", "1")
	h.Set("Sec-Fetch-Dest", "document")
	h.Set("Sec-Fetch-Mode", "navigate")
	h.Set("Sec-Fetch-Site", "none")
	return h
}

// ErrTooLarge is returned by ReadLimited when a body exceeds its limit.
var ErrTooLarge = errors.New("response body too large")

// ReadLimited reads a response body of at most limit bytes. Larger bodies
// fail with ErrTooLarge instead of being truncated.
func ReadLimited(resp *http.Response, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if int64(len(body)) > limit {
		return nil, fmt.Errorf("%w: exceeds %d bytes", ErrTooLarge, limit)
	}
	return body, nil
}
