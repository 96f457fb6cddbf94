// Package httpclient builds the shared *http.Client used by both the OAuth2
// authenticator and the remote drive client, parameterised identically to
// the original implementation's HttpConfig.
package httpclient

import (
	"fmt"
	"net/http"
	"net/url"
	"time"
)

// Config mirrors the original implementation's HttpConfig: user agent, optional proxy,
// response compression, and whether plaintext HTTP is permitted.
type Config struct {
	UserAgent     string
	Proxy         string
	Compression   bool
	AllowInsecure bool
}

// DefaultUserAgent is used when Config.UserAgent is empty.
const DefaultUserAgent = "castella-gateway"

// userAgentTransport sets a default User-Agent header and, unless insecure
// connections are allowed, refuses to dial anything but https.
type userAgentTransport struct {
	next          http.RoundTripper
	userAgent     string
	allowInsecure bool
}

func (t *userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !t.allowInsecure && req.URL.Scheme != "https" {
		return nil, fmt.Errorf("httpclient: refusing non-https request to %s (allow-insecure is false)", req.URL)
	}
	if req.Header.Get("User-Agent") == "" {
		req2 := req.Clone(req.Context())
		req2.Header.Set("User-Agent", t.userAgent)
		req = req2
	}
	return t.next.RoundTrip(req)
}

// New builds an *http.Client per Config: proxy, compression, insecure
// policy, and default user agent, matching original_source/src/http.rs's
// create_client.
func New(cfg Config) (*http.Client, error) {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DisableCompression = !cfg.Compression

	if cfg.Proxy != "" {
		proxyURL, err := url.Parse(cfg.Proxy)
		if err != nil {
			return nil, fmt.Errorf("httpclient: invalid proxy %q: %w", cfg.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}

	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &userAgentTransport{
			next:          transport,
			userAgent:     userAgent,
			allowInsecure: cfg.AllowInsecure,
		},
	}, nil
}
