// Package oauth implements a refresh-token-grant OAuth2 client, caching a
// single access token behind a mutex and refreshing it conservatively
// early, grounded on original_source/src/auth.rs's Authenticator.
package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/chiya-dev/castella-gateway/internal/gatewayerr"
)

// TokenEndpoint is the refresh-token grant endpoint.
const TokenEndpoint = "https://oauth2.googleapis.com/token"

// Authenticator obtains and caches bearer access tokens via the refresh
// token grant, refreshing 10 seconds before expiry and never caching a
// token for less than 10 seconds.
type Authenticator struct {
	http         *http.Client
	endpoint     string
	clientID     string
	clientSecret string
	refreshToken string

	mu          sync.Mutex
	accessToken string
	expiresAt   time.Time
}

// New constructs an Authenticator that issues refresh-token requests over
// the given client (expected to have compression enabled, per ambient
// HTTP client policy).
func New(httpClient *http.Client, clientID, clientSecret, refreshToken string) *Authenticator {
	return &Authenticator{
		http:         httpClient,
		endpoint:     TokenEndpoint,
		clientID:     clientID,
		clientSecret: clientSecret,
		refreshToken: refreshToken,
	}
}

// AccessToken returns a valid access token, refreshing it first if the
// cached one is missing or within 10 seconds of expiry.
func (a *Authenticator) AccessToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.accessToken == "" || !time.Now().Before(a.expiresAt) {
		if err := a.refresh(ctx); err != nil {
			return "", err
		}
	}
	return a.accessToken, nil
}

// Header returns the value of an Authorization header carrying a valid
// access token.
func (a *Authenticator) Header(ctx context.Context) (string, error) {
	token, err := a.AccessToken(ctx)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// refresh must be called with a.mu held.
func (a *Authenticator) refresh(ctx context.Context) error {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {a.clientID},
		"client_secret": {a.clientSecret},
		"refresh_token": {a.refreshToken},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return gatewayerr.New(gatewayerr.KindAuth, "oauth.refresh", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	now := time.Now()
	resp, err := a.http.Do(req)
	if err != nil {
		return gatewayerr.New(gatewayerr.KindAuth, "oauth.refresh", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return gatewayerr.New(gatewayerr.KindAuth, "oauth.refresh", fmt.Errorf("token endpoint returned status %d", resp.StatusCode))
	}

	var body tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return gatewayerr.New(gatewayerr.KindAuth, "oauth.refresh", err)
	}

	ttl := body.ExpiresIn - 10
	if ttl < 10 {
		ttl = 10
	}

	a.accessToken = body.AccessToken
	a.expiresAt = now.Add(time.Duration(ttl) * time.Second)
	return nil
}
