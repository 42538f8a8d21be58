package spotify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
	spotifyauth "golang.org/x/oauth2/spotify"
)

const defaultTokenURL = "https://accounts.spotify.com/api/token"

// TokenSource fetches and caches a Spotify app (client credentials) token.
// App tokens cover track metadata lookups; playback control needs a user
// token, which is persisted and refreshed through the oauth package instead.
type TokenSource struct {
	ClientID     string
	ClientSecret string
	TokenURL     string // defaults to the Spotify accounts endpoint
	HTTPClient   *http.Client

	mu        sync.RWMutex
	token     string
	expiresAt time.Time
}

// Get returns a valid (fresh or cached) app access token.
func (ts *TokenSource) Get(ctx context.Context) (string, error) {
	ts.mu.RLock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second { // 1 min buffer
		tok := ts.token
		ts.mu.RUnlock()
		return tok, nil
	}
	ts.mu.RUnlock()
	return ts.refresh(ctx)
}

func (ts *TokenSource) refresh(ctx context.Context) (string, error) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.token != "" && time.Until(ts.expiresAt) > 60*time.Second {
		return ts.token, nil
	}
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", errors.New("missing client id/secret for spotify app token")
	}
	form := url.Values{}
	form.Set("grant_type", "client_credentials")
	endpoint := ts.TokenURL
	if endpoint == "" {
		endpoint = defaultTokenURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(ts.ClientID, ts.ClientSecret)
	hc := ts.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("spotify token request failed: %s: %s", resp.Status, string(b))
	}
	var at struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&at); err != nil {
		return "", err
	}
	if at.AccessToken == "" {
		return "", errors.New("empty access_token in spotify response")
	}
	ts.token = at.AccessToken
	ts.expiresAt = time.Now().Add(time.Duration(at.ExpiresIn) * time.Second)
	return ts.token, nil
}

// RefreshUserToken exchanges a stored refresh token for a fresh user access
// token. Its signature matches oauth.RefreshFunc so it can be handed to the
// background refresher directly. When Spotify omits a replacement refresh
// token the library carries the old one forward.
func (ts *TokenSource) RefreshUserToken(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
	if ts.ClientID == "" || ts.ClientSecret == "" {
		return "", "", time.Time{}, "", errors.New("missing client id/secret for spotify token refresh")
	}
	endpoint := spotifyauth.Endpoint
	if ts.TokenURL != "" {
		endpoint = oauth2.Endpoint{TokenURL: ts.TokenURL, AuthStyle: oauth2.AuthStyleInParams}
	}
	if ts.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, ts.HTTPClient)
	}
	oc := &oauth2.Config{ClientID: ts.ClientID, ClientSecret: ts.ClientSecret, Endpoint: endpoint}
	tok, err := oc.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return "", "", time.Time{}, "", fmt.Errorf("spotify refresh failed: %w", err)
	}
	scope, _ := tok.Extra("scope").(string)
	return tok.AccessToken, tok.RefreshToken, tok.Expiry, scope, nil
}
