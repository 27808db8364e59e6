package github

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bemcculley/auto-merge/internal/metrics"
)

// Installation tokens live about an hour. They are cached process-wide and
// refreshed this long before they actually expire.
const tokenSafetyMargin = 2 * time.Minute

// appJWT signs the short-lived app credential used to mint installation
// tokens.
func (f *Factory) appJWT() (string, error) {
	now := f.now()
	claims := jwt.MapClaims{
		"iat": now.Add(-time.Minute).Unix(),
		"exp": now.Add(10 * time.Minute).Unix(),
		"iss": f.cfg.AppID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(f.key)
	if err != nil {
		return "", fmt.Errorf("sign app jwt: %w", err)
	}
	return signed, nil
}

// installationToken returns a cached token for the installation, minting a
// fresh one when the cache misses. The mint mutex keeps concurrent drains
// from stampeding the token endpoint.
func (f *Factory) installationToken(ctx context.Context, installationID int64) (string, error) {
	key := strconv.FormatInt(installationID, 10)
	if tok, ok := f.tokens.Get(key); ok {
		return tok.(string), nil
	}

	f.mintMu.Lock()
	defer f.mintMu.Unlock()
	if tok, ok := f.tokens.Get(key); ok {
		return tok.(string), nil
	}

	tok, expiresAt, err := f.mintToken(ctx, installationID)
	if err != nil {
		return "", err
	}
	ttl := expiresAt.Sub(f.now()) - tokenSafetyMargin
	if ttl < time.Minute {
		ttl = time.Minute
	}
	f.tokens.Set(key, tok, ttl)
	return tok, nil
}

type tokenResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expires_at"`
}

func (f *Factory) mintToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	appJWT, err := f.appJWT()
	if err != nil {
		return "", time.Time{}, err
	}
	const endpoint = "POST /app/installations/{id}/access_tokens"
	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", f.cfg.GitHubAPIURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+appJWT)
	req.Header.Set("Accept", "application/vnd.github+json")

	start := time.Now()
	resp, err := f.httpc.Do(req)
	metrics.GitHubLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.GitHubRequests.WithLabelValues(endpoint, "exc").Inc()
		return "", time.Time{}, fmt.Errorf("mint token for installation %d: %w", installationID, err)
	}
	defer resp.Body.Close()
	metrics.GitHubRequests.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", time.Time{}, fmt.Errorf("mint token for installation %d: status %d", installationID, resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	expiresAt := f.now().Add(time.Hour)
	if tr.ExpiresAt != "" {
		if ts, err := time.Parse(time.RFC3339, tr.ExpiresAt); err == nil {
			expiresAt = ts
		}
	}
	return tr.Token, expiresAt, nil
}
