// Package github is the forge REST client: app authentication with a
// process-wide installation token cache, bounded request retries, and
// rate-limit backpressure reporting.
package github

import (
	"bytes"
	"context"
	"crypto/rsa"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/patrickmn/go-cache"
	"github.com/sethvargo/go-retry"

	"github.com/bemcculley/auto-merge/internal/config"
	"github.com/bemcculley/auto-merge/internal/metrics"
)

const userAgent = "auto-merge-app/1.0"

// Three tries per call: the first attempt plus two retries.
const maxAttempts = 3

// ThrottleSetter records per-installation backpressure when the forge
// signals rate limiting. Implemented by queue.Throttle.
type ThrottleSetter interface {
	Set(ctx context.Context, installationID int64, until float64, reason string) error
}

// Factory holds everything shared across installations: the app key, the
// HTTP client, and the token cache. Per-installation Clients are cheap.
type Factory struct {
	cfg      *config.Settings
	key      *rsa.PrivateKey
	httpc    *http.Client
	throttle ThrottleSetter

	tokens *cache.Cache
	mintMu sync.Mutex

	retryBase time.Duration
	retryCap  time.Duration
	now       func() time.Time
	jitter    func() float64
}

func NewFactory(cfg *config.Settings, throttle ThrottleSetter) (*Factory, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(cfg.AppPrivateKey))
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	retryBase := time.Duration(cfg.BackoffBaseSeconds) * time.Second
	if retryBase <= 0 {
		retryBase = time.Second
	}
	return &Factory{
		cfg:       cfg,
		key:       key,
		httpc:     &http.Client{Timeout: 60 * time.Second},
		throttle:  throttle,
		tokens:    cache.New(time.Hour, 10*time.Minute),
		retryBase: retryBase,
		retryCap:  time.Duration(cfg.MaxBackoffSeconds) * time.Second,
		now:       time.Now,
		jitter:    rand.Float64,
	}, nil
}

// Client issues API calls as one installation.
func (f *Factory) Client(installationID int64) *Client {
	return &Client{f: f, installationID: installationID}
}

type Client struct {
	f              *Factory
	installationID int64
}

// do issues one API call with up to three attempts. Transport failures and
// 5xx responses retry; 429 and 403 retry only for idempotent calls, and the
// merge endpoint never retries. When retries run out but the forge did
// answer, the last response is returned so callers can act on its status.
func (c *Client) do(ctx context.Context, method, path, endpoint string, query url.Values, body any) (*http.Response, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return nil, err
		}
	}
	target := c.f.cfg.GitHubAPIURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	idempotent := (method == http.MethodGet || method == http.MethodPut) && !strings.HasSuffix(path, "/merge")

	var resp *http.Response
	attempt := 0
	backoff := retry.WithMaxRetries(maxAttempts-1, retry.WithCappedDuration(c.f.retryCap, retry.NewExponential(c.f.retryBase)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp = nil

		token, err := c.f.installationToken(ctx, c.installationID)
		if err != nil {
			return err
		}
		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, target, reqBody)
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "token "+token)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("User-Agent", userAgent)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		start := time.Now()
		r, err := c.f.httpc.Do(req)
		metrics.GitHubLatency.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
		if err != nil {
			metrics.GitHubRequests.WithLabelValues(endpoint, "exc").Inc()
			return retry.RetryableError(err)
		}
		metrics.GitHubRequests.WithLabelValues(endpoint, strconv.Itoa(r.StatusCode)).Inc()
		c.handleRateLimit(ctx, r)

		retryable := r.StatusCode >= 500 || ((r.StatusCode == http.StatusTooManyRequests || r.StatusCode == http.StatusForbidden) && idempotent)
		if retryable && attempt < maxAttempts {
			io.Copy(io.Discard, r.Body)
			r.Body.Close()
			return retry.RetryableError(fmt.Errorf("%s: status %d", endpoint, r.StatusCode))
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// handleRateLimit runs on every response: it exports the budget headers and,
// when the forge signals limiting (403/429 or a nearly spent budget), parks
// the installation behind the throttle gate until the reset passes.
func (c *Client) handleRateLimit(ctx context.Context, resp *http.Response) {
	inst := strconv.FormatInt(c.installationID, 10)

	remaining, remOK := atoiHeader(resp.Header.Get("X-RateLimit-Remaining"))
	if remOK {
		metrics.RateLimitRemaining.WithLabelValues(inst).Set(float64(remaining))
	}
	reset, resetOK := atoiHeader(resp.Header.Get("X-RateLimit-Reset"))
	if resetOK {
		metrics.RateLimitReset.WithLabelValues(inst).Set(float64(reset))
	}

	lowBudget := remOK && remaining <= c.f.cfg.RateLimitMinRemaining
	status := resp.StatusCode
	if status != http.StatusForbidden && status != http.StatusTooManyRequests && !lowBudget {
		return
	}

	reason := "primary"
	switch {
	case status == http.StatusTooManyRequests:
		reason = "retry_after"
	case status == http.StatusForbidden && c.bodyMentionsSecondary(resp):
		reason = "secondary"
	}

	now := float64(c.f.now().UnixNano()) / 1e9
	var until float64
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if v, err := strconv.Atoi(ra); err == nil {
			until = now + float64(v)
		}
	}
	if until == 0 && resetOK {
		until = float64(reset)
	}
	if until == 0 {
		until = now + float64(c.f.cfg.RateLimitCooldownSeconds)
	}
	// Random jitter spreads resumption across installations.
	until += c.f.jitter() * math.Min(float64(c.f.cfg.RateLimitJitterSeconds), 15)

	if err := c.f.throttle.Set(ctx, c.installationID, until, reason); err != nil {
		log.Printf("[github] throttle set failed for installation %d: %v", c.installationID, err)
		return
	}
	metrics.Throttles.WithLabelValues("installation", reason).Inc()
}

// bodyMentionsSecondary peeks at a JSON error body for the secondary rate
// limit message, leaving the body re-readable for the caller.
func (c *Client) bodyMentionsSecondary(resp *http.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if !strings.HasPrefix(ct, "application/json") {
		return false
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	resp.Body.Close()
	resp.Body = io.NopCloser(bytes.NewReader(data))
	if err != nil {
		return false
	}
	var apiErr struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &apiErr); err != nil {
		return false
	}
	return strings.Contains(strings.ToLower(apiErr.Message), "secondary")
}

func atoiHeader(v string) (int, bool) {
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
