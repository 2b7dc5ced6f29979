package momo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	apperrors "skyfi-billing/internal/common/errors"
	"skyfi-billing/internal/common/httpclient"

	"github.com/redis/go-redis/v9"
)

// tokenRefreshMargin renews the bearer token this long before it expires.
const tokenRefreshMargin = 60 * time.Second

// TokenCache shares bearer tokens between processes.
type TokenCache interface {
	Get(ctx context.Context, key string) (string, time.Duration, error)
	Set(ctx context.Context, key, token string, ttl time.Duration) error
}

// RedisTokenCache keeps tokens in Redis so every worker replica reuses one.
type RedisTokenCache struct {
	client redis.Cmdable
}

func NewRedisTokenCache(client redis.Cmdable) *RedisTokenCache {
	return &RedisTokenCache{client: client}
}

func (c *RedisTokenCache) Get(ctx context.Context, key string) (string, time.Duration, error) {
	token, err := c.client.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return "", 0, nil
		}
		return "", 0, err
	}
	ttl, err := c.client.TTL(ctx, key).Result()
	if err != nil {
		return "", 0, err
	}
	return token, ttl, nil
}

func (c *RedisTokenCache) Set(ctx context.Context, key, token string, ttl time.Duration) error {
	return c.client.Set(ctx, key, token, ttl).Err()
}

// tokenSource fetches collection API tokens with the client credentials
// flow and caches them until shortly before expiry.
type tokenSource struct {
	baseURL         string
	apiUserID       string
	apiUserSecret   string
	subscriptionKey string
	http            *httpclient.Client
	cache           TokenCache
	now             func() time.Time

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
	// set after a rejection so the shared cache cannot hand back the same token
	bypassCache bool
}

func (t *tokenSource) cacheKey() string {
	return "momo:token:" + t.apiUserID
}

func (t *tokenSource) Token(ctx context.Context) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.accessToken != "" && t.now().Before(t.tokenExpiry) {
		return t.accessToken, nil
	}

	if t.cache != nil && !t.bypassCache {
		if token, ttl, err := t.cache.Get(ctx, t.cacheKey()); err == nil && token != "" && ttl > 0 {
			t.accessToken = token
			t.tokenExpiry = t.now().Add(ttl)
			return token, nil
		}
	}

	resp, err := t.fetch(ctx)
	if err != nil {
		return "", err
	}

	lifetime := time.Duration(resp.ExpiresIn)*time.Second - tokenRefreshMargin
	if lifetime <= 0 {
		lifetime = time.Duration(resp.ExpiresIn) * time.Second / 2
	}
	t.accessToken = resp.AccessToken
	t.tokenExpiry = t.now().Add(lifetime)
	t.bypassCache = false

	if t.cache != nil && lifetime > 0 {
		_ = t.cache.Set(ctx, t.cacheKey(), resp.AccessToken, lifetime)
	}
	return t.accessToken, nil
}

// Invalidate drops the in-memory token after the gateway rejected it.
func (t *tokenSource) Invalidate() {
	t.mu.Lock()
	t.accessToken = ""
	t.tokenExpiry = time.Time{}
	t.bypassCache = true
	t.mu.Unlock()
}

func (t *tokenSource) fetch(ctx context.Context) (*tokenResponse, error) {
	tokenURL := t.baseURL + "/collection/token/"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL,
		strings.NewReader("grant_type=client_credentials"))
	if err != nil {
		return nil, apperrors.NewGatewayAuthFailureError(err)
	}
	req.SetBasicAuth(t.apiUserID, t.apiUserSecret)
	req.Header.Set("Ocp-Apim-Subscription-Key", t.subscriptionKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := t.http.DoOperation(ctx, "momo.token", req)
	if err != nil {
		return nil, apperrors.NewGatewayAuthFailureError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperrors.NewGatewayAuthFailureError(
			fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body)))
	}

	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return nil, apperrors.NewGatewayAuthFailureError(fmt.Errorf("decode token response: %w", err))
	}
	if tr.AccessToken == "" {
		return nil, apperrors.NewGatewayAuthFailureError(fmt.Errorf("token response without access_token"))
	}
	return &tr, nil
}
