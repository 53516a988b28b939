// Package auth resolves API credentials for integrations. Static tokens are
// returned as-is; OAuth-configured integrations get a cached access token that
// is refreshed ahead of expiry via the refresh_token grant.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrNoCredentials is returned when an integration has neither a static
	// token nor an OAuth configuration
	ErrNoCredentials = errors.New("integration has no credentials configured")

	// ErrTokenNotFound is returned when a cached token is not found
	ErrTokenNotFound = errors.New("cached token not found")

	// ErrRefreshFailed is returned when the token refresh request fails
	ErrRefreshFailed = errors.New("token refresh failed")
)

const (
	// DefaultTTL is the cache TTL when the provider reports no expiry
	DefaultTTL = time.Hour

	// DefaultSkew refreshes tokens this long before they actually expire
	DefaultSkew = time.Minute

	// CacheKeyPrefix is the prefix for auth token cache keys
	CacheKeyPrefix = "auth:token:"
)

// Integration settings keys for credential resolution
const (
	SettingAPIToken     = "api_token"
	SettingTokenURL     = "token_url"
	SettingClientID     = "client_id"
	SettingClientSecret = "client_secret"
	SettingRefreshToken = "refresh_token"
)

// CachedToken is a cached OAuth access token
type CachedToken struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type,omitempty"`
	ExpiresAt   int64  `json:"expires_at,omitempty"`
	CreatedAt   int64  `json:"created_at"`
}

// IsExpired checks if the token is expired (with skew)
func (t *CachedToken) IsExpired(skew time.Duration) bool {
	if t.ExpiresAt == 0 {
		return false // No expiry set
	}
	return time.Now().Unix() >= t.ExpiresAt-int64(skew.Seconds())
}

// tokenResponse is the OAuth token endpoint response shape
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// Manager resolves and caches integration credentials
type Manager struct {
	cache  *redis.Client
	http   *httpclient.Client
	logger ectologger.Logger
}

// NewManager creates a new auth manager
func NewManager(cache *redis.Client, httpClient *httpclient.Client, logger ectologger.Logger) *Manager {
	return &Manager{
		cache:  cache,
		http:   httpClient,
		logger: logger,
	}
}

// Token returns a usable API token for the integration. OAuth-configured
// integrations get a cached access token, refreshed when it is within the
// skew of expiring; everything else falls back to the static api_token.
func (m *Manager) Token(ctx context.Context, integration *models.Integration) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Token")
	defer span.End()

	settings := integration.Settings.Data
	tokenURL := settingString(settings, SettingTokenURL)
	if tokenURL == "" {
		static := settingString(settings, SettingAPIToken)
		if static == "" {
			return "", ErrNoCredentials
		}
		return static, nil
	}

	cacheKey := m.cacheKey(integration.ID)
	cached, err := m.getCachedToken(ctx, cacheKey)
	if err == nil && !cached.IsExpired(DefaultSkew) {
		m.logger.WithContext(ctx).Debugf("Using cached access token for integration %s", integration.ID)
		return cached.AccessToken, nil
	}

	token, err := m.refresh(ctx, tokenURL, settings)
	if err != nil {
		return "", err
	}

	ttl := m.calculateTTL(token)
	if err := m.cacheToken(ctx, cacheKey, token, ttl); err != nil {
		m.logger.WithContext(ctx).WithError(err).Warn("Failed to cache access token")
	}

	return token.AccessToken, nil
}

// Invalidate removes a cached token, forcing a refresh on next use
func (m *Manager) Invalidate(ctx context.Context, integrationID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.Invalidate")
	defer span.End()

	return m.cache.Del(ctx, m.cacheKey(integrationID))
}

// refresh exchanges the stored refresh token for a new access token
func (m *Manager) refresh(ctx context.Context, tokenURL string, settings map[string]any) (*CachedToken, error) {
	ctx, span := tracing.StartSpan(ctx, "AuthManager.refresh")
	defer span.End()

	refreshToken := settingString(settings, SettingRefreshToken)
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: token_url set but refresh_token missing", ErrNoCredentials)
	}

	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	if clientID := settingString(settings, SettingClientID); clientID != "" {
		form.Set("client_id", clientID)
	}
	if clientSecret := settingString(settings, SettingClientSecret); clientSecret != "" {
		form.Set("client_secret", clientSecret)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := m.http.Do(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		m.logger.WithContext(ctx).WithFields(map[string]any{
			"status_code": resp.StatusCode,
		}).Warn("Token endpoint rejected refresh")
		return nil, fmt.Errorf("%w: token endpoint returned %d", ErrRefreshFailed, resp.StatusCode)
	}

	var parsed tokenResponse
	if err := json.Unmarshal(resp.Body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	if parsed.AccessToken == "" {
		return nil, fmt.Errorf("%w: response has no access_token", ErrRefreshFailed)
	}

	token := &CachedToken{
		AccessToken: parsed.AccessToken,
		TokenType:   parsed.TokenType,
		CreatedAt:   time.Now().Unix(),
	}
	if parsed.ExpiresIn > 0 {
		token.ExpiresAt = time.Now().Unix() + int64(parsed.ExpiresIn)
	}

	m.logger.WithContext(ctx).Info("Refreshed access token")
	return token, nil
}

// getCachedToken retrieves a token from Redis cache
func (m *Manager) getCachedToken(ctx context.Context, key string) (*CachedToken, error) {
	data, err := m.cache.Get(ctx, key)
	if err != nil {
		return nil, ErrTokenNotFound
	}

	var token CachedToken
	if err := json.Unmarshal([]byte(data), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cached token: %w", err)
	}

	return &token, nil
}

// cacheToken stores a token in Redis cache
func (m *Manager) cacheToken(ctx context.Context, key string, token *CachedToken, ttl time.Duration) error {
	data, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal token: %w", err)
	}

	return m.cache.Set(ctx, key, string(data), ttl)
}

// calculateTTL caches until just before expiry, or DefaultTTL if the provider
// reported none
func (m *Manager) calculateTTL(token *CachedToken) time.Duration {
	if token.ExpiresAt > 0 {
		remaining := token.ExpiresAt - time.Now().Unix() - int64(DefaultSkew.Seconds())
		if remaining > 0 {
			return time.Duration(remaining) * time.Second
		}
	}
	return DefaultTTL
}

func (m *Manager) cacheKey(integrationID uuid.UUID) string {
	return CacheKeyPrefix + integrationID.String()
}

func settingString(settings map[string]any, key string) string {
	if settings == nil {
		return ""
	}
	value, _ := settings[key].(string)
	return value
}
