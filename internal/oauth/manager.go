package oauth

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

	"github.com/golang-jwt/jwt/v5"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

const (
	// DefaultSkew is subtracted from the provider's reported lifetime.
	DefaultSkew = time.Hour
	// fallbackLifetime applies when neither expires_in nor a JWT exp claim
	// is available.
	fallbackLifetime = time.Hour
	userAgent        = "punchsync/1.0"
)

// Credentials holds the password grant parameters.
type Credentials struct {
	ClientID     string
	ClientSecret string
	Username     string
	Password     string
}

// ManagerConfig collects the manager dependencies.
type ManagerConfig struct {
	TokenURL    string
	Credentials Credentials
	Skew        time.Duration
	HTTPClient  *http.Client
	Logger      *slog.Logger
}

// Manager hands out valid access tokens, refreshing or logging in again as
// needed. Obtain is a single critical section so concurrent callers never race
// each other's refresh tokens.
type Manager struct {
	mu       sync.Mutex
	store    TokenStore
	tokenURL string
	creds    Credentials
	skew     time.Duration
	client   *http.Client
	logger   *slog.Logger
	clock    func() time.Time
}

// NewManager constructs a Manager.
func NewManager(store TokenStore, cfg ManagerConfig) *Manager {
	skew := cfg.Skew
	if skew < 0 {
		skew = 0
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		store:    store,
		tokenURL: cfg.TokenURL,
		creds:    cfg.Credentials,
		skew:     skew,
		client:   client,
		logger:   logger.With(slog.String("component", "oauth")),
		clock:    time.Now,
	}
}

// WithClock overrides the internal clock for deterministic tests.
func (m *Manager) WithClock(clock func() time.Time) {
	if m != nil && clock != nil {
		m.clock = clock
	}
}

// Obtain returns a token that has not expired.
func (m *Manager) Obtain(ctx context.Context) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tok, err := m.store.Load(ctx)
	switch {
	case errors.Is(err, shared.ErrNotFound):
		m.logger.Info("no stored token, logging in")
		return m.login(ctx)
	case errors.Is(err, ErrTokenCorrupt):
		m.logger.Warn("discarding unusable token", slog.Any("error", err))
		if err := m.store.Delete(ctx); err != nil {
			m.logger.Warn("delete token", slog.Any("error", err))
		}
		return m.login(ctx)
	case err != nil:
		return Token{}, fmt.Errorf("oauth: load token: %w: %w", shared.ErrAuthentication, err)
	}

	if !tok.Expired(m.clock()) {
		return tok, nil
	}

	m.logger.Info("access token expired, refreshing")
	refreshed, err := m.refresh(ctx, tok)
	if err == nil {
		return refreshed, nil
	}
	if errors.Is(err, shared.ErrTokenRefresh) || errors.Is(err, shared.ErrAuthentication) {
		m.logger.Warn("refresh rejected, logging in", slog.Any("error", err))
		return m.login(ctx)
	}
	return Token{}, err
}

// Invalidate drops the stored token so the next Obtain logs in again.
func (m *Manager) Invalidate(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.Delete(ctx)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func (m *Manager) login(ctx context.Context) (Token, error) {
	payload, err := json.Marshal(map[string]string{
		"grant_type":    "password",
		"client_id":     m.creds.ClientID,
		"client_secret": m.creds.ClientSecret,
		"username":      m.creds.Username,
		"password":      m.creds.Password,
	})
	if err != nil {
		return Token{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(string(payload)))
	if err != nil {
		return Token{}, fmt.Errorf("oauth: login: %w: %w", shared.ErrLogin, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, status, body, err := m.exchange(req)
	if err != nil {
		return Token{}, fmt.Errorf("oauth: login: %w: %w", shared.ErrLogin, err)
	}
	if status != http.StatusOK {
		return Token{}, fmt.Errorf("oauth: login: %w: status %d: %s", shared.ErrLogin, status, body)
	}
	if resp.AccessToken == "" {
		return Token{}, fmt.Errorf("oauth: login: %w: response carried no access token", shared.ErrLogin)
	}

	tok := m.tokenFrom(resp, "")
	if err := m.store.Save(ctx, tok); err != nil {
		return Token{}, fmt.Errorf("oauth: login: persist token: %w: %w", shared.ErrLogin, err)
	}
	m.logger.Info("login successful", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

func (m *Manager) refresh(ctx context.Context, current Token) (Token, error) {
	if current.RefreshToken == "" {
		return Token{}, fmt.Errorf("oauth: refresh: %w: refresh token missing", shared.ErrAuthentication)
	}
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", m.creds.ClientID)
	form.Set("client_secret", m.creds.ClientSecret)
	form.Set("refresh_token", current.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return Token{}, fmt.Errorf("oauth: refresh: %w: %w", shared.ErrTokenRefresh, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, status, body, err := m.exchange(req)
	if err != nil {
		return Token{}, fmt.Errorf("oauth: refresh: %w", err)
	}
	if status != http.StatusOK || resp.AccessToken == "" {
		return Token{}, fmt.Errorf("oauth: refresh: %w: status %d: %s", shared.ErrTokenRefresh, status, body)
	}

	tok := m.tokenFrom(resp, current.RefreshToken)
	if err := m.store.Save(ctx, tok); err != nil {
		return Token{}, fmt.Errorf("oauth: refresh: persist token: %w: %w", shared.ErrTokenRefresh, err)
	}
	m.logger.Info("token refreshed", slog.Time("expires_at", tok.ExpiresAt))
	return tok, nil
}

// exchange performs the token request. Transport failures wrap
// shared.ErrNetwork; a body that is not JSON is returned with a zero
// response so callers can report the raw text.
func (m *Manager) exchange(req *http.Request) (tokenResponse, int, string, error) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	res, err := m.client.Do(req)
	if err != nil {
		return tokenResponse{}, 0, "", fmt.Errorf("%w: %v", shared.ErrNetwork, err)
	}
	defer func() {
		_ = res.Body.Close()
	}()
	raw, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return tokenResponse{}, res.StatusCode, "", fmt.Errorf("%w: read body: %v", shared.ErrNetwork, err)
	}
	var out tokenResponse
	if res.StatusCode == http.StatusOK {
		_ = json.Unmarshal(raw, &out)
	}
	return out, res.StatusCode, string(raw), nil
}

// tokenFrom builds the stored token. A response without a refresh token
// keeps the previous one.
func (m *Manager) tokenFrom(resp tokenResponse, previousRefresh string) Token {
	now := m.clock()
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	refresh := resp.RefreshToken
	if refresh == "" {
		refresh = previousRefresh
	}
	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: refresh,
		TokenType:    tokenType,
		ExpiresAt:    now.Add(m.usableLifetime(now, resp)),
	}
}

// usableLifetime is the reported lifetime minus the skew. When the skew would
// consume the whole lifetime, half of it is used instead.
func (m *Manager) usableLifetime(now time.Time, resp tokenResponse) time.Duration {
	lifetime := time.Duration(resp.ExpiresIn) * time.Second
	if lifetime <= 0 {
		if exp, ok := jwtExpiry(resp.AccessToken); ok {
			lifetime = exp.Sub(now)
		}
	}
	if lifetime <= 0 {
		lifetime = fallbackLifetime
	}
	if usable := lifetime - m.skew; usable > 0 {
		return usable
	}
	return lifetime / 2
}

// jwtExpiry reads the exp claim without verifying the signature; the token is
// only inspected, never trusted.
func jwtExpiry(raw string) (time.Time, bool) {
	if strings.Count(raw, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(raw, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
