package oauth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

type fakeProvider struct {
	logins        atomic.Int32
	refreshes     atomic.Int32
	rejectLogin   bool
	rejectRefresh bool
	expiresIn     int64
	accessToken   string
	lastRefresh   atomic.Value
}

func (p *fakeProvider) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var grant string
		if r.Header.Get("Content-Type") == "application/json" {
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			grant = body["grant_type"]
			assert.Equal(t, "client", body["client_id"])
			assert.Equal(t, "alice", body["username"])
		} else {
			require.NoError(t, r.ParseForm())
			grant = r.PostForm.Get("grant_type")
			p.lastRefresh.Store(r.PostForm.Get("refresh_token"))
		}
		switch grant {
		case "password":
			n := p.logins.Add(1)
			if p.rejectLogin {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
				return
			}
			p.respond(w, fmt.Sprintf("login-%d", n), fmt.Sprintf("refresh-%d", n))
		case "refresh_token":
			n := p.refreshes.Add(1)
			if p.rejectRefresh {
				http.Error(w, `{"error":"invalid_grant"}`, http.StatusUnauthorized)
				return
			}
			p.respond(w, fmt.Sprintf("refreshed-%d", n), "")
		default:
			http.Error(w, "bad grant", http.StatusBadRequest)
		}
	}
}

func (p *fakeProvider) respond(w http.ResponseWriter, access, refresh string) {
	if p.accessToken != "" {
		access = p.accessToken
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"token_type":    "Bearer",
		"expires_in":    p.expiresIn,
	})
}

func newTestManager(t *testing.T, provider *fakeProvider, now time.Time) (*Manager, *RedisTokenStore) {
	t.Helper()
	srv := httptest.NewServer(provider.handler(t))
	t.Cleanup(srv.Close)

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := NewRedisTokenStore(client, shared.TokenKey("milmall"))
	mgr := NewManager(store, ManagerConfig{
		TokenURL: srv.URL + "/oauth/token",
		Credentials: Credentials{
			ClientID:     "client",
			ClientSecret: "secret",
			Username:     "alice",
			Password:     "pw",
		},
		Skew:       DefaultSkew,
		HTTPClient: srv.Client(),
	})
	mgr.WithClock(func() time.Time { return now })
	return mgr, store
}

func TestObtainLogsInWhenNoTokenStored(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{expiresIn: 7200}
	mgr, store := newTestManager(t, provider, now)

	tok, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.Equal(t, "refresh-1", tok.RefreshToken)
	assert.Equal(t, now.Add(time.Hour), tok.ExpiresAt)
	assert.EqualValues(t, 1, provider.logins.Load())

	stored, err := store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, stored.AccessToken)

	// A live token is reused without another grant.
	again, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, tok.AccessToken, again.AccessToken)
	assert.EqualValues(t, 1, provider.logins.Load())
	assert.EqualValues(t, 0, provider.refreshes.Load())
}

func TestObtainRefreshesExpiredTokenOnce(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{expiresIn: 7200}
	mgr, store := newTestManager(t, provider, now)

	require.NoError(t, store.Save(context.Background(), Token{
		AccessToken:  "stale",
		RefreshToken: "keep-me",
		TokenType:    "Bearer",
		ExpiresAt:    now.Add(-time.Minute),
	}))

	tok, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed-1", tok.AccessToken)
	assert.True(t, tok.ExpiresAt.After(now))
	assert.Equal(t, "keep-me", tok.RefreshToken, "omitted refresh token keeps the previous one")
	assert.Equal(t, "keep-me", provider.lastRefresh.Load())
	assert.EqualValues(t, 1, provider.refreshes.Load())
	assert.EqualValues(t, 0, provider.logins.Load())
}

func TestObtainFallsBackToLoginWhenRefreshRejected(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{expiresIn: 7200, rejectRefresh: true}
	mgr, store := newTestManager(t, provider, now)

	require.NoError(t, store.Save(context.Background(), Token{
		AccessToken:  "stale",
		RefreshToken: "revoked",
		ExpiresAt:    now,
	}))

	tok, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.EqualValues(t, 1, provider.refreshes.Load())
	assert.EqualValues(t, 1, provider.logins.Load())
}

func TestObtainLogsInWhenRefreshTokenMissing(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{expiresIn: 7200}
	mgr, store := newTestManager(t, provider, now)

	require.NoError(t, store.Save(context.Background(), Token{AccessToken: "stale", ExpiresAt: now.Add(-time.Hour)}))

	tok, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
	assert.EqualValues(t, 0, provider.refreshes.Load())
}

func TestObtainRebuildsCorruptToken(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{expiresIn: 7200}
	mgr, store := newTestManager(t, provider, now)

	require.NoError(t, store.client.Set(context.Background(), store.key, "{not json", 0).Err())

	tok, err := mgr.Obtain(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "login-1", tok.AccessToken)
}

func TestObtainLoginFailureIsFatal(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	provider := &fakeProvider{rejectLogin: true}
	mgr, _ := newTestManager(t, provider, now)

	_, err := mgr.Obtain(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, shared.ErrLogin)
	assert.True(t, shared.IsAuthFailure(err))
}

func TestUsableLifetime(t *testing.T) {
	now := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	mgr := NewManager(nil, ManagerConfig{Skew: time.Hour})

	assert.Equal(t, time.Hour, mgr.usableLifetime(now, tokenResponse{ExpiresIn: 7200}))
	assert.Equal(t, 30*time.Minute, mgr.usableLifetime(now, tokenResponse{ExpiresIn: 3600}), "skew never consumes the whole lifetime")

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(3 * time.Hour)),
	}).SignedString([]byte("k"))
	require.NoError(t, err)
	assert.Equal(t, 2*time.Hour, mgr.usableLifetime(now, tokenResponse{AccessToken: signed}))

	assert.Equal(t, 30*time.Minute, mgr.usableLifetime(now, tokenResponse{AccessToken: "opaque"}))
}

func TestTokenExpired(t *testing.T) {
	at := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	tok := Token{ExpiresAt: at}
	assert.False(t, tok.Expired(at.Add(-time.Second)))
	assert.True(t, tok.Expired(at))
	assert.Equal(t, "Bearer ", Token{}.Authorization())
}
