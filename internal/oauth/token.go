// Package oauth persists the ERP access token and keeps it valid.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/odyssey-erp/punchsync/internal/shared"
)

// ErrTokenCorrupt marks a stored token document that cannot be used. The
// manager discards such documents and logs in again.
var ErrTokenCorrupt = errors.New("oauth: stored token corrupt")

// Token is the single credential bound to the remote API.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Expired reports whether the token may no longer be used at now.
func (t Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Authorization renders the Authorization header value.
func (t Token) Authorization() string {
	typ := t.TokenType
	if typ == "" {
		typ = "Bearer"
	}
	return typ + " " + t.AccessToken
}

// TokenStore persists exactly one token. Save replaces any prior record.
type TokenStore interface {
	Load(ctx context.Context) (Token, error)
	Save(ctx context.Context, token Token) error
	Delete(ctx context.Context) error
}

func decodeToken(raw []byte) (Token, error) {
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrTokenCorrupt, err)
	}
	if tok.AccessToken == "" || tok.ExpiresAt.IsZero() {
		return Token{}, fmt.Errorf("%w: missing access token or expiry", ErrTokenCorrupt)
	}
	return tok, nil
}

// RedisTokenStore keeps the token under a single redis key.
type RedisTokenStore struct {
	client redis.Cmdable
	key    string
}

// NewRedisTokenStore constructs the store.
func NewRedisTokenStore(client redis.Cmdable, key string) *RedisTokenStore {
	return &RedisTokenStore{client: client, key: key}
}

// Load returns shared.ErrNotFound when no token has been saved yet.
func (s *RedisTokenStore) Load(ctx context.Context) (Token, error) {
	raw, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, shared.ErrNotFound
	}
	if err != nil {
		return Token{}, fmt.Errorf("oauth: redis load: %w", err)
	}
	return decodeToken(raw)
}

// Save replaces the stored token.
func (s *RedisTokenStore) Save(ctx context.Context, token Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, raw, 0).Err(); err != nil {
		return fmt.Errorf("oauth: redis save: %w", err)
	}
	return nil
}

// Delete removes the stored token.
func (s *RedisTokenStore) Delete(ctx context.Context) error {
	if err := s.client.Del(ctx, s.key).Err(); err != nil {
		return fmt.Errorf("oauth: redis delete: %w", err)
	}
	return nil
}

// KV is the key-value half of the punch store.
type KV interface {
	KVGet(ctx context.Context, namespace string) ([]byte, error)
	KVPut(ctx context.Context, namespace string, doc []byte) error
	KVDelete(ctx context.Context, namespace string) error
}

// KVTokenStore keeps the token as a document in the punch store.
type KVTokenStore struct {
	kv        KV
	namespace string
}

// NewKVTokenStore constructs the store.
func NewKVTokenStore(kv KV, namespace string) *KVTokenStore {
	return &KVTokenStore{kv: kv, namespace: namespace}
}

// Load returns shared.ErrNotFound when no token has been saved yet.
func (s *KVTokenStore) Load(ctx context.Context) (Token, error) {
	raw, err := s.kv.KVGet(ctx, s.namespace)
	if err != nil {
		return Token{}, err
	}
	return decodeToken(raw)
}

// Save replaces the stored token.
func (s *KVTokenStore) Save(ctx context.Context, token Token) error {
	raw, err := json.Marshal(token)
	if err != nil {
		return err
	}
	return s.kv.KVPut(ctx, s.namespace, raw)
}

// Delete removes the stored token.
func (s *KVTokenStore) Delete(ctx context.Context) error {
	return s.kv.KVDelete(ctx, s.namespace)
}

var (
	_ TokenStore = (*RedisTokenStore)(nil)
	_ TokenStore = (*KVTokenStore)(nil)
)
