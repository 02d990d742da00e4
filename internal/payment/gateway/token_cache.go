package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/bookshelf/internal/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const defaultTokenSkew = 60 * time.Second

// AccessToken is a provider client-credentials token.
type AccessToken struct {
	Value     string    `json:"access_token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TokenFetcher func(ctx context.Context) (AccessToken, error)

// TokenCache is the process-wide holder of a provider access token. Concurrent misses
// collapse into one fetch. When redis is configured the token is shared across replicas.
type TokenCache struct {
	mu     sync.RWMutex
	token  AccessToken
	group  singleflight.Group
	fetch  TokenFetcher
	clock  clock.Clock
	skew   time.Duration
	shared *redis.Client
	key    string
	log    *zap.Logger
}

type TokenCacheOptions struct {
	Clock  clock.Clock
	Skew   time.Duration
	Redis  *redis.Client
	Key    string
	Logger *zap.Logger
}

func NewTokenCache(fetch TokenFetcher, opts TokenCacheOptions) *TokenCache {
	c := &TokenCache{
		fetch:  fetch,
		clock:  opts.Clock,
		skew:   opts.Skew,
		shared: opts.Redis,
		key:    strings.TrimSpace(opts.Key),
		log:    opts.Logger,
	}
	if c.clock == nil {
		c.clock = clock.NewSystemClock()
	}
	if c.skew <= 0 {
		c.skew = defaultTokenSkew
	}
	if c.log == nil {
		c.log = zap.NewNop()
	}
	if c.key == "" {
		c.shared = nil
	}
	return c
}

func (c *TokenCache) Get(ctx context.Context) (string, error) {
	if tok, ok := c.local(); ok {
		return tok, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		if tok, ok := c.local(); ok {
			return tok, nil
		}
		if tok, ok := c.loadShared(ctx); ok {
			c.store(tok)
			return tok.Value, nil
		}
		tok, err := c.fetch(ctx)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(tok.Value) == "" {
			return "", errors.New("empty access token")
		}
		c.store(tok)
		c.saveShared(ctx, tok)
		return tok.Value, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate drops the cached token, typically after the provider answered 401.
func (c *TokenCache) Invalidate(ctx context.Context) {
	c.mu.Lock()
	c.token = AccessToken{}
	c.mu.Unlock()
	if c.shared != nil {
		if err := c.shared.Del(ctx, c.key).Err(); err != nil {
			c.log.Warn("failed to drop shared access token", zap.Error(err))
		}
	}
}

func (c *TokenCache) local() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.fresh(c.token) {
		return c.token.Value, true
	}
	return "", false
}

func (c *TokenCache) fresh(tok AccessToken) bool {
	return tok.Value != "" && c.clock.Now().Add(c.skew).Before(tok.ExpiresAt)
}

func (c *TokenCache) store(tok AccessToken) {
	c.mu.Lock()
	c.token = tok
	c.mu.Unlock()
}

func (c *TokenCache) loadShared(ctx context.Context) (AccessToken, bool) {
	if c.shared == nil {
		return AccessToken{}, false
	}
	raw, err := c.shared.Get(ctx, c.key).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.Warn("failed to read shared access token", zap.Error(err))
		}
		return AccessToken{}, false
	}
	var tok AccessToken
	if err := json.Unmarshal(raw, &tok); err != nil || !c.fresh(tok) {
		return AccessToken{}, false
	}
	return tok, true
}

func (c *TokenCache) saveShared(ctx context.Context, tok AccessToken) {
	if c.shared == nil {
		return
	}
	ttl := tok.ExpiresAt.Sub(c.clock.Now()) - c.skew
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(tok)
	if err != nil {
		return
	}
	if err := c.shared.Set(ctx, c.key, raw, ttl).Err(); err != nil {
		c.log.Warn("failed to share access token", zap.Error(err))
	}
}
