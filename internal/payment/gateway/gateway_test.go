package gateway

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/smallbiznis/bookshelf/internal/clock"
	"github.com/smallbiznis/bookshelf/internal/payment/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{MaxAttempts: attempts, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
}

func TestCallRetriesTransient(t *testing.T) {
	var calls int32
	got, err := Call(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return "", domain.ClassifyStatus("paypal", "create_order", http.StatusServiceUnavailable, "", "unavailable")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", got)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCallStopsAfterMaxAttempts(t *testing.T) {
	var calls int32
	_, err := Call(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", domain.ClassifyStatus("paypal", "create_order", http.StatusBadGateway, "", "bad gateway")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayTransient)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestCallDoesNotRetryClientErrors(t *testing.T) {
	var calls int32
	_, err := Call(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "", domain.ClassifyStatus("stripe", "create_order", http.StatusBadRequest, "invalid_request", "bad amount")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayFatal)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	var gwErr *domain.GatewayError
	require.True(t, errors.As(err, &gwErr))
	assert.Equal(t, http.StatusBadRequest, gwErr.Status)
}

func TestCallReportsTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := Call(ctx, fastPolicy(3), func(ctx context.Context) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrGatewayTimeout)
}

func TestClassifyStatus(t *testing.T) {
	assert.True(t, domain.ClassifyStatus("p", "op", 500, "", "").Retryable)
	assert.True(t, domain.ClassifyStatus("p", "op", 429, "", "").Retryable)
	assert.False(t, domain.ClassifyStatus("p", "op", 422, "", "").Retryable)
	assert.False(t, domain.ClassifyStatus("p", "op", 401, "", "").Retryable)
}

func TestTokenCacheCollapsesConcurrentFetches(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var fetches int32
	release := make(chan struct{})
	cache := NewTokenCache(func(ctx context.Context) (AccessToken, error) {
		atomic.AddInt32(&fetches, 1)
		<-release
		return AccessToken{Value: "tok-1", ExpiresAt: clk.Now().Add(time.Hour)}, nil
	}, TokenCacheOptions{Clock: clk})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := cache.Get(context.Background())
			if err == nil {
				results[i] = tok
			}
		}(i)
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
	for _, tok := range results {
		assert.Equal(t, "tok-1", tok)
	}
}

func TestTokenCacheRefreshesBeforeExpiry(t *testing.T) {
	clk := clock.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	var fetches int32
	cache := NewTokenCache(func(ctx context.Context) (AccessToken, error) {
		n := atomic.AddInt32(&fetches, 1)
		return AccessToken{Value: "tok-" + string(rune('0'+n)), ExpiresAt: clk.Now().Add(10 * time.Minute)}, nil
	}, TokenCacheOptions{Clock: clk, Skew: time.Minute})

	tok, err := cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	clk.Advance(8 * time.Minute)
	tok, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-1", tok)

	// Inside the skew window the token is treated as expired.
	clk.Advance(90 * time.Second)
	tok, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-2", tok)

	cache.Invalidate(context.Background())
	tok, err = cache.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "tok-3", tok)
}

func TestTokenCachePropagatesFetchError(t *testing.T) {
	cache := NewTokenCache(func(ctx context.Context) (AccessToken, error) {
		return AccessToken{}, errors.New("boom")
	}, TokenCacheOptions{})
	_, err := cache.Get(context.Background())
	require.Error(t, err)
}
