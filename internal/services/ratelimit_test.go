package services

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

func TestNewClientRateLimiter(t *testing.T) {
	logger := slog.Default()
	limiter := NewClientRateLimiter(rate.Limit(10), 5, logger)

	assert.NotNil(t, limiter)
	assert.Equal(t, rate.Limit(10), limiter.r)
	assert.Equal(t, 5, limiter.b)
	assert.NotNil(t, limiter.clients)
}

func TestClientRateLimiter_GetLimiter(t *testing.T) {
	limiter := NewClientRateLimiter(rate.Limit(10), 5, slog.Default())

	l1 := limiter.GetLimiter("ws_key_1")
	assert.Equal(t, rate.Limit(10), l1.Limit())
	assert.Equal(t, 5, l1.Burst())
	assert.Same(t, l1, limiter.GetLimiter("ws_key_1"))
	assert.NotSame(t, l1, limiter.GetLimiter("1.1.1.1"))
}

func TestClientRateLimiter_Allow(t *testing.T) {
	limiter := NewClientRateLimiter(rate.Limit(0.001), 2, slog.Default())
	assert.True(t, limiter.Allow("c"))
	assert.True(t, limiter.Allow("c"))
	assert.False(t, limiter.Allow("c"))
	assert.True(t, limiter.Allow("other"))
}

func TestClientRateLimiter_Evict(t *testing.T) {
	limiter := NewClientRateLimiter(rate.Limit(1), 1, slog.Default())
	now := time.Now()
	limiter.now = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		limiter.GetLimiter(fmt.Sprintf("old-%d", i))
	}
	now = now.Add(time.Hour)
	limiter.GetLimiter("fresh")

	assert.Equal(t, 10, limiter.Evict(30*time.Minute))
	assert.Len(t, limiter.clients, 1)
	assert.Contains(t, limiter.clients, "fresh")
}

func TestClientRateLimiter_StartCleanup(t *testing.T) {
	limiter := NewClientRateLimiter(rate.Limit(1), 1, slog.Default())
	limiter.GetLimiter("idle")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		limiter.StartCleanup(ctx, 5*time.Millisecond, 0)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		limiter.mu.Lock()
		defer limiter.mu.Unlock()
		return len(limiter.clients) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
