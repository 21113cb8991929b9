package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ClientRateLimiter keeps one token bucket per API client (workspace key or IP).
type ClientRateLimiter struct {
	clients map[string]*clientLimiter
	mu      sync.Mutex
	r       rate.Limit
	b       int
	logger  *slog.Logger
	now     func() time.Time
}

func NewClientRateLimiter(r rate.Limit, b int, logger *slog.Logger) *ClientRateLimiter {
	return &ClientRateLimiter{
		clients: make(map[string]*clientLimiter),
		r:       r,
		b:       b,
		logger:  logger,
		now:     time.Now,
	}
}

func (l *ClientRateLimiter) GetLimiter(client string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	c, exists := l.clients[client]
	if !exists {
		c = &clientLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.clients[client] = c
	}
	c.lastSeen = l.now()
	return c.limiter
}

func (l *ClientRateLimiter) Allow(client string) bool {
	return l.GetLimiter(client).Allow()
}

// Evict drops clients idle for longer than idle and returns how many were removed.
func (l *ClientRateLimiter) Evict(idle time.Duration) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-idle)
	removed := 0
	for k, c := range l.clients {
		if c.lastSeen.Before(cutoff) {
			delete(l.clients, k)
			removed++
		}
	}
	return removed
}

func (l *ClientRateLimiter) StartCleanup(ctx context.Context, interval, idle time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if n := l.Evict(idle); n > 0 {
				l.logger.Debug("Evicted idle rate limiters", "count", n)
			}
		case <-ctx.Done():
			return
		}
	}
}
