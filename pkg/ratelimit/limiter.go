package ratelimit

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages multiple rate limiters for different upstreams
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex
}

// NewMultiLimiter creates a new multi-limiter
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// AddLimiter adds a new rate limiter for an upstream
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// Wait blocks until the limiter allows an event
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return false
	}

	return limiter.Allow()
}

// Reserve returns a reservation for a future event
func (m *MultiLimiter) Reserve(name string) (*rate.Reservation, error) {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("limiter %s not found", name)
	}

	return limiter.Reserve(), nil
}

// Default rate limiter names
const (
	LimiterOpenMeteo  = "openmeteo"
	LimiterAirQuality = "airquality"
	LimiterFeeds      = "feeds"
	LimiterNotices    = "notices"
	LimiterOpenData   = "opendata"
)

// NewDefaultLimiter creates a limiter with default rate limits
func NewDefaultLimiter() *MultiLimiter {
	m := NewMultiLimiter()

	// Open-Meteo forecast API: free tier allows 10k/day - 2 per second, burst 5
	m.AddLimiter(LimiterOpenMeteo, 2, 5)

	// Open-Meteo air quality API: same tier, keep it gentler - 1 per second, burst 5
	m.AddLimiter(LimiterAirQuality, 1, 5)

	// Feeds: no strict limit, but be polite - 1 per second, burst 10
	m.AddLimiter(LimiterFeeds, 1, 10)

	// Municipal notice pages: very polite - 1 every 2 seconds, burst 2
	m.AddLimiter(LimiterNotices, 0.5, 2)

	// Open-data portal CSV downloads: 1 every 5 seconds, burst 1
	m.AddLimiter(LimiterOpenData, 0.2, 1)

	return m
}
