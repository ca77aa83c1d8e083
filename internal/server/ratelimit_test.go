// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 GTM Copilot Contributors

package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestLimiter(cfg RateLimitConfig) (*rateLimiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	l := newRateLimiter(cfg, slog.New(slog.DiscardHandler))
	l.now = clock.now
	return l, clock
}

func TestRateLimitConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     RateLimitConfig
		wantErr bool
	}{
		{"disabled", RateLimitConfig{}, false},
		{"valid", RateLimitConfig{RequestsPerSecond: 10, Burst: 5}, false},
		{"negative rate", RateLimitConfig{RequestsPerSecond: -1, Burst: 5}, true},
		{"rate without burst", RateLimitConfig{RequestsPerSecond: 10}, true},
		{"negative visitors", RateLimitConfig{RequestsPerSecond: 10, Burst: 5, MaxVisitors: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, 10000, cfg.MaxVisitors, "default applied")
		})
	}
}

func TestRateLimiter_TokenBucket(t *testing.T) {
	l, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 2, Burst: 3})

	for i := range 3 {
		assert.True(t, l.allow("1.2.3.4"), "burst request %d", i)
	}
	assert.False(t, l.allow("1.2.3.4"))

	clock.advance(500 * time.Millisecond)
	assert.True(t, l.allow("1.2.3.4"), "one token refilled")
	assert.False(t, l.allow("1.2.3.4"))

	clock.advance(time.Hour)
	for range 3 {
		assert.True(t, l.allow("1.2.3.4"))
	}
	assert.False(t, l.allow("1.2.3.4"), "refill is capped at burst")
}

func TestRateLimiter_Sweep(t *testing.T) {
	l, clock := newTestLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, MaxVisitors: 2})

	l.allow("stale")
	clock.advance(staleThreshold + time.Minute)
	for i := range 4 {
		l.allow(fmt.Sprintf("10.0.0.%d", i))
		clock.advance(time.Second)
	}
	require.Equal(t, 5, l.tracked())

	l.sweep()
	assert.Equal(t, 2, l.tracked())

	l.mu.Lock()
	defer l.mu.Unlock()
	assert.NotContains(t, l.visitors, "stale")
	assert.Contains(t, l.visitors, "10.0.0.2", "most recently seen survive")
	assert.Contains(t, l.visitors, "10.0.0.3")
}

func TestRateLimiter_MiddlewareDisabled(t *testing.T) {
	done := make(chan struct{})
	t.Cleanup(func() { close(done) })

	l := newRateLimiter(RateLimitConfig{}, slog.New(slog.DiscardHandler))
	h := l.middleware(done)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for range 100 {
		w := httptest.NewRecorder()
		h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
	}
	assert.Zero(t, l.tracked())
}
