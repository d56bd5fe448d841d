package middleware

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestRateLimiter_Middleware_AllowsWithinBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 2}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "test-client")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRateLimiter_Middleware_RejectsOverBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "burst-client")
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_ClientIdentity_SeparatesAPIKeys(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, BurstSize: 1}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	for _, key := range []string{"client-a", "client-b"} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", key)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code, "client %s should get its own limit", key)
	}
}

func TestRateLimiter_EndpointLimits_OverrideDefault(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond: 100,
		BurstSize:         100,
		EndpointLimits: map[string]EndpointLimit{
			"webhooks": {Path: "/v1/webhooks", RequestsPerSecond: 1, BurstSize: 1},
		},
	}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/github", nil)
		req.Header.Set("X-API-Key", "webhook-client")
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestRateLimiter_BanAfterRepeatedViolations(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond:      1,
		BurstSize:              1,
		MaxRequestsPerIPPerMin: 1,
		BanDuration:            time.Hour,
	}, zap.NewNop())

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	mkReq := func() *http.Request {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("X-API-Key", "repeat-offender")
		return req
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	require.Equal(t, http.StatusOK, rec.Code)

	// Two more requests exceed both the per-second limit and the ban
	// threshold, so the client should end up banned.
	for i := 0; i < 2; i++ {
		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, mkReq())
	}

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, mkReq())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := &CircuitBreaker{
		state:           "closed",
		errorThreshold:  2,
		errorWindow:     time.Minute,
		recoveryTimeout: 50 * time.Millisecond,
	}

	assert.True(t, cb.Allow())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.False(t, cb.Allow(), "circuit should open once failures reach the threshold")

	time.Sleep(60 * time.Millisecond)
	assert.True(t, cb.Allow(), "circuit should move to half-open after the recovery timeout")
	cb.RecordSuccess()
	assert.True(t, cb.Allow())
}

func TestRateLimiter_ConcurrentAccess(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 100, BurstSize: 200}, zap.NewNop())
	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(clientID int) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				req := httptest.NewRequest(http.MethodGet, "/", nil)
				req.Header.Set("X-API-Key", fmt.Sprintf("client-%d", clientID))
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, req)
			}
		}(i)
	}
	wg.Wait()
}
