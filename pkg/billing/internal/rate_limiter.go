package internal

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a fixed-window per-client limiter for webhook endpoints.
type RateLimiter struct {
	mu         sync.Mutex
	clients    map[string]*window
	limit      int
	period     time.Duration
	trustProxy bool
	now        func() time.Time

	calls        int
	sweepEvery   int
	sweepAtCount int
}

type window struct {
	count   int
	resetAt time.Time
}

// NewRateLimiter allows limit requests per client per period. When trustProxy
// is set the first X-Forwarded-For entry identifies the client.
func NewRateLimiter(limit int, period time.Duration, trustProxy bool) *RateLimiter {
	return &RateLimiter{
		clients:      make(map[string]*window),
		limit:        limit,
		period:       period,
		trustProxy:   trustProxy,
		now:          time.Now,
		sweepEvery:   100,
		sweepAtCount: 200,
	}
}

// Allow records a request from client and reports whether it is within the
// limit, plus the time the client's window resets.
func (rl *RateLimiter) Allow(client string) (bool, time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.calls++
	if rl.calls >= rl.sweepEvery || len(rl.clients) > rl.sweepAtCount {
		rl.sweep(now)
		rl.calls = 0
	}

	w, ok := rl.clients[client]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(rl.period)}
		rl.clients[client] = w
	}
	if w.count >= rl.limit {
		return false, w.resetAt
	}
	w.count++
	return true, w.resetAt
}

func (rl *RateLimiter) sweep(now time.Time) {
	for client, w := range rl.clients {
		if !now.Before(w.resetAt) {
			delete(rl.clients, client)
		}
	}
}

// Len returns the number of tracked clients.
func (rl *RateLimiter) Len() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// Middleware rejects requests over the limit with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ok, resetAt := rl.Allow(ClientIP(r, rl.trustProxy))
		if !ok {
			retry := int(time.Until(resetAt).Seconds()) + 1
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			WriteJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientIP returns the request's client address without the port.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			if ip := strings.TrimSpace(strings.Split(xff, ",")[0]); ip != "" {
				return ip
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
