// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Keyrelay Contributors

package server

import (
	"log/slog"
	"net"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/time/rate"

	keyerr "github.com/keyrelay-dev/keyrelay/pkg/errors"
)

const (
	defaultMaxVisitors = 10000
	visitorTTL         = 10 * time.Minute
	sweepInterval      = 5 * time.Minute
)

// RateLimitConfig configures per-IP limiting.
type RateLimitConfig struct {
	// RequestsPerSecond is the sustained rate per IP; zero disables limiting.
	RequestsPerSecond float64
	Burst             int
	// MaxVisitors caps tracked IPs; the least recently seen are evicted
	// first. Zero means 10000.
	MaxVisitors int
}

// Validate rejects impossible settings and fills defaults.
func (c *RateLimitConfig) Validate() error {
	if c.RequestsPerSecond < 0 {
		return keyerr.Errorf(keyerr.CodeServerConfigInvalid, "rate limit must not be negative, got %g", c.RequestsPerSecond)
	}
	if c.RequestsPerSecond > 0 && c.Burst <= 0 {
		return keyerr.Errorf(keyerr.CodeServerConfigInvalid, "rate limit burst must be positive, got %d", c.Burst)
	}
	if c.MaxVisitors < 0 {
		return keyerr.Errorf(keyerr.CodeServerConfigInvalid, "rate limit max visitors must not be negative, got %d", c.MaxVisitors)
	}
	if c.MaxVisitors == 0 {
		c.MaxVisitors = defaultMaxVisitors
	}
	return nil
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// visitors holds one token bucket per client IP.
type visitors struct {
	mu    sync.Mutex
	byIP  map[string]*visitor
	limit rate.Limit
	burst int
	max   int
	now   func() time.Time
}

func newVisitors(cfg RateLimitConfig) *visitors {
	return &visitors{
		byIP:  make(map[string]*visitor),
		limit: rate.Limit(cfg.RequestsPerSecond),
		burst: cfg.Burst,
		max:   cfg.MaxVisitors,
		now:   time.Now,
	}
}

func (v *visitors) allow(ip string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	vis, ok := v.byIP[ip]
	if !ok {
		vis = &visitor{limiter: rate.NewLimiter(v.limit, v.burst)}
		v.byIP[ip] = vis
	}
	vis.lastSeen = now
	return vis.limiter.AllowN(now, 1)
}

// sweep drops idle visitors, then evicts the oldest beyond the cap. It
// returns the number evicted for the cap.
func (v *visitors) sweep() int {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for ip, vis := range v.byIP {
		if now.Sub(vis.lastSeen) > visitorTTL {
			delete(v.byIP, ip)
		}
	}
	if v.max <= 0 || len(v.byIP) <= v.max {
		return 0
	}

	ips := make([]string, 0, len(v.byIP))
	for ip := range v.byIP {
		ips = append(ips, ip)
	}
	slices.SortFunc(ips, func(a, b string) int {
		return v.byIP[a].lastSeen.Compare(v.byIP[b].lastSeen)
	})
	evict := len(ips) - v.max
	for _, ip := range ips[:evict] {
		delete(v.byIP, ip)
	}
	return evict
}

func (v *visitors) size() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.byIP)
}

// rateLimitMiddleware enforces cfg per client IP. It passes everything
// through when the rate is zero. The sweeper exits when done closes.
func rateLimitMiddleware(cfg RateLimitConfig, logger *slog.Logger, done <-chan struct{}) func(http.Handler) http.Handler {
	if cfg.RequestsPerSecond <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	vs := newVisitors(cfg)
	go func() {
		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n := vs.sweep(); n > 0 {
					logger.Warn("rate limiter evicted visitors over cap", "evicted", n, "max_visitors", cfg.MaxVisitors)
				}
			case <-done:
				return
			}
		}
	}()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !vs.allow(ip) {
				logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_, _ = w.Write([]byte(`{"error":"rate limit exceeded"}`))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// clientIP strips the port so one client cannot open a bucket per
// connection. RealIP has already rewritten RemoteAddr when proxied.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
