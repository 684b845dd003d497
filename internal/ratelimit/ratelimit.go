// Package ratelimit counts requests per client key in fixed windows held in a bounded LRU.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	DefaultLimit   = 60
	DefaultMaxKeys = 500
	DefaultWindow  = time.Minute
)

type Config struct {
	// Limit is the number of requests allowed per key in one window.
	Limit      int
	Window     time.Duration
	MaxKeys    int
	// TrustProxy keys requests by X-Forwarded-For and X-Real-IP. Enable it only behind a
	// proxy that overwrites those headers; otherwise any client can pick its own key.
	TrustProxy bool
}

type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter forgets the least recently seen keys once MaxKeys is reached, so a flood of distinct
// clients cannot grow it without bound.
type Limiter struct {
	mu      sync.Mutex
	cfg     Config
	windows *lru.LRU[string, *window]
	now     func() time.Time
}

func New(cfg Config) *Limiter {
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = DefaultMaxKeys
	}
	return &Limiter{
		cfg:     cfg,
		windows: lru.NewLRU[string, *window](cfg.MaxKeys, nil, cfg.Window),
		now:     time.Now,
	}
}

// Allow records one request for key.
func (l *Limiter) Allow(key string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows.Get(key)
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(l.cfg.Window)}
		l.windows.Add(key, w)
	}

	if w.count >= l.cfg.Limit {
		return Result{Allowed: false, Limit: l.cfg.Limit, Remaining: 0, ResetAt: w.resetAt}
	}
	w.count++
	return Result{Allowed: true, Limit: l.cfg.Limit, Remaining: l.cfg.Limit - w.count, ResetAt: w.resetAt}
}

// Len reports how many keys are tracked.
func (l *Limiter) Len() int {
	return l.windows.Len()
}

// AllowRequest records one request for the client that sent r.
func (l *Limiter) AllowRequest(r *http.Request) Result {
	return l.Allow(ClientIP(r, l.cfg.TrustProxy))
}

// ClientIP returns the host of RemoteAddr. With trustProxy it prefers the first
// X-Forwarded-For entry, then X-Real-IP.
func ClientIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
