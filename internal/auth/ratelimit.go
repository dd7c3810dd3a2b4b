package auth

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/csai/battle-agent/internal/config"
	"github.com/csai/battle-agent/internal/metrics"
)

// minIdle is the shortest time an address is remembered after its last request.
const minIdle = 10 * time.Minute

type RateLimiter struct {
	cfg       config.RateLimitConfig
	global    *rate.Limiter
	mu        sync.Mutex
	perIP     map[string]*ipLimiter
	idle      time.Duration
	now       func() time.Time
	nextSweep time.Time
	metrics   *metrics.Registry
}

type ipLimiter struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(cfg config.RateLimitConfig, reg *metrics.Registry) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		global:  rate.NewLimiter(rate.Limit(cfg.GlobalRPS), cfg.GlobalBurst),
		perIP:   map[string]*ipLimiter{},
		idle:    idleTTL(cfg),
		now:     time.Now,
		metrics: reg,
	}
}

// idleTTL keeps an address at least until its bucket would have refilled,
// so forgetting it never hands out a fresh burst early.
func idleTTL(cfg config.RateLimitConfig) time.Duration {
	if cfg.PerIPRPS <= 0 {
		return minIdle
	}
	refill := time.Duration(float64(cfg.PerIPBurst) / cfg.PerIPRPS * float64(time.Second))
	return max(refill, minIdle)
}

func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	if !rl.cfg.Enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.allow(parseIP(r.RemoteAddr)) {
			if rl.metrics != nil {
				rl.metrics.IncRateLimited()
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"code":"throttled","message":"Rate limit exceeded.","details":null}}`))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allow charges the per-IP bucket before the global one so a single noisy
// client cannot drain the shared budget.
func (rl *RateLimiter) allow(ip string) bool {
	if !rl.limiterFor(ip).Allow() {
		return false
	}
	return rl.global.Allow()
}

func (rl *RateLimiter) limiterFor(ip string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	if !now.Before(rl.nextSweep) {
		for addr, l := range rl.perIP {
			if now.Sub(l.lastSeen) > rl.idle {
				delete(rl.perIP, addr)
			}
		}
		rl.nextSweep = now.Add(rl.idle / 2)
	}
	l, ok := rl.perIP[ip]
	if !ok {
		l = &ipLimiter{lim: rate.NewLimiter(rate.Limit(rl.cfg.PerIPRPS), rl.cfg.PerIPBurst)}
		rl.perIP[ip] = l
	}
	l.lastSeen = now
	return l.lim
}

func (rl *RateLimiter) tracked() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.perIP)
}

func parseIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil || host == "" {
		return remoteAddr
	}
	return host
}
