package mw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

type RL struct {
	mu    sync.Mutex
	m     map[string]*keyLimiter
	r     rate.Limit
	b     int
	ttl   time.Duration
	stop  chan struct{}
	start sync.Once
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// Allow 消耗 key 对应令牌桶中的一个令牌。
func (rl *RL) Allow(key string) bool { return rl.get(key).Allow() }

func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
}

func (rl *RL) gc() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	select {
	case <-rl.stop:
	default:
		close(rl.stop)
	}
}

// KeyFunc 决定请求归属的令牌桶。
type KeyFunc func(c *gin.Context) string

// ByIPAndRoute 以 IP+路由为 key。
func ByIPAndRoute(c *gin.Context) string {
	path := c.FullPath()
	if path == "" {
		path = c.Request.URL.Path
	}
	return clientIP(c.Request.RemoteAddr) + "|" + path
}

// ByUserOrIP 已认证请求按用户计数，否则按 IP；需放在认证中间件之后。
func ByUserOrIP(c *gin.Context) string {
	if v, ok := c.Get("userID"); ok {
		if id, ok := v.(uint); ok && id != 0 {
			return "u:" + strconv.FormatUint(uint64(id), 10) + "|" + c.FullPath()
		}
	}
	return ByIPAndRoute(c)
}

// RateLimit 返回一个基于 IP+路径的令牌桶限速中间件。
func RateLimit(r rate.Limit, burst int) gin.HandlerFunc {
	return NewRateLimiter(r, burst, 2*time.Minute).Middleware(ByIPAndRoute)
}

// Middleware 按 key 限速，首次调用时启动 GC goroutine。
func (rl *RL) Middleware(key KeyFunc) gin.HandlerFunc {
	rl.start.Do(func() { go rl.gc() })
	return func(c *gin.Context) {
		if !rl.Allow(key(c)) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "too many requests", "code": "RATE_LIMITED"})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
