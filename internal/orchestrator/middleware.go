package orchestrator

import (
	"context"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qiminjie89/fleetsys/pkg/logger"
	"github.com/qiminjie89/fleetsys/pkg/metrics"
)

// ipLimiter 单个来源的限流器
type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// rateLimiter 按来源 IP 限流，空闲条目定期回收
type rateLimiter struct {
	mu       sync.Mutex
	visitors map[string]*ipLimiter
	limit    rate.Limit
	burst    int
}

func newRateLimiter(ctx context.Context, requests int, window time.Duration) *rateLimiter {
	rl := &rateLimiter{
		visitors: make(map[string]*ipLimiter),
		limit:    rate.Limit(float64(requests) / window.Seconds()),
		burst:    requests,
	}
	go rl.cleanup(ctx)
	return rl
}

func (rl *rateLimiter) allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.visitors[ip]
	if !ok {
		v = &ipLimiter{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	return v.limiter.Allow()
}

func (rl *rateLimiter) cleanup(ctx context.Context) {
	ticker := time.NewTicker(3 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rl.evictIdle(10 * time.Minute)
		}
	}
}

func (rl *rateLimiter) evictIdle(idle time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	for ip, v := range rl.visitors {
		if time.Since(v.lastSeen) > idle {
			delete(rl.visitors, ip)
		}
	}
}

// rateLimitMiddleware 按来源 IP 限流，rate_limit <= 0 时禁用
func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	if s.cfg.Server.RateLimit <= 0 {
		return next
	}

	rl := newRateLimiter(s.loopCtx, s.cfg.Server.RateLimit, s.cfg.Server.RateLimitWindow)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := realIP(r, s.cfg.Server.TrustProxy)
		if !rl.allow(ip) {
			logger.Warn("rate limit exceeded", zap.String("ip", ip), zap.String("path", r.URL.Path))
			http.Error(w, "too many requests", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder 记录响应状态码
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(code int) {
	sr.status = code
	sr.ResponseWriter.WriteHeader(code)
}

// loggingMiddleware 记录请求日志并上报耗时指标
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// websocket 升级后不能包装 ResponseWriter
		if r.URL.Path == "/ws/events" {
			next.ServeHTTP(w, r)
			return
		}

		start := time.Now()
		sr := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sr, r)

		metrics.APIRequestDuration.WithLabelValues(r.URL.Path).Observe(time.Since(start).Seconds())
		logger.Debug("api request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", sr.status),
			zap.Duration("elapsed", time.Since(start)))
	})
}

// realIP 获取真实客户端 IP，仅在信任代理时读取转发头
func realIP(r *http.Request, trustProxy bool) string {
	if trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			parts := strings.Split(xff, ",")
			return strings.TrimSpace(parts[0])
		}
		if xri := r.Header.Get("X-Real-IP"); xri != "" {
			return xri
		}
	}

	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
