package api

import (
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/warp/booking-engine/engine"
)

// =============================================================================
// REQUEST LOGGING
// =============================================================================

// requestLogger logs one line per request with the chi request id.
func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			fields := []zap.Field{
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", status),
				zap.Int("bytes", ww.BytesWritten()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", requestID(r)),
			}
			if status >= http.StatusInternalServerError {
				logger.Warn("request", fields...)
				return
			}
			logger.Info("request", fields...)
		})
	}
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}

// =============================================================================
// RATE LIMITING - Token bucket per client address
// =============================================================================

// idleLimiterTTL is how long an unused client bucket is kept.
const idleLimiterTTL = 10 * time.Minute

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	clients map[string]*clientLimiter
	every   rate.Limit
	burst   int
	logger  *zap.Logger
	swept   time.Time
}

// newRateLimiter allows perMinute requests per client per minute, all of
// which may arrive at once.
func newRateLimiter(perMinute int, logger *zap.Logger) *rateLimiter {
	return &rateLimiter{
		clients: make(map[string]*clientLimiter),
		every:   rate.Every(time.Minute / time.Duration(perMinute)),
		burst:   perMinute,
		logger:  logger,
		swept:   time.Now(),
	}
}

func (rl *rateLimiter) get(client string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Sub(rl.swept) > idleLimiterTTL {
		for key, c := range rl.clients {
			if now.Sub(c.lastSeen) > idleLimiterTTL {
				delete(rl.clients, key)
			}
		}
		rl.swept = now
	}

	c, ok := rl.clients[client]
	if !ok {
		c = &clientLimiter{limiter: rate.NewLimiter(rl.every, rl.burst)}
		rl.clients[client] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (rl *rateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientAddr(r)
		if !rl.get(client).Allow() {
			rl.logger.Warn("rate limit exceeded", zap.String("client", client))
			writeJSON(w, http.StatusTooManyRequests, ErrorResponse{
				Error: "rate limit exceeded, try again later",
				Code:  "rate_limited",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientAddr strips the port; middleware.RealIP has already applied proxy headers.
func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// =============================================================================
// ACTOR
// =============================================================================

// Identity is established upstream; the gateway forwards it in headers.
const (
	headerUserID = "X-User-ID"
	headerRoles  = "X-User-Roles"
)

var errNoActor = errors.New(headerUserID + " header is required")

func actorFromRequest(r *http.Request) (engine.Actor, error) {
	id := strings.TrimSpace(r.Header.Get(headerUserID))
	if id == "" {
		return engine.Actor{}, errNoActor
	}
	actor := engine.Actor{ID: engine.UserID(id)}
	for _, role := range strings.Split(r.Header.Get(headerRoles), ",") {
		if role = strings.TrimSpace(strings.ToLower(role)); role != "" {
			actor.Roles = append(actor.Roles, engine.Role(role))
		}
	}
	return actor, nil
}
