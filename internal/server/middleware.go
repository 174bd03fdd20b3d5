package server

import (
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/apperrors"
	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	accessTokenQueryParam = "access_token"
	limiterIdleTTL        = 10 * time.Minute
	limiterSweepEvery     = 1024
)

// authorizeRequest validates the session token and stores the canonical actor id on the context.
// Stream clients that cannot set headers may pass the token as access_token.
func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := h.sessions.TokenFromRequest(c.Request)
	if token == "" {
		token = strings.TrimSpace(c.Query(accessTokenQueryParam))
	}
	claims, err := h.sessions.ValidateToken(token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) || errors.Is(err, auth.ErrMissingSessionToken) {
			h.logger.Info("token validation failed", zap.Error(err))
		} else {
			h.logger.Warn("token validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthenticated", Message: "session missing or invalid"})
		return
	}
	actorID, err := h.actors.Resolve(c.Request.Context(), claims)
	if err != nil {
		if apperrors.IsKind(err, apperrors.KindValidation) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorPayload{Error: "unauthenticated", Code: apperrors.CodeOf(err), Message: "session has no usable subject"})
			return
		}
		h.abortWithError(c, err)
		return
	}
	c.Set(actorIDContextKey, actorID)
	c.Next()
}

func actorID(c *gin.Context) string {
	return c.GetString(actorIDContextKey)
}

// RateLimitConfig is a per-actor token bucket. A zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64
	Burst int
}

type actorLimiter struct {
	cfg      RateLimitConfig
	mu       sync.Mutex
	limiters map[string]*limiterEntry
	calls    int
	now      func() time.Time
}

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newActorLimiter(cfg RateLimitConfig) *actorLimiter {
	if cfg.Burst <= 0 {
		cfg.Burst = int(cfg.RPS)
		if cfg.Burst < 1 {
			cfg.Burst = 1
		}
	}
	return &actorLimiter{cfg: cfg, limiters: make(map[string]*limiterEntry), now: time.Now}
}

func (l *actorLimiter) allow(actor string) bool {
	if l.cfg.RPS <= 0 {
		return true
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.calls%limiterSweepEvery == 0 {
		for key, entry := range l.limiters {
			if now.Sub(entry.lastSeen) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
	}
	entry, ok := l.limiters[actor]
	if !ok {
		entry = &limiterEntry{limiter: rate.NewLimiter(rate.Limit(l.cfg.RPS), l.cfg.Burst)}
		l.limiters[actor] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (l *actorLimiter) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.allow(actorID(c)) {
			c.Header("Retry-After", "1")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, errorPayload{Error: "rate_limited", Message: "too many requests"})
			return
		}
		c.Next()
	}
}
