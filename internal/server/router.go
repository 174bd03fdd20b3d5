// Package server exposes the conversation, quote, message and attachment operations over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/MarcoPoloResearchLab/parley/internal/auth"
	"github.com/MarcoPoloResearchLab/parley/internal/blobstore"
	"github.com/MarcoPoloResearchLab/parley/internal/conversations"
	"github.com/MarcoPoloResearchLab/parley/internal/messages"
	"github.com/MarcoPoloResearchLab/parley/internal/metrics"
	"github.com/MarcoPoloResearchLab/parley/internal/quotes"
	"github.com/MarcoPoloResearchLab/parley/internal/realtime"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	actorIDContextKey        = "parley_actor_id"
	defaultRequestTimeout    = 15 * time.Second
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingSessionValidator = errors.New("session validator dependency required")
	errMissingActorResolver    = errors.New("actor resolver dependency required")
	errMissingRegistry         = errors.New("conversation registry dependency required")
	errMissingQuotes           = errors.New("quote engine dependency required")
	errMissingMessages         = errors.New("message store dependency required")
	errMissingAttachments      = errors.New("attachment linker dependency required")
	errMissingRealtime         = errors.New("realtime subscriber dependency required")
)

// ActorResolver maps validated session claims onto a canonical participant id.
type ActorResolver interface {
	Resolve(ctx context.Context, claims auth.SessionClaims) (string, error)
}

// EventSubscriber hands out per-conversation event streams.
type EventSubscriber interface {
	Subscribe(ctx context.Context, conversationID string) (<-chan realtime.Event, func())
}

// Dependencies wires the HTTP handler. Blobs, Database and Metrics are optional.
type Dependencies struct {
	SessionValidator  *auth.SessionValidator
	Actors            ActorResolver
	Conversations     *conversations.Registry
	Quotes            *quotes.Engine
	Messages          *messages.Store
	Attachments       *messages.AttachmentLinker
	Blobs             *blobstore.FilesystemStore
	Realtime          EventSubscriber
	Database          *gorm.DB
	Metrics           *metrics.Collector
	Logger            *zap.Logger
	AllowedOrigins    []string
	RequestTimeout    time.Duration
	RateLimit         RateLimitConfig
	HeartbeatInterval time.Duration
}

type httpHandler struct {
	sessions          *auth.SessionValidator
	actors            ActorResolver
	conversations     *conversations.Registry
	quotes            *quotes.Engine
	messages          *messages.Store
	attachments       *messages.AttachmentLinker
	blobs             *blobstore.FilesystemStore
	realtime          EventSubscriber
	database          *gorm.DB
	metrics           *metrics.Collector
	logger            *zap.Logger
	allowedOrigins    []string
	heartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	switch {
	case deps.SessionValidator == nil:
		return nil, errMissingSessionValidator
	case deps.Actors == nil:
		return nil, errMissingActorResolver
	case deps.Conversations == nil:
		return nil, errMissingRegistry
	case deps.Quotes == nil:
		return nil, errMissingQuotes
	case deps.Messages == nil:
		return nil, errMissingMessages
	case deps.Attachments == nil:
		return nil, errMissingAttachments
	case deps.Realtime == nil:
		return nil, errMissingRealtime
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	requestTimeout := deps.RequestTimeout
	if requestTimeout <= 0 {
		requestTimeout = defaultRequestTimeout
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	handler := &httpHandler{
		sessions:          deps.SessionValidator,
		actors:            deps.Actors,
		conversations:     deps.Conversations,
		quotes:            deps.Quotes,
		messages:          deps.Messages,
		attachments:       deps.Attachments,
		blobs:             deps.Blobs,
		realtime:          deps.Realtime,
		database:          deps.Database,
		metrics:           deps.Metrics,
		logger:            logger,
		allowedOrigins:    deps.AllowedOrigins,
		heartbeatInterval: heartbeat,
	}
	limiter := newActorLimiter(deps.RateLimit)

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	router.GET("/healthz", handler.handleHealth)
	if deps.Metrics != nil {
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Blobs != nil {
		router.PUT("/blobs/*key", handler.handleBlobUpload)
		router.GET("/blobs/*key", handler.handleBlobDownload)
	}

	authenticated := router.Group("/")
	authenticated.Use(handler.authorizeRequest, limiter.middleware())

	streams := authenticated.Group("/")
	streams.GET("/conversations/:id/stream", handler.handleStream)
	streams.GET("/conversations/:id/ws", handler.handleWebSocket)

	api := authenticated.Group("/")
	api.Use(requestTimeoutMiddleware(requestTimeout))
	api.POST("/conversations", handler.handleStartConversation)
	api.GET("/conversations", handler.handleListConversations)
	api.GET("/conversations/:id/quotes", handler.handleListQuotes)
	api.POST("/conversations/:id/messages", handler.handleSendMessage)
	api.GET("/conversations/:id/messages", handler.handleListMessages)
	api.POST("/conversations/:id/attachments", handler.handleReserveAttachment)
	api.POST("/quotes", handler.handleCreateQuote)
	api.GET("/quotes/:id", handler.handleGetQuote)
	api.POST("/quotes/:id/final-price", handler.handleSetFinalPrice)
	api.POST("/quotes/:id/decision", handler.handleDecideQuote)
	api.POST("/attachments", handler.handleFinalizeAttachment)
	api.GET("/attachments/:id/url", handler.handleAttachmentURL)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	cfg := cors.Config{
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if allowsAnyOrigin(allowedOrigins) {
		cfg.AllowOriginFunc = func(string) bool { return true }
	} else {
		cfg.AllowOrigins = allowedOrigins
	}
	return cors.New(cfg)
}

func allowsAnyOrigin(allowedOrigins []string) bool {
	if len(allowedOrigins) == 0 {
		return true
	}
	for _, origin := range allowedOrigins {
		if origin == "*" {
			return true
		}
	}
	return false
}

// requestTimeoutMiddleware bounds the request context so store calls give up together.
func requestTimeoutMiddleware(timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	if h.database != nil {
		sqlDB, err := h.database.DB()
		if err == nil {
			err = sqlDB.PingContext(c.Request.Context())
		}
		if err != nil {
			h.logger.Warn("health check failed", zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
