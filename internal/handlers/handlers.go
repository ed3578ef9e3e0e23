package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
	"github.com/docker/go-units"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/apperror"
	"github.com/example/bggone/internal/logging"
	"github.com/example/bggone/internal/removal"
	"github.com/example/bggone/internal/usecase"
)

// DefaultMaxBodySize bounds the JSON request body of the removal endpoint.
const DefaultMaxBodySize = 30 * units.MB

const (
	msgBodyTooLarge  = "Request body too large"
	msgInvalidBody   = "Request body must be JSON"
	msgMissingImage  = "Missing or invalid image data"
	msgProcessFailed = "Failed to process image."
	msgRateLimited   = "Too many requests. Please try again later."
	msgNoMetrics     = "metrics are not enabled"
)

// Options tunes the relay routes.
type Options struct {
	MaxBodySize int64
	Limiter     *usecase.RateLimiter
	Logger      *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router gin.IRouter, uc *usecase.RemovalUseCase, opts Options) {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})

	router.POST(removal.RemovePath, rateLimitMiddleware(opts.Limiter, logger), func(c *gin.Context) {
		requestID := RequestID(c)

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, opts.MaxBodySize)
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				writeError(c, http.StatusRequestEntityTooLarge, msgBodyTooLarge, apperror.KindValidation)
				return
			}
			writeError(c, http.StatusBadRequest, msgInvalidBody, apperror.KindValidation)
			return
		}

		var payload struct {
			Image any `json:"image"`
		}
		if err := sonic.Unmarshal(body, &payload); err != nil {
			writeError(c, http.StatusBadRequest, msgInvalidBody, apperror.KindValidation)
			return
		}
		image, ok := payload.Image.(string)
		if !ok || image == "" {
			writeError(c, http.StatusBadRequest, msgMissingImage, apperror.KindValidation)
			return
		}

		res, err := uc.RemoveBackground(c.Request.Context(), usecase.RemoveRequest{
			RequestID: requestID,
			ClientIP:  c.ClientIP(),
			Image:     image,
		})
		if err != nil {
			kind := apperror.KindOf(err)
			status := statusForKind(kind)
			if status >= http.StatusInternalServerError {
				_ = logging.LogOperationError(logger, "handlers.remove_background", requestID, "removal request failed", err)
			}
			writeError(c, status, apperror.Message(err, msgProcessFailed), kind)
			return
		}

		c.JSON(http.StatusOK, removal.Response{Result: res.Result, MimeType: res.ResultMediaType})
	})

	router.GET("/api/metrics", func(c *gin.Context) {
		summary, err := uc.GetMetricsSummary(c.Request.Context())
		if err != nil {
			if errors.Is(err, usecase.ErrMetricsUnavailable) {
				c.JSON(http.StatusNotFound, gin.H{"error": msgNoMetrics})
				return
			}
			_ = logging.LogOperationError(logger, "handlers.metrics", RequestID(c), "failed to aggregate metrics", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})
}

func rateLimitMiddleware(limiter *usecase.RateLimiter, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := RequestID(c)
		allowed, err := limiter.Allow(c.Request.Context(), c.ClientIP(), requestID)
		if err != nil {
			logging.WithOperation(logger, "handlers.rate_limit", requestID).
				Warn("rate limiter unavailable, allowing request", zap.Error(err))
		}
		if !allowed {
			writeError(c, http.StatusTooManyRequests, msgRateLimited, apperror.KindRateLimited)
			c.Abort()
			return
		}
		c.Next()
	}
}

func writeError(c *gin.Context, status int, message string, kind apperror.Kind) {
	c.JSON(status, removal.Response{Error: message, Kind: string(kind)})
}

func statusForKind(kind apperror.Kind) int {
	switch kind {
	case apperror.KindValidation:
		return http.StatusBadRequest
	case apperror.KindRateLimited:
		return http.StatusTooManyRequests
	case apperror.KindTimeout:
		return http.StatusGatewayTimeout
	case apperror.KindProviderRefusal, apperror.KindMalformed, apperror.KindTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
