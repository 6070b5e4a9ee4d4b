package server

import (
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"widget-credits-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/httprate"
	"go.uber.org/zap"
)

// Context keys set by the middleware
const (
	ctxUserId = "user_id"
	ctxWallet = "wallet"
	ctxApiKey = "api_key"
)

// recovery recovers from panics and handles http.ErrAbortHandler gracefully
func recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if recovered := recover(); recovered != nil {
				if recovered == http.ErrAbortHandler {
					zap.L().Warn("Client connection aborted", zap.String("path", c.Request.URL.Path))
					c.Abort()
					return
				}

				zap.L().Error("Panic recovered",
					zap.Any("error", recovered),
					zap.String("path", c.Request.URL.Path),
					zap.String("stack", string(debug.Stack())))
				abortWithError(c, http.StatusInternalServerError, CodeInternalError, "Internal server error")
			}
		}()
		c.Next()
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		}
		if userId := c.GetString(ctxUserId); userId != "" {
			fields = append(fields, zap.String("user_id", userId))
		}

		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			zap.L().Error("Request completed", fields...)
		case c.Writer.Status() >= http.StatusBadRequest:
			zap.L().Info("Request completed", fields...)
		default:
			zap.L().Debug("Request completed", fields...)
		}
	}
}

// sessionAuth requires a valid session token in the Authorization header
func (s *Server) sessionAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		if !found || strings.TrimSpace(token) == "" {
			abortWithError(c, http.StatusUnauthorized, CodeUnauthorized, "Session token is required")
			return
		}

		claims, err := s.tokens.Parse(strings.TrimSpace(token))
		if err != nil {
			serviceError(c, err)
			return
		}

		c.Set(ctxUserId, claims.Subject)
		c.Set(ctxWallet, claims.Wallet)
		c.Next()
	}
}

// apiKeyRateLimit applies the per-key request limit. Requests whose key does
// not resolve pass through so the gateway can deny and audit them.
func (s *Server) apiKeyRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		keyValue := strings.TrimSpace(c.GetHeader(apiKeyHeader))
		if keyValue == "" {
			c.Next()
			return
		}

		key, err := s.ledger.Keys.Peek(c.Request.Context(), keyValue)
		if err != nil {
			c.Next()
			return
		}
		c.Set(ctxApiKey, key)

		req := c.Request
		if key.RateLimit > 0 {
			req = req.WithContext(httprate.WithRequestLimit(req.Context(), key.RateLimit))
		}
		if s.limiter.OnLimit(c.Writer, req, "key:"+key.KeyId) {
			zap.L().Info("Api key rate limited",
				zap.String("key_id", key.KeyId),
				zap.Int("limit", key.RateLimit))
			abortWithError(c, http.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// requestMeta attaches caller details for the audit log
func requestMeta(c *gin.Context, requestData string) *models.RequestMeta {
	return &models.RequestMeta{
		IpAddress:   c.ClientIP(),
		UserAgent:   c.Request.UserAgent(),
		RequestData: requestData,
	}
}

func resolvedKey(c *gin.Context) *models.ResolvedKey {
	value, ok := c.Get(ctxApiKey)
	if !ok {
		return nil
	}
	key, _ := value.(*models.ResolvedKey)
	return key
}
