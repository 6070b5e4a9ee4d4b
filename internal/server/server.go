// Package server exposes the credits ledger, API key registry and metering
// gateway over HTTP.
package server

import (
	"context"
	"net/http"
	"time"

	"widget-credits-go/internal/api"
	"widget-credits-go/internal/auth"
	"widget-credits-go/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/go-chi/httprate"
	"github.com/rs/cors"
)

const apiKeyHeader = "X-API-Key"

// PurchaseVerifier decodes the purchases a submitted chain transaction made.
// listener.ReceiptVerifier is the production implementation.
type PurchaseVerifier interface {
	VerifyPurchases(ctx context.Context, txHash string) ([]models.PurchaseCandidate, error)
}

// Server holds the HTTP handlers and their collaborators
type Server struct {
	ledger    *api.LedgerService
	verifier  *auth.WalletVerifier
	tokens    *auth.TokenIssuer
	purchases PurchaseVerifier
	limiter   *httprate.RateLimiter
	cfg       *models.Config
}

// New builds the server. purchases may be nil when no chain is configured, in
// which case the purchase route refuses every submission.
func New(ledger *api.LedgerService, verifier *auth.WalletVerifier, tokens *auth.TokenIssuer, purchases PurchaseVerifier, cfg *models.Config) *Server {
	window := cfg.Metering.RateLimitWindow
	if window <= 0 {
		window = time.Minute
	}
	defaultLimit := cfg.Metering.DefaultRateLimit
	if defaultLimit <= 0 {
		defaultLimit = 60
	}

	return &Server{
		ledger:    ledger,
		verifier:  verifier,
		tokens:    tokens,
		purchases: purchases,
		limiter:   httprate.NewRateLimiter(defaultLimit, window),
		cfg:       cfg,
	}
}

// Router builds the gin engine with every route
func (s *Server) Router() *gin.Engine {
	router := gin.New()
	router.Use(recovery(), requestLogger())

	router.GET("/health", s.healthHandler)
	router.GET("/credits/packages", s.packagesHandler)

	userGroup := router.Group("/user")
	{
		userGroup.POST("/auth", s.loginHandler)

		session := userGroup.Group("")
		session.Use(s.sessionAuth())
		{
			session.GET("/profile", s.profileHandler)
			session.GET("/credits", s.creditsHandler)
			session.GET("/credits/history", s.historyHandler)
			session.POST("/credits/purchase", s.purchaseHandler)
			session.GET("/usage", s.usageHandler)

			keysGroup := session.Group("/api-keys")
			{
				keysGroup.GET("", s.listKeysHandler)
				keysGroup.POST("", s.createKeyHandler)
				keysGroup.DELETE("/:id", s.revokeKeyHandler)
				keysGroup.PATCH("/:id/toggle", s.toggleKeyHandler)
			}
		}
	}

	widgetGroup := router.Group("/widget")
	widgetGroup.Use(s.apiKeyRateLimit())
	{
		widgetGroup.GET("/validate", s.validateHandler)
		widgetGroup.POST("/process", s.processHandler)
		widgetGroup.GET("/stats", s.statsHandler)
	}

	return router
}

// Handler returns the router wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	origins := s.cfg.Server.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	c := cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "Content-Type", apiKeyHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset", "Retry-After"},
		MaxAge:         600,
	})
	return c.Handler(s.Router())
}
