// Package server assembles the HTTP routing tree.
package server

import (
	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
	"go.uber.org/zap"

	_ "github.com/noah-isme/session-auth-api/api/swagger"
	"github.com/noah-isme/session-auth-api/internal/handler"
	"github.com/noah-isme/session-auth-api/internal/middleware"
	"github.com/noah-isme/session-auth-api/internal/models"
	"github.com/noah-isme/session-auth-api/internal/service"
	appErrors "github.com/noah-isme/session-auth-api/pkg/errors"
	"github.com/noah-isme/session-auth-api/pkg/logger"
	corsmiddleware "github.com/noah-isme/session-auth-api/pkg/middleware/cors"
	reqidmiddleware "github.com/noah-isme/session-auth-api/pkg/middleware/requestid"
	"github.com/noah-isme/session-auth-api/pkg/response"
)

// Dependencies carries everything the router wires into handlers.
type Dependencies struct {
	Auth           *service.AuthService
	Verifier       *service.TokenVerifier
	Metrics        *service.MetricsService
	Logger         *zap.Logger
	Ready          func(c *gin.Context) error
	APIPrefix      string
	AllowedOrigins []string
	EnableDocs     bool
}

// NewRouter builds the gin engine with middleware and routes registered.
func NewRouter(deps Dependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(reqidmiddleware.Middleware())
	r.Use(logger.GinMiddleware(deps.Logger))
	r.Use(corsmiddleware.New(deps.AllowedOrigins))
	r.Use(middleware.Metrics(deps.Metrics))

	metricsHandler := handler.NewMetricsHandler(deps.Metrics, deps.Ready)
	r.GET("/health", metricsHandler.Health)
	r.GET("/ready", metricsHandler.Ready)
	r.GET("/metrics", metricsHandler.Prometheus)
	r.GET("/metrics/summary", metricsHandler.Summary)

	if deps.EnableDocs {
		r.GET("/docs/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))
	}

	authHandler := handler.NewAuthHandler(deps.Auth)
	userHandler := handler.NewUserHandler(deps.Auth)
	jwt := middleware.JWT(deps.Verifier)

	api := r.Group(deps.APIPrefix)
	auth := api.Group("/auth")
	auth.POST("/login", authHandler.Login)
	auth.POST("/refresh", authHandler.Refresh)
	auth.POST("/revoke", authHandler.Revoke)
	auth.POST("/register", authHandler.Register)
	auth.GET("/confirm-email", authHandler.ConfirmEmail)
	auth.POST("/confirm-email", authHandler.ConfirmEmail)
	auth.POST("/send-confirmation", authHandler.SendConfirmation)
	auth.GET("/me", jwt, authHandler.Me)

	users := api.Group("/users", jwt)
	users.DELETE("/:id", middleware.RBAC(models.RoleAdmin, middleware.AllowSelf), userHandler.Delete)

	r.NoRoute(func(c *gin.Context) {
		response.Error(c, appErrors.ErrNotFound)
	})

	return r
}
