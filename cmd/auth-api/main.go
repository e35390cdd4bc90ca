package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-auth-api/internal/models"
	"github.com/noah-isme/session-auth-api/internal/repository"
	"github.com/noah-isme/session-auth-api/internal/server"
	"github.com/noah-isme/session-auth-api/internal/service"
	"github.com/noah-isme/session-auth-api/pkg/config"
	"github.com/noah-isme/session-auth-api/pkg/database"
	"github.com/noah-isme/session-auth-api/pkg/logger"
	"github.com/noah-isme/session-auth-api/pkg/mail"
)

// @title Session Auth API
// @version 1.0.0
// @description Password sign-in, rotating refresh tokens and email confirmation
// @BasePath /api/v1
// @schemes http https
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization

const shutdownTimeout = 15 * time.Second

type credentialBackend interface {
	service.CredentialStore
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if cfg.Env == config.EnvProduction {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	validate := validator.New()
	storeOpts := repository.StoreOptions{
		BcryptCost:      cfg.Auth.BcryptCost,
		ConfirmationTTL: cfg.Auth.ConfirmationTokenLifetime,
		Validator:       validate,
	}

	store, ready, closeStore, err := openStore(ctx, cfg, storeOpts)
	if err != nil {
		logr.Fatal("failed to open credential store", zap.String("driver", cfg.StoreDriver), zap.Error(err))
	}
	defer closeStore()

	mailer, err := newMailer(cfg.Mail, logr)
	if err != nil {
		logr.Fatal("failed to configure mail sender", zap.Error(err))
	}

	signerCfg := service.SignerConfig{
		Issuer:     cfg.JWT.Issuer,
		Audience:   cfg.JWT.Audience,
		SigningKey: cfg.JWT.Secret,
		Lifetime:   cfg.JWT.AccessTokenLifetime,
	}
	signer, err := service.NewTokenSigner(signerCfg, nil)
	if err != nil {
		logr.Fatal("failed to configure token signer", zap.Error(err))
	}

	tokens := service.NewRefreshTokenManager(service.RefreshTokenConfig{
		Lifetime:  cfg.Auth.RefreshTokenLifetime,
		Retention: cfg.Auth.RefreshTokenRetention,
	}, nil)

	metrics := service.NewMetricsService()

	var audit *service.AuditService
	if cfg.Audit.Enabled {
		audit = service.NewAuditService(store, logr.Named("audit"), service.AuditConfig{
			Workers:    cfg.Audit.Workers,
			BufferSize: cfg.Audit.BufferSize,
			MaxRetries: cfg.Audit.MaxRetries,
		})
		audit.Start(ctx)
		defer audit.Stop()
	}

	authSvc := service.NewAuthService(store, tokens, signer, mailer, validate, logr, service.AuthConfig{
		ConfirmEmailBaseURL:   cfg.Auth.ConfirmEmailBaseURL,
		RequireConfirmedEmail: cfg.Auth.RequireConfirmedEmail,
		ConflictRetries:       cfg.Auth.ConflictRetries,
	}).WithAudit(audit).WithMetrics(metrics)

	router := server.NewRouter(server.Dependencies{
		Auth:           authSvc,
		Verifier:       service.NewTokenVerifier(signerCfg),
		Metrics:        metrics,
		Logger:         logr,
		Ready:          ready,
		APIPrefix:      cfg.APIPrefix,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
		EnableDocs:     cfg.Env != config.EnvProduction,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logr.Sugar().Infow("server starting", "addr", srv.Addr, "env", cfg.Env, "store", cfg.StoreDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logr.Sugar().Fatalw("server failed", "error", err)
		}
	}()

	<-ctx.Done()
	logr.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("graceful shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, opts repository.StoreOptions) (credentialBackend, func(*gin.Context) error, func(), error) {
	switch cfg.StoreDriver {
	case config.StoreDriverRedis:
		client, err := database.NewRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, nil, err
		}
		ready := func(c *gin.Context) error { return client.Ping(c.Request.Context()).Err() }
		return repository.NewRedisUserRepository(client, cfg.Redis.KeyPrefix, opts), ready, func() { _ = client.Close() }, nil
	default:
		db, err := database.NewPostgres(ctx, cfg.Database)
		if err != nil {
			return nil, nil, nil, err
		}
		ready := func(c *gin.Context) error { return db.PingContext(c.Request.Context()) }
		return repository.NewUserRepository(db, opts), ready, func() { _ = db.Close() }, nil
	}
}

func newMailer(cfg config.MailConfig, logr *zap.Logger) (mail.Sender, error) {
	if cfg.Host == "" {
		logr.Warn("SMTP_HOST not set, confirmation emails are logged instead of sent")
		return mail.NewLogSender(logr.Named("mail")), nil
	}
	sender, err := mail.NewSMTPSender(mail.SMTPConfig{
		Host:     cfg.Host,
		Port:     cfg.Port,
		Username: cfg.Username,
		Password: cfg.Password,
		From:     cfg.From,
		Timeout:  cfg.Timeout,
	})
	if err != nil {
		return nil, err
	}
	return sender, nil
}
