package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/session-auth-api/internal/models"
	"github.com/noah-isme/session-auth-api/internal/repository"
	appErrors "github.com/noah-isme/session-auth-api/pkg/errors"
)

const confirmationSubject = "Confirm your email"

// CredentialStore is the user directory consumed by the auth flows.
type CredentialStore interface {
	FindByEmail(ctx context.Context, email string) (*models.User, error)
	FindByID(ctx context.Context, id string) (*models.User, error)
	FindByRefreshToken(ctx context.Context, token string) (*models.User, error)
	VerifyPassword(ctx context.Context, user *models.User, password string) bool
	Create(ctx context.Context, user *models.User, password string) error
	Delete(ctx context.Context, user *models.User) error
	UpdateUser(ctx context.Context, user *models.User) error
	GenerateEmailConfirmationToken(ctx context.Context, user *models.User) (string, error)
	ConfirmEmail(ctx context.Context, user *models.User, token string) error
	GetRoles(ctx context.Context, user *models.User) ([]string, error)
	GetClaims(ctx context.Context, user *models.User) (models.Claims, error)
}

// MailNotifier delivers account emails.
type MailNotifier interface {
	Send(ctx context.Context, recipient, subject, htmlBody string) error
}

// AuthConfig defines configuration for authentication flows.
type AuthConfig struct {
	ConfirmEmailBaseURL   string
	RequireConfirmedEmail bool
	// ConflictRetries bounds how often a write lost to a concurrent update is re-attempted.
	ConflictRetries int
}

// AuthService provides authentication use cases.
type AuthService struct {
	store     CredentialStore
	tokens    *RefreshTokenManager
	signer    *TokenSigner
	mailer    MailNotifier
	audit     *AuditService
	metrics   *MetricsService
	validator *validator.Validate
	logger    *zap.Logger
	config    AuthConfig
	now       func() time.Time
}

// NewAuthService constructs an AuthService instance.
func NewAuthService(store CredentialStore, tokens *RefreshTokenManager, signer *TokenSigner, mailer MailNotifier, validate *validator.Validate, logger *zap.Logger, config AuthConfig) *AuthService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if validate == nil {
		validate = validator.New()
	}
	if config.ConflictRetries < 0 {
		config.ConflictRetries = 0
	}
	return &AuthService{
		store:     store,
		tokens:    tokens,
		signer:    signer,
		mailer:    mailer,
		validator: validate,
		logger:    logger,
		config:    config,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// WithAudit attaches an audit writer.
func (s *AuthService) WithAudit(audit *AuditService) *AuthService {
	s.audit = audit
	return s
}

// WithMetrics attaches the metrics collector.
func (s *AuthService) WithMetrics(metrics *MetricsService) *AuthService {
	s.metrics = metrics
	return s
}

// SignIn verifies credentials and returns an access token together with the
// user's active refresh token, issuing one when none is active.
func (s *AuthService) SignIn(ctx context.Context, req models.SignInRequest) (result *models.AuthResult, err error) {
	defer func() { s.recordOutcome(FlowSignIn, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid sign-in payload")
	}

	user, err := s.store.FindByEmail(ctx, req.Email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	if !s.store.VerifyPassword(ctx, user, req.Password) {
		return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
	}
	if err := s.checkSignInAllowed(user, true); err != nil {
		return nil, err
	}

	var active models.RefreshToken
	issued := false
	user, err = s.updateWithRetry(ctx, user, s.reloadByID(user.ID), func(u *models.User) (bool, error) {
		// Runs again on every reload; a competing writer may already have issued.
		active, issued = models.RefreshToken{}, false
		if existing := s.tokens.FindActive(u); existing != nil {
			active = *existing
			return false, nil
		}
		token, err := s.tokens.Issue(u)
		if err != nil {
			return false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create refresh token")
		}
		active = *token
		issued = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	if issued {
		s.metrics.RecordTokenIssued()
	}

	accessToken, err := s.signFor(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Record(AuditEvent{
		UserID:    user.ID,
		Action:    models.AuditActionLogin,
		Details:   map[string]interface{}{"status": "success"},
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})

	return &models.AuthResult{
		AccessToken:           accessToken,
		ExpiresIn:             int64(s.signer.Lifetime().Seconds()),
		RefreshToken:          active.Token,
		RefreshTokenExpiresOn: active.ExpiresOn,
	}, nil
}

// Refresh rotates the presented refresh token and signs a fresh access token.
// Of several concurrent refreshes with the same token exactly one succeeds.
func (s *AuthService) Refresh(ctx context.Context, req models.RefreshRequest) (result *models.AuthResult, err error) {
	defer func() { s.recordOutcome(FlowRefresh, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid refresh payload")
	}

	user, err := s.findByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, err
	}

	var rotated models.RefreshToken
	user, err = s.updateWithRetry(ctx, user, s.reloadByToken(req.RefreshToken), func(u *models.User) (bool, error) {
		if err := s.checkSignInAllowed(u, false); err != nil {
			return false, err
		}
		next, err := s.tokens.Rotate(u, req.RefreshToken)
		if err != nil {
			return false, translateTokenError(err)
		}
		rotated = *next
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.RecordTokenIssued()

	accessToken, err := s.signFor(ctx, user)
	if err != nil {
		return nil, err
	}

	s.audit.Record(AuditEvent{
		UserID:    user.ID,
		Action:    models.AuditActionTokenRefresh,
		Details:   map[string]interface{}{"refresh": "rotated"},
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})

	return &models.AuthResult{
		AccessToken:           accessToken,
		ExpiresIn:             int64(s.signer.Lifetime().Seconds()),
		RefreshToken:          rotated.Token,
		RefreshTokenExpiresOn: rotated.ExpiresOn,
	}, nil
}

// RevokeRefresh revokes the presented refresh token.
func (s *AuthService) RevokeRefresh(ctx context.Context, req models.RevokeRequest) (err error) {
	defer func() { s.recordOutcome(FlowRevoke, err) }()

	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid revoke payload")
	}

	user, err := s.findByRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return err
	}

	user, err = s.updateWithRetry(ctx, user, s.reloadByToken(req.RefreshToken), func(u *models.User) (bool, error) {
		if err := s.tokens.Revoke(u, req.RefreshToken); err != nil {
			return false, translateTokenError(err)
		}
		return true, nil
	})
	if err != nil {
		return err
	}

	s.audit.Record(AuditEvent{
		UserID:    user.ID,
		Action:    models.AuditActionLogout,
		Details:   map[string]interface{}{"status": "revoked"},
		IPAddress: req.IP,
		UserAgent: req.UserAgent,
	})
	return nil
}

// ConfirmEmail validates a confirmation token issued by SendConfirmationEmail.
func (s *AuthService) ConfirmEmail(ctx context.Context, req models.ConfirmEmailRequest) (err error) {
	defer func() { s.recordOutcome(FlowConfirmEmail, err) }()

	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid confirmation payload")
	}

	user, err := s.findByEmail(ctx, req.Email)
	if err != nil {
		return err
	}

	if err := s.store.ConfirmEmail(ctx, user, req.Token); err != nil {
		if errors.Is(err, repository.ErrInvalidToken) {
			return appErrors.Clone(appErrors.ErrValidation, "invalid confirmation token")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to confirm email")
	}

	s.audit.Record(AuditEvent{UserID: user.ID, Action: models.AuditActionEmailConfirmed})
	return nil
}

// SendConfirmationEmail mails a fresh confirmation link to the user.
func (s *AuthService) SendConfirmationEmail(ctx context.Context, req models.SendConfirmationRequest) (err error) {
	defer func() { s.recordOutcome(FlowSendConfirm, err) }()

	if err := s.validator.Struct(req); err != nil {
		return appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid confirmation request")
	}

	user, err := s.findByEmail(ctx, req.Email)
	if err != nil {
		return err
	}
	return s.sendConfirmation(ctx, user)
}

// Register creates a user and sends the first confirmation email. Delivery
// failures are logged; the account still exists.
func (s *AuthService) Register(ctx context.Context, req models.RegisterRequest) (user *models.User, err error) {
	defer func() { s.recordOutcome(FlowRegister, err) }()

	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid registration payload")
	}

	user = &models.User{Email: req.Email, FullName: req.FullName, Active: true}
	if err := s.store.Create(ctx, user, req.Password); err != nil {
		var verrs repository.ValidationErrors
		if errors.As(err, &verrs) {
			return nil, appErrors.WithDetails(appErrors.ErrValidation, verrs)
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create user")
	}

	if err := s.sendConfirmation(ctx, user); err != nil {
		s.logger.Warn("failed to send confirmation email after registration", zap.String("user_id", user.ID), zap.Error(err))
	}

	s.audit.Record(AuditEvent{UserID: user.ID, Action: models.AuditActionUserCreate})
	return user, nil
}

// DeleteAccount removes a user and every refresh token it owns.
func (s *AuthService) DeleteAccount(ctx context.Context, userID string) error {
	user, err := s.store.FindByID(ctx, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return appErrors.Clone(appErrors.ErrUserNotFound, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load user")
	}
	if err := s.store.Delete(ctx, user); err != nil {
		switch {
		case errors.Is(err, repository.ErrNotFound):
			return appErrors.Clone(appErrors.ErrUserNotFound, "")
		case errors.Is(err, repository.ErrVersionConflict):
			s.metrics.RecordConflict()
			return appErrors.Clone(appErrors.ErrPersistenceConflict, "")
		}
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to delete user")
	}
	s.audit.Record(AuditEvent{UserID: user.ID, Action: models.AuditActionUserDelete})
	return nil
}

// ConfirmationLink renders the link mailed to the user.
func (s *AuthService) ConfirmationLink(email, token string) string {
	base := s.config.ConfirmEmailBaseURL
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "email=" + url.QueryEscape(email) + "&token=" + url.QueryEscape(token)
}

func (s *AuthService) sendConfirmation(ctx context.Context, user *models.User) error {
	token, err := s.store.GenerateEmailConfirmationToken(ctx, user)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to generate confirmation token")
	}
	link := s.ConfirmationLink(user.Email, token)
	body := fmt.Sprintf(`<p>Please confirm your account by <a href="%s">clicking here</a>.</p>`, html.EscapeString(link))
	if err := s.mailer.Send(ctx, user.Email, confirmationSubject, body); err != nil {
		s.logger.Warn("confirmation email delivery failed", zap.String("user_id", user.ID), zap.Error(err))
		return appErrors.Wrap(err, appErrors.ErrMailDeliveryFailed.Code, appErrors.ErrMailDeliveryFailed.Status, appErrors.ErrMailDeliveryFailed.Message)
	}
	return nil
}

// updateWithRetry applies mutate to user and persists it. When the write loses
// to a concurrent update the user is reloaded and mutate runs again, at most
// ConflictRetries times. mutate reports whether anything needs saving.
func (s *AuthService) updateWithRetry(ctx context.Context, user *models.User, reload func(context.Context) (*models.User, error), mutate func(*models.User) (bool, error)) (*models.User, error) {
	for attempt := 0; ; attempt++ {
		changed, err := mutate(user)
		if err != nil {
			return nil, err
		}
		if !changed {
			return user, nil
		}
		s.tokens.Prune(user)

		start := time.Now()
		err = s.store.UpdateUser(ctx, user)
		s.metrics.ObserveStoreCall("update_user", time.Since(start))
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to persist user")
		}

		s.metrics.RecordConflict()
		if attempt >= s.config.ConflictRetries {
			s.logger.Warn("giving up after repeated write conflicts", zap.String("user_id", user.ID), zap.Int("attempts", attempt+1))
			return nil, appErrors.Wrap(err, appErrors.ErrPersistenceConflict.Code, appErrors.ErrPersistenceConflict.Status, appErrors.ErrPersistenceConflict.Message)
		}
		s.logger.Debug("write conflict, reloading user", zap.String("user_id", user.ID), zap.Int("attempt", attempt+1))
		if user, err = reload(ctx); err != nil {
			return nil, err
		}
	}
}

func (s *AuthService) reloadByID(id string) func(context.Context) (*models.User, error) {
	return func(ctx context.Context) (*models.User, error) {
		user, err := s.store.FindByID(ctx, id)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return nil, appErrors.Clone(appErrors.ErrInvalidCredentials, "")
			}
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reload user")
		}
		return user, nil
	}
}

func (s *AuthService) reloadByToken(token string) func(context.Context) (*models.User, error) {
	return func(ctx context.Context) (*models.User, error) {
		return s.findByRefreshToken(ctx, token)
	}
}

func (s *AuthService) findByRefreshToken(ctx context.Context, token string) (*models.User, error) {
	user, err := s.store.FindByRefreshToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to look up refresh token")
	}
	return user, nil
}

func (s *AuthService) findByEmail(ctx context.Context, email string) (*models.User, error) {
	user, err := s.store.FindByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, appErrors.Clone(appErrors.ErrUserNotFound, "")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to fetch user")
	}
	return user, nil
}

// checkSignInAllowed applies account policy. Email confirmation is only
// enforced for interactive sign-in.
func (s *AuthService) checkSignInAllowed(user *models.User, interactive bool) error {
	switch {
	case !user.Active:
		return appErrors.Clone(appErrors.ErrSignInForbidden, "account is inactive")
	case user.IsLockedOut(s.now()):
		return appErrors.Clone(appErrors.ErrSignInForbidden, "account is locked")
	case interactive && s.config.RequireConfirmedEmail && !user.EmailConfirmed:
		return appErrors.Clone(appErrors.ErrSignInForbidden, "email address is not confirmed")
	}
	return nil
}

func (s *AuthService) signFor(ctx context.Context, user *models.User) (string, error) {
	roles, err := s.store.GetRoles(ctx, user)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load roles")
	}
	claims, err := s.store.GetClaims(ctx, user)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load claims")
	}
	token, err := s.signer.Sign(user.ID, roles, claims)
	if err != nil {
		return "", appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create access token")
	}
	return token, nil
}

func (s *AuthService) recordOutcome(flow string, err error) {
	if err == nil {
		s.metrics.RecordAuthOutcome(flow, "")
		return
	}
	s.metrics.RecordAuthOutcome(flow, strings.ToLower(appErrors.FromError(err).Code))
}

func translateTokenError(err error) error {
	switch {
	case errors.Is(err, ErrTokenInactive):
		return appErrors.Clone(appErrors.ErrInactiveRefreshToken, "")
	case errors.Is(err, ErrTokenNotFound):
		return appErrors.Clone(appErrors.ErrInvalidRefreshToken, "")
	default:
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update refresh token")
	}
}
