package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/session-auth-api/internal/models"
	"github.com/noah-isme/session-auth-api/pkg/jobs"
)

const auditJobType = "audit_log"

type auditRepository interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// AuditConfig sizes the background writer.
type AuditConfig struct {
	Workers    int
	BufferSize int
	MaxRetries int
	RetryDelay time.Duration
}

// AuditEvent describes a single auditable action.
type AuditEvent struct {
	UserID    string
	Action    string
	Details   map[string]interface{}
	IPAddress string
	UserAgent string
}

// AuditService writes audit logs off the request path through a job queue.
// A nil *AuditService discards events.
type AuditService struct {
	repo   auditRepository
	queue  *jobs.Queue
	logger *zap.Logger
}

// NewAuditService constructs an AuditService. Call Start before recording.
func NewAuditService(repo auditRepository, logger *zap.Logger, cfg AuditConfig) *AuditService {
	if logger == nil {
		logger = zap.NewNop()
	}
	svc := &AuditService{repo: repo, logger: logger}
	svc.queue = jobs.NewQueue("audit", svc.handle, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.BufferSize,
		MaxRetries: cfg.MaxRetries,
		RetryDelay: cfg.RetryDelay,
		Logger:     logger,
	})
	return svc
}

// Start launches the queue workers.
func (s *AuditService) Start(ctx context.Context) {
	if s == nil {
		return
	}
	s.queue.Start(ctx)
}

// Stop flushes buffered events and stops the workers.
func (s *AuditService) Stop() {
	if s == nil {
		return
	}
	s.queue.Stop()
}

// Record enqueues an audit event. Failures are logged, never returned to the caller.
func (s *AuditService) Record(event AuditEvent) {
	if s == nil {
		return
	}
	entry, err := s.buildEntry(event)
	if err != nil {
		s.logger.Warn("failed to build audit log", zap.String("action", event.Action), zap.Error(err))
		return
	}
	if err := s.queue.TryEnqueue(jobs.Job{ID: entry.ID, Type: auditJobType, Payload: entry}); err != nil {
		s.logger.Warn("failed to enqueue audit log", zap.String("action", event.Action), zap.Error(err))
	}
}

func (s *AuditService) buildEntry(event AuditEvent) (*models.AuditLog, error) {
	var body []byte
	if len(event.Details) > 0 {
		encoded, err := json.Marshal(event.Details)
		if err != nil {
			return nil, err
		}
		body = encoded
	}
	entry := &models.AuditLog{
		ID:        uuid.NewString(),
		Action:    event.Action,
		Resource:  "auth",
		NewValues: body,
		IPAddress: event.IPAddress,
		UserAgent: event.UserAgent,
		CreatedAt: time.Now().UTC(),
	}
	if event.UserID != "" {
		userID := event.UserID
		entry.UserID = &userID
		entry.ResourceID = &userID
	}
	return entry, nil
}

func (s *AuditService) handle(ctx context.Context, job jobs.Job) error {
	entry, ok := job.Payload.(*models.AuditLog)
	if !ok {
		return fmt.Errorf("unexpected audit payload %T", job.Payload)
	}
	return s.repo.CreateAuditLog(ctx, entry)
}
