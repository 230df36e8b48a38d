package study

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/extract"
	"github.com/pensarlabs/studyforge/backend/internal/filestore"
	"github.com/pensarlabs/studyforge/backend/internal/genai"
	"github.com/pensarlabs/studyforge/backend/internal/plans"
	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultFlashcardCount = 10
	maxFlashcardCount     = 50
	reviewRetryAttempts   = 3
)

var (
	// ErrNotFound indicates the requested record is absent or owned by
	// someone else. Ownership failures are indistinguishable from absence.
	ErrNotFound = errors.New("study: not found")
	// ErrConflictRetry indicates concurrent reviews kept invalidating the
	// optimistic update beyond the bounded retry budget.
	ErrConflictRetry = errors.New("study: concurrent update conflict")
	// ErrInvalidInput indicates a malformed request payload.
	ErrInvalidInput = errors.New("study: invalid input")

	errMissingDatabase   = errors.New("study: database handle is required")
	errMissingLedger     = errors.New("study: quota ledger is required")
	errMissingGenerator  = errors.New("study: content generator is required")
	errMissingExtractor  = errors.New("study: text extractor is required")
	errMissingFiles      = errors.New("study: file store is required")
	errMissingResolver   = errors.New("study: limits resolver is required")
	errMissingIDProvider = errors.New("study: id provider is required")
)

// FileTooLargeError reports an upload larger than the plan's file size cap.
type FileTooLargeError struct {
	Size  int64
	Limit int64
}

func (e *FileTooLargeError) Error() string {
	return fmt.Sprintf("study: file of %d bytes exceeds plan limit of %d bytes", e.Size, e.Limit)
}

// QuotaLedger is the consumption contract the pipeline enforces before
// acting. ReleaseIn lets cascade deletes return units transactionally.
type QuotaLedger interface {
	TryConsume(ctx context.Context, userID string, resource quota.Resource, amount int) (quota.Decision, error)
	Release(ctx context.Context, userID string, resource quota.Resource, amount int) error
	ReleaseIn(tx *gorm.DB, userID string, resource quota.Resource, amount int) error
}

// ContentGenerator wraps the external AI content service.
type ContentGenerator interface {
	Summarize(ctx context.Context, text string) (genai.Summary, error)
	GenerateFlashcards(ctx context.Context, text string, count int) ([]genai.CardDraft, error)
}

// LimitsResolver yields the plan ceilings that apply to a user.
type LimitsResolver interface {
	LimitsForUser(ctx context.Context, userID string) (plans.Limits, error)
}

// IDProvider issues identifiers for new records.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies of the study service.
type ServiceConfig struct {
	Database   *gorm.DB
	Ledger     QuotaLedger
	Generator  ContentGenerator
	Extractor  extract.Extractor
	Files      filestore.Store
	Limits     LimitsResolver
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
	Mastery    MasteryConfig
}

// Service owns the document/summary/flashcard lifecycle: uploads, the
// quota-gated generation pipeline, mastery tracking, and cascade deletes.
type Service struct {
	db         *gorm.DB
	ledger     QuotaLedger
	generator  ContentGenerator
	extractor  extract.Extractor
	files      filestore.Store
	limits     LimitsResolver
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
	mastery    MasteryConfig
}

// NewService constructs the study service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Generator == nil {
		return nil, errMissingGenerator
	}
	if cfg.Extractor == nil {
		return nil, errMissingExtractor
	}
	if cfg.Files == nil {
		return nil, errMissingFiles
	}
	if cfg.Limits == nil {
		return nil, errMissingResolver
	}
	if cfg.IDProvider == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		db:         cfg.Database,
		ledger:     cfg.Ledger,
		generator:  cfg.Generator,
		extractor:  cfg.Extractor,
		files:      cfg.Files,
		limits:     cfg.Limits,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
		mastery:    cfg.Mastery,
	}, nil
}

// consume charges the ledger and converts denials into ExceededError.
func (s *Service) consume(ctx context.Context, userID string, resource quota.Resource, amount int) error {
	decision, err := s.ledger.TryConsume(ctx, userID, resource, amount)
	if err != nil {
		return fmt.Errorf("study: consume %s quota: %w", resource, err)
	}
	if !decision.Granted {
		return &quota.ExceededError{Resource: resource, Limit: decision.Limit}
	}
	return nil
}

// release is the compensating action after a failed pipeline step. Release
// failures are logged, not returned: the original failure is what the caller
// needs to see.
func (s *Service) release(ctx context.Context, userID string, resource quota.Resource, amount int) {
	if err := s.ledger.Release(ctx, userID, resource, amount); err != nil {
		s.logger.Error("quota release failed",
			zap.String("user_id", userID),
			zap.String("resource", string(resource)),
			zap.Int("amount", amount),
			zap.Error(err))
	}
}

func (s *Service) newID() (string, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		return "", fmt.Errorf("study: generate id: %w", err)
	}
	return id, nil
}
