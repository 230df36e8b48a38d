package quota

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/plans"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Resource identifies a plan-limited resource kind.
type Resource string

const (
	// ResourceDocument gates document uploads.
	ResourceDocument Resource = "document"
	// ResourceSummary gates summary generation.
	ResourceSummary Resource = "summary"
	// ResourceFlashcard gates flashcard creation.
	ResourceFlashcard Resource = "flashcard"
	// ResourceAIGeneration gates calls to the external AI service.
	ResourceAIGeneration Resource = "ai_generation"
)

var (
	errMissingDatabase = errors.New("quota: database handle is required")
	errMissingResolver = errors.New("quota: limits resolver is required")
	errMissingUserID   = errors.New("quota: user identifier is required")
	errInvalidAmount   = errors.New("quota: amount must be positive")
	errUnknownResource = errors.New("quota: unknown resource")
)

// ExceededError reports a denied consumption with the ceiling that was hit.
type ExceededError struct {
	Resource Resource
	Limit    int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded: %s limit %d reached", e.Resource, e.Limit)
}

// ParseResource validates a raw resource string.
func ParseResource(value string) (Resource, error) {
	switch Resource(strings.ToLower(strings.TrimSpace(value))) {
	case ResourceDocument:
		return ResourceDocument, nil
	case ResourceSummary:
		return ResourceSummary, nil
	case ResourceFlashcard:
		return ResourceFlashcard, nil
	case ResourceAIGeneration:
		return ResourceAIGeneration, nil
	default:
		return "", fmt.Errorf("%w: %q", errUnknownResource, value)
	}
}

// Entry is the persisted per-user, per-resource usage counter.
type Entry struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	Resource  Resource  `gorm:"column:resource;primaryKey;size:32;not null"`
	Used      int       `gorm:"column:used;not null;default:0"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "quota_ledger"
}

// Decision reports the outcome of a consumption attempt. Remaining and Limit
// are plans.Unbounded when the resource carries no ceiling.
type Decision struct {
	Granted   bool
	Remaining int
	Limit     int
}

// LimitsResolver yields the plan ceilings that apply to a user.
type LimitsResolver interface {
	LimitsForUser(ctx context.Context, userID string) (plans.Limits, error)
}

// LedgerConfig describes the dependencies required by the ledger.
type LedgerConfig struct {
	Database *gorm.DB
	Resolver LimitsResolver
	Logger   *zap.Logger
}

// Ledger enforces per-user resource ceilings with atomic check-and-increment
// semantics. The conditional update is the single linearization point: two
// concurrent consumers cannot both take the last unit of headroom.
type Ledger struct {
	db       *gorm.DB
	resolver LimitsResolver
	logger   *zap.Logger
}

// NewLedger constructs the quota ledger.
func NewLedger(cfg LedgerConfig) (*Ledger, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Resolver == nil {
		return nil, errMissingResolver
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{db: cfg.Database, resolver: cfg.Resolver, logger: logger}, nil
}

// TryConsume attempts to charge amount units of resource to the user. It
// never partially consumes: either the full amount is granted or the ledger
// is untouched and the decision reports the remaining headroom.
func (l *Ledger) TryConsume(ctx context.Context, userID string, resource Resource, amount int) (Decision, error) {
	if strings.TrimSpace(userID) == "" {
		return Decision{}, errMissingUserID
	}
	if amount <= 0 {
		return Decision{}, errInvalidAmount
	}

	limit, err := l.limitFor(ctx, userID, resource)
	if err != nil {
		return Decision{}, err
	}

	db := l.db.WithContext(ctx)
	if err := l.ensureEntry(db, userID, resource); err != nil {
		return Decision{}, err
	}

	if limit == plans.Unbounded {
		result := db.Model(&Entry{}).
			Where("user_id = ? AND resource = ?", userID, resource).
			Update("used", gorm.Expr("used + ?", amount))
		if result.Error != nil {
			return Decision{}, fmt.Errorf("quota: consume %s: %w", resource, result.Error)
		}
		return Decision{Granted: true, Remaining: plans.Unbounded, Limit: plans.Unbounded}, nil
	}

	// Conditional update: the guard re-checks headroom inside the database so
	// the read and the increment form one atomic step.
	result := db.Model(&Entry{}).
		Where("user_id = ? AND resource = ? AND used + ? <= ?", userID, resource, amount, limit).
		Update("used", gorm.Expr("used + ?", amount))
	if result.Error != nil {
		return Decision{}, fmt.Errorf("quota: consume %s: %w", resource, result.Error)
	}

	used, err := l.currentUsage(db, userID, resource)
	if err != nil {
		return Decision{}, err
	}

	if result.RowsAffected == 0 {
		l.logger.Info("quota consumption denied",
			zap.String("user_id", userID),
			zap.String("resource", string(resource)),
			zap.Int("amount", amount),
			zap.Int("limit", limit),
			zap.Int("used", used))
		return Decision{Granted: false, Remaining: max(limit-used, 0), Limit: limit}, nil
	}

	return Decision{Granted: true, Remaining: max(limit-used, 0), Limit: limit}, nil
}

// Release returns previously consumed units, flooring the counter at zero.
// Releasing more than is currently used is not an error.
func (l *Ledger) Release(ctx context.Context, userID string, resource Resource, amount int) error {
	return l.ReleaseIn(l.db.WithContext(ctx), userID, resource, amount)
}

// ReleaseIn performs a release on the supplied handle so cascade deletes can
// return units inside the same transaction that removes the rows.
func (l *Ledger) ReleaseIn(tx *gorm.DB, userID string, resource Resource, amount int) error {
	if strings.TrimSpace(userID) == "" {
		return errMissingUserID
	}
	if amount <= 0 {
		return errInvalidAmount
	}

	result := tx.Model(&Entry{}).
		Where("user_id = ? AND resource = ?", userID, resource).
		Update("used", gorm.Expr("CASE WHEN used > ? THEN used - ? ELSE 0 END", amount, amount))
	if result.Error != nil {
		return fmt.Errorf("quota: release %s: %w", resource, result.Error)
	}
	return nil
}

// Usage reports the current consumption counter for a user and resource.
func (l *Ledger) Usage(ctx context.Context, userID string, resource Resource) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, errMissingUserID
	}
	return l.currentUsage(l.db.WithContext(ctx), userID, resource)
}

func (l *Ledger) limitFor(ctx context.Context, userID string, resource Resource) (int, error) {
	limits, err := l.resolver.LimitsForUser(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("quota: resolve limits: %w", err)
	}
	switch resource {
	case ResourceDocument:
		return limits.Documents, nil
	case ResourceSummary:
		return limits.Summaries, nil
	case ResourceFlashcard:
		return limits.Flashcards, nil
	case ResourceAIGeneration:
		return limits.AIGenerations, nil
	default:
		return 0, fmt.Errorf("%w: %q", errUnknownResource, resource)
	}
}

func (l *Ledger) ensureEntry(db *gorm.DB, userID string, resource Resource) error {
	entry := Entry{UserID: userID, Resource: resource, Used: 0}
	err := db.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry).Error
	if err != nil {
		return fmt.Errorf("quota: ensure ledger row: %w", err)
	}
	return nil
}

func (l *Ledger) currentUsage(db *gorm.DB, userID string, resource Resource) (int, error) {
	var entry Entry
	err := db.Where("user_id = ? AND resource = ?", userID, resource).Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("quota: read ledger row: %w", err)
	}
	return entry.Used, nil
}
