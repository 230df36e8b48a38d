package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/plans"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

const (
	minPasswordLength = 8
	maxEmailLength    = 320
)

var (
	// ErrNotFound indicates no account exists for the requested identifier.
	ErrNotFound = errors.New("users: account not found")
	// ErrEmailTaken indicates registration collided with an existing account.
	ErrEmailTaken = errors.New("users: email already registered")
	// ErrInvalidCredentials indicates a failed email/password check.
	ErrInvalidCredentials = errors.New("users: invalid credentials")
	// ErrInvalidEmail indicates an unusable email value.
	ErrInvalidEmail = errors.New("users: invalid email")
	// ErrWeakPassword indicates the password does not meet the minimum length.
	ErrWeakPassword = errors.New("users: password too short")

	errMissingDatabase   = errors.New("users: database handle is required")
	errMissingIDProvider = errors.New("users: id provider is required")
)

// IDProvider issues identifiers for new accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required by the account service.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service manages accounts, credentials, and the plan entitlement contract.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
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
	return &Service{db: cfg.Database, clock: clock, idProvider: cfg.IDProvider, logger: logger}, nil
}

// Register creates a free-tier account with a bcrypt-hashed password.
func (s *Service) Register(ctx context.Context, email, password, displayName string) (User, error) {
	email = normalizeEmail(email)
	if email == "" || len(email) > maxEmailLength || !strings.Contains(email, "@") {
		return User{}, ErrInvalidEmail
	}
	if len(password) < minPasswordLength {
		return User{}, ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return User{}, fmt.Errorf("users: hash password: %w", err)
	}
	id, err := s.idProvider.NewID()
	if err != nil {
		return User{}, fmt.Errorf("users: generate id: %w", err)
	}

	account := User{
		ID:           id,
		Email:        email,
		DisplayName:  strings.TrimSpace(displayName),
		PasswordHash: string(hash),
		PlanTier:     plans.TierFree,
	}

	var existing User
	err = s.db.WithContext(ctx).Where("email = ?", email).Take(&existing).Error
	if err == nil {
		return User{}, ErrEmailTaken
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, fmt.Errorf("users: lookup email: %w", err)
	}

	if err := s.db.WithContext(ctx).Create(&account).Error; err != nil {
		// A concurrent registration can win the unique index between the
		// lookup and the insert.
		var winner User
		if lookupErr := s.db.WithContext(ctx).Where("email = ?", email).Take(&winner).Error; lookupErr == nil {
			return User{}, ErrEmailTaken
		}
		return User{}, fmt.Errorf("users: create account: %w", err)
	}

	s.logger.Info("account registered", zap.String("user_id", account.ID))
	return account, nil
}

// Authenticate verifies an email/password pair and returns the account.
func (s *Service) Authenticate(ctx context.Context, email, password string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrInvalidCredentials
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lookup account: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)) != nil {
		return User{}, ErrInvalidCredentials
	}
	return account, nil
}

// GetByID loads an account by identifier.
func (s *Service) GetByID(ctx context.Context, userID string) (User, error) {
	var account User
	err := s.db.WithContext(ctx).Where("id = ?", userID).Take(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return User{}, ErrNotFound
	}
	if err != nil {
		return User{}, fmt.Errorf("users: lookup account: %w", err)
	}
	return account, nil
}

// GrantPro upgrades the account to the pro tier. It is invoked by the
// payment collaborator after out-of-scope checkout confirmation.
func (s *Service) GrantPro(ctx context.Context, userID string) error {
	now := s.clock().UTC()
	return s.setTier(ctx, userID, plans.TierPro, &now)
}

// RevokePro downgrades the account back to the free tier.
func (s *Service) RevokePro(ctx context.Context, userID string) error {
	return s.setTier(ctx, userID, plans.TierFree, nil)
}

func (s *Service) setTier(ctx context.Context, userID string, tier plans.Tier, proSince *time.Time) error {
	result := s.db.WithContext(ctx).Model(&User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"plan_tier": tier,
			"pro_since": proSince,
		})
	if result.Error != nil {
		return fmt.Errorf("users: update plan tier: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	s.logger.Info("plan tier updated",
		zap.String("user_id", userID),
		zap.String("plan_tier", string(tier)))
	return nil
}

// LimitsForUser resolves the plan ceilings for a user. It satisfies the
// quota ledger's resolver contract.
func (s *Service) LimitsForUser(ctx context.Context, userID string) (plans.Limits, error) {
	account, err := s.GetByID(ctx, userID)
	if err != nil {
		return plans.Limits{}, err
	}
	return plans.LimitsFor(account.PlanTier), nil
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}
