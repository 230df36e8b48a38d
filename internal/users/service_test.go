package users

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pensarlabs/studyforge/backend/internal/plans"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}
	return service
}

func mustRegister(t *testing.T, service *Service, email, password string) User {
	t.Helper()
	account, err := service.Register(context.Background(), email, password, "Learner")
	if err != nil {
		t.Fatalf("unexpected register error: %v", err)
	}
	return account
}

func TestRegisterCreatesFreeTierAccount(t *testing.T) {
	service := newTestService(t)

	account := mustRegister(t, service, "Learner@Example.com", "long-enough-password")
	if account.Email != "learner@example.com" {
		t.Fatalf("expected normalized email, got %q", account.Email)
	}
	if account.PlanTier != plans.TierFree {
		t.Fatalf("expected free tier, got %q", account.PlanTier)
	}
	if account.PasswordHash == "" || account.PasswordHash == "long-enough-password" {
		t.Fatalf("expected hashed password, got %q", account.PasswordHash)
	}
	if account.IsAdmin {
		t.Fatalf("expected non-admin by default")
	}
}

func TestRegisterRejectsDuplicateEmail(t *testing.T) {
	service := newTestService(t)
	mustRegister(t, service, "learner@example.com", "long-enough-password")

	_, err := service.Register(context.Background(), "LEARNER@example.com", "another-password", "Copy")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterValidatesInput(t *testing.T) {
	service := newTestService(t)

	if _, err := service.Register(context.Background(), "not-an-email", "long-enough-password", ""); !errors.Is(err, ErrInvalidEmail) {
		t.Fatalf("expected ErrInvalidEmail, got %v", err)
	}
	if _, err := service.Register(context.Background(), "a@b.com", "short", ""); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("expected ErrWeakPassword, got %v", err)
	}
}

func TestAuthenticate(t *testing.T) {
	service := newTestService(t)
	account := mustRegister(t, service, "learner@example.com", "long-enough-password")

	authenticated, err := service.Authenticate(context.Background(), "LEARNER@example.com ", "long-enough-password")
	if err != nil {
		t.Fatalf("unexpected authenticate error: %v", err)
	}
	if authenticated.ID != account.ID {
		t.Fatalf("expected the registered account back")
	}

	if _, err := service.Authenticate(context.Background(), "learner@example.com", "wrong-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for bad password, got %v", err)
	}
	if _, err := service.Authenticate(context.Background(), "nobody@example.com", "long-enough-password"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials for unknown email, got %v", err)
	}
}

func TestGrantAndRevokePro(t *testing.T) {
	service := newTestService(t)
	account := mustRegister(t, service, "learner@example.com", "long-enough-password")

	if err := service.GrantPro(context.Background(), account.ID); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	upgraded, err := service.GetByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if upgraded.PlanTier != plans.TierPro {
		t.Fatalf("expected pro tier after grant, got %q", upgraded.PlanTier)
	}
	if upgraded.ProSince == nil {
		t.Fatalf("expected pro_since timestamp after grant")
	}

	if err := service.RevokePro(context.Background(), account.ID); err != nil {
		t.Fatalf("unexpected revoke error: %v", err)
	}
	downgraded, err := service.GetByID(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if downgraded.PlanTier != plans.TierFree {
		t.Fatalf("expected free tier after revoke, got %q", downgraded.PlanTier)
	}
	if downgraded.ProSince != nil {
		t.Fatalf("expected pro_since cleared after revoke")
	}
}

func TestGrantProUnknownUser(t *testing.T) {
	service := newTestService(t)

	if err := service.GrantPro(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLimitsForUserFollowsTier(t *testing.T) {
	service := newTestService(t)
	account := mustRegister(t, service, "learner@example.com", "long-enough-password")

	limits, err := service.LimitsForUser(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("unexpected limits error: %v", err)
	}
	if limits != plans.LimitsFor(plans.TierFree) {
		t.Fatalf("expected free limits, got %#v", limits)
	}

	if err := service.GrantPro(context.Background(), account.ID); err != nil {
		t.Fatalf("unexpected grant error: %v", err)
	}
	limits, err = service.LimitsForUser(context.Background(), account.ID)
	if err != nil {
		t.Fatalf("unexpected limits error: %v", err)
	}
	if limits.Documents != plans.Unbounded {
		t.Fatalf("expected unbounded documents after grant, got %d", limits.Documents)
	}

	if _, err := service.LimitsForUser(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown user, got %v", err)
	}
}

func TestRegisterMapsDuplicateInsertToEmailTaken(t *testing.T) {
	db, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&User{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      func() time.Time { return time.Unix(1700000000, 0).UTC() },
		IDProvider: NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to build users service: %v", err)
	}

	// A competing registration lands between the availability lookup and
	// the insert, so the unique index rejects the second row.
	inserted := false
	interfere := func(tx *gorm.DB) {
		if tx.Statement.Table != "users" || inserted {
			return
		}
		inserted = true
		db.Session(&gorm.Session{NewDB: true, SkipHooks: true}).
			Exec("INSERT INTO users (id, email, display_name, password_hash, plan_tier, is_admin, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
				"winner-id", "raced@example.com", "Winner", "hash", "free", false,
				time.Unix(1700000000, 0).UTC(), time.Unix(1700000000, 0).UTC())
	}
	if err := db.Callback().Query().After("gorm:query").Register("test:race", interfere); err != nil {
		t.Fatalf("failed to register callback: %v", err)
	}
	defer db.Callback().Query().Remove("test:race")

	_, err = service.Register(context.Background(), "raced@example.com", "long-enough-password", "Learner")
	if !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken for lost race, got %v", err)
	}

	var winner User
	if err := db.Where("email = ?", "raced@example.com").Take(&winner).Error; err != nil {
		t.Fatalf("unexpected lookup error: %v", err)
	}
	if winner.ID != "winner-id" {
		t.Fatalf("expected the first registration to survive, got %q", winner.ID)
	}
}
