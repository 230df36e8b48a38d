package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsBackfillsFlashcardCategory(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&study.Flashcard{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	cards := []study.Flashcard{
		{ID: "card-1", UserID: "user-1", Question: "Q1", Answer: "A1", Category: ""},
		{ID: "card-2", UserID: "user-1", Question: "Q2", Answer: "A2", Category: "Biology"},
	}
	for index := range cards {
		// Select "category" forces GORM to write the empty string instead of
		// letting the column default take over.
		if err := database.Select("id", "user_id", "question", "answer", "category").Create(&cards[index]).Error; err != nil {
			testContext.Fatalf("failed to insert flashcard: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var backfilled study.Flashcard
	if err := database.Where("id = ?", "card-1").Take(&backfilled).Error; err != nil {
		testContext.Fatalf("failed to load backfilled card: %v", err)
	}
	if backfilled.Category != "General" {
		testContext.Fatalf("expected backfilled category General, got %q", backfilled.Category)
	}

	var untouched study.Flashcard
	if err := database.Where("id = ?", "card-2").Take(&untouched).Error; err != nil {
		testContext.Fatalf("failed to load untouched card: %v", err)
	}
	if untouched.Category != "Biology" {
		testContext.Fatalf("expected category Biology to survive, got %q", untouched.Category)
	}

	var records int64
	if err := database.Model(&migrationRecord{}).Count(&records).Error; err != nil {
		testContext.Fatalf("failed to count migration records: %v", err)
	}
	if records != 1 {
		testContext.Fatalf("expected a single migration record, got %d", records)
	}

	// Re-running must be a no-op.
	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to re-apply migrations: %v", err)
	}
}
