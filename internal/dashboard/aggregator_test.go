package dashboard

import (
	"context"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"gorm.io/gorm"
)

func newTestAggregator(t *testing.T, clock func() time.Time) (*Aggregator, *gorm.DB) {
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
	if err := db.AutoMigrate(&users.User{}, &study.Document{}, &study.Summary{}, &study.Flashcard{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	aggregator, err := NewAggregator(AggregatorConfig{Database: db, Clock: clock})
	if err != nil {
		t.Fatalf("failed to build aggregator: %v", err)
	}
	return aggregator, db
}

func TestUserStatsZeroRecordUser(t *testing.T) {
	aggregator, _ := newTestAggregator(t, time.Now)

	stats, err := aggregator.UserStats(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.DocumentsCount != 0 || stats.SummariesCount != 0 || stats.FlashcardsCount != 0 {
		t.Fatalf("expected zero counts, got %#v", stats)
	}
	if stats.Mastery != 0 {
		t.Fatalf("expected zero mastery without cards, got %d", stats.Mastery)
	}
	if len(stats.RecentDocuments) != 0 || len(stats.RecentSummaries) != 0 || len(stats.RecentFlashcards) != 0 {
		t.Fatalf("expected empty listings, got %#v", stats)
	}
}

func TestUserStatsAveragesMastery(t *testing.T) {
	aggregator, db := newTestAggregator(t, time.Now)

	now := time.Unix(1700000000, 0).UTC()
	cards := []study.Flashcard{
		{ID: "card-1", UserID: "user-1", Question: "Q1", Answer: "A1", Category: "Bio", MasteryLevel: 100, CreatedAt: now},
		{ID: "card-2", UserID: "user-1", Question: "Q2", Answer: "A2", Category: "Bio", MasteryLevel: 50, CreatedAt: now},
		{ID: "card-3", UserID: "user-1", Question: "Q3", Answer: "A3", Category: "Bio", MasteryLevel: 0, CreatedAt: now},
		{ID: "card-4", UserID: "user-2", Question: "Q4", Answer: "A4", Category: "Bio", MasteryLevel: 100, CreatedAt: now},
	}
	if err := db.Create(&cards).Error; err != nil {
		t.Fatalf("failed to insert cards: %v", err)
	}

	stats, err := aggregator.UserStats(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.FlashcardsCount != 3 {
		t.Fatalf("expected 3 cards for user-1, got %d", stats.FlashcardsCount)
	}
	if stats.Mastery != 50 {
		t.Fatalf("expected mean mastery 50, got %d", stats.Mastery)
	}
}

func TestUserStatsRecentListingsAreBounded(t *testing.T) {
	aggregator, db := newTestAggregator(t, time.Now)

	base := time.Unix(1700000000, 0).UTC()
	for i := 0; i < 8; i++ {
		document := study.Document{
			ID:         string(rune('a' + i)),
			UserID:     "user-1",
			Title:      "Doc",
			FileRef:    "user-1/ref",
			FileType:   "text/plain",
			FileSize:   1,
			UploadedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := db.Create(&document).Error; err != nil {
			t.Fatalf("failed to insert document: %v", err)
		}
	}

	stats, err := aggregator.UserStats(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.DocumentsCount != 8 {
		t.Fatalf("expected count 8, got %d", stats.DocumentsCount)
	}
	if len(stats.RecentDocuments) != recentItemLimit {
		t.Fatalf("expected %d recent documents, got %d", recentItemLimit, len(stats.RecentDocuments))
	}
	// Newest first.
	if !stats.RecentDocuments[0].UploadedAt.After(stats.RecentDocuments[1].UploadedAt) {
		t.Fatalf("expected newest-first ordering")
	}
}

func TestAdminStatsWindowsRecentActivity(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	aggregator, db := newTestAggregator(t, func() time.Time { return now })

	old := now.Add(-60 * 24 * time.Hour)
	fresh := now.Add(-24 * time.Hour)

	accounts := []users.User{
		{ID: "user-1", Email: "old@example.com", PasswordHash: "x", CreatedAt: old},
		{ID: "user-2", Email: "new@example.com", PasswordHash: "x", CreatedAt: fresh},
	}
	if err := db.Create(&accounts).Error; err != nil {
		t.Fatalf("failed to insert users: %v", err)
	}
	documents := []study.Document{
		{ID: "doc-1", UserID: "user-1", Title: "Old", FileRef: "r1", FileType: "text/plain", FileSize: 1, UploadedAt: old},
		{ID: "doc-2", UserID: "user-2", Title: "New", FileRef: "r2", FileType: "text/plain", FileSize: 1, UploadedAt: fresh},
	}
	if err := db.Create(&documents).Error; err != nil {
		t.Fatalf("failed to insert documents: %v", err)
	}

	stats, err := aggregator.AdminStats(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.TotalUsers != 2 || stats.TotalDocuments != 2 {
		t.Fatalf("unexpected totals: %#v", stats)
	}
	if stats.RecentSignups != 1 {
		t.Fatalf("expected 1 recent signup, got %d", stats.RecentSignups)
	}
	if stats.RecentDocuments != 1 {
		t.Fatalf("expected 1 recent document, got %d", stats.RecentDocuments)
	}
}
