package dashboard

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"gorm.io/gorm"
)

const (
	recentItemLimit   = 5
	adminRecentWindow = 30 * 24 * time.Hour
)

var errMissingDatabase = errors.New("dashboard: database handle is required")

// UserStats is the per-user rollup shown on the dashboard. Mastery is the
// mean mastery level across the user's flashcards, zero when none exist.
type UserStats struct {
	DocumentsCount   int64
	SummariesCount   int64
	FlashcardsCount  int64
	Mastery          int
	RecentDocuments  []study.Document
	RecentSummaries  []study.Summary
	RecentFlashcards []study.Flashcard
}

// AdminStats is the operator rollup: global totals plus 30-day activity.
type AdminStats struct {
	TotalUsers       int64
	RecentSignups    int64
	TotalDocuments   int64
	TotalSummaries   int64
	TotalFlashcards  int64
	RecentDocuments  int64
	RecentSummaries  int64
	RecentFlashcards int64
}

// AggregatorConfig describes the aggregator's dependencies.
type AggregatorConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Aggregator computes read-only rollups. It holds no business rules and
// never mutates state.
type Aggregator struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewAggregator constructs the dashboard aggregator.
func NewAggregator(cfg AggregatorConfig) (*Aggregator, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Aggregator{db: cfg.Database, clock: clock}, nil
}

// UserStats rolls up a single user's content. Users with no records get
// zeros and empty listings, never an error.
func (a *Aggregator) UserStats(ctx context.Context, userID string) (UserStats, error) {
	db := a.db.WithContext(ctx)
	stats := UserStats{}

	if err := db.Model(&study.Document{}).Where("user_id = ?", userID).
		Count(&stats.DocumentsCount).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: count documents: %w", err)
	}
	if err := db.Model(&study.Summary{}).Where("user_id = ?", userID).
		Count(&stats.SummariesCount).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: count summaries: %w", err)
	}
	if err := db.Model(&study.Flashcard{}).Where("user_id = ?", userID).
		Count(&stats.FlashcardsCount).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: count flashcards: %w", err)
	}

	if stats.FlashcardsCount > 0 {
		var mean float64
		err := db.Model(&study.Flashcard{}).
			Where("user_id = ?", userID).
			Select("AVG(mastery_level)").
			Scan(&mean).Error
		if err != nil {
			return UserStats{}, fmt.Errorf("dashboard: aggregate mastery: %w", err)
		}
		stats.Mastery = int(mean)
	}

	if err := db.Where("user_id = ?", userID).
		Order("uploaded_at DESC").Limit(recentItemLimit).
		Find(&stats.RecentDocuments).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: recent documents: %w", err)
	}
	if err := db.Where("user_id = ?", userID).
		Order("created_at DESC").Limit(recentItemLimit).
		Find(&stats.RecentSummaries).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: recent summaries: %w", err)
	}
	if err := db.Where("user_id = ?", userID).
		Order("created_at DESC").Limit(recentItemLimit).
		Find(&stats.RecentFlashcards).Error; err != nil {
		return UserStats{}, fmt.Errorf("dashboard: recent flashcards: %w", err)
	}

	return stats, nil
}

// AdminStats rolls up system-wide totals and the last 30 days of activity.
func (a *Aggregator) AdminStats(ctx context.Context) (AdminStats, error) {
	db := a.db.WithContext(ctx)
	cutoff := a.clock().UTC().Add(-adminRecentWindow)
	stats := AdminStats{}

	counts := []struct {
		model  interface{}
		target *int64
	}{
		{&users.User{}, &stats.TotalUsers},
		{&study.Document{}, &stats.TotalDocuments},
		{&study.Summary{}, &stats.TotalSummaries},
		{&study.Flashcard{}, &stats.TotalFlashcards},
	}
	for _, c := range counts {
		if err := db.Model(c.model).Count(c.target).Error; err != nil {
			return AdminStats{}, fmt.Errorf("dashboard: admin totals: %w", err)
		}
	}

	if err := db.Model(&users.User{}).Where("created_at >= ?", cutoff).
		Count(&stats.RecentSignups).Error; err != nil {
		return AdminStats{}, fmt.Errorf("dashboard: recent signups: %w", err)
	}
	if err := db.Model(&study.Document{}).Where("uploaded_at >= ?", cutoff).
		Count(&stats.RecentDocuments).Error; err != nil {
		return AdminStats{}, fmt.Errorf("dashboard: recent documents: %w", err)
	}
	if err := db.Model(&study.Summary{}).Where("created_at >= ?", cutoff).
		Count(&stats.RecentSummaries).Error; err != nil {
		return AdminStats{}, fmt.Errorf("dashboard: recent summaries: %w", err)
	}
	if err := db.Model(&study.Flashcard{}).Where("created_at >= ?", cutoff).
		Count(&stats.RecentFlashcards).Error; err != nil {
		return AdminStats{}, fmt.Errorf("dashboard: recent flashcards: %w", err)
	}

	return stats, nil
}
