package study

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultCategory = "General"

// CardInput describes a manually authored flashcard.
type CardInput struct {
	DocumentID string
	SummaryID  string
	Question   string
	Answer     string
	Category   string
}

// CardUpdate carries the editable flashcard fields. Nil means unchanged.
type CardUpdate struct {
	Question *string
	Answer   *string
	Category *string
}

// CardFilter narrows flashcard listings.
type CardFilter struct {
	Category   string
	DocumentID string
}

// CreateFlashcard stores a user-authored card after charging one flashcard
// unit.
func (s *Service) CreateFlashcard(ctx context.Context, userID string, input CardInput) (Flashcard, error) {
	question := strings.TrimSpace(input.Question)
	answer := strings.TrimSpace(input.Answer)
	if question == "" || answer == "" {
		return Flashcard{}, fmt.Errorf("%w: question and answer are required", ErrInvalidInput)
	}
	category := strings.TrimSpace(input.Category)
	if category == "" {
		category = defaultCategory
	}

	if input.DocumentID != "" {
		if _, err := s.GetDocument(ctx, userID, input.DocumentID); err != nil {
			return Flashcard{}, err
		}
	}
	if input.SummaryID != "" {
		if _, err := s.GetSummary(ctx, userID, input.SummaryID); err != nil {
			return Flashcard{}, err
		}
	}

	if err := s.consume(ctx, userID, quota.ResourceFlashcard, 1); err != nil {
		return Flashcard{}, err
	}

	id, err := s.newID()
	if err != nil {
		s.release(ctx, userID, quota.ResourceFlashcard, 1)
		return Flashcard{}, err
	}
	card := Flashcard{
		ID:        id,
		UserID:    userID,
		Question:  question,
		Answer:    answer,
		Category:  category,
		CreatedAt: s.clock().UTC(),
	}
	if input.DocumentID != "" {
		docID := input.DocumentID
		card.DocumentID = &docID
	}
	if input.SummaryID != "" {
		sumID := input.SummaryID
		card.SummaryID = &sumID
	}

	if err := s.db.WithContext(ctx).Create(&card).Error; err != nil {
		s.release(ctx, userID, quota.ResourceFlashcard, 1)
		return Flashcard{}, fmt.Errorf("study: create flashcard: %w", err)
	}
	return card, nil
}

// GetFlashcard loads a flashcard owned by the user.
func (s *Service) GetFlashcard(ctx context.Context, userID, cardID string) (Flashcard, error) {
	var card Flashcard
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", cardID, userID).
		Take(&card).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Flashcard{}, ErrNotFound
	}
	if err != nil {
		return Flashcard{}, fmt.Errorf("study: load flashcard: %w", err)
	}
	return card, nil
}

// ListFlashcards returns the user's cards, newest first, with optional
// category and document filters.
func (s *Service) ListFlashcards(ctx context.Context, userID string, filter CardFilter) ([]Flashcard, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.Category != "" {
		query = query.Where("category = ?", filter.Category)
	}
	if filter.DocumentID != "" {
		query = query.Where("document_id = ?", filter.DocumentID)
	}
	var cards []Flashcard
	if err := query.Order("created_at DESC").Find(&cards).Error; err != nil {
		return nil, fmt.Errorf("study: list flashcards: %w", err)
	}
	return cards, nil
}

// UpdateFlashcard edits question/answer/category on an owned card.
func (s *Service) UpdateFlashcard(ctx context.Context, userID, cardID string, update CardUpdate) (Flashcard, error) {
	updates := map[string]interface{}{}
	if update.Question != nil {
		question := strings.TrimSpace(*update.Question)
		if question == "" {
			return Flashcard{}, fmt.Errorf("%w: question cannot be empty", ErrInvalidInput)
		}
		updates["question"] = question
	}
	if update.Answer != nil {
		answer := strings.TrimSpace(*update.Answer)
		if answer == "" {
			return Flashcard{}, fmt.Errorf("%w: answer cannot be empty", ErrInvalidInput)
		}
		updates["answer"] = answer
	}
	if update.Category != nil {
		category := strings.TrimSpace(*update.Category)
		if category == "" {
			category = defaultCategory
		}
		updates["category"] = category
	}
	if len(updates) == 0 {
		return s.GetFlashcard(ctx, userID, cardID)
	}

	result := s.db.WithContext(ctx).Model(&Flashcard{}).
		Where("id = ? AND user_id = ?", cardID, userID).
		Updates(updates)
	if result.Error != nil {
		return Flashcard{}, fmt.Errorf("study: update flashcard: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return Flashcard{}, ErrNotFound
	}
	return s.GetFlashcard(ctx, userID, cardID)
}

// DeleteFlashcard removes an owned card and returns its ledger unit.
func (s *Service) DeleteFlashcard(ctx context.Context, userID, cardID string) error {
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where("id = ? AND user_id = ?", cardID, userID).Delete(&Flashcard{})
		if result.Error != nil {
			return fmt.Errorf("delete flashcard: %w", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return s.ledger.ReleaseIn(tx, userID, quota.ResourceFlashcard, 1)
	})
	if errors.Is(txErr, ErrNotFound) {
		return ErrNotFound
	}
	if txErr != nil {
		return fmt.Errorf("study: delete flashcard: %w", txErr)
	}
	return nil
}

// ReviewFlashcard applies a review outcome through the mastery transition
// function. The update is optimistic: it is guarded by the review count that
// produced the transition, so a concurrent review forces a re-read instead
// of a delta computed from a stale row. Retries are bounded.
func (s *Service) ReviewFlashcard(ctx context.Context, userID, cardID string, outcome ReviewOutcome) (Flashcard, error) {
	for attempt := 1; attempt <= reviewRetryAttempts; attempt++ {
		card, err := s.GetFlashcard(ctx, userID, cardID)
		if err != nil {
			return Flashcard{}, err
		}

		current := ReviewState{
			MasteryLevel:   card.MasteryLevel,
			ReviewCount:    card.ReviewCount,
			LastReviewedAt: card.LastReviewedAt,
		}
		next, err := NextReviewState(current, outcome, s.mastery, s.clock().UTC())
		if err != nil {
			return Flashcard{}, err
		}

		result := s.db.WithContext(ctx).Model(&Flashcard{}).
			Where("id = ? AND user_id = ? AND review_count = ?", cardID, userID, card.ReviewCount).
			Updates(map[string]interface{}{
				"mastery_level":    next.MasteryLevel,
				"review_count":     next.ReviewCount,
				"last_reviewed_at": next.LastReviewedAt,
			})
		if result.Error != nil {
			return Flashcard{}, fmt.Errorf("study: review flashcard: %w", result.Error)
		}
		if result.RowsAffected == 1 {
			card.MasteryLevel = next.MasteryLevel
			card.ReviewCount = next.ReviewCount
			card.LastReviewedAt = next.LastReviewedAt
			return card, nil
		}

		s.logger.Debug("review conflict, retrying",
			zap.String("card_id", cardID),
			zap.Int("attempt", attempt))
	}
	return Flashcard{}, ErrConflictRetry
}
