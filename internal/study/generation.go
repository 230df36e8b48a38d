package study

import (
	"context"
	"errors"
	"fmt"

	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// GenerateSummary runs the full pipeline for a document: quota check,
// extraction, AI generation, persistence. Any failure after a unit has been
// charged releases it before the error propagates; a user is never billed
// for a generation that produced no persisted output.
func (s *Service) GenerateSummary(ctx context.Context, userID, documentID string) (Summary, error) {
	document, err := s.GetDocument(ctx, userID, documentID)
	if err != nil {
		return Summary{}, err
	}

	if err := s.consume(ctx, userID, quota.ResourceSummary, 1); err != nil {
		return Summary{}, err
	}
	if err := s.consume(ctx, userID, quota.ResourceAIGeneration, 1); err != nil {
		s.release(ctx, userID, quota.ResourceSummary, 1)
		return Summary{}, err
	}
	releaseAll := func() {
		s.release(ctx, userID, quota.ResourceSummary, 1)
		s.release(ctx, userID, quota.ResourceAIGeneration, 1)
	}

	text, err := s.documentText(ctx, &document)
	if err != nil {
		releaseAll()
		return Summary{}, err
	}

	result, err := s.generator.Summarize(ctx, text)
	if err != nil {
		releaseAll()
		s.logger.Warn("summary generation failed",
			zap.String("user_id", userID),
			zap.String("document_id", documentID),
			zap.Error(err))
		return Summary{}, err
	}

	id, err := s.newID()
	if err != nil {
		releaseAll()
		return Summary{}, err
	}
	summary := Summary{
		ID:         id,
		UserID:     userID,
		DocumentID: documentID,
		Narrative:  result.Narrative,
		KeyPoints:  result.KeyPoints,
		CreatedAt:  s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&summary).Error; err != nil {
		releaseAll()
		return Summary{}, fmt.Errorf("study: create summary: %w", err)
	}

	s.logger.Info("summary generated",
		zap.String("user_id", userID),
		zap.String("document_id", documentID),
		zap.String("summary_id", summary.ID),
		zap.Int("key_points", len(summary.KeyPoints)))
	return summary, nil
}

// GenerateFlashcardsInput selects the generation source: exactly one of
// DocumentID or SummaryID must be set. Count defaults to 10, capped at 50.
type GenerateFlashcardsInput struct {
	DocumentID string
	SummaryID  string
	Count      int
}

// GenerateFlashcards produces a batch of AI-generated flashcards. The
// flashcard quota is charged by the delivered count, not the requested one:
// undelivered units are never reserved.
func (s *Service) GenerateFlashcards(ctx context.Context, userID string, input GenerateFlashcardsInput) ([]Flashcard, error) {
	count := input.Count
	if count <= 0 {
		count = defaultFlashcardCount
	}
	if count > maxFlashcardCount {
		count = maxFlashcardCount
	}

	text, documentID, summaryID, err := s.generationSource(ctx, userID, input)
	if err != nil {
		return nil, err
	}

	if err := s.consume(ctx, userID, quota.ResourceAIGeneration, 1); err != nil {
		return nil, err
	}

	drafts, err := s.generator.GenerateFlashcards(ctx, text, count)
	if err != nil {
		s.release(ctx, userID, quota.ResourceAIGeneration, 1)
		s.logger.Warn("flashcard generation failed",
			zap.String("user_id", userID),
			zap.String("document_id", documentID),
			zap.Error(err))
		return nil, err
	}

	if err := s.consume(ctx, userID, quota.ResourceFlashcard, len(drafts)); err != nil {
		s.release(ctx, userID, quota.ResourceAIGeneration, 1)
		return nil, err
	}
	releaseAll := func() {
		s.release(ctx, userID, quota.ResourceFlashcard, len(drafts))
		s.release(ctx, userID, quota.ResourceAIGeneration, 1)
	}

	now := s.clock().UTC()
	cards := make([]Flashcard, 0, len(drafts))
	for _, draft := range drafts {
		id, err := s.newID()
		if err != nil {
			releaseAll()
			return nil, err
		}
		card := Flashcard{
			ID:        id,
			UserID:    userID,
			Question:  draft.Question,
			Answer:    draft.Answer,
			Category:  draft.Category,
			CreatedAt: now,
		}
		if documentID != "" {
			docID := documentID
			card.DocumentID = &docID
		}
		if summaryID != "" {
			sumID := summaryID
			card.SummaryID = &sumID
		}
		cards = append(cards, card)
	}

	if err := s.db.WithContext(ctx).Create(&cards).Error; err != nil {
		releaseAll()
		return nil, fmt.Errorf("study: create flashcards: %w", err)
	}

	s.logger.Info("flashcards generated",
		zap.String("user_id", userID),
		zap.String("document_id", documentID),
		zap.Int("requested", count),
		zap.Int("delivered", len(cards)))
	return cards, nil
}

// generationSource resolves the text to generate from. Summaries reuse their
// narrative directly; documents go through cached extraction.
func (s *Service) generationSource(ctx context.Context, userID string, input GenerateFlashcardsInput) (text, documentID, summaryID string, err error) {
	switch {
	case input.SummaryID != "":
		summary, err := s.GetSummary(ctx, userID, input.SummaryID)
		if err != nil {
			return "", "", "", err
		}
		return summary.Narrative, summary.DocumentID, summary.ID, nil
	case input.DocumentID != "":
		document, err := s.GetDocument(ctx, userID, input.DocumentID)
		if err != nil {
			return "", "", "", err
		}
		text, err := s.documentText(ctx, &document)
		if err != nil {
			return "", "", "", err
		}
		return text, document.ID, "", nil
	default:
		return "", "", "", fmt.Errorf("%w: a document or summary source is required", ErrInvalidInput)
	}
}

// documentText returns the document's plain text, extracting and caching it
// on first use. Extraction errors propagate verbatim so callers can report
// the precise failure kind.
func (s *Service) documentText(ctx context.Context, document *Document) (string, error) {
	if document.ExtractedText != "" {
		return document.ExtractedText, nil
	}

	data, err := s.files.Read(ctx, document.FileRef)
	if err != nil {
		return "", fmt.Errorf("study: read stored file: %w", err)
	}
	text, err := s.extractor.Extract(data, document.FileType)
	if err != nil {
		return "", err
	}

	if err := s.db.WithContext(ctx).Model(&Document{}).
		Where("id = ?", document.ID).
		Update("extracted_text", text).Error; err != nil {
		// Cache write failure is not fatal; the text is already in hand.
		s.logger.Warn("extraction cache write failed",
			zap.String("document_id", document.ID),
			zap.Error(err))
	}
	document.ExtractedText = text
	return text, nil
}

// GetSummary loads a summary owned by the user.
func (s *Service) GetSummary(ctx context.Context, userID, summaryID string) (Summary, error) {
	var summary Summary
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", summaryID, userID).
		Take(&summary).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Summary{}, ErrNotFound
	}
	if err != nil {
		return Summary{}, fmt.Errorf("study: load summary: %w", err)
	}
	return summary, nil
}

// ListSummaries returns the user's summaries, newest first, optionally
// filtered by source document.
func (s *Service) ListSummaries(ctx context.Context, userID, documentID string) ([]Summary, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if documentID != "" {
		query = query.Where("document_id = ?", documentID)
	}
	var summaries []Summary
	if err := query.Order("created_at DESC").Find(&summaries).Error; err != nil {
		return nil, fmt.Errorf("study: list summaries: %w", err)
	}
	return summaries, nil
}

// DeleteSummary removes a summary, its dependent flashcards, and returns the
// corresponding ledger units in one transaction.
func (s *Service) DeleteSummary(ctx context.Context, userID, summaryID string) error {
	if _, err := s.GetSummary(ctx, userID, summaryID); err != nil {
		return err
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var flashcardCount int64
		if err := tx.Model(&Flashcard{}).
			Where("user_id = ? AND summary_id = ?", userID, summaryID).
			Count(&flashcardCount).Error; err != nil {
			return fmt.Errorf("count flashcards: %w", err)
		}
		if err := tx.Where("user_id = ? AND summary_id = ?", userID, summaryID).
			Delete(&Flashcard{}).Error; err != nil {
			return fmt.Errorf("delete flashcards: %w", err)
		}
		if err := tx.Where("id = ? AND user_id = ?", summaryID, userID).
			Delete(&Summary{}).Error; err != nil {
			return fmt.Errorf("delete summary: %w", err)
		}
		if err := s.ledger.ReleaseIn(tx, userID, quota.ResourceSummary, 1); err != nil {
			return err
		}
		if flashcardCount > 0 {
			if err := s.ledger.ReleaseIn(tx, userID, quota.ResourceFlashcard, int(flashcardCount)); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("study: delete summary: %w", txErr)
	}
	return nil
}
