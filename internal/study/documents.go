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

// UploadInput describes a document upload request.
type UploadInput struct {
	Title       string
	Filename    string
	ContentType string
	Data        []byte
}

// CreateDocument stores an upload after the plan's file size and document
// quota checks pass. The ledger charge precedes the file write so a denied
// user never produces stored bytes; any later failure releases the unit.
func (s *Service) CreateDocument(ctx context.Context, userID string, input UploadInput) (Document, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" || len(input.Data) == 0 {
		return Document{}, fmt.Errorf("%w: title and file are required", ErrInvalidInput)
	}

	limits, err := s.limits.LimitsForUser(ctx, userID)
	if err != nil {
		return Document{}, fmt.Errorf("study: resolve limits: %w", err)
	}
	size := int64(len(input.Data))
	if size > limits.MaxFileSize {
		return Document{}, &FileTooLargeError{Size: size, Limit: limits.MaxFileSize}
	}

	if err := s.consume(ctx, userID, quota.ResourceDocument, 1); err != nil {
		return Document{}, err
	}

	fileRef, err := s.files.Save(ctx, userID, input.Filename, input.Data)
	if err != nil {
		s.release(ctx, userID, quota.ResourceDocument, 1)
		return Document{}, fmt.Errorf("study: store upload: %w", err)
	}

	id, err := s.newID()
	if err != nil {
		s.release(ctx, userID, quota.ResourceDocument, 1)
		s.removeStoredFile(ctx, fileRef)
		return Document{}, err
	}

	document := Document{
		ID:         id,
		UserID:     userID,
		Title:      title,
		FileRef:    fileRef,
		FileType:   strings.TrimSpace(input.ContentType),
		FileSize:   size,
		UploadedAt: s.clock().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.release(ctx, userID, quota.ResourceDocument, 1)
		s.removeStoredFile(ctx, fileRef)
		return Document{}, fmt.Errorf("study: create document: %w", err)
	}

	s.logger.Info("document uploaded",
		zap.String("user_id", userID),
		zap.String("document_id", document.ID),
		zap.Int64("file_size", size))
	return document, nil
}

// GetDocument loads a document owned by the user.
func (s *Service) GetDocument(ctx context.Context, userID, documentID string) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", documentID, userID).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, fmt.Errorf("study: load document: %w", err)
	}
	return document, nil
}

// ListDocuments returns the user's documents, newest first.
func (s *Service) ListDocuments(ctx context.Context, userID string) ([]Document, error) {
	var documents []Document
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("uploaded_at DESC").
		Find(&documents).Error
	if err != nil {
		return nil, fmt.Errorf("study: list documents: %w", err)
	}
	return documents, nil
}

// DeleteDocument removes the document and cascades to its summaries and
// flashcards. Row deletions and the corresponding ledger releases commit in
// one transaction; removing the stored file afterwards is best-effort.
func (s *Service) DeleteDocument(ctx context.Context, userID, documentID string) error {
	document, err := s.GetDocument(ctx, userID, documentID)
	if err != nil {
		return err
	}

	var summaryCount, flashcardCount int64
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Cards created from a summary carry only summary_id, so the
		// cascade has to reach them through the document's summary set.
		summaryIDs := func() *gorm.DB {
			return tx.Model(&Summary{}).
				Select("id").
				Where("user_id = ? AND document_id = ?", userID, documentID)
		}

		if err := tx.Model(&Summary{}).
			Where("user_id = ? AND document_id = ?", userID, documentID).
			Count(&summaryCount).Error; err != nil {
			return fmt.Errorf("count summaries: %w", err)
		}
		if err := tx.Model(&Flashcard{}).
			Where("user_id = ? AND (document_id = ? OR summary_id IN (?))", userID, documentID, summaryIDs()).
			Count(&flashcardCount).Error; err != nil {
			return fmt.Errorf("count flashcards: %w", err)
		}

		if err := tx.Where("user_id = ? AND (document_id = ? OR summary_id IN (?))", userID, documentID, summaryIDs()).
			Delete(&Flashcard{}).Error; err != nil {
			return fmt.Errorf("delete flashcards: %w", err)
		}
		if err := tx.Where("user_id = ? AND document_id = ?", userID, documentID).
			Delete(&Summary{}).Error; err != nil {
			return fmt.Errorf("delete summaries: %w", err)
		}
		if err := tx.Where("id = ? AND user_id = ?", documentID, userID).
			Delete(&Document{}).Error; err != nil {
			return fmt.Errorf("delete document: %w", err)
		}

		if err := s.ledger.ReleaseIn(tx, userID, quota.ResourceDocument, 1); err != nil {
			return err
		}
		if summaryCount > 0 {
			if err := s.ledger.ReleaseIn(tx, userID, quota.ResourceSummary, int(summaryCount)); err != nil {
				return err
			}
		}
		if flashcardCount > 0 {
			if err := s.ledger.ReleaseIn(tx, userID, quota.ResourceFlashcard, int(flashcardCount)); err != nil {
				return err
			}
		}
		return nil
	})
	if txErr != nil {
		return fmt.Errorf("study: delete document: %w", txErr)
	}

	s.removeStoredFile(ctx, document.FileRef)
	s.logger.Info("document deleted",
		zap.String("user_id", userID),
		zap.String("document_id", documentID),
		zap.Int64("summaries_removed", summaryCount),
		zap.Int64("flashcards_removed", flashcardCount))
	return nil
}

func (s *Service) removeStoredFile(ctx context.Context, fileRef string) {
	if err := s.files.Delete(ctx, fileRef); err != nil {
		s.logger.Warn("stored file cleanup failed",
			zap.String("file_ref", fileRef),
			zap.Error(err))
	}
}
