package study

import (
	"time"

	"gorm.io/datatypes"
)

// Document is an uploaded file owned by a user. Rows are immutable after
// creation except for the cached extraction text and deletion.
type Document struct {
	ID            string    `gorm:"column:id;primaryKey;size:190;not null"`
	UserID        string    `gorm:"column:user_id;size:190;not null;index:idx_documents_user_uploaded,priority:1"`
	Title         string    `gorm:"column:title;size:255;not null"`
	FileRef       string    `gorm:"column:file_ref;size:512;not null"`
	FileType      string    `gorm:"column:file_type;size:255;not null"`
	FileSize      int64     `gorm:"column:file_size;not null"`
	ExtractedText string    `gorm:"column:extracted_text;type:text"`
	UploadedAt    time.Time `gorm:"column:uploaded_at;not null;index:idx_documents_user_uploaded,priority:2"`
	UpdatedAt     time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Summary is an AI-generated narrative for a document. Each generation call
// appends a new row; the UI surfaces the most recent one.
type Summary struct {
	ID         string                      `gorm:"column:id;primaryKey;size:190;not null"`
	UserID     string                      `gorm:"column:user_id;size:190;not null;index:idx_summaries_user_created,priority:1"`
	DocumentID string                      `gorm:"column:document_id;size:190;not null;index"`
	Narrative  string                      `gorm:"column:narrative;type:text;not null"`
	KeyPoints  datatypes.JSONSlice[string] `gorm:"column:key_points;not null"`
	CreatedAt  time.Time                   `gorm:"column:created_at;not null;index:idx_summaries_user_created,priority:2"`
	UpdatedAt  time.Time                   `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Summary) TableName() string {
	return "summaries"
}

// Flashcard is a study card. AI-generated cards reference their source
// document (and summary, when generated from one); manually authored cards
// may reference neither.
type Flashcard struct {
	ID             string     `gorm:"column:id;primaryKey;size:190;not null"`
	UserID         string     `gorm:"column:user_id;size:190;not null;index:idx_flashcards_user_created,priority:1"`
	DocumentID     *string    `gorm:"column:document_id;size:190;index"`
	SummaryID      *string    `gorm:"column:summary_id;size:190;index"`
	Question       string     `gorm:"column:question;type:text;not null"`
	Answer         string     `gorm:"column:answer;type:text;not null"`
	Category       string     `gorm:"column:category;size:100;not null;default:General"`
	MasteryLevel   int        `gorm:"column:mastery_level;not null;default:0"`
	ReviewCount    int        `gorm:"column:review_count;not null;default:0"`
	LastReviewedAt *time.Time `gorm:"column:last_reviewed_at"`
	CreatedAt      time.Time  `gorm:"column:created_at;not null;index:idx_flashcards_user_created,priority:2"`
	UpdatedAt      time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName provides the explicit table binding for GORM.
func (Flashcard) TableName() string {
	return "flashcards"
}
