package server

import (
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"go.uber.org/zap"
)

const maxUploadBytes = 64 * 1024 * 1024

type registerRequestPayload struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequestPayload struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponsePayload struct {
	AccessToken string      `json:"access_token"`
	ExpiresIn   int64       `json:"expires_in"`
	TokenType   string      `json:"token_type"`
	User        userPayload `json:"user"`
}

type userPayload struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	PlanTier    string `json:"plan_tier"`
	IsAdmin     bool   `json:"is_admin"`
}

type documentPayload struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	FileType   string    `json:"file_type"`
	FileSize   int64     `json:"file_size"`
	UploadedAt time.Time `json:"uploaded_at"`
}

type summaryPayload struct {
	ID         string    `json:"id"`
	DocumentID string    `json:"document_id"`
	Narrative  string    `json:"narrative"`
	KeyPoints  []string  `json:"key_points"`
	CreatedAt  time.Time `json:"created_at"`
}

type flashcardPayload struct {
	ID             string     `json:"id"`
	DocumentID     *string    `json:"document_id,omitempty"`
	SummaryID      *string    `json:"summary_id,omitempty"`
	Question       string     `json:"question"`
	Answer         string     `json:"answer"`
	Category       string     `json:"category"`
	MasteryLevel   int        `json:"mastery_level"`
	ReviewCount    int        `json:"review_count"`
	LastReviewedAt *time.Time `json:"last_reviewed_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toUserPayload(account users.User) userPayload {
	return userPayload{
		ID:          account.ID,
		Email:       account.Email,
		DisplayName: account.DisplayName,
		PlanTier:    string(account.PlanTier),
		IsAdmin:     account.IsAdmin,
	}
}

func toDocumentPayload(document study.Document) documentPayload {
	return documentPayload{
		ID:         document.ID,
		Title:      document.Title,
		FileType:   document.FileType,
		FileSize:   document.FileSize,
		UploadedAt: document.UploadedAt,
	}
}

func toSummaryPayload(summary study.Summary) summaryPayload {
	return summaryPayload{
		ID:         summary.ID,
		DocumentID: summary.DocumentID,
		Narrative:  summary.Narrative,
		KeyPoints:  summary.KeyPoints,
		CreatedAt:  summary.CreatedAt,
	}
}

func toFlashcardPayload(card study.Flashcard) flashcardPayload {
	return flashcardPayload{
		ID:             card.ID,
		DocumentID:     card.DocumentID,
		SummaryID:      card.SummaryID,
		Question:       card.Question,
		Answer:         card.Answer,
		Category:       card.Category,
		MasteryLevel:   card.MasteryLevel,
		ReviewCount:    card.ReviewCount,
		LastReviewedAt: card.LastReviewedAt,
		CreatedAt:      card.CreatedAt,
	}
}

func toFlashcardPayloads(cards []study.Flashcard) []flashcardPayload {
	payloads := make([]flashcardPayload, 0, len(cards))
	for _, card := range cards {
		payloads = append(payloads, toFlashcardPayload(card))
	}
	return payloads
}

func (h *httpHandler) handleRegister(c *gin.Context) {
	var request registerRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Register(c.Request.Context(), request.Email, request.Password, request.DisplayName)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"user": toUserPayload(account)})
}

func (h *httpHandler) handleLogin(c *gin.Context) {
	var request loginRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	account, err := h.users.Authenticate(c.Request.Context(), request.Email, request.Password)
	if err != nil {
		h.respondError(c, err)
		return
	}

	token, expiresIn, err := h.tokens.IssueToken(c.Request.Context(), account.ID)
	if err != nil {
		h.logger.Error("failed to issue backend token", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token_issue_failed"})
		return
	}

	c.JSON(http.StatusOK, tokenResponsePayload{
		AccessToken: token,
		ExpiresIn:   expiresIn,
		TokenType:   "Bearer",
		User:        toUserPayload(account),
	})
}

func (h *httpHandler) handleProfile(c *gin.Context) {
	account, err := h.users.GetByID(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": toUserPayload(account)})
}

func (h *httpHandler) handleUploadDocument(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if fileHeader.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file_too_large"})
		return
	}

	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	title := strings.TrimSpace(c.PostForm("title"))
	if title == "" {
		title = fileHeader.Filename
	}

	document, err := h.study.CreateDocument(c.Request.Context(), c.GetString(userIDContextKey), study.UploadInput{
		Title:       title,
		Filename:    fileHeader.Filename,
		ContentType: uploadContentType(fileHeader.Header.Get("Content-Type"), fileHeader.Filename),
		Data:        data,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toDocumentPayload(document))
}

// uploadContentType resolves the stored file type. Multipart writers and many
// clients label text files application/octet-stream, so an unhelpful part
// header falls back to the filename extension.
func uploadContentType(declared, filename string) string {
	declared = strings.TrimSpace(declared)
	if declared != "" && !strings.EqualFold(declared, "application/octet-stream") {
		return declared
	}
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".txt", ".text", ".log":
		return "text/plain"
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	}
	return declared
}

func (h *httpHandler) handleListDocuments(c *gin.Context) {
	documents, err := h.study.ListDocuments(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]documentPayload, 0, len(documents))
	for _, document := range documents {
		payloads = append(payloads, toDocumentPayload(document))
	}
	c.JSON(http.StatusOK, gin.H{"documents": payloads})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	document, err := h.study.GetDocument(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toDocumentPayload(document))
}

func (h *httpHandler) handleDeleteDocument(c *gin.Context) {
	err := h.study.DeleteDocument(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGenerateSummary(c *gin.Context) {
	summary, err := h.study.GenerateSummary(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toSummaryPayload(summary))
}

type generateFlashcardsPayload struct {
	Count int `json:"count"`
}

// bindFlashcardsPayload decodes an optional request body. A missing body
// means default settings; a body that fails to parse is rejected.
func bindFlashcardsPayload(c *gin.Context) (generateFlashcardsPayload, bool) {
	var request generateFlashcardsPayload
	if err := c.ShouldBindJSON(&request); err != nil && !errors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return generateFlashcardsPayload{}, false
	}
	return request, true
}

func (h *httpHandler) handleGenerateDocumentFlashcards(c *gin.Context) {
	request, ok := bindFlashcardsPayload(c)
	if !ok {
		return
	}

	cards, err := h.study.GenerateFlashcards(c.Request.Context(), c.GetString(userIDContextKey), study.GenerateFlashcardsInput{
		DocumentID: c.Param("id"),
		Count:      request.Count,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"flashcards": toFlashcardPayloads(cards)})
}

func (h *httpHandler) handleGenerateSummaryFlashcards(c *gin.Context) {
	request, ok := bindFlashcardsPayload(c)
	if !ok {
		return
	}

	cards, err := h.study.GenerateFlashcards(c.Request.Context(), c.GetString(userIDContextKey), study.GenerateFlashcardsInput{
		SummaryID: c.Param("id"),
		Count:     request.Count,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"flashcards": toFlashcardPayloads(cards)})
}

func (h *httpHandler) handleListSummaries(c *gin.Context) {
	summaries, err := h.study.ListSummaries(c.Request.Context(), c.GetString(userIDContextKey), c.Query("document"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	payloads := make([]summaryPayload, 0, len(summaries))
	for _, summary := range summaries {
		payloads = append(payloads, toSummaryPayload(summary))
	}
	c.JSON(http.StatusOK, gin.H{"summaries": payloads})
}

func (h *httpHandler) handleGetSummary(c *gin.Context) {
	summary, err := h.study.GetSummary(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toSummaryPayload(summary))
}

func (h *httpHandler) handleDeleteSummary(c *gin.Context) {
	err := h.study.DeleteSummary(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type createFlashcardPayload struct {
	DocumentID string `json:"document_id"`
	SummaryID  string `json:"summary_id"`
	Question   string `json:"question"`
	Answer     string `json:"answer"`
	Category   string `json:"category"`
}

func (h *httpHandler) handleCreateFlashcard(c *gin.Context) {
	var request createFlashcardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	card, err := h.study.CreateFlashcard(c.Request.Context(), c.GetString(userIDContextKey), study.CardInput{
		DocumentID: request.DocumentID,
		SummaryID:  request.SummaryID,
		Question:   request.Question,
		Answer:     request.Answer,
		Category:   request.Category,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, toFlashcardPayload(card))
}

func (h *httpHandler) handleListFlashcards(c *gin.Context) {
	cards, err := h.study.ListFlashcards(c.Request.Context(), c.GetString(userIDContextKey), study.CardFilter{
		Category:   c.Query("category"),
		DocumentID: c.Query("document"),
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"flashcards": toFlashcardPayloads(cards)})
}

func (h *httpHandler) handleGetFlashcard(c *gin.Context) {
	card, err := h.study.GetFlashcard(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlashcardPayload(card))
}

type updateFlashcardPayload struct {
	Question *string `json:"question"`
	Answer   *string `json:"answer"`
	Category *string `json:"category"`
}

func (h *httpHandler) handleUpdateFlashcard(c *gin.Context) {
	var request updateFlashcardPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	card, err := h.study.UpdateFlashcard(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), study.CardUpdate{
		Question: request.Question,
		Answer:   request.Answer,
		Category: request.Category,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlashcardPayload(card))
}

func (h *httpHandler) handleDeleteFlashcard(c *gin.Context) {
	err := h.study.DeleteFlashcard(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type reviewRequestPayload struct {
	Outcome string `json:"outcome"`
}

func (h *httpHandler) handleReviewFlashcard(c *gin.Context) {
	var request reviewRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	outcome, err := study.ParseReviewOutcome(request.Outcome)
	if err != nil {
		h.respondError(c, err)
		return
	}

	card, err := h.study.ReviewFlashcard(c.Request.Context(), c.GetString(userIDContextKey), c.Param("id"), outcome)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, toFlashcardPayload(card))
}

func (h *httpHandler) handleDashboardStats(c *gin.Context) {
	stats, err := h.aggregator.UserStats(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil {
		h.respondError(c, err)
		return
	}

	recentDocuments := make([]documentPayload, 0, len(stats.RecentDocuments))
	for _, document := range stats.RecentDocuments {
		recentDocuments = append(recentDocuments, toDocumentPayload(document))
	}
	recentSummaries := make([]summaryPayload, 0, len(stats.RecentSummaries))
	for _, summary := range stats.RecentSummaries {
		recentSummaries = append(recentSummaries, toSummaryPayload(summary))
	}

	c.JSON(http.StatusOK, gin.H{
		"documents_count":   stats.DocumentsCount,
		"summaries_count":   stats.SummariesCount,
		"flashcards_count":  stats.FlashcardsCount,
		"mastery":           stats.Mastery,
		"recent_documents":  recentDocuments,
		"recent_summaries":  recentSummaries,
		"recent_flashcards": toFlashcardPayloads(stats.RecentFlashcards),
	})
}

func (h *httpHandler) handleAdminStats(c *gin.Context) {
	stats, err := h.aggregator.AdminStats(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"users": gin.H{
			"total":          stats.TotalUsers,
			"recent_signups": stats.RecentSignups,
		},
		"content": gin.H{
			"total_documents":   stats.TotalDocuments,
			"total_summaries":   stats.TotalSummaries,
			"total_flashcards":  stats.TotalFlashcards,
			"recent_documents":  stats.RecentDocuments,
			"recent_summaries":  stats.RecentSummaries,
			"recent_flashcards": stats.RecentFlashcards,
		},
	})
}

type entitlementRequestPayload struct {
	Action string `json:"action"`
}

// handleEntitlement is the grant/revoke surface invoked by the payment
// collaborator after checkout confirmation.
func (h *httpHandler) handleEntitlement(c *gin.Context) {
	var request entitlementRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}

	userID := c.Param("id")
	var err error
	switch strings.ToLower(strings.TrimSpace(request.Action)) {
	case "grant":
		err = h.users.GrantPro(c.Request.Context(), userID)
	case "revoke":
		err = h.users.RevokePro(c.Request.Context(), userID)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_action"})
		return
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
