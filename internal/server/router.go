package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/pensarlabs/studyforge/backend/internal/dashboard"
	"github.com/pensarlabs/studyforge/backend/internal/extract"
	"github.com/pensarlabs/studyforge/backend/internal/genai"
	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"go.uber.org/zap"
)

const userIDContextKey = "studyforge_user_id"

var (
	errMissingTokenManager  = errors.New("token manager dependency required")
	errMissingUsersService  = errors.New("users service dependency required")
	errMissingStudyService  = errors.New("study service dependency required")
	errMissingAggregator    = errors.New("dashboard aggregator dependency required")
	errInvalidAuthorization = errors.New("authorization header missing or invalid")
)

// BackendTokenManager issues and validates the API's bearer tokens.
type BackendTokenManager interface {
	IssueToken(ctx context.Context, userID string) (string, int64, error)
	ValidateToken(token string) (string, error)
}

// Dependencies wires the HTTP surface to the core services.
type Dependencies struct {
	TokenManager BackendTokenManager
	UsersService *users.Service
	StudyService *study.Service
	Aggregator   *dashboard.Aggregator
	Logger       *zap.Logger
}

// NewHTTPHandler builds the gin router for the API.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.UsersService == nil {
		return nil, errMissingUsersService
	}
	if deps.StudyService == nil {
		return nil, errMissingStudyService
	}
	if deps.Aggregator == nil {
		return nil, errMissingAggregator
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:     deps.TokenManager,
		users:      deps.UsersService,
		study:      deps.StudyService,
		aggregator: deps.Aggregator,
		logger:     logger,
	}

	router.POST("/auth/register", handler.handleRegister)
	router.POST("/auth/login", handler.handleLogin)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	{
		protected.GET("/me", handler.handleProfile)

		protected.POST("/documents", handler.handleUploadDocument)
		protected.GET("/documents", handler.handleListDocuments)
		protected.GET("/documents/:id", handler.handleGetDocument)
		protected.DELETE("/documents/:id", handler.handleDeleteDocument)
		protected.POST("/documents/:id/summary", handler.handleGenerateSummary)
		protected.POST("/documents/:id/flashcards", handler.handleGenerateDocumentFlashcards)

		protected.GET("/summaries", handler.handleListSummaries)
		protected.GET("/summaries/:id", handler.handleGetSummary)
		protected.DELETE("/summaries/:id", handler.handleDeleteSummary)
		protected.POST("/summaries/:id/flashcards", handler.handleGenerateSummaryFlashcards)

		protected.GET("/flashcards", handler.handleListFlashcards)
		protected.POST("/flashcards", handler.handleCreateFlashcard)
		protected.GET("/flashcards/:id", handler.handleGetFlashcard)
		protected.PATCH("/flashcards/:id", handler.handleUpdateFlashcard)
		protected.DELETE("/flashcards/:id", handler.handleDeleteFlashcard)
		protected.POST("/flashcards/:id/review", handler.handleReviewFlashcard)

		protected.GET("/dashboard/stats", handler.handleDashboardStats)
	}

	admin := router.Group("/admin")
	admin.Use(handler.authorizeRequest, handler.requireAdmin)
	{
		admin.GET("/stats", handler.handleAdminStats)
		admin.POST("/users/:id/entitlement", handler.handleEntitlement)
	}

	return router, nil
}

type httpHandler struct {
	tokens     BackendTokenManager
	users      *users.Service
	study      *study.Service
	aggregator *dashboard.Aggregator
	logger     *zap.Logger
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	header := c.GetHeader("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) requireAdmin(c *gin.Context) {
	account, err := h.users.GetByID(c.Request.Context(), c.GetString(userIDContextKey))
	if err != nil || !account.IsAdmin {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
		return
	}
	c.Next()
}

// respondError maps the core error taxonomy onto HTTP statuses with enough
// structured detail for the UI to explain which ceiling or input failed.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	var quotaErr *quota.ExceededError
	if errors.As(err, &quotaErr) {
		c.JSON(http.StatusForbidden, gin.H{
			"error":    "quota_exceeded",
			"resource": string(quotaErr.Resource),
			"limit":    quotaErr.Limit,
		})
		return
	}
	var sizeErr *study.FileTooLargeError
	if errors.As(err, &sizeErr) {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"error": "file_too_large",
			"limit": sizeErr.Limit,
		})
		return
	}

	switch {
	case errors.Is(err, study.ErrNotFound), errors.Is(err, users.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, users.ErrEmailTaken):
		c.JSON(http.StatusConflict, gin.H{"error": "email_taken"})
	case errors.Is(err, users.ErrInvalidCredentials):
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid_credentials"})
	case errors.Is(err, study.ErrInvalidInput),
		errors.Is(err, study.ErrUnknownOutcome),
		errors.Is(err, users.ErrInvalidEmail),
		errors.Is(err, users.ErrWeakPassword):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "detail": err.Error()})
	case errors.Is(err, extract.ErrUnsupportedFormat):
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported_format"})
	case errors.Is(err, extract.ErrCorruptDocument), errors.Is(err, extract.ErrEmptyDocument):
		c.JSON(http.StatusBadRequest, gin.H{"error": "corrupt_document"})
	case errors.Is(err, extract.ErrDocumentTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "document_too_large"})
	case errors.Is(err, genai.ErrUpstreamThrottled):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "upstream_throttled"})
	case errors.Is(err, genai.ErrGenerationFailed), errors.Is(err, study.ErrConflictRetry):
		h.logger.Error("generation pipeline failed", zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "generation_failed"})
	default:
		h.logger.Error("request failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
