package integration_test

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/pensarlabs/studyforge/backend/internal/auth"
	"github.com/pensarlabs/studyforge/backend/internal/dashboard"
	"github.com/pensarlabs/studyforge/backend/internal/extract"
	"github.com/pensarlabs/studyforge/backend/internal/filestore"
	"github.com/pensarlabs/studyforge/backend/internal/genai"
	"github.com/pensarlabs/studyforge/backend/internal/quota"
	"github.com/pensarlabs/studyforge/backend/internal/server"
	"github.com/pensarlabs/studyforge/backend/internal/study"
	"github.com/pensarlabs/studyforge/backend/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	integrationSecret = "integration-secret"
	accountEmail      = "learner@example.com"
	accountPassword   = "pass-word-123"
	jsonContentType   = "application/json"
)

func TestUploadAndGenerateFlow(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := newFakeAIUpstream()
	defer upstream.Close()

	testServer := newAPIServer(testContext, upstream.URL)
	defer testServer.Close()

	registerBody, _ := json.Marshal(map[string]string{
		"email":        accountEmail,
		"password":     accountPassword,
		"display_name": "Learner",
	})
	registerResp, err := http.Post(testServer.URL+"/auth/register", jsonContentType, bytes.NewReader(registerBody))
	if err != nil {
		testContext.Fatalf("register request failed: %v", err)
	}
	defer registerResp.Body.Close()
	if registerResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected register status: %d", registerResp.StatusCode)
	}

	loginBody, _ := json.Marshal(map[string]string{
		"email":    accountEmail,
		"password": accountPassword,
	})
	loginResp, err := http.Post(testServer.URL+"/auth/login", jsonContentType, bytes.NewReader(loginBody))
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	defer loginResp.Body.Close()
	if loginResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected login status: %d", loginResp.StatusCode)
	}
	var loginResult struct {
		AccessToken string `json:"access_token"`
		TokenType   string `json:"token_type"`
	}
	if err := json.NewDecoder(loginResp.Body).Decode(&loginResult); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	if loginResult.AccessToken == "" || loginResult.TokenType != "Bearer" {
		testContext.Fatalf("unexpected login payload: %#v", loginResult)
	}
	bearer := "Bearer " + loginResult.AccessToken

	documentID := mustUploadDocument(testContext, testServer.URL, bearer)

	summaryReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/documents/"+documentID+"/summary", nil)
	summaryReq.Header.Set("Authorization", bearer)
	summaryResp, err := http.DefaultClient.Do(summaryReq)
	if err != nil {
		testContext.Fatalf("summary request failed: %v", err)
	}
	defer summaryResp.Body.Close()
	if summaryResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected summary status: %d", summaryResp.StatusCode)
	}
	var summaryResult struct {
		ID        string   `json:"id"`
		Narrative string   `json:"narrative"`
		KeyPoints []string `json:"key_points"`
	}
	if err := json.NewDecoder(summaryResp.Body).Decode(&summaryResult); err != nil {
		testContext.Fatalf("failed to decode summary response: %v", err)
	}
	if summaryResult.Narrative == "" || len(summaryResult.KeyPoints) == 0 {
		testContext.Fatalf("expected populated summary, got %#v", summaryResult)
	}

	cardsBody, _ := json.Marshal(map[string]int{"count": 3})
	cardsReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/documents/"+documentID+"/flashcards", bytes.NewReader(cardsBody))
	cardsReq.Header.Set("Authorization", bearer)
	cardsReq.Header.Set("Content-Type", jsonContentType)
	cardsResp, err := http.DefaultClient.Do(cardsReq)
	if err != nil {
		testContext.Fatalf("flashcards request failed: %v", err)
	}
	defer cardsResp.Body.Close()
	if cardsResp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected flashcards status: %d", cardsResp.StatusCode)
	}
	var cardsResult struct {
		Flashcards []struct {
			ID           string `json:"id"`
			Question     string `json:"question"`
			MasteryLevel int    `json:"mastery_level"`
		} `json:"flashcards"`
	}
	if err := json.NewDecoder(cardsResp.Body).Decode(&cardsResult); err != nil {
		testContext.Fatalf("failed to decode flashcards response: %v", err)
	}
	if len(cardsResult.Flashcards) != 3 {
		testContext.Fatalf("expected 3 flashcards, got %d", len(cardsResult.Flashcards))
	}

	reviewBody, _ := json.Marshal(map[string]string{"outcome": "mastered"})
	reviewReq, _ := http.NewRequest(http.MethodPost, testServer.URL+"/flashcards/"+cardsResult.Flashcards[0].ID+"/review", bytes.NewReader(reviewBody))
	reviewReq.Header.Set("Authorization", bearer)
	reviewReq.Header.Set("Content-Type", jsonContentType)
	reviewResp, err := http.DefaultClient.Do(reviewReq)
	if err != nil {
		testContext.Fatalf("review request failed: %v", err)
	}
	defer reviewResp.Body.Close()
	if reviewResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected review status: %d", reviewResp.StatusCode)
	}
	var reviewResult struct {
		MasteryLevel int `json:"mastery_level"`
		ReviewCount  int `json:"review_count"`
	}
	if err := json.NewDecoder(reviewResp.Body).Decode(&reviewResult); err != nil {
		testContext.Fatalf("failed to decode review response: %v", err)
	}
	if reviewResult.MasteryLevel != 100 || reviewResult.ReviewCount != 1 {
		testContext.Fatalf("expected mastery 100 after mastered review, got %#v", reviewResult)
	}

	statsReq, _ := http.NewRequest(http.MethodGet, testServer.URL+"/dashboard/stats", nil)
	statsReq.Header.Set("Authorization", bearer)
	statsResp, err := http.DefaultClient.Do(statsReq)
	if err != nil {
		testContext.Fatalf("stats request failed: %v", err)
	}
	defer statsResp.Body.Close()
	if statsResp.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected stats status: %d", statsResp.StatusCode)
	}
	var statsResult struct {
		DocumentsCount  int64 `json:"documents_count"`
		SummariesCount  int64 `json:"summaries_count"`
		FlashcardsCount int64 `json:"flashcards_count"`
	}
	if err := json.NewDecoder(statsResp.Body).Decode(&statsResult); err != nil {
		testContext.Fatalf("failed to decode stats response: %v", err)
	}
	if statsResult.DocumentsCount != 1 || statsResult.SummariesCount != 1 || statsResult.FlashcardsCount != 3 {
		testContext.Fatalf("unexpected dashboard counts: %#v", statsResult)
	}
}

func TestDocumentQuotaExhaustionReturnsForbidden(testContext *testing.T) {
	gin.SetMode(gin.TestMode)

	upstream := newFakeAIUpstream()
	defer upstream.Close()

	testServer := newAPIServer(testContext, upstream.URL)
	defer testServer.Close()

	registerBody, _ := json.Marshal(map[string]string{
		"email":        accountEmail,
		"password":     accountPassword,
		"display_name": "Learner",
	})
	registerResp, err := http.Post(testServer.URL+"/auth/register", jsonContentType, bytes.NewReader(registerBody))
	if err != nil {
		testContext.Fatalf("register request failed: %v", err)
	}
	registerResp.Body.Close()

	loginBody, _ := json.Marshal(map[string]string{"email": accountEmail, "password": accountPassword})
	loginResp, err := http.Post(testServer.URL+"/auth/login", jsonContentType, bytes.NewReader(loginBody))
	if err != nil {
		testContext.Fatalf("login request failed: %v", err)
	}
	defer loginResp.Body.Close()
	var loginResult struct {
		AccessToken string `json:"access_token"`
	}
	if err := json.NewDecoder(loginResp.Body).Decode(&loginResult); err != nil {
		testContext.Fatalf("failed to decode login response: %v", err)
	}
	bearer := "Bearer " + loginResult.AccessToken

	// The free plan allows five documents. The sixth upload must be refused
	// with the quota taxonomy, not a generic failure.
	for i := 0; i < 5; i++ {
		mustUploadDocument(testContext, testServer.URL, bearer)
	}

	body, contentType := buildUploadForm(testContext, "one too many")
	req, _ := http.NewRequest(http.MethodPost, testServer.URL+"/documents", body)
	req.Header.Set("Authorization", bearer)
	req.Header.Set("Content-Type", contentType)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		testContext.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		testContext.Fatalf("expected 403 for exhausted document quota, got %d", resp.StatusCode)
	}
	var denial struct {
		Error    string `json:"error"`
		Resource string `json:"resource"`
		Limit    int    `json:"limit"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&denial); err != nil {
		testContext.Fatalf("failed to decode denial response: %v", err)
	}
	if denial.Error != "quota_exceeded" || denial.Resource != "document" || denial.Limit != 5 {
		testContext.Fatalf("unexpected denial payload: %#v", denial)
	}
}

func newAPIServer(testContext *testing.T, upstreamURL string) *httptest.Server {
	testContext.Helper()

	db, err := gorm.Open(sqlite.Open("file:"+testContext.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&users.User{}, &study.Document{}, &study.Summary{}, &study.Flashcard{}, &quota.Entry{}); err != nil {
		testContext.Fatalf("failed to migrate: %v", err)
	}

	files, err := filestore.NewLocalStore(testContext.TempDir())
	if err != nil {
		testContext.Fatalf("failed to build file store: %v", err)
	}

	usersService, err := users.NewService(users.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: users.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build users service: %v", err)
	}

	ledger, err := quota.NewLedger(quota.LedgerConfig{
		Database: db,
		Resolver: usersService,
		Logger:   zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build ledger: %v", err)
	}

	generator := genai.NewClient(genai.Config{
		APIKey:  "test-key",
		BaseURL: upstreamURL,
	})

	studyService, err := study.NewService(study.ServiceConfig{
		Database:   db,
		Ledger:     ledger,
		Generator:  generator,
		Extractor:  extract.NewTextExtractor(extract.Config{}),
		Files:      files,
		Limits:     usersService,
		Clock:      time.Now,
		IDProvider: study.NewUUIDProvider(),
		Logger:     zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build study service: %v", err)
	}

	aggregator, err := dashboard.NewAggregator(dashboard.AggregatorConfig{
		Database: db,
		Clock:    time.Now,
	})
	if err != nil {
		testContext.Fatalf("failed to build aggregator: %v", err)
	}

	tokenManager := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSecret),
		Issuer:        "studyforge-auth",
		Audience:      "studyforge-api",
		TokenTTL:      time.Hour,
	})

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenManager,
		UsersService: usersService,
		StudyService: studyService,
		Aggregator:   aggregator,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	return httptest.NewServer(handler)
}

func mustUploadDocument(testContext *testing.T, baseURL, bearer string) string {
	testContext.Helper()

	body, contentType := buildUploadForm(testContext, "Photosynthesis converts light energy into chemical energy stored in glucose.")
	req, _ := http.NewRequest(http.MethodPost, baseURL+"/documents", body)
	req.Header.Set("Authorization", bearer)
	req.Header.Set("Content-Type", contentType)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		testContext.Fatalf("upload request failed: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected upload status: %d", resp.StatusCode)
	}
	var uploaded struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&uploaded); err != nil {
		testContext.Fatalf("failed to decode upload response: %v", err)
	}
	if uploaded.ID == "" {
		testContext.Fatalf("expected document id in upload response")
	}
	return uploaded.ID
}

func buildUploadForm(testContext *testing.T, contents string) (*bytes.Buffer, string) {
	testContext.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if err := writer.WriteField("title", "Biology Notes"); err != nil {
		testContext.Fatalf("failed to write form field: %v", err)
	}
	part, err := writer.CreateFormFile("file", "biology.txt")
	if err != nil {
		testContext.Fatalf("failed to create form file: %v", err)
	}
	if _, err := part.Write([]byte(contents)); err != nil {
		testContext.Fatalf("failed to write form file: %v", err)
	}
	if err := writer.Close(); err != nil {
		testContext.Fatalf("failed to finalize form: %v", err)
	}
	return body, writer.FormDataContentType()
}

// newFakeAIUpstream serves the chat completions shape the generator client
// expects, switching on the system prompt to answer summaries or flashcards.
func newFakeAIUpstream() *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var request struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&request); err != nil || len(request.Messages) == 0 {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		var content string
		if strings.Contains(request.Messages[0].Content, "flashcards") {
			content = `{"cards": [` +
				`{"question": "What does photosynthesis produce?", "answer": "Glucose.", "category": "Biology"},` +
				`{"question": "What energy source drives photosynthesis?", "answer": "Light.", "category": "Biology"},` +
				`{"question": "Where is the produced energy stored?", "answer": "In glucose bonds.", "category": ""}]}`
		} else {
			content = `{"full_summary": "Photosynthesis stores light energy as glucose.", "key_points": ["Light energy in", "Glucose out"]}`
		}

		response := map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"content": content}},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(response)
	}))
}
