package genai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	defaultBaseURL       = "https://api.openai.com/v1"
	defaultModel         = "gpt-4o-mini"
	defaultHTTPTimeout   = 30 * time.Second
	defaultRetryAttempts = 3
	defaultRetryBase     = 500 * time.Millisecond
	defaultRetryMax      = 5 * time.Second
	jsonResponseType     = "json_object"

	summarySystemPrompt = "You are an expert at summarizing educational content. " +
		"Create comprehensive summaries and extract key points. Respond with JSON only."
	flashcardSystemPrompt = "You are an expert at creating educational flashcards. " +
		"Create clear, concise questions and comprehensive answers. Respond with JSON only."
)

var (
	// ErrGenerationFailed indicates the upstream service could not produce a
	// usable result (network failure after retries, malformed payload, or an
	// empty result set).
	ErrGenerationFailed = errors.New("genai: generation failed")
	// ErrUpstreamThrottled indicates the upstream service rejected the call
	// with a rate-limit response. Throttles are surfaced immediately; the
	// client never retries them.
	ErrUpstreamThrottled = errors.New("genai: upstream throttled")

	errMissingAPIKey = errors.New("genai: api key is required")
	errMissingText   = errors.New("genai: source text is required")
	errInvalidCount  = errors.New("genai: requested card count must be positive")
)

// Summary is the validated result of a summarize call.
type Summary struct {
	Narrative string   `json:"full_summary"`
	KeyPoints []string `json:"key_points"`
}

// CardDraft is a single generated flashcard before persistence.
type CardDraft struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
	Category string `json:"category"`
}

// Config captures the settings required to talk to the AI content service.
type Config struct {
	APIKey        string
	BaseURL       string
	Model         string
	Timeout       time.Duration
	RetryAttempts int
}

// Client wraps the external AI content service. It owns retry/backoff and
// response validation; quota attribution stays with the caller.
type Client struct {
	cfg        Config
	httpClient *http.Client

	retryAttempts int
	retryBase     time.Duration
	retryMax      time.Duration
	sleeper       func(context.Context, time.Duration) error
}

// Option customizes the client.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithRetryBackoff overrides the retry backoff delays.
func WithRetryBackoff(base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.retryBase = base
		c.retryMax = maxDelay
	}
}

// WithSleeper overrides how retry waits are performed (useful for tests).
func WithSleeper(sleeper func(context.Context, time.Duration) error) Option {
	return func(c *Client) {
		if sleeper != nil {
			c.sleeper = sleeper
		}
	}
}

// NewClient constructs an AI content service client.
func NewClient(cfg Config, opts ...Option) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultHTTPTimeout
	}
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = defaultRetryAttempts
	}
	client := &Client{
		cfg: Config{
			APIKey:        strings.TrimSpace(cfg.APIKey),
			BaseURL:       strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"),
			Model:         strings.TrimSpace(cfg.Model),
			Timeout:       timeout,
			RetryAttempts: attempts,
		},
		httpClient:    &http.Client{Timeout: timeout},
		retryAttempts: attempts,
		retryBase:     defaultRetryBase,
		retryMax:      defaultRetryMax,
	}
	for _, opt := range opts {
		opt(client)
	}
	if client.cfg.BaseURL == "" {
		client.cfg.BaseURL = defaultBaseURL
	}
	if client.cfg.Model == "" {
		client.cfg.Model = defaultModel
	}
	if client.sleeper == nil {
		client.sleeper = sleepContext
	}
	return client
}

// Summarize produces a narrative summary with ordered key points.
func (c *Client) Summarize(ctx context.Context, text string) (Summary, error) {
	var empty Summary
	text = strings.TrimSpace(text)
	if text == "" {
		return empty, errMissingText
	}
	if c.cfg.APIKey == "" {
		return empty, errMissingAPIKey
	}

	userPrompt := fmt.Sprintf(`Provide a comprehensive summary of the following content and extract key points.

Content:
%s

Respond as JSON:
{"full_summary": "detailed summary text", "key_points": ["point 1", "point 2", ...]}`, text)

	content, err := c.completeWithRetry(ctx, summarySystemPrompt, userPrompt, "genai summarize")
	if err != nil {
		return empty, err
	}

	var parsed Summary
	if err := decodeModelJSON(content, &parsed); err != nil {
		return empty, fmt.Errorf("%w: parse summary payload: %v", ErrGenerationFailed, err)
	}
	parsed.Narrative = strings.TrimSpace(parsed.Narrative)
	parsed.KeyPoints = trimNonEmpty(parsed.KeyPoints)
	if parsed.Narrative == "" {
		return empty, fmt.Errorf("%w: summary narrative is empty", ErrGenerationFailed)
	}
	if len(parsed.KeyPoints) == 0 {
		return empty, fmt.Errorf("%w: summary has no key points", ErrGenerationFailed)
	}
	return parsed, nil
}

// GenerateFlashcards produces between 1 and count flashcards. The upstream
// service may deliver fewer than requested but never more; zero cards is a
// generation failure, not an empty success.
func (c *Client) GenerateFlashcards(ctx context.Context, text string, count int) ([]CardDraft, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, errMissingText
	}
	if count <= 0 {
		return nil, errInvalidCount
	}
	if c.cfg.APIKey == "" {
		return nil, errMissingAPIKey
	}

	userPrompt := fmt.Sprintf(`Generate %d flashcards from the following content. Each flashcard needs a clear question, a detailed answer, and a category.

Content:
%s

Respond as JSON:
{"cards": [{"question": "What is...?", "answer": "...", "category": "..."}]}`, count, text)

	content, err := c.completeWithRetry(ctx, flashcardSystemPrompt, userPrompt, "genai flashcards")
	if err != nil {
		return nil, err
	}

	var parsed struct {
		Cards []CardDraft `json:"cards"`
	}
	if err := decodeModelJSON(content, &parsed); err != nil {
		// Some models answer with a bare array despite the object schema.
		var bare []CardDraft
		if arrErr := decodeModelJSON(content, &bare); arrErr != nil {
			return nil, fmt.Errorf("%w: parse flashcard payload: %v", ErrGenerationFailed, err)
		}
		parsed.Cards = bare
	}

	cards := make([]CardDraft, 0, len(parsed.Cards))
	for _, card := range parsed.Cards {
		card.Question = strings.TrimSpace(card.Question)
		card.Answer = strings.TrimSpace(card.Answer)
		card.Category = strings.TrimSpace(card.Category)
		if card.Question == "" || card.Answer == "" {
			continue
		}
		if card.Category == "" {
			card.Category = "General"
		}
		cards = append(cards, card)
	}
	if len(cards) == 0 {
		return nil, fmt.Errorf("%w: no usable flashcards in response", ErrGenerationFailed)
	}
	if len(cards) > count {
		cards = cards[:count]
	}
	return cards, nil
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    float64           `json:"temperature"`
	ResponseFormat map[string]string `json:"response_format"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

type httpStatusError struct {
	StatusCode int
	Body       string
	RetryAfter time.Duration
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("genai request: http %d: %s", e.StatusCode, strings.TrimSpace(e.Body))
}

func (c *Client) completeWithRetry(ctx context.Context, systemPrompt, userPrompt, op string) (string, error) {
	payload := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Temperature:    0.7,
		ResponseFormat: map[string]string{"type": jsonResponseType},
	}

	var lastErr error
	for attempt := 1; attempt <= c.retryAttempts; attempt++ {
		content, err := c.sendOnce(ctx, payload, op)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if errors.Is(err, ErrUpstreamThrottled) {
			return "", err
		}
		delay, retry := c.retryDelay(ctx, err, attempt)
		if !retry {
			break
		}
		if sleepErr := c.sleeper(ctx, delay); sleepErr != nil {
			return "", fmt.Errorf("%w: %v", ErrGenerationFailed, sleepErr)
		}
	}

	return "", fmt.Errorf("%w: %s failed after %d attempts: %v", ErrGenerationFailed, op, c.retryAttempts, lastErr)
}

func (c *Client) sendOnce(ctx context.Context, payload chatRequest, op string) (string, error) {
	endpoint, err := url.JoinPath(c.cfg.BaseURL, "/chat/completions")
	if err != nil {
		return "", fmt.Errorf("%s: build url: %w", op, err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%s: encode request: %w", op, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("%s: new request: %w", op, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%s: request failed: %w", op, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%s: read body: %w", op, err)
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", fmt.Errorf("%w: %s", ErrUpstreamThrottled, strings.TrimSpace(string(body)))
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return "", &httpStatusError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
			RetryAfter: retryAfter,
		}
	}

	var completion chatResponse
	if err := json.Unmarshal(body, &completion); err != nil {
		return "", fmt.Errorf("%s: decode response: %w", op, err)
	}
	if completion.Error != nil {
		return "", fmt.Errorf("%s: api error: %s", op, strings.TrimSpace(completion.Error.Message))
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("%s: empty choices", op)
	}
	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return "", fmt.Errorf("%s: empty content", op)
	}
	return content, nil
}

// retryDelay decides whether an error is transient. Timeouts and 5xx-class
// responses retry with exponential backoff; everything else fails fast.
func (c *Client) retryDelay(ctx context.Context, err error, attempt int) (time.Duration, bool) {
	if attempt >= c.retryAttempts {
		return 0, false
	}
	if ctx.Err() != nil {
		return 0, false
	}
	if errors.Is(err, context.Canceled) {
		return 0, false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return c.backoffDelay(attempt), true
	}

	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusRequestTimeout,
			statusErr.StatusCode >= http.StatusInternalServerError:
			if statusErr.RetryAfter > 0 {
				return min(statusErr.RetryAfter, c.retryMax), true
			}
			return c.backoffDelay(attempt), true
		default:
			return 0, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return c.backoffDelay(attempt), true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return c.backoffDelay(attempt), true
	}

	return 0, false
}

// backoffDelay doubles the base delay per attempt, capped at retryMax.
func (c *Client) backoffDelay(attempt int) time.Duration {
	delay := c.retryBase
	for i := 1; i < attempt; i++ {
		if delay > c.retryMax/2 {
			return c.retryMax
		}
		delay *= 2
	}
	return min(delay, c.retryMax)
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if wait := time.Until(at); wait > 0 {
			return wait
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// decodeModelJSON tolerates fenced or prefixed payloads around the JSON the
// model was asked to produce.
func decodeModelJSON(content string, target any) error {
	trimmed := strings.TrimSpace(content)
	if trimmed == "" {
		return errors.New("empty payload")
	}
	if err := json.Unmarshal([]byte(trimmed), target); err == nil {
		return nil
	}
	extracted := extractJSONPayload(trimmed)
	if extracted == "" {
		return errors.New("no JSON payload in content")
	}
	return json.Unmarshal([]byte(extracted), target)
}

func extractJSONPayload(content string) string {
	for _, pair := range [][2]string{{"{", "}"}, {"[", "]"}} {
		start := strings.Index(content, pair[0])
		end := strings.LastIndex(content, pair[1])
		if start >= 0 && end > start {
			return strings.TrimSpace(content[start : end+1])
		}
	}
	return ""
}

func trimNonEmpty(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	return cleaned
}
