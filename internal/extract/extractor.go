package extract

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultMaxChars = 400_000

var (
	// ErrUnsupportedFormat indicates the declared type has no registered extractor.
	ErrUnsupportedFormat = errors.New("extract: unsupported format")
	// ErrCorruptDocument indicates the payload could not be parsed as its declared type.
	ErrCorruptDocument = errors.New("extract: corrupt document")
	// ErrDocumentTooLarge indicates the extracted text exceeds the configured bound.
	// Extraction never truncates: oversized inputs fail instead of producing partial text.
	ErrDocumentTooLarge = errors.New("extract: document too large")
	// ErrEmptyDocument indicates the payload yielded no usable text.
	ErrEmptyDocument = errors.New("extract: empty document")
)

// Extractor converts uploaded file bytes into normalized plain text.
// Implementations are stateless and deterministic.
type Extractor interface {
	Extract(data []byte, declaredType string) (string, error)
}

// Config bounds the text extractor output.
type Config struct {
	// MaxChars caps the extracted character count. Zero applies the default.
	MaxChars int
}

// TextExtractor handles plain-text payload families (text/plain, markdown,
// csv). Binary formats are delegated to format-specific extractors registered
// alongside it; this implementation rejects them as unsupported.
type TextExtractor struct {
	maxChars int
}

// NewTextExtractor constructs the plain-text extractor.
func NewTextExtractor(cfg Config) *TextExtractor {
	maxChars := cfg.MaxChars
	if maxChars <= 0 {
		maxChars = defaultMaxChars
	}
	return &TextExtractor{maxChars: maxChars}
}

// Extract decodes the payload into normalized UTF-8 plain text.
func (e *TextExtractor) Extract(data []byte, declaredType string) (string, error) {
	mediaType := normalizeMediaType(declaredType)
	if !supportedTextType(mediaType) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedFormat, declaredType)
	}

	decoded, err := decodeToUTF8(data)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCorruptDocument, err)
	}

	text := normalizeText(decoded)
	if text == "" {
		return "", ErrEmptyDocument
	}
	if runeCount := utf8.RuneCountInString(text); runeCount > e.maxChars {
		return "", fmt.Errorf("%w: %d characters exceeds limit of %d", ErrDocumentTooLarge, runeCount, e.maxChars)
	}
	return text, nil
}

func normalizeMediaType(declaredType string) string {
	mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(declaredType))
	if err != nil {
		return strings.ToLower(strings.TrimSpace(declaredType))
	}
	return strings.ToLower(mediaType)
}

func supportedTextType(mediaType string) bool {
	switch mediaType {
	case "text/plain", "text/markdown", "text/csv":
		return true
	default:
		return false
	}
}

// decodeToUTF8 honors a UTF-8/UTF-16 byte order mark when present and
// otherwise requires valid UTF-8 input.
func decodeToUTF8(data []byte) (string, error) {
	decoder := unicode.BOMOverride(unicode.UTF8.NewDecoder().Transformer)
	decoded, _, err := transform.Bytes(decoder, data)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(decoded) {
		return "", errors.New("payload is not valid text")
	}
	if bytes.ContainsRune(decoded, 0) {
		return "", errors.New("payload contains binary data")
	}
	return string(decoded), nil
}

func normalizeText(value string) string {
	normalized := norm.NFC.String(value)
	normalized = strings.ReplaceAll(normalized, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	return strings.TrimSpace(normalized)
}
