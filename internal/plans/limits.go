package plans

import (
	"errors"
	"fmt"
	"strings"
)

// Tier identifies a subscription plan level.
type Tier string

const (
	// TierFree is the default plan for newly registered users.
	TierFree Tier = "free"
	// TierPro is granted through the entitlement contract after payment confirmation.
	TierPro Tier = "pro"
)

// Unbounded marks a resource that carries no ceiling on the plan.
const Unbounded = -1

// ErrUnknownTier indicates a tier value outside the supported set.
var ErrUnknownTier = errors.New("plans: unknown tier")

const (
	freeDocumentLimit     = 5
	freeSummaryLimit      = 10
	freeFlashcardLimit    = 50
	freeAIGenerationLimit = 20
	freeMaxFileSizeBytes  = 5 * 1024 * 1024
	proMaxFileSizeBytes   = 50 * 1024 * 1024
)

// Limits captures the resource ceilings for a plan tier. A value of
// Unbounded means the resource carries no ceiling.
type Limits struct {
	Documents     int
	Summaries     int
	Flashcards    int
	AIGenerations int
	MaxFileSize   int64
}

// ParseTier validates a raw tier string.
func ParseTier(value string) (Tier, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case string(TierFree):
		return TierFree, nil
	case string(TierPro):
		return TierPro, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTier, value)
	}
}

// LimitsFor maps a plan tier onto its resource ceilings. Ceilings are
// monotonic non-decreasing from free to pro.
func LimitsFor(tier Tier) Limits {
	switch tier {
	case TierPro:
		return Limits{
			Documents:     Unbounded,
			Summaries:     Unbounded,
			Flashcards:    Unbounded,
			AIGenerations: Unbounded,
			MaxFileSize:   proMaxFileSizeBytes,
		}
	default:
		return Limits{
			Documents:     freeDocumentLimit,
			Summaries:     freeSummaryLimit,
			Flashcards:    freeFlashcardLimit,
			AIGenerations: freeAIGenerationLimit,
			MaxFileSize:   freeMaxFileSizeBytes,
		}
	}
}
