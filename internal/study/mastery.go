package study

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ReviewOutcome is the result a user reports after studying a card.
type ReviewOutcome string

const (
	// OutcomeMastered records confident recall.
	OutcomeMastered ReviewOutcome = "mastered"
	// OutcomeNeedsPractice records a failed or shaky recall.
	OutcomeNeedsPractice ReviewOutcome = "needs_practice"
)

const (
	masteryFloor = 0
	masteryCeil  = 100

	// Mastered raises the score to the ceiling rather than nudging it: the
	// user asserted explicit mastery, not incremental progress.
	defaultMasteryDeltaUp   = masteryCeil
	defaultMasteryDeltaDown = 10
)

// ErrUnknownOutcome indicates a review outcome outside the supported set.
var ErrUnknownOutcome = errors.New("study: unknown review outcome")

// ParseReviewOutcome validates a raw outcome string.
func ParseReviewOutcome(value string) (ReviewOutcome, error) {
	switch ReviewOutcome(strings.ToLower(strings.TrimSpace(value))) {
	case OutcomeMastered:
		return OutcomeMastered, nil
	case OutcomeNeedsPractice:
		return OutcomeNeedsPractice, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownOutcome, value)
	}
}

// MasteryConfig tunes the review deltas. Zero values apply the defaults.
type MasteryConfig struct {
	DeltaUp   int
	DeltaDown int
}

func (c MasteryConfig) deltaUp() int {
	if c.DeltaUp <= 0 {
		return defaultMasteryDeltaUp
	}
	return c.DeltaUp
}

func (c MasteryConfig) deltaDown() int {
	if c.DeltaDown <= 0 {
		return defaultMasteryDeltaDown
	}
	return c.DeltaDown
}

// ReviewState is the mastery-tracking portion of a flashcard.
type ReviewState struct {
	MasteryLevel   int
	ReviewCount    int
	LastReviewedAt *time.Time
}

// NextReviewState is the explicit transition function for a single review.
// It is deterministic for a given input state and outcome; ordering across
// different outcomes matters, which is why callers serialize reviews per card.
func NextReviewState(current ReviewState, outcome ReviewOutcome, cfg MasteryConfig, now time.Time) (ReviewState, error) {
	next := ReviewState{
		ReviewCount:    current.ReviewCount + 1,
		LastReviewedAt: &now,
	}
	switch outcome {
	case OutcomeMastered:
		next.MasteryLevel = min(masteryCeil, current.MasteryLevel+cfg.deltaUp())
	case OutcomeNeedsPractice:
		next.MasteryLevel = max(masteryFloor, current.MasteryLevel-cfg.deltaDown())
	default:
		return ReviewState{}, fmt.Errorf("%w: %q", ErrUnknownOutcome, outcome)
	}
	return next, nil
}
