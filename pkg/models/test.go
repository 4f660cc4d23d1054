package models

import (
	"time"
)

// Test represents one A/B experiment over a published video's metadata
type Test struct {
	ID                   string      `json:"id" db:"id"`
	VideoID              string      `json:"video_id" db:"video_id"`
	VideoTitle           string      `json:"video_title" db:"video_title"`
	ContentKind          ContentKind `json:"content_kind" db:"content_kind"`
	State                TestState   `json:"state" db:"state"`
	StartedAt            *time.Time  `json:"started_at,omitempty" db:"started_at"`
	EndsAt               *time.Time  `json:"ends_at,omitempty" db:"ends_at"`
	DurationHours        int         `json:"duration_hours" db:"duration_hours"`
	RotationHours        int         `json:"rotation_hours" db:"rotation_hours"`
	PerformanceThreshold float64     `json:"performance_threshold" db:"performance_threshold"`
	AutoSelectWinner     bool        `json:"auto_select_winner" db:"auto_select_winner"`
	WinnerVariantID      *string     `json:"winner_variant_id,omitempty" db:"winner_variant_id"`
	CompletedAt          *time.Time  `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`

	// Variants is populated by queries that join the variants table
	Variants []*Variant `json:"variants,omitempty" db:"-"`
}

// TestState is the lifecycle state of a test
type TestState string

const (
	TestStateDraft     TestState = "draft"
	TestStateActive    TestState = "active"
	TestStatePaused    TestState = "paused"
	TestStateCompleted TestState = "completed"
)

// stateTransitions is the full set of legal lifecycle transitions.
// completed is terminal.
var stateTransitions = map[TestState][]TestState{
	TestStateDraft:     {TestStateActive},
	TestStateActive:    {TestStatePaused, TestStateCompleted},
	TestStatePaused:    {TestStateActive, TestStateCompleted},
	TestStateCompleted: {},
}

// Valid reports whether the state is a known lifecycle state
func (s TestState) Valid() bool {
	_, ok := stateTransitions[s]
	return ok
}

// CanTransition reports whether moving from s to the target state is legal
func (s TestState) CanTransition(to TestState) bool {
	for _, next := range stateTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// ContentKind identifies which metadata field(s) a test varies
type ContentKind string

const (
	ContentKindThumbnail   ContentKind = "thumbnail"
	ContentKindTitle       ContentKind = "title"
	ContentKindDescription ContentKind = "description"
	ContentKindCombined    ContentKind = "combined"
)

// ContentKinds lists all valid content kinds
var ContentKinds = []ContentKind{
	ContentKindThumbnail,
	ContentKindTitle,
	ContentKindDescription,
	ContentKindCombined,
}

// Valid reports whether the content kind is known
func (k ContentKind) Valid() bool {
	for _, kind := range ContentKinds {
		if k == kind {
			return true
		}
	}
	return false
}

// Variant count bounds enforced at creation
const (
	MinVariants = 2
	MaxVariants = 3
)

// Duration returns the configured test duration
func (t *Test) Duration() time.Duration {
	return time.Duration(t.DurationHours) * time.Hour
}

// RotationInterval returns the configured rotation interval
func (t *Test) RotationInterval() time.Duration {
	return time.Duration(t.RotationHours) * time.Hour
}

// Progress returns the elapsed-time progress percentage (clamped to [0,100])
// and the remaining duration at the given instant. Both are zero when the
// test has not started.
func (t *Test) Progress(now time.Time) (float64, time.Duration) {
	if t.StartedAt == nil || t.EndsAt == nil {
		return 0, 0
	}

	total := t.EndsAt.Sub(*t.StartedAt).Seconds()
	if total <= 0 {
		return 0, 0
	}

	elapsed := now.Sub(*t.StartedAt).Seconds()
	pct := elapsed / total * 100
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}

	var remaining time.Duration
	if now.Before(*t.EndsAt) {
		remaining = t.EndsAt.Sub(now)
	}

	return pct, remaining
}
