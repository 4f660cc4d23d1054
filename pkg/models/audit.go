package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// AuditAction is the kind of state-changing action an audit entry records
type AuditAction string

const (
	AuditActionCreated        AuditAction = "created"
	AuditActionStarted        AuditAction = "started"
	AuditActionPaused         AuditAction = "paused"
	AuditActionResumed        AuditAction = "resumed"
	AuditActionStopped        AuditAction = "stopped"
	AuditActionVariantChanged AuditAction = "variant_changed"
	AuditActionWinnerSelected AuditAction = "winner_selected"
	AuditActionWinnerApplied  AuditAction = "winner_applied"
)

// AuditLogEntry is one append-only fact about a test. The variant_changed
// entries are the sole source of truth for which variant was live when, so
// their detail schema is part of the public contract.
type AuditLogEntry struct {
	ID        string          `json:"id" db:"id"`
	TestID    string          `json:"test_id" db:"test_id"`
	Action    AuditAction     `json:"action" db:"action"`
	Actor     string          `json:"actor,omitempty" db:"actor"`
	Detail    json.RawMessage `json:"detail" db:"detail"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// Detail payloads, one type per action kind. Entries carry exactly one of
// these, selected by Action.

// CreatedDetail records test creation
type CreatedDetail struct {
	ContentKind   ContentKind `json:"content_kind"`
	VariantCount  int         `json:"variant_count"`
	DurationHours int         `json:"duration_hours"`
}

// StartedDetail records a (re)start of a test
type StartedDetail struct {
	StartDate time.Time `json:"start_date"`
	EndDate   time.Time `json:"end_date"`
}

// PausedDetail records a pause
type PausedDetail struct {
	PausedAt time.Time `json:"paused_at"`
}

// ResumedDetail records a resume
type ResumedDetail struct {
	ResumedAt time.Time `json:"resumed_at"`
}

// StoppedDetail records an early stop
type StoppedDetail struct {
	StoppedAt    time.Time `json:"stopped_at"`
	StoppedEarly bool      `json:"stopped_early"`
}

// VariantChangedDetail records a variant being applied to the live video.
// MetricsAttribution reads these back to reconstruct activity intervals.
type VariantChangedDetail struct {
	VariantID   string      `json:"variant_id"`
	VariantName string      `json:"variant_name"`
	AppliedAt   time.Time   `json:"applied_at"`
	ContentKind ContentKind `json:"content_kind"`
}

// WinnerSelectedDetail records winner selection
type WinnerSelectedDetail struct {
	VariantID   string    `json:"variant_id"`
	VariantName string    `json:"variant_name"`
	WinnerCTR   float64   `json:"winner_ctr"`
	Manual      bool      `json:"manual_selection"`
	SelectedAt  time.Time `json:"selected_at"`
}

// WinnerAppliedDetail records the winner being pushed as permanent content
type WinnerAppliedDetail struct {
	VariantID   string    `json:"variant_id"`
	VariantName string    `json:"variant_name"`
	AppliedAt   time.Time `json:"applied_at"`
}

// NewAuditEntry builds an entry for a test with the given typed detail
// payload. The timestamp defaults to now.
func NewAuditEntry(testID string, action AuditAction, actor string, detail any) (*AuditLogEntry, error) {
	raw, err := json.Marshal(detail)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit detail: %w", err)
	}

	return &AuditLogEntry{
		TestID:    testID,
		Action:    action,
		Actor:     actor,
		Detail:    raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// VariantChanged decodes the entry's detail as a VariantChangedDetail.
// Returns an error when called on any other action kind.
func (e *AuditLogEntry) VariantChanged() (*VariantChangedDetail, error) {
	if e.Action != AuditActionVariantChanged {
		return nil, fmt.Errorf("entry action is %q, not %q", e.Action, AuditActionVariantChanged)
	}

	var detail VariantChangedDetail
	if err := json.Unmarshal(e.Detail, &detail); err != nil {
		return nil, fmt.Errorf("failed to unmarshal variant_changed detail: %w", err)
	}
	return &detail, nil
}
