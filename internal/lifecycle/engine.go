// Package lifecycle manages the test state machine: draft, active, paused,
// completed, and the audited transitions between them.
package lifecycle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository defines the persistence operations the engine needs
type Repository interface {
	CreateTestWithVariants(ctx context.Context, test *models.Test, entry *models.AuditLogEntry) error
	GetTest(ctx context.Context, id string) (*models.Test, error)
	GetTestWithVariants(ctx context.Context, id string) (*models.Test, error)
	UpdateTestTransition(ctx context.Context, test *models.Test, entry *models.AuditLogEntry) error
}

// VariantApplier pushes a variant's content to the live video. The rotator
// satisfies this.
type VariantApplier interface {
	Apply(ctx context.Context, testID, variantID, actor string) (*models.Variant, error)
}

// Locker serializes mutations per test
type Locker interface {
	AcquireTestLock(ctx context.Context, testID string, ttl time.Duration) (bool, error)
	ReleaseTestLock(ctx context.Context, testID string) error
}

// CreateInput carries everything needed to create a test with its variants
type CreateInput struct {
	VideoID              string
	VideoTitle           string
	ContentKind          models.ContentKind
	DurationHours        int
	RotationHours        int
	PerformanceThreshold float64
	// AutoSelectWinner defaults to true when nil
	AutoSelectWinner *bool
	Variants         []VariantInput
}

// VariantInput is one variant's content at creation time
type VariantInput struct {
	Name         string
	ThumbnailURL string
	Title        string
	Description  string
}

// StartResult reports a start operation. ApplyWarning carries a first-apply
// failure that did not prevent the test from starting.
type StartResult struct {
	Test         *models.Test
	ApplyWarning error
}

// Status is the full status payload for a test
type Status struct {
	Test               *models.Test `json:"test"`
	ProgressPercentage float64      `json:"progress_percentage"`
	TimeRemainingSecs  int64        `json:"time_remaining_seconds"`
}

// Engine drives test lifecycle transitions
type Engine struct {
	repo    Repository
	applier VariantApplier
	locker  Locker
	lockTTL time.Duration
	logger  *logging.Logger

	now func() time.Time
}

// NewEngine creates a lifecycle engine
func NewEngine(repo Repository, applier VariantApplier, locker Locker, lockTTL time.Duration, logger *logging.Logger) *Engine {
	return &Engine{
		repo:    repo,
		applier: applier,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Create validates the input and persists a draft test with its variants and
// the created audit entry atomically
func (e *Engine) Create(ctx context.Context, input CreateInput, actor string) (*models.Test, error) {
	if input.VideoID == "" {
		return nil, abtest.NewValidationError("video_id", "is required")
	}
	if !input.ContentKind.Valid() {
		return nil, abtest.NewValidationError("content_kind",
			fmt.Sprintf("unknown content kind '%s'", input.ContentKind))
	}
	if len(input.Variants) < models.MinVariants || len(input.Variants) > models.MaxVariants {
		return nil, abtest.NewValidationError("variants",
			fmt.Sprintf("test must have between %d and %d variants", models.MinVariants, models.MaxVariants))
	}
	if input.DurationHours <= 0 {
		return nil, abtest.NewValidationError("duration_hours", "must be positive")
	}
	if input.RotationHours <= 0 {
		return nil, abtest.NewValidationError("rotation_hours", "must be positive")
	}

	seen := make(map[string]bool, len(input.Variants))
	variants := make([]*models.Variant, 0, len(input.Variants))
	for _, in := range input.Variants {
		if in.Name == "" {
			return nil, abtest.NewValidationError("variants", "each variant must have a name")
		}
		if seen[in.Name] {
			return nil, abtest.NewValidationError("variants",
				fmt.Sprintf("duplicate variant name '%s'", in.Name))
		}
		seen[in.Name] = true

		variant := &models.Variant{
			Name:         in.Name,
			ThumbnailURL: in.ThumbnailURL,
			Title:        in.Title,
			Description:  in.Description,
		}

		if ok, missing := variant.HasRequiredContent(input.ContentKind); !ok {
			return nil, abtest.NewValidationError("variants",
				fmt.Sprintf("%s test requires %s for variant '%s'", input.ContentKind, missing, in.Name))
		}

		variants = append(variants, variant)
	}

	threshold := input.PerformanceThreshold
	if threshold <= 0 {
		threshold = 0.05
	}

	autoSelect := true
	if input.AutoSelectWinner != nil {
		autoSelect = *input.AutoSelectWinner
	}

	test := &models.Test{
		VideoID:              input.VideoID,
		VideoTitle:           input.VideoTitle,
		ContentKind:          input.ContentKind,
		State:                models.TestStateDraft,
		DurationHours:        input.DurationHours,
		RotationHours:        input.RotationHours,
		PerformanceThreshold: threshold,
		AutoSelectWinner:     autoSelect,
		Variants:             variants,
	}

	entry, err := models.NewAuditEntry("", models.AuditActionCreated, actor, models.CreatedDetail{
		ContentKind:   input.ContentKind,
		VariantCount:  len(variants),
		DurationHours: input.DurationHours,
	})
	if err != nil {
		return nil, err
	}

	if err := e.repo.CreateTestWithVariants(ctx, test, entry); err != nil {
		return nil, err
	}

	metrics.TestsCreatedTotal.WithLabelValues(string(test.ContentKind)).Inc()
	e.logger.LogTestEvent(test.ID, "created", string(test.State), map[string]interface{}{
		"video_id":      test.VideoID,
		"content_kind":  string(test.ContentKind),
		"variant_count": len(variants),
	})

	return test, nil
}

// Start activates a draft or paused test and applies the first variant. An
// apply failure does not roll back the transition; it is returned as a
// warning on the result.
func (e *Engine) Start(ctx context.Context, testID, actor string) (*StartResult, error) {
	test, err := e.startLocked(ctx, testID, actor)
	if err != nil {
		return nil, err
	}

	result := &StartResult{Test: test}

	// Apply the first variant, alphabetically by name, outside the lock so
	// the applier can take it. Failure is reported separately; the test is
	// already running.
	first := firstVariant(test.Variants)
	if first != nil {
		if _, err := e.applier.Apply(ctx, test.ID, first.ID, actor); err != nil {
			e.logger.WithTestID(test.ID).ErrorWithErr("Failed to apply first variant on start", err)
			result.ApplyWarning = err
		}
	}

	return result, nil
}

func (e *Engine) startLocked(ctx context.Context, testID, actor string) (*models.Test, error) {
	unlock, err := e.lock(ctx, testID, "start")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := e.repo.GetTestWithVariants(ctx, testID)
	if err != nil {
		return nil, err
	}

	if !test.State.CanTransition(models.TestStateActive) {
		return nil, abtest.NewInvalidState("start", test.State)
	}
	if len(test.Variants) < models.MinVariants {
		return nil, abtest.NewValidationError("variants", "test must have at least 2 variants to start")
	}

	test.State = models.TestStateActive
	if test.StartedAt == nil {
		start := e.now()
		end := start.Add(test.Duration())
		test.StartedAt = &start
		test.EndsAt = &end
	}

	entry, err := models.NewAuditEntry(test.ID, models.AuditActionStarted, actor, models.StartedDetail{
		StartDate: *test.StartedAt,
		EndDate:   *test.EndsAt,
	})
	if err != nil {
		return nil, err
	}

	if err := e.repo.UpdateTestTransition(ctx, test, entry); err != nil {
		return nil, err
	}

	metrics.TestTransitionsTotal.WithLabelValues(string(test.State)).Inc()
	e.logger.LogTestEvent(test.ID, "started", string(test.State), nil)
	return test, nil
}

// Pause suspends an active test
func (e *Engine) Pause(ctx context.Context, testID, actor string) (*models.Test, error) {
	return e.transition(ctx, testID, actor, "pause", models.TestStateActive, models.TestStatePaused,
		func(now time.Time) (models.AuditAction, any) {
			return models.AuditActionPaused, models.PausedDetail{PausedAt: now}
		})
}

// Resume reactivates a paused test
func (e *Engine) Resume(ctx context.Context, testID, actor string) (*models.Test, error) {
	return e.transition(ctx, testID, actor, "resume", models.TestStatePaused, models.TestStateActive,
		func(now time.Time) (models.AuditAction, any) {
			return models.AuditActionResumed, models.ResumedDetail{ResumedAt: now}
		})
}

// Stop completes an active or paused test ahead of its end date
func (e *Engine) Stop(ctx context.Context, testID, actor string) (*models.Test, error) {
	unlock, err := e.lock(ctx, testID, "stop")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := e.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if !test.State.CanTransition(models.TestStateCompleted) {
		return nil, abtest.NewInvalidState("stop", test.State)
	}

	now := e.now()
	test.State = models.TestStateCompleted
	test.CompletedAt = &now

	entry, err := models.NewAuditEntry(test.ID, models.AuditActionStopped, actor, models.StoppedDetail{
		StoppedAt:    now,
		StoppedEarly: true,
	})
	if err != nil {
		return nil, err
	}

	if err := e.repo.UpdateTestTransition(ctx, test, entry); err != nil {
		return nil, err
	}

	metrics.TestTransitionsTotal.WithLabelValues(string(test.State)).Inc()
	e.logger.LogTestEvent(test.ID, "stopped", string(test.State), nil)
	return test, nil
}

// Status returns the test with its variants and elapsed-time progress
func (e *Engine) Status(ctx context.Context, testID string) (*Status, error) {
	test, err := e.repo.GetTestWithVariants(ctx, testID)
	if err != nil {
		return nil, err
	}

	pct, remaining := test.Progress(e.now())
	return &Status{
		Test:               test,
		ProgressPercentage: pct,
		TimeRemainingSecs:  int64(remaining.Seconds()),
	}, nil
}

func (e *Engine) transition(ctx context.Context, testID, actor, op string, from, to models.TestState,
	detail func(time.Time) (models.AuditAction, any)) (*models.Test, error) {

	unlock, err := e.lock(ctx, testID, op)
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := e.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.State != from {
		return nil, abtest.NewInvalidState(op, test.State)
	}
	test.State = to

	action, payload := detail(e.now())
	entry, err := models.NewAuditEntry(test.ID, action, actor, payload)
	if err != nil {
		return nil, err
	}

	if err := e.repo.UpdateTestTransition(ctx, test, entry); err != nil {
		return nil, err
	}

	metrics.TestTransitionsTotal.WithLabelValues(string(test.State)).Inc()
	e.logger.LogTestEvent(test.ID, op, string(test.State), nil)
	return test, nil
}

func (e *Engine) lock(ctx context.Context, testID, op string) (func(), error) {
	acquired, err := e.locker.AcquireTestLock(ctx, testID, e.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire test lock: %w", err)
	}
	if !acquired {
		return nil, abtest.NewStateConflict(testID, op)
	}

	return func() {
		if err := e.locker.ReleaseTestLock(context.WithoutCancel(ctx), testID); err != nil {
			e.logger.WithTestID(testID).ErrorWithErr("Failed to release test lock", err)
		}
	}, nil
}

func firstVariant(variants []*models.Variant) *models.Variant {
	if len(variants) == 0 {
		return nil
	}

	sorted := make([]*models.Variant, len(variants))
	copy(sorted, variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted[0]
}
