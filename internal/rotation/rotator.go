// Package rotation cycles a test's variants onto the live video in
// alphabetical round-robin order and records every change in the audit log.
package rotation

import (
	"context"
	"fmt"
	"time"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/internal/tracing"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository defines the persistence operations the rotator needs. GetVariants
// must return variants ordered by name.
type Repository interface {
	GetTest(ctx context.Context, id string) (*models.Test, error)
	GetVariants(ctx context.Context, testID string) ([]*models.Variant, error)
	GetVariant(ctx context.Context, id string) (*models.Variant, error)
	MarkVariantApplied(ctx context.Context, variant *models.Variant, appliedAt time.Time, entry *models.AuditLogEntry) error
}

// ContentApplier pushes variant content to the video platform
type ContentApplier interface {
	ApplyThumbnail(ctx context.Context, videoID, thumbnailURL string) error
	ApplyTitle(ctx context.Context, videoID, title string) error
	ApplyDescription(ctx context.Context, videoID, description string) error
}

// Locker serializes mutations per test
type Locker interface {
	AcquireTestLock(ctx context.Context, testID string, ttl time.Duration) (bool, error)
	ReleaseTestLock(ctx context.Context, testID string) error
}

// Rotator applies and rotates test variants
type Rotator struct {
	repo    Repository
	applier ContentApplier
	locker  Locker
	lockTTL time.Duration
	logger  *logging.Logger

	now func() time.Time
}

// NewRotator creates a rotator
func NewRotator(repo Repository, applier ContentApplier, locker Locker, lockTTL time.Duration, logger *logging.Logger) *Rotator {
	return &Rotator{
		repo:    repo,
		applier: applier,
		locker:  locker,
		lockTTL: lockTTL,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Current returns the variant considered live for the test: the most
// recently applied one, or the alphabetically first when none has been
// applied yet
func (r *Rotator) Current(ctx context.Context, testID string) (*models.Variant, error) {
	if _, err := r.repo.GetTest(ctx, testID); err != nil {
		return nil, err
	}

	variants, err := r.repo.GetVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, abtest.ErrNoVariants
	}

	return currentOf(variants), nil
}

// Rotate advances the test to the next variant in name order, wrapping
// around, and applies it to the video
func (r *Rotator) Rotate(ctx context.Context, testID, actor string) (*models.Variant, error) {
	unlock, err := r.lock(ctx, testID, "rotate")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := r.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.State != models.TestStateActive {
		return nil, abtest.NewInvalidState("rotate variants for", test.State)
	}

	variants, err := r.repo.GetVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, abtest.ErrNoVariants
	}

	next := nextOf(variants)
	if err := r.applyLocked(ctx, test, next, actor); err != nil {
		return nil, err
	}

	metrics.RotationsTotal.Inc()
	return next, nil
}

// Apply pushes one specific variant of the test to the video
func (r *Rotator) Apply(ctx context.Context, testID, variantID, actor string) (*models.Variant, error) {
	unlock, err := r.lock(ctx, testID, "apply variant")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := r.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.State != models.TestStateActive {
		return nil, abtest.NewInvalidState("apply variant for", test.State)
	}

	variant, err := r.repo.GetVariant(ctx, variantID)
	if err != nil {
		return nil, err
	}
	if variant.TestID != test.ID {
		return nil, abtest.NewVariantNotFound(variantID)
	}

	if err := r.applyLocked(ctx, test, variant, actor); err != nil {
		return nil, err
	}

	return variant, nil
}

// NextRotationTime reports when the test is next due for a rotation: the
// current variant's applied time plus the rotation interval, or now when no
// variant has ever been applied
func (r *Rotator) NextRotationTime(ctx context.Context, testID string) (time.Time, error) {
	test, err := r.repo.GetTest(ctx, testID)
	if err != nil {
		return time.Time{}, err
	}
	if test.State != models.TestStateActive {
		return time.Time{}, abtest.NewInvalidState("schedule rotation for", test.State)
	}

	variants, err := r.repo.GetVariants(ctx, testID)
	if err != nil {
		return time.Time{}, err
	}
	if len(variants) == 0 {
		return time.Time{}, abtest.ErrNoVariants
	}

	current := currentOf(variants)
	if current.AppliedAt == nil {
		return r.now(), nil
	}

	return current.AppliedAt.Add(test.RotationInterval()), nil
}

// PushContent sends the variant's content to the video platform, dispatching
// on the test's content kind. Combined tests push title first, then
// thumbnail; the platform offers no transactions, so a thumbnail failure
// leaves the new title in place.
func PushContent(ctx context.Context, applier ContentApplier, logger *logging.Logger, test *models.Test, variant *models.Variant) error {
	switch test.ContentKind {
	case models.ContentKindThumbnail:
		return applier.ApplyThumbnail(ctx, test.VideoID, variant.ThumbnailURL)
	case models.ContentKindTitle:
		return applier.ApplyTitle(ctx, test.VideoID, variant.Title)
	case models.ContentKindDescription:
		return applier.ApplyDescription(ctx, test.VideoID, variant.Description)
	case models.ContentKindCombined:
		if err := applier.ApplyTitle(ctx, test.VideoID, variant.Title); err != nil {
			return err
		}
		if err := applier.ApplyThumbnail(ctx, test.VideoID, variant.ThumbnailURL); err != nil {
			logger.WithTestID(test.ID).WithVideoID(test.VideoID).
				Warnf("Thumbnail update failed after title update: %v", err)
			return err
		}
		return nil
	default:
		return fmt.Errorf("unknown content kind: %s", test.ContentKind)
	}
}

// applyLocked pushes the variant's content and records the change. Callers
// must hold the test lock.
func (r *Rotator) applyLocked(ctx context.Context, test *models.Test, variant *models.Variant, actor string) error {
	span, ctx := tracing.StartSpan(ctx, "apply_variant")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "test_id", test.ID)
	tracing.SetTag(span, "variant", variant.Name)

	start := r.now()

	applyErr := PushContent(ctx, r.applier, r.logger, test, variant)
	elapsed := r.now().Sub(start)

	r.logger.LogVariantApplied(test.ID, variant.Name, test.VideoID, elapsed, applyErr)
	metrics.ApplyDuration.Observe(elapsed.Seconds())
	if applyErr != nil {
		tracing.LogError(span, applyErr)
		metrics.ApplyFailuresTotal.Inc()
		return applyErr
	}

	appliedAt := r.now()
	entry, err := models.NewAuditEntry(test.ID, models.AuditActionVariantChanged, actor, models.VariantChangedDetail{
		VariantID:   variant.ID,
		VariantName: variant.Name,
		AppliedAt:   appliedAt,
		ContentKind: test.ContentKind,
	})
	if err != nil {
		return err
	}

	if err := r.repo.MarkVariantApplied(ctx, variant, appliedAt, entry); err != nil {
		return err
	}

	metrics.AppliesTotal.Inc()
	return nil
}

func (r *Rotator) lock(ctx context.Context, testID, op string) (func(), error) {
	acquired, err := r.locker.AcquireTestLock(ctx, testID, r.lockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire test lock: %w", err)
	}
	if !acquired {
		return nil, abtest.NewStateConflict(testID, op)
	}

	return func() {
		if err := r.locker.ReleaseTestLock(context.WithoutCancel(ctx), testID); err != nil {
			r.logger.WithTestID(testID).ErrorWithErr("Failed to release test lock", err)
		}
	}, nil
}

// currentOf picks the most recently applied variant, or the first by name
// when none has been applied. Variants must already be name-ordered.
func currentOf(variants []*models.Variant) *models.Variant {
	var current *models.Variant
	for _, v := range variants {
		if v.AppliedAt == nil {
			continue
		}
		if current == nil || v.AppliedAt.After(*current.AppliedAt) {
			current = v
		}
	}
	if current == nil {
		return variants[0]
	}
	return current
}

// nextOf picks the variant after the current one in name order, wrapping
func nextOf(variants []*models.Variant) *models.Variant {
	current := currentOf(variants)
	if current.AppliedAt == nil {
		// Nothing applied yet, start with the first
		return variants[0]
	}

	for i, v := range variants {
		if v.ID == current.ID {
			return variants[(i+1)%len(variants)]
		}
	}
	return variants[0]
}
