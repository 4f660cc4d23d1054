// Package winner decides which variant won a test and pushes the winning
// content to the video as its permanent metadata.
package winner

import (
	"context"
	"fmt"
	"time"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/config"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/internal/rotation"
	"github.com/creatorbackoffice/splittest/internal/stats"
	"github.com/creatorbackoffice/splittest/internal/tracing"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository defines the persistence operations the selector needs
type Repository interface {
	GetTest(ctx context.Context, id string) (*models.Test, error)
	GetVariants(ctx context.Context, testID string) ([]*models.Variant, error)
	GetVariant(ctx context.Context, id string) (*models.Variant, error)
	SetWinner(ctx context.Context, test *models.Test, winner *models.Variant, entry *models.AuditLogEntry) error
	AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error
}

// Locker serializes mutations per test
type Locker interface {
	AcquireTestLock(ctx context.Context, testID string, ttl time.Duration) (bool, error)
	ReleaseTestLock(ctx context.Context, testID string) error
}

// Selector selects and applies winning variants
type Selector struct {
	repo    Repository
	applier rotation.ContentApplier
	locker  Locker
	cfg     config.ABTestConfig
	logger  *logging.Logger

	now func() time.Time
}

// NewSelector creates a winner selector
func NewSelector(repo Repository, applier rotation.ContentApplier, locker Locker, cfg config.ABTestConfig, logger *logging.Logger) *Selector {
	return &Selector{
		repo:    repo,
		applier: applier,
		locker:  locker,
		cfg:     cfg,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HasWinner reports whether the test has a clear winner and which variant it
// is. The statistical gate (confidence and performance threshold) only
// applies when require_confidence is enabled.
func (s *Selector) HasWinner(ctx context.Context, testID string) (bool, *models.Variant, error) {
	test, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return false, nil, err
	}

	if test.State != models.TestStateActive && test.State != models.TestStateCompleted {
		return false, nil, abtest.NewInvalidState("check winner for", test.State)
	}

	variants, err := s.repo.GetVariants(ctx, testID)
	if err != nil {
		return false, nil, err
	}
	if len(variants) < models.MinVariants {
		return false, nil, abtest.ErrNoVariants
	}

	for _, v := range variants {
		if v.Impressions < s.cfg.MinImpressions {
			return false, nil, nil
		}
	}

	best := variants[0]
	for _, v := range variants[1:] {
		if v.CTR > best.CTR {
			best = v
		}
	}

	if s.cfg.RequireConfidence {
		for _, other := range variants {
			if other.ID == best.ID {
				continue
			}

			var improvement float64
			switch {
			case other.CTR > 0:
				improvement = (best.CTR - other.CTR) / other.CTR
			case best.CTR > 0:
				improvement = 1.0
			}

			if improvement < test.PerformanceThreshold {
				return false, nil, nil
			}

			confidence := stats.Confidence(best.Impressions, best.Clicks, other.Impressions, other.Clicks)
			if confidence < s.cfg.MinConfidence {
				return false, nil, nil
			}
		}
	}

	return true, best, nil
}

// SelectWinner marks the winning variant. When manualVariantID is set that
// variant wins regardless of metrics; otherwise the winner comes from
// HasWinner. An active test completes as part of the selection.
func (s *Selector) SelectWinner(ctx context.Context, testID, manualVariantID, actor string) (*models.Variant, error) {
	unlock, err := s.lock(ctx, testID, "select winner")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.State != models.TestStateActive && test.State != models.TestStateCompleted {
		return nil, abtest.NewInvalidState("select winner for", test.State)
	}

	manual := manualVariantID != ""
	var winner *models.Variant

	if manual {
		winner, err = s.repo.GetVariant(ctx, manualVariantID)
		if err != nil {
			return nil, err
		}
		if winner.TestID != test.ID {
			return nil, abtest.NewVariantNotFound(manualVariantID)
		}
	} else {
		has, best, err := s.HasWinner(ctx, testID)
		if err != nil {
			return nil, err
		}
		if !has {
			return nil, abtest.ErrNoWinner
		}
		winner = best
	}

	selectedAt := s.now()
	if test.State == models.TestStateActive {
		test.State = models.TestStateCompleted
		test.CompletedAt = &selectedAt
	}

	entry, err := models.NewAuditEntry(test.ID, models.AuditActionWinnerSelected, actor, models.WinnerSelectedDetail{
		VariantID:   winner.ID,
		VariantName: winner.Name,
		WinnerCTR:   winner.CTR,
		Manual:      manual,
		SelectedAt:  selectedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.SetWinner(ctx, test, winner, entry); err != nil {
		return nil, err
	}

	metrics.RecordWinnerSelected(manual)
	s.logger.WithTestID(test.ID).WithVariant(winner.Name).Info("Winner selected")

	return winner, nil
}

// ApplyWinner pushes the winning variant's content to the video as its
// permanent metadata. The test is usually completed by now, so the push
// bypasses the active-state requirement of ordinary rotations.
func (s *Selector) ApplyWinner(ctx context.Context, testID, actor string) (*models.Variant, error) {
	unlock, err := s.lock(ctx, testID, "apply winner")
	if err != nil {
		return nil, err
	}
	defer unlock()

	test, err := s.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	if test.WinnerVariantID == nil {
		return nil, abtest.NewValidationError("winner", "test has no winner selected")
	}

	winner, err := s.repo.GetVariant(ctx, *test.WinnerVariantID)
	if err != nil {
		return nil, err
	}

	span, ctx := tracing.StartSpan(ctx, "apply_winner")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "test_id", testID)
	tracing.SetTag(span, "variant", winner.Name)

	if err := rotation.PushContent(ctx, s.applier, s.logger, test, winner); err != nil {
		tracing.LogError(span, err)
		return nil, err
	}

	appliedAt := s.now()
	entry, err := models.NewAuditEntry(test.ID, models.AuditActionWinnerApplied, actor, models.WinnerAppliedDetail{
		VariantID:   winner.ID,
		VariantName: winner.Name,
		AppliedAt:   appliedAt,
	})
	if err != nil {
		return nil, err
	}

	if err := s.repo.AppendAuditEntry(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.WithTestID(test.ID).WithVariant(winner.Name).Info("Winner applied as permanent content")
	return winner, nil
}

func (s *Selector) lock(ctx context.Context, testID, op string) (func(), error) {
	acquired, err := s.locker.AcquireTestLock(ctx, testID, s.cfg.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire test lock: %w", err)
	}
	if !acquired {
		return nil, abtest.NewStateConflict(testID, op)
	}

	return func() {
		if err := s.locker.ReleaseTestLock(context.WithoutCancel(ctx), testID); err != nil {
			s.logger.WithTestID(testID).ErrorWithErr("Failed to release test lock", err)
		}
	}, nil
}
