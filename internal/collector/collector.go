// Package collector attributes platform-wide daily analytics back to the
// variant that was live each day. The platform reports metrics per video,
// not per variant, so attribution reconstructs each variant's active periods
// from the audit log and estimates per-variant counters from the views that
// fell inside them.
package collector

import (
	"context"
	"time"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/metrics"
	"github.com/creatorbackoffice/splittest/internal/tracing"
	"github.com/creatorbackoffice/splittest/internal/youtube"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository defines the persistence operations the collector needs
type Repository interface {
	GetTest(ctx context.Context, id string) (*models.Test, error)
	GetVariants(ctx context.Context, testID string) ([]*models.Variant, error)
	ListAuditEntriesByAction(ctx context.Context, testID string, action models.AuditAction) ([]*models.AuditLogEntry, error)
	UpdateVariantMetrics(ctx context.Context, variant *models.Variant, snapshots []*models.MetricSnapshot) error
}

// AnalyticsClient pulls the video's daily view series from the platform
type AnalyticsClient interface {
	DailyViewSeries(ctx context.Context, videoID string, start, end time.Time) ([]youtube.DailyViews, error)
}

// Estimator derives impression and click counts from attributed views. The
// platform does not expose per-variant impressions, so these are modeled.
type Estimator interface {
	Estimate(views int64) (impressions, clicks int64)
}

// ViewRatioEstimator estimates impressions as views times a fixed factor and
// clicks as views (a view implies a click on the thumbnail)
type ViewRatioEstimator struct {
	ImpressionFactor int64
}

// Estimate implements Estimator
func (e ViewRatioEstimator) Estimate(views int64) (int64, int64) {
	factor := e.ImpressionFactor
	if factor <= 0 {
		factor = 10
	}
	return views * factor, views
}

// Period is a date-granularity interval during which a variant was live.
// Both bounds are inclusive.
type Period struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether the date falls inside the period, at day
// granularity
func (p Period) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(p.Start) && !d.After(p.End)
}

// Collection is the result of one attribution run
type Collection struct {
	TestID      string           `json:"test_id"`
	CollectedAt time.Time        `json:"collected_at"`
	Variants    []VariantMetrics `json:"variants"`
}

// VariantMetrics is one variant's attributed counters
type VariantMetrics struct {
	VariantID   string  `json:"variant_id"`
	VariantName string  `json:"variant_name"`
	Impressions int64   `json:"impressions"`
	Clicks      int64   `json:"clicks"`
	Views       int64   `json:"views"`
	CTR         float64 `json:"ctr"`
}

// Collector runs metric attribution for tests
type Collector struct {
	repo      Repository
	analytics AnalyticsClient
	estimator Estimator
	logger    *logging.Logger

	now func() time.Time
}

// NewCollector creates a collector. A nil estimator falls back to the
// default view-ratio model.
func NewCollector(repo Repository, analytics AnalyticsClient, estimator Estimator, logger *logging.Logger) *Collector {
	if estimator == nil {
		estimator = ViewRatioEstimator{}
	}
	return &Collector{
		repo:      repo,
		analytics: analytics,
		estimator: estimator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Collect fetches the video's daily view series, attributes views to each
// variant's active periods, recomputes counters and CTR, and persists them
// together with metric snapshots. A persistence failure for one variant is
// logged and skipped; the rest still update.
func (c *Collector) Collect(ctx context.Context, testID string) (*Collection, error) {
	span, ctx := tracing.StartSpan(ctx, "collect_metrics")
	defer tracing.FinishSpan(span)
	tracing.SetTag(span, "test_id", testID)

	started := c.now()

	test, err := c.repo.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}

	if test.State != models.TestStateActive && test.State != models.TestStateCompleted {
		return nil, abtest.NewInvalidState("collect metrics for", test.State)
	}
	if test.StartedAt == nil {
		return nil, abtest.ErrNotStarted
	}

	variants, err := c.repo.GetVariants(ctx, testID)
	if err != nil {
		return nil, err
	}
	if len(variants) == 0 {
		return nil, abtest.ErrNoVariants
	}

	end := c.now()
	if test.CompletedAt != nil {
		end = *test.CompletedAt
	}

	series, err := c.analytics.DailyViewSeries(ctx, test.VideoID, *test.StartedAt, end)
	if err != nil {
		tracing.LogError(span, err)
		metrics.RecordCollection("error", c.now().Sub(started).Seconds())
		return nil, err
	}

	entries, err := c.repo.ListAuditEntriesByAction(ctx, testID, models.AuditActionVariantChanged)
	if err != nil {
		return nil, err
	}

	collectedAt := c.now()
	result := &Collection{
		TestID:      testID,
		CollectedAt: collectedAt,
		Variants:    make([]VariantMetrics, 0, len(variants)),
	}

	for _, variant := range variants {
		periods, err := ActivePeriods(entries, variant.ID, end)
		if err != nil {
			c.logger.WithTestID(testID).WithVariant(variant.Name).
				ErrorWithErr("Failed to reconstruct active periods", err)
			continue
		}

		views := attributeViews(series, periods)
		impressions, clicks := c.estimator.Estimate(views)

		variant.Impressions = impressions
		variant.Clicks = clicks
		variant.Views = views
		variant.RecomputeCTR()

		snapshots := models.SnapshotsFor(variant, collectedAt)
		if err := c.repo.UpdateVariantMetrics(ctx, variant, snapshots); err != nil {
			c.logger.WithTestID(testID).WithVariant(variant.Name).
				ErrorWithErr("Failed to persist variant metrics", err)
		}

		result.Variants = append(result.Variants, VariantMetrics{
			VariantID:   variant.ID,
			VariantName: variant.Name,
			Impressions: variant.Impressions,
			Clicks:      variant.Clicks,
			Views:       variant.Views,
			CTR:         variant.CTR,
		})
	}

	c.logger.LogCollection(testID, len(result.Variants), c.now().Sub(started), nil)
	metrics.RecordCollection("ok", c.now().Sub(started).Seconds())

	return result, nil
}

// ActivePeriods folds the test's variant_changed audit entries into the
// date-granularity intervals during which the given variant was live. A
// period opens when the variant is applied and closes when another variant
// replaces it; a still-open period closes at closeAt.
func ActivePeriods(entries []*models.AuditLogEntry, variantID string, closeAt time.Time) ([]Period, error) {
	var periods []Period
	var open *time.Time

	for _, entry := range entries {
		detail, err := entry.VariantChanged()
		if err != nil {
			return nil, err
		}

		if detail.VariantID == variantID {
			start := truncateDay(entry.Timestamp)
			open = &start
		} else if open != nil {
			periods = append(periods, Period{Start: *open, End: truncateDay(entry.Timestamp)})
			open = nil
		}
	}

	if open != nil {
		periods = append(periods, Period{Start: *open, End: truncateDay(closeAt)})
	}

	return periods, nil
}

// attributeViews sums the daily views that fall inside any of the periods.
// Each day is counted at most once even when periods overlap.
func attributeViews(series []youtube.DailyViews, periods []Period) int64 {
	var total int64
	for _, day := range series {
		for _, period := range periods {
			if period.Contains(day.Date) {
				total += day.Views
				break
			}
		}
	}
	return total
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
