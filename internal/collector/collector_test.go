package collector

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/internal/youtube"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

type fakeRepo struct {
	test     *models.Test
	variants []*models.Variant
	entries  []*models.AuditLogEntry

	persisted  map[string][]*models.MetricSnapshot
	persistErr map[string]error
}

func (r *fakeRepo) GetTest(ctx context.Context, id string) (*models.Test, error) {
	if r.test == nil || r.test.ID != id {
		return nil, abtest.NewTestNotFound(id)
	}
	return r.test, nil
}

func (r *fakeRepo) GetVariants(ctx context.Context, testID string) ([]*models.Variant, error) {
	return r.variants, nil
}

func (r *fakeRepo) ListAuditEntriesByAction(ctx context.Context, testID string, action models.AuditAction) ([]*models.AuditLogEntry, error) {
	return r.entries, nil
}

func (r *fakeRepo) UpdateVariantMetrics(ctx context.Context, variant *models.Variant, snapshots []*models.MetricSnapshot) error {
	if err := r.persistErr[variant.ID]; err != nil {
		return err
	}
	if r.persisted == nil {
		r.persisted = make(map[string][]*models.MetricSnapshot)
	}
	r.persisted[variant.ID] = snapshots
	return nil
}

type fakeAnalytics struct {
	series []youtube.DailyViews
	err    error
}

func (a *fakeAnalytics) DailyViewSeries(ctx context.Context, videoID string, start, end time.Time) ([]youtube.DailyViews, error) {
	if a.err != nil {
		return nil, a.err
	}
	return a.series, nil
}

func day(d int) time.Time {
	return time.Date(2026, 3, d, 0, 0, 0, 0, time.UTC)
}

// changedAt builds a variant_changed entry stamped at the given time
func changedAt(t *testing.T, testID, variantID, name string, ts time.Time) *models.AuditLogEntry {
	t.Helper()

	entry, err := models.NewAuditEntry(testID, models.AuditActionVariantChanged, "scheduler", models.VariantChangedDetail{
		VariantID:   variantID,
		VariantName: name,
		AppliedAt:   ts,
		ContentKind: models.ContentKindTitle,
	})
	require.NoError(t, err)
	entry.Timestamp = ts
	return entry
}

func runningTest() *fakeRepo {
	started := day(1)
	return &fakeRepo{
		test: &models.Test{
			ID:        "test-1",
			VideoID:   "vid-123",
			State:     models.TestStateActive,
			StartedAt: &started,
		},
		variants: []*models.Variant{
			{ID: "v-a", TestID: "test-1", Name: "A"},
			{ID: "v-b", TestID: "test-1", Name: "B"},
		},
	}
}

func TestActivePeriods(t *testing.T) {
	entries := []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1).Add(9*time.Hour)),
		changedAt(t, "test-1", "v-b", "B", day(3).Add(9*time.Hour)),
		changedAt(t, "test-1", "v-a", "A", day(5).Add(9*time.Hour)),
	}
	closeAt := day(7).Add(12 * time.Hour)

	periodsA, err := ActivePeriods(entries, "v-a", closeAt)
	require.NoError(t, err)
	require.Len(t, periodsA, 2)
	assert.Equal(t, Period{Start: day(1), End: day(3)}, periodsA[0])
	assert.Equal(t, Period{Start: day(5), End: day(7)}, periodsA[1])

	periodsB, err := ActivePeriods(entries, "v-b", closeAt)
	require.NoError(t, err)
	require.Len(t, periodsB, 1)
	assert.Equal(t, Period{Start: day(3), End: day(5)}, periodsB[0])
}

func TestActivePeriodsNeverApplied(t *testing.T) {
	entries := []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1)),
	}

	periods, err := ActivePeriods(entries, "v-b", day(5))
	require.NoError(t, err)
	assert.Empty(t, periods)
}

func TestActivePeriodsRejectsForeignEntries(t *testing.T) {
	entry, err := models.NewAuditEntry("test-1", models.AuditActionStarted, "alice", models.StartedDetail{})
	require.NoError(t, err)

	_, err = ActivePeriods([]*models.AuditLogEntry{entry}, "v-a", day(5))
	assert.Error(t, err)
}

func TestPeriodContainsInclusiveBounds(t *testing.T) {
	period := Period{Start: day(2), End: day(4)}

	assert.True(t, period.Contains(day(2)))
	assert.True(t, period.Contains(day(3).Add(23*time.Hour)))
	assert.True(t, period.Contains(day(4)))
	assert.False(t, period.Contains(day(1)))
	assert.False(t, period.Contains(day(5)))
}

func TestCollect(t *testing.T) {
	repo := runningTest()
	repo.entries = []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1).Add(time.Hour)),
		changedAt(t, "test-1", "v-b", "B", day(3).Add(time.Hour)),
	}

	analytics := &fakeAnalytics{series: []youtube.DailyViews{
		{Date: day(1), Views: 100},
		{Date: day(2), Views: 200},
		{Date: day(3), Views: 50},
		{Date: day(4), Views: 80},
	}}

	coll := NewCollector(repo, analytics, nil, logging.NewNopLogger())
	coll.now = func() time.Time { return day(4).Add(12 * time.Hour) }

	result, err := coll.Collect(context.Background(), "test-1")
	require.NoError(t, err)
	require.Len(t, result.Variants, 2)

	// A was live days 1-3, B days 3-4; day 3 belongs to both at date
	// granularity
	a, b := result.Variants[0], result.Variants[1]
	assert.Equal(t, int64(350), a.Views)
	assert.Equal(t, int64(3500), a.Impressions)
	assert.Equal(t, int64(350), a.Clicks)
	assert.Equal(t, 10.0, a.CTR)

	assert.Equal(t, int64(130), b.Views)
	assert.Equal(t, int64(1300), b.Impressions)
	assert.Equal(t, int64(130), b.Clicks)

	require.Len(t, repo.persisted["v-a"], 4)
	require.Len(t, repo.persisted["v-b"], 4)
}

func TestCollectUsesCompletedAtAsEnd(t *testing.T) {
	repo := runningTest()
	completed := day(3)
	repo.test.State = models.TestStateCompleted
	repo.test.CompletedAt = &completed
	repo.entries = []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1)),
	}

	analytics := &fakeAnalytics{series: []youtube.DailyViews{
		{Date: day(2), Views: 10},
		{Date: day(5), Views: 999},
	}}

	coll := NewCollector(repo, analytics, nil, logging.NewNopLogger())
	coll.now = func() time.Time { return day(9) }

	result, err := coll.Collect(context.Background(), "test-1")
	require.NoError(t, err)

	// Views after completion are not attributed
	assert.Equal(t, int64(10), result.Variants[0].Views)
}

func TestCollectCustomEstimator(t *testing.T) {
	repo := runningTest()
	repo.entries = []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1)),
	}
	analytics := &fakeAnalytics{series: []youtube.DailyViews{{Date: day(2), Views: 40}}}

	coll := NewCollector(repo, analytics, ViewRatioEstimator{ImpressionFactor: 25}, logging.NewNopLogger())
	coll.now = func() time.Time { return day(3) }

	result, err := coll.Collect(context.Background(), "test-1")
	require.NoError(t, err)

	assert.Equal(t, int64(1000), result.Variants[0].Impressions)
	assert.Equal(t, int64(40), result.Variants[0].Clicks)
}

func TestCollectPreconditions(t *testing.T) {
	t.Run("draft test", func(t *testing.T) {
		repo := runningTest()
		repo.test.State = models.TestStateDraft

		coll := NewCollector(repo, &fakeAnalytics{}, nil, logging.NewNopLogger())
		_, err := coll.Collect(context.Background(), "test-1")
		assert.True(t, abtest.IsInvalidState(err))
	})

	t.Run("never started", func(t *testing.T) {
		repo := runningTest()
		repo.test.StartedAt = nil

		coll := NewCollector(repo, &fakeAnalytics{}, nil, logging.NewNopLogger())
		_, err := coll.Collect(context.Background(), "test-1")
		assert.ErrorIs(t, err, abtest.ErrNotStarted)
	})

	t.Run("no variants", func(t *testing.T) {
		repo := runningTest()
		repo.variants = nil

		coll := NewCollector(repo, &fakeAnalytics{}, nil, logging.NewNopLogger())
		_, err := coll.Collect(context.Background(), "test-1")
		assert.ErrorIs(t, err, abtest.ErrNoVariants)
	})

	t.Run("unknown test", func(t *testing.T) {
		coll := NewCollector(runningTest(), &fakeAnalytics{}, nil, logging.NewNopLogger())
		_, err := coll.Collect(context.Background(), "missing")
		assert.True(t, abtest.IsNotFound(err))
	})
}

func TestCollectAnalyticsFailure(t *testing.T) {
	repo := runningTest()
	upstream := abtest.NewUpstreamError(abtest.UpstreamRateLimited, "daily view series", errors.New("429"))

	coll := NewCollector(repo, &fakeAnalytics{err: upstream}, nil, logging.NewNopLogger())
	_, err := coll.Collect(context.Background(), "test-1")
	assert.ErrorIs(t, err, upstream)
}

func TestCollectPersistFailureSkipsVariant(t *testing.T) {
	repo := runningTest()
	repo.persistErr = map[string]error{"v-a": errors.New("db down")}
	repo.entries = []*models.AuditLogEntry{
		changedAt(t, "test-1", "v-a", "A", day(1)),
		changedAt(t, "test-1", "v-b", "B", day(2)),
	}
	analytics := &fakeAnalytics{series: []youtube.DailyViews{{Date: day(1), Views: 5}, {Date: day(2), Views: 7}}}

	coll := NewCollector(repo, analytics, nil, logging.NewNopLogger())
	coll.now = func() time.Time { return day(3) }

	// One variant failing to persist does not fail the run
	result, err := coll.Collect(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Len(t, result.Variants, 2)

	assert.NotContains(t, repo.persisted, "v-a")
	assert.Contains(t, repo.persisted, "v-b")
}

func TestCollectEmitsSpan(t *testing.T) {
	tracer := mocktracer.New()
	old := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(old)

	coll := NewCollector(runningTest(), &fakeAnalytics{}, nil, logging.NewNopLogger())

	_, err := coll.Collect(context.Background(), "test-1")
	require.NoError(t, err)

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "collect_metrics", spans[0].OperationName)
	assert.Equal(t, "test-1", spans[0].Tag("test_id"))
}

func TestViewRatioEstimatorDefaults(t *testing.T) {
	impressions, clicks := ViewRatioEstimator{}.Estimate(120)
	assert.Equal(t, int64(1200), impressions)
	assert.Equal(t, int64(120), clicks)
}
