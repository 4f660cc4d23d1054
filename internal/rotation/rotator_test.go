package rotation

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/opentracing/opentracing-go/mocktracer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/internal/logging"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

type fakeRepo struct {
	mu       sync.Mutex
	test     *models.Test
	variants []*models.Variant
	entries  []*models.AuditLogEntry

	markErr error
}

func (r *fakeRepo) GetTest(ctx context.Context, id string) (*models.Test, error) {
	if r.test == nil || r.test.ID != id {
		return nil, abtest.NewTestNotFound(id)
	}
	return r.test, nil
}

func (r *fakeRepo) GetVariants(ctx context.Context, testID string) ([]*models.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sorted := make([]*models.Variant, len(r.variants))
	copy(sorted, r.variants)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Name < sorted[j].Name })
	return sorted, nil
}

func (r *fakeRepo) GetVariant(ctx context.Context, id string) (*models.Variant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range r.variants {
		if v.ID == id {
			return v, nil
		}
	}
	return nil, abtest.NewVariantNotFound(id)
}

func (r *fakeRepo) MarkVariantApplied(ctx context.Context, variant *models.Variant, appliedAt time.Time, entry *models.AuditLogEntry) error {
	if r.markErr != nil {
		return r.markErr
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	at := appliedAt
	variant.AppliedAt = &at
	r.entries = append(r.entries, entry)
	return nil
}

type fakeApplier struct {
	mu         sync.Mutex
	thumbnails []string
	titles     []string
	calls      []string

	thumbnailErr error
	titleErr     error
}

func (a *fakeApplier) ApplyThumbnail(ctx context.Context, videoID, thumbnailURL string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.thumbnailErr != nil {
		return a.thumbnailErr
	}
	a.thumbnails = append(a.thumbnails, thumbnailURL)
	a.calls = append(a.calls, "thumbnail")
	return nil
}

func (a *fakeApplier) ApplyTitle(ctx context.Context, videoID, title string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.titleErr != nil {
		return a.titleErr
	}
	a.titles = append(a.titles, title)
	a.calls = append(a.calls, "title")
	return nil
}

func (a *fakeApplier) ApplyDescription(ctx context.Context, videoID, description string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, "description")
	return nil
}

type fakeLocker struct {
	mu   sync.Mutex
	held map[string]bool
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{held: make(map[string]bool)}
}

func (l *fakeLocker) AcquireTestLock(ctx context.Context, testID string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[testID] {
		return false, nil
	}
	l.held[testID] = true
	return true, nil
}

func (l *fakeLocker) ReleaseTestLock(ctx context.Context, testID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, testID)
	return nil
}

func activeTest(kind models.ContentKind) (*fakeRepo, *models.Test) {
	test := &models.Test{
		ID:            "test-1",
		VideoID:       "vid-123",
		ContentKind:   kind,
		State:         models.TestStateActive,
		RotationHours: 4,
	}
	repo := &fakeRepo{
		test: test,
		variants: []*models.Variant{
			{ID: "v-a", TestID: "test-1", Name: "A", Title: "Title A", ThumbnailURL: "https://cdn/a.jpg"},
			{ID: "v-b", TestID: "test-1", Name: "B", Title: "Title B", ThumbnailURL: "https://cdn/b.jpg"},
			{ID: "v-c", TestID: "test-1", Name: "C", Title: "Title C", ThumbnailURL: "https://cdn/c.jpg"},
		},
	}
	return repo, test
}

func newTestRotator(repo *fakeRepo, applier *fakeApplier, locker *fakeLocker) *Rotator {
	return NewRotator(repo, applier, locker, time.Minute, logging.NewNopLogger())
}

func TestRotateRoundRobin(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	// With nothing applied yet the first rotation starts at A, then the
	// cycle wraps: A, B, C, A.
	var order []string
	for i := 0; i < 4; i++ {
		variant, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
		require.NoError(t, err)
		order = append(order, variant.Name)
	}

	assert.Equal(t, []string{"A", "B", "C", "A"}, order)
}

func TestRotateEveryVariantGetsApplied(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	applier := &fakeApplier{}
	rotator := newTestRotator(repo, applier, newFakeLocker())

	for i := 0; i < 3; i++ {
		_, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
		require.NoError(t, err)
	}

	assert.ElementsMatch(t, []string{"Title A", "Title B", "Title C"}, applier.titles)
}

func TestRotateEmitsApplySpan(t *testing.T) {
	tracer := mocktracer.New()
	old := opentracing.GlobalTracer()
	opentracing.SetGlobalTracer(tracer)
	defer opentracing.SetGlobalTracer(old)

	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	_, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
	require.NoError(t, err)

	spans := tracer.FinishedSpans()
	require.Len(t, spans, 1)
	assert.Equal(t, "apply_variant", spans[0].OperationName)
	assert.Equal(t, "test-1", spans[0].Tag("test_id"))
	assert.Equal(t, "A", spans[0].Tag("variant"))
}

func TestCurrent(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	// Nothing applied yet: first by name
	current, err := rotator.Current(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Equal(t, "A", current.Name)

	earlier := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	later := earlier.Add(4 * time.Hour)
	repo.variants[0].AppliedAt = &earlier
	repo.variants[2].AppliedAt = &later

	current, err = rotator.Current(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Equal(t, "C", current.Name)
}

func TestCurrentNoVariants(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	repo.variants = nil
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	_, err := rotator.Current(context.Background(), "test-1")
	assert.ErrorIs(t, err, abtest.ErrNoVariants)
}

func TestRotateRequiresActive(t *testing.T) {
	for _, state := range []models.TestState{models.TestStateDraft, models.TestStatePaused, models.TestStateCompleted} {
		t.Run(string(state), func(t *testing.T) {
			repo, test := activeTest(models.ContentKindTitle)
			test.State = state

			rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())
			_, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
			assert.True(t, abtest.IsInvalidState(err), "expected invalid state error, got %v", err)
		})
	}
}

func TestRotateRecordsAuditEntry(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	variant, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
	require.NoError(t, err)

	require.Len(t, repo.entries, 1)
	entry := repo.entries[0]
	assert.Equal(t, models.AuditActionVariantChanged, entry.Action)
	assert.Equal(t, "scheduler", entry.Actor)

	detail, err := entry.VariantChanged()
	require.NoError(t, err)
	assert.Equal(t, variant.ID, detail.VariantID)
	assert.Equal(t, variant.Name, detail.VariantName)
}

func TestApply(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	applier := &fakeApplier{}
	rotator := newTestRotator(repo, applier, newFakeLocker())

	variant, err := rotator.Apply(context.Background(), "test-1", "v-b", "alice")
	require.NoError(t, err)

	assert.Equal(t, "B", variant.Name)
	assert.Equal(t, []string{"Title B"}, applier.titles)
	assert.NotNil(t, variant.AppliedAt)
}

func TestApplyRejectsForeignVariant(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	repo.variants = append(repo.variants, &models.Variant{ID: "v-x", TestID: "other-test", Name: "X"})

	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())
	_, err := rotator.Apply(context.Background(), "test-1", "v-x", "alice")
	assert.True(t, abtest.IsNotFound(err))
}

func TestApplyFailureLeavesVariantUnapplied(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	applier := &fakeApplier{titleErr: errors.New("upstream down")}
	rotator := newTestRotator(repo, applier, newFakeLocker())

	_, err := rotator.Apply(context.Background(), "test-1", "v-a", "alice")
	assert.Error(t, err)
	assert.Nil(t, repo.variants[0].AppliedAt)
	assert.Empty(t, repo.entries)
}

func TestCombinedPushesTitleThenThumbnail(t *testing.T) {
	repo, _ := activeTest(models.ContentKindCombined)
	applier := &fakeApplier{}
	rotator := newTestRotator(repo, applier, newFakeLocker())

	_, err := rotator.Apply(context.Background(), "test-1", "v-a", "alice")
	require.NoError(t, err)

	assert.Equal(t, []string{"title", "thumbnail"}, applier.calls)
}

func TestCombinedThumbnailFailureKeepsNewTitle(t *testing.T) {
	repo, _ := activeTest(models.ContentKindCombined)
	applier := &fakeApplier{thumbnailErr: errors.New("thumbnail upload failed")}
	rotator := newTestRotator(repo, applier, newFakeLocker())

	_, err := rotator.Apply(context.Background(), "test-1", "v-a", "alice")
	assert.Error(t, err)

	// The title already went out; there is no rollback on the platform
	assert.Equal(t, []string{"Title A"}, applier.titles)
	assert.Nil(t, repo.variants[0].AppliedAt)
}

func TestConcurrentRotateSingleWinner(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	const goroutines = 8
	var wg sync.WaitGroup
	results := make(chan error, goroutines)

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := rotator.Rotate(context.Background(), "test-1", "scheduler")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, conflicted int
	for err := range results {
		switch {
		case err == nil:
			succeeded++
		case abtest.IsConflict(err):
			conflicted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.GreaterOrEqual(t, succeeded, 1)
	assert.Equal(t, goroutines, succeeded+conflicted)
}

func TestNextRotationTime(t *testing.T) {
	repo, _ := activeTest(models.ContentKindTitle)
	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rotator.now = func() time.Time { return now }

	// Nothing applied yet: due immediately
	next, err := rotator.NextRotationTime(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Equal(t, now, next)

	applied := now.Add(-time.Hour)
	repo.variants[1].AppliedAt = &applied

	next, err = rotator.NextRotationTime(context.Background(), "test-1")
	require.NoError(t, err)
	assert.Equal(t, applied.Add(4*time.Hour), next)
}

func TestNextRotationTimeRequiresActive(t *testing.T) {
	repo, test := activeTest(models.ContentKindTitle)
	test.State = models.TestStatePaused

	rotator := newTestRotator(repo, &fakeApplier{}, newFakeLocker())
	_, err := rotator.NextRotationTime(context.Background(), "test-1")
	assert.True(t, abtest.IsInvalidState(err))
}
