package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatorbackoffice/splittest/internal/abtest"
	"github.com/creatorbackoffice/splittest/pkg/models"
)

// Repository provides database operations over tests, variants, metric
// snapshots and the audit log. Every mutation that changes test or variant
// state runs in one transaction together with its audit-log write, so the
// audit log never reflects a state the tables do not.
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Health checks database connectivity
func (r *Repository) Health(ctx context.Context) error {
	return r.db.Health(ctx)
}

// Tests

const testColumns = `id, video_id, video_title, content_kind, state, started_at, ends_at,
       duration_hours, rotation_hours, performance_threshold, auto_select_winner,
       winner_variant_id, completed_at, created_at, updated_at`

func scanTest(row pgx.Row) (*models.Test, error) {
	var test models.Test
	err := row.Scan(
		&test.ID, &test.VideoID, &test.VideoTitle, &test.ContentKind, &test.State,
		&test.StartedAt, &test.EndsAt, &test.DurationHours, &test.RotationHours,
		&test.PerformanceThreshold, &test.AutoSelectWinner, &test.WinnerVariantID,
		&test.CompletedAt, &test.CreatedAt, &test.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &test, nil
}

// CreateTestWithVariants creates a test, its variants and the `created`
// audit entry atomically. The test's Variants slice must be populated.
func (r *Repository) CreateTestWithVariants(ctx context.Context, test *models.Test, entry *models.AuditLogEntry) error {
	if test.ID == "" {
		test.ID = uuid.New().String()
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO tests (id, video_id, video_title, content_kind, state, duration_hours,
		                   rotation_hours, performance_threshold, auto_select_winner)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`

	err = tx.QueryRow(ctx, query,
		test.ID, test.VideoID, test.VideoTitle, test.ContentKind, test.State,
		test.DurationHours, test.RotationHours, test.PerformanceThreshold,
		test.AutoSelectWinner,
	).Scan(&test.CreatedAt, &test.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create test: %w", err)
	}

	for _, variant := range test.Variants {
		if variant.ID == "" {
			variant.ID = uuid.New().String()
		}
		variant.TestID = test.ID

		vq := `
			INSERT INTO variants (id, test_id, name, thumbnail_url, title, description)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at
		`
		err = tx.QueryRow(ctx, vq,
			variant.ID, variant.TestID, variant.Name,
			variant.ThumbnailURL, variant.Title, variant.Description,
		).Scan(&variant.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to create variant %s: %w", variant.Name, err)
		}
	}

	entry.TestID = test.ID
	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// GetTest retrieves a test by ID without its variants
func (r *Repository) GetTest(ctx context.Context, id string) (*models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests WHERE id = $1`

	test, err := scanTest(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, abtest.NewTestNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get test: %w", err)
	}

	return test, nil
}

// GetTestWithVariants retrieves a test and its variants ordered by name
func (r *Repository) GetTestWithVariants(ctx context.Context, id string) (*models.Test, error) {
	test, err := r.GetTest(ctx, id)
	if err != nil {
		return nil, err
	}

	variants, err := r.GetVariants(ctx, id)
	if err != nil {
		return nil, err
	}

	test.Variants = variants
	return test, nil
}

// ListTests retrieves tests ordered by creation time, newest first
func (r *Repository) ListTests(ctx context.Context, limit, offset int) ([]*models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests ORDER BY created_at DESC LIMIT $1 OFFSET $2`

	rows, err := r.db.Pool.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests: %w", err)
	}
	defer rows.Close()

	var tests []*models.Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}

	return tests, nil
}

// ListTestsByState retrieves all tests in the given lifecycle state
func (r *Repository) ListTestsByState(ctx context.Context, state models.TestState) ([]*models.Test, error) {
	query := `SELECT ` + testColumns + ` FROM tests WHERE state = $1 ORDER BY created_at`

	rows, err := r.db.Pool.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("failed to list tests by state: %w", err)
	}
	defer rows.Close()

	var tests []*models.Test
	for rows.Next() {
		test, err := scanTest(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test: %w", err)
		}
		tests = append(tests, test)
	}

	return tests, nil
}

// UpdateTestTransition persists a lifecycle transition and its audit entry
// atomically
func (r *Repository) UpdateTestTransition(ctx context.Context, test *models.Test, entry *models.AuditLogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		UPDATE tests
		SET state = $2, started_at = $3, ends_at = $4, completed_at = $5, updated_at = NOW()
		WHERE id = $1
		RETURNING updated_at
	`

	err = tx.QueryRow(ctx, query,
		test.ID, test.State, test.StartedAt, test.EndsAt, test.CompletedAt,
	).Scan(&test.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return abtest.NewTestNotFound(test.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to update test: %w", err)
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// DeleteTest removes a test and, via cascading foreign keys, its variants,
// snapshots and audit entries
func (r *Repository) DeleteTest(ctx context.Context, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete test: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return abtest.NewTestNotFound(id)
	}
	return nil
}

// Variants

const variantColumns = `id, test_id, name, thumbnail_url, title, description,
       impressions, clicks, views, ctr, is_winner, applied_at, created_at`

func scanVariant(row pgx.Row) (*models.Variant, error) {
	var v models.Variant
	err := row.Scan(
		&v.ID, &v.TestID, &v.Name, &v.ThumbnailURL, &v.Title, &v.Description,
		&v.Impressions, &v.Clicks, &v.Views, &v.CTR, &v.IsWinner,
		&v.AppliedAt, &v.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &v, nil
}

// GetVariant retrieves a variant by ID
func (r *Repository) GetVariant(ctx context.Context, id string) (*models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE id = $1`

	variant, err := scanVariant(r.db.Pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, abtest.NewVariantNotFound(id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get variant: %w", err)
	}

	return variant, nil
}

// GetVariants retrieves all variants of a test ordered by name
func (r *Repository) GetVariants(ctx context.Context, testID string) ([]*models.Variant, error) {
	query := `SELECT ` + variantColumns + ` FROM variants WHERE test_id = $1 ORDER BY name`

	rows, err := r.db.Pool.Query(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to get variants: %w", err)
	}
	defer rows.Close()

	var variants []*models.Variant
	for rows.Next() {
		variant, err := scanVariant(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan variant: %w", err)
		}
		variants = append(variants, variant)
	}

	return variants, nil
}

// MarkVariantApplied sets the variant's applied timestamp and writes the
// variant_changed audit entry atomically
func (r *Repository) MarkVariantApplied(ctx context.Context, variant *models.Variant, appliedAt time.Time, entry *models.AuditLogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE variants SET applied_at = $2 WHERE id = $1`,
		variant.ID, appliedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to mark variant applied: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return abtest.NewVariantNotFound(variant.ID)
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	variant.AppliedAt = &appliedAt
	return nil
}

// UpdateVariantMetrics persists the variant's metric counters and appends
// the given metric snapshots atomically
func (r *Repository) UpdateVariantMetrics(ctx context.Context, variant *models.Variant, snapshots []*models.MetricSnapshot) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE variants SET impressions = $2, clicks = $3, views = $4, ctr = $5 WHERE id = $1`,
		variant.ID, variant.Impressions, variant.Clicks, variant.Views, variant.CTR,
	)
	if err != nil {
		return fmt.Errorf("failed to update variant metrics: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return abtest.NewVariantNotFound(variant.ID)
	}

	for _, snapshot := range snapshots {
		if snapshot.ID == "" {
			snapshot.ID = uuid.New().String()
		}

		_, err := tx.Exec(ctx,
			`INSERT INTO metric_snapshots (id, test_id, variant_id, metric_kind, value, recorded_at)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			snapshot.ID, snapshot.TestID, snapshot.VariantID,
			snapshot.MetricKind, snapshot.Value, snapshot.RecordedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert metric snapshot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}

// SetWinner marks the winning variant, updates the test's winner reference
// and (when supplied) its completion state, and writes the winner_selected
// audit entry, all atomically
func (r *Repository) SetWinner(ctx context.Context, test *models.Test, winner *models.Variant, entry *models.AuditLogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	// Re-selection replaces the previous winner, it never adds a second one
	_, err = tx.Exec(ctx,
		`UPDATE variants SET is_winner = FALSE WHERE test_id = $1`,
		test.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to clear previous winner: %w", err)
	}

	tag, err := tx.Exec(ctx,
		`UPDATE variants SET is_winner = TRUE WHERE id = $1`,
		winner.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to mark winner variant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return abtest.NewVariantNotFound(winner.ID)
	}

	_, err = tx.Exec(ctx,
		`UPDATE tests SET winner_variant_id = $2, state = $3, completed_at = $4, updated_at = NOW() WHERE id = $1`,
		test.ID, winner.ID, test.State, test.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update test winner: %w", err)
	}

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	winner.IsWinner = true
	test.WinnerVariantID = &winner.ID
	return nil
}
