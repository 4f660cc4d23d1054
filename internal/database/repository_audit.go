package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/creatorbackoffice/splittest/pkg/models"
)

const auditColumns = `id, test_id, action, actor, detail, timestamp`

func scanAuditEntry(row pgx.Row) (*models.AuditLogEntry, error) {
	var entry models.AuditLogEntry
	err := row.Scan(
		&entry.ID, &entry.TestID, &entry.Action, &entry.Actor,
		&entry.Detail, &entry.Timestamp,
	)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// insertAuditEntry writes an entry inside an open transaction so it commits
// or rolls back with the state change it records.
func insertAuditEntry(ctx context.Context, tx pgx.Tx, entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}

	_, err := tx.Exec(ctx,
		`INSERT INTO audit_log (id, test_id, action, actor, detail, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entry.ID, entry.TestID, entry.Action, entry.Actor, entry.Detail, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit entry: %w", err)
	}
	return nil
}

// AppendAuditEntry writes a standalone audit entry outside any other mutation
func (r *Repository) AppendAuditEntry(ctx context.Context, entry *models.AuditLogEntry) error {
	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := insertAuditEntry(ctx, tx, entry); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// ListAuditEntries retrieves all audit entries for a test in chronological
// order
func (r *Repository) ListAuditEntries(ctx context.Context, testID string) ([]*models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE test_id = $1 ORDER BY timestamp`

	rows, err := r.db.Pool.Query(ctx, query, testID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ListAuditEntriesByAction retrieves a test's audit entries of one action
// kind in chronological order. Attribution relies on this ordering for
// variant_changed entries.
func (r *Repository) ListAuditEntriesByAction(ctx context.Context, testID string, action models.AuditAction) ([]*models.AuditLogEntry, error) {
	query := `SELECT ` + auditColumns + ` FROM audit_log WHERE test_id = $1 AND action = $2 ORDER BY timestamp`

	rows, err := r.db.Pool.Query(ctx, query, testID, action)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		entry, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// ListSnapshots retrieves the metric history for a variant in recording order
func (r *Repository) ListSnapshots(ctx context.Context, variantID string) ([]*models.MetricSnapshot, error) {
	query := `
		SELECT id, test_id, variant_id, metric_kind, value, recorded_at
		FROM metric_snapshots
		WHERE variant_id = $1
		ORDER BY recorded_at
	`

	rows, err := r.db.Pool.Query(ctx, query, variantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []*models.MetricSnapshot
	for rows.Next() {
		var s models.MetricSnapshot
		err := rows.Scan(&s.ID, &s.TestID, &s.VariantID, &s.MetricKind, &s.Value, &s.RecordedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		snapshots = append(snapshots, &s)
	}

	return snapshots, nil
}
