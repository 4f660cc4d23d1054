package models

import "time"

// MetricKind identifies which metric a snapshot records
type MetricKind string

const (
	MetricKindImpressions MetricKind = "impressions"
	MetricKindClicks      MetricKind = "clicks"
	MetricKindViews       MetricKind = "views"
	MetricKindCTR         MetricKind = "ctr"
)

// MetricSnapshot is one append-only observation of a variant metric at a
// point in time, kept for historical trend data. Snapshots are never mutated
// or deleted while the owning variant exists.
type MetricSnapshot struct {
	ID         string     `json:"id" db:"id"`
	TestID     string     `json:"test_id" db:"test_id"`
	VariantID  string     `json:"variant_id" db:"variant_id"`
	MetricKind MetricKind `json:"metric_kind" db:"metric_kind"`
	Value      float64    `json:"value" db:"value"`
	RecordedAt time.Time  `json:"recorded_at" db:"recorded_at"`
}

// SnapshotsFor expands a variant's current metric values into one snapshot
// per metric kind, all stamped with the same recording time.
func SnapshotsFor(v *Variant, recordedAt time.Time) []*MetricSnapshot {
	values := []struct {
		kind  MetricKind
		value float64
	}{
		{MetricKindImpressions, float64(v.Impressions)},
		{MetricKindClicks, float64(v.Clicks)},
		{MetricKindViews, float64(v.Views)},
		{MetricKindCTR, v.CTR},
	}

	snapshots := make([]*MetricSnapshot, 0, len(values))
	for _, m := range values {
		snapshots = append(snapshots, &MetricSnapshot{
			TestID:     v.TestID,
			VariantID:  v.ID,
			MetricKind: m.kind,
			Value:      m.value,
			RecordedAt: recordedAt,
		})
	}
	return snapshots
}
