package models

import (
	"math"
	"time"
)

// Variant is one named content proposal within a test
type Variant struct {
	ID           string     `json:"id" db:"id"`
	TestID       string     `json:"test_id" db:"test_id"`
	Name         string     `json:"name" db:"name"`
	ThumbnailURL string     `json:"thumbnail_url,omitempty" db:"thumbnail_url"`
	Title        string     `json:"title,omitempty" db:"title"`
	Description  string     `json:"description,omitempty" db:"description"`
	Impressions  int64      `json:"impressions" db:"impressions"`
	Clicks       int64      `json:"clicks" db:"clicks"`
	Views        int64      `json:"views" db:"views"`
	CTR          float64    `json:"ctr" db:"ctr"`
	IsWinner     bool       `json:"is_winner" db:"is_winner"`
	AppliedAt    *time.Time `json:"applied_at,omitempty" db:"applied_at"`
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
}

// CalculateCTR computes click-through-rate as a percentage rounded to two
// decimal places. Zero or negative impressions yield exactly 0.0.
func CalculateCTR(impressions, clicks int64) float64 {
	if impressions <= 0 {
		return 0.0
	}
	ctr := float64(clicks) / float64(impressions) * 100
	return math.Round(ctr*100) / 100
}

// RecomputeCTR refreshes the variant's CTR from its impressions and clicks.
// CTR is never set independently of those counters.
func (v *Variant) RecomputeCTR() {
	v.CTR = CalculateCTR(v.Impressions, v.Clicks)
}

// HasRequiredContent reports whether the variant carries every content field
// the given test kind requires, along with the first missing field name.
func (v *Variant) HasRequiredContent(kind ContentKind) (bool, string) {
	switch kind {
	case ContentKindThumbnail:
		if v.ThumbnailURL == "" {
			return false, "thumbnail_url"
		}
	case ContentKindTitle:
		if v.Title == "" {
			return false, "title"
		}
	case ContentKindDescription:
		if v.Description == "" {
			return false, "description"
		}
	case ContentKindCombined:
		if v.ThumbnailURL == "" {
			return false, "thumbnail_url"
		}
		if v.Title == "" {
			return false, "title"
		}
	}
	return true, ""
}
