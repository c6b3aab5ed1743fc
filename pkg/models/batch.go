package models

import "time"

// CriteriaBatch groups the criteria produced by one extraction run for one
// protocol. At most one batch per protocol is non-archived at any time.
type CriteriaBatch struct {
	ID              string
	ProtocolID      string
	IsArchived      bool
	ReviewedCount   int
	TotalCount      int
	ExtractionModel string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// AllReviewed reports whether every criterion in the batch has a review
// decision — the precondition for a protocol to reach `complete`.
func (b *CriteriaBatch) AllReviewed() bool {
	return b.TotalCount > 0 && b.ReviewedCount == b.TotalCount
}
