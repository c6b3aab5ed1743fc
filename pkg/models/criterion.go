package models

// NumericThreshold is a structured numeric constraint attached to a
// criterion, e.g. "age >= 18" or "ejection fraction range [30, 50]".
type NumericThreshold struct {
	Comparator Comparator
	Value      float64
	Unit       string   // optional
	Upper      *float64 // optional, only meaningful when Comparator == range
}

// TemporalConstraint attaches a duration-based relation to a reference
// point, e.g. "within 6 months of enrollment".
type TemporalConstraint struct {
	Duration  string // free-form duration text, e.g. "6 months"
	Relation  TemporalRelation
	Reference string // reference point, e.g. "enrollment"
}

// Criterion is one eligibility criterion produced by an extraction run,
// holding both free text and the structured fields the parse node derives.
type Criterion struct {
	ID             string
	BatchID        string
	Text           string
	Classification CriterionClassification
	Category       string
	Confidence     float64
	PageNumber     int

	Thresholds []NumericThreshold
	Temporal   *TemporalConstraint
	Conditions []string
	Assertion  AssertionStatus

	ReviewStatus       ReviewDecision
	ReviewModification map[string]any // optional modification payload

	// EntityType is derived in the parse node from Category, with a
	// fallback to "Condition" for unknown categories.
	EntityType EntityType
}

// HasDecision reports whether a reviewer has recorded a decision.
func (c *Criterion) HasDecision() bool {
	return c.ReviewStatus != ReviewNone
}
