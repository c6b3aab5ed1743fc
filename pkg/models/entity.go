package models

// Entity is one medical term extracted from a criterion and, where
// applicable, grounded into one or more controlled terminology systems.
type Entity struct {
	ID          string
	CriterionID string

	SpanText      string
	Type          EntityType
	ContextWindow string

	GroundingConfidence float64
	GroundingMethod     string            // e.g. "direct_http", "delegated_umls", "not_routable"
	GroundingError      string            // optional
	GroundingSystem     TerminologySystem // primary system, may be empty

	RxNormCode    string
	ICD10Code     string
	SnomedCode    string
	LoincCode     string
	HPOCode       string
	UMLSCUI       string
	PreferredTerm string
}

// LowConfidenceFloor is the grounding confidence below which an entity is
// flagged for reviewer attention.
const LowConfidenceFloor = 0.7

// NeedsReviewerAttention reports whether this entity's confidence is below
// the floor. Its codes are still persisted either way; the review UI is
// the consumer of this flag, the pipeline itself does not act on it.
func (e *Entity) NeedsReviewerAttention() bool {
	return e.GroundingSystem != "" && e.GroundingConfidence < LowConfidenceFloor
}

// CodeForSystem returns the populated code field for the given system, if
// any, and whether it is non-empty. A non-empty GroundingSystem always has
// a matching non-empty code.
func (e *Entity) CodeForSystem(system TerminologySystem) (string, bool) {
	var code string
	switch system {
	case SystemRxNorm:
		code = e.RxNormCode
	case SystemICD10:
		code = e.ICD10Code
	case SystemSnomed:
		code = e.SnomedCode
	case SystemLoinc:
		code = e.LoincCode
	case SystemHPO:
		code = e.HPOCode
	}
	return code, code != ""
}

// SetCodeForSystem populates the code field matching system.
func (e *Entity) SetCodeForSystem(system TerminologySystem, code string) {
	switch system {
	case SystemRxNorm:
		e.RxNormCode = code
	case SystemICD10:
		e.ICD10Code = code
	case SystemSnomed:
		e.SnomedCode = code
	case SystemLoinc:
		e.LoincCode = code
	case SystemHPO:
		e.HPOCode = code
	}
}
