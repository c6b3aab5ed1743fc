// Package pipeline runs the five-node extraction workflow — ingest,
// extract, parse, ground, persist — as a resumable state machine. Nodes
// receive state by value and return new state; the driver checkpoints
// after every successful node and computes the next edge from the result.
package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicaltrials/gridline/pkg/llmclient"
	"github.com/clinicaltrials/gridline/pkg/models"
)

// Step indices. Checkpoints are keyed by the step that produced them, so
// the step after a resume is always Latest()+1.
const (
	StepIngest = iota + 1
	StepExtract
	StepParse
	StepGround
	StepPersist
)

// StepName returns the node name for a step index.
func StepName(step int) string {
	switch step {
	case StepIngest:
		return "ingest"
	case StepExtract:
		return "extract"
	case StepParse:
		return "parse"
	case StepGround:
		return "ground"
	case StepPersist:
		return "persist"
	}
	return fmt.Sprintf("step-%d", step)
}

// EntityDraft is an entity in flight through the pipeline, tied to its
// criterion by index until persist assigns database identifiers.
type EntityDraft struct {
	CriterionIndex int           `json:"criterion_index"`
	Entity         models.Entity `json:"entity"`
}

// State is everything a run carries between nodes. It is serialized as the
// checkpoint payload, so each node drops what downstream nodes no longer
// need (the PDF bytes in particular) before returning.
type State struct {
	ProtocolID     string `json:"protocol_id"`
	ThreadID       string `json:"thread_id"`
	FilePointer    string `json:"file_pointer"`
	Title          string `json:"title"`
	IsReExtraction bool   `json:"is_re_extraction"`

	// PDFBytes is populated by ingest and cleared by extract so
	// checkpoints stay small.
	PDFBytes []byte `json:"pdf_bytes,omitempty"`

	RawCriteria  []llmclient.RawCriterion `json:"raw_criteria,omitempty"`
	CriteriaJSON []models.Criterion       `json:"criteria_json,omitempty"`
	EntitiesJSON []EntityDraft            `json:"entities_json,omitempty"`

	// ExtractionModel records which model produced RawCriteria, for batch
	// provenance.
	ExtractionModel string `json:"extraction_model,omitempty"`

	// BatchID is set by persist.
	BatchID string `json:"batch_id,omitempty"`
}

// NewThreadID mints the per-run identifier: the protocol id joined with a
// fresh uuid, so re-extractions of the same protocol never collide.
func NewThreadID(protocolID string) string {
	return protocolID + ":" + uuid.NewString()
}

// Marshal serializes the state for the checkpoint store.
func (s State) Marshal() ([]byte, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("pipeline: marshal state: %w", err)
	}
	return data, nil
}

// UnmarshalState deserializes a checkpoint payload.
func UnmarshalState(data []byte) (State, error) {
	var s State
	if err := json.Unmarshal(data, &s); err != nil {
		return State{}, fmt.Errorf("pipeline: unmarshal state: %w", err)
	}
	return s, nil
}
