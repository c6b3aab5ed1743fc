package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clinicaltrials/gridline/pkg/config"
	"github.com/clinicaltrials/gridline/pkg/llmclient"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/objectstore"
)

// Grounder is the terminology capability the ground node consumes.
type Grounder interface {
	GroundAll(ctx context.Context, entities []*models.Entity) error
}

// Nodes holds the five node implementations and their dependencies.
type Nodes struct {
	objects objectstore.Store
	llm     llmclient.Extractor
	router  Grounder
	writer  BatchWriter
	cfg     config.PipelineConfig
}

// NewNodes wires the node set.
func NewNodes(objects objectstore.Store, llm llmclient.Extractor, router Grounder, writer BatchWriter, cfg config.PipelineConfig) *Nodes {
	return &Nodes{
		objects: objects,
		llm:     llm,
		router:  router,
		writer:  writer,
		cfg:     cfg,
	}
}

// pdfMagic is the leading byte signature every well-formed PDF carries.
var pdfMagic = []byte("%PDF-")

// Ingest fetches the protocol PDF from the object store and validates it.
// No entities are persisted here.
func (n *Nodes) Ingest(ctx context.Context, st State) (State, error) {
	data, err := n.objects.Fetch(ctx, st.FilePointer)
	if err != nil {
		var classified *models.ClassifiedError
		if errors.As(err, &classified) {
			return st, err
		}
		return st, models.NewClassifiedError(models.CategoryStorage,
			fmt.Errorf("fetching %q: %w", st.FilePointer, err))
	}

	maxBytes := n.cfg.MaxPDFBytes
	if maxBytes <= 0 {
		maxBytes = 50 * 1024 * 1024
	}
	if int64(len(data)) > maxBytes {
		return st, models.NewClassifiedError(models.CategoryPDFQuality,
			fmt.Errorf("PDF is %d bytes, limit %d", len(data), maxBytes))
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		return st, models.NewClassifiedError(models.CategoryPDFQuality,
			errors.New("file is not a PDF"))
	}

	st.PDFBytes = data
	return st, nil
}

// Extract calls the LLM for structured criteria. The PDF bytes are cleared
// from state before returning so the next checkpoint stays small — a
// resume past this node never needs them again.
func (n *Nodes) Extract(ctx context.Context, st State) (State, error) {
	if n.cfg.LLMTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, n.cfg.LLMTimeout)
		defer cancel()
	}

	criteria, err := n.llm.Extract(ctx, st.PDFBytes, st.Title)
	if err != nil {
		var classified *models.ClassifiedError
		if errors.As(err, &classified) {
			return st, err
		}
		return st, models.NewClassifiedError(models.CategoryLLMUnavailable,
			fmt.Errorf("extraction: %w", err))
	}
	if len(criteria) == 0 {
		return st, models.NewClassifiedError(models.CategoryLLMSchemaViolation,
			errors.New("extraction produced no criteria"))
	}

	st.RawCriteria = criteria
	st.ExtractionModel = n.llm.Model()
	st.PDFBytes = nil
	return st, nil
}

// Parse normalizes the raw criteria and derives per-criterion entity types
// from the category, emitting the criteria and entity arrays the ground
// and persist nodes consume.
func (n *Nodes) Parse(_ context.Context, st State) (State, error) {
	criteria := make([]models.Criterion, 0, len(st.RawCriteria))
	var entities []EntityDraft

	for i, raw := range st.RawCriteria {
		c := normalizeCriterion(raw)
		criteria = append(criteria, c)

		for _, re := range raw.Entities {
			if re.Text == "" {
				continue
			}
			entities = append(entities, EntityDraft{
				CriterionIndex: i,
				Entity: models.Entity{
					SpanText:      re.Text,
					Type:          c.EntityType,
					ContextWindow: re.ContextWindow,
				},
			})
		}
	}

	st.CriteriaJSON = criteria
	st.EntitiesJSON = entities
	st.RawCriteria = nil
	return st, nil
}

// Ground resolves terminology codes for every entity with bounded fan-out.
// Per-entity failures stay on the entity; the node itself succeeds even if
// every entity failed — persist records the outcome.
func (n *Nodes) Ground(ctx context.Context, st State) (State, error) {
	refs := make([]*models.Entity, len(st.EntitiesJSON))
	for i := range st.EntitiesJSON {
		refs[i] = &st.EntitiesJSON[i].Entity
	}

	if err := n.router.GroundAll(ctx, refs); err != nil {
		return st, models.NewClassifiedError(models.CategoryPipelineFailed,
			fmt.Errorf("grounding: %w", err))
	}

	failed := 0
	for _, d := range st.EntitiesJSON {
		if d.Entity.GroundingError != "" {
			failed++
		}
	}
	if failed > 0 {
		slog.Warn("grounding finished with entity failures",
			"protocol_id", st.ProtocolID, "failed", failed, "total", len(st.EntitiesJSON))
	}
	return st, nil
}

// Persist commits the batch, criteria, and entities in one transaction and
// moves the protocol to pending review. For a re-extraction the writer
// also archives the superseded batch and inherits prior review decisions.
func (n *Nodes) Persist(ctx context.Context, st State) (State, error) {
	batchID, err := n.writer.CommitBatch(ctx, BatchCommit{
		ProtocolID:      st.ProtocolID,
		ThreadID:        st.ThreadID,
		IsReExtraction:  st.IsReExtraction,
		ExtractionModel: st.ExtractionModel,
		Criteria:        st.CriteriaJSON,
		Entities:        st.EntitiesJSON,
	})
	if err != nil {
		var classified *models.ClassifiedError
		if errors.As(err, &classified) {
			return st, err
		}
		return st, models.NewClassifiedError(models.CategoryStorage,
			fmt.Errorf("persisting batch: %w", err))
	}

	st.BatchID = batchID
	return st, nil
}
