// Package app exposes the inbound operations the rest of the application
// calls — submit, retry, archive, list, re-extract — and the outbox
// handlers that drive pipeline runs. It is the wiring layer between the
// transactional store, the outbox, and the pipeline driver.
package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/clinicaltrials/gridline/pkg/checkpoint"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/objectstore"
	"github.com/clinicaltrials/gridline/pkg/pipeline"
)

// Driver is the pipeline capability the service consumes.
type Driver interface {
	Invoke(ctx context.Context, initial pipeline.State) (pipeline.State, error)
	Resume(ctx context.Context, threadID string) (pipeline.State, error)
	Cleanup(ctx context.Context, threadID string) error
}

// Archiver retires stale dead-letter protocols on read.
type Archiver interface {
	ArchiveIfStale(ctx context.Context, p *models.Protocol) (bool, error)
}

// LLMAvailability reports whether the extraction service currently admits
// calls, for the upload-time advisory.
type LLMAvailability interface {
	Available() bool
}

// SubmitResult is the outcome of SubmitProtocol.
type SubmitResult struct {
	ProtocolID string
	// Warning is non-empty when the protocol was admitted while the
	// extraction service is unavailable; processing starts once it
	// recovers.
	Warning string
}

// Service implements the inbound operations.
type Service struct {
	repo        Repository
	objects     objectstore.Store
	driver      Driver
	checkpoints checkpoint.Store
	archiver    Archiver
	llm         LLMAvailability

	// runner launches a background pipeline run; tests replace it with a
	// synchronous call.
	runner func(f func())

	// retries guards against two concurrent manual retries of the same
	// protocol.
	mu      sync.Mutex
	retries map[string]struct{}
}

// NewService wires the service. llm and archiver may be nil (no advisory,
// no lazy archival).
func NewService(repo Repository, objects objectstore.Store, driver Driver, checkpoints checkpoint.Store, archiver Archiver, llm LLMAvailability) *Service {
	return &Service{
		repo:        repo,
		objects:     objects,
		driver:      driver,
		checkpoints: checkpoints,
		archiver:    archiver,
		llm:         llm,
		runner:      func(f func()) { go f() },
		retries:     make(map[string]struct{}),
	}
}

// uploadWarning is the advisory attached when the extraction breaker is
// open at submit time.
const uploadWarning = "AI service temporarily unavailable; extraction will start when it recovers"

// SubmitProtocol stores the PDF, then writes the protocol row and its
// PROTOCOL_UPLOADED event in one transaction. The outbox picks the event
// up asynchronously.
func (s *Service) SubmitProtocol(ctx context.Context, file []byte, title string) (*SubmitResult, error) {
	if len(file) == 0 {
		return nil, NewValidationError("file", "file is empty")
	}
	if title == "" {
		return nil, NewValidationError("title", "title is required")
	}

	pointer, err := s.objects.Put(ctx, file, "application/pdf")
	if err != nil {
		return nil, models.NewClassifiedError(models.CategoryStorage, err)
	}

	now := time.Now()
	p := &models.Protocol{
		ID:          uuid.NewString(),
		FilePointer: pointer,
		Title:       title,
		Status:      models.ProtocolUploaded,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.repo.CreateProtocolWithEvent(ctx, p, models.EventProtocolUploaded,
		map[string]any{"aggregate_id": p.ID, "title": title}); err != nil {
		return nil, err
	}

	result := &SubmitResult{ProtocolID: p.ID}
	if s.llm != nil && !s.llm.Available() {
		result.Warning = uploadWarning
	}

	slog.Info("protocol submitted", "protocol_id", p.ID, "warned", result.Warning != "")
	return result, nil
}

// GetProtocol fetches a protocol, lazily archiving it when it has sat in
// dead_letter past the retention cutoff.
func (s *Service) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	p, err := s.repo.GetProtocol(ctx, id)
	if err != nil {
		return nil, err
	}
	if s.archiver != nil {
		if _, err := s.archiver.ArchiveIfStale(ctx, p); err != nil {
			slog.Warn("lazy archival failed", "protocol_id", id, "error", err)
		}
	}
	return p, nil
}

// ListProtocols lists protocols. Archived ones are excluded unless the
// filter names them explicitly.
func (s *Service) ListProtocols(ctx context.Context, filter models.ProtocolFilter) ([]*models.Protocol, error) {
	return s.repo.ListProtocols(ctx, filter)
}

// ArchiveProtocol archives a protocol on request and publishes the
// PROTOCOL_ARCHIVED event.
func (s *Service) ArchiveProtocol(ctx context.Context, id string) error {
	p, err := s.repo.GetProtocol(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == models.ProtocolArchived {
		return nil
	}

	before := string(p.Status)
	p.Status = models.ProtocolArchived
	if err := s.repo.UpdateProtocol(ctx, p); err != nil {
		return err
	}
	if err := s.repo.PublishEvent(ctx, p.ID, models.EventProtocolArchived,
		map[string]any{"aggregate_id": p.ID, "previous_status": before}, "PROTOCOL_ARCHIVED"); err != nil {
		return err
	}

	slog.Info("protocol archived", "protocol_id", id)
	return nil
}

// RetryProtocol clears the error state of a failed protocol and resumes
// its pipeline run from the last committed checkpoint. No new outbox
// event is created. A second retry while one is in flight is rejected
// with a conflict, so two concurrent runs can never start.
func (s *Service) RetryProtocol(ctx context.Context, id string) error {
	p, err := s.repo.GetProtocol(ctx, id)
	if err != nil {
		return err
	}
	if !p.Status.Retryable() {
		return NewConflictError("protocol %s is %s; only failed protocols can be retried", id, p.Status)
	}

	s.mu.Lock()
	if _, inFlight := s.retries[id]; inFlight {
		s.mu.Unlock()
		return NewConflictError("retry already in progress for protocol %s", id)
	}
	s.retries[id] = struct{}{}
	s.mu.Unlock()

	p.ClearError()
	if err := s.repo.UpdateProtocol(ctx, p); err != nil {
		s.clearRetry(id)
		return err
	}
	if err := s.repo.Audit(ctx, "api", "PROTOCOL_RETRIED", "protocol", id,
		map[string]any{"status": string(p.Status)}, nil); err != nil {
		slog.Warn("failed to audit retry", "protocol_id", id, "error", err)
	}

	s.runner(func() {
		defer s.clearRetry(id)
		// The run is detached from the request context: the caller got
		// an ack, the run continues in the background.
		if err := s.runPipeline(context.Background(), p, false); err != nil {
			slog.Error("manual retry failed", "protocol_id", id, "error", err)
		}
	})
	return nil
}

// ReExtractProtocol requests a fresh extraction for a protocol that
// already has a reviewed batch. The new run archives the current batch and
// inherits prior review decisions where criteria still match.
func (s *Service) ReExtractProtocol(ctx context.Context, id string) error {
	p, err := s.repo.GetProtocol(ctx, id)
	if err != nil {
		return err
	}
	switch p.Status {
	case models.ProtocolPendingReview, models.ProtocolComplete:
	default:
		return NewConflictError("protocol %s is %s; only reviewed protocols can be re-extracted", id, p.Status)
	}

	return s.repo.PublishEvent(ctx, p.ID, models.EventProtocolReExtract,
		map[string]any{"aggregate_id": p.ID}, "PROTOCOL_RE_EXTRACT_REQUESTED")
}

func (s *Service) clearRetry(id string) {
	s.mu.Lock()
	delete(s.retries, id)
	s.mu.Unlock()
}
