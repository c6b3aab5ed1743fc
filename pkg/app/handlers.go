package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/outbox"
	"github.com/clinicaltrials/gridline/pkg/pipeline"
)

// RegisterHandlers installs the service's outbox handlers on the
// processor.
func (s *Service) RegisterHandlers(p *outbox.Processor) {
	p.Register(models.EventProtocolUploaded, s.HandleProtocolUploaded)
	p.Register(models.EventProtocolReExtract, s.HandleProtocolReExtract)
	p.Register(models.EventProtocolArchived, s.HandleProtocolArchived)
}

// HandleProtocolUploaded starts (or, on redelivery, resumes) the pipeline
// run for a freshly uploaded protocol.
func (s *Service) HandleProtocolUploaded(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := s.repo.GetProtocol(ctx, ev.AggregateID)
	if err != nil {
		return fmt.Errorf("loading protocol %s: %w", ev.AggregateID, err)
	}
	if terminalForRun(p.Status) {
		// Duplicate delivery after the run already finished; the event id
		// is the dedupe key and there is nothing left to do.
		return nil
	}
	return s.runPipeline(ctx, p, false)
}

// HandleProtocolReExtract runs the pipeline again for a protocol with an
// existing batch, inheriting prior review decisions at persist time. A
// re-extraction always starts a fresh run under a new thread id: the
// protocol's recorded thread belongs to the completed prior run, whose
// retained persist checkpoint would make a resume return immediately
// without producing a batch.
func (s *Service) HandleProtocolReExtract(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := s.repo.GetProtocol(ctx, ev.AggregateID)
	if err != nil {
		return fmt.Errorf("loading protocol %s: %w", ev.AggregateID, err)
	}
	return s.startFreshRun(ctx, p, true)
}

// HandleProtocolArchived tears down run state the archived protocol no
// longer needs: its checkpoint history.
func (s *Service) HandleProtocolArchived(ctx context.Context, ev *models.OutboxEvent) error {
	p, err := s.repo.GetProtocol(ctx, ev.AggregateID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		return err
	}
	if threadID, ok := p.ThreadID(); ok {
		if err := s.driver.Cleanup(ctx, threadID); err != nil {
			return fmt.Errorf("dropping checkpoints for %s: %w", threadID, err)
		}
	}
	return nil
}

// terminalForRun reports whether a status means the extraction run already
// completed or is beyond redelivery.
func terminalForRun(status models.ProtocolStatus) bool {
	switch status {
	case models.ProtocolPendingReview, models.ProtocolComplete, models.ProtocolArchived:
		return true
	}
	return false
}

// runPipeline resumes the protocol's existing run when an incomplete
// checkpoint survives, otherwise starts a fresh one under a new thread
// id. The resume path exists so redelivery of a failed run never re-runs
// its successful stages; it is only correct for continuing an unfinished
// run — re-extractions of a completed protocol go through startFreshRun.
func (s *Service) runPipeline(ctx context.Context, p *models.Protocol, isReExtraction bool) error {
	threadID, hasThread := p.ThreadID()
	if !hasThread {
		return s.startFreshRun(ctx, p, isReExtraction)
	}

	_, _, resumable, err := s.checkpoints.Latest(ctx, threadID)
	if err != nil {
		return fmt.Errorf("checking checkpoint for %s: %w", threadID, err)
	}
	if !resumable {
		return s.startFreshRun(ctx, p, isReExtraction)
	}

	final, err := s.driver.Resume(ctx, threadID)
	if err != nil {
		s.markRunFailure(ctx, p, threadID, err)
		return err
	}

	slog.Info("pipeline run complete",
		"protocol_id", p.ID, "thread_id", threadID, "batch_id", final.BatchID)
	return nil
}

// startFreshRun mints a new thread id — re-extractions never collide with
// a prior run's thread — records it on the protocol, and invokes the
// pipeline from the beginning.
func (s *Service) startFreshRun(ctx context.Context, p *models.Protocol, isReExtraction bool) error {
	threadID := pipeline.NewThreadID(p.ID)
	p.SetThreadID(threadID)
	if err := s.repo.UpdateProtocol(ctx, p); err != nil {
		return fmt.Errorf("recording thread id: %w", err)
	}

	final, err := s.driver.Invoke(ctx, pipeline.State{
		ProtocolID:     p.ID,
		ThreadID:       threadID,
		FilePointer:    p.FilePointer,
		Title:          p.Title,
		IsReExtraction: isReExtraction,
	})
	if err != nil {
		s.markRunFailure(ctx, p, threadID, err)
		return err
	}

	slog.Info("pipeline run complete",
		"protocol_id", p.ID, "thread_id", threadID, "batch_id", final.BatchID)
	return nil
}

// markRunFailure surfaces a failed run on the protocol: extraction_failed
// when the run died before parsing completed, grounding_failed after. The
// outbox's retry bookkeeping decides separately whether the event gets
// another attempt or dead-letters.
func (s *Service) markRunFailure(ctx context.Context, p *models.Protocol, threadID string, runErr error) {
	if errors.Is(runErr, context.Canceled) {
		// Cancellation is not a failure; status stays as the last node
		// left it and the checkpoint remains valid.
		return
	}

	_, reason := outbox.Categorize(runErr)

	status := models.ProtocolExtractionFailed
	if step, _, ok, err := s.checkpoints.Latest(ctx, threadID); err == nil && ok && step >= pipeline.StepParse {
		status = models.ProtocolGroundingFailed
	}

	p.Status = status
	p.ErrorReason = reason
	if err := s.repo.UpdateProtocol(ctx, p); err != nil {
		slog.Error("failed to record run failure", "protocol_id", p.ID, "error", err)
	}
}
