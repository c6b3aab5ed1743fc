// Package audit writes the append-only audit trail of state-changing
// actions: uploads, pipeline transitions, dead-letters, retries, and
// archival. Entries are immutable once written.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// Recorder appends audit entries through the shared store.
type Recorder struct {
	repo *store.AuditRepo
}

// NewRecorder wires the recorder to the audit repository.
func NewRecorder(repo *store.AuditRepo) *Recorder {
	return &Recorder{repo: repo}
}

// Record appends one entry inside the caller's transaction (or directly
// against the pool when q is the pool).
func (r *Recorder) Record(ctx context.Context, q store.Querier, actor, eventKind, targetKind, targetID string, before, after map[string]any) error {
	return r.repo.Append(ctx, q, &models.AuditLog{
		ID:         uuid.NewString(),
		Actor:      actor,
		EventKind:  eventKind,
		TargetKind: targetKind,
		TargetID:   targetID,
		Before:     before,
		After:      after,
		Timestamp:  time.Now(),
	})
}
