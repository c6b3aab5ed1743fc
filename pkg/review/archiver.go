package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// AuditWriter appends one immutable audit entry.
type AuditWriter interface {
	Record(ctx context.Context, q store.Querier, actor, eventKind, targetKind, targetID string, before, after map[string]any) error
}

// Archiver retires dead-lettered protocols past the retention cutoff.
// Archival is lazy — it happens on the read path — with an optional
// best-effort sweep for operators who want proactive cleanup.
type Archiver struct {
	store  *store.Store
	audit  AuditWriter
	cutoff time.Duration
	now    func() time.Time
}

// NewArchiver wires the archiver. audit may be nil.
func NewArchiver(st *store.Store, audit AuditWriter, cutoff time.Duration) *Archiver {
	if cutoff <= 0 {
		cutoff = 7 * 24 * time.Hour
	}
	return &Archiver{store: st, audit: audit, cutoff: cutoff, now: time.Now}
}

// Stale reports whether p is due for archival: dead-lettered and untouched
// for longer than the cutoff.
func (a *Archiver) Stale(p *models.Protocol) bool {
	return p.Status == models.ProtocolDeadLetter && a.now().Sub(p.UpdatedAt) > a.cutoff
}

// ArchiveIfStale transitions a stale protocol to archived before it is
// returned to the caller. It reports whether the transition happened; p is
// updated in place so the caller observes the archived status.
func (a *Archiver) ArchiveIfStale(ctx context.Context, p *models.Protocol) (bool, error) {
	if !a.Stale(p) {
		return false, nil
	}

	before := map[string]any{"status": string(p.Status)}
	p.Status = models.ProtocolArchived
	if err := a.store.Protocols.Update(ctx, a.store.Pool, p); err != nil {
		return false, fmt.Errorf("review: archiving protocol %s: %w", p.ID, err)
	}

	if a.audit != nil {
		after := map[string]any{"status": string(models.ProtocolArchived)}
		if err := a.audit.Record(ctx, a.store.Pool, "archiver", "PROTOCOL_ARCHIVED", "protocol", p.ID, before, after); err != nil {
			slog.Warn("failed to audit archival", "protocol_id", p.ID, "error", err)
		}
	}

	slog.Info("archived stale dead-letter protocol", "protocol_id", p.ID)
	return true, nil
}

// SweepOnce archives every stale dead-letter protocol in one pass and
// returns how many were archived. Safe to run from multiple processes; a
// concurrent archival just makes the update a no-op.
func (a *Archiver) SweepOnce(ctx context.Context) (int, error) {
	protocols, err := a.store.Protocols.List(ctx, a.store.Pool, models.ProtocolFilter{
		Status: models.ProtocolDeadLetter,
	})
	if err != nil {
		return 0, fmt.Errorf("review: listing dead-letter protocols: %w", err)
	}

	archived := 0
	for _, p := range protocols {
		ok, err := a.ArchiveIfStale(ctx, p)
		if err != nil {
			slog.Error("sweep: archival failed", "protocol_id", p.ID, "error", err)
			continue
		}
		if ok {
			archived++
		}
	}
	return archived, nil
}
