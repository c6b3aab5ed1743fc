package app

import (
	"context"
	"fmt"

	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// ProtocolStatusWriter flips protocol statuses for the pipeline driver as
// runs move between nodes.
type ProtocolStatusWriter struct {
	store *store.Store
}

// NewProtocolStatusWriter wires the writer to the shared store.
func NewProtocolStatusWriter(st *store.Store) *ProtocolStatusWriter {
	return &ProtocolStatusWriter{store: st}
}

// SetStatus updates the protocol's status.
func (w *ProtocolStatusWriter) SetStatus(ctx context.Context, protocolID string, status models.ProtocolStatus) error {
	p, err := w.store.Protocols.Get(ctx, w.store.Pool, protocolID)
	if err != nil {
		return fmt.Errorf("loading protocol %s: %w", protocolID, err)
	}
	p.Status = status
	return w.store.Protocols.Update(ctx, w.store.Pool, p)
}
