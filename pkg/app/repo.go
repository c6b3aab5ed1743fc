package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/audit"
	"github.com/clinicaltrials/gridline/pkg/models"
	"github.com/clinicaltrials/gridline/pkg/outbox"
	"github.com/clinicaltrials/gridline/pkg/store"
)

// Repository is the persistence surface the service drives. The production
// implementation is pgx-backed; tests substitute an in-memory fake.
type Repository interface {
	// CreateProtocolWithEvent writes the protocol row and its outbox
	// event in one transaction, plus the upload audit entry.
	CreateProtocolWithEvent(ctx context.Context, p *models.Protocol, kind models.EventKind, payload map[string]any) error
	// PublishEvent writes one outbox event and an audit entry in one
	// transaction.
	PublishEvent(ctx context.Context, aggregateID string, kind models.EventKind, payload map[string]any, auditKind string) error
	GetProtocol(ctx context.Context, id string) (*models.Protocol, error)
	UpdateProtocol(ctx context.Context, p *models.Protocol) error
	ListProtocols(ctx context.Context, filter models.ProtocolFilter) ([]*models.Protocol, error)
	// Audit appends one immutable audit entry outside any transaction.
	Audit(ctx context.Context, actor, eventKind, targetKind, targetID string, before, after map[string]any) error
}

// PGRepository is the production Repository over the shared store.
type PGRepository struct {
	store    *store.Store
	producer *outbox.Producer
	audit    *audit.Recorder
}

// NewPGRepository wires the repository.
func NewPGRepository(st *store.Store, producer *outbox.Producer, recorder *audit.Recorder) *PGRepository {
	return &PGRepository{store: st, producer: producer, audit: recorder}
}

// CreateProtocolWithEvent writes the protocol, its event, and the upload
// audit entry atomically.
func (r *PGRepository) CreateProtocolWithEvent(ctx context.Context, p *models.Protocol, kind models.EventKind, payload map[string]any) error {
	return r.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.store.Protocols.Create(ctx, tx, p); err != nil {
			return fmt.Errorf("creating protocol: %w", err)
		}
		if err := r.producer.Publish(ctx, tx, p.ID, kind, payload); err != nil {
			return fmt.Errorf("publishing %s: %w", kind, err)
		}
		return r.audit.Record(ctx, tx, "upload", string(kind), "protocol", p.ID,
			nil, map[string]any{"status": string(p.Status), "title": p.Title})
	})
}

// PublishEvent writes one event plus its audit entry atomically.
func (r *PGRepository) PublishEvent(ctx context.Context, aggregateID string, kind models.EventKind, payload map[string]any, auditKind string) error {
	return r.store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := r.producer.Publish(ctx, tx, aggregateID, kind, payload); err != nil {
			return fmt.Errorf("publishing %s: %w", kind, err)
		}
		return r.audit.Record(ctx, tx, "api", auditKind, "protocol", aggregateID, nil, payload)
	})
}

// GetProtocol fetches one protocol.
func (r *PGRepository) GetProtocol(ctx context.Context, id string) (*models.Protocol, error) {
	p, err := r.store.Protocols.Get(ctx, r.store.Pool, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	return p, err
}

// UpdateProtocol persists the protocol's mutable fields.
func (r *PGRepository) UpdateProtocol(ctx context.Context, p *models.Protocol) error {
	return r.store.Protocols.Update(ctx, r.store.Pool, p)
}

// ListProtocols lists protocols matching filter.
func (r *PGRepository) ListProtocols(ctx context.Context, filter models.ProtocolFilter) ([]*models.Protocol, error) {
	return r.store.Protocols.List(ctx, r.store.Pool, filter)
}

// Audit appends one immutable audit entry.
func (r *PGRepository) Audit(ctx context.Context, actor, eventKind, targetKind, targetID string, before, after map[string]any) error {
	return r.audit.Record(ctx, r.store.Pool, actor, eventKind, targetKind, targetID, before, after)
}
