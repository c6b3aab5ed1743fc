package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// ErrNotFound is returned when a repository lookup finds no matching row.
var ErrNotFound = errors.New("store: not found")

// ProtocolRepo is the pgx-backed repository for the protocol table.
type ProtocolRepo struct{}

// Create inserts a new protocol row. Callers that must also publish an
// outbox event in the same transaction pass the tx as q.
func (r *ProtocolRepo) Create(ctx context.Context, q Querier, p *models.Protocol) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO protocol (id, file_pointer, title, status, metadata, error_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		p.ID, p.FilePointer, p.Title, string(p.Status), metadata, p.ErrorReason, p.CreatedAt, p.UpdatedAt)
	return err
}

// Get fetches a protocol by id.
func (r *ProtocolRepo) Get(ctx context.Context, q Querier, id string) (*models.Protocol, error) {
	row := q.QueryRow(ctx, `
		SELECT id, file_pointer, title, status, metadata, error_reason, created_at, updated_at
		FROM protocol WHERE id = $1`, id)
	return scanProtocol(row)
}

// Update persists every mutable field of p (status, metadata, error_reason)
// and bumps updated_at. Pipeline runs, the retry operation,
// dead-lettering, and archival call this; the status column is the single
// source of truth for external observers.
func (r *ProtocolRepo) Update(ctx context.Context, q Querier, p *models.Protocol) error {
	metadata, err := json.Marshal(p.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	p.UpdatedAt = time.Now()
	_, err = q.Exec(ctx, `
		UPDATE protocol SET status = $2, metadata = $3, error_reason = $4, updated_at = $5
		WHERE id = $1`,
		p.ID, string(p.Status), metadata, p.ErrorReason, p.UpdatedAt)
	return err
}

// List returns protocols matching filter, newest first.
func (r *ProtocolRepo) List(ctx context.Context, q Querier, filter models.ProtocolFilter) ([]*models.Protocol, error) {
	sql := `SELECT id, file_pointer, title, status, metadata, error_reason, created_at, updated_at FROM protocol WHERE 1=1`
	args := []any{}
	argN := 1

	if filter.Status != "" {
		sql += fmt.Sprintf(" AND status = $%d", argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if !filter.IncludeArchived && filter.Status == "" {
		sql += " AND status <> 'archived'"
	}
	sql += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		sql += fmt.Sprintf(" LIMIT $%d", argN)
		args = append(args, filter.Limit)
		argN++
	}
	if filter.Offset > 0 {
		sql += fmt.Sprintf(" OFFSET $%d", argN)
		args = append(args, filter.Offset)
	}

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Protocol
	for rows.Next() {
		p, err := scanProtocol(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanProtocol(row rowScanner) (*models.Protocol, error) {
	var p models.Protocol
	var status string
	var metadata []byte
	err := row.Scan(&p.ID, &p.FilePointer, &p.Title, &status, &metadata, &p.ErrorReason, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	p.Status = models.ProtocolStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal metadata: %w", err)
		}
	}
	return &p, nil
}
