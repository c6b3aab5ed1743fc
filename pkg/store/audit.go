package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/clinicaltrials/gridline/pkg/models"
)

// AuditRepo is the append-only repository for audit_log. There is
// intentionally no Update or Delete method; entries are immutable.
type AuditRepo struct{}

// Append writes a single immutable audit entry.
func (r *AuditRepo) Append(ctx context.Context, q Querier, a *models.AuditLog) error {
	before, err := json.Marshal(a.Before)
	if err != nil {
		return fmt.Errorf("marshal before snapshot: %w", err)
	}
	after, err := json.Marshal(a.After)
	if err != nil {
		return fmt.Errorf("marshal after snapshot: %w", err)
	}
	_, err = q.Exec(ctx, `
		INSERT INTO audit_log (id, actor, event_kind, target_kind, target_id, before, after, "timestamp")
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.Actor, a.EventKind, a.TargetKind, a.TargetID, before, after, a.Timestamp)
	return err
}

// ListForTarget returns every audit entry for one target, oldest first.
func (r *AuditRepo) ListForTarget(ctx context.Context, q Querier, targetKind, targetID string) ([]*models.AuditLog, error) {
	rows, err := q.Query(ctx, `
		SELECT id, actor, event_kind, target_kind, target_id, before, after, "timestamp"
		FROM audit_log WHERE target_kind = $1 AND target_id = $2 ORDER BY "timestamp" ASC`,
		targetKind, targetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.AuditLog
	for rows.Next() {
		var a models.AuditLog
		var before, after []byte
		if err := rows.Scan(&a.ID, &a.Actor, &a.EventKind, &a.TargetKind, &a.TargetID, &before, &after, &a.Timestamp); err != nil {
			return nil, err
		}
		if len(before) > 0 {
			if err := json.Unmarshal(before, &a.Before); err != nil {
				return nil, fmt.Errorf("unmarshal before snapshot: %w", err)
			}
		}
		if len(after) > 0 {
			if err := json.Unmarshal(after, &a.After); err != nil {
				return nil, fmt.Errorf("unmarshal after snapshot: %w", err)
			}
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
