package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/executor"
)

var _ executor.AuditLog = (*Store)(nil)

// Append inserts the audit record of a finished execution. Records are never
// updated; appending the same execution twice fails.
func (s *Store) Append(ctx context.Context, rec executor.AuditRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode audit record: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		s.rebind(`INSERT INTO execution_audit (execution_id, plan_id, plan_version, status, initiated_by, record, recorded_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		rec.ID,
		rec.PlanID,
		rec.PlanVersion,
		string(rec.Status),
		rec.InitiatedBy,
		string(data),
		formatTime(rec.RecordedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to append audit record for execution %s: %w", rec.ID, err)
	}

	s.log.Debug("audit record appended",
		zap.String("execution_id", rec.ID),
		zap.String("status", string(rec.Status)),
	)
	return nil
}

// History returns the audit records of a plan, newest first. A limit of 0
// returns every record.
func (s *Store) History(ctx context.Context, planID string, limit int) ([]executor.AuditRecord, error) {
	query := "SELECT record FROM execution_audit WHERE plan_id = ? ORDER BY recorded_at DESC, execution_id"
	args := []any{planID}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to read history of %s: %w", planID, err)
	}
	defer rows.Close()

	records := make([]executor.AuditRecord, 0)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan audit record: %w", err)
		}
		var rec executor.AuditRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("failed to decode audit record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating audit records: %w", err)
	}
	return records, nil
}
