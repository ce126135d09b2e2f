package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/planwright/planwright/internal/plan"
)

// PlanVersion summarizes one saved revision.
type PlanVersion struct {
	PlanID      string           `json:"plan_id"`
	Version     int              `json:"version"`
	Pattern     plan.PatternType `json:"pattern"`
	Owner       string           `json:"owner"`
	ContentHash string           `json:"content_hash"`
	CreatedAt   time.Time        `json:"created_at"`
}

// SavePlan stores p as a new immutable revision and returns the saved copy.
// A plan with version 0 gets the next version after the latest saved one. A
// non-zero version is kept if it is greater than the latest, otherwise
// ErrVersionExists is returned.
func (s *Store) SavePlan(ctx context.Context, p *plan.Plan) (*plan.Plan, error) {
	if p == nil || p.Metadata.PlanID == "" {
		return nil, fmt.Errorf("plan_metadata.plan_id is required to save a plan")
	}

	saved := *p
	if saved.Metadata.CreatedAt.IsZero() {
		saved.Metadata.CreatedAt = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var latest int
	err = tx.QueryRowContext(ctx,
		s.rebind("SELECT COALESCE(MAX(version), 0) FROM plans WHERE plan_id = ?"),
		saved.Metadata.PlanID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version of %s: %w", saved.Metadata.PlanID, err)
	}

	switch v := saved.Metadata.Version; {
	case v == 0:
		saved.Metadata.Version = latest + 1
	case v <= latest:
		return nil, fmt.Errorf("%w: %s version %d (latest is %d)", ErrVersionExists, saved.Metadata.PlanID, v, latest)
	}

	doc, err := saved.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	hash, err := saved.ContentHash()
	if err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx,
		s.rebind(`INSERT INTO plans (plan_id, version, pattern, owner, content_hash, document, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?)`),
		saved.Metadata.PlanID,
		saved.Metadata.Version,
		string(saved.Pattern.Type),
		saved.Metadata.Owner,
		hash,
		string(doc),
		formatTime(saved.Metadata.CreatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to save %s version %d: %w", saved.Metadata.PlanID, saved.Metadata.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit plan: %w", err)
	}

	s.log.Info("plan saved",
		zap.String("plan_id", saved.Metadata.PlanID),
		zap.Int("version", saved.Metadata.Version),
		zap.String("content_hash", hash),
	)
	return &saved, nil
}

// GetPlan returns a saved revision. Version 0 means the latest.
func (s *Store) GetPlan(ctx context.Context, planID string, version int) (*plan.Plan, error) {
	var row *sql.Row
	if version == 0 {
		row = s.db.QueryRowContext(ctx,
			s.rebind("SELECT document FROM plans WHERE plan_id = ? ORDER BY version DESC LIMIT 1"),
			planID)
	} else {
		row = s.db.QueryRowContext(ctx,
			s.rebind("SELECT document FROM plans WHERE plan_id = ? AND version = ?"),
			planID, version)
	}

	var doc string
	if err := row.Scan(&doc); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			if version == 0 {
				return nil, fmt.Errorf("%w: %s", ErrPlanNotFound, planID)
			}
			return nil, fmt.Errorf("%w: %s version %d", ErrPlanNotFound, planID, version)
		}
		return nil, fmt.Errorf("failed to load plan %s: %w", planID, err)
	}

	p, err := plan.Parse([]byte(doc))
	if err != nil {
		return nil, fmt.Errorf("stored plan %s is unreadable: %w", planID, err)
	}
	return p, nil
}

// ListVersions returns every saved revision of a plan, oldest first.
func (s *Store) ListVersions(ctx context.Context, planID string) ([]PlanVersion, error) {
	rows, err := s.db.QueryContext(ctx,
		s.rebind(`SELECT plan_id, version, pattern, owner, content_hash, created_at
FROM plans WHERE plan_id = ? ORDER BY version`),
		planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions of %s: %w", planID, err)
	}
	defer rows.Close()

	versions := make([]PlanVersion, 0)
	for rows.Next() {
		var (
			v       PlanVersion
			pattern string
			created string
		)
		if err := rows.Scan(&v.PlanID, &v.Version, &pattern, &v.Owner, &v.ContentHash, &created); err != nil {
			return nil, fmt.Errorf("failed to scan plan version: %w", err)
		}
		v.Pattern = plan.PatternType(pattern)
		if v.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating plan versions: %w", err)
	}
	return versions, nil
}

// Timestamps are stored as fixed-width UTC text so they sort and compare the
// same way on every driver.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid stored timestamp %q: %w", s, err)
	}
	return t, nil
}
