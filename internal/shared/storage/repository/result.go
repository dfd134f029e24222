// Package repository 结果行（metrics、test_case_results）存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/storage"
)

// ReplaceResults 替换结果行（不改变生命周期）
func (s *Store) ReplaceResults(ctx context.Context, runID string, metrics []*model.Metric, cases []*model.BehaviorTestCaseResult) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return s.replaceResults(ctx, tx, runID, metrics, cases)
	})
}

// replaceResults 先删后插；owner/project 从 runs 行继承
func (s *Store) replaceResults(ctx context.Context, tx execer, runID string, metrics []*model.Metric, cases []*model.BehaviorTestCaseResult) error {
	var owner, project string
	err := tx.QueryRowContext(ctx, s.rebind(`SELECT owner, project FROM runs WHERE id = $1`), runID).Scan(&owner, &project)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM metrics WHERE run_id = $1`), runID); err != nil {
		return fmt.Errorf("clear metrics: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM test_case_results WHERE run_id = $1`), runID); err != nil {
		return fmt.Errorf("clear test cases: %w", err)
	}

	now := time.Now().UTC()
	insertMetric := s.rebind(`
		INSERT INTO metrics (id, owner, project, run_id, position, name, value, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`)
	for i, m := range metrics {
		m.ID = uuid.NewString()
		m.Owner, m.Project, m.RunID, m.CreatedAt = owner, project, runID, now
		if _, err := tx.ExecContext(ctx, insertMetric, m.ID, owner, project, runID, i, m.Name, m.Value, now); err != nil {
			return fmt.Errorf("insert metric %s: %w", m.Name, err)
		}
	}

	insertCase := s.rebind(`
		INSERT INTO test_case_results (id, owner, project, run_id, position, name, category, severity,
			passed, skipped, metric, value, threshold, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	for i, c := range cases {
		c.ID = uuid.NewString()
		c.Owner, c.Project, c.RunID, c.CreatedAt = owner, project, runID, now
		if _, err := tx.ExecContext(ctx, insertCase, c.ID, owner, project, runID, i, c.Name, c.Category, c.Severity,
			c.Passed, c.Skipped, c.Metric, c.Value, c.Threshold, now); err != nil {
			return fmt.Errorf("insert test case %s: %w", c.Name, err)
		}
	}
	return nil
}

// ListMetrics 按写入顺序列出 Run 的指标
func (s *Store) ListMetrics(ctx context.Context, runID string) ([]*model.Metric, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, owner, project, run_id, name, value, created_at
		FROM metrics WHERE run_id = $1 ORDER BY position ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.Metric
	for rows.Next() {
		m := &model.Metric{}
		if err := rows.Scan(&m.ID, &m.Owner, &m.Project, &m.RunID, &m.Name, &m.Value, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListTestCaseResults 按写入顺序列出 Run 的测试用例结果
func (s *Store) ListTestCaseResults(ctx context.Context, runID string) ([]*model.BehaviorTestCaseResult, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, owner, project, run_id, name, category, severity, passed, skipped, metric, value, threshold, created_at
		FROM test_case_results WHERE run_id = $1 ORDER BY position ASC`), runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*model.BehaviorTestCaseResult
	for rows.Next() {
		c := &model.BehaviorTestCaseResult{}
		var category, severity sql.NullString
		if err := rows.Scan(&c.ID, &c.Owner, &c.Project, &c.RunID, &c.Name, &category, &severity,
			&c.Passed, &c.Skipped, &c.Metric, &c.Value, &c.Threshold, &c.CreatedAt); err != nil {
			return nil, err
		}
		c.Category, c.Severity = category.String, severity.String
		out = append(out, c)
	}
	return out, rows.Err()
}
