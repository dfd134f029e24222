// Package repository Run 相关的存储操作
package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/internal/shared/storage/dbutil"
)

const runColumns = `id, owner, project, version, task, state, worker_ref, command_handle,
	artifacts_prefix, mirror_status, started_at, finished_at, created_at, updated_at`

// errCASLost CAS 未命中，用于在 inTx 中触发回滚
var errCASLost = errors.New("run is not running")

// CreateRun 创建 Run
func (s *Store) CreateRun(ctx context.Context, run *model.Run) error {
	query := s.rebind(`
		INSERT INTO runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`)
	var mirror *string
	if run.MirrorStatus != "" {
		v := string(run.MirrorStatus)
		mirror = &v
	}
	_, err := s.db.ExecContext(ctx, query,
		run.ID, run.Owner, run.Project, run.Version, run.Task, run.State, run.WorkerRef, run.CommandHandle,
		run.ArtifactsPrefix, mirror, run.StartedAt, run.FinishedAt, run.CreatedAt, run.UpdatedAt)
	return err
}

// GetRun 获取 Run
func (s *Store) GetRun(ctx context.Context, id string) (*model.Run, error) {
	query := s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE id = $1`)
	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, storage.ErrNotFound)
	}
	return run, err
}

// scanRun 辅助函数
func scanRun(scanner interface {
	Scan(dest ...any) error
}) (*model.Run, error) {
	run := &model.Run{}
	var workerRef, handle, mirror sql.NullString
	err := scanner.Scan(
		&run.ID, &run.Owner, &run.Project, &run.Version, &run.Task, &run.State, &workerRef, &handle,
		&run.ArtifactsPrefix, &mirror, &run.StartedAt, &run.FinishedAt, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		return nil, err
	}
	run.WorkerRef = workerRef.String
	run.CommandHandle = handle.String
	run.MirrorStatus = model.MirrorStatus(mirror.String)
	return run, nil
}

// scanRuns 批量扫描
func scanRuns(rows *sql.Rows) ([]*model.Run, error) {
	var runs []*model.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListRuns 按 owner/project/version/task 过滤，最新的在前
func (s *Store) ListRuns(ctx context.Context, filter model.RunFilter) ([]*model.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	var conds dbutil.Conditions
	if filter.Owner != "" {
		conds.Add("owner = ?", filter.Owner)
	}
	if filter.Project != "" {
		conds.Add("project = ?", filter.Project)
	}
	if filter.Version != "" {
		conds.Add("version = ?", filter.Version)
	}
	if filter.Task != "" {
		conds.Add("task = ?", filter.Task)
	}
	tail := "ORDER BY created_at DESC, id DESC LIMIT $" + strconv.Itoa(conds.Next())
	query := dbutil.BuildDynamicQuery(s.dialect, `SELECT `+runColumns+` FROM runs`, &conds, tail)

	rows, err := s.db.QueryContext(ctx, query, append(conds.Args(), limit)...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// ListActiveRuns 列出所有 running 状态的 Run，最早开始的在前
func (s *Store) ListActiveRuns(ctx context.Context, limit int) ([]*model.Run, error) {
	if limit <= 0 {
		limit = 100
	}
	var query string
	if s.dialect.SupportsNullsLast() {
		query = s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE state = $1
			ORDER BY started_at ASC ` + s.dialect.NullsLastClause() + `, created_at ASC LIMIT $2`)
	} else {
		// SQLite: 用 CASE 模拟 NULLS LAST
		query = s.rebind(`SELECT ` + runColumns + ` FROM runs WHERE state = $1
			ORDER BY CASE WHEN started_at IS NULL THEN 1 ELSE 0 END, started_at ASC, created_at ASC LIMIT $2`)
	}
	rows, err := s.db.QueryContext(ctx, query, model.RunStateRunning, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

// CompleteRun 终结 Run：条件更新 running → 终态，然后替换结果行，全部在一个事务内
func (s *Store) CompleteRun(ctx context.Context, c *model.RunCompletion) (bool, error) {
	finishedAt := c.FinishedAt
	if finishedAt.IsZero() {
		finishedAt = time.Now().UTC()
	}
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE runs SET state = $1, finished_at = $2, updated_at = $3
			WHERE id = $4 AND state = $5`),
			model.DoneState(c.Success), finishedAt, finishedAt, c.RunID, model.RunStateRunning)
		if err != nil {
			return fmt.Errorf("complete run %s: %w", c.RunID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return errCASLost
		}
		return s.replaceResults(ctx, tx, c.RunID, c.Metrics, c.TestCases)
	})
	if errors.Is(err, errCASLost) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetMirrorStatus 记录镜像结果
func (s *Store) SetMirrorStatus(ctx context.Context, runID string, status model.MirrorStatus) error {
	res, err := s.db.ExecContext(ctx,
		s.rebind(`UPDATE runs SET mirror_status = $1, updated_at = $2 WHERE id = $3`),
		string(status), time.Now().UTC(), runID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", runID, storage.ErrNotFound)
	}
	return nil
}
