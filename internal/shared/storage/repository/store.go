// Package repository 数据库无关的运行账本实现
//
// 通过 dbutil.Dialect 接口屏蔽不同数据库的 SQL 差异，
// 所有 SQL 以 PostgreSQL 风格编写，运行时由 Dialect.Rebind() 转换。
package repository

import (
	"context"
	"database/sql"
	"fmt"

	"mlrun-admin/internal/shared/storage"
	"mlrun-admin/internal/shared/storage/dbutil"
	"mlrun-admin/internal/shared/storage/driver/postgres"
	"mlrun-admin/internal/shared/storage/driver/sqlite"
)

// Store 通用存储实现
type Store struct {
	db      *sql.DB
	dialect dbutil.Dialect
}

var _ storage.RunLedger = (*Store)(nil)

// NewStore 创建通用存储
func NewStore(db *sql.DB, dialect dbutil.Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Open 按驱动打开数据库并执行建表
func Open(driver, dsn string) (*Store, error) {
	var (
		db      *sql.DB
		dialect dbutil.Dialect
		err     error
	)
	switch dbutil.DriverType(driver) {
	case dbutil.DriverSQLite:
		db, err = sqlite.Open(dsn)
		dialect = sqlite.NewDialect()
	case dbutil.DriverPostgres:
		db, err = postgres.Open(dsn)
		dialect = postgres.NewDialect()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := dialect.AutoMigrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return NewStore(db, dialect), nil
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping 健康检查
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB 返回底层数据库连接（仅用于测试）
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect 返回当前方言
func (s *Store) Dialect() dbutil.Dialect {
	return s.dialect
}

// rebind 快捷方法：将 PG 风格 SQL 转换为当前方言
func (s *Store) rebind(query string) string {
	return s.dialect.Rebind(query)
}

// execer 同时被 *sql.DB 与 *sql.Tx 满足，事务内只能使用 tx
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// inTx 执行事务，fn 返回错误时回滚
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
