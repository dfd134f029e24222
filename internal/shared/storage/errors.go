// Package storage 定义运行账本的存储抽象与领域错误
//
// 驱动实现（driver/sqlite、driver/postgres）负责将底层错误转换为这些领域错误。
package storage

import "errors"

var (
	// ErrNotFound 实体不存在，替代 sql.ErrNoRows
	ErrNotFound = errors.New("entity not found")

	// ErrConflict 并发冲突（状态 CAS 失败）
	ErrConflict = errors.New("conflict: concurrent modification detected")

	// ErrDuplicate 唯一键冲突（INSERT 重复 ID）
	ErrDuplicate = errors.New("duplicate: entity already exists")
)
