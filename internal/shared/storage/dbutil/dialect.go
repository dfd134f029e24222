// Package dbutil 提供数据库方言抽象和工具函数
//
// 通过 Dialect 接口屏蔽 PostgreSQL 与 SQLite 的 SQL 差异，
// 使 repository 层可以编写与数据库无关的业务逻辑。
package dbutil

import (
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// DriverType 数据库驱动类型
type DriverType string

const (
	DriverPostgres DriverType = "postgres"
	DriverSQLite   DriverType = "sqlite"
)

// Dialect 数据库方言接口
//
// 不同数据库的 SQL 语法差异通过该接口屏蔽：
//   - 占位符：PostgreSQL 用 $1, $2；SQLite 用 ?
//   - 时间函数：PostgreSQL 用 NOW()；SQLite 用 datetime('now')
//   - 类型转换：PostgreSQL 有 ::type 语法
type Dialect interface {
	// DriverType 返回驱动类型标识
	DriverType() DriverType

	// Rebind 将 PostgreSQL 风格的占位符 ($1, $2, ...) 转换为目标数据库的占位符格式
	Rebind(query string) string

	// CurrentTimestamp 返回当前时间戳的 SQL 表达式
	CurrentTimestamp() string

	// SupportsNullsLast 是否支持 ORDER BY ... NULLS LAST
	SupportsNullsLast() bool

	// NullsLastClause 返回 NULLS LAST 子句（不支持时返回空字符串）
	NullsLastClause() string

	// AutoMigrate 自动创建数据库 Schema（幂等）
	AutoMigrate(db *sql.DB) error
}

// pgPlaceholderRe 匹配 PostgreSQL 风格占位符 $1, $2, ...
var pgPlaceholderRe = regexp.MustCompile(`\$(\d+)`)

// pgCastRe 匹配 PostgreSQL 类型转换 ::type
var pgCastRe = regexp.MustCompile(`::(\w+)`)

// RebindToPositional 保持 $N 占位符不变（PostgreSQL 专用）
func RebindToPositional(query string) string {
	return query
}

// RebindToQuestion 将 $N 占位符转换为 ?（SQLite 专用）
func RebindToQuestion(query string) string {
	return pgPlaceholderRe.ReplaceAllString(query, "?")
}

// StripPgCasts 去除 PostgreSQL 类型转换 (::varchar, ::text 等)
func StripPgCasts(query string) string {
	return pgCastRe.ReplaceAllString(query, "")
}

// Conditions 动态 WHERE 条件构建器，占位符按追加顺序编号
type Conditions struct {
	clauses []string
	args    []any
}

// Add 追加条件，clause 中用 ? 表示本条件的参数位置
func (c *Conditions) Add(clause string, arg any) {
	c.args = append(c.args, arg)
	c.clauses = append(c.clauses, strings.Replace(clause, "?", fmt.Sprintf("$%d", len(c.args)), 1))
}

// Next 下一个占位符编号
func (c *Conditions) Next() int {
	return len(c.args) + 1
}

// Args 参数列表
func (c *Conditions) Args() []any {
	return c.args
}

// BuildDynamicQuery 构建动态 WHERE 条件的查询，tail 追加在 WHERE 之后
func BuildDynamicQuery(d Dialect, baseQuery string, conds *Conditions, tail string) string {
	if len(conds.clauses) > 0 {
		baseQuery += " WHERE " + strings.Join(conds.clauses, " AND ")
	}
	if tail != "" {
		baseQuery += " " + tail
	}
	return d.Rebind(baseQuery)
}
