// Package objstore 对象存储抽象
//
// Store 是产物读写的唯一入口，当前实现：
//   - MinioStore：minio-go 客户端
//   - S3Store：aws-sdk-go-v2 客户端（S3 及兼容服务）
//   - MemStore：内存实现（测试与本地开发）
//
// 约定：
//   - Exists 对不存在的键返回 false，只有传输失败才返回错误
//   - GetText/GetTextBounded 对不存在的键返回 apperr NotFound
//   - ListKeys 内部翻页直到列举完成
//   - Copy 在后端不支持原生复制时退化为读后写
package objstore

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"mlrun-admin/internal/shared/keyspace"
)

// Store 对象存储接口
type Store interface {
	Exists(ctx context.Context, key string) (bool, error)
	// ExistsPrefix 前缀下是否至少有一个对象
	ExistsPrefix(ctx context.Context, prefix string) (bool, error)
	GetText(ctx context.Context, key string) (string, error)
	// GetTextBounded 最多读取 maxBytes 字节、maxLines 行（<=0 表示不限）
	GetTextBounded(ctx context.Context, key string, maxBytes int64, maxLines int) (string, error)
	Put(ctx context.Context, key string, content []byte, contentType string) error
	ListKeys(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	PresignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Copy(ctx context.Context, src, dst string) error
}

// DeletePrefix 删除前缀下所有对象，返回删除数量
func DeletePrefix(ctx context.Context, s Store, prefix string) (int, error) {
	keys, err := s.ListKeys(ctx, keyspace.DirPrefix(prefix))
	if err != nil {
		return 0, err
	}
	for i, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return i, fmt.Errorf("delete %s: %w", key, err)
		}
	}
	return len(keys), nil
}

// ContentTypeOf 按扩展名推断产物的 Content-Type
func ContentTypeOf(key string) string {
	switch ext := extOf(key); ext {
	case ".json":
		return "application/json"
	case ".csv":
		return "text/csv"
	case ".png":
		return "image/png"
	case ".txt", ".log":
		return "text/plain"
	case ".yaml", ".yml":
		return "application/yaml"
	}
	return "application/octet-stream"
}

func extOf(key string) string {
	for i := len(key) - 1; i >= 0 && key[i] != '/'; i-- {
		if key[i] == '.' {
			return key[i:]
		}
	}
	return ""
}

// truncate 按字节和行数截断，结果确定且不会切断 UTF-8 字符
func truncate(data []byte, maxBytes int64, maxLines int) string {
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		data = data[:maxBytes]
		for len(data) > 0 {
			r, size := utf8.DecodeLastRune(data)
			if r != utf8.RuneError || size != 1 {
				break
			}
			data = data[:len(data)-1]
		}
	}
	if maxLines > 0 {
		n := 0
		for i, b := range data {
			if b == '\n' {
				n++
				if n == maxLines {
					data = data[:i+1]
					break
				}
			}
		}
	}
	return string(data)
}

// copyByReadWrite 读后写方式复制
func copyByReadWrite(ctx context.Context, s Store, src, dst string) error {
	text, err := s.GetText(ctx, src)
	if err != nil {
		return err
	}
	return s.Put(ctx, dst, []byte(text), ContentTypeOf(dst))
}
