package objstore

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"mlrun-admin/internal/shared/apperr"
)

// ============================================================================
// MemStore - 内存实现（用于测试和本地开发）
// ============================================================================

type memObject struct {
	data        []byte
	contentType string
}

// MemStore 线程安全的内存对象存储
//
// 支持故障注入：InjectError 让指定操作+键返回给定错误；
// Latency 模拟慢后端，用于验证超时装饰器；
// NativeCopy=false 模拟不支持服务端复制的后端。
type MemStore struct {
	mu      sync.RWMutex
	objects map[string]memObject
	faults  map[string]error

	Bucket     string
	Latency    time.Duration
	NativeCopy bool
}

var _ Store = (*MemStore)(nil)

// NewMemStore 创建内存存储
func NewMemStore() *MemStore {
	return &MemStore{
		objects:    make(map[string]memObject),
		faults:     make(map[string]error),
		Bucket:     "memory",
		NativeCopy: true,
	}
}

// InjectError 为 op（exists/get/put/list/delete/presign/copy）和 key 注入错误，err 为 nil 时清除
func (m *MemStore) InjectError(op, key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.faults, op+":"+key)
		return
	}
	m.faults[op+":"+key] = err
}

// PutString 测试辅助：写入文本
func (m *MemStore) PutString(key, content string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: []byte(content), contentType: ContentTypeOf(key)}
}

// Len 当前对象数量
func (m *MemStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.objects)
}

func (m *MemStore) enter(ctx context.Context, op, key string) error {
	if m.Latency > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(m.Latency):
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.faults[op+":"+key]
}

func (m *MemStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.enter(ctx, "exists", key); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemStore) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	if err := m.enter(ctx, "list", prefix); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) GetText(ctx context.Context, key string) (string, error) {
	return m.GetTextBounded(ctx, key, 0, 0)
}

func (m *MemStore) GetTextBounded(ctx context.Context, key string, maxBytes int64, maxLines int) (string, error) {
	if err := m.enter(ctx, "get", key); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	obj, ok := m.objects[key]
	if !ok {
		return "", apperr.NotFound("object %s", key)
	}
	return truncate(obj.data, maxBytes, maxLines), nil
}

func (m *MemStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if err := m.enter(ctx, "put", key); err != nil {
		return err
	}
	if contentType == "" {
		contentType = ContentTypeOf(key)
	}
	data := make([]byte, len(content))
	copy(data, content)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, contentType: contentType}
	return nil
}

// ListKeys 按字典序返回
func (m *MemStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	if err := m.enter(ctx, "list", prefix); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var keys []string
	for k := range m.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemStore) Delete(ctx context.Context, key string) error {
	if err := m.enter(ctx, "delete", key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	return nil
}

func (m *MemStore) PresignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	if err := m.enter(ctx, "presign", key); err != nil {
		return "", err
	}
	u := url.URL{
		Scheme:   "mem",
		Host:     m.Bucket,
		Path:     "/" + key,
		RawQuery: url.Values{"expires": {fmt.Sprintf("%d", int(ttl.Seconds()))}}.Encode(),
	}
	return u.String(), nil
}

func (m *MemStore) Copy(ctx context.Context, src, dst string) error {
	if err := m.enter(ctx, "copy", src); err != nil {
		return err
	}
	if !m.NativeCopy {
		return copyByReadWrite(ctx, m, src, dst)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	obj, ok := m.objects[src]
	if !ok {
		return apperr.NotFound("object %s", src)
	}
	m.objects[dst] = obj
	return nil
}
