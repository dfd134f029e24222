package objstore

import (
	"context"
	"time"

	"mlrun-admin/internal/shared/apperr"
)

// timeoutStore 为每次调用施加超时，超时统一转换为 TransportTimeout
type timeoutStore struct {
	next    Store
	timeout time.Duration
}

// WithTimeout 包装 Store，d<=0 时原样返回
func WithTimeout(next Store, d time.Duration) Store {
	if d <= 0 {
		return next
	}
	return &timeoutStore{next: next, timeout: d}
}

func (t *timeoutStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, t.timeout)
}

func (t *timeoutStore) Exists(ctx context.Context, key string) (bool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	ok, err := t.next.Exists(ctx, key)
	return ok, apperr.FromContext(err, "objstore.exists")
}

func (t *timeoutStore) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	ok, err := t.next.ExistsPrefix(ctx, prefix)
	return ok, apperr.FromContext(err, "objstore.exists_prefix")
}

func (t *timeoutStore) GetText(ctx context.Context, key string) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	text, err := t.next.GetText(ctx, key)
	return text, apperr.FromContext(err, "objstore.get")
}

func (t *timeoutStore) GetTextBounded(ctx context.Context, key string, maxBytes int64, maxLines int) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	text, err := t.next.GetTextBounded(ctx, key, maxBytes, maxLines)
	return text, apperr.FromContext(err, "objstore.get")
}

func (t *timeoutStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return apperr.FromContext(t.next.Put(ctx, key, content, contentType), "objstore.put")
}

func (t *timeoutStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	keys, err := t.next.ListKeys(ctx, prefix)
	return keys, apperr.FromContext(err, "objstore.list")
}

func (t *timeoutStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return apperr.FromContext(t.next.Delete(ctx, key), "objstore.delete")
}

func (t *timeoutStore) PresignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	u, err := t.next.PresignedReadURL(ctx, key, ttl)
	return u, apperr.FromContext(err, "objstore.presign")
}

func (t *timeoutStore) Copy(ctx context.Context, src, dst string) error {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return apperr.FromContext(t.next.Copy(ctx, src, dst), "objstore.copy")
}
