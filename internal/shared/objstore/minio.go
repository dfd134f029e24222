package objstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"go.uber.org/zap"

	"mlrun-admin/internal/config"
	"mlrun-admin/internal/shared/apperr"
)

// MinioStore MinIO 客户端封装
type MinioStore struct {
	mc     *minio.Client
	bucket string
	logger *zap.Logger
}

var _ Store = (*MinioStore)(nil)

// NewMinioStore 创建 MinIO 存储
func NewMinioStore(cfg config.ObjectStoreConfig, logger *zap.Logger) (*MinioStore, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, fmt.Errorf("minio access_key and secret_key are required")
	}

	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	bucket := cfg.Bucket
	if bucket == "" {
		bucket = config.DefaultBucket
	}

	return &MinioStore{mc: mc, bucket: bucket, logger: logger.Named("objstore.minio")}, nil
}

// Bucket 返回 bucket 名称
func (c *MinioStore) Bucket() string {
	return c.bucket
}

// EnsureBucket 确保 bucket 存在
func (c *MinioStore) EnsureBucket(ctx context.Context) error {
	exists, err := c.mc.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := c.mc.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("create bucket: %w", err)
		}
		c.logger.Info("objstore.bucket.created", zap.String("bucket", c.bucket))
	}
	return nil
}

// Exists 检查对象是否存在
func (c *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	_, err := c.mc.StatObject(ctx, c.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isMinioNotFound(err) {
			return false, nil
		}
		return false, apperr.FromContext(err, "stat "+key)
	}
	return true, nil
}

// ExistsPrefix 只取一个对象判断前缀是否非空
func (c *MinioStore) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
		MaxKeys:   1,
	}) {
		if obj.Err != nil {
			return false, apperr.FromContext(obj.Err, "list "+prefix)
		}
		return true, nil
	}
	return false, nil
}

// GetText 读取完整文本
func (c *MinioStore) GetText(ctx context.Context, key string) (string, error) {
	return c.GetTextBounded(ctx, key, 0, 0)
}

// GetTextBounded 读取有界文本
func (c *MinioStore) GetTextBounded(ctx context.Context, key string, maxBytes int64, maxLines int) (string, error) {
	obj, err := c.mc.GetObject(ctx, c.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return "", c.mapErr(err, key)
	}
	defer obj.Close()

	var r io.Reader = obj
	if maxBytes > 0 {
		// 多读 4 字节，便于截断时回退到完整 UTF-8 字符边界
		r = io.LimitReader(obj, maxBytes+4)
	}
	// GetObject 不会立即返回错误，不存在的对象在首次读取时才暴露
	data, err := io.ReadAll(r)
	if err != nil {
		return "", c.mapErr(err, key)
	}
	return truncate(data, maxBytes, maxLines), nil
}

// Put 上传对象
func (c *MinioStore) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeOf(key)
	}
	_, err := c.mc.PutObject(ctx, c.bucket, key, bytes.NewReader(content), int64(len(content)), minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, apperr.FromContext(err, "put "+key))
	}
	return nil
}

// ListKeys 递归列举前缀下的所有键（客户端内部自动翻页）
func (c *MinioStore) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range c.mc.ListObjects(ctx, c.bucket, minio.ListObjectsOptions{
		Prefix:    prefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, apperr.FromContext(obj.Err, "list "+prefix)
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// Delete 删除对象
func (c *MinioStore) Delete(ctx context.Context, key string) error {
	return apperr.FromContext(c.mc.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}), "delete "+key)
}

// PresignedReadURL 生成限时读取 URL
func (c *MinioStore) PresignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.mc.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return u.String(), nil
}

// Copy 服务端复制，后端报告不支持时退化为读后写
func (c *MinioStore) Copy(ctx context.Context, src, dst string) error {
	_, err := c.mc.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: c.bucket, Object: dst},
		minio.CopySrcOptions{Bucket: c.bucket, Object: src},
	)
	if err == nil {
		return nil
	}
	if minio.ToErrorResponse(err).Code == "NotImplemented" {
		c.logger.Debug("objstore.copy.fallback", zap.String("src", src), zap.String("dst", dst))
		return copyByReadWrite(ctx, c, src, dst)
	}
	return c.mapErr(err, src)
}

func (c *MinioStore) mapErr(err error, key string) error {
	if isMinioNotFound(err) {
		return apperr.NotFound("object %s", key)
	}
	return apperr.FromContext(err, "object "+key)
}

func isMinioNotFound(err error) bool {
	code := minio.ToErrorResponse(err).Code
	return code == "NoSuchKey" || code == "NotFound"
}
