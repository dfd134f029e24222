package objstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"

	"mlrun-admin/internal/config"
	"mlrun-admin/internal/shared/apperr"
)

// S3Store S3 及兼容服务的存储实现
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
	logger  *zap.Logger
}

var _ Store = (*S3Store)(nil)

// NewS3Store 创建 S3 存储
//
// 凭据优先使用配置中的静态密钥，否则走 AWS 默认凭据链（环境变量、共享配置、IAM 角色）。
func NewS3Store(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("S3 bucket is required")
	}

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}

	awsConfig, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		endpoint := cfg.Endpoint
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = &endpoint
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}
	client := s3.NewFromConfig(awsConfig, s3Opts...)

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		logger:  logger.Named("objstore.s3"),
	}, nil
}

// Bucket 返回 bucket 名称
func (s *S3Store) Bucket() string {
	return s.bucket
}

// Exists 检查对象是否存在
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isS3NotFound(err) {
			return false, nil
		}
		return false, apperr.FromContext(err, "head "+key)
	}
	return true, nil
}

// ExistsPrefix 只取一个对象判断前缀是否非空
func (s *S3Store) ExistsPrefix(ctx context.Context, prefix string) (bool, error) {
	out, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return false, apperr.FromContext(err, "list "+prefix)
	}
	return len(out.Contents) > 0, nil
}

// GetText 读取完整文本
func (s *S3Store) GetText(ctx context.Context, key string) (string, error) {
	return s.GetTextBounded(ctx, key, 0, 0)
}

// GetTextBounded 读取有界文本，超限时用 Range 请求只取前 maxBytes 字节
func (s *S3Store) GetTextBounded(ctx context.Context, key string, maxBytes int64, maxLines int) (string, error) {
	in := &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if maxBytes > 0 {
		in.Range = aws.String(fmt.Sprintf("bytes=0-%d", maxBytes+3))
	}
	out, err := s.client.GetObject(ctx, in)
	if err != nil {
		return "", s.mapErr(err, key)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return "", s.mapErr(err, key)
	}
	return truncate(data, maxBytes, maxLines), nil
}

// Put 上传对象
func (s *S3Store) Put(ctx context.Context, key string, content []byte, contentType string) error {
	if contentType == "" {
		contentType = ContentTypeOf(key)
	}
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(content),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, apperr.FromContext(err, "put "+key))
	}
	return nil
}

// ListKeys 通过分页器列举到结束
func (s *S3Store) ListKeys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	p := s3.NewListObjectsV2Paginator(s.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(s.bucket),
		Prefix: aws.String(prefix),
	})
	for p.HasMorePages() {
		page, err := p.NextPage(ctx)
		if err != nil {
			return nil, apperr.FromContext(err, "list "+prefix)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Delete 删除对象
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return apperr.FromContext(err, "delete "+key)
}

// PresignedReadURL 生成限时读取 URL
func (s *S3Store) PresignedReadURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", key, err)
	}
	return req.URL, nil
}

// Copy 服务端复制，后端报告不支持时退化为读后写
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	source := (&url.URL{Path: s.bucket + "/" + src}).EscapedPath()
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		Key:        aws.String(dst),
		CopySource: aws.String(source),
	})
	if err == nil {
		return nil
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) && apiErr.ErrorCode() == "NotImplemented" {
		s.logger.Debug("objstore.copy.fallback", zap.String("src", src), zap.String("dst", dst))
		return copyByReadWrite(ctx, s, src, dst)
	}
	return s.mapErr(err, src)
}

func (s *S3Store) mapErr(err error, key string) error {
	if isS3NotFound(err) {
		return apperr.NotFound("object %s", key)
	}
	return apperr.FromContext(err, "object "+key)
}

func isS3NotFound(err error) bool {
	var noKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noKey) || errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	return false
}
