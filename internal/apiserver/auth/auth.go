// Package auth 调用方身份：JWT 令牌与 HTTP 中间件
//
// 用户注册登录不在本服务内，令牌由外部签发（或 runctl token 生成），
// 这里只负责校验并把 role 声明映射为 model.Caller。
package auth

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"mlrun-admin/internal/shared/model"
)

// contextKey context 键类型
type contextKey string

const ctxKeyCaller contextKey = "caller"

// Config 认证配置
type Config struct {
	JWTSecret      string
	AccessTokenTTL time.Duration
}

// Enabled 是否启用认证
func (c Config) Enabled() bool {
	return c.JWTSecret != ""
}

// ============================================================================
// JWT Token
// ============================================================================

// Claims JWT 声明
type Claims struct {
	jwt.RegisteredClaims
	Role string `json:"role,omitempty"` // "authority" | "scoped"
	Type string `json:"type,omitempty"` // "access"
}

// GenerateAccessToken 生成访问令牌
func GenerateAccessToken(cfg Config, subject string, role model.CallerRole) (string, error) {
	ttl := cfg.AccessTokenTTL
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
		},
		Role: string(role),
		Type: "access",
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

// ParseToken 解析并验证 JWT
func ParseToken(cfg Config, tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	return claims, nil
}

// CallerOf 声明 → 调用方；未知角色一律视为普通调用方
func (c *Claims) CallerOf() model.Caller {
	if model.CallerRole(c.Role) == model.RoleAuthority {
		return model.AuthorityCaller(c.Subject)
	}
	return model.ScopedCaller(c.Subject)
}

// ============================================================================
// Context 辅助函数
// ============================================================================

// WithCaller 将调用方注入 context
func WithCaller(ctx context.Context, caller model.Caller) context.Context {
	return context.WithValue(ctx, ctxKeyCaller, caller)
}

// CallerFrom 从 context 获取调用方，缺失时为匿名普通调用方
func CallerFrom(ctx context.Context) model.Caller {
	if c, ok := ctx.Value(ctxKeyCaller).(model.Caller); ok {
		return c
	}
	return model.ScopedCaller("anonymous")
}
