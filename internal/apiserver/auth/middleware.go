package auth

import (
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// 免认证路由白名单（前缀匹配）
var publicPrefixes = []string{
	"/health",
	"/metrics",
}

func isPublicRoute(method, path string) bool {
	for _, prefix := range publicPrefixes {
		if strings.HasPrefix(path, prefix) {
			return true
		}
	}
	return method == http.MethodOptions
}

// bearerToken 从 Authorization 头提取令牌；浏览器 WebSocket/EventSource 无法设置请求头，允许 access_token 查询参数
func bearerToken(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
			return "", false
		}
		return parts[1], true
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	return "", false
}

// Middleware 创建 JWT 认证中间件
// 如果 cfg.Enabled() == false，直接放行所有请求，调用方为匿名普通调用方
func Middleware(cfg Config, logger *zap.Logger) func(http.Handler) http.Handler {
	logger = logger.Named("auth")
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !cfg.Enabled() || isPublicRoute(r.Method, r.URL.Path) {
				next.ServeHTTP(w, r)
				return
			}

			token, ok := bearerToken(r)
			if !ok {
				http.Error(w, `{"error":"missing or invalid authorization"}`, http.StatusUnauthorized)
				return
			}

			claims, err := ParseToken(cfg, token)
			if err != nil {
				logger.Debug("auth.token.invalid", zap.Error(err))
				http.Error(w, `{"error":"invalid or expired token"}`, http.StatusUnauthorized)
				return
			}
			if claims.Type != "access" {
				http.Error(w, `{"error":"invalid token type"}`, http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), claims.CallerOf())))
		})
	}
}
