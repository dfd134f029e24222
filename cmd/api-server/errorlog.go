package main

import (
	"log"
	"strings"

	"go.uber.org/zap"
)

// tlsErrorFilter 把 http.Server 的错误日志转到 zap，丢弃 TLS 握手错误
// （自签名证书模式下浏览器首次连接会产生大量此类日志）
type tlsErrorFilter struct {
	logger *zap.Logger
}

func (f *tlsErrorFilter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if strings.Contains(msg, "TLS handshake error") {
		return len(p), nil
	}
	f.logger.Warn("http.server.error", zap.String("detail", msg))
	return len(p), nil
}

// newServerErrorLog 用于 http.Server.ErrorLog
func newServerErrorLog(logger *zap.Logger) *log.Logger {
	return log.New(&tlsErrorFilter{logger: logger.Named("http")}, "", 0)
}
