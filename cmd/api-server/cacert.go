package main

import (
	"net/http"
	"os"

	"go.uber.org/zap"
)

// withCACertEndpoint 自签名模式下在 /ca.pem 提供 CA 证书下载，客户端据此信任 API Server
func withCACertEndpoint(next http.Handler, caFile string, logger *zap.Logger) http.Handler {
	caData, err := os.ReadFile(caFile)
	if err != nil {
		logger.Warn("tls.ca.unreadable", zap.String("file", caFile), zap.Error(err))
		return next
	}
	logger.Info("tls.ca.endpoint", zap.String("path", "/ca.pem"))

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ca.pem" {
			w.Header().Set("Content-Type", "application/x-pem-file")
			w.Header().Set("Content-Disposition", `attachment; filename="mlrun-admin-ca.pem"`)
			w.WriteHeader(http.StatusOK)
			w.Write(caData)
			return
		}
		next.ServeHTTP(w, r)
	})
}
