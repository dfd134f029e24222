package main

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"mlrun-admin/internal/tlsutil"
)

func TestHTTPSURL(t *testing.T) {
	tests := []struct {
		host  string
		local string
		want  string
	}{
		{"api.local", "10.0.0.1:8443", "https://api.local:8443/api/v1/runs?x=1"},
		{"api.local:8443", "10.0.0.1:8443", "https://api.local:8443/api/v1/runs?x=1"},
		{"api.local", "10.0.0.1:443", "https://api.local/api/v1/runs?x=1"},
		{"", "10.0.0.1:8443", "https://10.0.0.1:8443/api/v1/runs?x=1"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/runs?x=1", nil)
		req.Host = tt.host
		addr, err := net.ResolveTCPAddr("tcp", tt.local)
		require.NoError(t, err)
		assert.Equal(t, tt.want, httpsURL(req, addr))
	}
}

func TestHTTPOnTLSListener(t *testing.T) {
	files, err := tlsutil.Ensure(tlsutil.Options{Dir: t.TempDir()}, zap.NewNop())
	require.NoError(t, err)
	tlsCfg, err := files.ServerConfig()
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("secure"))
		}),
		TLSConfig: tlsCfg,
		ErrorLog:  newServerErrorLog(zap.NewNop()),
	}
	go srv.ServeTLS(&httpOnTLSListener{Listener: ln}, "", "")
	t.Cleanup(func() { srv.Close() })

	// 纯 HTTP → 301
	conn, err := net.DialTimeout("tcp", ln.Addr().String(), time.Second)
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Write([]byte("GET /health HTTP/1.1\r\nHost: localhost\r\n\r\n"))
	require.NoError(t, err)
	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	require.NoError(t, err)
	assert.Equal(t, http.StatusMovedPermanently, resp.StatusCode)
	_, port, _ := net.SplitHostPort(ln.Addr().String())
	assert.Equal(t, "https://localhost:"+port+"/health", resp.Header.Get("Location"))

	// 一个卡住的客户端不影响 TLS 连接
	idle, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer idle.Close()

	client := &http.Client{Transport: &http.Transport{TLSClientConfig: tlsClientConfig(t, files.CAFile)}, Timeout: 3 * time.Second}
	r2, err := client.Get("https://localhost:" + port + "/health")
	require.NoError(t, err)
	defer r2.Body.Close()
	assert.Equal(t, http.StatusOK, r2.StatusCode)
}

func tlsClientConfig(t *testing.T, caFile string) *tls.Config {
	t.Helper()
	pem, err := os.ReadFile(caFile)
	require.NoError(t, err)
	pool := x509.NewCertPool()
	require.True(t, pool.AppendCertsFromPEM(pem))
	return &tls.Config{RootCAs: pool}
}
