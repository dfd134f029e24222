// Package tlsutil API Server 自签名证书
//
// 内网部署没有证书时，启动阶段生成一对 CA + 服务端证书，
// CA 可通过 /ca.pem 下载后加入客户端信任链。
package tlsutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultCertDir 默认证书目录
const DefaultCertDir = "/etc/mlrun-admin/certs"

const organization = "MLRun Admin"

// CertFiles 证书文件路径
type CertFiles struct {
	CAFile   string
	CertFile string
	KeyFile  string
}

// FilesIn 目录下的标准文件名
func FilesIn(dir string) CertFiles {
	if dir == "" {
		dir = DefaultCertDir
	}
	return CertFiles{
		CAFile:   filepath.Join(dir, "ca.pem"),
		CertFile: filepath.Join(dir, "server.pem"),
		KeyFile:  filepath.Join(dir, "server-key.pem"),
	}
}

// Exist 三个文件是否都存在
func (c CertFiles) Exist() bool {
	for _, f := range []string{c.CAFile, c.CertFile, c.KeyFile} {
		if _, err := os.Stat(f); err != nil {
			return false
		}
	}
	return true
}

// ServerConfig 加载服务端证书
func (c CertFiles) ServerConfig() (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("load key pair: %w", err)
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

// Options 生成选项
type Options struct {
	Dir      string
	Hosts    []string // 额外 SAN，localhost/127.0.0.1/::1 与本机地址总是包含
	ValidFor time.Duration
	Force    bool
}

// Ensure 证书不存在（或 Force）时生成
func Ensure(opts Options, logger *zap.Logger) (CertFiles, error) {
	files := FilesIn(opts.Dir)
	if !opts.Force && files.Exist() {
		logger.Info("tls.certs.found", zap.String("dir", filepath.Dir(files.CAFile)))
		return files, nil
	}
	hosts, err := Generate(opts)
	if err != nil {
		return CertFiles{}, err
	}
	logger.Info("tls.certs.generated",
		zap.String("ca", files.CAFile),
		zap.String("cert", files.CertFile),
		zap.Strings("sans", hosts))
	return files, nil
}

// Generate 写入 CA 与由其签发的服务端证书，返回实际使用的 SAN
func Generate(opts Options) ([]string, error) {
	if opts.ValidFor <= 0 {
		opts.ValidFor = 365 * 24 * time.Hour
	}
	files := FilesIn(opts.Dir)
	if err := os.MkdirAll(filepath.Dir(files.CAFile), 0o755); err != nil {
		return nil, fmt.Errorf("create cert dir: %w", err)
	}

	caKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate CA key: %w", err)
	}
	caTmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: organization + " CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(10 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLen:            1,
	}
	caDER, err := x509.CreateCertificate(rand.Reader, caTmpl, caTmpl, &caKey.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create CA cert: %w", err)
	}
	caCert, err := x509.ParseCertificate(caDER)
	if err != nil {
		return nil, fmt.Errorf("parse CA cert: %w", err)
	}

	hosts := collectHosts(opts.Hosts)
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate server key: %w", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          serial(),
		Subject:               pkix.Name{Organization: []string{organization}, CommonName: "mlrun-admin api-server"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(opts.ValidFor),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			tmpl.IPAddresses = append(tmpl.IPAddresses, ip)
		} else {
			tmpl.DNSNames = append(tmpl.DNSNames, h)
		}
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, caCert, &key.PublicKey, caKey)
	if err != nil {
		return nil, fmt.Errorf("create server cert: %w", err)
	}
	keyBytes, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal server key: %w", err)
	}

	if err := writePEM(files.CAFile, "CERTIFICATE", caDER, 0o644); err != nil {
		return nil, err
	}
	if err := writePEM(files.CertFile, "CERTIFICATE", der, 0o644); err != nil {
		return nil, err
	}
	// 私钥仅属主可读
	if err := writePEM(files.KeyFile, "EC PRIVATE KEY", keyBytes, 0o600); err != nil {
		return nil, err
	}
	return hosts, nil
}

func serial() *big.Int {
	n, _ := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	return n
}

// collectHosts 固定回环地址 + 调用方指定 + 本机 hostname 与非回环 IP，去重保序
func collectHosts(extra []string) []string {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	add := func(h string) {
		h = strings.TrimSpace(h)
		if h != "" && !slices.Contains(hosts, h) {
			hosts = append(hosts, h)
		}
	}
	for _, h := range extra {
		add(h)
	}
	if name, err := os.Hostname(); err == nil {
		add(name)
	}
	if addrs, err := net.InterfaceAddrs(); err == nil {
		for _, a := range addrs {
			if ipnet, ok := a.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				add(ipnet.IP.String())
			}
		}
	}
	return hosts
}

func writePEM(path, blockType string, data []byte, perm os.FileMode) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer f.Close()
	return pem.Encode(f, &pem.Block{Type: blockType, Bytes: data})
}
