package worker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"os"
	"strings"

	"github.com/google/uuid"
)

// DefaultRef 生成确定性 worker 引用 "<hostname>-<8 位摘要>"
//
// 摘要取自 /etc/machine-id 的 HMAC-SHA256，同一台机器重启后引用不变，
// 控制面的 workers 映射可以直接写这个值。
// 回退顺序：/etc/machine-id → /var/lib/dbus/machine-id → hostname+MAC → 随机 UUID。
func DefaultRef() string {
	host, _ := os.Hostname()
	host = sanitize(host)
	if host == "" {
		host = "worker"
	}
	return host + "-" + machineDigest()[:8]
}

// ConsumerID 消费者名称，同一 worker 引用下的多个进程互不冲突
func ConsumerID(ref string) string {
	return ref + "-" + uuid.NewString()[:8]
}

func machineDigest() string {
	const appKey = "mlrun-admin-worker-ref-v1"

	machineID := ""
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if machineID = strings.TrimSpace(string(data)); machineID != "" {
				break
			}
		}
	}
	if machineID == "" {
		hostname, _ := os.Hostname()
		if mac := firstMAC(); hostname != "" || mac != "" {
			machineID = hostname + ":" + mac
		}
	}
	if machineID == "" {
		return strings.ReplaceAll(uuid.NewString(), "-", "")
	}

	h := hmac.New(sha256.New, []byte(appKey))
	h.Write([]byte(machineID))
	return hex.EncodeToString(h.Sum(nil))
}

func firstMAC() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || len(iface.HardwareAddr) == 0 {
			continue
		}
		return iface.HardwareAddr.String()
	}
	return ""
}

// sanitize 只保留 [a-z0-9-]，与 Redis key 和 owner 映射兼容
func sanitize(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		case r == '.' || r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}
