package dispatch

import (
	"context"
	"fmt"
	"net"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"

	"mlrun-admin/internal/config"
)

// ============================================================================
// 远端执行
// ============================================================================

// RemoteExecutor 在主机上执行一条 shell 命令并返回合并输出
type RemoteExecutor interface {
	Exec(ctx context.Context, host, cmd string) (string, error)
}

// SSHExecutor 基于 golang.org/x/crypto/ssh 的执行器，每次调用建立一次连接
type SSHExecutor struct {
	user        string
	port        int
	auth        []ssh.AuthMethod
	dialTimeout time.Duration
}

// NewSSHExecutor 按配置构造认证方式：私钥优先，其次密码
func NewSSHExecutor(cfg config.SSHConfig) (*SSHExecutor, error) {
	var auth []ssh.AuthMethod
	if cfg.PrivateKeyPath != "" {
		pem, err := os.ReadFile(cfg.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, fmt.Errorf("invalid private key: %w", err)
		}
		auth = append(auth, ssh.PublicKeys(signer))
	}
	if cfg.Password != "" {
		auth = append(auth, ssh.Password(cfg.Password))
	}
	if len(auth) == 0 {
		return nil, fmt.Errorf("ssh dispatcher needs a private key or password")
	}
	port := cfg.Port
	if port == 0 {
		port = 22
	}
	return &SSHExecutor{user: cfg.User, port: port, auth: auth, dialTimeout: cfg.DialTimeout}, nil
}

// Exec 实现 RemoteExecutor；ctx 取消时关闭连接
func (e *SSHExecutor) Exec(ctx context.Context, host, cmd string) (string, error) {
	addr := host
	if _, _, err := net.SplitHostPort(host); err != nil {
		addr = net.JoinHostPort(host, strconv.Itoa(e.port))
	}

	d := net.Dialer{Timeout: e.dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            e.user,
		Auth:            e.auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         e.dialTimeout,
	})
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("handshake %s: %w", addr, err)
	}
	client := ssh.NewClient(c, chans, reqs)
	defer client.Close()

	stop := context.AfterFunc(ctx, func() { client.Close() })
	defer stop()

	session, err := client.NewSession()
	if err != nil {
		return "", fmt.Errorf("new session: %w", err)
	}
	defer session.Close()

	output, err := session.CombinedOutput(cmd)
	if ctx.Err() != nil {
		return string(output), ctx.Err()
	}
	if err != nil {
		return string(output), fmt.Errorf("exec on %s: %w (output: %s)", addr, err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}

// ============================================================================
// SSHDispatcher
// ============================================================================

const (
	sshOutputLimit  = 64 * 1024
	markerPending   = "__pending__"
	markerMissing   = "__missing__"
	markerStdout    = "__stdout__"
	markerStderr    = "__stderr__"
	sshHandlePrefix = "job"
)

// SSHDispatcher 在 worker 主机上用 nohup 后台运行命令
//
// 每个句柄一个作业目录 <jobDir>/<handle>，其中 stdout.log、stderr.log、exit_code 由包装脚本写入。
type SSHDispatcher struct {
	exec   RemoteExecutor
	jobDir string
	logger *zap.Logger
}

var _ Dispatcher = (*SSHDispatcher)(nil)

// NewSSHDispatcher 创建 SSH 下发器
func NewSSHDispatcher(exec RemoteExecutor, jobDir string, logger *zap.Logger) *SSHDispatcher {
	if jobDir == "" {
		jobDir = "/tmp/mlrun-jobs"
	}
	return &SSHDispatcher{exec: exec, jobDir: jobDir, logger: logger.Named("dispatch.ssh")}
}

func (d *SSHDispatcher) dir(handle string) string {
	return path.Join(d.jobDir, handle)
}

// Start 写入作业目录并在后台启动命令
func (d *SSHDispatcher) Start(ctx context.Context, workerRef string, spec CommandSpec) (string, error) {
	handle := newHandle(sshHandlePrefix)
	dir := shellQuote(d.dir(handle))
	inner := fmt.Sprintf("%s > stdout.log 2> stderr.log; echo $? > exit_code", spec.Command)
	script := fmt.Sprintf("mkdir -p %s && cd %s && nohup sh -c %s > /dev/null 2>&1 &", dir, dir, shellQuote(inner))

	if _, err := d.exec.Exec(ctx, workerRef, script); err != nil {
		return "", err
	}
	d.logger.Info("dispatch.ssh.started", zap.String("worker", workerRef), zap.String("handle", handle), zap.String("run_id", spec.RunID))
	return handle, nil
}

// Poll 读取 exit_code 与输出
func (d *SSHDispatcher) Poll(ctx context.Context, workerRef, handle string) (PollResult, error) {
	dir := shellQuote(d.dir(handle))
	script := fmt.Sprintf(
		"cd %s 2>/dev/null || { echo %s; exit 0; }; if [ -f exit_code ]; then cat exit_code; else echo %s; fi; echo %s; tail -c %d stdout.log 2>/dev/null; echo; echo %s; tail -c %d stderr.log 2>/dev/null",
		dir, markerMissing, markerPending, markerStdout, sshOutputLimit, markerStderr, sshOutputLimit)

	out, err := d.exec.Exec(ctx, workerRef, script)
	if err != nil {
		return PollResult{}, err
	}
	return parseSSHPoll(out), nil
}

// parseSSHPoll 解析 Poll 脚本输出
//
// 作业目录不存在视为失败（作业丢失）；exit_code 为 0 视为成功。
func parseSSHPoll(out string) PollResult {
	head, rest, _ := strings.Cut(out, markerStdout+"\n")
	head = strings.TrimSpace(head)
	stdout, stderr, _ := strings.Cut(rest, "\n"+markerStderr+"\n")
	stdout = strings.TrimSuffix(stdout, "\n")

	switch head {
	case markerMissing:
		return PollResult{Status: StatusFailed, Stderr: "job directory missing on worker"}
	case markerPending:
		return PollResult{Status: StatusPending, Stdout: stdout, Stderr: stderr}
	}
	code, err := strconv.Atoi(head)
	if err != nil || code != 0 {
		return PollResult{Status: StatusFailed, Stdout: stdout, Stderr: stderr}
	}
	return PollResult{Status: StatusSucceeded, Stdout: stdout, Stderr: stderr}
}
