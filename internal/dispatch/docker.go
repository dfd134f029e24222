package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"mlrun-admin/pkg/docker"
)

// ContainerRuntime DockerDispatcher 依赖的容器操作
type ContainerRuntime interface {
	CreateContainer(ctx context.Context, cfg *docker.ContainerConfig) (string, error)
	StartContainer(ctx context.Context, containerID string) error
	RemoveContainer(ctx context.Context, containerID string, force bool) error
	InspectState(ctx context.Context, containerID string) (docker.ContainerState, error)
	ContainerLogs(ctx context.Context, containerID string, tail string) (string, error)
}

// RuntimeFactory 按 workerRef 返回容器运行时（通常为 Docker 主机地址）
type RuntimeFactory func(workerRef string) (ContainerRuntime, error)

// DockerDispatcher 每条命令一个容器，句柄为容器 ID
type DockerDispatcher struct {
	factory RuntimeFactory
	image   string
	network string
	env     []string
	logger  *zap.Logger

	mu       sync.Mutex
	runtimes map[string]ContainerRuntime
}

var _ Dispatcher = (*DockerDispatcher)(nil)

// NewDockerDispatcher 创建 Docker 下发器
func NewDockerDispatcher(factory RuntimeFactory, image, network string, env []string, logger *zap.Logger) *DockerDispatcher {
	return &DockerDispatcher{
		factory:  factory,
		image:    image,
		network:  network,
		env:      env,
		logger:   logger.Named("dispatch.docker"),
		runtimes: make(map[string]ContainerRuntime),
	}
}

// DockerHostFactory workerRef 为 "local" 或空时使用环境变量中的 Docker 主机，否则视为主机地址
func DockerHostFactory(workerRef string) (ContainerRuntime, error) {
	var (
		c   *docker.Client
		err error
	)
	if workerRef == "" || workerRef == "local" {
		c, err = docker.NewClient()
	} else {
		c, err = docker.NewClientWithHost(workerRef)
	}
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (d *DockerDispatcher) runtime(workerRef string) (ContainerRuntime, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if rt, ok := d.runtimes[workerRef]; ok {
		return rt, nil
	}
	rt, err := d.factory(workerRef)
	if err != nil {
		return nil, err
	}
	d.runtimes[workerRef] = rt
	return rt, nil
}

// Start 创建并启动容器；启动失败时删除容器
func (d *DockerDispatcher) Start(ctx context.Context, workerRef string, spec CommandSpec) (string, error) {
	rt, err := d.runtime(workerRef)
	if err != nil {
		return "", err
	}
	id, err := rt.CreateContainer(ctx, &docker.ContainerConfig{
		Name:    "mlrun-" + spec.RunID,
		Image:   d.image,
		Cmd:     []string{"sh", "-c", spec.Command},
		Env:     d.env,
		Network: d.network,
		Labels: map[string]string{
			"mlrun.run_id":  spec.RunID,
			"mlrun.owner":   spec.Owner,
			"mlrun.project": spec.Project,
		},
	})
	if err != nil {
		return "", err
	}
	if err := rt.StartContainer(ctx, id); err != nil {
		_ = rt.RemoveContainer(ctx, id, true)
		return "", fmt.Errorf("start container %s: %w", id, err)
	}
	d.logger.Info("dispatch.docker.started", zap.String("worker", workerRef), zap.String("container", id), zap.String("run_id", spec.RunID))
	return id, nil
}

// Poll 查询容器状态；已退出时读取日志（TTY 模式下 stdout/stderr 合并在 Stdout）
func (d *DockerDispatcher) Poll(ctx context.Context, workerRef, handle string) (PollResult, error) {
	rt, err := d.runtime(workerRef)
	if err != nil {
		return PollResult{}, err
	}
	st, err := rt.InspectState(ctx, handle)
	if err != nil {
		return PollResult{}, err
	}
	if !st.Exists {
		return PollResult{Status: StatusFailed, Stderr: "container not found"}, nil
	}
	if !st.Exited() {
		return PollResult{Status: StatusPending}, nil
	}

	logs, err := rt.ContainerLogs(ctx, handle, "500")
	if err != nil {
		d.logger.Warn("dispatch.docker.logs.failed", zap.String("container", handle), zap.Error(err))
	}
	res := PollResult{Status: StatusSucceeded, Stdout: logs}
	if st.ExitCode != 0 {
		res.Status = StatusFailed
		res.Stderr = fmt.Sprintf("exit code %d", st.ExitCode)
	}
	return res, nil
}
