// Package docker 封装 Docker API 客户端
//
// 使用官方 github.com/moby/moby/client 库，
// 提供一次性作业容器的创建、状态查询、日志读取与清理。
package docker

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/client"
)

// ContainerConfig 容器配置
type ContainerConfig struct {
	Name    string            // 容器名称
	Image   string            // 镜像名称
	Cmd     []string          // 启动命令
	Env     []string          // 环境变量
	Labels  map[string]string // 标签
	Network string            // 网络模式（空则默认）
}

// ContainerState 容器状态快照
type ContainerState struct {
	Exists   bool
	Status   string // created/running/exited/dead...
	Running  bool
	ExitCode int
}

// Exited 容器是否已结束
func (s ContainerState) Exited() bool {
	return s.Status == "exited" || s.Status == "dead"
}

// Client Docker客户端封装
type Client struct {
	cli *client.Client
}

// NewClient 创建Docker客户端（读取 DOCKER_HOST 等环境变量）
func NewClient() (*Client, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &Client{cli: cli}, nil
}

// NewClientWithHost 连接指定 Docker 主机，例如 tcp://gpu-1:2376
func NewClientWithHost(host string) (*Client, error) {
	cli, err := client.New(client.FromEnv, client.WithHost(host))
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client for %s: %w", host, err)
	}
	return &Client{cli: cli}, nil
}

// Close 关闭客户端
func (c *Client) Close() error {
	return c.cli.Close()
}

// Ping 检查Docker连接
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.cli.Ping(ctx, client.PingOptions{})
	return err
}

// CreateContainer 创建容器
//
// 使用 TTY，日志输出不做 stdout/stderr 多路复用，可直接读取。
func (c *Client) CreateContainer(ctx context.Context, cfg *ContainerConfig) (string, error) {
	hostCfg := &container.HostConfig{}
	if cfg.Network != "" {
		hostCfg.NetworkMode = container.NetworkMode(cfg.Network)
	}
	result, err := c.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  cfg.Name,
		Image: cfg.Image,
		Config: &container.Config{
			Cmd:          cfg.Cmd,
			Env:          cfg.Env,
			Labels:       cfg.Labels,
			Tty:          true,
			AttachStdout: true,
			AttachStderr: true,
		},
		HostConfig: hostCfg,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create container: %w", err)
	}
	return result.ID, nil
}

// StartContainer 启动容器
func (c *Client) StartContainer(ctx context.Context, containerID string) error {
	_, err := c.cli.ContainerStart(ctx, containerID, client.ContainerStartOptions{})
	return err
}

// RemoveContainer 删除容器
func (c *Client) RemoveContainer(ctx context.Context, containerID string, force bool) error {
	_, err := c.cli.ContainerRemove(ctx, containerID, client.ContainerRemoveOptions{
		Force:         force,
		RemoveVolumes: true,
	})
	return err
}

// InspectState 查询容器状态，不存在时 Exists=false
func (c *Client) InspectState(ctx context.Context, containerID string) (ContainerState, error) {
	result, err := c.cli.ContainerInspect(ctx, containerID, client.ContainerInspectOptions{})
	if err != nil {
		if errdefs.IsNotFound(err) {
			return ContainerState{}, nil
		}
		return ContainerState{}, err
	}
	st := result.Container.State
	if st == nil {
		return ContainerState{Exists: true}, nil
	}
	return ContainerState{
		Exists:   true,
		Status:   string(st.Status),
		Running:  st.Running,
		ExitCode: st.ExitCode,
	}, nil
}

// ContainerLogs 读取容器日志（tail 为空时读取全部）
func (c *Client) ContainerLogs(ctx context.Context, containerID string, tail string) (string, error) {
	result, err := c.cli.ContainerLogs(ctx, containerID, client.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       tail,
		Follow:     false,
	})
	if err != nil {
		return "", err
	}
	defer result.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, result); err != nil {
		return "", fmt.Errorf("failed to read container logs: %w", err)
	}
	return buf.String(), nil
}
