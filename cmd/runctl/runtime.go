package main

import (
	"context"
	"io"
	"os"
	"os/user"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/run"
	"mlrun-admin/internal/app"
	"mlrun-admin/internal/config"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/pkg/logging"
)

// Sweeper 巡检能力
type Sweeper interface {
	SweepOnce(ctx context.Context) (orchestrator.SweepStats, error)
	Run(ctx context.Context) error
}

// session 一次命令执行所需的组件
type session struct {
	Runs    run.RunService
	Tailer  run.RunTailer
	Sweeper Sweeper
	Close   func() error
}

// connector 按配置打开 session
type connector func(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session, error)

// connectLocal 与 api-server 相同的装配
func connectLocal(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*session, error) {
	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &session{
		Runs:    a.Orchestrator,
		Tailer:  a.Tailer,
		Sweeper: a.Sweeper,
		Close:   a.Close,
	}, nil
}

type runtime struct {
	connect connector
	stdout  io.Writer
	stderr  io.Writer
}

// loadConfig 读取配置，--config 优先于 CONFIG_DIR
func (rt *runtime) loadConfig(c *cli.Context) (*config.Config, error) {
	if dir := c.String("config"); dir != "" {
		config.SetConfigDir(dir)
	}
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if lvl := c.String("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	return cfg, nil
}

// logger 命令行日志写 stderr，stdout 只输出结果
func (rt *runtime) logger(cfg *config.Config, component string) *zap.Logger {
	l, err := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    "console",
		Output:    "stderr",
		Component: component,
	})
	if err != nil {
		return logging.Default(component)
	}
	return l
}

// withSession 打开 session 执行 fn，结束后关闭
func (rt *runtime) withSession(c *cli.Context, fn func(ctx context.Context, s *session) error) error {
	cfg, err := rt.loadConfig(c)
	if err != nil {
		return err
	}
	logger := rt.logger(cfg, "runctl")
	defer logger.Sync()

	ctx := c.Context
	s, err := rt.connect(ctx, cfg, logger)
	if err != nil {
		return err
	}
	if s.Close != nil {
		defer s.Close()
	}
	return fn(ctx, s)
}

// currentUser 调用方身份
func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	if v := os.Getenv("USER"); v != "" {
		return v
	}
	return "runctl"
}
