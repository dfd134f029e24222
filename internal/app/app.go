// Package app 按配置组装运行编排所需的全部组件
//
// api-server 与 runctl 共用这里的装配逻辑：
//
//	账本（PostgreSQL/SQLite）→ 对象存储（MinIO/S3/内存，带超时）
//	→ Redis（可选：心跳、事件、命令队列）→ 下发器（SSH/队列/Docker，带超时）
//	→ 摄取器 → 编排器 / 跟踪器 / 巡检器
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"mlrun-admin/internal/config"
	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/ingest"
	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/infra"
	"mlrun-admin/internal/shared/objstore"
	"mlrun-admin/internal/shared/storage/repository"
	"mlrun-admin/internal/tail"
)

// App 组装完成的组件
type App struct {
	Config       *config.Config
	Infra        *infra.Infrastructure
	Ledger       *repository.Store
	Redis        *infra.RedisInfra // 未启用 Redis 时为 nil
	Dispatcher   dispatch.Dispatcher
	Orchestrator *orchestrator.Orchestrator
	Tailer       *tail.Tailer
	Sweeper      *orchestrator.Sweeper
	Registry     *prometheus.Registry
}

// Build 按配置装配；失败时已打开的连接会被关闭
func Build(ctx context.Context, cfg *config.Config, logger *zap.Logger) (_ *App, err error) {
	a := &App{Config: cfg, Registry: prometheus.NewRegistry()}
	defer func() {
		if err != nil && a.Infra != nil {
			a.Infra.Close()
		}
	}()

	if cfg.Redis.Enabled {
		a.Redis, err = infra.NewRedisInfra(cfg.RedisURL, cfg.Dispatcher.Queue, logger)
		if err != nil {
			return nil, err
		}
		a.Infra = &infra.Infrastructure{
			Cache:    a.Redis.Cache(),
			EventBus: a.Redis.EventBus(),
			Queue:    a.Redis.Queue(),
		}
		a.Infra.AddCloser(a.Redis)
	} else {
		a.Infra = infra.NewNoOpInfrastructure()
	}

	a.Ledger, err = repository.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	a.Infra.Ledger = a.Ledger
	logger.Info("ledger.opened", zap.String("driver", cfg.DatabaseDriver))

	objects, err := NewObjectStore(ctx, cfg.ObjectStore, logger)
	if err != nil {
		return nil, err
	}
	a.Infra.Objects = objstore.WithTimeout(objects, cfg.Orchestrator.RemoteTimeout)

	dispatcher, err := a.newDispatcher(logger)
	if err != nil {
		return nil, err
	}
	a.Dispatcher = dispatch.WithTimeout(dispatcher, cfg.Orchestrator.RemoteTimeout)

	workers, err := a.newWorkers(logger)
	if err != nil {
		return nil, err
	}

	oc := cfg.Orchestrator
	ing := ingest.New(a.Ledger, a.Infra.Objects, a.Infra.EventBus,
		ingest.Options{MaxReadBytes: oc.MaxReadBytes, MaxReadLines: oc.MaxReadLines}, logger)
	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Ledger:     a.Ledger,
		Objects:    a.Infra.Objects,
		Dispatcher: a.Dispatcher,
		Workers:    workers,
		Ingestor:   ing,
		Events:     a.Infra.EventBus,
		Metrics:    orchestrator.NewMetrics("mlrun", a.Registry),
	}, orchestrator.Config{
		Bucket:        cfg.ObjectStore.Bucket,
		RunnerCommand: cfg.Dispatcher.RunnerCommand,
		PresignTTL:    oc.PresignTTL,
	}, logger)

	a.Tailer = tail.New(a.Ledger, a.Infra.Objects, tail.Options{
		LogInterval:     cfg.Tail.LogInterval,
		MetricsInterval: cfg.Tail.MetricsInterval,
		MaxBytes:        cfg.Tail.MaxBytes,
		PresignTTL:      oc.PresignTTL,
	}, logger)
	a.Sweeper = orchestrator.NewSweeper(a.Orchestrator, oc.SweepInterval, oc.SweepConcurrency, oc.SweepBatch, logger)
	return a, nil
}

// Close 释放账本与 Redis 连接
func (a *App) Close() error {
	return a.Infra.Close()
}

// NewObjectStore 按驱动创建对象存储（未包装超时）
func NewObjectStore(ctx context.Context, cfg config.ObjectStoreConfig, logger *zap.Logger) (objstore.Store, error) {
	switch cfg.Driver {
	case "minio":
		return objstore.NewMinioStore(cfg, logger)
	case "s3":
		return objstore.NewS3Store(ctx, cfg, logger)
	case "memory":
		logger.Warn("objstore.memory", zap.String("hint", "artifacts are lost on restart"))
		return objstore.NewMemStore(), nil
	}
	return nil, fmt.Errorf("unsupported object store driver %q", cfg.Driver)
}

func (a *App) newDispatcher(logger *zap.Logger) (dispatch.Dispatcher, error) {
	dc := a.Config.Dispatcher
	switch dc.Driver {
	case "ssh":
		exec, err := dispatch.NewSSHExecutor(dc.SSH)
		if err != nil {
			return nil, err
		}
		return dispatch.NewSSHDispatcher(exec, dc.SSH.JobDir, logger), nil
	case "queue":
		if a.Redis == nil {
			return nil, fmt.Errorf("queue dispatcher requires redis")
		}
		return dispatch.NewQueueDispatcher(a.Infra.Queue, logger), nil
	case "docker":
		return dispatch.NewDockerDispatcher(dispatch.DockerHostFactory,
			dc.Docker.Image, dc.Docker.Network, dc.Docker.Env, logger), nil
	}
	return nil, fmt.Errorf("unsupported dispatcher driver %q", dc.Driver)
}

func (a *App) newWorkers(logger *zap.Logger) (dispatch.WorkerProvider, error) {
	dc := a.Config.Dispatcher
	static := dispatch.StaticWorkers{Workers: dc.Workers, Default: dc.DefaultWorker}
	switch dc.Provider {
	case "", "static":
		return static, nil
	case "online":
		if a.Redis == nil {
			return nil, fmt.Errorf("online worker provider requires redis")
		}
		return dispatch.NewOnlineWorkers(a.Infra.Cache, static, logger), nil
	}
	return nil, fmt.Errorf("unsupported worker provider %q", dc.Provider)
}

// PingRedis Redis 健康检查，未启用时直接成功
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return a.Redis.Client().Ping(ctx).Err()
}
