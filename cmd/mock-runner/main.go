// Package main Mock Runner - 模拟远端训练/测试 runner
//
// 参数与真实 runner 一致（--base_s3 --out_s3 --task --run_id），
// 按 epoch 写入 logs.txt 与 partial_metrics.json，结束时写 metrics.json、
// status.json、tests.csv 与 loss 曲线，最后在日志中写入结束标记。
// 用于在没有 GPU 的环境中联调下发、跟踪与摄取。
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mlrun-admin/internal/app"
	"mlrun-admin/internal/config"
	"mlrun-admin/pkg/logging"
)

func main() {
	var opts options
	flag.StringVar(&opts.BaseURI, "base_s3", "", "s3://bucket/<version root>")
	flag.StringVar(&opts.OutURI, "out_s3", "", "s3://bucket/<artifacts prefix>")
	flag.StringVar(&opts.Task, "task", "train", "task name")
	flag.StringVar(&opts.RunID, "run_id", "", "run id")
	flag.IntVar(&opts.Epochs, "epochs", 5, "number of simulated epochs")
	flag.DurationVar(&opts.EpochDelay, "epoch_delay", time.Second, "delay between epochs")
	flag.BoolVar(&opts.Fail, "fail", false, "finish with success=false")
	flag.Parse()

	logger := logging.Default("mock-runner")
	defer logger.Sync()

	_, prefix, err := parseS3URI(opts.OutURI)
	if err != nil {
		logger.Fatal("mock-runner.args.invalid", zap.Error(err))
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config.load.failed", zap.Error(err))
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := app.NewObjectStore(ctx, cfg.ObjectStore, logger)
	if err != nil {
		logger.Fatal("objstore.init.failed", zap.Error(err))
	}

	if err := simulate(ctx, store, prefix, opts); err != nil {
		logger.Error("mock-runner.failed", zap.String("run_id", opts.RunID), zap.Error(err))
		os.Exit(1)
	}
	if opts.Fail {
		os.Exit(2)
	}
}

// parseS3URI s3://bucket/key → bucket, key
func parseS3URI(uri string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 uri: %q", uri)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	key = strings.Trim(key, "/")
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("s3 uri needs bucket and key: %q", uri)
	}
	return bucket, key, nil
}
