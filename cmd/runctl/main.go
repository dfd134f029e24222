// Package main runctl 运维命令行
//
// 直接使用与 api-server 相同的装配（账本、对象存储、下发器），
// 用于手工启动/推进/重新摄取 Run、跟踪日志、执行一次巡检，
// 以及在 GPU 节点上运行队列 worker。
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/storage"
)

// 退出码
const (
	exitFailure     = 1
	exitUsage       = 2
	exitNotFound    = 3
	exitConflict    = 4
	exitUnavailable = 5
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newApp(connectLocal, os.Stdout, os.Stderr).RunContext(ctx, os.Args)
	stop()
	if err != nil {
		os.Exit(exitFailure)
	}
}

// newApp 组装命令树；connect 与输出可替换，便于测试
func newApp(connect connector, stdout, stderr io.Writer) *cli.App {
	rt := &runtime{connect: connect, stdout: stdout, stderr: stderr}
	return &cli.App{
		Name:      "runctl",
		Usage:     "Operate ML evaluation runs",
		Writer:    stdout,
		ErrWriter: stderr,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Usage:   "Config directory (overrides CONFIG_DIR)",
				EnvVars: []string{"CONFIG_DIR"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override log level",
			},
		},
		Commands: []*cli.Command{
			rt.startCommand(),
			rt.getCommand(),
			rt.listCommand(),
			rt.advanceCommand(),
			rt.reingestCommand(),
			rt.resultsCommand(),
			rt.artifactsCommand(),
			rt.consoleCommand(),
			rt.tailCommand(),
			rt.versionsCommand(),
			rt.sweepCommand(),
			rt.workerCommand(),
			rt.tokenCommand(),
		},
		ExitErrHandler: rt.exitErrHandler,
	}
}

// exitErrHandler 保留 cli.Exit 的退出码，其余按错误分类映射
func (rt *runtime) exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}
	var coder cli.ExitCoder
	if errors.As(err, &coder) {
		if msg := err.Error(); msg != "" {
			fmt.Fprintln(rt.stderr, msg)
		}
		cli.OsExiter(coder.ExitCode())
		return
	}
	fmt.Fprintf(rt.stderr, "Error: %v\n", err)
	cli.OsExiter(exitCodeOf(err))
}

// exitCodeOf 领域错误分类 → 退出码
func exitCodeOf(err error) int {
	switch apperr.KindOf(err) {
	case apperr.KindNotFound:
		return exitNotFound
	case apperr.KindVersionRequired:
		return exitConflict
	case apperr.KindInvalidScope:
		return exitUsage
	case apperr.KindDispatchUnavailable, apperr.KindTransportTimeout:
		return exitUnavailable
	}
	switch {
	case apperr.IsNotFound(err), errors.Is(err, storage.ErrNotFound):
		return exitNotFound
	case errors.Is(err, storage.ErrConflict):
		return exitConflict
	}
	return exitFailure
}
