// Package main API Server 入口
//
// 提供运行编排 HTTP API，并在后台周期推进所有 running 状态的 Run。
package main

import (
	"context"
	"errors"
	"flag"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/apiserver/server"
	"mlrun-admin/internal/app"
	"mlrun-admin/internal/config"
	"mlrun-admin/internal/tlsutil"
	"mlrun-admin/pkg/logging"
)

func main() {
	configDir := flag.String("config", "", "config directory (overrides CONFIG_DIR)")
	noSweep := flag.Bool("no-sweep", false, "disable the background sweeper")
	flag.Parse()
	if *configDir != "" {
		config.SetConfigDir(*configDir)
	}

	cfg, err := config.Load()
	if err != nil {
		logging.Default("api-server").Fatal("config.load.failed", zap.Error(err))
	}
	logger, err := logging.New(logging.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		Output:    cfg.Log.Output,
		Component: "api-server",
	})
	if err != nil {
		logging.Default("api-server").Fatal("logger.init.failed", zap.Error(err))
	}
	defer logger.Sync()

	logger.Info("api-server.starting",
		zap.String("env", string(cfg.Env)),
		zap.String("config", cfg.String()),
		zap.String("config_file", cfg.ConfigFilePath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("app.build.failed", zap.Error(err))
	}
	defer a.Close()

	if !(auth.Config{JWTSecret: cfg.Auth.JWTSecret}).Enabled() {
		logger.Warn("auth.disabled", zap.String("hint", "set JWT_SECRET; all callers are treated as scoped"))
	}

	h := server.NewHandler(server.Deps{
		Runs:     a.Orchestrator,
		Tailer:   a.Tailer,
		Events:   a.Infra.EventBus,
		Auth:     auth.Config{JWTSecret: cfg.Auth.JWTSecret, AccessTokenTTL: cfg.Auth.TokenTTL()},
		Registry: a.Registry,
		Checks: map[string]server.Pinger{
			"ledger": a.Ledger,
			"redis":  server.PingFunc(a.PingRedis),
		},
	}, logger)

	if !*noSweep {
		go func() {
			if err := a.Sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("sweeper.stopped", zap.Error(err))
			}
		}()
	}

	srv := &http.Server{
		Addr:        ":" + cfg.APIPort,
		Handler:     h.Router(),
		ReadTimeout: 15 * time.Second,
		// SSE/WebSocket 长连接，不设置 WriteTimeout
		IdleTimeout: 60 * time.Second,
		ErrorLog:    newServerErrorLog(logger),
	}

	go func() {
		<-ctx.Done()
		logger.Info("api-server.shutting_down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("api-server.shutdown.failed", zap.Error(err))
		}
	}()

	if err := serve(srv, cfg.TLS, logger); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("api-server.serve.failed", zap.Error(err))
	}
	logger.Info("api-server.stopped")
}

// serve 按配置选择 HTTP 或 HTTPS
func serve(srv *http.Server, tc config.TLSConfig, logger *zap.Logger) error {
	if !tc.Enabled {
		logger.Info("api-server.listening", zap.String("addr", srv.Addr), zap.Bool("tls", false))
		return srv.ListenAndServe()
	}

	files := tlsutil.FilesIn(tc.CertDir)
	if tc.AutoGenerate {
		var err error
		files, err = tlsutil.Ensure(tlsutil.Options{Dir: tc.CertDir, Hosts: tc.Hosts}, logger)
		if err != nil {
			return err
		}
		srv.Handler = withCACertEndpoint(srv.Handler, files.CAFile, logger)
	}
	tlsCfg, err := files.ServerConfig()
	if err != nil {
		return err
	}
	srv.TLSConfig = tlsCfg

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	logger.Info("api-server.listening", zap.String("addr", srv.Addr), zap.Bool("tls", true))
	return srv.ServeTLS(&httpOnTLSListener{Listener: ln}, "", "")
}
