package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"mlrun-admin/internal/apiserver/auth"
	"mlrun-admin/internal/shared/infra"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/queue"
	"mlrun-admin/internal/tail"
	"mlrun-admin/internal/worker"
)

// ============================================================================
// tail
// ============================================================================

func (rt *runtime) tailCommand() *cli.Command {
	return &cli.Command{
		Name:      "tail",
		Usage:     "Follow logs (or live metrics) of a run until it finishes",
		ArgsUsage: "<run-id>",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "metrics", Usage: "Follow partial metrics instead of logs"},
			&cli.BoolFlag{Name: "json", Usage: "Print every event as a JSON line"},
		},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			asJSON := c.Bool("json")
			return rt.withSession(c, func(ctx context.Context, s *session) error {
				events := s.Tailer.TailLog(ctx, id)
				if c.Bool("metrics") {
					events = s.Tailer.TailMetrics(ctx, id)
				}
				for ev, err := range events {
					if err != nil {
						if errors.Is(err, context.Canceled) {
							return nil
						}
						return err
					}
					if err := rt.printEvent(ev, asJSON); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
}

func (rt *runtime) printEvent(ev tail.Event, asJSON bool) error {
	if asJSON {
		return json.NewEncoder(rt.stdout).Encode(ev)
	}
	switch ev.Type {
	case tail.EventLog:
		_, err := fmt.Fprint(rt.stdout, ev.Data)
		return err
	case tail.EventMetrics:
		_, err := fmt.Fprintln(rt.stdout, strings.TrimSpace(ev.Data))
		return err
	case tail.EventWaiting:
		fmt.Fprintln(rt.stderr, "waiting for artifacts...")
	case tail.EventDone:
		fmt.Fprintln(rt.stderr, "run finished")
	}
	return nil
}

// ============================================================================
// sweep
// ============================================================================

func (rt *runtime) sweepCommand() *cli.Command {
	return &cli.Command{
		Name:  "sweep",
		Usage: "Advance every running run (once, or periodically until interrupted)",
		Flags: []cli.Flag{
			formatFlag,
			&cli.BoolFlag{Name: "once", Usage: "Run a single pass and print stats"},
		},
		Action: func(c *cli.Context) error {
			if !c.Bool("once") {
				return rt.withSession(c, func(ctx context.Context, s *session) error {
					err := s.Sweeper.Run(ctx)
					if errors.Is(err, context.Canceled) {
						return nil
					}
					return err
				})
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				stats, err := s.Sweeper.SweepOnce(ctx)
				if err != nil {
					return nil, err
				}
				return map[string]int{
					"active":   stats.Active,
					"finished": stats.Finished,
					"errors":   stats.Errors,
				}, nil
			})
		},
	}
}

// ============================================================================
// worker
// ============================================================================

func (rt *runtime) workerCommand() *cli.Command {
	return &cli.Command{
		Name:  "worker",
		Usage: "Consume dispatched commands from Redis and execute them on this machine",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "ref", Usage: "Worker reference (default: derived from hostname and machine-id)", EnvVars: []string{"WORKER_REF"}},
			&cli.StringSliceFlag{Name: "owner", Usage: "Accept only these owners (repeatable; default: any)"},
			&cli.IntFlag{Name: "capacity", Value: 1, Usage: "Concurrent commands"},
			&cli.DurationFlag{Name: "heartbeat", Value: 10 * time.Second},
			&cli.StringFlag{Name: "metrics-addr", Usage: "Serve Prometheus metrics on this address (e.g. :9102)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := rt.loadConfig(c)
			if err != nil {
				return err
			}
			logger := rt.logger(cfg, "worker")
			defer logger.Sync()

			if !cfg.Redis.Enabled {
				return cli.Exit("worker requires redis (set redis.enabled or REDIS_URL)", exitUsage)
			}
			r, err := infra.NewRedisInfra(cfg.RedisURL, cfg.Dispatcher.Queue, logger)
			if err != nil {
				return err
			}
			defer r.Close()

			ref := c.String("ref")
			if ref == "" {
				ref = worker.DefaultRef()
			}
			reg := prometheus.NewRegistry()
			w, err := worker.New(r.Queue(), r.Cache(), worker.Options{
				Ref:       ref,
				Owners:    c.StringSlice("owner"),
				Capacity:  c.Int("capacity"),
				Heartbeat: c.Duration("heartbeat"),
			}, worker.NewMetrics("mlrun_worker", ref, reg), logger)
			if err != nil {
				return err
			}

			if addr := c.String("metrics-addr"); addr != "" {
				srv := &http.Server{Addr: addr, Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						logger.Error("worker.metrics.serve_failed", zap.Error(err))
					}
				}()
				defer srv.Close()
			}
			logger.Info("worker.consuming", zap.String("stream", queue.WorkerCommandsKey(ref)), zap.String("config", cfg.String()))
			return w.Run(c.Context)
		},
	}
}

// ============================================================================
// token
// ============================================================================

func (rt *runtime) tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "Mint an API access token signed with JWT_SECRET",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "subject", Aliases: []string{"sub"}, Usage: "Token subject (default: current user)"},
			&cli.BoolFlag{Name: "authority", Usage: "Grant the authority role"},
			&cli.DurationFlag{Name: "ttl", Usage: "Token lifetime (default: auth.access_token_ttl)"},
			&cli.StringFlag{Name: "secret", Usage: "Signing secret (default: JWT_SECRET)"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := rt.loadConfig(c)
			if err != nil {
				return err
			}
			authCfg := auth.Config{JWTSecret: cfg.Auth.JWTSecret, AccessTokenTTL: cfg.Auth.TokenTTL()}
			if v := c.String("secret"); v != "" {
				authCfg.JWTSecret = v
			}
			if v := c.Duration("ttl"); v > 0 {
				authCfg.AccessTokenTTL = v
			}
			if !authCfg.Enabled() {
				return cli.Exit("no signing secret: set JWT_SECRET or --secret", exitUsage)
			}

			subject := c.String("subject")
			if subject == "" {
				subject = currentUser()
			}
			role := model.RoleScoped
			if c.Bool("authority") {
				role = model.RoleAuthority
			}
			tok, err := auth.GenerateAccessToken(authCfg, subject, role)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(rt.stdout, tok)
			return err
		},
	}
}
