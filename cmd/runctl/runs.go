package main

import (
	"context"
	"fmt"

	"github.com/urfave/cli/v2"

	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/model"
)

var formatFlag = &cli.StringFlag{
	Name:    "format",
	Aliases: []string{"f"},
	Usage:   "Output format: json, table, yaml",
}

// runIDArg 取第一个位置参数作为 run ID
func runIDArg(c *cli.Context) (string, error) {
	id := c.Args().First()
	if id == "" {
		return "", cli.Exit("run ID is required", exitUsage)
	}
	return id, nil
}

// render 在 session 中取数据并输出
func (rt *runtime) render(c *cli.Context, fetch func(ctx context.Context, s *session) (any, error)) error {
	r, err := newRenderer(c, rt.stdout)
	if err != nil {
		return err
	}
	return rt.withSession(c, func(ctx context.Context, s *session) error {
		data, err := fetch(ctx, s)
		if err != nil {
			return err
		}
		return r.Render(data)
	})
}

func (rt *runtime) startCommand() *cli.Command {
	return &cli.Command{
		Name:      "start",
		Usage:     "Dispatch a new run",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			formatFlag,
			&cli.StringFlag{Name: "owner", Required: true},
			&cli.StringFlag{Name: "project", Required: true},
			&cli.StringFlag{Name: "version", Usage: "Dataset version; scoped callers may only use existing versions"},
			&cli.StringFlag{Name: "task", Required: true},
			&cli.BoolFlag{Name: "authority", Usage: "Act as an authority caller"},
			&cli.StringFlag{Name: "as", Usage: "Caller subject (default: current user)"},
		},
		Action: func(c *cli.Context) error {
			subject := c.String("as")
			if subject == "" {
				subject = currentUser()
			}
			caller := model.ScopedCaller(subject)
			if c.Bool("authority") {
				caller = model.AuthorityCaller(subject)
			}
			req := orchestrator.StartRequest{
				Owner:   c.String("owner"),
				Project: c.String("project"),
				Version: c.String("version"),
				Task:    c.String("task"),
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				r, err := s.Runs.Start(ctx, caller, req)
				if err != nil {
					return nil, err
				}
				return runDetail{r}, nil
			})
		},
	}
}

func (rt *runtime) getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Show a run",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				r, err := s.Runs.GetRun(ctx, id)
				if err != nil {
					return nil, err
				}
				return runDetail{r}, nil
			})
		},
	}
}

func (rt *runtime) listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "List runs, newest first",
		Flags: []cli.Flag{
			formatFlag,
			&cli.StringFlag{Name: "owner"},
			&cli.StringFlag{Name: "project"},
			&cli.StringFlag{Name: "version"},
			&cli.StringFlag{Name: "task"},
			&cli.IntFlag{Name: "limit", Value: 50, Usage: "Maximum number of runs (0 = no limit)"},
		},
		Action: func(c *cli.Context) error {
			if c.Int("limit") < 0 {
				return cli.Exit("--limit must be >= 0", exitUsage)
			}
			filter := model.RunFilter{
				Owner:   c.String("owner"),
				Project: c.String("project"),
				Version: c.String("version"),
				Task:    c.String("task"),
				Limit:   c.Int("limit"),
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				runs, err := s.Runs.ListRuns(ctx, filter)
				if err != nil {
					return nil, err
				}
				if runs == nil {
					runs = []*model.Run{}
				}
				return runList(runs), nil
			})
		},
	}
}

func (rt *runtime) advanceCommand() *cli.Command {
	return &cli.Command{
		Name:      "advance",
		Usage:     "Poll a running run once and ingest its results when finished",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				r, err := s.Runs.Advance(ctx, id)
				if err != nil {
					return nil, err
				}
				return runDetail{r}, nil
			})
		},
	}
}

func (rt *runtime) reingestCommand() *cli.Command {
	return &cli.Command{
		Name:      "reingest",
		Usage:     "Re-read artifacts of a finished run and rebuild its results",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				return s.Runs.Reingest(ctx, id)
			})
		},
	}
}

func (rt *runtime) resultsCommand() *cli.Command {
	return &cli.Command{
		Name:      "results",
		Usage:     "Show ingested metrics and test cases",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				res, err := s.Runs.Results(ctx, id)
				if err != nil {
					return nil, err
				}
				return resultsView{res}, nil
			})
		},
	}
}

func (rt *runtime) artifactsCommand() *cli.Command {
	return &cli.Command{
		Name:      "artifacts",
		Usage:     "List artifacts with time-limited read URLs",
		ArgsUsage: "<run-id>",
		Flags:     []cli.Flag{formatFlag},
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				items, err := s.Runs.ListArtifacts(ctx, id)
				if err != nil {
					return nil, err
				}
				if items == nil {
					items = []model.ArtifactView{}
				}
				return artifactList(items), nil
			})
		},
	}
}

func (rt *runtime) consoleCommand() *cli.Command {
	return &cli.Command{
		Name:      "console",
		Usage:     "Print remote stdout/stderr of a run",
		ArgsUsage: "<run-id>",
		Action: func(c *cli.Context) error {
			id, err := runIDArg(c)
			if err != nil {
				return err
			}
			return rt.withSession(c, func(ctx context.Context, s *session) error {
				text, err := s.Runs.Console(ctx, id)
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(rt.stdout, text)
				return err
			})
		},
	}
}

func (rt *runtime) versionsCommand() *cli.Command {
	return &cli.Command{
		Name:      "versions",
		Usage:     "List dataset versions of a project",
		ArgsUsage: "<owner> <project>",
		Flags: []cli.Flag{
			formatFlag,
			&cli.BoolFlag{Name: "latest", Usage: "Only print the latest version"},
		},
		Action: func(c *cli.Context) error {
			owner, project := c.Args().Get(0), c.Args().Get(1)
			if owner == "" || project == "" {
				return cli.Exit("owner and project are required", exitUsage)
			}
			return rt.render(c, func(ctx context.Context, s *session) (any, error) {
				if c.Bool("latest") {
					v, err := s.Runs.LatestVersion(ctx, owner, project)
					if err != nil {
						return nil, err
					}
					return versionList{v}, nil
				}
				vs, err := s.Runs.ListVersions(ctx, owner, project)
				if err != nil {
					return nil, err
				}
				if vs == nil {
					vs = []string{}
				}
				return versionList(vs), nil
			})
		},
	}
}
