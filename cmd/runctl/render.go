package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"mlrun-admin/internal/orchestrator"
	"mlrun-admin/internal/shared/model"
)

// Format 输出格式
type Format string

const (
	FormatJSON  Format = "json"
	FormatTable Format = "table"
	FormatYAML  Format = "yaml"
)

// ParseFormat 空串表示由调用方按终端类型决定
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "table":
		return FormatTable, nil
	case "yaml":
		return FormatYAML, nil
	case "":
		return "", nil
	default:
		return "", fmt.Errorf("invalid format: %q (must be json, table, or yaml)", s)
	}
}

// tabular 可以按表格输出的视图
type tabular interface {
	header() []string
	rows() [][]string
}

// Renderer 统一输出
type Renderer struct {
	format Format
	out    io.Writer
}

// newRenderer 终端默认 table，管道默认 json
func newRenderer(c *cli.Context, out io.Writer) (*Renderer, error) {
	format, err := ParseFormat(c.String("format"))
	if err != nil {
		return nil, cli.Exit(err.Error(), exitUsage)
	}
	if format == "" {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && isTTY(f) {
			format = FormatTable
		}
	}
	return &Renderer{format: format, out: out}, nil
}

func isTTY(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

// Render 按格式输出；table 格式下非 tabular 的值退化为 yaml
func (r *Renderer) Render(data any) error {
	switch r.format {
	case FormatTable:
		if t, ok := data.(tabular); ok {
			return r.renderTable(t)
		}
		return r.renderYAML(data)
	case FormatYAML:
		return r.renderYAML(data)
	default:
		return r.renderJSON(data)
	}
}

func (r *Renderer) renderJSON(data any) error {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

func (r *Renderer) renderYAML(data any) error {
	// 经 JSON 中转，字段名与 API 保持一致
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := yaml.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(r.out)
	enc.SetIndent(2)
	defer enc.Close()
	return enc.Encode(generic)
}

func (r *Renderer) renderTable(t tabular) error {
	rows := t.rows()
	if len(rows) == 0 {
		fmt.Fprintln(r.out, "(no results)")
		return nil
	}
	w := tabwriter.NewWriter(r.out, 0, 0, 2, ' ', 0)
	if h := t.header(); len(h) > 0 {
		fmt.Fprintln(w, strings.Join(h, "\t"))
	}
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	return w.Flush()
}

// ============================================================================
// 视图
// ============================================================================

type runList []*model.Run

func (runList) header() []string {
	return []string{"ID", "OWNER", "PROJECT", "VERSION", "TASK", "STATE", "WORKER", "CREATED"}
}

func (l runList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, r := range l {
		out = append(out, []string{
			r.ID, r.Owner, r.Project, deref(r.Version), r.Task,
			string(r.State), r.WorkerRef, r.CreatedAt.Format(time.RFC3339),
		})
	}
	return out
}

func (l runList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]*model.Run(l))
}

// runDetail 单个 run 的键值视图
type runDetail struct{ *model.Run }

func (runDetail) header() []string { return nil }

func (d runDetail) rows() [][]string {
	r := d.Run
	rows := [][]string{
		{"id:", r.ID},
		{"owner:", r.Owner},
		{"project:", r.Project},
		{"version:", deref(r.Version)},
		{"task:", r.Task},
		{"state:", string(r.State)},
		{"worker:", r.WorkerRef},
		{"handle:", r.CommandHandle},
		{"artifacts:", r.ArtifactsPrefix},
		{"created:", r.CreatedAt.Format(time.RFC3339)},
	}
	if r.MirrorStatus != "" {
		rows = append(rows, []string{"mirror:", string(r.MirrorStatus)})
	}
	if r.StartedAt != nil {
		rows = append(rows, []string{"started:", r.StartedAt.Format(time.RFC3339)})
	}
	if r.FinishedAt != nil {
		rows = append(rows, []string{"finished:", r.FinishedAt.Format(time.RFC3339)})
	}
	return rows
}

func (d runDetail) MarshalJSON() ([]byte, error) { return json.Marshal(d.Run) }

type resultsView struct{ *orchestrator.RunResults }

func (resultsView) header() []string {
	return []string{"KIND", "NAME", "CATEGORY", "SEVERITY", "STATUS", "VALUE", "THRESHOLD"}
}

func (v resultsView) rows() [][]string {
	var out [][]string
	for _, m := range v.Metrics {
		out = append(out, []string{"metric", m.Name, "", "", "", formatFloat(m.Value), ""})
	}
	for _, tc := range v.TestCases {
		out = append(out, []string{
			"test", tc.Name, tc.Category, tc.Severity, testStatus(tc),
			formatFloatPtr(tc.Value), formatFloatPtr(tc.Threshold),
		})
	}
	return out
}

func (v resultsView) MarshalJSON() ([]byte, error) { return json.Marshal(v.RunResults) }

func testStatus(tc *model.BehaviorTestCaseResult) string {
	switch {
	case tc.Skipped:
		return "SKIP"
	case tc.Passed:
		return "PASS"
	default:
		return "FAIL"
	}
}

type artifactList []model.ArtifactView

func (artifactList) header() []string { return []string{"NAME", "CONTENT-TYPE", "URL"} }

func (l artifactList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, a := range l {
		out = append(out, []string{a.Name, a.ContentType, a.URL})
	}
	return out
}

func (l artifactList) MarshalJSON() ([]byte, error) {
	return json.Marshal([]model.ArtifactView(l))
}

type versionList []string

func (versionList) header() []string { return []string{"VERSION"} }

func (l versionList) rows() [][]string {
	out := make([][]string, 0, len(l))
	for _, v := range l {
		out = append(out, []string{v})
	}
	return out
}

func (l versionList) MarshalJSON() ([]byte, error) { return json.Marshal([]string(l)) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

func formatFloatPtr(f *float64) string {
	if f == nil {
		return ""
	}
	return formatFloat(*f)
}
