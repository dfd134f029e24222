package ingest

import (
	"strconv"
	"strings"

	"github.com/tidwall/gjson"

	"mlrun-admin/internal/dispatch"
	"mlrun-admin/internal/shared/model"
)

// successKey 状态/指标描述中的成功标志字段，不作为指标行
const successKey = "success"

// defaultCaseMetric tests.csv 未给出第 7 列时的指标名
const defaultCaseMetric = "accuracy"

// descriptor 一个可选的 JSON 描述文件
type descriptor struct {
	present bool
	raw     string
}

// success 读取描述中的 success 字段
//
// allowNumber 为 true 时非零数值也视为 true（指标描述中常见 success: 1）。
func (d descriptor) success(allowNumber bool) (value, ok bool) {
	if !d.present || !gjson.Valid(d.raw) {
		return false, false
	}
	r := gjson.Get(d.raw, successKey)
	switch {
	case r.Type == gjson.True:
		return true, true
	case r.Type == gjson.False:
		return false, true
	case allowNumber && r.Type == gjson.Number:
		return r.Float() != 0, true
	}
	return false, false
}

// decideSuccess 决定终态
//
// 优先级：status.json 的 success → metrics.json 的 success →
// 两个描述都不存在时为 false → 描述存在但没有 success 字段时以远端退出结果为准。
func decideSuccess(status, metrics descriptor, remote dispatch.Status) bool {
	if v, ok := status.success(false); ok {
		return v
	}
	if v, ok := metrics.success(true); ok {
		return v
	}
	if !status.present && !metrics.present {
		return false
	}
	return remote == dispatch.StatusSucceeded
}

// parseMetrics 顶层数值字段按文档顺序转为指标行；非法 JSON 返回空
func parseMetrics(raw string) []*model.Metric {
	if !gjson.Valid(raw) {
		return nil
	}
	doc := gjson.Parse(raw)
	if !doc.IsObject() {
		return nil
	}
	var rows []*model.Metric
	doc.ForEach(func(key, value gjson.Result) bool {
		if value.Type == gjson.Number && key.String() != successKey {
			rows = append(rows, &model.Metric{Name: key.String(), Value: value.Float()})
		}
		return true
	})
	return rows
}

// parseTestsCSV 解析 tests.csv
//
// 格式：name,category,severity,result,value,threshold[,metric]，首行为表头。
// 不足 6 个字段的行跳过并计数，多余的字段忽略（只读前 7 列），空行忽略。
// 按逗号直接切分，不支持引号转义。
func parseTestsCSV(raw string) (cases []*model.BehaviorTestCaseResult, skipped int) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	if len(lines) == 0 {
		return nil, 0
	}
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		f := strings.Split(line, ",")
		if len(f) < 6 {
			skipped++
			continue
		}
		for i := range f {
			f[i] = strings.TrimSpace(f[i])
		}
		metric := defaultCaseMetric
		if len(f) >= 7 && f[6] != "" {
			metric = f[6]
		}
		cases = append(cases, &model.BehaviorTestCaseResult{
			Name:      f[0],
			Category:  f[1],
			Severity:  f[2],
			Passed:    strings.EqualFold(f[3], "PASS"),
			Skipped:   strings.EqualFold(f[3], "SKIP"),
			Metric:    metric,
			Value:     parseNumber(f[4]),
			Threshold: parseNumber(f[5]),
		})
	}
	return cases, skipped
}

// parseNumber 无法解析时返回 nil（未知），不是 0
func parseNumber(s string) *float64 {
	if s == "" {
		return nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return nil
	}
	return &v
}
