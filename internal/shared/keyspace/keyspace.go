// Package keyspace 对象存储键命名空间
//
// 所有产物键都由这里计算，布局如下：
//
//	<owner>/<project>/artifacts/versions/<version>/runs/<run_id>/...     运行产物（远端作业写入）
//	<owner>/<project>/artifacts/versions/<version>/results/<run_id>/...  镜像副本（摄取后写入）
//
// 版本目录只是键前缀约定，不是存储实体。
package keyspace

import (
	"regexp"
	"strconv"
	"strings"

	"mlrun-admin/internal/shared/apperr"
)

// 产物文件名
const (
	StatusFile          = "status.json"
	MetricsFile         = "metrics.json"
	PartialMetricsFile  = "partial_metrics.json"
	TestsFile           = "tests.csv"
	ConfusionMatrixFile = "confusion_matrix.png"
	LogsFile            = "logs.txt"
	ManifestFile        = "manifest.json"
)

// CanonicalFiles 运行产物的标准文件集合（镜像按此顺序复制）
var CanonicalFiles = []string{
	StatusFile,
	MetricsFile,
	TestsFile,
	ConfusionMatrixFile,
	LogsFile,
	ManifestFile,
}

// GraphCandidates 图表候选文件（名称 → 相对路径）
var GraphCandidates = []struct {
	Name string
	Path string
}{
	{"loss_curve", "graphs/loss_curve.png"},
	{"accuracy_curve", "graphs/accuracy_curve.png"},
	{"confusion_matrix", "graphs/confusion_matrix.png"},
	{"confusion_matrix_final", ConfusionMatrixFile},
}

const (
	artifactsSegment = "artifacts"
	versionsSegment  = "versions"
	runsSegment      = "runs"
	resultsSegment   = "results"
)

var multiSlash = regexp.MustCompile(`/{2,}`)

// Join 拼接键片段
//
// 每个片段去掉首尾空白和首尾 "/"，片段内部的连续 "/" 折叠为一个，空片段跳过。
// 对已规范化的输入幂等，且满足结合律：Join(Join(a, b), c) == Join(a, Join(b, c))。
func Join(parts ...string) string {
	segs := make([]string, 0, len(parts))
	for _, p := range parts {
		p = multiSlash.ReplaceAllString(strings.TrimSpace(p), "/")
		p = strings.Trim(p, "/")
		if p == "" {
			continue
		}
		segs = append(segs, p)
	}
	return strings.Join(segs, "/")
}

// ProjectRoot <owner>/<project>
func ProjectRoot(owner, project string) (string, error) {
	if strings.TrimSpace(owner) == "" {
		return "", apperr.InvalidScope("owner is required")
	}
	if strings.TrimSpace(project) == "" {
		return "", apperr.InvalidScope("project is required")
	}
	return Join(owner, project), nil
}

// VersionsBase <owner>/<project>/artifacts/versions
func VersionsBase(owner, project string) (string, error) {
	root, err := ProjectRoot(owner, project)
	if err != nil {
		return "", err
	}
	return Join(root, artifactsSegment, versionsSegment), nil
}

// VersionRoot <owner>/<project>/artifacts/versions/<version>
//
// 版本为空时返回 VersionRequired，这是版本约束的主要检查点。
func VersionRoot(owner, project, version string) (string, error) {
	base, err := VersionsBase(owner, project)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(version) == "" {
		return "", apperr.VersionRequired("version label is required for %s/%s", owner, project)
	}
	if strings.Contains(strings.Trim(version, "/ "), "/") {
		return "", apperr.InvalidScope("version label %q must be a single path segment", version)
	}
	return Join(base, version), nil
}

// ArtifactsPrefix 运行产物前缀 <versionRoot>/runs/<runID>
func ArtifactsPrefix(versionRoot, runID string) string {
	return Join(versionRoot, runsSegment, runID)
}

// MirrorPrefix 镜像前缀 <versionRoot>/results/<runID>
func MirrorPrefix(versionRoot, runID string) string {
	return Join(versionRoot, resultsSegment, runID)
}

// ArtifactKey 前缀下的文件键
func ArtifactKey(prefix, name string) string {
	return Join(prefix, name)
}

// DirPrefix 列举用前缀，保证以 "/" 结尾，避免 run-1 匹配到 run-10
func DirPrefix(prefix string) string {
	p := Join(prefix)
	if p == "" {
		return ""
	}
	return p + "/"
}

// RelativeName 去掉前缀得到相对文件名
func RelativeName(prefix, key string) string {
	return strings.TrimPrefix(key, DirPrefix(prefix))
}

// VersionRootOf 从运行产物前缀反推版本目录
func VersionRootOf(artifactsPrefix string) string {
	p := Join(artifactsPrefix)
	i := strings.LastIndex(p, "/"+runsSegment+"/")
	if i < 0 {
		return ""
	}
	return p[:i]
}

var versionLabelRe = regexp.MustCompile(`^v(\d+)$`)

// ParseVersionLabel 解析 vN 形式的版本标签
func ParseVersionLabel(label string) (int, bool) {
	m := versionLabelRe.FindStringSubmatch(strings.TrimSpace(label))
	if m == nil {
		return 0, false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return 0, false
	}
	return n, true
}
