package orchestrator

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"mlrun-admin/internal/shared/apperr"
	"mlrun-admin/internal/shared/keyspace"
)

// ListVersions 列出项目下已存在的版本标签
//
// vN 形式的标签按 N 升序排在前面，其余按字典序排在后面。只读，Start 不会使用。
func (o *Orchestrator) ListVersions(ctx context.Context, owner, project string) ([]string, error) {
	base, err := keyspace.VersionsBase(owner, project)
	if err != nil {
		return nil, err
	}
	dir := keyspace.DirPrefix(base)
	keys, err := o.objects.ListKeys(ctx, dir)
	if err != nil {
		return nil, fmt.Errorf("list versions of %s/%s: %w", owner, project, err)
	}

	seen := make(map[string]struct{})
	var labels []string
	for _, key := range keys {
		label, _, ok := strings.Cut(strings.TrimPrefix(key, dir), "/")
		if !ok || label == "" {
			continue
		}
		if _, dup := seen[label]; dup {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
	}
	sortVersionLabels(labels)
	return labels, nil
}

// LatestVersion 最大的 vN 标签；没有 vN 标签时返回 NotFound
func (o *Orchestrator) LatestVersion(ctx context.Context, owner, project string) (string, error) {
	labels, err := o.ListVersions(ctx, owner, project)
	if err != nil {
		return "", err
	}
	latest, best := "", -1
	for _, l := range labels {
		if n, ok := keyspace.ParseVersionLabel(l); ok && n > best {
			latest, best = l, n
		}
	}
	if latest == "" {
		return "", apperr.NotFound("no versions for %s/%s", owner, project)
	}
	return latest, nil
}

func sortVersionLabels(labels []string) {
	sort.SliceStable(labels, func(i, j int) bool {
		ni, oki := keyspace.ParseVersionLabel(labels[i])
		nj, okj := keyspace.ParseVersionLabel(labels[j])
		switch {
		case oki && okj:
			return ni < nj
		case oki != okj:
			return oki
		}
		return labels[i] < labels[j]
	})
}
