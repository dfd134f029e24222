package ingest

import (
	"context"

	"go.uber.org/zap"

	"mlrun-admin/internal/shared/keyspace"
	"mlrun-admin/internal/shared/model"
	"mlrun-admin/internal/shared/objstore"
)

// Mirror 把标准产物复制到 <versionRoot>/results/<run_id>
//
// 单个文件失败只记录，不中断其余文件。结果状态：
//   - skipped：无法推导版本目录，或没有任何产物可复制
//   - failed：至少一个文件复制失败
//   - succeeded：其余情况
func Mirror(ctx context.Context, objects objstore.Store, run *model.Run, logger *zap.Logger) *model.MirrorOutcome {
	versionRoot := keyspace.VersionRootOf(run.ArtifactsPrefix)
	if versionRoot == "" {
		logger.Warn("ingest.mirror.skipped", zap.String("run_id", run.ID), zap.String("prefix", run.ArtifactsPrefix))
		return &model.MirrorOutcome{Status: model.MirrorSkipped}
	}

	out := &model.MirrorOutcome{TargetPrefix: keyspace.MirrorPrefix(versionRoot, run.ID)}
	for _, name := range keyspace.CanonicalFiles {
		src := keyspace.ArtifactKey(run.ArtifactsPrefix, name)
		dst := keyspace.ArtifactKey(out.TargetPrefix, name)

		ok, err := objects.Exists(ctx, src)
		if err != nil {
			logger.Warn("ingest.mirror.stat.failed", zap.String("run_id", run.ID), zap.String("key", src), zap.Error(err))
			out.Failed = append(out.Failed, name)
			continue
		}
		if !ok {
			out.Missing = append(out.Missing, name)
			continue
		}
		if err := objects.Copy(ctx, src, dst); err != nil {
			logger.Warn("ingest.mirror.copy.failed", zap.String("run_id", run.ID), zap.String("key", src), zap.Error(err))
			out.Failed = append(out.Failed, name)
			continue
		}
		out.Copied = append(out.Copied, name)
	}

	switch {
	case len(out.Failed) > 0:
		out.Status = model.MirrorFailed
	case len(out.Copied) == 0:
		out.Status = model.MirrorSkipped
	default:
		out.Status = model.MirrorSucceeded
	}
	logger.Info("ingest.mirror.done",
		zap.String("run_id", run.ID),
		zap.String("status", string(out.Status)),
		zap.Int("copied", len(out.Copied)),
		zap.Int("failed", len(out.Failed)))
	return out
}
