package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"imgcat/internal/compress"
	"imgcat/internal/diag"
	"imgcat/internal/naming"
	"imgcat/internal/sidecar"
	"imgcat/pkg/contract"
)

// ReconcileComponents 为就地压缩输出目录所需的组件。
type ReconcileComponents struct {
	Reader     contract.Reader // 以受支持扩展名列出输出目录中的图片
	Compressor *compress.Compressor
	Store      Store
}

// ReconcileSummary 为一次就地压缩的统计。
type ReconcileSummary struct {
	Scanned         int
	Converted       int
	Skipped         int // 已是 .webp
	Failed          int
	SidecarsUpdated int
	Orphans         int // 找不到 sidecar 的图片
}

// Reconcile 将输出目录中尚未压缩的图片就地转为 WebP，并同步更新其 sidecar 的 filename。
// 已是 .webp 的图片跳过，因此重复执行是幂等的。单张失败记录后跳过。
func Reconcile(ctx context.Context, comp ReconcileComponents, dir string, format sidecar.Format, logger *diag.Logger, term *diag.Terminal) (ReconcileSummary, error) {
	var sum ReconcileSummary
	if comp.Reader == nil || comp.Compressor == nil || comp.Store == nil {
		return sum, fmt.Errorf("reconcile: %w: missing component", contract.ErrConfiguration)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return sum, err
	}
	rtimer := logger.Start("reconcile", "run")
	index, err := sidecar.BuildIndex(dir, logger)
	if err != nil {
		return sum, fmt.Errorf("reconcile index: %w", err)
	}
	images, err := comp.Reader.List(ctx, dir)
	if err != nil {
		return sum, fmt.Errorf("reconcile list: %w", err)
	}
	sum.Scanned = len(images)
	if len(images) == 0 {
		term.Notice("compress", fmt.Sprintf("输出目录 %s 中没有图片", dir))
		rtimer.Finish("no images", 0)
		return sum, nil
	}
	reserved := naming.NewReservedSet()
	for _, img := range images {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if strings.EqualFold(filepath.Ext(img.Name), compress.OutputExt) {
			sum.Skipped++
			continue
		}
		out, updated, err := reconcileOne(ctx, comp, dir, img, index, reserved, format)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			sum.Failed++
			logger.ErrorWith("reconcile", string(diag.Classify(err)), err.Error(), nil, img.Name)
			term.Notice("skip", fmt.Sprintf("%s: %s", img.Name, err.Error()))
			continue
		}
		sum.Converted++
		if updated {
			sum.SidecarsUpdated++
		} else {
			sum.Orphans++
			logger.Warn("reconcile", "no sidecar for image", img.Name, nil)
		}
		term.Notice("compress", fmt.Sprintf("%s → %s", img.Name, out))
	}
	logger.Info("reconcile", "summary", map[string]string{
		"scanned":   strconv.Itoa(sum.Scanned),
		"converted": strconv.Itoa(sum.Converted),
		"skipped":   strconv.Itoa(sum.Skipped),
		"failed":    strconv.Itoa(sum.Failed),
		"sidecars":  strconv.Itoa(sum.SidecarsUpdated),
	})
	rtimer.Finish("run", int64(sum.Converted))
	return sum, nil
}

// reconcileOne: 压缩 → 删除原图 → 改写 sidecar（新基名）→ 删除旧 sidecar。
func reconcileOne(ctx context.Context, comp ReconcileComponents, dir string, img contract.Source, index *sidecar.Index, reserved naming.ReservedSet, format sidecar.Format) (string, bool, error) {
	stem := naming.Stem(img.Name)
	entry, owned := index.Owned(dir, img.Name)
	// 本图自身的旧 sidecar 即将被替换，分配时视为不存在
	var ignore []string
	if owned {
		ignore = append(ignore, filepath.Base(entry.Path))
	}
	res, err := comp.Compressor.Compress(ctx, img.Path, dir, stem, reserved, ignore...)
	if err != nil {
		return "", false, err
	}
	reserved.Add(res.Stem)
	if res.Filename != img.Name {
		if err := comp.Store.Remove(ctx, contract.ArtifactID(img.Name)); err != nil {
			return res.Filename, false, fmt.Errorf("remove original: %w", err)
		}
	}
	if !owned {
		return res.Filename, false, nil
	}
	sc := entry.Sidecar
	sc.Filename = res.Filename
	id, err := sidecar.Save(ctx, comp.Store, sc, format)
	if err != nil {
		return res.Filename, false, fmt.Errorf("%w: rewrite sidecar: %w", contract.ErrPersistFailed, err)
	}
	index.Replace(entry, filepath.Join(dir, string(id)), sc)
	if old := filepath.Base(entry.Path); old != string(id) {
		if err := comp.Store.Remove(ctx, contract.ArtifactID(old)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return res.Filename, true, fmt.Errorf("remove old sidecar: %w", err)
		}
	}
	return res.Filename, true, nil
}
