package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"imgcat/internal/compress"
	"imgcat/internal/diag"
	"imgcat/internal/naming"
	"imgcat/internal/prompt"
	"imgcat/internal/rate"
	"imgcat/internal/sidecar"
	"imgcat/pkg/contract"
)

// - 单线程顺序处理：输入按文件名字典序逐张推进，不起并发。
// - 单张状态机：Pending → Annotating → Annotated → Compressing → Compressed → Persisted；
//   标注失败交由失败策略，压缩失败回退为移动原图，持久化失败回滚孤立 sidecar。
// - 命名：ReservedSet 由单次运行持有，输出基名在写 sidecar 前登记。

// Store 为输出目录的写入端：sidecar 写入、原图移动、回滚删除。
type Store interface {
	contract.Writer
	contract.Mover
	contract.Remover
}

// Components 聚合运行所需的组件。
type Components struct {
	Reader      contract.Reader
	Annotator   contract.Annotator
	Decoder     contract.Decoder
	Compressor  *compress.Compressor // 未启用压缩时可为空
	Store       Store
	Instruction *prompt.Instruction
	// 限流闸门（可选）：若非空，则在调用注释器前调用 Gate.Wait
	Gate    rate.Gate
	GateKey rate.LimitKey
}

// FailureMode 为标注失败后的处理策略。
type FailureMode string

const (
	// StopOnConsecutive: 放弃当前图片，连续失败达到阈值后停止运行。
	StopOnConsecutive FailureMode = "stop_on_consecutive"
	// RetryEveryMinute: 等待固定时长后重试同一图片，不设上限。
	RetryEveryMinute FailureMode = "retry_every_minute"
)

const (
	DefaultMaxConsecutiveFailures = 3
	DefaultRetryDelay             = 60 * time.Second
	DefaultPreviewTags            = 5
)

// SleepFunc 等待 d 或 ctx 取消。
type SleepFunc func(ctx context.Context, d time.Duration) error

// Settings 运行期配置（最小必要）。
type Settings struct {
	InputDir               string
	OutputDir              string
	FailureMode            FailureMode
	MaxConsecutiveFailures int
	RetryDelay             time.Duration
	CompressionEnabled     bool
	SidecarFormat          sidecar.Format
	PreviewTags            int
	// AnnotatorName 仅用于终端/日志展示。
	AnnotatorName string
	// Verbose: 以 debug 级别记录注释器原始响应。
	Verbose bool
	// Sleep 可注入（测试）；为空时使用可取消的计时器。
	Sleep SleepFunc
}

// Summary 为一次运行的结果统计。
type Summary struct {
	Total           int
	Succeeded       int
	Failed          int
	Processed       int  // 停止时为 idx - 连续失败数；否则为已到达终态的图片数
	Halted          bool // 连续失败达到阈值而停止
	Remaining       int  // 结束时仍留在输入目录的受支持图片数（重新扫描）
	Fallbacks       int  // 压缩失败回退为移动原图的次数
	PersistFailures int
}

func (s *Settings) normalize(logger *diag.Logger, term *diag.Terminal) {
	switch s.FailureMode {
	case StopOnConsecutive, RetryEveryMinute:
	case "":
		s.FailureMode = RetryEveryMinute
	default:
		logger.Warn("ingest", "unknown failure_mode, using retry_every_minute", "", map[string]string{"mode": string(s.FailureMode)})
		term.Notice("warn", fmt.Sprintf("未知 failure_mode %q，改用 %s", s.FailureMode, RetryEveryMinute))
		s.FailureMode = RetryEveryMinute
	}
	if s.MaxConsecutiveFailures <= 0 {
		s.MaxConsecutiveFailures = DefaultMaxConsecutiveFailures
	}
	if s.RetryDelay <= 0 {
		s.RetryDelay = DefaultRetryDelay
	}
	if s.PreviewTags <= 0 {
		s.PreviewTags = DefaultPreviewTags
	}
	if s.Sleep == nil {
		s.Sleep = sleepCtx
	}
}

func sanity(comp Components, set Settings) error {
	switch {
	case comp.Reader == nil:
		return errors.New("reader is nil")
	case comp.Annotator == nil:
		return errors.New("annotator is nil")
	case comp.Decoder == nil:
		return errors.New("decoder is nil")
	case comp.Store == nil:
		return errors.New("store is nil")
	case comp.Instruction == nil:
		return errors.New("instruction is nil")
	case set.CompressionEnabled && comp.Compressor == nil:
		return errors.New("compression enabled but compressor is nil")
	case set.InputDir == "" || set.OutputDir == "":
		return errors.New("input/output directory required")
	}
	return nil
}

// Run 处理输入目录中的全部图片：标注 → 压缩（或移动）→ 写 sidecar。
// 返回的 Summary 在出错/取消时也反映已完成的部分。
func Run(ctx context.Context, comp Components, set Settings, logger *diag.Logger, term *diag.Terminal) (Summary, error) {
	var sum Summary
	if err := sanity(comp, set); err != nil {
		return sum, fmt.Errorf("sanity: %w: %v", contract.ErrConfiguration, err)
	}
	set.normalize(logger, term)
	for _, d := range []string{set.InputDir, set.OutputDir} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return sum, fmt.Errorf("mkdir %s: %w", d, err)
		}
	}

	rtimer := logger.Start("ingest", "run")
	sources, err := comp.Reader.List(ctx, set.InputDir)
	if err != nil {
		logger.Error("reader", string(diag.Classify(err)), "list failed: "+err.Error(), rtimer.Since())
		return sum, fmt.Errorf("reader list: %w", err)
	}
	sum.Total = len(sources)
	if sum.Total == 0 {
		term.Notice("run", fmt.Sprintf("输入目录 %s 中没有图片", set.InputDir))
		rtimer.Finish("no input", 0)
		return sum, nil
	}
	term.RunStart(sum.Total, set.AnnotatorName)

	r := &runner{comp: comp, set: set, logger: logger, term: term, reserved: naming.NewReservedSet()}
	runErr := r.loop(ctx, sources, &sum)

	// 重新扫描输入目录（取消后仍统计，使用不可取消的上下文）
	if left, err := comp.Reader.List(context.WithoutCancel(ctx), set.InputDir); err == nil {
		sum.Remaining = len(left)
	} else {
		logger.Warn("reader", "recount failed: "+err.Error(), "", nil)
	}
	term.RunFinish(runErr == nil && !sum.Halted && sum.Failed == 0, sum.Succeeded, sum.Remaining)
	logger.Info("ingest", "summary", map[string]string{
		"total":            strconv.Itoa(sum.Total),
		"succeeded":        strconv.Itoa(sum.Succeeded),
		"failed":           strconv.Itoa(sum.Failed),
		"processed":        strconv.Itoa(sum.Processed),
		"halted":           strconv.FormatBool(sum.Halted),
		"remaining":        strconv.Itoa(sum.Remaining),
		"fallbacks":        strconv.Itoa(sum.Fallbacks),
		"persist_failures": strconv.Itoa(sum.PersistFailures),
	})
	if runErr != nil {
		logger.Error("ingest", string(diag.Classify(runErr)), "run aborted: "+runErr.Error(), rtimer.Since())
		return sum, runErr
	}
	rtimer.Finish("run", int64(sum.Succeeded))
	return sum, nil
}

type runner struct {
	comp     Components
	set      Settings
	logger   *diag.Logger
	term     *diag.Terminal
	reserved naming.ReservedSet
}

// loop 逐张推进；返回致命错误（取消/配置错误）。
func (r *runner) loop(ctx context.Context, sources []contract.Source, sum *Summary) error {
	consecutive := 0
	for i, src := range sources {
		idx := i + 1
		if err := ctx.Err(); err != nil {
			return err
		}
		r.term.ImageStart(idx, len(sources), src.Name)
		itimer := r.logger.StartWith("ingest", "image", src.Name)

		a, err := r.annotateWithPolicy(ctx, src)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, contract.ErrConfiguration) {
				return err
			}
			// stop_on_consecutive: 放弃本张
			consecutive++
			sum.Failed++
			sum.Processed = idx
			diag.IncImage("failed")
			r.term.ImageFail(err.Error())
			r.logger.ErrorWith("ingest", string(diag.Classify(err)), "image abandoned: "+err.Error(), itimer.Since(), src.Name)
			if consecutive >= r.set.MaxConsecutiveFailures {
				sum.Halted = true
				sum.Processed = idx - consecutive
				r.term.Halt(consecutive, sum.Processed, len(sources))
				r.logger.Warn("ingest", "consecutive failure threshold reached", src.Name, map[string]string{
					"consecutive": strconv.Itoa(consecutive),
					"processed":   strconv.Itoa(sum.Processed),
				})
				return nil
			}
			continue
		}

		output, err := r.place(ctx, src, sum)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			sum.Failed++
			sum.Processed = idx
			diag.IncImage("failed")
			r.term.ImageFail(err.Error())
			r.logger.ErrorWith("ingest", string(diag.Classify(err)), "place failed: "+err.Error(), itimer.Since(), src.Name)
			continue
		}

		if err := r.persist(ctx, output, a); err != nil {
			sum.PersistFailures++
			sum.Failed++
			sum.Processed = idx
			diag.IncImage("persist_failed")
			r.term.ImageFail(err.Error())
			r.logger.ErrorWith("ingest", string(diag.Classify(err)), err.Error(), itimer.Since(), src.Name)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			continue
		}

		consecutive = 0
		sum.Succeeded++
		sum.Processed = idx
		diag.IncImage("succeeded")
		diag.IncOp("ingest", "image", "success")
		r.term.ImageDone(output.name, a.Tags, r.set.PreviewTags, len(a.ProfileMentions), output.bytesIn, output.bytesOut)
		itimer.Finish("persisted "+output.name, int64(len(a.Tags)))
	}
	return nil
}

// annotateWithPolicy 执行标注；retry_every_minute 下失败即等待后重试同一图片，直到成功或 ctx 取消。
// stop_on_consecutive 下返回首次失败。
func (r *runner) annotateWithPolicy(ctx context.Context, src contract.Source) (contract.Annotation, error) {
	for attempt := 1; ; attempt++ {
		r.term.ImageStage("annotate")
		a, err := r.annotateOnce(ctx, src)
		if err == nil {
			return a, nil
		}
		if ctx.Err() != nil {
			return contract.Annotation{}, ctx.Err()
		}
		if errors.Is(err, contract.ErrConfiguration) {
			return contract.Annotation{}, err
		}
		code := diag.Classify(err)
		diag.IncError("annotator", code)
		if r.set.FailureMode == StopOnConsecutive {
			return contract.Annotation{}, err
		}
		diag.IncRetry()
		r.logger.ErrorWithKV("annotator", string(code), err.Error(), nil, src.Name, map[string]string{
			"attempt":     strconv.Itoa(attempt),
			"retry_in_ms": strconv.FormatInt(r.set.RetryDelay.Milliseconds(), 10),
		})
		r.term.ImageRetry(attempt, r.set.RetryDelay, err.Error())
		if err := r.set.Sleep(ctx, r.set.RetryDelay); err != nil {
			return contract.Annotation{}, err
		}
	}
}

// annotateOnce: 读取 → (Gate) → 注释器 → 解码。所有失败均包装为 ErrAnnotationFailed。
func (r *runner) annotateOnce(ctx context.Context, src contract.Source) (contract.Annotation, error) {
	fail := func(stage string, err error) (contract.Annotation, error) {
		if ctx.Err() != nil {
			return contract.Annotation{}, ctx.Err()
		}
		if errors.Is(err, contract.ErrConfiguration) {
			return contract.Annotation{}, err
		}
		return contract.Annotation{}, fmt.Errorf("%w: %s: %w", contract.ErrAnnotationFailed, stage, err)
	}
	img, err := r.comp.Reader.Load(ctx, src)
	if err != nil {
		return fail("load", err)
	}
	instr, err := r.comp.Instruction.Render(prompt.Vars{Filename: src.Name, MIME: img.MIME})
	if err != nil {
		return fail("prompt", err)
	}
	if r.comp.Gate != nil {
		if err := r.comp.Gate.Wait(ctx, r.comp.GateKey); err != nil {
			return fail("gate", err)
		}
	}
	t0 := time.Now()
	raw, err := r.comp.Annotator.Annotate(ctx, img, instr)
	diag.ObserveDuration("annotator", "annotate", time.Since(t0).Milliseconds())
	if err != nil {
		kv := map[string]string{}
		var ue contract.UpstreamError
		if errors.As(err, &ue) {
			kv["status"] = strconv.Itoa(ue.UpstreamStatus())
		}
		r.logger.DebugStart("annotator", "annotate failed", src.Name, kv)
		return fail("annotate", err)
	}
	if r.set.Verbose {
		r.logger.DebugStart("annotator", "raw response", src.Name, map[string]string{
			"mime":  img.MIME,
			"bytes": strconv.Itoa(len(img.Data)),
			"raw":   raw.Text,
		})
	}
	a, err := r.comp.Decoder.Decode(ctx, raw)
	if err != nil {
		return fail("decode", err)
	}
	diag.IncOp("annotator", "annotate", "success")
	return a, nil
}

type placed struct {
	name     string
	bytesIn  int64
	bytesOut int64
}

// place 将输入图片放入输出目录：压缩（成功后删除输入），或移动原图（压缩失败/未启用）。
// 输出基名登记到 reserved。
func (r *runner) place(ctx context.Context, src contract.Source, sum *Summary) (placed, error) {
	stem := naming.Stem(src.Name)
	if r.set.CompressionEnabled {
		r.term.ImageStage("compress")
		res, err := r.comp.Compressor.Compress(ctx, src.Path, r.set.OutputDir, stem, r.reserved)
		if err == nil {
			r.reserved.Add(res.Stem)
			if rmErr := os.Remove(src.Path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				r.logger.Warn("ingest", "input not removed after compression: "+rmErr.Error(), src.Name, nil)
			}
			if res.Flattened {
				r.logger.Info("compress", "transparency flattened", map[string]string{"file": src.Name})
			}
			return placed{name: res.Filename, bytesIn: res.BytesIn, bytesOut: res.BytesOut}, nil
		}
		if ctx.Err() != nil {
			return placed{}, ctx.Err()
		}
		sum.Fallbacks++
		diag.IncImage("fallback")
		diag.IncError("compress", diag.Classify(err))
		r.logger.ErrorWith("compress", string(diag.Classify(err)), err.Error(), nil, src.Name)
		r.term.Notice("fallback", fmt.Sprintf("%s 压缩失败，移动原图", src.Name))
	}
	name, err := r.moveOriginal(ctx, src, stem)
	if err != nil {
		return placed{}, err
	}
	return placed{name: name}, nil
}

// moveOriginal 以唯一基名 + 原扩展名移动原图。
func (r *runner) moveOriginal(ctx context.Context, src contract.Source, stem string) (string, error) {
	ext := filepath.Ext(src.Name)
	unique, err := naming.Allocate(r.set.OutputDir, stem, ext, r.reserved)
	if err != nil {
		return "", err
	}
	name := unique + ext
	if err := r.comp.Store.Move(ctx, src.Path, contract.ArtifactID(name)); err != nil {
		return "", fmt.Errorf("move %s: %w", src.Name, err)
	}
	r.reserved.Add(unique)
	return name, nil
}

// persist 写 <stem>.json；失败时删除可能残留的孤立 sidecar。
func (r *runner) persist(ctx context.Context, output placed, a contract.Annotation) error {
	r.term.ImageStage("persist")
	sc := sidecar.New(output.name, a)
	id, err := sidecar.Save(ctx, r.comp.Store, sc, r.set.SidecarFormat)
	if err == nil {
		return nil
	}
	if id != "" {
		if rmErr := r.comp.Store.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
			r.logger.Warn("ingest", "orphaned sidecar not removed: "+rmErr.Error(), string(id), nil)
		}
	}
	return fmt.Errorf("%w: sidecar for %s: %w", contract.ErrPersistFailed, output.name, err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
