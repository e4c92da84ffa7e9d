package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"imgcat/internal/config"
	"imgcat/internal/diag"
	"imgcat/internal/ingest"
	"imgcat/internal/watch"
	"imgcat/pkg/contract"
)

// defaultConfigNames 为未显式指定配置时依次尝试的文件名。
var defaultConfigNames = []string{"config.json", "config.jsonc", "config.yaml", "config.yml"}

// app 持有全局旗标与每次命令执行期的诊断组件。
type app struct {
	stdout, stderr io.Writer

	configPath string
	envFile    string
	logLevel   string
	logDir     string
	noStatus   bool

	logger *diag.Logger
	term   *diag.Terminal
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}
	root := &cobra.Command{
		Use:           "imgcat",
		Short:         "AI 图片分类：标注、压缩并归档图片，附带画廊浏览",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	a.bindGlobalFlags(root.PersistentFlags())
	root.AddCommand(a.runCmd(), a.compressCmd(), a.serveCmd(), a.initConfigCmd(), a.versionCmd())
	return root
}

func (a *app) bindGlobalFlags(pf *pflag.FlagSet) {
	pf.StringVarP(&a.configPath, "config", "c", "", "配置文件（JSON/JSONC/YAML）；缺省依次尝试 ./config.json|jsonc|yaml|yml，也可用 IMGCAT_CONFIG")
	pf.StringVar(&a.envFile, "env-file", ".env", "启动前加载的 .env 文件（不覆盖已有环境变量）")
	pf.StringVar(&a.logLevel, "log-level", "", "日志等级 debug|info|warn|error（覆盖配置）")
	pf.StringVar(&a.logDir, "log-dir", "", "日志目录（覆盖配置；空串表示写 stderr）")
	pf.BoolVar(&a.noStatus, "no-status", false, "关闭终端进度提示")
}

// prepare: .env → 配置文件 → ENV 覆盖 → CLI 覆盖；随后构建 logger 与终端。
func (a *app) prepare(cmd *cobra.Command, apply func(*config.Config)) (config.Config, error) {
	if a.envFile != "" {
		if _, err := config.LoadDotEnv(a.envFile); err != nil {
			return config.Config{}, &exitError{exitConfig, fmt.Errorf("%w: %w", contract.ErrConfiguration, err)}
		}
	}
	path := a.configPath
	if path == "" {
		path = os.Getenv("IMGCAT_CONFIG")
	}
	explicit := path != ""
	if !explicit {
		path = findDefaultConfig()
	}
	cfg, found, err := config.Load(path)
	if err != nil {
		return cfg, &exitError{exitConfig, err}
	}
	if !found && explicit {
		return cfg, &exitError{exitConfig, fmt.Errorf("%w: config file %s not found", contract.ErrConfiguration, path)}
	}
	if err := config.ApplyEnv(&cfg, os.Environ()); err != nil {
		return cfg, &exitError{exitConfig, err}
	}
	if apply != nil {
		apply(&cfg)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if cmd.Flags().Changed("log-dir") {
		cfg.Logging.Dir = a.logDir
	}

	a.logger = diag.NewLogger(uuid.NewString(), cfg.Logging.Level, cfg.Logging.Dir)
	a.term = diag.NewTerminal(a.stderr, !a.noStatus)
	if !found {
		a.term.Notice("warn", fmt.Sprintf("未找到配置文件 %s，使用默认配置", path))
		a.logger.Warn("config", "config file not found, using defaults", "", map[string]string{"path": path})
	}
	return cfg, nil
}

func (a *app) close() {
	if err := a.logger.Close(); err != nil {
		fmt.Fprintf(a.stderr, "关闭日志失败: %v\n", err)
	}
}

func findDefaultConfig() string {
	for _, n := range defaultConfigNames {
		if _, err := os.Stat(n); err == nil {
			return n
		}
	}
	return defaultConfigNames[0]
}

type runFlags struct {
	input, output, annotator, model, failureMode string
	maxFailures, retryDelay                      int
	noCompress, verbose, quiet                   bool
	watch, serve                                 bool
	debounce                                     time.Duration
}

func (a *app) runCmd() *cobra.Command {
	var o runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "处理输入目录中的全部图片：标注 → 压缩 → 写入输出目录",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			cfg, err := a.prepare(cmd, func(c *config.Config) {
				if f.Changed("input") {
					c.Folders.Input = o.input
				}
				if f.Changed("output") {
					c.Folders.Output = o.output
				}
				if f.Changed("annotator") {
					c.Annotator = o.annotator
				}
				if f.Changed("model") {
					c.Model = o.model
				}
				if f.Changed("failure-mode") {
					c.Processing.FailureMode = o.failureMode
				}
				if f.Changed("max-failures") {
					c.Processing.MaxConsecutiveFailures = o.maxFailures
				}
				if f.Changed("retry-delay") {
					c.Processing.RetryDelaySeconds = o.retryDelay
				}
				if o.noCompress {
					c.Compression.Enabled = false
				}
				if o.verbose {
					c.Processing.Verbose = true
				}
				if o.quiet {
					c.Processing.Verbose = false
				}
			})
			if err != nil {
				return err
			}
			defer a.close()
			return a.run(cmd.Context(), cfg, o)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.input, "input", "i", "", "输入目录（覆盖 folders.input）")
	f.StringVarP(&o.output, "output", "o", "", "输出目录（覆盖 folders.output）")
	f.StringVarP(&o.annotator, "annotator", "a", "", "provider 名称（覆盖 annotator）")
	f.StringVar(&o.model, "model", "", "模型名（注入所选 provider 的 options.model）")
	f.StringVar(&o.failureMode, "failure-mode", "", "stop_on_consecutive | retry_every_minute")
	f.IntVar(&o.maxFailures, "max-failures", 0, "stop_on_consecutive 模式下的连续失败阈值")
	f.IntVar(&o.retryDelay, "retry-delay", 0, "retry_every_minute 模式下的重试间隔（秒）")
	f.BoolVar(&o.noCompress, "no-compress", false, "不压缩，直接移动原图")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "以 debug 级别记录注释器原始响应")
	f.BoolVarP(&o.quiet, "quiet", "q", false, "关闭 verbose")
	f.BoolVarP(&o.watch, "watch", "w", false, "处理完成后继续监听输入目录")
	f.BoolVar(&o.serve, "serve", false, "同时启动画廊服务")
	f.DurationVar(&o.debounce, "debounce", watch.DefaultDebounce, "watch 模式下的静默窗口")
	cmd.MarkFlagsMutuallyExclusive("verbose", "quiet")
	return cmd
}

func (a *app) run(ctx context.Context, cfg config.Config, o runFlags) error {
	run, err := config.Assemble(cfg, a.logger)
	if err != nil {
		a.logger.Error("config", string(diag.Classify(err)), "assemble failed: "+err.Error(), nil)
		return &exitError{exitConfig, err}
	}
	a.logEffective(cfg)
	once := func(ctx context.Context) (ingest.Summary, error) {
		return ingestRun(ctx, run.Components, run.Settings, a.logger, a.term)
	}
	if !o.watch && !o.serve {
		sum, err := once(ctx)
		return result(sum, err)
	}

	g, gctx := errgroup.WithContext(ctx)
	if o.serve {
		g.Go(func() error {
			return galleryServe(gctx, config.GalleryOptions(cfg), a.logger, a.announce)
		})
	}
	if !o.watch {
		g.Go(func() error {
			sum, err := once(gctx)
			if err != nil && gctx.Err() == nil {
				return result(sum, err)
			}
			return nil
		})
	} else {
		// 首次运行在监听建立之后进行；只有它的结果映射为退出码
		initial := true
		g.Go(func() error {
			return watchRun(gctx, cfg.Folders.Input, watch.Options{Debounce: o.debounce, Match: run.Match, Initial: true},
				func(ctx context.Context) error {
					sum, err := once(ctx)
					if initial {
						initial = false
						if ctx.Err() == nil {
							return result(sum, err)
						}
					}
					return err
				}, a.logger)
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, contract.ErrConfiguration) {
			return &exitError{exitConfig, err}
		}
		return err
	}
	return nil
}

// result 将一次运行的结果映射为退出码。
func result(sum ingest.Summary, err error) error {
	switch {
	case err != nil && errors.Is(err, contract.ErrConfiguration):
		return &exitError{exitConfig, err}
	case err != nil:
		return &exitError{exitFail, err}
	case sum.Halted:
		return &exitError{code: exitHalted}
	}
	return nil
}

func (a *app) announce(addr string) {
	host := addr
	if strings.HasPrefix(host, "[::]:") || strings.HasPrefix(host, "0.0.0.0:") {
		host = "localhost:" + host[strings.LastIndexByte(host, ':')+1:]
	}
	a.term.Notice("serve", "画廊: http://"+host+"/")
}

func (a *app) logEffective(cfg config.Config) {
	kv := map[string]string{
		"input":        cfg.Folders.Input,
		"output":       cfg.Folders.Output,
		"annotator":    cfg.Annotator,
		"failure_mode": cfg.Processing.FailureMode,
		"compression":  strconv.FormatBool(cfg.Compression.Enabled),
		"quality":      strconv.Itoa(cfg.Compression.Quality),
		"formats":      strings.Join(cfg.SupportedFormats, ","),
	}
	if p, ok := cfg.Provider[cfg.Annotator]; ok {
		kv["client"] = p.Client
		kv["rpm"] = strconv.Itoa(p.Limits.RPM)
	}
	if cfg.Model != "" {
		kv["model"] = cfg.Model
	}
	a.logger.DebugStart("config", "effective", "", kv)
}

func (a *app) compressCmd() *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "compress",
		Short: "将输出目录中尚未压缩的图片就地转为 WebP，并同步 sidecar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.prepare(cmd, func(c *config.Config) {
				if cmd.Flags().Changed("output") {
					c.Folders.Output = output
				}
			})
			if err != nil {
				return err
			}
			defer a.close()
			comp, err := config.AssembleReconcile(cfg, a.logger)
			if err != nil {
				return &exitError{exitConfig, err}
			}
			sum, err := reconcileRun(cmd.Context(), comp, cfg.Folders.Output, config.SidecarFormat(cfg), a.logger, a.term)
			if err != nil {
				return result(ingest.Summary{}, err)
			}
			a.term.Notice("done", fmt.Sprintf("扫描 %d | 转换 %d | 跳过 %d | 失败 %d | sidecar 更新 %d",
				sum.Scanned, sum.Converted, sum.Skipped, sum.Failed, sum.SidecarsUpdated))
			return nil
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "输出目录（覆盖 folders.output）")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	var addr, output, frontend string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "启动画廊 HTTP 服务",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			f := cmd.Flags()
			cfg, err := a.prepare(cmd, func(c *config.Config) {
				if f.Changed("addr") {
					c.Server.Addr = addr
				}
				if f.Changed("output") {
					c.Folders.Output = output
				}
				if f.Changed("frontend") {
					c.Server.FrontendDir = frontend
				}
			})
			if err != nil {
				return err
			}
			defer a.close()
			if err := galleryServe(cmd.Context(), config.GalleryOptions(cfg), a.logger, a.announce); err != nil {
				return &exitError{exitFail, err}
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&addr, "addr", "", "监听地址（覆盖 server.addr）")
	f.StringVarP(&output, "output", "o", "", "输出目录（覆盖 folders.output）")
	f.StringVar(&frontend, "frontend", "", "前端目录（含 index.html）")
	return cmd
}

func (a *app) initConfigCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init-config [path]",
		Short: "生成带注释的配置模板与 .env 模板",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.json"
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return &exitError{exitConfig, err}
			}
			fmt.Fprintf(a.stdout, "已生成 %s\n", path)
			envPath := filepath.Join(filepath.Dir(path), ".env")
			created, err := writeDotEnv(envPath)
			switch {
			case err != nil:
				fmt.Fprintf(a.stderr, "提示：.env 生成失败（已跳过）：%v\n", err)
			case created:
				fmt.Fprintf(a.stdout, "已生成 %s\n", envPath)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "覆盖已存在的配置文件")
	return cmd
}

func (a *app) versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(a.stdout, "imgcat %s\n", version)
		},
	}
}

const dotEnvTemplate = `# imgcat .env 模板（由 init-config 生成）
# 优先级：CLI > ENV(.env) > 配置文件

# 注释器 API Key
GOOGLE_API_KEY=
OPENAI_API_KEY=

# 可选覆盖（取消注释后生效）
# IMGCAT_FOLDERS_INPUT=input
# IMGCAT_FOLDERS_OUTPUT=output
# IMGCAT_ANNOTATOR=gemini
# IMGCAT_PROCESSING_FAILURE_MODE=retry_every_minute
# IMGCAT_COMPRESSION_QUALITY=65
# IMGCAT_COMPRESSION_MAX_RESOLUTION=1280x1280
# IMGCAT_LOGGING_LEVEL=info
# IMGCAT_PROVIDER__gemini__LIMITS_RPM=
`

// writeDotEnv 生成 .env 模板；已存在时跳过（created=false）。
func writeDotEnv(path string) (bool, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if errors.Is(err, fs.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if _, err := f.WriteString(dotEnvTemplate); err != nil {
		f.Close()
		return false, err
	}
	return true, f.Close()
}
