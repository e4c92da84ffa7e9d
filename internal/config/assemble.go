package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"imgcat/internal/compress"
	"imgcat/internal/diag"
	"imgcat/internal/gallery"
	"imgcat/internal/ingest"
	"imgcat/internal/prompt"
	"imgcat/internal/rate"
	"imgcat/internal/sidecar"
	"imgcat/pkg/contract"
	"imgcat/pkg/registry"
)

// modelClients 为接受 options.model 的注释器。
var modelClients = map[string]bool{"gemini": true, "openai": true}

var logLevels = map[string]bool{"": true, "debug": true, "info": true, "warn": true, "error": true}

// Validate 做静态校验，收集全部问题后一次返回（ErrConfiguration）。
// 未知 failure_mode 不在此拒绝：运行期告警并回退为 retry_every_minute。
func Validate(cfg Config) error {
	var probs []error
	bad := func(format string, args ...any) { probs = append(probs, fmt.Errorf(format, args...)) }

	in, out := strings.TrimSpace(cfg.Folders.Input), strings.TrimSpace(cfg.Folders.Output)
	if in == "" {
		bad("folders.input is empty")
	}
	if out == "" {
		bad("folders.output is empty")
	}
	if in != "" && out != "" && filepath.Clean(in) == filepath.Clean(out) {
		bad("folders.input and folders.output must differ")
	}
	if len(cfg.SupportedFormats) == 0 {
		bad("supported_formats is empty")
	}
	for _, f := range cfg.SupportedFormats {
		if strings.Trim(strings.TrimSpace(f), ".") == "" {
			bad("supported_formats contains an empty entry")
			break
		}
	}
	if cfg.Processing.MaxConsecutiveFailures < 1 {
		bad("processing.max_consecutive_failures must be >= 1")
	}
	if cfg.Processing.RetryDelaySeconds < 0 {
		bad("processing.retry_delay_seconds must be >= 0")
	}
	if cfg.Processing.ShowPreviewTags < 0 {
		bad("processing.show_preview_tags must be >= 0")
	}
	if cfg.Output.JSONIndent < 0 {
		bad("output.json_indent must be >= 0")
	}
	if n := len(cfg.Compression.MaxResolution); n != 0 && n != 2 {
		bad("compression.max_resolution must be [width, height]")
	} else if n == 2 && (cfg.Compression.MaxResolution[0] < 0 || cfg.Compression.MaxResolution[1] < 0) {
		bad("compression.max_resolution must be non-negative")
	}
	if !logLevels[strings.ToLower(strings.TrimSpace(cfg.Logging.Level))] {
		bad("logging.level %q not one of debug|info|warn|error", cfg.Logging.Level)
	}

	if cfg.Annotator == "" {
		bad("annotator not set")
	} else if prov, ok := cfg.Provider[cfg.Annotator]; !ok {
		bad("provider %q not found", cfg.Annotator)
	} else {
		if prov.Client == "" {
			bad("provider %q missing client", cfg.Annotator)
		} else if registry.Annotator[prov.Client] == nil {
			bad("annotator client %q not registered (have %s)", prov.Client, strings.Join(registry.Names(registry.Annotator), ", "))
		}
		if prov.Limits.RPM < 0 {
			bad("provider %q limits.rpm must be >= 0", cfg.Annotator)
		}
	}

	d := Defaults().Components
	if name := effName(cfg.Components.Reader, d.Reader); registry.Reader[name] == nil {
		bad("reader %q not registered", name)
	}
	if name := effName(cfg.Components.Decoder, d.Decoder); registry.Decoder[name] == nil {
		bad("decoder %q not registered", name)
	}
	if name := effName(cfg.Components.Writer, d.Writer); registry.Writer[name] == nil {
		bad("writer %q not registered", name)
	}
	if len(probs) > 0 {
		return fmt.Errorf("%w: %w", contract.ErrConfiguration, errors.Join(probs...))
	}
	return nil
}

// Run 为 run 子命令装配出的组件与设置。
type Run struct {
	Components ingest.Components
	Settings   ingest.Settings
	// Match 报告文件名是否为受支持的输入（watch 过滤用）。
	Match func(name string) bool
}

// Assemble 构造 ingest 所需的全部组件。注释器凭据缺失等问题在此以 ErrConfiguration 失败，
// 保证任何图片处理开始之前即已暴露。
func Assemble(cfg Config, logger *diag.Logger) (*Run, error) {
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	reader, err := buildReader(cfg, cfg.SupportedFormats)
	if err != nil {
		return nil, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return nil, err
	}
	dec, err := registry.Decoder[effName(cfg.Components.Decoder, Defaults().Components.Decoder)](cfg.Options.Decoder)
	if err != nil {
		return nil, fmt.Errorf("%w: decoder: %w", contract.ErrConfiguration, err)
	}

	prov := cfg.Provider[cfg.Annotator]
	popts := prov.Options
	if cfg.Model != "" && modelClients[prov.Client] {
		if popts, err = withDefaultKey(popts, "model", cfg.Model); err != nil {
			return nil, fmt.Errorf("%w: provider %s options: %w", contract.ErrConfiguration, cfg.Annotator, err)
		}
	}
	ann, err := registry.Annotator[prov.Client](popts)
	if err != nil {
		if errors.Is(err, contract.ErrConfiguration) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: annotator %s: %w", contract.ErrConfiguration, cfg.Annotator, err)
	}
	ins, err := prompt.New(prompt.Options{Path: cfg.PromptPath})
	if err != nil {
		return nil, err
	}

	// 限流 Gate：分组键由 API Key 派生；失败则退化为 provider 名称。
	key, derr := rate.DeriveKeyFromProviderOptions(prov.Client, popts)
	if derr != nil {
		key = rate.LimitKey(cfg.Annotator)
	}
	gate := rate.NewGate(map[rate.LimitKey]rate.Limits{key: {RPM: prov.Limits.RPM}}, nil)

	var comp *compress.Compressor
	if cfg.Compression.Enabled {
		comp = compress.New(compressSettings(cfg.Compression), logger).WithWriter(store)
	}

	name := cfg.Annotator
	if m, ok := ann.(interface{ Model() string }); ok && m.Model() != "" {
		name += " (" + m.Model() + ")"
	}
	run := &Run{
		Components: ingest.Components{
			Reader:      reader,
			Annotator:   ann,
			Decoder:     dec,
			Compressor:  comp,
			Store:       store,
			Instruction: ins,
			Gate:        gate,
			GateKey:     key,
		},
		Settings: ingest.Settings{
			InputDir:               cfg.Folders.Input,
			OutputDir:              cfg.Folders.Output,
			FailureMode:            ingest.FailureMode(strings.TrimSpace(cfg.Processing.FailureMode)),
			MaxConsecutiveFailures: cfg.Processing.MaxConsecutiveFailures,
			RetryDelay:             time.Duration(cfg.Processing.RetryDelaySeconds) * time.Second,
			CompressionEnabled:     cfg.Compression.Enabled,
			SidecarFormat:          SidecarFormat(cfg),
			PreviewTags:            cfg.Processing.ShowPreviewTags,
			AnnotatorName:          name,
			Verbose:                cfg.Processing.Verbose,
		},
		Match: matcher(reader),
	}
	return run, nil
}

// AssembleReconcile 构造输出目录就地压缩所需组件；不需要注释器凭据。
// 列举时额外接受 .tiff。
func AssembleReconcile(cfg Config, logger *diag.Logger) (ingest.ReconcileComponents, error) {
	if strings.TrimSpace(cfg.Folders.Output) == "" {
		return ingest.ReconcileComponents{}, fmt.Errorf("%w: folders.output is empty", contract.ErrConfiguration)
	}
	formats := cloneStrings(cfg.SupportedFormats)
	if !containsFold(formats, ".tiff") {
		formats = append(formats, ".tiff")
	}
	reader, err := buildReader(cfg, formats)
	if err != nil {
		return ingest.ReconcileComponents{}, err
	}
	store, err := buildStore(cfg)
	if err != nil {
		return ingest.ReconcileComponents{}, err
	}
	return ingest.ReconcileComponents{
		Reader:     reader,
		Compressor: compress.New(compressSettings(cfg.Compression), logger).WithWriter(store),
		Store:      store,
	}, nil
}

// GalleryOptions 返回画廊服务配置。
func GalleryOptions(cfg Config) gallery.Options {
	return gallery.Options{Addr: cfg.Server.Addr, OutputDir: cfg.Folders.Output, FrontendDir: cfg.Server.FrontendDir}
}

// SidecarFormat 返回 sidecar 序列化外观。
func SidecarFormat(cfg Config) sidecar.Format {
	return sidecar.Format{Indent: cfg.Output.JSONIndent, EnsureASCII: cfg.Output.EnsureASCII}
}

func compressSettings(c Compression) compress.Settings {
	s := compress.Settings{Quality: c.Quality, StripMetadata: c.StripMetadata, OutputFormat: c.OutputFormat}
	if len(c.MaxResolution) == 2 {
		s.MaxWidth, s.MaxHeight = c.MaxResolution[0], c.MaxResolution[1]
	}
	return s
}

// buildReader: formats 仅在 options.reader 未显式给出 formats 时注入。
func buildReader(cfg Config, formats []string) (contract.Reader, error) {
	raw := cfg.Options.Reader
	if len(formats) > 0 {
		var err error
		if raw, err = withDefaultKey(raw, "formats", formats); err != nil {
			return nil, fmt.Errorf("%w: reader options: %w", contract.ErrConfiguration, err)
		}
	}
	r, err := registry.Reader[effName(cfg.Components.Reader, Defaults().Components.Reader)](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: reader: %w", contract.ErrConfiguration, err)
	}
	return r, nil
}

// buildStore: output_dir 始终取 folders.output。
func buildStore(cfg Config) (ingest.Store, error) {
	raw, err := withKey(cfg.Options.Writer, "output_dir", cfg.Folders.Output)
	if err != nil {
		return nil, fmt.Errorf("%w: writer options: %w", contract.ErrConfiguration, err)
	}
	w, err := registry.Writer[effName(cfg.Components.Writer, Defaults().Components.Writer)](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: writer: %w", contract.ErrConfiguration, err)
	}
	st, ok := w.(ingest.Store)
	if !ok {
		return nil, fmt.Errorf("%w: writer %T cannot move or remove files", contract.ErrConfiguration, w)
	}
	return st, nil
}

func matcher(r contract.Reader) func(string) bool {
	if s, ok := r.(interface{ Supported(string) bool }); ok {
		return func(name string) bool { return s.Supported(filepath.Base(name)) }
	}
	return nil
}

// withKey 在 JSON 对象 raw 中设置 key=v（覆盖）。
func withKey(raw json.RawMessage, key string, v any) (json.RawMessage, error) {
	return setKey(raw, key, v, true)
}

// withDefaultKey 仅在 key 不存在时设置。
func withDefaultKey(raw json.RawMessage, key string, v any) (json.RawMessage, error) {
	return setKey(raw, key, v, false)
}

func setKey(raw json.RawMessage, key string, v any, override bool) (json.RawMessage, error) {
	obj := map[string]json.RawMessage{}
	if len(raw) > 0 && strings.TrimSpace(string(raw)) != "null" {
		if err := json.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
	}
	if _, exists := obj[key]; exists && !override {
		return cloneRaw(raw), nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	obj[key] = b
	return json.Marshal(obj)
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimSpace(v), s) {
			return true
		}
	}
	return false
}

func effName(got, def string) string {
	if got == "" {
		return def
	}
	return got
}
