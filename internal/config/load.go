package config

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"imgcat/pkg/contract"
	rfs "imgcat/plugins/reader/filesystem"
)

// EnvPrefix 为环境变量覆盖前缀。
const EnvPrefix = "IMGCAT_"

// Defaults 返回带有安全默认值的 Config；配置文件缺失时即按此运行。
func Defaults() Config {
	return Config{
		Folders:          Folders{Input: "input", Output: "output"},
		SupportedFormats: cloneStrings(rfs.DefaultFormats),
		Processing: Processing{
			Verbose:                true,
			ShowPreviewTags:        5,
			MaxConsecutiveFailures: 3,
			FailureMode:            "retry_every_minute",
			RetryDelaySeconds:      60,
		},
		Output: Output{JSONIndent: 2},
		Compression: Compression{
			Enabled:       true,
			Quality:       65,
			MaxResolution: []int{1280, 1280},
			StripMetadata: true,
			OutputFormat:  "webp",
		},
		Annotator: "gemini",
		Provider: map[string]Provider{
			"gemini": {Client: "gemini"},
			"openai": {Client: "openai"},
			"mock":   {Client: "mock"},
		},
		Logging:    Logging{Level: "info", Dir: "logs"},
		Server:     Server{Addr: ":8000"},
		Components: Components{Reader: "fs", Decoder: "json", Writer: "fs"},
	}
}

// Load 在默认值之上叠加配置文件。文件不存在时返回默认值且 found=false；
// 解析失败返回 ErrConfiguration。
func Load(path string) (cfg Config, found bool, err error) {
	cfg = Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, false, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return cfg, false, nil
	}
	if err != nil {
		return cfg, false, fmt.Errorf("%w: read %s: %w", contract.ErrConfiguration, path, err)
	}
	if err := Decode(data, formatOf(path), &cfg); err != nil {
		return cfg, true, fmt.Errorf("%w: %s: %w", contract.ErrConfiguration, path, err)
	}
	return cfg, true, nil
}

// formatOf 按扩展名选择格式：.yaml/.yml 为 YAML，其余按 JSONC 处理。
func formatOf(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml"
	default:
		return "jsonc"
	}
}

// Decode 将 data 严格解码到 cfg 之上（未出现的键保留原值）。
// YAML 先转为通用结构再经 JSON 严格解码，两种格式共享同一套未知字段校验。
func Decode(data []byte, format string, cfg *Config) error {
	var raw []byte
	switch format {
	case "yaml":
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return err
		}
		if doc == nil {
			return nil
		}
		b, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("yaml: %w", err)
		}
		raw = b
	default:
		raw = jsonc.ToJSON(data)
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// ApplyEnv 将 IMGCAT_ 前缀的环境变量叠加到 cfg；值非法时收集并一并返回。
// 支持：FOLDERS_INPUT, FOLDERS_OUTPUT, SUPPORTED_FORMATS, MODEL, ANNOTATOR, PROMPT_PATH,
// PROCESSING_*, OUTPUT_*, COMPRESSION_*, LOGGING_*, SERVER_*,
// 以及 PROVIDER__<name>__{CLIENT,LIMITS_RPM,OPTIONS_JSON}。
func ApplyEnv(cfg *Config, environ []string) error {
	var errs []error
	setInt := func(key, val string, dst *int) {
		v, err := strconv.Atoi(strings.TrimSpace(val))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not an integer", EnvPrefix, key, val))
			return
		}
		*dst = v
	}
	setBool := func(key, val string, dst *bool) {
		v, err := strconv.ParseBool(strings.TrimSpace(val))
		if err != nil {
			errs = append(errs, fmt.Errorf("%s%s: %q is not a boolean", EnvPrefix, key, val))
			return
		}
		*dst = v
	}
	for _, kv := range environ {
		if !strings.HasPrefix(kv, EnvPrefix) {
			continue
		}
		eq := strings.IndexByte(kv, '=')
		if eq <= len(EnvPrefix) {
			continue
		}
		key, val := kv[len(EnvPrefix):eq], kv[eq+1:]
		switch key {
		case "FOLDERS_INPUT":
			cfg.Folders.Input = strings.TrimSpace(val)
		case "FOLDERS_OUTPUT":
			cfg.Folders.Output = strings.TrimSpace(val)
		case "SUPPORTED_FORMATS":
			if parts := splitComma(val); len(parts) > 0 {
				cfg.SupportedFormats = parts
			}
		case "MODEL":
			cfg.Model = strings.TrimSpace(val)
		case "ANNOTATOR":
			cfg.Annotator = strings.TrimSpace(val)
		case "PROMPT_PATH":
			cfg.PromptPath = strings.TrimSpace(val)
		case "PROCESSING_VERBOSE":
			setBool(key, val, &cfg.Processing.Verbose)
		case "PROCESSING_SHOW_PREVIEW_TAGS":
			setInt(key, val, &cfg.Processing.ShowPreviewTags)
		case "PROCESSING_MAX_CONSECUTIVE_FAILURES":
			setInt(key, val, &cfg.Processing.MaxConsecutiveFailures)
		case "PROCESSING_FAILURE_MODE":
			cfg.Processing.FailureMode = strings.TrimSpace(val)
		case "PROCESSING_RETRY_DELAY_SECONDS":
			setInt(key, val, &cfg.Processing.RetryDelaySeconds)
		case "OUTPUT_JSON_INDENT":
			setInt(key, val, &cfg.Output.JSONIndent)
		case "OUTPUT_ENSURE_ASCII":
			setBool(key, val, &cfg.Output.EnsureASCII)
		case "COMPRESSION_ENABLED":
			setBool(key, val, &cfg.Compression.Enabled)
		case "COMPRESSION_QUALITY":
			setInt(key, val, &cfg.Compression.Quality)
		case "COMPRESSION_STRIP_METADATA":
			setBool(key, val, &cfg.Compression.StripMetadata)
		case "COMPRESSION_OUTPUT_FORMAT":
			cfg.Compression.OutputFormat = strings.TrimSpace(val)
		case "COMPRESSION_MAX_RESOLUTION":
			wh, err := ParseResolution(val)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				continue
			}
			cfg.Compression.MaxResolution = wh
		case "LOGGING_LEVEL":
			cfg.Logging.Level = strings.TrimSpace(val)
		case "LOGGING_DIR":
			cfg.Logging.Dir = strings.TrimSpace(val)
		case "SERVER_ADDR":
			cfg.Server.Addr = strings.TrimSpace(val)
		case "SERVER_FRONTEND_DIR":
			cfg.Server.FrontendDir = strings.TrimSpace(val)
		default:
			// provider 路径：PROVIDER__name__FIELD
			if !strings.HasPrefix(key, "PROVIDER__") {
				continue
			}
			parts := strings.Split(key, "__")
			if len(parts) < 3 || strings.TrimSpace(parts[1]) == "" {
				continue
			}
			name := strings.TrimSpace(parts[1])
			if cfg.Provider == nil {
				cfg.Provider = map[string]Provider{}
			}
			p := cfg.Provider[name]
			switch strings.Join(parts[2:], "__") {
			case "CLIENT":
				if tv := strings.TrimSpace(val); tv != "" {
					p.Client = tv
				}
			case "LIMITS_RPM":
				setInt(key, val, &p.Limits.RPM)
			case "OPTIONS_JSON":
				// 空值视为未设置，避免清空文件中的配置
				if tv := strings.TrimSpace(val); tv != "" {
					if !json.Valid([]byte(tv)) {
						errs = append(errs, fmt.Errorf("%s%s: invalid JSON", EnvPrefix, key))
						continue
					}
					p.Options = json.RawMessage(tv)
				}
			default:
				continue
			}
			cfg.Provider[name] = p
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", contract.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

// ParseResolution 解析 "1280x1280" 或 "1280,1280"。
func ParseResolution(s string) ([]int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	sep := "x"
	if strings.Contains(s, ",") {
		sep = ","
	}
	parts := strings.Split(s, sep)
	if len(parts) != 2 {
		return nil, fmt.Errorf("resolution %q: want WIDTHxHEIGHT", s)
	}
	out := make([]int, 2)
	for i, p := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || v < 0 {
			return nil, fmt.Errorf("resolution %q: want WIDTHxHEIGHT", s)
		}
		out[i] = v
	}
	return out, nil
}

// LoadDotEnv 读取 KEY=VALUE 形式的 .env 文件并设置到进程环境；已存在的变量不覆盖。
// 文件不存在时静默返回。返回实际设置的键。
func LoadDotEnv(path string) ([]string, error) {
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var set []string
	sc := bufio.NewScanner(f)
	line := 0
	for sc.Scan() {
		line++
		s := strings.TrimSpace(sc.Text())
		if s == "" || strings.HasPrefix(s, "#") {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			return set, fmt.Errorf("%s:%d: expected KEY=VALUE", path, line)
		}
		key := strings.TrimSpace(s[:eq])
		val := unquote(strings.TrimSpace(s[eq+1:]))
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, val); err != nil {
			return set, err
		}
		set = append(set, key)
	}
	return set, sc.Err()
}

func unquote(v string) string {
	if len(v) >= 2 {
		if (v[0] == '"' && v[len(v)-1] == '"') || (v[0] == '\'' && v[len(v)-1] == '\'') {
			return v[1 : len(v)-1]
		}
	}
	// 行尾注释：值与 # 之间需有空白
	if i := strings.Index(v, " #"); i >= 0 {
		return strings.TrimSpace(v[:i])
	}
	return v
}

func cloneStrings(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneRaw(in json.RawMessage) json.RawMessage {
	if len(in) == 0 {
		return nil
	}
	out := make([]byte, len(in))
	copy(out, in)
	return out
}

func splitComma(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}
