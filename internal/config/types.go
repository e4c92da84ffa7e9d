package config

import (
	"encoding/json"
)

// Config: 运行期只读配置（一次解析，运行期不变）。
// 键名沿用 snake_case；未知字段在解析期失败。
type Config struct {
	// Model: 可选；非空时注入所选 provider 的 options.model（仅当其未显式设置）。
	Model            string      `json:"model,omitempty"`
	Folders          Folders     `json:"folders"`
	SupportedFormats []string    `json:"supported_formats"`
	Processing       Processing  `json:"processing"`
	Output           Output      `json:"output"`
	Compression      Compression `json:"compression"`

	// 注释器选择与定义。
	Annotator string              `json:"annotator"`
	Provider  map[string]Provider `json:"provider"`

	// PromptPath: 可选的指令模板文件；为空使用内置指令。
	PromptPath string  `json:"prompt_path"`
	Logging    Logging `json:"logging"`
	Server     Server  `json:"server"`

	// 组件名选择（空则使用默认名）。
	Components Components `json:"components"`
	// 各组件 Options 子树，原样 JSON 传入工厂。
	Options Options `json:"options"`
}

// Folders: 输入/输出目录。
type Folders struct {
	Input  string `json:"input"`
	Output string `json:"output"`
}

// Processing: 运行与失败策略。
type Processing struct {
	Verbose                bool   `json:"verbose"`
	ShowPreviewTags        int    `json:"show_preview_tags"`
	MaxConsecutiveFailures int    `json:"max_consecutive_failures"`
	FailureMode            string `json:"failure_mode"`
	RetryDelaySeconds      int    `json:"retry_delay_seconds"`
}

// Output: sidecar 序列化外观。
type Output struct {
	JSONIndent  int  `json:"json_indent"`
	EnsureASCII bool `json:"ensure_ascii"`
}

// Compression: 压缩参数；max_resolution 为 [宽, 高]。
type Compression struct {
	Enabled       bool   `json:"enabled"`
	Quality       int    `json:"quality"`
	MaxResolution []int  `json:"max_resolution"`
	StripMetadata bool   `json:"strip_metadata"`
	OutputFormat  string `json:"output_format"`
}

// Logging: 日志等级与目录。
type Logging struct {
	Level string `json:"level"`
	Dir   string `json:"dir"`
}

// Server: 画廊服务。
type Server struct {
	Addr        string `json:"addr"`
	FrontendDir string `json:"frontend_dir"`
}

// Components: 组件名选择（注册表中的实现名）。
type Components struct {
	Reader  string `json:"reader"`
	Decoder string `json:"decoder"`
	Writer  string `json:"writer"`
}

// Options: 各组件的原样 JSON Options。
type Options struct {
	Reader  json.RawMessage `json:"reader"`
	Decoder json.RawMessage `json:"decoder"`
	Writer  json.RawMessage `json:"writer"`
}

// Provider: 命名 provider 定义（client 实现 + options + 限额）。
type Provider struct {
	Client  string          `json:"client"`
	Options json.RawMessage `json:"options"`
	Limits  Limits          `json:"limits"`
}

// Limits: 限流配置（仅承载；执行位于 rate.Gate）。
type Limits struct {
	RPM int `json:"rpm"`
}
