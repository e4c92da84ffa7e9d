package compress

import "strings"

// OutputFormat 为唯一支持的输出格式。
const (
	OutputFormat = "webp"
	OutputExt    = ".webp"
	// EncodeMethod 固定为最大压缩努力（0..6）。
	EncodeMethod = 6
)

// Settings 为压缩参数；零值字段在 Normalize 中取默认。
type Settings struct {
	// Quality: 有损质量 0–100，默认 65。
	Quality int
	// MaxWidth/MaxHeight: 等比缩小的上界；任一为 0 表示不限制。
	MaxWidth  int
	MaxHeight int
	// StripMetadata: true 时丢弃 EXIF（默认）。
	StripMetadata bool
	// OutputFormat: 仅接受 webp，其它值被强制改写。
	OutputFormat string
}

// DefaultSettings 返回默认参数：65 / 1280×1280 / 去除元数据 / webp。
func DefaultSettings() Settings {
	return Settings{Quality: 65, MaxWidth: 1280, MaxHeight: 1280, StripMetadata: true, OutputFormat: OutputFormat}
}

// Normalize 钳制质量并强制输出格式；返回规范化后的副本与是否改写了格式。
func (s Settings) Normalize() (Settings, bool) {
	if s.Quality < 0 {
		s.Quality = 0
	}
	if s.Quality > 100 {
		s.Quality = 100
	}
	if s.MaxWidth < 0 {
		s.MaxWidth = 0
	}
	if s.MaxHeight < 0 {
		s.MaxHeight = 0
	}
	overridden := false
	if f := strings.ToLower(strings.TrimSpace(s.OutputFormat)); f != OutputFormat {
		overridden = f != ""
		s.OutputFormat = OutputFormat
	}
	return s, overridden
}

// Bounded 报告是否启用了分辨率上界。
func (s Settings) Bounded() bool { return s.MaxWidth > 0 && s.MaxHeight > 0 }
