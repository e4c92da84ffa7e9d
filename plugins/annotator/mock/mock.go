package mock

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"imgcat/pkg/contract"
)

// Options: 最小调试配置（可选）。
type Options struct {
	Prefix string `json:"prefix"` // raw_text 前缀，默认 "MOCK"
	// ResponseMode: 可选的响应模式（用于集成测试与无网络联调）。
	//  - "" / "json": 产出完整注释 JSON 对象，tags 由文件名拆分得到。
	//  - "fenced": 同 json，但包裹在 ```json 围栏中（模拟真实模型输出）。
	//  - "text": 产出非 JSON 文本，用于验证解码失败的兜底路径。
	ResponseMode string `json:"response_mode,omitempty"`
	// Mentions: 固定附加的 profile_mentions。
	Mentions []string `json:"mentions,omitempty"`
}

type Client struct {
	prefix   string
	mode     string
	mentions []string
}

func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, fmt.Errorf("mock options: %w", err)
		}
	}
	if o.Prefix == "" {
		o.Prefix = "MOCK"
	}
	mode := strings.TrimSpace(o.ResponseMode)
	if mode == "" {
		mode = "json"
	}
	switch mode {
	case "json", "fenced", "text":
	default:
		return nil, fmt.Errorf("mock: unknown response_mode %q: %w", mode, contract.ErrConfiguration)
	}
	return &Client{prefix: o.Prefix, mode: mode, mentions: o.Mentions}, nil
}

// TagsFor 将文件名主干按非字母数字切分为小写标签（去重，保持顺序）。
func TagsFor(name string) []string {
	stem := strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	fields := strings.FieldsFunc(stem, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
	seen := make(map[string]struct{}, len(fields))
	tags := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(f)
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tags = append(tags, f)
	}
	return tags
}

// Annotate 仅用于流程调试：根据图片名构造确定性的注释。
func (c *Client) Annotate(ctx context.Context, img contract.Image, instruction string) (contract.Raw, error) {
	if err := ctx.Err(); err != nil {
		return contract.Raw{}, err
	}
	if c.mode == "text" {
		return contract.Raw{Text: fmt.Sprintf("%s: %s looks nice", c.prefix, img.Name)}, nil
	}
	mentions := c.mentions
	if mentions == nil {
		mentions = []string{}
	}
	obj := map[string]any{
		"tags":     TagsFor(img.Name),
		"raw_text": fmt.Sprintf("%s: %s (%d bytes, %s)", c.prefix, img.Name, len(img.Data), img.MIME),
		"structured_data": map[string]any{
			"source_name": img.Name,
			"mime":        img.MIME,
		},
		"profile_mentions": mentions,
	}
	bts, err := json.Marshal(obj)
	if err != nil {
		return contract.Raw{}, err
	}
	if c.mode == "fenced" {
		return contract.Raw{Text: "```json\n" + string(bts) + "\n```"}, nil
	}
	return contract.Raw{Text: string(bts)}, nil
}

var _ contract.Annotator = (*Client)(nil)
