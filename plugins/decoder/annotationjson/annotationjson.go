package annotationjson

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"imgcat/internal/sidecar"
	"imgcat/pkg/contract"
)

// Options: 解码宽松度。
type Options struct {
	// ExtractObject: 去围栏后仍无法解析时，尝试截取首个 '{' 到末个 '}' 之间的内容再解析。
	ExtractObject bool `json:"extract_object,omitempty"`
}

type decoder struct {
	extract bool
}

// New 从原样 JSON Options 创建解码器。
func New(raw json.RawMessage) (contract.Decoder, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("annotationjson options: %w", err)
		}
	}
	return &decoder{extract: opts.ExtractObject}, nil
}

// StripFences 去除首尾的 ``` / ```json 代码围栏（仅处理外层一对）。
func StripFences(s string) string {
	t := strings.TrimSpace(s)
	switch {
	case strings.HasPrefix(t, "```json"):
		t = t[len("```json"):]
	case strings.HasPrefix(t, "```"):
		t = t[len("```"):]
	}
	t = strings.TrimSuffix(strings.TrimSpace(t), "```")
	return strings.TrimSpace(t)
}

// Decode 期望 Raw.Text 为 JSON 对象（可带代码围栏）；缺失字段回填为空值。
func (d *decoder) Decode(ctx context.Context, raw contract.Raw) (contract.Annotation, error) {
	select {
	case <-ctx.Done():
		return contract.Annotation{}, ctx.Err()
	default:
	}
	body := StripFences(raw.Text)
	if body == "" {
		return contract.Annotation{}, fmt.Errorf("empty response: %w", contract.ErrResponseInvalid)
	}
	a, err := sidecar.ParseAnnotation([]byte(body))
	if err == nil {
		return a, nil
	}
	if d.extract {
		i, j := strings.Index(body, "{"), strings.LastIndex(body, "}")
		if i >= 0 && j > i {
			if a2, err2 := sidecar.ParseAnnotation([]byte(body[i : j+1])); err2 == nil {
				return a2, nil
			}
		}
	}
	return contract.Annotation{}, fmt.Errorf("decode annotation: %w", err)
}

var _ contract.Decoder = (*decoder)(nil)
