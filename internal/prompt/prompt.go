package prompt

import (
	"bytes"
	_ "embed"
	"fmt"
	"os"
	"strings"
	"text/template"

	"imgcat/pkg/contract"
)

//go:embed default_instruction.txt
var defaultInstruction string

// Default 返回内置指令模板原文。
func Default() string { return defaultInstruction }

// Options: 指令来源（二选一，均为空时使用内置默认模板）。
type Options struct {
	Inline string `json:"inline"`
	Path   string `json:"path"`
}

// Vars 为模板可用的变量。
type Vars struct {
	Filename string
	MIME     string
}

// Instruction: 固定指令模板，构造期完成 I/O 与解析，运行期只渲染。
type Instruction struct {
	tpl    *template.Template
	static string // 模板不含动作时直接复用
}

// New 加载并解析指令模板。
func New(opts Options) (*Instruction, error) {
	src := defaultInstruction
	switch {
	case strings.TrimSpace(opts.Inline) != "":
		src = opts.Inline
	case opts.Path != "":
		b, err := os.ReadFile(opts.Path)
		if err != nil {
			return nil, fmt.Errorf("prompt read %s: %v: %w", opts.Path, err, contract.ErrConfiguration)
		}
		src = string(b)
	}
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("prompt: empty instruction: %w", contract.ErrConfiguration)
	}
	if !strings.Contains(src, "{{") {
		return &Instruction{static: src}, nil
	}
	tpl, err := template.New("instruction").Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("prompt parse: %v: %w", err, contract.ErrConfiguration)
	}
	return &Instruction{tpl: tpl}, nil
}

// Render 返回发送给注释器的指令文本。
func (in *Instruction) Render(v Vars) (string, error) {
	if in.tpl == nil {
		return in.static, nil
	}
	var buf bytes.Buffer
	if err := in.tpl.Execute(&buf, v); err != nil {
		return "", fmt.Errorf("prompt render: %w", err)
	}
	return buf.String(), nil
}
