package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// templateJSONC: init-config 写出的带注释模板，值与 Defaults() 一致。
const templateJSONC = `{
  // 输入目录中的图片被处理后移出；输出目录存放 图片 + 同名 .json
  "folders": {
    "input": "input",
    "output": "output"
  },
  "supported_formats": [".jpg", ".jpeg", ".png", ".gif", ".webp", ".bmp"],

  "processing": {
    "verbose": true,
    "show_preview_tags": 5,
    "max_consecutive_failures": 3,
    // stop_on_consecutive | retry_every_minute
    "failure_mode": "retry_every_minute",
    "retry_delay_seconds": 60
  },

  "output": {
    "json_indent": 2,
    "ensure_ascii": false
  },

  "compression": {
    "enabled": true,
    "quality": 65,
    "max_resolution": [1280, 1280],
    "strip_metadata": true,
    // 仅支持 webp
    "output_format": "webp"
  },

  // 选用的 provider 名称（见 provider 映射）
  "annotator": "gemini",
  "provider": {
    "gemini": {
      "client": "gemini",
      "options": {
        "model": "gemini-2.0-flash-exp",
        "api_key_env": "GOOGLE_API_KEY",
        "timeout_seconds": 60
      },
      "limits": { "rpm": 0 }
    },
    "openai": {
      "client": "openai",
      "options": {
        "model": "gpt-4.1-mini",
        "api_key_env": "OPENAI_API_KEY",
        "json_mode": true
      },
      "limits": { "rpm": 0 }
    },
    // 离线调试：按文件名生成标签
    "mock": {
      "client": "mock",
      "options": {},
      "limits": { "rpm": 0 }
    }
  },

  // 为空使用内置指令
  "prompt_path": "",

  "logging": {
    "level": "info",
    "dir": "logs"
  },

  "server": {
    "addr": ":8000",
    "frontend_dir": ""
  }
}
`

// Template 返回 init-config 模板内容。
func Template() []byte { return []byte(templateJSONC) }

// WriteTemplate 将模板写到 path；文件已存在且未指定 force 时返回错误。
func WriteTemplate(path string, force bool) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if !force {
		flag |= os.O_EXCL
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	}
	if err != nil {
		return err
	}
	if _, err := f.Write(Template()); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
