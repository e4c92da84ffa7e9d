package rate

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/zeebo/blake3"

	"imgcat/pkg/contract"
)

// defaultKeyEnv 与各注释器插件的默认 api_key_env 保持一致。
var defaultKeyEnv = map[string]string{
	"openai": "OPENAI_API_KEY",
	"gemini": "GOOGLE_API_KEY",
}

// DeriveKeyFromProviderOptions 从注释器标识与其原样 Options JSON 中提取 API Key，
// 返回 client+blake3(key) 构造的限流分组键。找不到 key 时返回配置错误。
// 仅解析常见键名："api_key" 与 "api_key_env"；mock/flaky 使用内置调试 key。
func DeriveKeyFromProviderOptions(client string, raw json.RawMessage) (LimitKey, error) {
	// 为避免跨层依赖 plugins/* 的具体类型，这里按通用 JSON 键解析。
	var obj map[string]any
	_ = json.Unmarshal(raw, &obj)

	pick := func(key string) string {
		if v, ok := obj[key].(string); ok {
			return v
		}
		return ""
	}

	key := pick("api_key")
	switch client {
	case "mock", "flaky":
		if key == "" {
			key = "MOCK_DEBUG_KEY"
		}
	default:
		if key == "" {
			env := pick("api_key_env")
			if env == "" {
				env = defaultKeyEnv[client]
			}
			if env != "" {
				key = os.Getenv(env)
			}
		}
	}
	if key == "" {
		return "", fmt.Errorf("rate: missing api key for client %s: %w", client, contract.ErrConfiguration)
	}
	sum := blake3.Sum256([]byte(key))
	// 仅保留前 16 字节，足以区分分组且便于日志展示
	return LimitKey(client + ":" + hex.EncodeToString(sum[:16])), nil
}
