package flaky

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"imgcat/pkg/contract"
	"imgcat/plugins/annotator/mock"
)

// Options 定义可选项。
type Options struct {
	// Sequence: 前若干次调用的结果，依次消费；耗尽后委托给 mock。
	// 可选值：rate_limited | invalid_json | error | ok。
	// 默认 ["rate_limited","invalid_json"]。
	Sequence []string `json:"sequence,omitempty"`
	// Always: 为 true 时每次调用都失败（error），用于验证连续失败停止策略。
	Always bool `json:"always,omitempty"`
	// LogPath: 调试用日志文件，记录每次调用结果（可选）。
	LogPath string `json:"log_path,omitempty"`
}

// Client 是带状态的注释器实现：按 Sequence 依次返回失败，之后返回 mock 注释。
type Client struct {
	seq     []string
	always  bool
	logPath string
	count   atomic.Int32
	next    *mock.Client
}

// New 构造 Client。
func New(raw json.RawMessage) (*Client, error) {
	var o Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &o); err != nil {
			return nil, err
		}
	}
	if o.Sequence == nil {
		o.Sequence = []string{"rate_limited", "invalid_json"}
	}
	for _, s := range o.Sequence {
		switch s {
		case "rate_limited", "invalid_json", "error", "ok":
		default:
			return nil, fmt.Errorf("flaky: unknown outcome %q: %w", s, contract.ErrConfiguration)
		}
	}
	m, _ := mock.New(json.RawMessage(`{"prefix":"FLAKY"}`))
	return &Client{seq: o.Sequence, always: o.Always, logPath: o.LogPath, next: m}, nil
}

// Calls 返回累计调用次数。
func (c *Client) Calls() int { return int(c.count.Load()) }

func (c *Client) log(s string) {
	if c.logPath == "" {
		return
	}
	// 追加写入，忽略错误。
	_ = appendFile(c.logPath, s+"\n")
}

// appendFile 以追加方式写入。
func appendFile(path, s string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(s)
	return err
}

// Annotate 实现 contract.Annotator。
func (c *Client) Annotate(ctx context.Context, img contract.Image, instruction string) (contract.Raw, error) {
	n := int(c.count.Add(1))
	outcome := "ok"
	switch {
	case c.always:
		outcome = "error"
	case n <= len(c.seq):
		outcome = c.seq[n-1]
	}
	c.log(strings.Join([]string{img.Name, outcome}, " "))
	switch outcome {
	case "rate_limited":
		return contract.Raw{}, fmt.Errorf("flaky call %d: %w", n, contract.ErrRateLimited)
	case "invalid_json":
		return contract.Raw{Text: "invalid"}, nil
	case "error":
		return contract.Raw{}, fmt.Errorf("flaky call %d: %w", n, contract.ErrAnnotationFailed)
	}
	return c.next.Annotate(ctx, img, instruction)
}

var _ contract.Annotator = (*Client)(nil)
