package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	goopenai "github.com/sashabaranov/go-openai"

	"imgcat/pkg/contract"
)

// Options: 最小必需配置（OpenAI 兼容 chat/completions，多模态消息）。
type Options struct {
	BaseURL        string   `json:"base_url"`        // 例如 https://api.openai.com/v1
	Model          string   `json:"model"`           // 为空则使用默认
	APIKeyEnv      string   `json:"api_key_env"`     // 优先从环境变量读取
	APIKey         string   `json:"api_key"`         // 明文传入（按需用于测试）
	TimeoutSeconds int      `json:"timeout_seconds"` // 可选 client 级超时（秒）
	Temperature    *float32 `json:"temperature,omitempty"`
	// ImageDetail: low/high/auto，默认 auto。
	ImageDetail string `json:"image_detail,omitempty"`
	// JSONMode: 为 true 时设置 response_format=json_object。
	JSONMode     bool              `json:"json_mode,omitempty"`
	ExtraHeaders map[string]string `json:"extra_headers"` // 追加/覆盖请求头（OpenRouter 等兼容服务）
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://api.openai.com/v1"
	}
	if o.Model == "" {
		o.Model = "gpt-4.1-mini"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "OPENAI_API_KEY"
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
	if o.ImageDetail == "" {
		o.ImageDetail = string(goopenai.ImageURLDetailAuto)
	}
}

type Client struct {
	api      *goopenai.Client
	model    string
	temp     *float32
	detail   goopenai.ImageURLDetail
	jsonMode bool
}

// headerDoer 在底层 HTTP 调用前注入额外请求头。
type headerDoer struct {
	extra map[string]string
	do    func(*http.Request) (*http.Response, error)
}

func (h headerDoer) Do(req *http.Request) (*http.Response, error) {
	for k, v := range h.extra {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	return h.do(req)
}

// New 从原样 JSON 选项构造客户端。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("openai options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("openai: %w: missing api key (set %s)", contract.ErrConfiguration, opts.APIKeyEnv)
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	cfg := goopenai.DefaultConfig(key)
	cfg.BaseURL = strings.TrimRight(opts.BaseURL, "/")
	cfg.HTTPClient = headerDoer{extra: opts.ExtraHeaders, do: hc.Do}
	return &Client{
		api:      goopenai.NewClientWithConfig(cfg),
		model:    opts.Model,
		temp:     opts.Temperature,
		detail:   goopenai.ImageURLDetail(opts.ImageDetail),
		jsonMode: opts.JSONMode,
	}, nil
}

// Model 返回目标模型名。
func (c *Client) Model() string { return c.model }

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误，便于分类。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("openai upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

func (c *Client) buildRequest(img contract.Image, instruction string) (goopenai.ChatCompletionRequest, error) {
	if len(img.Data) == 0 {
		return goopenai.ChatCompletionRequest{}, fmt.Errorf("openai: empty image %s: %w", img.Name, contract.ErrInvalidInput)
	}
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
	req := goopenai.ChatCompletionRequest{
		Model: c.model,
		Messages: []goopenai.ChatCompletionMessage{{
			Role: goopenai.ChatMessageRoleUser,
			MultiContent: []goopenai.ChatMessagePart{
				{Type: goopenai.ChatMessagePartTypeImageURL, ImageURL: &goopenai.ChatMessageImageURL{URL: dataURI, Detail: c.detail}},
				{Type: goopenai.ChatMessagePartTypeText, Text: instruction},
			},
		}},
	}
	if c.temp != nil {
		req.Temperature = *c.temp
	}
	if c.jsonMode {
		req.ResponseFormat = &goopenai.ChatCompletionResponseFormat{Type: goopenai.ChatCompletionResponseFormatTypeJSONObject}
	}
	return req, nil
}

// mapError 将 SDK 错误映射为统一哨兵/上游错误。
func mapError(ctx context.Context, err error) error {
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return ctx.Err()
	}
	status, msg := 0, ""
	var apiErr *goopenai.APIError
	var reqErr *goopenai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status, msg = apiErr.HTTPStatusCode, apiErr.Message
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
		if reqErr.Err != nil {
			msg = reqErr.Err.Error()
		}
	default:
		return err
	}
	ue := upstreamError{status: status, msg: strings.TrimSpace(msg)}
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: %w", contract.ErrRateLimited, ue)
	}
	return ue
}

// Annotate 实现 contract.Annotator：单次调用，同步返回。
func (c *Client) Annotate(ctx context.Context, img contract.Image, instruction string) (contract.Raw, error) {
	req, err := c.buildRequest(img, instruction)
	if err != nil {
		return contract.Raw{}, err
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return contract.Raw{}, mapError(ctx, err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return contract.Raw{}, fmt.Errorf("openai: empty choice: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: resp.Choices[0].Message.Content}, nil
}

var _ contract.Annotator = (*Client)(nil)
