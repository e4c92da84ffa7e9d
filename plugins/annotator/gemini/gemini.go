package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"imgcat/pkg/contract"
)

// Options: Google Generative Language API (Gemini) 最小必需。
type Options struct {
	BaseURL   string `json:"base_url"`    // https://generativelanguage.googleapis.com
	Model     string `json:"model"`       // 默认 gemini-2.0-flash-exp
	APIKeyEnv string `json:"api_key_env"` // 默认 GOOGLE_API_KEY
	APIKey    string `json:"api_key"`
	// 客户端超时（秒）。未设置或 <=0 时采用默认 60 秒。
	TimeoutSeconds int `json:"timeout_seconds,omitempty"`
	// 第三方兼容（最小）
	EndpointPath  string            `json:"endpoint_path"`    // 可覆盖默认 /v1beta/models/{model}:generateContent；支持 {model} 占位
	APIKeyInQuery *bool             `json:"api_key_in_query"` // 默认 true；为 false 时使用 x-goog-api-key 头
	ExtraHeaders  map[string]string `json:"extra_headers"`
	ExtraQuery    map[string]string `json:"extra_query"`
	// ResponseMIMEType: 非空时写入 generationConfig.response_mime_type（如 application/json）。
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}

func (o *Options) defaults() {
	if o.BaseURL == "" {
		o.BaseURL = "https://generativelanguage.googleapis.com"
	}
	if o.Model == "" {
		o.Model = "gemini-2.0-flash-exp"
	}
	if o.APIKeyEnv == "" {
		o.APIKeyEnv = "GOOGLE_API_KEY"
	}
	if o.EndpointPath == "" {
		o.EndpointPath = "/v1beta/models/{model}:generateContent"
	}
	if o.APIKeyInQuery == nil {
		t := true
		o.APIKeyInQuery = &t
	}
	if o.TimeoutSeconds <= 0 {
		o.TimeoutSeconds = 60
	}
}

type Client struct {
	hc       *http.Client
	url      string // 完整路径（模型占位已展开）
	model    string
	apiKey   string
	inQuery  bool
	extraH   map[string]string
	extraQ   map[string]string
	respMIME string
	do       func(*http.Request) (*http.Response, error)
}

// New 构造客户端；缺失 API Key 属于配置错误（在任何处理开始前致命）。
func New(raw json.RawMessage) (*Client, error) {
	var opts Options
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &opts); err != nil {
			return nil, fmt.Errorf("gemini options: %w", err)
		}
	}
	opts.defaults()
	key := opts.APIKey
	if key == "" && opts.APIKeyEnv != "" {
		key = os.Getenv(opts.APIKeyEnv)
	}
	if key == "" {
		return nil, fmt.Errorf("gemini: %w: missing api key (set %s)", contract.ErrConfiguration, opts.APIKeyEnv)
	}
	path := strings.ReplaceAll(opts.EndpointPath, "{model}", url.PathEscape(opts.Model))
	if !(strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://")) {
		path = strings.TrimRight(opts.BaseURL, "/") + "/" + strings.TrimLeft(path, "/")
	}
	hc := &http.Client{Timeout: time.Duration(opts.TimeoutSeconds) * time.Second}
	return &Client{
		hc: hc, url: path, model: opts.Model, apiKey: key, inQuery: *opts.APIKeyInQuery,
		extraH: opts.ExtraHeaders, extraQ: opts.ExtraQuery, respMIME: opts.ResponseMIMEType, do: hc.Do,
	}, nil
}

// Model 返回目标模型名（用于终端提示）。
func (c *Client) Model() string { return c.model }

// 请求/响应（最小字段）。
type gmInlineData struct {
	MIMEType string `json:"mime_type"`
	Data     string `json:"data"`
}
type gmPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *gmInlineData `json:"inline_data,omitempty"`
}
type gmContent struct {
	Role  string   `json:"role,omitempty"`
	Parts []gmPart `json:"parts"`
}
type gmGenerationConfig struct {
	ResponseMIMEType string `json:"response_mime_type,omitempty"`
}
type gmReq struct {
	Contents         []gmContent         `json:"contents"`
	GenerationConfig *gmGenerationConfig `json:"generationConfig,omitempty"`
}
type gmResp struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// upstreamError 实现 net.Error，用于将 HTTP 上游 5xx/408 映射为网络类错误。
type upstreamError struct {
	status int
	msg    string
}

func (e upstreamError) Error() string           { return fmt.Sprintf("gemini upstream %d: %s", e.status, e.msg) }
func (e upstreamError) Timeout() bool           { return e.status == http.StatusRequestTimeout }
func (e upstreamError) Temporary() bool         { return e.status/100 == 5 }
func (e upstreamError) UpstreamStatus() int     { return e.status }
func (e upstreamError) UpstreamMessage() string { return e.msg }

// encodeRequest: 图片（inline_data，base64）在前，指令文本在后。
func (c *Client) encodeRequest(img contract.Image, instruction string) ([]byte, error) {
	if len(img.Data) == 0 {
		return nil, fmt.Errorf("gemini: empty image %s: %w", img.Name, contract.ErrInvalidInput)
	}
	mime := img.MIME
	if mime == "" {
		mime = "image/jpeg"
	}
	req := gmReq{Contents: []gmContent{{Parts: []gmPart{
		{InlineData: &gmInlineData{MIMEType: mime, Data: base64.StdEncoding.EncodeToString(img.Data)}},
		{Text: instruction},
	}}}}
	if c.respMIME != "" {
		req.GenerationConfig = &gmGenerationConfig{ResponseMIMEType: c.respMIME}
	}
	return json.Marshal(&req)
}

// Annotate 实现 contract.Annotator。
func (c *Client) Annotate(ctx context.Context, img contract.Image, instruction string) (contract.Raw, error) {
	body, err := c.encodeRequest(img, instruction)
	if err != nil {
		return contract.Raw{}, err
	}
	u, err := url.Parse(c.url)
	if err != nil {
		return contract.Raw{}, fmt.Errorf("invalid url: %v: %w", err, contract.ErrConfiguration)
	}
	q := u.Query()
	if c.inQuery {
		q.Set("key", c.apiKey)
	}
	for k, v := range c.extraQ {
		if k != "" {
			q.Set(k, v)
		}
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return contract.Raw{}, fmt.Errorf("new request: %v: %w", err, contract.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if !c.inQuery {
		req.Header.Set("x-goog-api-key", c.apiKey)
	}
	for k, v := range c.extraH {
		if k != "" {
			req.Header.Set(k, v)
		}
	}
	resp, err := c.do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			if ctx.Err() != nil {
				return contract.Raw{}, ctx.Err()
			}
		}
		// 不回显 URL（query 中带有 key）
		var uerr *url.Error
		if errors.As(err, &uerr) {
			return contract.Raw{}, fmt.Errorf("gemini %s: %w", uerr.Op, uerr.Err)
		}
		return contract.Raw{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		slurp, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		ue := upstreamError{status: resp.StatusCode, msg: strings.TrimSpace(string(slurp))}
		if resp.StatusCode == http.StatusTooManyRequests {
			return contract.Raw{}, fmt.Errorf("%w: %w", contract.ErrRateLimited, ue)
		}
		return contract.Raw{}, ue
	}
	var gr gmResp
	if err := json.NewDecoder(resp.Body).Decode(&gr); err != nil {
		return contract.Raw{}, fmt.Errorf("decode: %v: %w", err, contract.ErrResponseInvalid)
	}
	if len(gr.Candidates) == 0 {
		return contract.Raw{}, fmt.Errorf("gemini: no candidates: %w", contract.ErrResponseInvalid)
	}
	parts := gr.Candidates[0].Content.Parts
	if len(parts) == 0 || strings.TrimSpace(parts[0].Text) == "" {
		return contract.Raw{}, fmt.Errorf("gemini: empty candidate: %w", contract.ErrResponseInvalid)
	}
	return contract.Raw{Text: parts[0].Text}, nil
}

var _ contract.Annotator = (*Client)(nil)
