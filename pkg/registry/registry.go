package registry

import (
	"bytes"
	"encoding/json"
	"sort"

	"imgcat/pkg/contract"
	flaky "imgcat/plugins/annotator/flaky"
	gmi "imgcat/plugins/annotator/gemini"
	mock "imgcat/plugins/annotator/mock"
	oai "imgcat/plugins/annotator/openai"
	dann "imgcat/plugins/decoder/annotationjson"
	rfs "imgcat/plugins/reader/filesystem"
	wfs "imgcat/plugins/writer/filesystem"
)

// strictUnmarshal: 使用 DisallowUnknownFields 严格解码，拒绝未知字段。
func strictUnmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		// 保持零值（默认选项）
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// NewReader 工厂签名：接收原样 JSON Options。
type NewReader func(raw json.RawMessage) (contract.Reader, error)

// NewAnnotator 工厂签名：接收原样 JSON Options。
type NewAnnotator func(raw json.RawMessage) (contract.Annotator, error)

// NewDecoder 工厂签名：接收原样 JSON Options。
type NewDecoder func(raw json.RawMessage) (contract.Decoder, error)

// NewWriter 工厂签名：接收原样 JSON Options。
type NewWriter func(raw json.RawMessage) (contract.Writer, error)

// Reader 工厂注册表（显式、零反射）。
var Reader = map[string]NewReader{
	// fs: 本地目录 Reader（单层、按扩展名过滤）
	"fs": func(raw json.RawMessage) (contract.Reader, error) {
		var opts rfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return rfs.New(&opts), nil
	},
}

// Annotator 工厂注册表。
var Annotator = map[string]NewAnnotator{
	"openai": func(raw json.RawMessage) (contract.Annotator, error) { return oai.New(raw) },
	"gemini": func(raw json.RawMessage) (contract.Annotator, error) { return gmi.New(raw) },
	"mock":   func(raw json.RawMessage) (contract.Annotator, error) { return mock.New(raw) },
	"flaky":  func(raw json.RawMessage) (contract.Annotator, error) { return flaky.New(raw) },
}

// Decoder 工厂注册表。
var Decoder = map[string]NewDecoder{
	// json: 注释对象解码器（去围栏 + 缺失字段回填）
	"json": func(raw json.RawMessage) (contract.Decoder, error) {
		var opts dann.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		b, _ := json.Marshal(opts)
		return dann.New(b)
	},
}

// Writer 工厂注册表。
var Writer = map[string]NewWriter{
	// fs: 文件系统 Writer（覆盖写/原子替换可配置）
	"fs": func(raw json.RawMessage) (contract.Writer, error) {
		var opts wfs.Options
		if err := strictUnmarshal(raw, &opts); err != nil {
			return nil, err
		}
		return wfs.New(&opts)
	},
}

// Names 返回注册表中的名称（用于错误提示）。
func Names[T any](m map[string]T) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
