package contract

import "errors"

// 最小错误分类（用于上层策略判定与诊断码映射）。
var (
	// ErrAnnotationFailed: 标注调用失败（网络/协议/解析），可按失败策略重试。
	ErrAnnotationFailed = errors.New("annotation failed")
	// ErrCompressionFailed: 解码/编码失败，可回退为移动原图。
	ErrCompressionFailed = errors.New("compression failed")
	// ErrPersistFailed: sidecar 写入失败，已回滚孤立文件。
	ErrPersistFailed = errors.New("persist failed")
	// ErrConfiguration: 缺失必需的外部凭据或配置非法；在任何处理开始前致命。
	ErrConfiguration = errors.New("configuration invalid")

	ErrRateLimited     = errors.New("rate limited")
	ErrResponseInvalid = errors.New("response invalid")
	ErrInvalidInput    = errors.New("invalid input")

	// ErrPathInvalid: 目标标识映射为无效/越界路径（例如绝对路径或 '..' 逃逸）。
	ErrPathInvalid = errors.New("path invalid")
)

// UpstreamError 由标注客户端返回，携带远端 HTTP 状态与摘要，
// 供诊断码映射与日志字段使用。
type UpstreamError interface {
	error
	UpstreamStatus() int
	UpstreamMessage() string
}
