package diag

import (
	"context"
	"errors"
	"net"
	"os"
	"time"

	"imgcat/pkg/contract"
)

// Code 是最小错误分类代码。
// 仅用于日志/指标汇总，与退出码解耦。
type Code string

const (
	CodeUnknown     Code = "unknown"
	CodeNetwork     Code = "network"
	CodeProtocol    Code = "protocol"
	CodeInvariant   Code = "invariant"
	CodeBudget      Code = "budget"
	CodeCancel      Code = "cancel"
	CodeIO          Code = "io"
	CodeUpstream    Code = "upstream"
	CodeAnnotation  Code = "annotation_failed"
	CodeCompression Code = "compression_failed"
	CodePersist     Code = "persist_failed"
	CodeConfig      Code = "config_invalid"
)

// Classify 将错误归为最小分类。
// 说明：仅依赖哨兵错误与标准库错误类型，不做字符串匹配。
func Classify(err error) Code {
	if err == nil {
		return CodeUnknown
	}
	// 取消/超时优先
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancel
	}
	if errors.Is(err, contract.ErrConfiguration) {
		return CodeConfig
	}
	if errors.Is(err, contract.ErrRateLimited) {
		return CodeBudget
	}
	if errors.Is(err, contract.ErrResponseInvalid) {
		return CodeProtocol
	}
	if errors.Is(err, contract.ErrCompressionFailed) {
		return CodeCompression
	}
	if errors.Is(err, contract.ErrPersistFailed) {
		return CodePersist
	}
	var uerr contract.UpstreamError
	if errors.As(err, &uerr) && uerr.UpstreamStatus() > 0 {
		return CodeUpstream
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return CodeNetwork
	}
	if errors.Is(err, contract.ErrAnnotationFailed) {
		return CodeAnnotation
	}
	if errors.Is(err, contract.ErrInvalidInput) || errors.Is(err, contract.ErrPathInvalid) {
		return CodeInvariant
	}
	var perr *os.PathError
	if errors.As(err, &perr) {
		return CodeIO
	}
	return CodeUnknown
}

// NowUTC 返回 RFC3339 UTC 时间字符串。
func NowUTC() string { return time.Now().UTC().Format(time.RFC3339) }
