package proxy

import (
	"context"
	"errors"
	"net"
	"net/http"
)

// 转发过程中的错误
var (
	// ErrUpstreamTimeout 上游未在限定时间内响应
	ErrUpstreamTimeout = errors.New("upstream request timed out")

	// ErrUpstreamUnavailable 上游连接失败（拒绝连接、DNS 失败、连接重置等）
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrStreamIdle 上游流在限定时间内没有新数据
	ErrStreamIdle = errors.New("upstream stream idle")

	// ErrIllegalTransition 流状态机出现非法迁移
	ErrIllegalTransition = errors.New("illegal stream state transition")
)

// 对外的错误类型
const (
	errTypeInternal       = "internal_error"
	errTypeTimeout        = "timeout_error"
	errTypeInvalidRequest = "invalid_request_error"
	errTypeNotFound       = "not_found_error"
	errTypeUpstream       = "upstream_error"

	timeoutMessage      = "Request timeout"
	internalMessage     = "Internal server error"
	unavailableMessage  = "Upstream unavailable"
	streamBrokenMessage = "Upstream stream interrupted"
)

// classifyError 把上游错误映射为状态码与错误体
//
// 返回给客户端的 message 是固定短语，不含上游地址；完整错误只进日志。
func classifyError(err error) (int, ErrorBody) {
	if isTimeout(err) {
		return http.StatusRequestTimeout, ErrorBody{Error: ErrorDetail{
			Type:    errTypeTimeout,
			Message: timeoutMessage,
		}}
	}
	msg := internalMessage
	if errors.Is(err, ErrUpstreamUnavailable) {
		msg = unavailableMessage
	}
	return http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
		Type:    errTypeInternal,
		Message: msg,
	}}
}

// isTimeout 判断是否为超时类错误
func isTimeout(err error) bool {
	if errors.Is(err, ErrUpstreamTimeout) || errors.Is(err, ErrStreamIdle) ||
		errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
