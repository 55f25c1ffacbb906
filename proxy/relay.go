package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bagaking/claude-balancer/metrics"
)

// statusClientClosed 客户端提前断开时记录到指标里的状态码
const statusClientClosed = 499

// relay 非流式转发：整段读取上游响应，原样回写状态码与响应体
func (p *Proxy) relay(c *gin.Context, ex *exchange, body []byte) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), p.config.Timeout)
	defer cancel()

	req, err := p.newUpstreamRequest(ctx, ex, c.Request.Header, body)
	if err != nil {
		p.relayError(c, ex, err)
		return
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.relayError(c, ex, upstreamError(ctx, err))
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		p.relayError(c, ex, upstreamError(ctx, err))
		return
	}

	if !ex.claim() {
		ex.logger.Warn("response already handled, dropping upstream response", zap.Int("status", resp.StatusCode))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeJSON
	}
	c.Data(resp.StatusCode, contentType, data)

	fields := []zap.Field{
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", ex.elapsed()),
		zap.Int("bytes", len(data)),
	}
	if resp.StatusCode >= http.StatusBadRequest {
		ex.logger.Warn("relay complete with upstream error status", fields...)
	} else {
		ex.logger.Info("relay complete", fields...)
	}
	p.metrics.ObserveRequest(ex.endpoint.Index, metrics.ModeBuffered, resp.StatusCode, ex.elapsed())
}

// relayError 上游没有给出响应时的处理：超时 408，其余 500
func (p *Proxy) relayError(c *gin.Context, ex *exchange, err error) {
	if c.Request.Context().Err() != nil {
		// 客户端已断开，不算失败，也无处可写
		ex.handled = true
		ex.logger.Info("client disconnected before upstream responded",
			zap.Duration("duration", ex.elapsed()),
			zap.Error(err),
		)
		p.metrics.ObserveRequest(ex.endpoint.Index, metrics.ModeBuffered, statusClientClosed, ex.elapsed())
		return
	}

	status, payload := classifyError(err)
	ex.logger.Error("relay failed",
		zap.Int("status", status),
		zap.Duration("duration", ex.elapsed()),
		zap.Error(err),
	)

	if !ex.claim() {
		return
	}
	c.JSON(status, payload)
	p.metrics.ObserveRequest(ex.endpoint.Index, metrics.ModeBuffered, status, ex.elapsed())
}

// upstreamError 根据请求上下文区分超时与连接失败
func upstreamError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || isTimeout(err) {
		return fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}
