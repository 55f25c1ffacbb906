package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bagaking/claude-balancer/metrics"
)

const (
	streamBufferSize = 32 << 10
	progressEvery    = 100
	maxErrorBody     = 64 << 10
)

// streamState 流式转发的状态
type streamState int

const (
	stateInit streamState = iota
	stateHeadersSent
	stateStreaming
	stateCompleted
	stateAborted
)

func (s streamState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateHeadersSent:
		return "headers_sent"
	case stateStreaming:
		return "streaming"
	case stateCompleted:
		return "completed"
	case stateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// streamTransitions 合法迁移表；终态没有出边
var streamTransitions = map[streamState][]streamState{
	stateInit:        {stateHeadersSent, stateAborted},
	stateHeadersSent: {stateStreaming, stateAborted},
	stateStreaming:   {stateCompleted, stateAborted},
}

func (s streamState) canTransitionTo(next streamState) bool {
	for _, allowed := range streamTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// streamRelay 单次流式转发
//
// state 只由处理请求的 goroutine 修改；cleanup 可能由客户端断开的回调、
// 空闲超时的定时器和处理 goroutine 同时触发，由 sync.Once 保证只执行一次。
type streamRelay struct {
	p  *Proxy
	ex *exchange
	c  *gin.Context
	w  *streamResponseWriter

	state  streamState
	cancel context.CancelFunc

	mu       sync.Mutex
	body     io.ReadCloser
	released bool
	once     sync.Once

	headerTimedOut atomic.Bool
	idleTimedOut   atomic.Bool
	clientGone     atomic.Bool

	bytes  int64
	chunks int
	tail   [2]byte
}

// relayStream 流式转发入口
func (p *Proxy) relayStream(c *gin.Context, ex *exchange, body []byte) {
	p.newStreamRelay(c, ex).run(body)
}

func (p *Proxy) newStreamRelay(c *gin.Context, ex *exchange) *streamRelay {
	return &streamRelay{
		p:  p,
		ex: ex,
		c:  c,
		w:  newStreamResponseWriter(c.Writer),
	}
}

// run 驱动一次完整的流式转发，返回时响应已结束
func (s *streamRelay) run(body []byte) {
	downstream := s.c.Request.Context()
	ctx, cancel := context.WithCancel(downstream)
	s.cancel = cancel
	defer s.cleanup()

	// 客户端断开（读侧关闭）
	stop := context.AfterFunc(downstream, func() {
		s.clientGone.Store(true)
		s.cleanup()
	})
	defer stop()

	s.p.metrics.StreamStarted()

	req, err := s.p.newUpstreamRequest(ctx, s.ex, s.c.Request.Header, body)
	if err != nil {
		s.fail(err)
		return
	}

	if err := s.commitHeaders(); err != nil {
		s.fail(err)
		return
	}

	resp, err := s.roundTrip(req)
	if err != nil {
		s.fail(err)
		return
	}
	if !s.attach(resp.Body) {
		s.fail(fmt.Errorf("%w: stream released before upstream responded", ErrUpstreamUnavailable))
		return
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		s.failUpstreamStatus(resp)
		return
	}

	if err := s.to(stateStreaming); err != nil {
		s.fail(err)
		return
	}
	s.ex.logger.Debug("stream established", zap.Int("status", resp.StatusCode))
	s.pump(resp.StatusCode)
}

// to 执行状态迁移，非法迁移返回错误且不改变状态
func (s *streamRelay) to(next streamState) error {
	if !s.state.canTransitionTo(next) {
		err := fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, next)
		s.ex.logger.Error("stream state machine", zap.Error(err))
		return err
	}
	s.state = next
	return nil
}

// setStreamHeaders 事件流响应头
func (s *streamRelay) setStreamHeaders() {
	h := s.c.Writer.Header()
	h.Set("Content-Type", contentTypeSSE)
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("X-Accel-Buffering", "no")
}

// commitHeaders INIT -> HEADERS_SENT，此后不能再改变状态码
func (s *streamRelay) commitHeaders() error {
	if err := s.to(stateHeadersSent); err != nil {
		return err
	}
	s.ex.claim()
	s.setStreamHeaders()
	s.w.commit(http.StatusOK)
	return nil
}

// roundTrip 发出上游请求；超时只约束等待响应头的阶段
func (s *streamRelay) roundTrip(req *http.Request) (*http.Response, error) {
	timeout := s.p.config.Timeout
	timer := time.AfterFunc(timeout, func() {
		s.headerTimedOut.Store(true)
		s.cancel()
	})

	resp, err := s.p.client.Do(req)
	if !timer.Stop() {
		// 定时器已触发，上游上下文已经或即将被取消
		s.headerTimedOut.Store(true)
		if err == nil {
			_ = resp.Body.Close()
		}
		return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, timeout)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return resp, nil
}

// attach 记录上游响应体；若已被释放则立即关闭并返回 false
func (s *streamRelay) attach(body io.ReadCloser) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		_ = body.Close()
		return false
	}
	s.body = body
	return true
}

// cleanup 取消上游请求并关闭上游响应体，可重复调用
func (s *streamRelay) cleanup() {
	s.once.Do(func() {
		s.cancel()

		s.mu.Lock()
		body := s.body
		s.released = true
		s.mu.Unlock()

		if body != nil {
			_ = body.Close()
		}
	})
}

// pump 逐块转发上游数据，不合并、不拆分、不改写
//
// 空闲计时只覆盖等待上游数据的时间，向客户端写出期间暂停。
func (s *streamRelay) pump(status int) {
	var (
		idle    *time.Timer
		idleFor = s.p.config.StreamIdleTimeout
	)
	if idleFor > 0 {
		idle = time.AfterFunc(idleFor, func() {
			s.idleTimedOut.Store(true)
			s.cleanup()
		})
		defer idle.Stop()
	}

	buf := make([]byte, streamBufferSize)
	for {
		if idle != nil {
			idle.Reset(idleFor)
		}
		n, err := s.body.Read(buf)
		if idle != nil {
			idle.Stop()
		}

		if n > 0 {
			chunk := buf[:n]
			if _, werr := s.w.Write(chunk); werr != nil {
				// 响应流（写侧）关闭
				s.clientGone.Store(true)
				s.cleanup()
				s.abort(metrics.OutcomeDisconnect, statusClientClosed, werr)
				return
			}
			s.track(chunk)
		}

		if errors.Is(err, io.EOF) {
			s.complete(status)
			return
		}
		if err != nil {
			s.failStreaming(err)
			return
		}
	}
}

// track 统计字节数与块数，只用于观测
func (s *streamRelay) track(chunk []byte) {
	s.bytes += int64(len(chunk))
	s.chunks++
	if len(chunk) >= 2 {
		s.tail = [2]byte{chunk[len(chunk)-2], chunk[len(chunk)-1]}
	} else {
		s.tail = [2]byte{s.tail[1], chunk[0]}
	}
	s.p.metrics.StreamChunk(s.ex.endpoint.Index, len(chunk))

	if s.chunks%progressEvery == 0 {
		s.ex.logger.Debug("stream progress",
			zap.Int("chunks", s.chunks),
			zap.Int64("bytes", s.bytes),
			zap.Duration("elapsed", s.ex.elapsed()),
		)
	}
}

// complete STREAMING -> COMPLETED
func (s *streamRelay) complete(status int) {
	if err := s.to(stateCompleted); err != nil {
		return
	}
	s.ex.logger.Info("stream complete",
		zap.Int("status", status),
		zap.Duration("duration", s.ex.elapsed()),
		zap.Int64("bytes", s.bytes),
		zap.Int("chunks", s.chunks),
	)
	s.p.metrics.StreamFinished(metrics.OutcomeCompleted)
	s.p.metrics.ObserveRequest(s.ex.endpoint.Index, metrics.ModeStream, status, s.ex.elapsed())
}

// abort -> ABORTED，记录结果；不负责写任何数据
func (s *streamRelay) abort(outcome string, status int, cause error) {
	from := s.state
	if err := s.to(stateAborted); err != nil {
		return
	}

	fields := []zap.Field{
		zap.String("from", from.String()),
		zap.String("outcome", outcome),
		zap.Duration("duration", s.ex.elapsed()),
		zap.Int64("bytes", s.bytes),
		zap.Int("chunks", s.chunks),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	if outcome == metrics.OutcomeDisconnect {
		s.ex.logger.Info("stream aborted by client", fields...)
	} else {
		s.ex.logger.Error("stream aborted", fields...)
	}

	s.p.metrics.StreamFinished(outcome)
	s.p.metrics.ObserveRequest(s.ex.endpoint.Index, metrics.ModeStream, status, s.ex.elapsed())
}

// fail 上游数据到达之前的失败
//
// 仍处于 INIT 时还能选择状态码，按事件流格式写出错误响应；
// 已经提交响应头时只能写流内 error 事件。
func (s *streamRelay) fail(err error) {
	s.cleanup()

	if s.clientGone.Load() && !s.headerTimedOut.Load() {
		s.abort(metrics.OutcomeDisconnect, statusClientClosed, err)
		return
	}

	status, payload := classifyError(err)
	if s.state == stateInit {
		if !s.ex.claim() {
			s.abort(metrics.OutcomeUpstream, status, err)
			return
		}
		s.setStreamHeaders()
		s.w.commit(status)
	}

	s.writeErrorEvent(mustMarshal(payload))
	s.abort(outcomeFor(status), status, err)
}

// failStreaming 流传输过程中读取上游失败
func (s *streamRelay) failStreaming(err error) {
	switch {
	case s.idleTimedOut.Load():
		err = fmt.Errorf("%w: no data for %s", ErrStreamIdle, s.p.config.StreamIdleTimeout)
	case s.headerTimedOut.Load():
		err = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
	case s.clientGone.Load():
		s.abort(metrics.OutcomeDisconnect, statusClientClosed, err)
		return
	}

	s.cleanup()
	status, payload := classifyError(err)
	if status == http.StatusInternalServerError {
		payload.Error.Message = streamBrokenMessage
	}
	s.writeErrorEvent(mustMarshal(payload))
	s.abort(outcomeFor(status), status, err)
}

// failUpstreamStatus 上游返回非 2xx；响应头已提交，错误体转为流内事件
//
// 读取错误体同样受 Timeout 约束，上游停在响应体上时以 timeout_error 结束。
func (s *streamRelay) failUpstreamStatus(resp *http.Response) {
	var bodyTimedOut atomic.Bool
	timeout := s.p.config.Timeout
	timer := time.AfterFunc(timeout, func() {
		bodyTimedOut.Store(true)
		s.cleanup()
	})

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	timer.Stop()
	s.cleanup()

	switch {
	case err != nil && bodyTimedOut.Load():
		err = fmt.Errorf("%w: reading %d error body after %s", ErrUpstreamTimeout, resp.StatusCode, timeout)
		status, payload := classifyError(err)
		s.writeErrorEvent(mustMarshal(payload))
		s.abort(outcomeFor(status), status, err)
		return
	case err != nil && s.clientGone.Load():
		s.abort(metrics.OutcomeDisconnect, statusClientClosed, err)
		return
	}

	s.writeErrorEvent(upstreamErrorPayload(resp.StatusCode, raw))
	s.abort(metrics.OutcomeUpstream, resp.StatusCode,
		fmt.Errorf("upstream responded %d", resp.StatusCode))
}

// writeErrorEvent 写出 "event: error" 事件；与上游残留数据之间补齐空行
func (s *streamRelay) writeErrorEvent(data []byte) {
	var b bytes.Buffer
	switch {
	case s.bytes == 0 || s.tail == [2]byte{'\n', '\n'}:
	case s.tail[1] == '\n':
		b.WriteString("\n")
	default:
		b.WriteString("\n\n")
	}
	b.WriteString("event: error\ndata: ")
	b.Write(data)
	b.WriteString("\n\n")

	if _, err := s.w.Write(b.Bytes()); err != nil {
		s.ex.logger.Debug("failed to write error event", zap.Error(err))
	}
}

// upstreamErrorPayload 上游错误体本身是带 error 字段的 JSON 时原样（压缩为单行）转发
func upstreamErrorPayload(status int, raw []byte) []byte {
	if gjson.ValidBytes(raw) && gjson.GetBytes(raw, "error").Exists() {
		var compact bytes.Buffer
		if err := json.Compact(&compact, raw); err == nil {
			return compact.Bytes()
		}
	}

	msg := fmt.Sprintf("upstream responded %d %s", status, http.StatusText(status))
	if text := strings.TrimSpace(string(raw)); text != "" {
		msg += ": " + text
	}
	return mustMarshal(ErrorBody{Error: ErrorDetail{Type: errTypeUpstream, Message: msg}})
}

func outcomeFor(status int) string {
	if status == http.StatusRequestTimeout {
		return metrics.OutcomeTimeout
	}
	return metrics.OutcomeUpstream
}

func mustMarshal(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"error":{"type":"internal_error","message":"failed to encode error"}}`)
	}
	return data
}
