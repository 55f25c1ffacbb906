package proxy

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bagaking/claude-balancer/balancer"
)

const ctxKeyRequestID = "request_id"

type requestIDKey struct{}

func contextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// exchange 单个入站请求的转发上下文，只在本次请求处理期间存在
type exchange struct {
	id       string
	start    time.Time
	endpoint balancer.Endpoint
	stream   bool
	handled  bool
	logger   Logger
}

// newExchange 选择端点并建立转发上下文
//
// 端点选择在这里一次完成，之后不再触碰游标。
func (p *Proxy) newExchange(c *gin.Context, body []byte) *exchange {
	endpoint := p.selector.Next()
	id := c.GetString(ctxKeyRequestID)

	return &exchange{
		id:       id,
		start:    time.Now(),
		endpoint: endpoint,
		stream:   gjson.GetBytes(body, "stream").Type == gjson.True,
		logger: p.logger.With(
			zap.String("request_id", id),
			zap.Int("endpoint", endpoint.Index+1),
			zap.Int("endpoints", p.selector.Registry().Len()),
			zap.String("base_url", endpoint.BaseURL),
		),
	}
}

// claim 占用本次请求唯一的响应机会；已被占用时返回 false
func (ex *exchange) claim() bool {
	if ex.handled {
		return false
	}
	ex.handled = true
	return true
}

func (ex *exchange) elapsed() time.Duration {
	return time.Since(ex.start)
}
