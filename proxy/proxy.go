package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/bagaking/claude-balancer/balancer"
	"github.com/bagaking/claude-balancer/config"
	"github.com/bagaking/claude-balancer/metrics"
)

// Proxy messages 接口的负载均衡代理
type Proxy struct {
	config    Config
	selector  *balancer.RoundRobin
	transport http.RoundTripper
	client    *http.Client
	logger    Logger
	metrics   *metrics.Metrics
	engine    *gin.Engine
}

// Option 代理选项
type Option func(*Proxy)

// WithLogger 设置日志器
func WithLogger(logger Logger) Option {
	return func(p *Proxy) {
		p.logger = logger
	}
}

// WithMetrics 设置指标集合
func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Proxy) {
		p.metrics = m
	}
}

// WithTransport 替换上游传输层，外层仍包一层 LoggingTransport
func WithTransport(rt http.RoundTripper) Option {
	return func(p *Proxy) {
		p.transport = rt
	}
}

// NewProxy 创建新的代理实例
func NewProxy(cfg Config, selector *balancer.RoundRobin, opts ...Option) *Proxy {
	if cfg.Timeout <= 0 {
		cfg.Timeout = config.DefaultTimeout
	}
	if cfg.DefaultVersion == "" {
		cfg.DefaultVersion = config.DefaultVersion
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultMaxBodyBytes
	}

	p := &Proxy{
		config:   cfg,
		selector: selector,
		logger:   NopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = metrics.New("")
	}

	transport := p.transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	p.client = &http.Client{
		Transport: &LoggingTransport{Transport: transport, Logger: p.logger},
		// 不跟随重定向，上游返回什么就转发什么
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	p.engine = p.newEngine()
	return p
}

// Handler 返回 http.Handler
func (p *Proxy) Handler() http.Handler {
	return p.engine
}

// Start 启动代理服务，ctx 结束后优雅退出
func (p *Proxy) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              p.config.ListenAddr,
		Handler:           p.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.config.ListenAddr, err)
	}

	p.logger.Info("claude balancer listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("health", "/health"),
		zap.String("api", "/v1/messages"),
		zap.Int("endpoints", p.selector.Registry().Len()),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	p.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (p *Proxy) newEngine() *gin.Engine {
	r := gin.New()

	r.Use(p.customRecovery())
	r.Use(corsMiddleware())
	r.Use(p.requestID())
	r.Use(p.accessLog())

	r.POST("/v1/messages", p.handleMessages)
	r.GET("/health", p.handleHealth)
	r.GET("/metrics", gin.WrapH(p.metrics.Handler()))

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, ErrorBody{Error: ErrorDetail{
			Type:    errTypeNotFound,
			Message: fmt.Sprintf("no route for %s %s", c.Request.Method, c.Request.URL.Path),
		}})
	})

	return r
}

// corsMiddleware 统一处理 CORS
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, anthropic-version, x-api-key, X-Request-ID")

		// 预检请求直接返回
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// 自定义 recovery 中间件
func (p *Proxy) customRecovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					p.logger.Debug("handler aborted", zap.String("request_id", c.GetString(ctxKeyRequestID)))
					return
				}

				p.logger.Error("panic recovered",
					zap.Any("panic", err),
					zap.ByteString("stack", debug.Stack()),
					zap.String("request_id", c.GetString(ctxKeyRequestID)),
				)
				if !c.Writer.Written() {
					c.AbortWithStatusJSON(http.StatusInternalServerError, ErrorBody{Error: ErrorDetail{
						Type:    errTypeInternal,
						Message: internalMessage,
					}})
					return
				}
				c.Abort()
			}
		}()
		c.Next()
	}
}

// requestID 为每个请求生成唯一 ID，只用于日志关联
func (p *Proxy) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(ctxKeyRequestID, id)
		c.Request = c.Request.WithContext(contextWithRequestID(c.Request.Context(), id))
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

// accessLog 每个入站请求一行日志
func (p *Proxy) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		p.logger.Info(fmt.Sprintf("%s %s", c.Request.Method, c.Request.URL.Path),
			zap.String("request_id", c.GetString(ctxKeyRequestID)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

// handleMessages 选择端点，并按 stream 标志分发到普通转发或流式转发
func (p *Proxy) handleMessages(c *gin.Context) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, p.config.MaxBodyBytes)
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.JSON(http.StatusRequestEntityTooLarge, ErrorBody{Error: ErrorDetail{
				Type:    errTypeInvalidRequest,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			}})
			return
		}
		c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Type:    errTypeInvalidRequest,
			Message: "failed to read request body",
		}})
		return
	}

	if !gjson.ValidBytes(body) || !gjson.ParseBytes(body).IsObject() {
		c.JSON(http.StatusBadRequest, ErrorBody{Error: ErrorDetail{
			Type:    errTypeInvalidRequest,
			Message: "request body must be a JSON object",
		}})
		return
	}

	ex := p.newExchange(c, body)
	ex.logger.Info("relay start",
		zap.Bool("stream", ex.stream),
		zap.Int("body_bytes", len(body)),
	)

	if ex.stream {
		p.relayStream(c, ex, body)
		return
	}
	p.relay(c, ex, body)
}

// handleHealth 只读的状态视图
func (p *Proxy) handleHealth(c *gin.Context) {
	reg := p.selector.Registry()
	endpoints := make([]HealthEndpoint, 0, reg.Len())
	for _, e := range reg.Endpoints() {
		endpoints = append(endpoints, HealthEndpoint{
			Index:    e.Index + 1,
			BaseURL:  e.BaseURL,
			HasToken: e.AuthToken != "",
		})
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:          "healthy",
		Timestamp:       time.Now().UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		Endpoints:       endpoints,
		CurrentEndpoint: p.selector.Cursor() + 1,
	})
}

// newUpstreamRequest 构造上游请求：固定 JSON 类型、端点凭证、协议版本
func (p *Proxy) newUpstreamRequest(ctx context.Context, ex *exchange, inbound http.Header, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ex.endpoint.MessagesURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build upstream request: %w", err)
	}

	version := inbound.Get(headerVersion)
	if version == "" {
		version = p.config.DefaultVersion
	}

	req.Header.Set("Content-Type", contentTypeJSON)
	req.Header.Set(headerAPIKey, ex.endpoint.AuthToken)
	req.Header.Set(headerVersion, version)
	return req, nil
}
