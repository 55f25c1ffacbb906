package proxy

import "time"

// 上游协议相关的固定值
const (
	headerVersion   = "anthropic-version"
	headerAPIKey    = "x-api-key"
	contentTypeJSON = "application/json"
	contentTypeSSE  = "text/event-stream"

	// RequestIDHeader 响应中回写的请求 ID
	RequestIDHeader = "X-Request-ID"
)

// Config 配置结构
type Config struct {
	ListenAddr        string        // 监听地址
	Timeout           time.Duration // 等待上游首个响应的上限
	StreamIdleTimeout time.Duration // 流式响应两个数据块之间的最长间隔，0 表示不限制
	DefaultVersion    string        // 入站请求未携带 anthropic-version 时使用
	MaxBodyBytes      int64         // 入站请求体上限
}

// ErrorDetail 错误描述
type ErrorDetail struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorBody 非流式错误响应体，也是流内 error 事件的 data 负载
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// HealthEndpoint /health 中的单个端点
type HealthEndpoint struct {
	Index    int    `json:"index"`
	BaseURL  string `json:"baseURL"`
	HasToken bool   `json:"hasToken"`
}

// HealthResponse /health 的响应格式
type HealthResponse struct {
	Status          string           `json:"status"`
	Timestamp       string           `json:"timestamp"`
	Endpoints       []HealthEndpoint `json:"endpoints"`
	CurrentEndpoint int              `json:"currentEndpoint"`
}
