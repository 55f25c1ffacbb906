package balancer

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// 注册表加载错误，均为启动期致命错误
var (
	ErrNoEndpoints      = errors.New("no endpoints configured")
	ErrMissingBaseURL   = errors.New("endpoint is missing baseURL")
	ErrMissingAuthToken = errors.New("endpoint is missing authToken")
	ErrInvalidBaseURL   = errors.New("endpoint baseURL is not an absolute URL")
)

// Endpoint 一个上游目标（基础地址 + 凭证）
type Endpoint struct {
	BaseURL   string `yaml:"baseURL" json:"baseURL"`
	AuthToken string `yaml:"authToken" json:"authToken"`

	// Index 在注册表中的位置（0 起），由 NewRegistry 填充
	Index int `yaml:"-" json:"-"`
}

// MessagesURL 上游 messages 接口地址
func (e Endpoint) MessagesURL() string {
	return e.BaseURL + "v1/messages"
}

// Registry 固定、有序的上游列表，加载后不可变
type Registry struct {
	endpoints []Endpoint
}

// NewRegistry 校验并规范化端点列表
//
// 任一条目缺失 baseURL / authToken，或列表为空，都返回错误；
// baseURL 统一补齐结尾的 "/"，以便直接拼接 "v1/messages"。
func NewRegistry(entries []Endpoint) (*Registry, error) {
	if len(entries) == 0 {
		return nil, ErrNoEndpoints
	}

	endpoints := make([]Endpoint, 0, len(entries))
	for i, e := range entries {
		baseURL := strings.TrimSpace(e.BaseURL)
		token := strings.TrimSpace(e.AuthToken)

		if baseURL == "" {
			return nil, fmt.Errorf("endpoint %d: %w", i+1, ErrMissingBaseURL)
		}
		if token == "" {
			return nil, fmt.Errorf("endpoint %d: %w", i+1, ErrMissingAuthToken)
		}

		u, err := url.Parse(baseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("endpoint %d (%q): %w", i+1, baseURL, ErrInvalidBaseURL)
		}
		if !strings.HasSuffix(baseURL, "/") {
			baseURL += "/"
		}

		endpoints = append(endpoints, Endpoint{
			BaseURL:   baseURL,
			AuthToken: token,
			Index:     i,
		})
	}

	return &Registry{endpoints: endpoints}, nil
}

// Len 端点数量，恒 >= 1
func (r *Registry) Len() int {
	return len(r.endpoints)
}

// At 返回第 i 个端点
func (r *Registry) At(i int) Endpoint {
	return r.endpoints[i]
}

// Endpoints 返回端点列表的副本
func (r *Registry) Endpoints() []Endpoint {
	out := make([]Endpoint, len(r.endpoints))
	copy(out, r.endpoints)
	return out
}
