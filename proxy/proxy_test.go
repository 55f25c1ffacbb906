package proxy

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bagaking/claude-balancer/balancer"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// newTestProxy 每个上游地址对应一个端点，凭证为 token-<序号>
func newTestProxy(t *testing.T, cfg Config, upstreamURLs ...string) *Proxy {
	t.Helper()

	entries := make([]balancer.Endpoint, 0, len(upstreamURLs))
	for i, u := range upstreamURLs {
		entries = append(entries, balancer.Endpoint{
			BaseURL:   u + "/",
			AuthToken: fmt.Sprintf("token-%d", i+1),
		})
	}
	reg, err := balancer.NewRegistry(entries)
	require.NoError(t, err)

	return NewProxy(cfg, balancer.NewRoundRobin(reg))
}

// closedURL 返回一个已关闭服务的地址，连接会被拒绝
func closedURL(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(http.NotFoundHandler())
	u := srv.URL
	srv.Close()
	return u
}

func postMessages(p *Proxy, body string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/v1/messages", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, req)
	return rec
}

func TestProxy_RoundRobinAcrossEndpoints(t *testing.T) {
	t.Parallel()

	newUpstream := func(name string) *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = fmt.Fprintf(w, `{"served_by":%q,"key":%q}`, name, r.Header.Get("x-api-key"))
		}))
	}
	a, b := newUpstream("a"), newUpstream("b")
	defer a.Close()
	defer b.Close()

	p := newTestProxy(t, Config{}, a.URL, b.URL)

	want := []string{
		`{"served_by":"a","key":"token-1"}`,
		`{"served_by":"b","key":"token-2"}`,
		`{"served_by":"a","key":"token-1"}`,
		`{"served_by":"b","key":"token-2"}`,
	}
	for i, w := range want {
		rec := postMessages(p, `{"model":"m"}`, nil)
		require.Equal(t, http.StatusOK, rec.Code, "request %d", i+1)
		assert.Equal(t, w, rec.Body.String(), "request %d", i+1)
	}
}

func TestProxy_Health(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{}`)
	}))
	defer upstream.Close()

	p := newTestProxy(t, Config{}, upstream.URL, upstream.URL, upstream.URL)
	postMessages(p, `{}`, nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var health HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &health))

	assert.Equal(t, "healthy", health.Status)
	assert.NotEmpty(t, health.Timestamp)
	assert.Equal(t, 2, health.CurrentEndpoint)
	require.Len(t, health.Endpoints, 3)
	for i, e := range health.Endpoints {
		assert.Equal(t, i+1, e.Index)
		assert.Equal(t, upstream.URL+"/", e.BaseURL)
		assert.True(t, e.HasToken)
	}
	assert.NotContains(t, rec.Body.String(), "token-1")
}

func TestProxy_HealthHasNoSideEffects(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{}, "http://a.invalid", "http://b.invalid")
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		require.Equal(t, http.StatusOK, rec.Code)
	}
	assert.Equal(t, 0, p.selector.Cursor())
}

func TestProxy_CORSPreflight(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{}, "http://a.invalid")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/v1/messages", nil))

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, 0, p.selector.Cursor())
}

func TestProxy_RequestIDHeader(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{}, "http://a.invalid")

	first := httptest.NewRecorder()
	p.Handler().ServeHTTP(first, httptest.NewRequest(http.MethodGet, "/health", nil))
	second := httptest.NewRecorder()
	p.Handler().ServeHTTP(second, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.NotEmpty(t, first.Header().Get(RequestIDHeader))
	assert.NotEqual(t, first.Header().Get(RequestIDHeader), second.Header().Get(RequestIDHeader))
}

func TestProxy_InvalidBody(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{}, "http://a.invalid")

	for _, body := range []string{`{"model":`, `[1,2]`, `"text"`, ``} {
		rec := postMessages(p, body, nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "body %q", body)
		assert.Contains(t, rec.Body.String(), errTypeInvalidRequest)
	}
	// 被拒绝的请求不消耗轮询位置
	assert.Equal(t, 0, p.selector.Cursor())
}

func TestProxy_BodyTooLarge(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{MaxBodyBytes: 16}, "http://a.invalid")

	rec := postMessages(p, `{"model":"a-very-long-model-name"}`, nil)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestProxy_NotFound(t *testing.T) {
	t.Parallel()

	p := newTestProxy(t, Config{}, "http://a.invalid")

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/models", nil))

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), errTypeNotFound)
}

func TestProxy_MetricsEndpoint(t *testing.T) {
	t.Parallel()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"id":"msg_1"}`)
	}))
	defer upstream.Close()

	p := newTestProxy(t, Config{}, upstream.URL)
	postMessages(p, `{}`, nil)

	rec := httptest.NewRecorder()
	p.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `claude_balancer_requests_total{endpoint="1",mode="buffered",status="200"} 1`)
}
