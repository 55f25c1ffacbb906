package proxy

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// streamResponseWriter 包装 gin.ResponseWriter，每次写入后立即 flush
//
// 不合并、不拆分数据块：一次 Write 对应上游的一次读取。
type streamResponseWriter struct {
	gin.ResponseWriter
	flusher http.Flusher
	size    int64
}

// 创建新的 streamResponseWriter
func newStreamResponseWriter(original gin.ResponseWriter) *streamResponseWriter {
	flusher, _ := original.(http.Flusher)
	return &streamResponseWriter{
		ResponseWriter: original,
		flusher:        flusher,
	}
}

// Write 实现 io.Writer
func (w *streamResponseWriter) Write(data []byte) (int, error) {
	n, err := w.ResponseWriter.Write(data)
	w.size += int64(n)
	if err == nil {
		w.Flush()
	}
	return n, err
}

// WriteString 实现 io.StringWriter
func (w *streamResponseWriter) WriteString(s string) (int, error) {
	return w.Write([]byte(s))
}

// Flush 实现 http.Flusher
func (w *streamResponseWriter) Flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// commit 写出状态码与已设置的响应头
func (w *streamResponseWriter) commit(code int) {
	w.ResponseWriter.WriteHeader(code)
	w.ResponseWriter.WriteHeaderNow()
	w.Flush()
}

// Bytes 已写出的字节数
func (w *streamResponseWriter) Bytes() int64 {
	return w.size
}
