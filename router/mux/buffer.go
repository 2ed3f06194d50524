package mux

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
)

// responseBuffer 在内存中收集本地处理器的输出，再转换为 *http.Response。
type responseBuffer struct {
	header      http.Header
	code        int
	body        bytes.Buffer
	wroteHeader bool
}

func newResponseBuffer() *responseBuffer {
	return &responseBuffer{header: make(http.Header)}
}

func (b *responseBuffer) Header() http.Header { return b.header }

func (b *responseBuffer) WriteHeader(code int) {
	if b.wroteHeader {
		return
	}
	b.wroteHeader = true
	b.code = code
}

func (b *responseBuffer) Write(p []byte) (int, error) {
	b.WriteHeader(http.StatusOK)
	return b.body.Write(p)
}

// Flush 满足 http.Flusher，内容全部保留在内存中。
func (b *responseBuffer) Flush() {
	b.WriteHeader(http.StatusOK)
}

// Response 返回收集到的响应。
func (b *responseBuffer) Response(req *http.Request) *http.Response {
	b.WriteHeader(http.StatusOK)
	header := b.header.Clone()
	if header.Get("Content-Type") == "" && b.body.Len() > 0 {
		header.Set("Content-Type", http.DetectContentType(b.body.Bytes()))
	}
	return &http.Response{
		Status:        strconv.Itoa(b.code) + " " + http.StatusText(b.code),
		StatusCode:    b.code,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(b.body.Bytes())),
		ContentLength: int64(b.body.Len()),
		Request:       req,
	}
}
