package http_handler

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/message"
)

type stdRequest struct{ r *http.Request }

func (r *stdRequest) URL() *url.URL             { return r.r.URL }
func (r *stdRequest) TLS() *TlsInfo             { return nil }
func (r *stdRequest) Body() io.ReadCloser       { return r.r.Body }
func (r *stdRequest) Header() http.Header       { return r.r.Header }
func (r *stdRequest) Method() string            { return r.r.Method }
func (r *stdRequest) Context() context.Context  { return r.r.Context() }
func (r *stdRequest) RequestURI() string        { return r.r.RequestURI }
func (r *stdRequest) GetRemoteAddr() string     { return r.r.RemoteAddr }
func (r *stdRequest) SetRemoteAddr(addr string) { r.r.RemoteAddr = addr }

type recordInterceptor struct {
	mu   sync.Mutex
	got  []*message.Request
	resp *message.Response
}

func (i *recordInterceptor) Intercept(_ context.Context, r *message.Request) *message.Response {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.got = append(i.got, r)
	return i.resp
}

func newTestHandler(t *testing.T, i Interceptor) *Handler {
	t.Helper()
	h, err := NewHandler(HandlerOpts{Interceptor: i, MaxBodySize: 16})
	require.NoError(t, err)
	return h
}

func TestNewHandler_nilInterceptor(t *testing.T) {
	_, err := NewHandler(HandlerOpts{})
	assert.Error(t, err)
}

func TestHandler_ServeHTTP(t *testing.T) {
	ic := &recordInterceptor{resp: &message.Response{
		Status: http.StatusOK,
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`[]`),
		Source: message.SourceCache,
	}}
	h := newTestHandler(t, ic)

	req := httptest.NewRequest(http.MethodPost, "/api/products?page=2", strings.NewReader(`{"a":1}`))
	req.Header.Set("X-Forwarded-For", "10.0.0.9, 10.0.0.1")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &stdRequest{req})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "[]", w.Body.String())
	assert.Equal(t, "cache", w.Header().Get(message.SourceHeader))
	assert.Equal(t, "2", w.Header().Get("Content-Length"))

	require.Len(t, ic.got, 1)
	got := ic.got[0]
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/api/products?page=2", got.URL.String())
	assert.Equal(t, []byte(`{"a":1}`), got.Body)
	assert.Empty(t, got.Header.Get("X-Forwarded-For"))
	assert.Equal(t, "10.0.0.9", req.RemoteAddr)
}

func TestHandler_absoluteForm(t *testing.T) {
	ic := &recordInterceptor{resp: message.OfflineText()}
	h := newTestHandler(t, ic)

	req := httptest.NewRequest(http.MethodGet, "http://cdn.example.com/lib.js", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &stdRequest{req})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "offline", w.Header().Get(message.SourceHeader))
	require.Len(t, ic.got, 1)
	assert.Equal(t, "http://cdn.example.com/lib.js", ic.got[0].URL.String())
	assert.Nil(t, ic.got[0].Body)
}

func TestHandler_health(t *testing.T) {
	ic := &recordInterceptor{}
	h := newTestHandler(t, ic)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, &stdRequest{httptest.NewRequest(http.MethodGet, "/health", nil)})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
	assert.Empty(t, ic.got)
}

func TestHandler_bodyTooLarge(t *testing.T) {
	ic := &recordInterceptor{}
	h := newTestHandler(t, ic)

	req := httptest.NewRequest(http.MethodPut, "/api/x", bytes.NewReader(make([]byte, 17)))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, &stdRequest{req})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	assert.Empty(t, ic.got)
}
