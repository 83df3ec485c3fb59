package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/swproxy/pkg/message"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Keep-Alive", "timeout=5")
		_, _ = w.Write([]byte(`{"ok":true}`))
	})
	mux.HandleFunc("/missing", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})
	mux.HandleFunc("/echo", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Method", r.Method)
		w.Header().Set("X-Proxy-Auth", r.Header.Get("Proxy-Authorization"))
		_, _ = w.Write(b)
	})
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("a", 2048)))
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second * 5):
		}
	})
	mux.HandleFunc("/cut", func(w http.ResponseWriter, r *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 201 Created\r\nContent-Length: 100\r\n\r\nhello")
		_ = buf.Flush()
	})
	s := httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func mustReq(t *testing.T, method, u string, body []byte) *message.Request {
	t.Helper()
	r, err := message.NewRequest(method, u, nil, body)
	require.NoError(t, err)
	return r
}

func TestHTTPFetcher_Fetch(t *testing.T) {
	s := newTestServer(t)
	f, err := NewHTTPFetcher(Opts{Origin: s.URL, MaxBodySize: 1024})
	require.NoError(t, err)
	defer f.Close()
	ctx := context.Background()

	resp, err := f.Fetch(ctx, mustReq(t, http.MethodGet, "/ok", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, `{"ok":true}`, string(resp.Body))
	assert.Equal(t, message.SourceNetwork, resp.Source)
	assert.Empty(t, resp.Header.Get("Keep-Alive"))

	resp, err = f.Fetch(ctx, mustReq(t, http.MethodGet, s.URL+"/missing", nil))
	require.NoError(t, err, "http status is not a network failure")
	assert.Equal(t, http.StatusNotFound, resp.Status)
	assert.False(t, resp.OK())

	req := mustReq(t, http.MethodPost, "/echo", []byte("payload"))
	req.Header.Set("Proxy-Authorization", "secret")
	resp, err = f.Fetch(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(resp.Body))
	assert.Equal(t, http.MethodPost, resp.Header.Get("X-Method"))
	assert.Empty(t, resp.Header.Get("X-Proxy-Auth"))

	_, err = f.Fetch(ctx, mustReq(t, http.MethodGet, "/big", nil))
	assert.ErrorIs(t, err, ErrBodyTooLarge)
	assert.False(t, IsNetworkUnavailable(err))
}

func TestHTTPFetcher_networkUnavailable(t *testing.T) {
	s := newTestServer(t)
	f, err := NewHTTPFetcher(Opts{Origin: s.URL, Timeout: time.Millisecond * 50})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), mustReq(t, http.MethodGet, "/slow", nil))
	assert.True(t, IsNetworkUnavailable(err), "timeout: %v", err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = f.Fetch(ctx, mustReq(t, http.MethodGet, "/ok", nil))
	assert.True(t, IsNetworkUnavailable(err), "canceled: %v", err)
	assert.ErrorIs(t, err, context.Canceled)

	s.Close()
	_, err = f.Fetch(context.Background(), mustReq(t, http.MethodGet, "/ok", nil))
	assert.True(t, IsNetworkUnavailable(err), "closed server: %v", err)
}

func TestHTTPFetcher_incompleteBody(t *testing.T) {
	s := newTestServer(t)
	f, err := NewHTTPFetcher(Opts{Origin: s.URL})
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), mustReq(t, http.MethodPost, "/cut", []byte(`{}`)))
	require.Error(t, err)
	assert.False(t, IsNetworkUnavailable(err))
	assert.True(t, IsDelivered(err))
	assert.ErrorIs(t, err, ErrResponseIncomplete)
	var ie *IncompleteError
	require.ErrorAs(t, err, &ie)
	assert.Equal(t, http.StatusCreated, ie.Status)
}

func TestNewHTTPFetcher(t *testing.T) {
	_, err := NewHTTPFetcher(Opts{Origin: "/relative"})
	assert.Error(t, err)

	f, err := NewHTTPFetcher(Opts{})
	require.NoError(t, err)
	assert.EqualValues(t, defaultMaxBodySize, f.opts.MaxBodySize)
	_, err = f.Fetch(context.Background(), mustReq(t, http.MethodGet, "/ok", nil))
	assert.Error(t, err)
	assert.False(t, IsNetworkUnavailable(err))
}

func Test_stripHopHeaders(t *testing.T) {
	h := http.Header{
		"Connection": {"X-Foo, close"},
		"X-Foo":      {"1"},
		"Upgrade":    {"h2c"},
		"X-Keep":     {"1"},
	}
	stripHopHeaders(h)
	assert.Equal(t, http.Header{"X-Keep": {"1"}}, h)
}
