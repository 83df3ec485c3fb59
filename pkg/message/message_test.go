package message

import (
	"encoding/json"
	"net/http"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustURL(t *testing.T, s string) *url.URL {
	t.Helper()
	u, err := url.Parse(s)
	require.NoError(t, err)
	return u
}

func TestNormalizeURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"HTTP://Example.COM:80/api/products?b=2&a=1#frag", "http://example.com/api/products?a=1&b=2"},
		{"https://example.com:443", "https://example.com/"},
		{"https://example.com:8443/x", "https://example.com:8443/x"},
		{"/api/roles?page=1", "/api/roles?page=1"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeURL(mustURL(t, tt.in)))
		})
	}
}

func TestKey_querySensitive(t *testing.T) {
	a := Key(http.MethodGet, mustURL(t, "/api/products?page=1"))
	b := Key(http.MethodGet, mustURL(t, "/api/products?page=2"))
	c := Key("get", mustURL(t, "/api/products?page=1"))
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, c)
	assert.NotEqual(t, a, Key(http.MethodPost, mustURL(t, "/api/products?page=1")))
}

func TestResponse_Fork(t *testing.T) {
	r := &Response{Status: 200, Header: http.Header{"A": {"1"}}, Body: []byte("abc")}
	f := r.Fork()
	f.Body[0] = 'x'
	f.Header.Set("A", "2")
	assert.Equal(t, "abc", string(r.Body))
	assert.Equal(t, "1", r.Header.Get("A"))
}

func TestOfflineAPI(t *testing.T) {
	r := OfflineAPI()
	assert.Equal(t, http.StatusServiceUnavailable, r.Status)
	assert.Equal(t, "application/json", r.Header.Get("Content-Type"))

	var v map[string]any
	require.NoError(t, json.Unmarshal(r.Body, &v))
	assert.Equal(t, "Network unavailable", v["error"])
	assert.Equal(t, true, v["offline"])
	assert.Equal(t, "Please check your internet connection", v["message"])
}
