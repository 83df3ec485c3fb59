package message

import (
	"net/http"
	"time"
)

const (
	offlineText = "Offline content not available"

	// OfflineAPIBody is the exact payload returned for API requests that
	// could be served neither from the network nor from the cache.
	OfflineAPIBody = `{"error":"Network unavailable","offline":true,"message":"Please check your internet connection"}`
)

// OfflineText returns a synthesized 503 plain-text response.
func OfflineText() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "text/plain; charset=utf-8")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(offlineText),
		Source: SourceOffline,
	}
}

// OfflineAPI returns a synthesized 503 json response.
func OfflineAPI() *Response {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return &Response{
		Status: http.StatusServiceUnavailable,
		Header: h,
		Body:   []byte(OfflineAPIBody),
		Source: SourceOffline,
	}
}

// Synthesized builds a response that did not come from the network or cache.
func Synthesized(status int, contentType string, body []byte) *Response {
	h := make(http.Header)
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &Response{Status: status, Header: h, Body: body, Source: SourceOffline}
}

// FromCache marks a copy of r as a cache hit stored at t.
func FromCache(r *Response, t time.Time) *Response {
	c := r.Fork()
	c.Source = SourceCache
	c.StoredAt = t
	return c
}
