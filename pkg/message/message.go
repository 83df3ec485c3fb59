// Package message holds the buffered request/response pair that flows through
// the interception layer, plus the cache key derived from a request.
package message

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Source tells where a Response came from.
type Source uint8

const (
	SourceNetwork Source = iota
	SourceCache
	SourceOffline
)

func (s Source) String() string {
	switch s {
	case SourceNetwork:
		return "network"
	case SourceCache:
		return "cache"
	case SourceOffline:
		return "offline"
	default:
		return "unknown"
	}
}

// SourceHeader is set on every response written by the proxy.
const SourceHeader = "X-Swproxy-Source"

// Request is a fully buffered request. Body may be nil.
// A Request is safe to replay any number of times.
type Request struct {
	Method string
	URL    *url.URL
	Header http.Header
	Body   []byte
}

// NewRequest builds a Request from a raw url string.
func NewRequest(method, rawURL string, header http.Header, body []byte) (*Request, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if header == nil {
		header = make(http.Header)
	}
	return &Request{Method: strings.ToUpper(method), URL: u, Header: header, Body: body}, nil
}

// Clone returns a deep copy of r.
func (r *Request) Clone() *Request {
	c := &Request{
		Method: r.Method,
		Header: r.Header.Clone(),
		Body:   cloneBytes(r.Body),
	}
	if r.URL != nil {
		u := *r.URL
		c.URL = &u
	}
	if c.Header == nil {
		c.Header = make(http.Header)
	}
	return c
}

// Key returns the RequestIdentity of r.
func (r *Request) Key() string {
	return Key(r.Method, r.URL)
}

// Response is a fully buffered response. Body is never consumed by reading,
// so the same Response may be both stored and returned.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	Source   Source
	StoredAt time.Time // zero unless Source == SourceCache
}

// OK reports whether the status is 2xx.
func (r *Response) OK() bool {
	return r.Status >= 200 && r.Status <= 299
}

// Fork returns a copy of r that shares nothing with it.
func (r *Response) Fork() *Response {
	return &Response{
		Status:   r.Status,
		Header:   r.Header.Clone(),
		Body:     cloneBytes(r.Body),
		Source:   r.Source,
		StoredAt: r.StoredAt,
	}
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	c := make([]byte, len(b))
	copy(c, b)
	return c
}
