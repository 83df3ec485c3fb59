/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosdns.
 */

package http_handler

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"strings"

	"github.com/quic-go/quic-go/http3"
	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/pool"
	C "github.com/pmkol/swproxy/pkg/request_context"
)

const defaultMaxRequestBodySize = 4 << 20

var nopLogger = zap.NewNop()

// proxyHeaders is defined as a package-level variable to avoid allocation on every request.
var proxyHeaders = []string{"True-Client-IP", "X-Real-IP", "X-Forwarded-For"}

// Interceptor answers an intercepted request. It never fails.
type Interceptor interface {
	Intercept(ctx context.Context, r *message.Request) *message.Response
}

type HandlerOpts struct {
	Interceptor Interceptor
	SrcIPHeader string
	HealthPath  string

	// MaxBodySize caps request bodies. Default is 4 MiB.
	MaxBodySize int64

	Logger *zap.Logger
}

func (opts *HandlerOpts) Init() error {
	if opts.Interceptor == nil {
		return errors.New("nil interceptor")
	}
	if opts.Logger == nil {
		opts.Logger = nopLogger
	}
	if opts.HealthPath == "" {
		opts.HealthPath = "/health"
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxRequestBodySize
	}
	return nil
}

type Handler struct {
	opts HandlerOpts
}

func NewHandler(opts HandlerOpts) (*Handler, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	return &Handler{opts: opts}, nil
}

func (h *Handler) warnErr(req Request, err error) {
	h.opts.Logger.Warn(err.Error(), zap.String("from", req.GetRemoteAddr()), zap.String("method", req.Method()), zap.String("url", req.RequestURI()))
}

// Interfaces to abstract http/http3 requests
type ResponseWriter interface {
	Header() http.Header
	Write([]byte) (int, error)
	WriteHeader(statusCode int)
}

type Request interface {
	URL() *url.URL
	TLS() *TlsInfo
	Body() io.ReadCloser
	Header() http.Header
	Method() string
	Context() context.Context
	RequestURI() string
	GetRemoteAddr() string
	SetRemoteAddr(addr string)
}

type TlsInfo struct {
	Version            uint16
	ServerName         string
	NegotiatedProtocol string
}

func (h *Handler) ServeHTTP(w ResponseWriter, req Request) {
	// Initialize RequestMeta with proper IP unmapping (IPv4-in-IPv6 support)
	meta := new(C.RequestMeta)
	if addr, err := getRemoteAddr(req, h.opts.SrcIPHeader); err == nil {
		meta.SetClientAddr(addr)
	}

	if tlsInfo := req.TLS(); tlsInfo != nil {
		meta.SetServerName(tlsInfo.ServerName)
		switch tlsInfo.NegotiatedProtocol {
		case http3.NextProtoH3:
			meta.SetProtocol(C.ProtocolH3)
		case "h2":
			meta.SetProtocol(C.ProtocolH2)
		default:
			meta.SetProtocol(C.ProtocolHTTPS)
		}
	} else {
		meta.SetProtocol(C.ProtocolHTTP)
	}

	// Health check - Fast path
	if h.opts.HealthPath != "" && req.URL().Path == h.opts.HealthPath {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	b, err := pool.ReadAll(req.Body(), h.opts.MaxBodySize)
	if err != nil {
		if errors.Is(err, pool.ErrLimitExceeded) {
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}
		w.WriteHeader(http.StatusBadRequest)
		h.warnErr(req, err)
		return
	}
	if len(b) == 0 {
		b = nil
	}

	mr := &message.Request{
		Method: strings.ToUpper(req.Method()),
		URL:    requestURL(req),
		Header: req.Header().Clone(),
		Body:   b,
	}
	if mr.Header == nil {
		mr.Header = make(http.Header)
	}
	for _, k := range proxyHeaders {
		mr.Header.Del(k)
	}

	qCtx := C.NewContext(mr, meta)
	resp := h.opts.Interceptor.Intercept(req.Context(), mr)
	qCtx.SetResponse(resp)
	h.opts.Logger.Debug("request served", qCtx.ResultFields()...)

	writeResponse(w, resp)
}

// requestURL keeps absolute-form targets as they are. Origin-form targets
// stay relative and are resolved against the configured origin later.
func requestURL(req Request) *url.URL {
	u := *req.URL()
	if u.Host == "" && u.Scheme == "" {
		return &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	}
	if u.Scheme == "" {
		u.Scheme = "http"
	}
	return &u
}

func writeResponse(w ResponseWriter, resp *message.Response) {
	hdr := w.Header()
	for k, vs := range resp.Header {
		for _, v := range vs {
			hdr.Add(k, v)
		}
	}
	hdr.Set(message.SourceHeader, resp.Source.String())
	hdr.Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(resp.Status)
	_, _ = w.Write(resp.Body)
}

func getRemoteAddr(req Request, customHeader string) (netip.Addr, error) {
	// Priority check for common proxy headers using the static package-level slice
	for _, h := range proxyHeaders {
		if val := req.Header().Get(h); val != "" {
			// Handle potential list in X-Forwarded-For (take first)
			ipStr := val
			if h == "X-Forwarded-For" {
				ipStr, _, _ = strings.Cut(val, ",")
			}
			ipStr = strings.TrimSpace(ipStr)
			if addr, err := netip.ParseAddr(ipStr); err == nil {
				req.SetRemoteAddr(ipStr)
				return addr, nil
			}
		}
	}

	// Check custom header if provided and not already checked
	if customHeader != "" {
		isStandard := false
		for _, h := range proxyHeaders {
			if strings.EqualFold(customHeader, h) {
				isStandard = true
				break
			}
		}
		if !isStandard {
			if val := req.Header().Get(customHeader); val != "" {
				if addr, err := netip.ParseAddr(val); err == nil {
					req.SetRemoteAddr(val)
					return addr, nil
				}
			}
		}
	}

	// Fallback to direct remote address
	addrport, err := netip.ParseAddrPort(req.GetRemoteAddr())
	if err != nil {
		return netip.Addr{}, err
	}
	return addrport.Addr(), nil
}
