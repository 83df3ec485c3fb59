package request_context

import (
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/pmkol/swproxy/pkg/message"
)

const (
	ProtocolHTTP  = "http"
	ProtocolHTTPS = "https"
	ProtocolH2    = "h2"
	ProtocolH3    = "h3"
)

// RequestMeta represents some metadata about the request.
type RequestMeta struct {
	clientAddr netip.Addr
	serverName string
	protocol   string
}

func NewRequestMeta(addr netip.Addr) *RequestMeta {
	meta := new(RequestMeta)
	meta.SetClientAddr(addr)
	return meta
}

func (m *RequestMeta) SetClientAddr(addr netip.Addr) {
	if addr.Is4In6() {
		addr = addr.Unmap()
	}
	m.clientAddr = addr
}

func (m *RequestMeta) SetProtocol(protocol string) {
	m.protocol = protocol
}

func (m *RequestMeta) SetServerName(serverName string) {
	m.serverName = serverName
}

func (m *RequestMeta) GetClientAddr() netip.Addr {
	return m.clientAddr
}

func (m *RequestMeta) GetProtocol() string {
	return m.protocol
}

func (m *RequestMeta) GetServerName() string {
	return m.serverName
}

// Context carries one intercepted request through the proxy.
type Context struct {
	startTime time.Time
	req       *message.Request
	id        uint32
	reqMeta   *RequestMeta

	resp *message.Response
}

var (
	contextUid      uint32
	zeroRequestMeta = &RequestMeta{}
)

// NewContext creates a new request Context.
func NewContext(req *message.Request, meta *RequestMeta) *Context {
	if req == nil {
		panic("request_context: request is nil")
	}
	if meta == nil {
		meta = zeroRequestMeta
	}
	return &Context{
		req:       req,
		reqMeta:   meta,
		id:        atomic.AddUint32(&contextUid, 1),
		startTime: time.Now(),
	}
}

// String returns a short summary of its request.
func (ctx *Context) String() string {
	return fmt.Sprintf("%s %s %d", ctx.req.Method, ctx.req.URL, ctx.id)
}

// Req returns the request. It is never nil.
func (ctx *Context) Req() *message.Request {
	return ctx.req
}

func (ctx *Context) ReqMeta() *RequestMeta {
	return ctx.reqMeta
}

// R returns the response, or nil.
func (ctx *Context) R() *message.Response {
	return ctx.resp
}

func (ctx *Context) SetResponse(r *message.Response) {
	ctx.resp = r
}

func (ctx *Context) Id() uint32 {
	return ctx.id
}

func (ctx *Context) StartTime() time.Time {
	return ctx.startTime
}

// InfoField returns a zap.Field.
func (ctx *Context) InfoField() zap.Field {
	return zap.Stringer("request", ctx)
}

// ResultFields returns the fields that describe the outcome of the request.
func (ctx *Context) ResultFields() []zap.Field {
	fields := []zap.Field{
		ctx.InfoField(),
		zap.String("protocol", ctx.reqMeta.GetProtocol()),
		zap.Duration("elapsed", time.Since(ctx.startTime)),
	}
	if addr := ctx.reqMeta.GetClientAddr(); addr.IsValid() {
		fields = append(fields, zap.Stringer("client", addr))
	}
	if r := ctx.resp; r != nil {
		fields = append(fields, zap.Int("status", r.Status), zap.Stringer("source", r.Source))
	}
	return fields
}
