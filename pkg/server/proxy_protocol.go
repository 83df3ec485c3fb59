package server

import (
	"net"
	"time"

	"github.com/pires/go-proxyproto"
)

const proxyHeaderTimeout = 5 * time.Second

// WithProxyProtocol makes l accept PROXY protocol v1 and v2 headers. Remote
// addresses of accepted connections are the ones the header carries.
func WithProxyProtocol(l net.Listener) net.Listener {
	return &proxyproto.Listener{
		Listener:          l,
		ReadHeaderTimeout: proxyHeaderTimeout,
	}
}
