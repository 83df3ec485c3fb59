package upstream

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/quic-go/quic-go/http3"
	"golang.org/x/net/http2"

	C "github.com/pmkol/swproxy/constant"
	"github.com/pmkol/swproxy/pkg/message"
	"github.com/pmkol/swproxy/pkg/pool"
)

const defaultMaxBodySize = 8 << 20

var defaultUserAgent = fmt.Sprintf("swproxy/%s", C.Version)

var (
	// ErrNetworkUnavailable wraps every failure to get any response from
	// the network: transport errors, timeouts and cancellations.
	ErrNetworkUnavailable = errors.New("network unavailable")

	// ErrBodyTooLarge is returned when a response body exceeds MaxBodySize.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrResponseIncomplete is returned when the status line arrived but
	// the body could not be read to the end.
	ErrResponseIncomplete = errors.New("response incomplete")
)

// IsNetworkUnavailable reports whether err is a network failure.
func IsNetworkUnavailable(err error) bool {
	return errors.Is(err, ErrNetworkUnavailable)
}

// IsDelivered reports whether err was returned after the server had
// answered, so the request must not be sent again.
func IsDelivered(err error) bool {
	return errors.Is(err, ErrBodyTooLarge) || errors.Is(err, ErrResponseIncomplete)
}

// IncompleteError carries the status of a response whose body was cut off.
type IncompleteError struct {
	Status int
	err    error
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf("%s, status %d: %s", ErrResponseIncomplete, e.Status, e.err)
}

func (e *IncompleteError) Unwrap() []error {
	return []error{ErrResponseIncomplete, e.err}
}

type netError struct {
	err error
}

func (e *netError) Error() string { return ErrNetworkUnavailable.Error() + ": " + e.err.Error() }
func (e *netError) Unwrap() []error {
	return []error{ErrNetworkUnavailable, e.err}
}

// Fetcher performs a request against the network.
// An HTTP status returned by a reachable server is never an error.
type Fetcher interface {
	Fetch(ctx context.Context, r *message.Request) (*message.Response, error)
}

type Opts struct {
	// Origin resolves relative request urls. Optional.
	Origin string

	// Timeout bounds a single fetch. Zero means no timeout.
	Timeout time.Duration

	// MaxBodySize caps the response body. Default is 8 MiB.
	MaxBodySize int64

	// HTTP3 uses quic instead of tcp to reach the network.
	HTTP3 bool

	// InsecureSkipVerify disables server certificate checks.
	InsecureSkipVerify bool

	// Transport overrides the round tripper built from the options above.
	Transport http.RoundTripper
}

func (opts *Opts) Init() error {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = defaultMaxBodySize
	}
	if opts.Timeout < 0 {
		return fmt.Errorf("negative timeout %s", opts.Timeout)
	}
	return nil
}

type HTTPFetcher struct {
	opts      Opts
	origin    *url.URL
	transport http.RoundTripper
}

func NewHTTPFetcher(opts Opts) (*HTTPFetcher, error) {
	if err := opts.Init(); err != nil {
		return nil, err
	}
	f := &HTTPFetcher{opts: opts, transport: opts.Transport}
	if len(opts.Origin) > 0 {
		u, err := url.Parse(opts.Origin)
		if err != nil {
			return nil, fmt.Errorf("invalid origin, %w", err)
		}
		if u.Scheme == "" || u.Host == "" {
			return nil, fmt.Errorf("origin %s must be an absolute url", opts.Origin)
		}
		f.origin = u
	}
	if f.transport == nil {
		t, err := newTransport(opts)
		if err != nil {
			return nil, err
		}
		f.transport = t
	}
	return f, nil
}

func newTransport(opts Opts) (http.RoundTripper, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}
	if opts.HTTP3 {
		return &http3.Transport{TLSClientConfig: tlsConfig}, nil
	}
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 5 * time.Second,
		IdleConnTimeout:     90 * time.Second,
		MaxIdleConnsPerHost: 16,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		return nil, fmt.Errorf("failed to configure h2 transport, %w", err)
	}
	return t, nil
}

// hop-by-hop headers, RFC 7230 6.1.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func stripHopHeaders(h http.Header) {
	for _, f := range h["Connection"] {
		for _, sf := range strings.Split(f, ",") {
			if sf = strings.TrimSpace(sf); sf != "" {
				h.Del(sf)
			}
		}
	}
	for _, k := range hopHeaders {
		h.Del(k)
	}
}

func (f *HTTPFetcher) resolve(u *url.URL) (*url.URL, error) {
	if u.IsAbs() {
		return u, nil
	}
	if f.origin == nil {
		return nil, fmt.Errorf("relative url %s without an origin", u)
	}
	return f.origin.ResolveReference(u), nil
}

func (f *HTTPFetcher) Fetch(ctx context.Context, r *message.Request) (*message.Response, error) {
	if f.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.opts.Timeout)
		defer cancel()
	}

	target, err := f.resolve(r.URL)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target.String(), bytes.NewReader(r.Body))
	if err != nil {
		return nil, err
	}
	req.Header = r.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	stripHopHeaders(req.Header)
	req.Header.Del("Host")
	if req.Header.Get("User-Agent") == "" {
		req.Header.Set("User-Agent", defaultUserAgent)
	}
	if len(r.Body) == 0 {
		req.Body = http.NoBody
	}

	res, err := f.transport.RoundTrip(req)
	if err != nil {
		return nil, &netError{err: err}
	}
	defer res.Body.Close()

	body, err := pool.ReadAll(res.Body, f.opts.MaxBodySize)
	if err != nil {
		if errors.Is(err, pool.ErrLimitExceeded) {
			return nil, fmt.Errorf("%w, limit %d", ErrBodyTooLarge, f.opts.MaxBodySize)
		}
		return nil, &IncompleteError{Status: res.StatusCode, err: err}
	}

	header := res.Header.Clone()
	stripHopHeaders(header)
	header.Del("Content-Length")
	return &message.Response{
		Status: res.StatusCode,
		Header: header,
		Body:   body,
		Source: message.SourceNetwork,
	}, nil
}

func (f *HTTPFetcher) Close() error {
	switch t := f.transport.(type) {
	case *http.Transport:
		t.CloseIdleConnections()
	case *http3.Transport:
		return t.Close()
	}
	return nil
}
