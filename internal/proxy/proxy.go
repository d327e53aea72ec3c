package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/microbank/gateway/internal/loadbalancer"
	"github.com/microbank/gateway/internal/router"
	"github.com/microbank/gateway/internal/variables"
)

// ErrNoBackend is returned when the route's service has no healthy instance.
var ErrNoBackend = loadbalancer.ErrNoBackend

// DefaultTimeout bounds one upstream attempt when the route sets none.
const DefaultTimeout = 5 * time.Second

// BackendPicker selects an instance of a logical service.
type BackendPicker interface {
	Next(service string) (*loadbalancer.Backend, error)
}

// Config holds forwarder configuration
type Config struct {
	Transport         http.RoundTripper
	Backends          BackendPicker
	CorrelationHeader string
	DefaultTimeout    time.Duration
}

// Forwarder sends one attempt of a matched request to an upstream instance.
type Forwarder struct {
	transport         http.RoundTripper
	backends          BackendPicker
	correlationHeader string
	defaultTimeout    time.Duration
}

// New creates a new forwarder
func New(cfg Config) *Forwarder {
	transport := cfg.Transport
	if transport == nil {
		transport = NewTransport(DefaultTransportConfig)
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	header := cfg.CorrelationHeader
	if header == "" {
		header = "X-Correlation-Id"
	}
	return &Forwarder{
		transport:         transport,
		backends:          cfg.Backends,
		correlationHeader: header,
		defaultTimeout:    timeout,
	}
}

// Timeout returns the per-attempt deadline for route.
func (f *Forwarder) Timeout(route *router.Route) time.Duration {
	if route.Timeout > 0 {
		return route.Timeout
	}
	return f.defaultTimeout
}

// Forward performs a single upstream attempt. body, when non-nil, replaces
// r.Body so the same payload can be replayed across attempts.
//
// The attempt runs on a context detached from the caller's cancellation, so
// an issued call completes even if the client goes away. The returned body
// must be closed; closing it releases the attempt's deadline.
func (f *Forwarder) Forward(r *http.Request, route *router.Route, body []byte) (*http.Response, error) {
	backend, err := f.backends.Next(route.Service)
	if err != nil {
		return nil, fmt.Errorf("service %s: %w", route.Service, err)
	}

	target := backend.ParsedURL
	if target == nil {
		if target, err = url.Parse(backend.URL); err != nil {
			return nil, fmt.Errorf("invalid backend URL %s: %w", backend.URL, err)
		}
	}

	varCtx := variables.GetFromRequest(r)
	varCtx.UpstreamAddr = backend.URL

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), f.Timeout(route))
	proxyReq := f.createProxyRequest(ctx, r, target, route, varCtx, body)

	backend.IncrActive()
	resp, err := f.transport.RoundTrip(proxyReq)
	if err != nil {
		backend.DecrActive()
		cancel()
		return nil, err
	}

	resp.Body = &attemptBody{ReadCloser: resp.Body, done: func() {
		backend.DecrActive()
		cancel()
	}}
	return resp, nil
}

// createProxyRequest builds the upstream request directly from the inbound one.
func (f *Forwarder) createProxyRequest(ctx context.Context, r *http.Request, target *url.URL, route *router.Route, varCtx *variables.Context, body []byte) *http.Request {
	targetURL := *target
	targetURL.Path = singleJoiningSlash(target.Path, route.RewritePath(r.URL.Path))
	targetURL.RawPath = ""
	targetURL.RawQuery = r.URL.RawQuery

	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &targetURL,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	if body != nil {
		proxyReq.Body = io.NopCloser(bytes.NewReader(body))
		proxyReq.ContentLength = int64(len(body))
		proxyReq.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}
	if proxyReq.ContentLength == 0 {
		proxyReq.Body = nil
	}

	// +4 for X-Forwarded-For/Proto/Host and the correlation id
	proxyReq.Header = make(http.Header, len(r.Header)+4)
	for k, vv := range r.Header {
		proxyReq.Header[k] = append(vv[:0:0], vv...)
	}

	if peer := remoteHost(r); peer != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+peer)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", peer)
		}
	}

	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}

	proxyReq.Header.Set("X-Forwarded-Host", r.Host)

	if varCtx.CorrelationID != "" {
		proxyReq.Header.Set(f.correlationHeader, varCtx.CorrelationID)
	}

	removeHopHeaders(proxyReq.Header)

	// W3C trace context + baggage
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(proxyReq.Header))

	return proxyReq
}

// remoteHost returns the address of the directly connected peer.
func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// attemptBody releases the attempt's resources once the body is closed.
type attemptBody struct {
	io.ReadCloser
	done   func()
	closed bool
}

func (b *attemptBody) Close() error {
	err := b.ReadCloser.Close()
	if !b.closed {
		b.closed = true
		b.done()
	}
	return err
}

// BufferBody reads the request body into memory so it can be replayed.
// A request without a body yields nil.
func BufferBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	r.Body.Close()
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// IsTimeout reports whether err is an upstream deadline or network timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// WriteResponse relays an upstream response to the caller and closes its body.
func WriteResponse(w http.ResponseWriter, resp *http.Response) error {
	defer resp.Body.Close()

	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)

	_, err := io.Copy(w, resp.Body)
	return err
}

// copyHeaders copies headers from source to destination. Headers the
// gateway already set, such as the correlation id, are overwritten only when
// the upstream supplies them.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
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

func removeHopHeaders(header http.Header) {
	// Headers named in Connection are hop-by-hop too.
	for _, v := range header.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				header.Del(name)
			}
		}
	}
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
