package capture

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"

	"github.com/google/martian"
	"github.com/google/martian/fifo"
	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/listener"
)

// ErrProxyClosed is returned by Serve once the proxy has been closed.
var ErrProxyClosed = errors.New("proxy closed")

// Proxy is an HTTP/HTTPS proxy that captures every exchange passing through it.
// HTTPS is only intercepted when an authority is configured; otherwise CONNECT tunnels
// pass through uncaptured.
type Proxy struct {
	martianProxy *martian.Proxy
	modifiers    *fifo.Group
	sink         Sink
	logger       zerolog.Logger

	requestPhase     bool
	insecureUpstream bool
	cert             *x509.Certificate
	tlsConfig        *tls.Config

	mu       sync.Mutex
	addr     net.Addr
	listener net.Listener
	closed   bool
}

// NewProxy creates a proxy sending records to sink and installs the default pipeline.
func NewProxy(sink Sink, options ...ProxyOption) (*Proxy, error) {
	if sink == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	proxy := &Proxy{
		martianProxy: martian.NewProxy(),
		modifiers:    fifo.NewGroup(),
		sink:         sink,
		logger:       zerolog.Nop(),
	}
	if err := proxy.WithOptions(options...); err != nil {
		return nil, err
	}

	proxy.AddRequestModifier(PreventLoopModifier)
	proxy.AddRequestModifier(SkipConnectRequestModifier)
	proxy.AddRequestModifier(SkipCertRequestModifier)
	proxy.AddRequestModifier(SetupRequestModifier)
	proxy.AddRequestModifier(CaptureRequestModifier)

	proxy.AddResponseModifier(ResponseFilterModifier)
	proxy.AddResponseModifier(BufferStreamingBodyModifier)
	proxy.AddResponseModifier(CompressedResponseModifier)
	proxy.AddResponseModifier(CaptureResponseModifier)

	proxy.martianProxy.SetRequestModifier(proxy)
	proxy.martianProxy.SetResponseModifier(proxy)
	proxy.martianProxy.SetRoundTripper(newUpstreamTransport(proxy.cert, proxy.insecureUpstream))
	return proxy, nil
}

// AddRequestModifier accepts RequestModifierFunc and wraps it in a reqAdapter
func (proxy *Proxy) AddRequestModifier(modifier RequestModifierFunc) {
	proxy.modifiers.AddRequestModifier(&reqAdapter{proxy: proxy, modifier: modifier})
}

// AddResponseModifier accepts ResponseModifierFunc and wraps it in a resAdapter
func (proxy *Proxy) AddResponseModifier(modifier ResponseModifierFunc) {
	proxy.modifiers.AddResponseModifier(&resAdapter{proxy: proxy, modifier: modifier})
}

// ModifyRequest runs the request pipeline. Pipeline errors are logged and never fail the request.
func (proxy *Proxy) ModifyRequest(req *http.Request) error {
	if err := proxy.modifiers.ModifyRequest(req); err != nil && !errors.Is(err, ErrSkipPipeline) {
		proxy.logger.Warn().Err(err).Str("url", req.URL.String()).Msg("request pipeline")
	}
	return nil
}

// ModifyResponse runs the response pipeline. Pipeline errors are logged and never fail the response.
func (proxy *Proxy) ModifyResponse(res *http.Response) error {
	if err := proxy.modifiers.ModifyResponse(res); err != nil && !errors.Is(err, ErrSkipPipeline) {
		proxy.logger.Warn().Err(err).Int("status", res.StatusCode).Msg("response pipeline")
	}
	return nil
}

// Listen opens the proxy listener. Plain HTTP and, when an authority is set, direct TLS
// connections are accepted on the same port.
func (proxy *Proxy) Listen(ctx context.Context, host string, port int) (net.Listener, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("setting up listener on %s:%d : %w", host, port, err)
	}

	proxy.mu.Lock()
	proxy.addr = ln.Addr()
	proxy.mu.Unlock()

	var accepted net.Listener = listener.NewSniffListener(ln, proxy.tlsConfig)
	accepted = listener.NewResilientListener(accepted, proxy.logger)
	proxy.logger.Info().Str("address", ln.Addr().String()).Bool("mitm", proxy.cert != nil).Msg("proxy listening")
	return accepted, nil
}

// Serve accepts proxy connections on l until Close is called.
func (proxy *Proxy) Serve(l net.Listener) error {
	proxy.mu.Lock()
	if proxy.closed {
		proxy.mu.Unlock()
		return ErrProxyClosed
	}
	if proxy.addr == nil {
		proxy.addr = l.Addr()
	}
	proxy.listener = l
	proxy.mu.Unlock()

	err := proxy.martianProxy.Serve(l)
	if proxy.isClosed() {
		return ErrProxyClosed
	}
	return err
}

// Addr returns the listening address, or nil before Listen or Serve.
func (proxy *Proxy) Addr() net.Addr {
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.addr
}

// Certificate returns the interception CA, or nil when HTTPS is not intercepted.
func (proxy *Proxy) Certificate() *x509.Certificate {
	return proxy.cert
}

// Close stops accepting connections and waits for open ones to finish.
func (proxy *Proxy) Close() {
	proxy.mu.Lock()
	if proxy.closed {
		proxy.mu.Unlock()
		return
	}
	proxy.closed = true
	l := proxy.listener
	proxy.mu.Unlock()

	if l != nil {
		l.Close()
	}
	proxy.martianProxy.Close()
}

func (proxy *Proxy) isClosed() bool {
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	return proxy.closed
}

func (proxy *Proxy) listenAddr() (string, string) {
	proxy.mu.Lock()
	defer proxy.mu.Unlock()
	if proxy.addr == nil {
		return "", ""
	}
	host, port, err := net.SplitHostPort(proxy.addr.String())
	if err != nil {
		return "", ""
	}
	return host, port
}
