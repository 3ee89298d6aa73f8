package capture

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	utls "github.com/refraction-networking/utls"
)

// certHost is the pseudo host that serves the interception CA through the proxy.
const certHost = "snag.cert"

// certRoundTripper serves the CA certificate for requests to http://snag.cert and hands
// everything else to base.
type certRoundTripper struct {
	cert *x509.Certificate
	base http.RoundTripper
}

// newUpstreamTransport builds the transport the proxy uses to reach servers. TLS is
// dialed with utls and a Chrome hello restricted to http/1.1, since martian speaks HTTP/1 only.
func newUpstreamTransport(cert *x509.Certificate, insecure bool) http.RoundTripper {
	transport := &http.Transport{}
	transport.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		tcpConn, err := (&net.Dialer{}).DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		serverName, _, err := net.SplitHostPort(addr)
		if err != nil {
			serverName = addr
		}

		uConn := utls.UClient(tcpConn, &utls.Config{
			ServerName:         serverName,
			InsecureSkipVerify: insecure,
		}, utls.HelloChrome_Auto)

		if err := uConn.BuildHandshakeState(); err != nil {
			tcpConn.Close()
			return nil, fmt.Errorf("building handshake state : %w", err)
		}
		if !forceHTTP1(uConn.Extensions) {
			tcpConn.Close()
			return nil, errors.New("could not find ALPNExtension")
		}
		if err := uConn.HandshakeContext(ctx); err != nil {
			tcpConn.Close()
			return nil, err
		}
		return uConn, nil
	}

	if cert == nil {
		return transport
	}
	return &certRoundTripper{cert: cert, base: transport}
}

// forceHTTP1 rewrites the ALPN extension to offer http/1.1 only. HelloChrome_Auto ignores
// Config.NextProtos, so it has to happen after the handshake state is built.
func forceHTTP1(extensions []utls.TLSExtension) bool {
	for _, ext := range extensions {
		if alpn, ok := ext.(*utls.ALPNExtension); ok {
			alpn.AlpnProtocols = []string{"http/1.1"}
			return true
		}
	}
	return false
}

// RoundTrip satisfies http.RoundTripper. Requests for the CA get it in DER form.
func (c *certRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Hostname() != certHost || (req.URL.Path != "" && req.URL.Path != "/") {
		return c.base.RoundTrip(req)
	}

	body := c.cert.Raw
	res := &http.Response{
		Status:        "200 OK",
		StatusCode:    http.StatusOK,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Request:       req,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
	}
	res.Header.Set("Content-Type", "application/x-x509-ca-cert")
	res.Header.Set("Content-Disposition", "attachment; filename=\"snag-cert.der\"")
	return res, nil
}
