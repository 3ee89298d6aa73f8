package capture

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/martian/mitm"
	"github.com/rs/zerolog"
)

// TransportOption configures a Transport.
type TransportOption func(*Transport) error

// WithOptions applies options to an existing transport.
func (t *Transport) WithOptions(options ...TransportOption) error {
	for _, option := range options {
		if err := option(t); err != nil {
			return fmt.Errorf("applying option on transport : %w", err)
		}
	}
	return nil
}

// WithBase sets the RoundTripper that actually carries the requests.
func WithBase(base http.RoundTripper) TransportOption {
	return func(t *Transport) error {
		if base == nil {
			return errors.New("base round tripper is nil")
		}
		t.base = base
		return nil
	}
}

// WithTransportLogger sets the logger used when an exchange cannot be recorded.
func WithTransportLogger(logger zerolog.Logger) TransportOption {
	return func(t *Transport) error {
		t.logger = logger
		return nil
	}
}

// WithRequestPhase also sends a record as soon as the request leaves, before the response arrives.
func WithRequestPhase() TransportOption {
	return func(t *Transport) error {
		t.requestPhase = true
		return nil
	}
}

// WithSkip leaves requests for which skip returns true uncaptured.
func WithSkip(skip func(req *http.Request) bool) TransportOption {
	return func(t *Transport) error {
		t.skip = skip
		return nil
	}
}

// ProxyOption configures a Proxy.
type ProxyOption func(*Proxy) error

// WithOptions applies options to an existing proxy. It must be called before Serve.
func (proxy *Proxy) WithOptions(options ...ProxyOption) error {
	for _, option := range options {
		if err := option(proxy); err != nil {
			return fmt.Errorf("applying option on proxy : %w", err)
		}
	}
	return nil
}

// WithLogger sets the logger used by the proxy.
func WithLogger(logger zerolog.Logger) ProxyOption {
	return func(proxy *Proxy) error {
		proxy.logger = logger
		return nil
	}
}

// WithProxyRequestPhase also sends a record for every request before its response arrives.
func WithProxyRequestPhase() ProxyOption {
	return func(proxy *Proxy) error {
		proxy.requestPhase = true
		return nil
	}
}

// WithAuthority enables HTTPS interception, signing leaf certificates with the given CA.
// Clients must trust cert; it is served at http://snag.cert through the proxy.
func WithAuthority(cert *x509.Certificate, key any) ProxyOption {
	return func(proxy *Proxy) error {
		if cert == nil || key == nil {
			return errors.New("authority certificate and key are required")
		}
		mitmConfig, err := mitm.NewConfig(cert, key)
		if err != nil {
			return fmt.Errorf("creating new mitm config : %w", err)
		}
		proxy.martianProxy.SetMITM(mitmConfig)

		tlsConfig := mitmConfig.TLS()
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		pool.AddCert(cert)
		tlsConfig.RootCAs = pool

		proxy.cert = cert
		proxy.tlsConfig = tlsConfig
		return nil
	}
}

// WithInsecureUpstream skips verification of upstream server certificates.
func WithInsecureUpstream() ProxyOption {
	return func(proxy *Proxy) error {
		proxy.insecureUpstream = true
		return nil
	}
}

// WithConnTimeout bounds how long a client connection may stay idle between requests.
func WithConnTimeout(d time.Duration) ProxyOption {
	return func(proxy *Proxy) error {
		if d <= 0 {
			return fmt.Errorf("connection timeout must be positive, got %s", d)
		}
		proxy.martianProxy.SetTimeout(d)
		return nil
	}
}
