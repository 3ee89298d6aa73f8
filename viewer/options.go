package viewer

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/discovery"
)

// Option configures a Viewer.
type Option func(*Viewer) error

// WithOptions applies options to an existing viewer. It must be called before Start.
func (v *Viewer) WithOptions(options ...Option) error {
	for _, option := range options {
		if err := option(v); err != nil {
			return fmt.Errorf("applying option on viewer : %w", err)
		}
	}
	return nil
}

// WithLogger sets the logger used by the viewer and its connections.
func WithLogger(logger zerolog.Logger) Option {
	return func(v *Viewer) error {
		v.logger = logger
		return nil
	}
}

// WithListenAddress sets the address and port the viewer listens on. Port 0 picks a free port.
func WithListenAddress(host string, port int) Option {
	return func(v *Viewer) error {
		if port < 0 || port > 65535 {
			return fmt.Errorf("port %d out of range", port)
		}
		v.listenHost = host
		v.port = port
		return nil
	}
}

// WithDiscovery advertises the viewer on platform under serviceType once started.
func WithDiscovery(platform discovery.Platform, serviceType string) Option {
	return func(v *Viewer) error {
		if platform == nil {
			return fmt.Errorf("discovery platform is nil")
		}
		if serviceType == "" {
			return fmt.Errorf("service type is empty")
		}
		v.platform = platform
		v.serviceType = serviceType
		return nil
	}
}

// WithTLS accepts TLS connections next to plaintext ones.
func WithTLS(config *tls.Config) Option {
	return func(v *Viewer) error {
		v.tlsConfig = config
		return nil
	}
}

// WithRepository persists every received record, log entry and peer.
func WithRepository(repo Repository) Option {
	return func(v *Viewer) error {
		v.repo = repo
		return nil
	}
}

// WithWorkers bounds the number of records classified in parallel.
func WithWorkers(n int) Option {
	return func(v *Viewer) error {
		if n <= 0 {
			return fmt.Errorf("worker count must be positive, got %d", n)
		}
		v.workers = n
		return nil
	}
}

// WithHandshakeTimeout bounds the wait for the producer's hello.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(v *Viewer) error {
		if d <= 0 {
			return fmt.Errorf("handshake timeout must be positive, got %s", d)
		}
		v.handshakeTimeout = d
		return nil
	}
}

// WithIdleTimeout sets how long a session may stay silent before it is dropped.
// It should exceed the producer's heartbeat interval times its allowed misses.
func WithIdleTimeout(d time.Duration) Option {
	return func(v *Viewer) error {
		if d <= 0 {
			return fmt.Errorf("idle timeout must be positive, got %s", d)
		}
		v.idleTimeout = d
		return nil
	}
}

// WithStreamLogs sets whether connected producers should stream log records.
func WithStreamLogs(enabled bool) Option {
	return func(v *Viewer) error {
		v.streamLogs = enabled
		return nil
	}
}

// WithRecordHandler is called, in arrival order per session, for every received record.
func WithRecordHandler(handler func(Received)) Option {
	return func(v *Viewer) error {
		v.onRecord = handler
		return nil
	}
}

// WithPeerHandler is called whenever a session is established or ends.
func WithPeerHandler(handler func(PeerEvent)) Option {
	return func(v *Viewer) error {
		v.onPeer = handler
		return nil
	}
}
