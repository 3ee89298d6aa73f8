package snag

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/config"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/intercept"
	"github.com/tfkr-ae/snag/session"
)

// Option configures a Snag.
type Option func(*Snag) error

// WithOptions applies options to s. Options only take effect before Start.
func (s *Snag) WithOptions(options ...Option) error {
	for _, option := range options {
		if err := option(s); err != nil {
			return fmt.Errorf("applying option on snag : %w", err)
		}
	}
	return nil
}

func WithLogger(logger zerolog.Logger) Option {
	return func(s *Snag) error {
		s.logger = logger
		return nil
	}
}

// WithDiscovery browses platform for viewers. An empty serviceType keeps the default.
func WithDiscovery(platform discovery.Platform, serviceType string) Option {
	return func(s *Snag) error {
		if platform == nil {
			return fmt.Errorf("discovery platform is nil")
		}
		s.platform = platform
		if serviceType != "" {
			s.serviceType = serviceType
		}
		return nil
	}
}

// WithDebugHost connects straight to host:port and skips discovery.
func WithDebugHost(host string, port int) Option {
	return func(s *Snag) error {
		if host == "" {
			return fmt.Errorf("debug host is empty")
		}
		if port <= 0 || port > 65535 {
			return fmt.Errorf("debug port %d out of range", port)
		}
		s.debugEndpoint = &domain.Endpoint{Host: host, Port: port}
		return nil
	}
}

func WithResolveTimeout(d time.Duration) Option {
	return func(s *Snag) error {
		if d <= 0 {
			return fmt.Errorf("resolve timeout must be positive, got %s", d)
		}
		s.resolveTimeout = d
		return nil
	}
}

// WithDiscoveryTTL sets how long a viewer may stay silent before it is forgotten.
func WithDiscoveryTTL(d time.Duration) Option {
	return func(s *Snag) error {
		if d <= 0 {
			return fmt.Errorf("discovery ttl must be positive, got %s", d)
		}
		s.discoveryTTL = d
		return nil
	}
}

// WithDelegates appends delegates to the interception chain in the given order.
func WithDelegates(delegates ...intercept.Delegate) Option {
	return func(s *Snag) error {
		s.delegates = append(s.delegates, delegates...)
		return nil
	}
}

// WithSessionOptions passes options through to the transport session.
func WithSessionOptions(options ...session.Option) Option {
	return func(s *Snag) error {
		s.sessionOptions = append(s.sessionOptions, options...)
		return nil
	}
}

// WithConfig applies a loaded configuration. Discovery still needs WithDiscovery
// unless the configuration names a debug host.
func WithConfig(cfg *config.Config) Option {
	return func(s *Snag) error {
		if cfg == nil {
			return fmt.Errorf("config is nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}

		s.serviceType = cfg.NetServiceType
		s.resolveTimeout = cfg.ResolveTimeout
		s.discoveryTTL = cfg.DiscoveryTTL
		if cfg.HasDebugHost() {
			s.debugEndpoint = &domain.Endpoint{Host: cfg.DebugHost, Port: cfg.DebugPort}
		}

		s.sessionOptions = append(s.sessionOptions,
			session.WithQueueCapacity(cfg.QueueCapacity),
			session.WithCodec(cfg.Codec),
			session.WithCompressThreshold(cfg.CompressThreshold),
			session.WithHandshakeTimeout(cfg.HandshakeTimeout),
			session.WithHeartbeat(cfg.HeartbeatInterval, cfg.HeartbeatMisses),
			session.WithBackoff(cfg.BackoffBase, cfg.BackoffCap),
		)
		if cfg.TLS {
			// Viewers present self-signed certificates.
			s.sessionOptions = append(s.sessionOptions, session.WithTLS(&tls.Config{InsecureSkipVerify: true}))
		}
		if len(cfg.RedactHeaders) > 0 {
			s.delegates = append(s.delegates, intercept.RedactHeaders(cfg.RedactHeaders...))
		}
		return nil
	}
}
