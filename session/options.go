package session

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/wire"
)

// Option configures a Session.
type Option func(*Session) error

// WithLogger sets the logger used for state changes, drops and reconnects.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Session) error {
		s.logger = logger
		return nil
	}
}

// WithQueueCapacity bounds the number of records waiting to be written. The record the
// writer is currently sending is held apart and does not count, so up to capacity+1
// records can be unsent while a write is stuck; the next one drops the oldest waiting record.
func WithQueueCapacity(capacity int) Option {
	return func(s *Session) error {
		if capacity < 1 {
			return fmt.Errorf("queue capacity must be positive, got %d", capacity)
		}
		s.capacity = capacity
		return nil
	}
}

// WithCodec proposes the codec for record frames. The viewer has the final say.
func WithCodec(name string) Option {
	return func(s *Session) error {
		codec, err := wire.CodecByName(name)
		if err != nil {
			return err
		}
		s.codec = codec
		return nil
	}
}

// WithCompressThreshold compresses frames of at least n bytes. Zero disables compression.
func WithCompressThreshold(n int) Option {
	return func(s *Session) error {
		if n < 0 {
			return fmt.Errorf("compress threshold must not be negative, got %d", n)
		}
		s.compressThreshold = n
		return nil
	}
}

// WithHandshakeTimeout bounds the dial and the hello exchange.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(s *Session) error {
		if d <= 0 {
			return fmt.Errorf("handshake timeout must be positive, got %s", d)
		}
		s.handshakeTimeout = d
		return nil
	}
}

// WithHeartbeat sets the ping interval and how many silent intervals end the connection.
func WithHeartbeat(interval time.Duration, misses int) Option {
	return func(s *Session) error {
		if interval <= 0 || misses < 1 {
			return fmt.Errorf("invalid heartbeat %s x %d", interval, misses)
		}
		s.heartbeatInterval = interval
		s.heartbeatMisses = misses
		return nil
	}
}

// WithBackoff sets the reconnect delay base and cap.
func WithBackoff(base, maxDelay time.Duration) Option {
	return func(s *Session) error {
		if base <= 0 || maxDelay < base {
			return fmt.Errorf("invalid backoff base %s cap %s", base, maxDelay)
		}
		s.backoffBase = base
		s.backoffCap = maxDelay
		return nil
	}
}

// WithDialer replaces the TCP dialer.
func WithDialer(dial DialFunc) Option {
	return func(s *Session) error {
		s.dial = dial
		return nil
	}
}

// WithTLS wraps every connection in TLS.
func WithTLS(config *tls.Config) Option {
	return func(s *Session) error {
		s.tlsConfig = config
		return nil
	}
}

// WithStatusHandler is called after every status change. It must not block.
func WithStatusHandler(fn func(Status)) Option {
	return func(s *Session) error {
		s.onStatus = fn
		return nil
	}
}

// WithControlHandler is called for every control message from the viewer.
func WithControlHandler(fn func(*wire.Control)) Option {
	return func(s *Session) error {
		s.onControl = fn
		return nil
	}
}
