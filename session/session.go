// Package session streams capture records from a producer to a viewer over one framed
// connection, reconnecting with backoff when the connection fails.
package session

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/wire"
	"golang.org/x/sync/errgroup"
)

// DialFunc opens a connection to address.
type DialFunc func(ctx context.Context, network, address string) (net.Conn, error)

// errDrained ends a connection after a successful drain.
var errDrained = errors.New("drained")

// Session is the producer side of a viewer connection.
type Session struct {
	device  domain.Device
	project domain.Project
	logger  zerolog.Logger

	queue             *Queue
	capacity          int
	dial              DialFunc
	tlsConfig         *tls.Config
	codec             wire.Codec
	compressThreshold int
	handshakeTimeout  time.Duration
	heartbeatInterval time.Duration
	heartbeatMisses   int
	backoffBase       time.Duration
	backoffCap        time.Duration
	onStatus          func(Status)
	onControl         func(*wire.Control)

	mu         sync.Mutex
	status     Status
	endpoint   *domain.Endpoint
	generation uint64
	connCancel context.CancelFunc
	cancel     context.CancelFunc
	done       chan struct{}
	closed     bool
	streamLogs bool

	bound   chan struct{}
	drainCh chan struct{}
}

// New creates a disconnected session for device and project.
func New(device domain.Device, project domain.Project, options ...Option) (*Session, error) {
	s := &Session{
		device:            device,
		project:           project,
		logger:            zerolog.Nop(),
		capacity:          500,
		codec:             wire.JSON,
		compressThreshold: 64 * 1024,
		handshakeTimeout:  5 * time.Second,
		heartbeatInterval: 5 * time.Second,
		heartbeatMisses:   3,
		backoffBase:       time.Second,
		backoffCap:        30 * time.Second,
		streamLogs:        true,
		bound:             make(chan struct{}, 1),
		drainCh:           make(chan struct{}),
	}
	dialer := &net.Dialer{}
	s.dial = dialer.DialContext

	for _, option := range options {
		if err := option(s); err != nil {
			return nil, fmt.Errorf("applying option on session : %w", err)
		}
	}
	s.queue = NewQueue(s.capacity)
	return s, nil
}

// Enqueue hands record to the session. It never blocks and returns false once the
// session is disconnected for good. The caller must not modify record afterwards.
func (s *Session) Enqueue(record *domain.CaptureRecord) bool {
	if record == nil {
		return false
	}
	before := s.queue.Dropped()
	ok := s.queue.Enqueue(record)
	if ok && s.queue.Dropped() > before {
		s.logger.Warn().Str("record", record.ID.String()).Msg("queue full, dropped oldest record")
		s.recordDrop("queue full")
	}
	return ok
}

// StreamLogs reports whether the viewer wants log records.
func (s *Session) StreamLogs() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streamLogs
}

// Status returns a snapshot of the session.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// snapshot builds a Status. Callers hold s.mu.
func (s *Session) snapshot() Status {
	status := s.status
	if s.endpoint != nil {
		endpoint := *s.endpoint
		status.Endpoint = &endpoint
	}
	status.Queued = s.queue.Len()
	status.Dropped = s.queue.Dropped()
	return status
}

// update applies fn to the status under the lock and reports the new snapshot.
func (s *Session) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	snapshot := s.snapshot()
	callback := s.onStatus
	s.mu.Unlock()

	if callback != nil {
		callback(snapshot)
	}
}

func (s *Session) setState(state State) {
	s.update(func(status *Status) {
		if status.State != state {
			s.logger.Debug().Stringer("from", status.State).Stringer("to", state).Msg("session state")
		}
		status.State = state
	})
}

func (s *Session) recordDrop(reason string) {
	s.update(func(status *Status) {
		status.DropReason = reason
	})
}

// Connect binds endpoint and starts the connection loop. Calling it again while the
// loop runs behaves like Rebind.
func (s *Session) Connect(ctx context.Context, endpoint domain.Endpoint) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.done != nil {
		s.mu.Unlock()
		s.Rebind(endpoint)
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.endpoint = &endpoint
	s.generation++
	s.mu.Unlock()

	go s.run(runCtx)
	return nil
}

// Rebind points the session at a new endpoint, dropping the current connection.
// Rebinding to the endpoint already in use does nothing.
func (s *Session) Rebind(endpoint domain.Endpoint) {
	s.mu.Lock()
	if s.endpoint != nil && *s.endpoint == endpoint {
		s.mu.Unlock()
		return
	}
	s.endpoint = &endpoint
	s.generation++
	cancel := s.connCancel
	s.mu.Unlock()

	s.logger.Info().Str("endpoint", endpoint.Address()).Msg("session rebound")
	s.signalBound()
	if cancel != nil {
		cancel()
	}
}

// Unbind forgets the endpoint and tears down the live connection. Records keep queueing
// until a new endpoint is bound.
func (s *Session) Unbind() {
	s.mu.Lock()
	if s.endpoint == nil {
		s.mu.Unlock()
		return
	}
	s.endpoint = nil
	s.generation++
	cancel := s.connCancel
	s.mu.Unlock()

	s.logger.Info().Msg("session unbound")
	if cancel != nil {
		cancel()
	}
}

func (s *Session) signalBound() {
	select {
	case s.bound <- struct{}{}:
	default:
	}
}

// Disconnect stops the session. A streaming session flushes its queue and says bye
// first, bounded by ctx. Otherwise the queued records are dropped and the reason is
// recorded in the status. The connection is released on every path.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	done := s.done
	cancel := s.cancel
	previous := s.status.State
	s.mu.Unlock()

	s.queue.Close()

	var err error
	if done != nil {
		if previous == Streaming {
			s.setState(Draining)
			close(s.drainCh)
			select {
			case <-done:
			case <-ctx.Done():
				err = fmt.Errorf("draining session : %w", ctx.Err())
				cancel()
				<-done
			}
		} else {
			close(s.drainCh)
			cancel()
			<-done
		}
		cancel()
	}

	if n := s.queue.Clear(); n > 0 {
		reason := fmt.Sprintf("disconnected while %s", previous)
		if err != nil {
			reason = "drain interrupted"
		}
		s.logger.Warn().Int("records", n).Str("reason", reason).Msg("dropped queued records")
		s.recordDrop(reason)
	}

	s.update(func(status *Status) {
		status.State = Disconnected
		status.Reconnecting = false
		status.NextRetry = time.Time{}
	})
	return err
}

// run owns the connection loop until the session is disconnected.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	backoff := s.newBackoff()
	for {
		endpoint, generation, ok := s.waitEndpoint(ctx)
		if !ok {
			return
		}

		connCtx, cancelConn := context.WithCancel(ctx)
		s.mu.Lock()
		s.connCancel = cancelConn
		s.mu.Unlock()

		streamed, err := s.attempt(connCtx, endpoint)

		s.mu.Lock()
		s.connCancel = nil
		rebound := s.generation != generation
		s.mu.Unlock()
		cancelConn()

		if errors.Is(err, errDrained) || s.stopping(ctx) {
			return
		}
		if streamed || rebound {
			backoff = s.newBackoff()
		}
		if rebound {
			s.update(func(status *Status) {
				status.State = Disconnected
				status.Attempt = 0
				status.Peer = nil
			})
			continue
		}

		delay, _ := backoff.Next()
		s.logger.Warn().Err(err).Str("endpoint", endpoint.Address()).Dur("retry_in", delay).Msg("connection failed")
		s.update(func(status *Status) {
			status.State = Disconnected
			status.Reconnecting = true
			status.Attempt++
			status.NextRetry = time.Now().Add(delay)
			status.LastError = err
			status.Peer = nil
		})

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-s.bound:
			timer.Stop()
			backoff = s.newBackoff()
		case <-s.drainCh:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

func (s *Session) stopping(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	select {
	case <-s.drainCh:
		return true
	default:
		return false
	}
}

// waitEndpoint blocks until an endpoint is bound.
func (s *Session) waitEndpoint(ctx context.Context) (domain.Endpoint, uint64, bool) {
	for {
		s.mu.Lock()
		endpoint, generation := s.endpoint, s.generation
		s.mu.Unlock()
		if endpoint != nil {
			return *endpoint, generation, true
		}

		select {
		case <-s.bound:
		case <-s.drainCh:
			return domain.Endpoint{}, 0, false
		case <-ctx.Done():
			return domain.Endpoint{}, 0, false
		}
	}
}

func (s *Session) newBackoff() retry.Backoff {
	b := retry.NewExponential(s.backoffBase)
	b = retry.WithJitterPercent(10, b)
	return retry.WithCappedDuration(s.backoffCap, b)
}

// attempt runs one connection from dial to teardown. streamed reports whether the
// handshake completed.
func (s *Session) attempt(ctx context.Context, endpoint domain.Endpoint) (streamed bool, err error) {
	s.update(func(status *Status) {
		status.State = Connecting
	})

	dialCtx, cancel := context.WithTimeout(ctx, s.handshakeTimeout)
	conn, err := s.dial(dialCtx, "tcp", endpoint.Address())
	cancel()
	if err != nil {
		return false, fmt.Errorf("%w : %w", ErrConnectFailed, err)
	}
	if s.tlsConfig != nil {
		conn = tls.Client(conn, s.tlsConfig)
	}
	defer conn.Close()

	s.setState(Handshaking)
	stream := wire.NewStream(conn, wire.WithCompressThreshold(s.compressThreshold))
	peer, err := s.handshake(conn, stream)
	if err != nil {
		return false, err
	}
	stream.SetCodec(wire.Negotiate(peer.Codec))

	s.logger.Info().
		Str("endpoint", endpoint.Address()).
		Str("viewer", peer.DeviceName).
		Str("codec", stream.Codec().Name()).
		Msg("session streaming")
	s.update(func(status *Status) {
		status.State = Streaming
		status.Reconnecting = false
		status.Attempt = 0
		status.NextRetry = time.Time{}
		status.LastError = nil
		status.Peer = peer
		status.Codec = stream.Codec().Name()
	})

	replies := make(chan *wire.Envelope, 8)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.readLoop(conn, stream, replies)
	})
	g.Go(func() error {
		return s.writeLoop(gctx, conn, stream, replies)
	})
	g.Go(func() error {
		<-gctx.Done()
		conn.Close()
		return nil
	})
	return true, g.Wait()
}

// handshake sends our hello and waits for the viewer's within the handshake timeout.
func (s *Session) handshake(conn net.Conn, stream *wire.Stream) (*wire.Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(s.handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("%w : %w", ErrHandshakeFailed, err)
	}

	hello := wire.NewHello(s.device, s.project, s.codec.Name())
	if err := stream.Send(wire.NewHelloEnvelope(hello)); err != nil {
		return nil, fmt.Errorf("%w : sending hello : %w", ErrHandshakeFailed, err)
	}

	env, err := stream.Receive()
	if err != nil {
		return nil, fmt.Errorf("%w : awaiting hello : %w", ErrHandshakeFailed, err)
	}
	switch {
	case env.Type == wire.TypeBye:
		return nil, fmt.Errorf("%w : viewer refused : %s", ErrHandshakeFailed, env.Reason)
	case env.Type != wire.TypeHello || env.Hello == nil:
		return nil, fmt.Errorf("%w : expected hello, got %s", ErrHandshakeFailed, env.Type)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("%w : %w", ErrHandshakeFailed, err)
	}
	return env.Hello, nil
}

// readLoop consumes viewer traffic. Any frame counts as a heartbeat.
func (s *Session) readLoop(conn net.Conn, stream *wire.Stream, replies chan<- *wire.Envelope) error {
	silence := s.heartbeatInterval * time.Duration(s.heartbeatMisses)
	for {
		if err := conn.SetReadDeadline(time.Now().Add(silence)); err != nil {
			return fmt.Errorf("%w : %w", ErrDisconnected, err)
		}

		env, err := stream.Receive()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return fmt.Errorf("%w : no traffic for %s", ErrHeartbeatTimeout, silence)
			}
			if errors.Is(err, wire.ErrFrameCorrupt) {
				s.logger.Error().Err(err).Msg("corrupt frame from viewer")
			}
			return fmt.Errorf("%w : %w", ErrDisconnected, err)
		}

		switch env.Type {
		case wire.TypePing:
			s.reply(replies, wire.Pong())
		case wire.TypePong:
		case wire.TypeBye:
			return fmt.Errorf("%w : viewer said bye : %s", ErrDisconnected, env.Reason)
		case wire.TypeControl:
			if env.Control != nil {
				s.handleControl(env.Control, replies)
			}
		default:
			s.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected envelope")
		}
	}
}

func (s *Session) reply(replies chan<- *wire.Envelope, env *wire.Envelope) {
	select {
	case replies <- env:
	default:
		s.logger.Warn().Str("type", string(env.Type)).Msg("reply buffer full, dropping reply")
	}
}

func (s *Session) handleControl(control *wire.Control, replies chan<- *wire.Envelope) {
	switch control.Kind {
	case wire.ControlAppInfoRequest:
		s.reply(replies, wire.NewControlEnvelope(&wire.Control{
			Kind:    wire.ControlAppInfoResponse,
			AppInfo: wire.NewHello(s.device, s.project, s.codec.Name()),
		}))
	case wire.ControlLogStreamingControl:
		if control.ShouldStreamLogs != nil {
			s.mu.Lock()
			s.streamLogs = *control.ShouldStreamLogs
			s.mu.Unlock()
			s.logger.Info().Bool("stream_logs", *control.ShouldStreamLogs).Msg("log streaming toggled by viewer")
		}
	}
	if s.onControl != nil {
		s.onControl(control)
	}
}

// writeLoop is the only writer on the connection.
func (s *Session) writeLoop(ctx context.Context, conn net.Conn, stream *wire.Stream, replies <-chan *wire.Envelope) error {
	send := func(env *wire.Envelope) error {
		if err := conn.SetWriteDeadline(time.Now().Add(s.heartbeatInterval * time.Duration(s.heartbeatMisses))); err != nil {
			return err
		}
		if err := stream.Send(env); err != nil {
			return fmt.Errorf("%w : %w", ErrDisconnected, err)
		}
		return nil
	}

	// Pings go out every interval whether or not records are flowing.
	heartbeat := time.NewTicker(s.heartbeatInterval)
	defer heartbeat.Stop()
	ping := func() error {
		return send(wire.Ping())
	}

	if err := s.flush(send, heartbeat.C, ping); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.drainCh:
			if err := s.flush(send, heartbeat.C, ping); err != nil {
				return err
			}
			if err := send(wire.Bye("disconnect")); err != nil {
				return err
			}
			s.logger.Info().Msg("session drained")
			return errDrained
		case env := <-replies:
			if err := send(env); err != nil {
				return err
			}
		case <-s.queue.Ready():
			if err := s.flush(send, heartbeat.C, ping); err != nil {
				return err
			}
		case <-heartbeat.C:
			if err := ping(); err != nil {
				return err
			}
		}
	}
}

// flush writes queued records until the queue is empty, pinging whenever a heartbeat
// comes due in between. A failed record stays in flight.
func (s *Session) flush(send func(*wire.Envelope) error, heartbeat <-chan time.Time, ping func() error) error {
	for {
		select {
		case <-heartbeat:
			if err := ping(); err != nil {
				return err
			}
		default:
		}

		record, ok := s.queue.Next()
		if !ok {
			return nil
		}
		if err := send(wire.NewRecordEnvelope(record)); err != nil {
			return err
		}
		s.queue.Ack()
		s.update(func(status *Status) {
			status.Sent++
		})
	}
}
