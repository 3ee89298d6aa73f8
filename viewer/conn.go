package viewer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/content"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/wire"
	"golang.org/x/sync/errgroup"
)

const (
	outboxSize  = 16
	pendingSize = 64
)

var (
	errPeerBye      = errors.New("peer said bye")
	errViewerClosed = errors.New("session closed by viewer")
)

// peerConn is one accepted producer session.
type peerConn struct {
	viewer *Viewer
	conn   net.Conn
	stream *wire.Stream
	key    sessionKey
	origin domain.Origin
	logger zerolog.Logger

	outbox chan *wire.Envelope
	done   chan struct{}

	mu     sync.Mutex
	peer   domain.Peer
	reason string
	once   sync.Once
}

// pendingRecord is a received record waiting for its classification.
type pendingRecord struct {
	received Received
	ready    chan struct{}
}

// serve runs the handshake and then the session until either side goes away.
func (v *Viewer) serve(conn net.Conn) {
	defer conn.Close()

	stream := wire.NewStream(conn)
	hello, err := v.acceptHello(conn, stream)
	if err != nil {
		v.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		return
	}

	now := time.Now()
	pc := &peerConn{
		viewer: v,
		conn:   conn,
		stream: stream,
		key:    sessionKey{project: hello.ProjectName, deviceID: hello.DeviceID},
		origin: domain.Origin{DeviceID: hello.DeviceID, ProjectName: hello.ProjectName},
		logger: v.logger.With().Str("device_id", hello.DeviceID).Str("project", hello.ProjectName).Logger(),
		outbox: make(chan *wire.Envelope, outboxSize),
		done:   make(chan struct{}),
		peer: domain.Peer{
			Device:    hello.Device(),
			Project:   hello.Project(),
			Address:   conn.RemoteAddr().String(),
			Trusted:   isLoopback(conn.RemoteAddr()),
			FirstSeen: now,
			LastSeen:  now,
		},
	}

	previous, ok := v.register(pc)
	if !ok {
		stream.Send(wire.Bye("viewer closed"))
		return
	}
	if previous != nil {
		previous.close("replaced by a newer session")
	}

	v.storePeer(pc.currentPeer())
	v.notifyPeer(PeerEvent{Peer: pc.currentPeer(), Connected: true})
	pc.logger.Info().Str("remote", pc.peer.Address).Bool("trusted", pc.peer.Trusted).Msg("session established")

	pc.send(logStreamingControl(v.shouldStreamLogs()))

	err = pc.run()
	reason := pc.closeReason()
	if reason == "" && err != nil {
		reason = err.Error()
	}
	pc.logger.Info().Str("reason", reason).Msg("session ended")

	peer := pc.currentPeer()
	peer.LastSeen = time.Now()
	if v.unregister(pc) {
		v.storePeer(peer)
	}
	v.notifyPeer(PeerEvent{Peer: peer, Connected: false, Reason: reason})
}

// acceptHello waits for the producer's hello and answers it. Producers of another project
// are refused with a bye.
func (v *Viewer) acceptHello(conn net.Conn, stream *wire.Stream) (*wire.Hello, error) {
	if err := conn.SetDeadline(time.Now().Add(v.handshakeTimeout)); err != nil {
		return nil, fmt.Errorf("setting handshake deadline : %w", err)
	}

	env, err := stream.Receive()
	if err != nil {
		return nil, fmt.Errorf("awaiting hello : %w", err)
	}
	if env.Type != wire.TypeHello || env.Hello == nil {
		stream.Send(wire.Bye("expected hello"))
		return nil, fmt.Errorf("expected hello, got %s", env.Type)
	}

	hello := env.Hello
	if v.project.Name != "" && hello.ProjectName != v.project.Name {
		stream.Send(wire.Bye("project mismatch"))
		return nil, fmt.Errorf("project %q does not match %q", hello.ProjectName, v.project.Name)
	}
	if hello.DeviceID == "" {
		stream.Send(wire.Bye("missing device id"))
		return nil, fmt.Errorf("hello without device id")
	}

	codec := wire.Negotiate(hello.Codec)
	stream.SetCodec(codec)
	reply := wire.NewHello(v.device, v.project, codec.Name())
	if err := stream.Send(wire.NewHelloEnvelope(reply)); err != nil {
		return nil, fmt.Errorf("sending hello : %w", err)
	}

	if err := conn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("clearing handshake deadline : %w", err)
	}
	return hello, nil
}

// run reads, classifies and delivers records until the connection ends.
// Records are classified in parallel but delivered in arrival order.
func (pc *peerConn) run() error {
	g, gctx := errgroup.WithContext(context.Background())
	pending := make(chan *pendingRecord, pendingSize)

	g.Go(func() error {
		defer close(pending)
		return pc.readLoop(pending)
	})
	g.Go(func() error {
		for p := range pending {
			<-p.ready
			pc.viewer.deliver(p.received)
		}
		return nil
	})
	g.Go(func() error {
		return pc.writeLoop(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		pc.conn.Close()
		return nil
	})

	err := g.Wait()
	if errors.Is(err, errPeerBye) || errors.Is(err, errViewerClosed) {
		return nil
	}
	return err
}

func (pc *peerConn) readLoop(pending chan<- *pendingRecord) error {
	for {
		if err := pc.conn.SetReadDeadline(time.Now().Add(pc.viewer.idleTimeout)); err != nil {
			return err
		}

		env, err := pc.stream.Receive()
		if err != nil {
			var netErr net.Error
			switch {
			case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
				return err
			case errors.As(err, &netErr) && netErr.Timeout():
				return fmt.Errorf("no traffic for %s : %w", pc.viewer.idleTimeout, err)
			case errors.Is(err, wire.ErrFrameCorrupt):
				pc.logger.Error().Err(err).Msg("corrupt frame from producer")
			}
			return err
		}

		switch env.Type {
		case wire.TypePing:
			pc.send(wire.Pong())
		case wire.TypePong:
		case wire.TypeBye:
			pc.setReason("producer said bye: " + env.Reason)
			return errPeerBye
		case wire.TypeRecord:
			if env.Record == nil {
				continue
			}
			record, err := env.Record.CaptureRecord()
			if err != nil {
				pc.logger.Warn().Err(err).Msg("dropping undecodable record")
				continue
			}
			pc.touch()
			pending <- pc.classify(record)
		case wire.TypeControl:
			if env.Control != nil {
				pc.handleControl(env.Control)
			}
		default:
			pc.logger.Debug().Str("type", string(env.Type)).Msg("ignoring unexpected envelope")
		}
	}
}

// classify schedules the record on the viewer's worker pool.
func (pc *peerConn) classify(record *domain.CaptureRecord) *pendingRecord {
	p := &pendingRecord{
		received: Received{Origin: pc.origin, Record: record},
		ready:    make(chan struct{}),
	}
	pc.viewer.pool.Go(func() error {
		defer close(p.ready)
		p.received.Inspection = content.Inspect(record)
		return nil
	})
	return p
}

func (pc *peerConn) handleControl(control *wire.Control) {
	switch control.Kind {
	case wire.ControlAppInfoResponse:
		if control.AppInfo == nil {
			return
		}
		pc.mu.Lock()
		pc.peer.Device.Name = control.AppInfo.DeviceName
		pc.peer.Device.Description = control.AppInfo.DeviceDescription
		pc.peer.Project = control.AppInfo.Project()
		pc.peer.LastSeen = time.Now()
		peer := pc.peer
		pc.mu.Unlock()
		pc.viewer.storePeer(peer)
	default:
		pc.logger.Debug().Str("kind", control.Kind).Msg("ignoring control message")
	}
}

// writeLoop is the only writer on the connection.
func (pc *peerConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-pc.done:
			pc.conn.SetWriteDeadline(time.Now().Add(time.Second))
			pc.stream.Send(wire.Bye(pc.closeReason()))
			return errViewerClosed
		case env := <-pc.outbox:
			if err := pc.conn.SetWriteDeadline(time.Now().Add(pc.viewer.idleTimeout)); err != nil {
				return err
			}
			if err := pc.stream.Send(env); err != nil {
				return fmt.Errorf("sending %s : %w", env.Type, err)
			}
		}
	}
}

// send queues env for the writer. It never blocks; a full outbox drops the envelope.
func (pc *peerConn) send(env *wire.Envelope) {
	select {
	case pc.outbox <- env:
	case <-pc.done:
	default:
		pc.logger.Warn().Str("type", string(env.Type)).Msg("outbox full, dropping envelope")
	}
}

// close ends the session, telling the producer why.
func (pc *peerConn) close(reason string) {
	pc.once.Do(func() {
		pc.setReason(reason)
		close(pc.done)
	})
}

func (pc *peerConn) setReason(reason string) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.reason == "" {
		pc.reason = reason
	}
}

func (pc *peerConn) closeReason() string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.reason
}

func (pc *peerConn) touch() {
	pc.mu.Lock()
	pc.peer.LastSeen = time.Now()
	pc.mu.Unlock()
}

func (pc *peerConn) currentPeer() domain.Peer {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peer
}
