// Package viewer implements the receiving side of a capture stream.
//
// A Viewer listens for producer sessions, answers their handshake and heartbeat,
// classifies every received record in a bounded worker pool and hands the result,
// in arrival order, to a handler and an optional repository. At most one session
// is kept per project and device; a newer connection replaces the older one.
package viewer

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/content"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/listener"
	"github.com/tfkr-ae/snag/wire"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPort             = 43435
	DefaultHandshakeTimeout = 5 * time.Second
	DefaultIdleTimeout      = 20 * time.Second
	DefaultWorkers          = 4
)

var (
	ErrAlreadyStarted = errors.New("viewer already started")
	ErrNotStarted     = errors.New("viewer not started")
	ErrClosed         = errors.New("viewer closed")
)

// Repository is the persistence the viewer writes to.
type Repository interface {
	domain.TrafficRepository
	domain.LogRepository
	domain.PeerRepository
}

// Received is a record together with where it came from and its classification.
// Inspection is empty for log records.
type Received struct {
	Origin     domain.Origin
	Record     *domain.CaptureRecord
	Inspection content.Inspection
}

// PeerEvent reports a session being established or ending.
type PeerEvent struct {
	Peer      domain.Peer
	Connected bool
	Reason    string
}

type sessionKey struct {
	project  string
	deviceID string
}

// Viewer accepts producer sessions.
type Viewer struct {
	device  domain.Device
	project domain.Project

	listenHost       string
	port             int
	tlsConfig        *tls.Config
	platform         discovery.Platform
	serviceType      string
	repo             Repository
	workers          int
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	logger           zerolog.Logger
	onRecord         func(Received)
	onPeer           func(PeerEvent)

	pool       *errgroup.Group
	advertiser *discovery.Advertiser

	mu         sync.Mutex
	streamLogs bool
	started    bool
	closed     bool
	listener   net.Listener
	sessions   map[sessionKey]*peerConn
	wg         sync.WaitGroup
}

// New creates a viewer presenting device. Only producers whose project name equals
// project.Name are accepted; an empty name accepts every project.
func New(device domain.Device, project domain.Project, options ...Option) (*Viewer, error) {
	v := &Viewer{
		device:           device,
		project:          project,
		port:             DefaultPort,
		workers:          DefaultWorkers,
		handshakeTimeout: DefaultHandshakeTimeout,
		idleTimeout:      DefaultIdleTimeout,
		logger:           zerolog.Nop(),
		streamLogs:       true,
		sessions:         make(map[sessionKey]*peerConn),
	}
	if err := v.WithOptions(options...); err != nil {
		return nil, err
	}

	v.pool = new(errgroup.Group)
	v.pool.SetLimit(v.workers)
	return v, nil
}

// Start listens for sessions and, when a discovery platform is configured, advertises the viewer.
func (v *Viewer) Start(ctx context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	switch {
	case v.closed:
		return ErrClosed
	case v.started:
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", net.JoinHostPort(v.listenHost, strconv.Itoa(v.port)))
	if err != nil {
		return fmt.Errorf("listening on %s:%d : %w", v.listenHost, v.port, err)
	}
	port := ln.Addr().(*net.TCPAddr).Port

	var accepted net.Listener = listener.NewSniffListener(ln, v.tlsConfig)
	accepted = listener.NewResilientListener(accepted, v.logger)

	if v.platform != nil {
		v.advertiser = discovery.NewAdvertiser(v.platform, v.device, v.serviceType, v.logger)
		if err := v.advertiser.StartAdvertise(v.project, port); err != nil {
			v.advertiser.Close()
			ln.Close()
			return fmt.Errorf("advertising viewer : %w", err)
		}
	}

	v.listener = ln
	v.started = true
	v.wg.Add(1)
	go v.acceptLoop(accepted)

	v.logger.Info().Str("address", ln.Addr().String()).Str("project", v.project.Name).Msg("viewer listening")
	return nil
}

// Endpoint returns the address producers should connect to.
func (v *Viewer) Endpoint() (domain.Endpoint, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.listener == nil {
		return domain.Endpoint{}, ErrNotStarted
	}
	addr := v.listener.Addr().(*net.TCPAddr)
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	return domain.Endpoint{Host: host, Port: addr.Port}, nil
}

// Advertiser returns the advertiser, or nil when the viewer runs without discovery.
func (v *Viewer) Advertiser() *discovery.Advertiser {
	return v.advertiser
}

// Peers returns the peers with an active session, sorted by project then device.
func (v *Viewer) Peers() []domain.Peer {
	v.mu.Lock()
	defer v.mu.Unlock()
	peers := make([]domain.Peer, 0, len(v.sessions))
	for _, pc := range v.sessions {
		peers = append(peers, pc.currentPeer())
	}
	sort.Slice(peers, func(i, j int) bool {
		if peers[i].Project.Name != peers[j].Project.Name {
			return peers[i].Project.Name < peers[j].Project.Name
		}
		return peers[i].Device.ID < peers[j].Device.ID
	})
	return peers
}

// SetStreamLogs tells every connected producer, and those connecting later, whether to stream log records.
func (v *Viewer) SetStreamLogs(enabled bool) {
	v.mu.Lock()
	v.streamLogs = enabled
	sessions := v.activeSessions()
	v.mu.Unlock()

	for _, pc := range sessions {
		pc.send(logStreamingControl(enabled))
	}
}

// RequestAppInfo asks every connected producer to send its hello again.
// The answers refresh the stored peers.
func (v *Viewer) RequestAppInfo() {
	v.mu.Lock()
	sessions := v.activeSessions()
	v.mu.Unlock()

	for _, pc := range sessions {
		pc.send(wire.NewControlEnvelope(&wire.Control{Kind: wire.ControlAppInfoRequest}))
	}
}

// Close stops advertising, closes the listener and every session and waits for
// in-flight records to be delivered.
func (v *Viewer) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	ln := v.listener
	sessions := v.activeSessions()
	v.mu.Unlock()

	if v.advertiser != nil {
		v.advertiser.Close()
	}

	var err error
	if ln != nil {
		if closeErr := ln.Close(); closeErr != nil {
			err = fmt.Errorf("closing listener : %w", closeErr)
		}
	}
	for _, pc := range sessions {
		pc.close("viewer closed")
	}

	v.wg.Wait()
	v.pool.Wait()
	return err
}

func (v *Viewer) activeSessions() []*peerConn {
	sessions := make([]*peerConn, 0, len(v.sessions))
	for _, pc := range v.sessions {
		sessions = append(sessions, pc)
	}
	return sessions
}

func (v *Viewer) acceptLoop(ln net.Listener) {
	defer v.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			v.logger.Error().Err(err).Msg("accepting connection")
			return
		}

		v.mu.Lock()
		if v.closed {
			v.mu.Unlock()
			conn.Close()
			return
		}
		v.wg.Add(1)
		v.mu.Unlock()

		go func() {
			defer v.wg.Done()
			v.serve(conn)
		}()
	}
}

// register makes pc the session for its key and returns the session it replaced, if any.
func (v *Viewer) register(pc *peerConn) (*peerConn, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return nil, false
	}
	previous := v.sessions[pc.key]
	v.sessions[pc.key] = pc
	return previous, true
}

// unregister removes pc and reports whether it was still the current session for its key.
func (v *Viewer) unregister(pc *peerConn) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.sessions[pc.key] != pc {
		return false
	}
	delete(v.sessions, pc.key)
	return true
}

func (v *Viewer) shouldStreamLogs() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.streamLogs
}

func (v *Viewer) storePeer(peer domain.Peer) {
	if v.repo == nil {
		return
	}
	if err := v.repo.UpsertPeer(&peer); err != nil {
		v.logger.Error().Err(err).Str("device_id", peer.Device.ID).Msg("storing peer")
	}
}

func (v *Viewer) notifyPeer(event PeerEvent) {
	if v.onPeer != nil {
		v.onPeer(event)
	}
}

// deliver stores a classified record and hands it to the record handler.
func (v *Viewer) deliver(received Received) {
	if v.repo != nil {
		var err error
		if received.Record.Direction == domain.DirectionLog {
			err = v.repo.InsertLog(received.Origin, received.Record.Log)
		} else {
			err = v.repo.UpsertRecord(received.Origin, received.Record)
		}
		if err != nil {
			v.logger.Error().Err(err).Str("record_id", received.Record.ID.String()).Msg("storing record")
		}
	}
	if v.onRecord != nil {
		v.onRecord(received)
	}
}

func logStreamingControl(enabled bool) *wire.Envelope {
	return wire.NewControlEnvelope(&wire.Control{
		Kind:             wire.ControlLogStreamingControl,
		ShouldStreamLogs: &enabled,
	})
}

// isLoopback reports whether addr is a loopback address.
func isLoopback(addr net.Addr) bool {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return false
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
