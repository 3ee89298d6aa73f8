package viewer

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tfkr-ae/snag/content"
	"github.com/tfkr-ae/snag/db"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/session"
	"github.com/tfkr-ae/snag/wire"
)

var (
	viewerDevice   = domain.Device{Name: "mac", Description: "viewer", ID: "viewer-1"}
	producerDevice = domain.Device{Name: "phone", Description: "android", ID: "device-1"}
	demo           = domain.Project{Name: "Demo"}
)

// collector gathers what the handlers receive.
type collector struct {
	mu       sync.Mutex
	received []Received
	peers    []PeerEvent
}

func (c *collector) onRecord(r Received) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, r)
}

func (c *collector) onPeer(e PeerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.peers = append(c.peers, e)
}

func (c *collector) records() []Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Received(nil), c.received...)
}

func (c *collector) peerEvents() []PeerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PeerEvent(nil), c.peers...)
}

func startViewer(t *testing.T, project domain.Project, options ...Option) (*Viewer, *collector) {
	t.Helper()
	c := &collector{}
	options = append([]Option{
		WithListenAddress("127.0.0.1", 0),
		WithRecordHandler(c.onRecord),
		WithPeerHandler(c.onPeer),
	}, options...)
	v, err := New(viewerDevice, project, options...)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(func() { v.Close() })
	return v, c
}

func connectProducer(t *testing.T, v *Viewer, device domain.Device, project domain.Project, options ...session.Option) *session.Session {
	t.Helper()
	options = append([]session.Option{session.WithBackoff(10*time.Millisecond, 50*time.Millisecond)}, options...)
	s, err := session.New(device, project, options...)
	require.NoError(t, err)

	endpoint, err := v.Endpoint()
	require.NoError(t, err)
	require.NoError(t, s.Connect(context.Background(), endpoint))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Disconnect(ctx)
	})
	return s
}

func dialRaw(t *testing.T, v *Viewer, device domain.Device, project domain.Project) (net.Conn, *wire.Stream) {
	t.Helper()
	endpoint, err := v.Endpoint()
	require.NoError(t, err)

	conn, err := net.Dial("tcp", endpoint.Address())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	stream := wire.NewStream(conn)
	require.NoError(t, stream.Send(wire.NewHelloEnvelope(wire.NewHello(device, project, wire.CodecJSON))))
	return conn, stream
}

func receive(t *testing.T, conn net.Conn, stream *wire.Stream) *wire.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	env, err := stream.Receive()
	require.NoError(t, err)
	return env
}

func TestViewer(t *testing.T) {
	t.Run("should deliver records in order with their classification", func(t *testing.T) {
		v, c := startViewer(t, demo)
		s := connectProducer(t, v, producerDevice, demo)

		get, err := domain.NewCaptureRecord(domain.RequestInfo{Method: "GET", URL: "https://example.com/a"})
		require.NoError(t, err)
		get.Freeze()
		post, err := domain.NewCaptureRecord(domain.RequestInfo{
			Method:  "POST",
			URL:     "https://example.com/b",
			Headers: domain.Headers{{Key: "Content-Type", Value: "application/json"}},
			Body:    []byte(`{"a":1}`),
		})
		require.NoError(t, err)
		post.Freeze()

		require.True(t, s.Enqueue(get))
		require.True(t, s.Enqueue(post))

		require.Eventually(t, func() bool { return len(c.records()) == 2 }, 5*time.Second, 5*time.Millisecond)
		got := c.records()

		assert.Equal(t, get.ID, got[0].Record.ID)
		assert.Equal(t, post.ID, got[1].Record.ID)
		assert.Equal(t, "curl https://example.com/a", got[0].Inspection.Curl.String())
		assert.Equal(t, content.KindJSON, got[1].Inspection.RequestBody.Kind())
		assert.Equal(t, domain.Origin{DeviceID: producerDevice.ID, ProjectName: "Demo"}, got[0].Origin)
	})

	t.Run("should reply to the handshake with its own device", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		s := connectProducer(t, v, producerDevice, demo)

		require.Eventually(t, func() bool { return s.Status().State == session.Streaming }, 5*time.Second, 5*time.Millisecond)
		peer := s.Status().Peer
		require.NotNil(t, peer)
		assert.Equal(t, viewerDevice.ID, peer.DeviceID)
		assert.Equal(t, "Demo", peer.ProjectName)
	})

	t.Run("should refuse a producer of another project", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		conn, stream := dialRaw(t, v, producerDevice, domain.Project{Name: "Other"})

		env := receive(t, conn, stream)
		assert.Equal(t, wire.TypeBye, env.Type)
		assert.Equal(t, "project mismatch", env.Reason)
		assert.Empty(t, v.Peers())
	})

	t.Run("should accept any project when none is configured", func(t *testing.T) {
		v, _ := startViewer(t, domain.Project{})
		conn, stream := dialRaw(t, v, producerDevice, domain.Project{Name: "Anything"})

		env := receive(t, conn, stream)
		assert.Equal(t, wire.TypeHello, env.Type)
	})

	t.Run("should answer pings with pongs", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		conn, stream := dialRaw(t, v, producerDevice, demo)

		assert.Equal(t, wire.TypeHello, receive(t, conn, stream).Type)
		assert.Equal(t, wire.TypeControl, receive(t, conn, stream).Type)

		require.NoError(t, stream.Send(wire.Ping()))
		assert.Equal(t, wire.TypePong, receive(t, conn, stream).Type)
	})

	t.Run("should send the log streaming setting after the handshake", func(t *testing.T) {
		v, _ := startViewer(t, demo, WithStreamLogs(false))
		conn, stream := dialRaw(t, v, producerDevice, demo)

		receive(t, conn, stream)
		env := receive(t, conn, stream)
		require.Equal(t, wire.TypeControl, env.Type)
		assert.Equal(t, wire.ControlLogStreamingControl, env.Control.Kind)
		require.NotNil(t, env.Control.ShouldStreamLogs)
		assert.False(t, *env.Control.ShouldStreamLogs)
	})

	t.Run("should toggle log streaming on connected producers", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		s := connectProducer(t, v, producerDevice, demo)
		require.Eventually(t, func() bool { return s.Status().State == session.Streaming }, 5*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(v.Peers()) == 1 }, 5*time.Second, 5*time.Millisecond)

		v.SetStreamLogs(false)
		require.Eventually(t, func() bool { return !s.StreamLogs() }, 5*time.Second, 5*time.Millisecond)
	})

	t.Run("should replace the session of the same project and device", func(t *testing.T) {
		v, c := startViewer(t, demo)
		firstConn, firstStream := dialRaw(t, v, producerDevice, demo)
		receive(t, firstConn, firstStream)
		require.Eventually(t, func() bool { return len(v.Peers()) == 1 }, 5*time.Second, 5*time.Millisecond)

		secondConn, secondStream := dialRaw(t, v, producerDevice, demo)
		receive(t, secondConn, secondStream)

		var bye *wire.Envelope
		for bye == nil {
			env := receive(t, firstConn, firstStream)
			if env.Type == wire.TypeBye {
				bye = env
			}
		}
		assert.Equal(t, "replaced by a newer session", bye.Reason)

		require.Eventually(t, func() bool { return len(c.peerEvents()) == 3 }, 5*time.Second, 5*time.Millisecond)
		var ended []PeerEvent
		for _, event := range c.peerEvents() {
			if !event.Connected {
				ended = append(ended, event)
			}
		}
		require.Len(t, ended, 1)
		assert.Equal(t, "replaced by a newer session", ended[0].Reason)
		assert.Len(t, v.Peers(), 1)
	})

	t.Run("should keep sessions of different devices apart", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		other := domain.Device{Name: "tablet", ID: "device-2"}
		connectProducer(t, v, producerDevice, demo)
		connectProducer(t, v, other, demo)

		require.Eventually(t, func() bool { return len(v.Peers()) == 2 }, 5*time.Second, 5*time.Millisecond)
		peers := v.Peers()
		assert.Equal(t, "device-1", peers[0].Device.ID)
		assert.Equal(t, "device-2", peers[1].Device.ID)
		assert.True(t, peers[0].Trusted)
	})

	t.Run("should report the peer leaving after a bye", func(t *testing.T) {
		v, c := startViewer(t, demo)
		s := connectProducer(t, v, producerDevice, demo)
		require.Eventually(t, func() bool { return len(v.Peers()) == 1 }, 5*time.Second, 5*time.Millisecond)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, s.Disconnect(ctx))

		require.Eventually(t, func() bool { return len(v.Peers()) == 0 }, 5*time.Second, 5*time.Millisecond)
		events := c.peerEvents()
		require.Len(t, events, 2)
		assert.False(t, events[1].Connected)
		assert.Contains(t, events[1].Reason, "producer said bye")
	})

	t.Run("should refresh the peer after an app info response", func(t *testing.T) {
		repo := newMemoryRepo()
		v, _ := startViewer(t, demo, WithRepository(repo))
		s := connectProducer(t, v, producerDevice, domain.Project{Name: "Demo", Icon: []byte{0x89, 'P', 'N', 'G'}})
		require.Eventually(t, func() bool { return s.Status().State == session.Streaming }, 5*time.Second, 5*time.Millisecond)
		require.Eventually(t, func() bool { return len(v.Peers()) == 1 }, 5*time.Second, 5*time.Millisecond)

		v.RequestAppInfo()
		require.Eventually(t, func() bool { return repo.peerUpserts() >= 2 }, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, v.Peers()[0].Project.Icon)
	})

	t.Run("should reject a second start", func(t *testing.T) {
		v, _ := startViewer(t, demo)
		assert.ErrorIs(t, v.Start(context.Background()), ErrAlreadyStarted)
	})

	t.Run("should not start after close", func(t *testing.T) {
		v, err := New(viewerDevice, demo, WithListenAddress("127.0.0.1", 0))
		require.NoError(t, err)
		require.NoError(t, v.Close())
		assert.ErrorIs(t, v.Start(context.Background()), ErrClosed)

		_, err = v.Endpoint()
		assert.ErrorIs(t, err, ErrNotStarted)
	})
}

func TestViewer_Repository(t *testing.T) {
	t.Run("should persist records, logs and peers", func(t *testing.T) {
		repo, err := db.Open(t.TempDir() + "/viewer.db")
		require.NoError(t, err)
		t.Cleanup(func() { repo.Close() })

		v, c := startViewer(t, demo, WithRepository(repo))
		s := connectProducer(t, v, producerDevice, demo)

		record, err := domain.NewCaptureRecord(domain.RequestInfo{Method: "GET", URL: "https://api.example.com/users"})
		require.NoError(t, err)
		require.NoError(t, record.SetResponse(domain.ResponseInfo{StatusCode: 500, Duration: time.Millisecond}))
		record.Freeze()

		log := domain.NewLogRecord(&domain.Log{
			ID:        uuid.New(),
			Timestamp: time.Now(),
			Level:     domain.LevelWarn,
			Message:   "slow response",
		})

		require.True(t, s.Enqueue(record))
		require.True(t, s.Enqueue(log))
		require.Eventually(t, func() bool { return len(c.records()) == 2 }, 5*time.Second, 5*time.Millisecond)

		stored, err := repo.GetRecord(record.ID)
		require.NoError(t, err)
		assert.Equal(t, 500, stored.Record.Response.StatusCode)
		assert.Equal(t, producerDevice.ID, stored.Origin.DeviceID)

		found, err := repo.SearchByHost("example.com")
		require.NoError(t, err)
		assert.Len(t, found, 1)

		logs, err := repo.GetLogsByDevice(producerDevice.ID)
		require.NoError(t, err)
		require.Len(t, logs, 1)
		assert.Equal(t, "slow response", logs[0].Message)

		failures, err := repo.CountFailures()
		require.NoError(t, err)
		assert.Equal(t, 1, failures)

		peers, err := repo.GetPeers()
		require.NoError(t, err)
		require.Len(t, peers, 1)
		assert.True(t, peers[0].Trusted)
	})
}

func TestViewer_Discovery(t *testing.T) {
	t.Run("should advertise the listening port and project", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 20*time.Millisecond)
		v, _ := startViewer(t, demo, WithDiscovery(platform, "_Snag._tcp"))
		require.NotNil(t, v.Advertiser())
		assert.Equal(t, discovery.AdvertiserAdvertising, v.Advertiser().State())

		browser := discovery.NewBrowser(platform, "_Snag._tcp")
		t.Cleanup(browser.Close)
		require.NoError(t, browser.StartBrowsing(context.Background()))
		require.Eventually(t, func() bool { return len(browser.Services()) == 1 }, 5*time.Second, 5*time.Millisecond)

		service := browser.Services()[0]
		assert.Equal(t, "Demo", service.TXT[discovery.TXTProject])
		assert.Equal(t, viewerDevice.ID, service.TXT[discovery.TXTDeviceID])

		endpoint, err := browser.Resolve(context.Background(), service.ID, time.Second)
		require.NoError(t, err)
		own, err := v.Endpoint()
		require.NoError(t, err)
		assert.Equal(t, own.Port, endpoint.Port)
	})

	t.Run("should stop advertising on close", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 20*time.Millisecond)
		v, _ := startViewer(t, demo, WithDiscovery(platform, "_Snag._tcp"))
		require.NoError(t, v.Close())
		assert.Equal(t, discovery.AdvertiserIdle, v.Advertiser().State())
	})
}

func TestOptions(t *testing.T) {
	tests := []struct {
		name   string
		option Option
	}{
		{name: "should reject a negative port", option: WithListenAddress("", -1)},
		{name: "should reject zero workers", option: WithWorkers(0)},
		{name: "should reject a zero handshake timeout", option: WithHandshakeTimeout(0)},
		{name: "should reject a negative idle timeout", option: WithIdleTimeout(-time.Second)},
		{name: "should reject a nil platform", option: WithDiscovery(nil, "_Snag._tcp")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(viewerDevice, demo, tt.option)
			assert.ErrorContains(t, err, "applying option on viewer")
		})
	}
}

// memoryRepo is an in-memory Repository.
type memoryRepo struct {
	mu      sync.Mutex
	records map[uuid.UUID]*domain.StoredRecord
	logs    []*domain.Log
	peers   map[string]*domain.Peer
	upserts int
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		records: make(map[uuid.UUID]*domain.StoredRecord),
		peers:   make(map[string]*domain.Peer),
	}
}

func (m *memoryRepo) UpsertRecord(origin domain.Origin, record *domain.CaptureRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[record.ID] = &domain.StoredRecord{Origin: origin, Record: record, ReceivedAt: time.Now()}
	return nil
}

func (m *memoryRepo) GetRecord(id uuid.UUID) (*domain.StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.records[id], nil
}

func (m *memoryRepo) GetSummaries() ([]*domain.RecordSummary, error)         { return nil, nil }
func (m *memoryRepo) SearchByHost(string) ([]*domain.RecordSummary, error)   { return nil, nil }
func (m *memoryRepo) DeleteRecords(...uuid.UUID) error                       { return nil }
func (m *memoryRepo) GetLogs() ([]*domain.Log, error)                        { return m.logs, nil }
func (m *memoryRepo) GetLogsByDevice(deviceID string) ([]*domain.Log, error) { return m.logs, nil }

func (m *memoryRepo) InsertLog(origin domain.Origin, log *domain.Log) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, log)
	return nil
}

func (m *memoryRepo) UpsertPeer(peer *domain.Peer) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *peer
	m.peers[peer.Device.ID+"/"+peer.Project.Name] = &copied
	m.upserts++
	return nil
}

func (m *memoryRepo) GetPeers() ([]*domain.Peer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	peers := make([]*domain.Peer, 0, len(m.peers))
	for _, peer := range m.peers {
		peers = append(peers, peer)
	}
	return peers, nil
}

func (m *memoryRepo) peerUpserts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}
