package snag

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tfkr-ae/snag/config"
	"github.com/tfkr-ae/snag/core"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/identity"
	"github.com/tfkr-ae/snag/intercept"
	"github.com/tfkr-ae/snag/session"
	"github.com/tfkr-ae/snag/viewer"
)

type collector struct {
	mu       sync.Mutex
	received []viewer.Received
}

func (c *collector) handle(received viewer.Received) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, received)
}

func (c *collector) snapshot() []viewer.Received {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]viewer.Received(nil), c.received...)
}

func newTestProject(t *testing.T, name string) domain.Project {
	t.Helper()
	project, err := identity.NewProject(name, nil)
	require.NoError(t, err)
	return project
}

func startTestViewer(t *testing.T, project domain.Project, options ...viewer.Option) (*viewer.Viewer, *collector) {
	t.Helper()
	c := &collector{}
	options = append([]viewer.Option{
		viewer.WithListenAddress("127.0.0.1", 0),
		viewer.WithRecordHandler(c.handle),
	}, options...)

	v, err := viewer.New(identity.NewDevice("viewer", "test viewer"), project, options...)
	require.NoError(t, err)
	require.NoError(t, v.Start(context.Background()))
	t.Cleanup(func() { v.Close() })
	return v, c
}

func newExchange(t *testing.T, method, url string, status int) *domain.CaptureRecord {
	t.Helper()
	record, err := domain.NewCaptureRecord(domain.RequestInfo{Method: method, URL: url})
	require.NoError(t, err)
	require.NoError(t, record.SetResponse(domain.ResponseInfo{StatusCode: status, Duration: 12 * time.Millisecond}))
	record.Freeze()
	return record
}

func fastSession() Option {
	return WithSessionOptions(
		session.WithHeartbeat(100*time.Millisecond, 3),
		session.WithBackoff(10*time.Millisecond, 100*time.Millisecond),
	)
}

func TestSnag_Discovery(t *testing.T) {
	t.Run("should stream captures to the viewer of the same project in order", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 50*time.Millisecond)
		project := newTestProject(t, "Demo")
		_, received := startTestViewer(t, project, viewer.WithDiscovery(platform, config.DefaultServiceType))

		s, err := New(identity.NewDevice("producer", "test producer"), project, WithDiscovery(platform, ""), fastSession())
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		body := []byte(`{"name":"demo"}`)
		post, err := domain.NewCaptureRecord(domain.RequestInfo{Method: "POST", URL: "https://example.com/b", Body: body})
		require.NoError(t, err)
		require.NoError(t, post.SetResponse(domain.ResponseInfo{StatusCode: 201}))
		post.Freeze()

		require.True(t, s.Capture(newExchange(t, "GET", "https://example.com/a", 200)))
		require.True(t, s.Capture(post))

		require.Eventually(t, func() bool {
			return len(received.snapshot()) == 2
		}, 5*time.Second, 20*time.Millisecond)

		got := received.snapshot()
		assert.Equal(t, "GET", got[0].Record.Request.Method)
		assert.Equal(t, "curl https://example.com/a", got[0].Inspection.Curl.String())
		assert.Equal(t, "Demo", got[0].Origin.ProjectName)

		assert.Equal(t, "POST", got[1].Record.Request.Method)
		assert.Equal(t, body, got[1].Record.Request.Body)
		curl := got[1].Inspection.Curl.String()
		assert.Contains(t, curl, "-X POST")
		assert.Contains(t, curl, `-d '{"name":"demo"}'`)

		viewerService, ok := s.Viewer()
		require.True(t, ok)
		assert.Equal(t, "Demo", viewerService.TXT[discovery.TXTProject])

		status := s.Status()
		assert.Equal(t, session.Streaming, status.State)
		require.NotNil(t, status.Peer)
		viewerDevice := identity.NewDevice("viewer", "test viewer")
		assert.Equal(t, viewerDevice.ID, status.Peer.DeviceID)
		assert.Equal(t, viewerDevice.ID, viewerService.TXT[discovery.TXTDeviceID])
	})

	t.Run("should ignore viewers of another project", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 50*time.Millisecond)
		_, received := startTestViewer(t, newTestProject(t, "Other"), viewer.WithDiscovery(platform, config.DefaultServiceType))

		s, err := New(identity.NewDevice("producer", "test producer"), newTestProject(t, "Demo"), WithDiscovery(platform, ""), fastSession())
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		s.Capture(newExchange(t, "GET", "https://example.com/a", 200))

		time.Sleep(300 * time.Millisecond)
		assert.Empty(t, received.snapshot())
		_, ok := s.Viewer()
		assert.False(t, ok)
		assert.Equal(t, 1, s.Status().Queued)
	})
}

func TestSnag_Reconcile(t *testing.T) {
	boundViewer := func(s *Snag) string {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.viewer
	}

	t.Run("should rebind when the bound viewer left without a lost event", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 50*time.Millisecond)
		project := newTestProject(t, "Demo")
		_, received := startTestViewer(t, project, viewer.WithDiscovery(platform, config.DefaultServiceType))

		s, err := New(identity.NewDevice("producer", "test producer"), project, WithDiscovery(platform, ""), fastSession())
		require.NoError(t, err)
		s.reconcileEvery = 20 * time.Millisecond
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		require.Eventually(t, func() bool {
			_, ok := s.Viewer()
			return ok
		}, 5*time.Second, 20*time.Millisecond)
		live := boundViewer(s)

		s.mu.Lock()
		s.viewer = "evicted-viewer"
		s.mu.Unlock()

		require.Eventually(t, func() bool {
			return boundViewer(s) == live
		}, 5*time.Second, 20*time.Millisecond)

		require.True(t, s.Capture(newExchange(t, "GET", "https://example.com/a", 200)))
		require.Eventually(t, func() bool {
			return len(received.snapshot()) == 1
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("should unbind when the bound viewer is gone and none remain", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", 50*time.Millisecond)
		s, err := New(identity.NewDevice("producer", "test producer"), newTestProject(t, "Demo"), WithDiscovery(platform, ""), fastSession())
		require.NoError(t, err)
		s.reconcileEvery = 20 * time.Millisecond
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		s.mu.Lock()
		s.viewer = "evicted-viewer"
		s.mu.Unlock()

		require.Eventually(t, func() bool {
			return boundViewer(s) == ""
		}, 5*time.Second, 20*time.Millisecond)
		_, ok := s.Viewer()
		assert.False(t, ok)
		assert.Equal(t, session.Disconnected, s.Status().State)
	})
}

func TestSnag_DebugHost(t *testing.T) {
	t.Run("should connect to the debug host without discovery", func(t *testing.T) {
		project := newTestProject(t, "Demo")
		v, received := startTestViewer(t, project)
		endpoint, err := v.Endpoint()
		require.NoError(t, err)

		s, err := New(identity.NewDevice("producer", "test producer"), project, WithDebugHost(endpoint.Host, endpoint.Port), fastSession())
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		s.Capture(newExchange(t, "GET", "https://example.com/a", 200))
		require.Eventually(t, func() bool {
			return len(received.snapshot()) == 1
		}, 5*time.Second, 20*time.Millisecond)
	})

	t.Run("should flush queued records on stop", func(t *testing.T) {
		project := newTestProject(t, "Demo")
		v, received := startTestViewer(t, project)
		endpoint, err := v.Endpoint()
		require.NoError(t, err)

		s, err := New(identity.NewDevice("producer", "test producer"), project, WithDebugHost(endpoint.Host, endpoint.Port), fastSession())
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		require.Eventually(t, func() bool {
			return s.Status().State == session.Streaming
		}, 5*time.Second, 20*time.Millisecond)

		for i := 0; i < 10; i++ {
			s.Capture(newExchange(t, "GET", "https://example.com/a", 200))
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Stop(ctx))

		require.Eventually(t, func() bool {
			return len(received.snapshot()) == 10
		}, 5*time.Second, 20*time.Millisecond)
		assert.False(t, s.Capture(newExchange(t, "GET", "https://example.com/late", 200)))
	})
}

func TestSnag_Start(t *testing.T) {
	t.Run("should require a way to find the viewer", func(t *testing.T) {
		s, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"))
		require.NoError(t, err)
		assert.ErrorIs(t, s.Start(context.Background()), ErrNoViewerSource)
	})

	t.Run("should refuse to start twice or after stop", func(t *testing.T) {
		platform := discovery.NewMemoryPlatform("127.0.0.1", time.Second)
		s, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithDiscovery(platform, ""))
		require.NoError(t, err)

		require.NoError(t, s.Start(context.Background()))
		assert.ErrorIs(t, s.Start(context.Background()), ErrAlreadyStarted)
		require.NoError(t, s.Stop(context.Background()))
		assert.ErrorIs(t, s.Start(context.Background()), ErrStopped)
	})

	t.Run("should reject invalid options", func(t *testing.T) {
		_, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithDebugHost("", 43435))
		assert.Error(t, err)
		_, err = New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithDiscovery(nil, ""))
		assert.Error(t, err)
	})
}

func TestSnag_Capture(t *testing.T) {
	t.Run("should not queue records vetoed by a delegate", func(t *testing.T) {
		veto := intercept.DelegateFunc(func(record *domain.CaptureRecord) *domain.CaptureRecord {
			if record.Host() == "internal.example.com" {
				return nil
			}
			return record
		})
		s, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithDelegates(veto))
		require.NoError(t, err)

		assert.False(t, s.Capture(newExchange(t, "GET", "https://internal.example.com/a", 200)))
		assert.True(t, s.Capture(newExchange(t, "GET", "https://example.com/a", 200)))
		assert.False(t, s.Capture(nil))
		assert.Equal(t, 1, s.Status().Queued)
	})
}

func TestSnag_Log(t *testing.T) {
	t.Run("should stream log records while the viewer asks for them", func(t *testing.T) {
		project := newTestProject(t, "Demo")
		v, received := startTestViewer(t, project)
		endpoint, err := v.Endpoint()
		require.NoError(t, err)

		s, err := New(identity.NewDevice("producer", ""), project, WithDebugHost(endpoint.Host, endpoint.Port), fastSession())
		require.NoError(t, err)
		require.NoError(t, s.Start(context.Background()))
		defer s.Stop(context.Background())

		require.Eventually(t, s.session.StreamLogs, 5*time.Second, 20*time.Millisecond)
		require.NoError(t, s.Log(domain.LevelWarn, "cache miss", core.LogWithTag("cache")))

		require.Eventually(t, func() bool {
			return len(received.snapshot()) == 1
		}, 5*time.Second, 20*time.Millisecond)
		got := received.snapshot()[0].Record
		require.Equal(t, domain.DirectionLog, got.Direction)
		assert.Equal(t, "cache miss", got.Log.Message)
		assert.Equal(t, "cache", got.Log.Tag)
	})

	t.Run("should reject unknown levels", func(t *testing.T) {
		s, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"))
		require.NoError(t, err)
		assert.Error(t, s.Log("LOUD", "hello"))
	})
}

func TestWithConfig(t *testing.T) {
	t.Run("should map configuration onto the producer", func(t *testing.T) {
		cfg := config.Default()
		cfg.DebugHost = "192.168.1.20"
		cfg.ResolveTimeout = 3 * time.Second

		s, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithConfig(cfg))
		require.NoError(t, err)

		require.NotNil(t, s.debugEndpoint)
		assert.Equal(t, "192.168.1.20:43435", s.debugEndpoint.Address())
		assert.Equal(t, 3*time.Second, s.resolveTimeout)
		assert.Equal(t, config.DefaultServiceType, s.serviceType)
		assert.Equal(t, 1, s.chain.Len())
	})

	t.Run("should reject an invalid configuration", func(t *testing.T) {
		cfg := config.Default()
		cfg.Codec = "xml"
		_, err := New(identity.NewDevice("producer", ""), newTestProject(t, "Demo"), WithConfig(cfg))
		assert.ErrorIs(t, err, config.ErrInvalidConfig)
	})
}
