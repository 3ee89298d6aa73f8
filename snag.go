// Package snag streams the HTTP traffic and log events of a Go program to a Snag viewer
// on the local network.
//
// A Snag is created once by the host program and owns everything the producer needs,
// from viewer discovery down to the queued transport session.
//
//	s, err := snag.New(identity.HostDevice(), project, snag.WithDiscovery(zeroconf.New(0, logger), ""))
//	if err != nil {
//		return err
//	}
//	s.Start(ctx)
//	defer s.Stop(context.Background())
//
//	transport, _ := s.Transport()
//	client := &http.Client{Transport: transport}
//
// Capturing never blocks the host and never fails a request: records queue while no
// viewer is reachable and the oldest are dropped once the queue is full.
package snag

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/capture"
	"github.com/tfkr-ae/snag/config"
	"github.com/tfkr-ae/snag/core"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/intercept"
	"github.com/tfkr-ae/snag/session"
)

// defaultReconcileInterval is how often the bound viewer is checked against the browser.
const defaultReconcileInterval = time.Second

var (
	ErrAlreadyStarted = errors.New("snag already started")
	ErrStopped        = errors.New("snag stopped")
	// ErrNoViewerSource is returned by Start when neither discovery nor a debug host is configured.
	ErrNoViewerSource = errors.New("no discovery platform or debug host configured")
)

// Snag is the producer. It is safe for concurrent use.
type Snag struct {
	device  domain.Device
	project domain.Project
	logger  zerolog.Logger

	chain          *intercept.Chain
	delegates      []intercept.Delegate
	session        *session.Session
	sessionOptions []session.Option

	platform       discovery.Platform
	serviceType    string
	resolveTimeout time.Duration
	discoveryTTL   time.Duration
	reconcileEvery time.Duration
	debugEndpoint  *domain.Endpoint

	browser *discovery.Browser

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	viewer  string
	wg      sync.WaitGroup
}

// New creates a producer for device and project. Records captured before Start are
// queued and sent once a viewer is found.
func New(device domain.Device, project domain.Project, options ...Option) (*Snag, error) {
	s := &Snag{
		device:         device,
		project:        project,
		logger:         zerolog.Nop(),
		serviceType:    config.DefaultServiceType,
		resolveTimeout: discovery.DefaultResolveTimeout,
		discoveryTTL:   discovery.DefaultTTL,
		reconcileEvery: defaultReconcileInterval,
	}
	if err := s.WithOptions(options...); err != nil {
		return nil, err
	}
	s.chain = intercept.NewChain(s.logger.With().Str("component", "intercept").Logger(), s.delegates...)

	sessionOptions := append([]session.Option{
		session.WithLogger(s.logger.With().Str("component", "session").Logger()),
	}, s.sessionOptions...)
	sess, err := session.New(device, project, sessionOptions...)
	if err != nil {
		return nil, fmt.Errorf("creating session : %w", err)
	}
	s.session = sess
	return s, nil
}

// Start looks for a viewer of the same project and streams to it. With a debug host
// configured, discovery is skipped and the host is dialed directly. Start returns once
// the search has begun; connecting happens in the background.
func (s *Snag) Start(ctx context.Context) error {
	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ErrStopped
	case s.started:
		s.mu.Unlock()
		return ErrAlreadyStarted
	case s.debugEndpoint == nil && s.platform == nil:
		s.mu.Unlock()
		return ErrNoViewerSource
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.started = true
	s.cancel = cancel
	if s.debugEndpoint == nil {
		s.browser = discovery.NewBrowser(s.platform, s.serviceType,
			discovery.WithTTL(s.discoveryTTL),
			discovery.WithBrowserLogger(s.logger.With().Str("component", "discovery").Logger()),
		)
	}
	s.mu.Unlock()

	if s.debugEndpoint != nil {
		s.logger.Info().Str("endpoint", s.debugEndpoint.Address()).Msg("using debug host, discovery skipped")
		if err := s.session.Connect(runCtx, *s.debugEndpoint); err != nil {
			return fmt.Errorf("connecting to debug host : %w", err)
		}
		return nil
	}

	if err := s.browser.StartBrowsing(runCtx); err != nil {
		return fmt.Errorf("browsing for viewers : %w", err)
	}

	s.wg.Add(1)
	go s.watch(runCtx, s.browser.Events())
	s.logger.Info().Str("service_type", s.serviceType).Str("project", s.project.Name).Msg("looking for viewers")
	return nil
}

// Capture passes record through the interception chain and queues what comes out.
// It reports whether the record was queued; a delegate veto or a stopped producer
// returns false. The caller must not touch record afterwards.
func (s *Snag) Capture(record *domain.CaptureRecord) bool {
	if record == nil {
		return false
	}
	out := s.chain.Run(record)
	if out == nil {
		return false
	}
	return s.session.Enqueue(out)
}

// Log writes a log event to the producer's logger and, while the viewer asks for them,
// streams it as a log record.
func (s *Snag) Log(level, message string, options ...core.LogOption) error {
	log, err := core.NewLog(level, message, options...)
	if err != nil {
		return err
	}

	event := s.logger.WithLevel(zerologLevel(level)).Str("component", "app")
	if log.Tag != "" {
		event = event.Str("tag", log.Tag)
	}
	if log.RequestID != nil {
		event = event.Str("request_id", log.RequestID.String())
	}
	event.Msg(message)

	if !s.session.StreamLogs() {
		return nil
	}
	s.Capture(domain.NewLogRecord(log))
	return nil
}

// Transport returns an http.RoundTripper capturing into this producer.
func (s *Snag) Transport(options ...capture.TransportOption) (*capture.Transport, error) {
	options = append([]capture.TransportOption{
		capture.WithTransportLogger(s.logger.With().Str("component", "capture").Logger()),
	}, options...)
	return capture.NewTransport(s, options...)
}

// Proxy returns a capturing HTTP proxy feeding this producer.
func (s *Snag) Proxy(options ...capture.ProxyOption) (*capture.Proxy, error) {
	options = append([]capture.ProxyOption{
		capture.WithLogger(s.logger.With().Str("component", "proxy").Logger()),
	}, options...)
	return capture.NewProxy(s, options...)
}

// AddDelegate appends delegates to the interception chain.
func (s *Snag) AddDelegate(delegates ...intercept.Delegate) {
	s.chain.Register(delegates...)
}

// Status returns the transport session status.
func (s *Snag) Status() session.Status {
	return s.session.Status()
}

// Viewer returns the service currently streamed to, if one was found through discovery.
func (s *Snag) Viewer() (domain.ServiceRecord, bool) {
	s.mu.Lock()
	id, browser := s.viewer, s.browser
	s.mu.Unlock()
	if id == "" || browser == nil {
		return domain.ServiceRecord{}, false
	}
	return browser.Lookup(id)
}

// Stop flushes the queue to a connected viewer, bounded by ctx, then releases every
// resource. Records still queued when ctx ends are dropped.
func (s *Snag) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	cancel, browser := s.cancel, s.browser
	s.mu.Unlock()

	err := s.session.Disconnect(ctx)
	if cancel != nil {
		cancel()
	}
	if browser != nil {
		browser.Close()
	}
	s.wg.Wait()

	status := s.session.Status()
	s.logger.Info().Uint64("sent", status.Sent).Uint64("dropped", status.Dropped).Msg("snag stopped")
	return err
}

// watch follows discovery events and keeps the session bound to the newest viewer of
// the project.
func (s *Snag) watch(ctx context.Context, events <-chan discovery.Event) {
	defer s.wg.Done()
	// Events can be dropped when the channel is full, so the bound viewer is also
	// checked against the browser on a timer.
	reconcile := time.NewTicker(s.reconcileEvery)
	defer reconcile.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcile.C:
			s.reconcile(ctx)
		case event, ok := <-events:
			if !ok {
				return
			}
			s.handle(ctx, event)
		}
	}
}

func (s *Snag) handle(ctx context.Context, event discovery.Event) {
	service := event.Service
	switch event.Kind {
	case discovery.EventFound:
		if !s.wants(service) {
			s.logger.Debug().Str("service", service.Name).Str("project", service.TXT[discovery.TXTProject]).Msg("ignoring viewer of another project")
			return
		}
		s.wg.Add(1)
		go s.resolve(ctx, service.ID)

	case discovery.EventResolved:
		if s.wants(service) {
			s.bind(ctx, service)
		}

	case discovery.EventLost:
		s.release(ctx, service.ID, service.Name)

	case discovery.EventResolveFailed:
		s.logger.Warn().Err(event.Err).Str("service", service.Name).Msg("resolving viewer")
	}
}

// release drops the bound viewer id, if it is still the bound one, and moves on to the
// newest remaining viewer or unbinds the session.
func (s *Snag) release(ctx context.Context, id, name string) {
	s.mu.Lock()
	current := s.viewer == id
	if current {
		s.viewer = ""
	}
	s.mu.Unlock()
	if !current {
		return
	}

	s.logger.Info().Str("service", name).Msg("viewer lost")
	if next, ok := s.newestViewer(); ok {
		s.bind(ctx, next)
		return
	}
	s.session.Unbind()
}

// reconcile brings the binding in line with what the browser knows when a lost or
// resolved event never arrived.
func (s *Snag) reconcile(ctx context.Context) {
	s.mu.Lock()
	id := s.viewer
	s.mu.Unlock()

	if id == "" {
		if next, ok := s.newestViewer(); ok {
			s.bind(ctx, next)
		}
		return
	}
	if _, ok := s.browser.Lookup(id); !ok {
		s.release(ctx, id, id)
	}
}

func (s *Snag) resolve(ctx context.Context, id string) {
	defer s.wg.Done()
	if _, err := s.browser.Resolve(ctx, id, s.resolveTimeout); err != nil && ctx.Err() == nil {
		s.logger.Warn().Err(err).Str("service", id).Msg("resolving viewer")
	}
}

// bind points the session at service. The most recently resolved viewer always wins.
func (s *Snag) bind(ctx context.Context, service domain.ServiceRecord) {
	if service.Endpoint == nil {
		return
	}
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.viewer = service.ID
	s.mu.Unlock()

	s.logger.Info().Str("service", service.Name).Str("endpoint", service.Endpoint.Address()).Msg("viewer selected")
	if err := s.session.Connect(ctx, *service.Endpoint); err != nil {
		s.logger.Warn().Err(err).Msg("binding session")
	}
}

// newestViewer returns the most recently resolved viewer of the project still known.
func (s *Snag) newestViewer() (domain.ServiceRecord, bool) {
	var (
		best  domain.ServiceRecord
		found bool
	)
	for _, service := range s.browser.Services() {
		if !s.wants(service) || service.State != domain.ServiceResolved || service.Endpoint == nil {
			continue
		}
		if !found || service.ResolvedAt.After(best.ResolvedAt) {
			best, found = service, true
		}
	}
	return best, found
}

// wants reports whether service is a viewer for this producer's project.
func (s *Snag) wants(service domain.ServiceRecord) bool {
	return service.TXT[discovery.TXTProject] == s.project.Name
}

func zerologLevel(level string) zerolog.Level {
	switch level {
	case domain.LevelDebug:
		return zerolog.DebugLevel
	case domain.LevelWarn:
		return zerolog.WarnLevel
	case domain.LevelError:
		return zerolog.ErrorLevel
	case domain.LevelFatal:
		return zerolog.FatalLevel
	}
	return zerolog.InfoLevel
}
