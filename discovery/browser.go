package discovery

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/domain"
)

const (
	// DefaultTTL is how long a service survives without being announced again.
	DefaultTTL = 30 * time.Second
	// DefaultResolveTimeout bounds Resolve when no timeout is given.
	DefaultResolveTimeout = 10 * time.Second

	minSweepInterval = 10 * time.Millisecond
)

// BrowserState is the lifecycle stage of a Browser.
type BrowserState int

const (
	BrowserIdle BrowserState = iota
	BrowserBrowsing
)

func (s BrowserState) String() string {
	if s == BrowserBrowsing {
		return "browsing"
	}
	return "idle"
}

type resolveResult struct {
	endpoint domain.Endpoint
	err      error
}

// entry is a discovered service and the resolves waiting on it.
type entry struct {
	record        domain.ServiceRecord
	waiters       map[chan resolveResult]struct{}
	cancelResolve context.CancelFunc
}

// Browser tracks services of one type, evicts those that stop announcing and resolves
// them on demand.
type Browser struct {
	platform    Platform
	serviceType string
	ttl         time.Duration
	logger      zerolog.Logger
	now         func() time.Time
	loop        *eventLoop
	*emitter

	// owned by the loop
	state        BrowserState
	services     map[string]*entry
	cancelBrowse context.CancelFunc
	generation   uint64
}

// BrowserOption configures a Browser.
type BrowserOption func(*Browser)

// WithTTL overrides DefaultTTL.
func WithTTL(ttl time.Duration) BrowserOption {
	return func(b *Browser) {
		if ttl > 0 {
			b.ttl = ttl
		}
	}
}

// WithBrowserLogger sets the browser logger.
func WithBrowserLogger(logger zerolog.Logger) BrowserOption {
	return func(b *Browser) {
		b.logger = logger
	}
}

// NewBrowser creates an idle browser for serviceType.
func NewBrowser(platform Platform, serviceType string, options ...BrowserOption) *Browser {
	b := &Browser{
		platform:    platform,
		serviceType: serviceType,
		ttl:         DefaultTTL,
		logger:      zerolog.Nop(),
		now:         time.Now,
		loop:        newEventLoop(),
		emitter:     newEmitter(256),
		services:    make(map[string]*entry),
	}
	for _, option := range options {
		option(b)
	}
	return b
}

// Events returns the channel events are published on.
func (b *Browser) Events() <-chan Event {
	return b.events
}

// MissedEvents counts events dropped because the channel was full.
func (b *Browser) MissedEvents() uint64 {
	return b.missed.Load()
}

// State returns the current state.
func (b *Browser) State() BrowserState {
	state := BrowserIdle
	b.loop.call(func() {
		state = b.state
	})
	return state
}

// StartBrowsing begins browsing. Calling it while browsing does nothing.
func (b *Browser) StartBrowsing(ctx context.Context) error {
	var err error
	if !b.loop.call(func() {
		err = b.start(ctx)
	}) {
		return ErrClosed
	}
	return err
}

func (b *Browser) start(ctx context.Context) error {
	if b.state == BrowserBrowsing {
		return nil
	}

	browseCtx, cancel := context.WithCancel(ctx)
	b.generation++
	generation := b.generation
	sink := func(event PlatformEvent) {
		b.loop.post(func() {
			b.handle(generation, event)
		})
	}
	if err := b.platform.Browse(browseCtx, b.serviceType, sink); err != nil {
		cancel()
		return fmt.Errorf("browsing %s : %w", b.serviceType, err)
	}

	b.state = BrowserBrowsing
	b.cancelBrowse = cancel
	go b.sweep(browseCtx, generation)
	b.logger.Info().Str("type", b.serviceType).Msg("browsing")
	return nil
}

// StopBrowsing releases the platform browse and forgets every service. It is safe to
// call in any state.
func (b *Browser) StopBrowsing() {
	b.loop.call(b.stop)
}

func (b *Browser) stop() {
	if b.cancelBrowse != nil {
		b.cancelBrowse()
		b.cancelBrowse = nil
	}
	for id, e := range b.services {
		b.finishResolve(e, resolveResult{err: ErrServiceLost})
		delete(b.services, id)
	}
	b.generation++
	b.state = BrowserIdle
}

// Close stops browsing and the event loop.
func (b *Browser) Close() {
	b.StopBrowsing()
	b.loop.close()
}

// Services returns a snapshot of the known services ordered by name then id.
func (b *Browser) Services() []domain.ServiceRecord {
	var services []domain.ServiceRecord
	b.loop.call(func() {
		for _, e := range b.services {
			services = append(services, e.record.Clone())
		}
	})
	sort.Slice(services, func(i, j int) bool {
		if services[i].Name != services[j].Name {
			return services[i].Name < services[j].Name
		}
		return services[i].ID < services[j].ID
	})
	return services
}

// Lookup returns the service with id.
func (b *Browser) Lookup(id string) (domain.ServiceRecord, bool) {
	var (
		record domain.ServiceRecord
		ok     bool
	)
	b.loop.call(func() {
		if e, found := b.services[id]; found {
			record, ok = e.record.Clone(), true
		}
	})
	return record, ok
}

// ByName returns the most recently resolved service with the display name name.
// Services sharing a name are kept apart, only the lookup picks between them.
func (b *Browser) ByName(name string) (domain.ServiceRecord, bool) {
	var (
		best  *domain.ServiceRecord
		found domain.ServiceRecord
	)
	b.loop.call(func() {
		for _, e := range b.services {
			record := e.record
			if record.Name != name || record.State != domain.ServiceResolved {
				continue
			}
			if best == nil || record.ResolvedAt.After(best.ResolvedAt) {
				best = &e.record
			}
		}
		if best != nil {
			found = best.Clone()
		}
	})
	return found, best != nil
}

// Resolve asks the platform for the endpoint of service id. It fails with
// ErrResolveTimeout once timeout has elapsed, never earlier. A zero timeout means
// DefaultResolveTimeout.
func (b *Browser) Resolve(ctx context.Context, id string, timeout time.Duration) (domain.Endpoint, error) {
	if timeout <= 0 {
		timeout = DefaultResolveTimeout
	}

	result := make(chan resolveResult, 1)
	var err error
	if !b.loop.call(func() {
		err = b.startResolve(id, result)
	}) {
		return domain.Endpoint{}, ErrClosed
	}
	if err != nil {
		return domain.Endpoint{}, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-result:
		return res.endpoint, res.err
	case <-timer.C:
		b.abandonResolve(id, result, ErrResolveTimeout)
		return domain.Endpoint{}, fmt.Errorf("resolving %s after %s : %w", id, timeout, ErrResolveTimeout)
	case <-ctx.Done():
		b.abandonResolve(id, result, ctx.Err())
		return domain.Endpoint{}, ctx.Err()
	}
}

func (b *Browser) startResolve(id string, result chan resolveResult) error {
	e, ok := b.services[id]
	if !ok {
		return fmt.Errorf("resolving %s : %w", id, ErrUnknownService)
	}

	e.waiters[result] = struct{}{}
	if e.cancelResolve != nil {
		return nil
	}

	resolveCtx, cancel := context.WithCancel(context.Background())
	e.cancelResolve = cancel
	e.record.State = domain.ServiceResolving

	generation := b.generation
	sink := func(event PlatformEvent) {
		b.loop.post(func() {
			b.handle(generation, event)
		})
	}
	if err := b.platform.Resolve(resolveCtx, e.record.Clone(), sink); err != nil {
		b.logger.Warn().Err(err).Str("service", id).Msg("starting resolve")
		b.failResolve(e, &ResolveFailedError{Code: -1})
	}
	return nil
}

// abandonResolve removes a waiter that gave up. The last waiter to give up cancels
// the platform resolve and marks the service failed.
func (b *Browser) abandonResolve(id string, result chan resolveResult, reason error) {
	b.loop.call(func() {
		e, ok := b.services[id]
		if !ok {
			return
		}
		delete(e.waiters, result)
		if len(e.waiters) > 0 || e.cancelResolve == nil {
			return
		}
		e.cancelResolve()
		e.cancelResolve = nil
		e.record.State = domain.ServiceFailed
		b.emit(Event{Kind: EventResolveFailed, Service: e.record.Clone(), Err: reason})
	})
}

func (b *Browser) failResolve(e *entry, err error) {
	e.record.State = domain.ServiceFailed
	b.finishResolve(e, resolveResult{err: err})
	b.emit(Event{Kind: EventResolveFailed, Service: e.record.Clone(), Err: err})
}

// finishResolve answers every waiter and releases the platform resolve.
func (b *Browser) finishResolve(e *entry, result resolveResult) {
	for waiter := range e.waiters {
		waiter <- result
		delete(e.waiters, waiter)
	}
	if e.cancelResolve != nil {
		e.cancelResolve()
		e.cancelResolve = nil
	}
}

func (b *Browser) handle(generation uint64, event PlatformEvent) {
	if generation != b.generation || b.state != BrowserBrowsing {
		return
	}
	now := b.now()
	id := event.Service.ID

	switch event.Kind {
	case PlatformFound:
		e, ok := b.services[id]
		if !ok {
			record := event.Service.Clone()
			record.State = domain.ServiceFound
			record.Endpoint = nil
			record.LastSeen = now
			e = &entry{record: record, waiters: make(map[chan resolveResult]struct{})}
			b.services[id] = e
			b.logger.Debug().Str("service", id).Msg("service found")
			b.emit(Event{Kind: EventFound, Service: record.Clone()})
			return
		}
		e.record.LastSeen = now
		if event.Service.TXT != nil {
			e.record.TXT = event.Service.Clone().TXT
		}
		if event.Service.Port != 0 {
			e.record.Port = event.Service.Port
		}

	case PlatformLost:
		if e, ok := b.services[id]; ok {
			b.evict(id, e)
		}

	case PlatformResolved:
		e, ok := b.services[id]
		if !ok || e.cancelResolve == nil {
			return
		}
		endpoint := event.Endpoint
		e.record.Endpoint = &endpoint
		e.record.State = domain.ServiceResolved
		e.record.ResolvedAt = now
		e.record.LastSeen = now
		b.finishResolve(e, resolveResult{endpoint: endpoint})
		b.logger.Debug().Str("service", id).Str("endpoint", endpoint.Address()).Msg("service resolved")
		b.emit(Event{Kind: EventResolved, Service: e.record.Clone()})

	case PlatformResolveFailed:
		e, ok := b.services[id]
		if !ok || e.cancelResolve == nil {
			return
		}
		b.failResolve(e, &ResolveFailedError{Code: event.Code})
	}
}

func (b *Browser) evict(id string, e *entry) {
	b.finishResolve(e, resolveResult{err: ErrServiceLost})
	delete(b.services, id)
	b.logger.Debug().Str("service", id).Msg("service lost")
	b.emit(Event{Kind: EventLost, Service: e.record.Clone()})
}

// sweep evicts services that have not been announced within the TTL.
func (b *Browser) sweep(ctx context.Context, generation uint64) {
	interval := b.ttl / 4
	if interval < minSweepInterval {
		interval = minSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.loop.post(func() {
				if generation != b.generation {
					return
				}
				now := b.now()
				for id, e := range b.services {
					if now.Sub(e.record.LastSeen) > b.ttl {
						b.evict(id, e)
					}
				}
			})
		}
	}
}
