package discovery

import (
	"context"
	"sync"
	"time"

	"github.com/tfkr-ae/snag/domain"
)

// MemoryPlatform is an in-process network shared by advertisers and browsers.
// Hooks let tests suppress resolves, inject failures and stop re-announcements.
type MemoryPlatform struct {
	host             string
	announceInterval time.Duration

	mu               sync.Mutex
	services         map[string]memoryService
	browsers         map[*memoryBrowser]struct{}
	suppressResolve  bool
	resolveFailCode  int
	registerFailCode int
	silenced         map[string]bool
}

type memoryService struct {
	record domain.ServiceRecord
	sink   Sink
}

type memoryBrowser struct {
	serviceType string
	sink        Sink
}

// NewMemoryPlatform creates an empty network. Resolved endpoints use host and every
// live service is announced again each announceInterval.
func NewMemoryPlatform(host string, announceInterval time.Duration) *MemoryPlatform {
	return &MemoryPlatform{
		host:             host,
		announceInterval: announceInterval,
		services:         make(map[string]memoryService),
		browsers:         make(map[*memoryBrowser]struct{}),
		silenced:         make(map[string]bool),
	}
}

func (p *MemoryPlatform) Advertise(service domain.ServiceRecord, sink Sink) error {
	p.mu.Lock()
	if code := p.registerFailCode; code != 0 {
		p.mu.Unlock()
		sink(PlatformEvent{Kind: PlatformRegistrationFailed, Service: service, Code: code})
		return nil
	}
	p.services[service.ID] = memoryService{record: service.Clone(), sink: sink}
	browsers := p.browsersFor(service.Type)
	p.mu.Unlock()

	sink(PlatformEvent{Kind: PlatformRegistered, Service: service})
	for _, browser := range browsers {
		browser.sink(PlatformEvent{Kind: PlatformFound, Service: service.Clone()})
	}
	return nil
}

func (p *MemoryPlatform) Unregister(service domain.ServiceRecord) error {
	p.mu.Lock()
	_, ok := p.services[service.ID]
	delete(p.services, service.ID)
	browsers := p.browsersFor(service.Type)
	p.mu.Unlock()

	if ok {
		for _, browser := range browsers {
			browser.sink(PlatformEvent{Kind: PlatformLost, Service: service.Clone()})
		}
	}
	return nil
}

func (p *MemoryPlatform) Browse(ctx context.Context, serviceType string, sink Sink) error {
	browser := &memoryBrowser{serviceType: serviceType, sink: sink}

	p.mu.Lock()
	p.browsers[browser] = struct{}{}
	p.mu.Unlock()

	p.announce(browser)
	go func() {
		ticker := time.NewTicker(p.announceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				p.mu.Lock()
				delete(p.browsers, browser)
				p.mu.Unlock()
				return
			case <-ticker.C:
				p.announce(browser)
			}
		}
	}()
	return nil
}

// announce reports every live, unsilenced service to browser.
func (p *MemoryPlatform) announce(browser *memoryBrowser) {
	p.mu.Lock()
	var found []domain.ServiceRecord
	for id, service := range p.services {
		if service.record.Type == browser.serviceType && !p.silenced[id] {
			found = append(found, service.record.Clone())
		}
	}
	p.mu.Unlock()

	for _, record := range found {
		browser.sink(PlatformEvent{Kind: PlatformFound, Service: record})
	}
}

func (p *MemoryPlatform) Resolve(ctx context.Context, service domain.ServiceRecord, sink Sink) error {
	p.mu.Lock()
	suppress, failCode := p.suppressResolve, p.resolveFailCode
	registered, ok := p.services[service.ID]
	p.mu.Unlock()

	switch {
	case suppress:
		return nil
	case failCode != 0:
		sink(PlatformEvent{Kind: PlatformResolveFailed, Service: service, Code: failCode})
	case !ok:
		sink(PlatformEvent{Kind: PlatformResolveFailed, Service: service, Code: -1})
	default:
		sink(PlatformEvent{
			Kind:     PlatformResolved,
			Service:  service,
			Endpoint: domain.Endpoint{Host: p.host, Port: registered.record.Port},
		})
	}
	return nil
}

func (p *MemoryPlatform) browsersFor(serviceType string) []*memoryBrowser {
	var browsers []*memoryBrowser
	for browser := range p.browsers {
		if browser.serviceType == serviceType {
			browsers = append(browsers, browser)
		}
	}
	return browsers
}

// SuppressResolve makes Resolve never answer.
func (p *MemoryPlatform) SuppressResolve(suppress bool) {
	p.mu.Lock()
	p.suppressResolve = suppress
	p.mu.Unlock()
}

// FailResolve makes Resolve report code. Zero restores normal resolution.
func (p *MemoryPlatform) FailResolve(code int) {
	p.mu.Lock()
	p.resolveFailCode = code
	p.mu.Unlock()
}

// FailRegistration makes Advertise report code. Zero restores normal registration.
func (p *MemoryPlatform) FailRegistration(code int) {
	p.mu.Lock()
	p.registerFailCode = code
	p.mu.Unlock()
}

// Silence stops re-announcing service id without sending a goodbye, as when a peer
// drops off the network.
func (p *MemoryPlatform) Silence(id string) {
	p.mu.Lock()
	p.silenced[id] = true
	p.mu.Unlock()
}

// LoseRegistration tells the advertiser of id that its registration is gone.
func (p *MemoryPlatform) LoseRegistration(id string) {
	p.mu.Lock()
	service, ok := p.services[id]
	p.mu.Unlock()
	if ok {
		service.sink(PlatformEvent{Kind: PlatformRegistrationLost, Service: service.record.Clone()})
	}
}
