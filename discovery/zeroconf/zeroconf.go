// Package zeroconf implements discovery.Platform with multicast DNS service discovery.
package zeroconf

import (
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/grandcat/zeroconf"
	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/discovery"
	"github.com/tfkr-ae/snag/domain"
)

// Failure codes reported to the discovery engine.
const (
	CodeRegister  = 1
	CodeResolver  = 2
	CodeNoAddress = 3
)

// DefaultRefresh is how often a browse is restarted so live services are reported again.
const DefaultRefresh = 10 * time.Second

// Platform registers and browses services on the local network.
type Platform struct {
	interfaces []net.Interface
	refresh    time.Duration
	logger     zerolog.Logger

	mu      sync.Mutex
	servers map[string]*zeroconf.Server
}

// New creates a platform on all multicast interfaces. refresh should stay well below the
// browser TTL.
func New(refresh time.Duration, logger zerolog.Logger) *Platform {
	if refresh <= 0 {
		refresh = DefaultRefresh
	}
	return &Platform{
		refresh: refresh,
		logger:  logger,
		servers: make(map[string]*zeroconf.Server),
	}
}

func (p *Platform) Advertise(service domain.ServiceRecord, sink discovery.Sink) error {
	server, err := zeroconf.Register(service.Name, service.Type, service.Domain, service.Port, txtRecords(service.TXT), p.interfaces)
	if err != nil {
		sink(discovery.PlatformEvent{Kind: discovery.PlatformRegistrationFailed, Service: service, Code: CodeRegister})
		return nil
	}

	p.mu.Lock()
	if previous, ok := p.servers[service.ID]; ok {
		previous.Shutdown()
	}
	p.servers[service.ID] = server
	p.mu.Unlock()

	sink(discovery.PlatformEvent{Kind: discovery.PlatformRegistered, Service: service})
	return nil
}

func (p *Platform) Unregister(service domain.ServiceRecord) error {
	p.mu.Lock()
	server, ok := p.servers[service.ID]
	delete(p.servers, service.ID)
	p.mu.Unlock()

	if ok {
		server.Shutdown()
	}
	return nil
}

// Browse runs one multicast browse per refresh period until ctx is done. The resolver
// reports each instance once per browse, so restarting it keeps live services fresh.
func (p *Platform) Browse(ctx context.Context, serviceType string, sink discovery.Sink) error {
	if _, err := zeroconf.NewResolver(nil); err != nil {
		return fmt.Errorf("creating resolver : %w", err)
	}

	go func() {
		for ctx.Err() == nil {
			roundCtx, cancel := context.WithTimeout(ctx, p.refresh)
			p.browseRound(roundCtx, serviceType, sink)
			<-roundCtx.Done()
			cancel()
		}
	}()
	return nil
}

func (p *Platform) browseRound(ctx context.Context, serviceType string, sink discovery.Sink) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		p.logger.Warn().Err(err).Msg("creating resolver")
		return
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			record := serviceRecord(entry)
			if entry.TTL == 0 {
				sink(discovery.PlatformEvent{Kind: discovery.PlatformLost, Service: record})
				continue
			}
			sink(discovery.PlatformEvent{Kind: discovery.PlatformFound, Service: record})
		}
	}()

	if err := resolver.Browse(ctx, serviceType, discovery.DefaultDomain, entries); err != nil {
		p.logger.Warn().Err(err).Str("type", serviceType).Msg("browsing")
	}
}

func (p *Platform) Resolve(ctx context.Context, service domain.ServiceRecord, sink discovery.Sink) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		sink(discovery.PlatformEvent{Kind: discovery.PlatformResolveFailed, Service: service, Code: CodeResolver})
		return nil
	}

	entries := make(chan *zeroconf.ServiceEntry)
	go func() {
		for entry := range entries {
			host := address(entry)
			if host == "" {
				sink(discovery.PlatformEvent{Kind: discovery.PlatformResolveFailed, Service: service, Code: CodeNoAddress})
				continue
			}
			sink(discovery.PlatformEvent{
				Kind:     discovery.PlatformResolved,
				Service:  service,
				Endpoint: domain.Endpoint{Host: host, Port: entry.Port},
			})
		}
	}()

	if err := resolver.Lookup(ctx, service.Name, service.Type, service.Domain, entries); err != nil {
		sink(discovery.PlatformEvent{Kind: discovery.PlatformResolveFailed, Service: service, Code: CodeResolver})
	}
	return nil
}

func serviceRecord(entry *zeroconf.ServiceEntry) domain.ServiceRecord {
	serviceType := strings.TrimSuffix(entry.Service, ".")
	serviceDomain := entry.Domain
	if serviceDomain == "" {
		serviceDomain = discovery.DefaultDomain
	}
	return domain.ServiceRecord{
		ID:     discovery.ServiceID(entry.Instance, serviceType, serviceDomain),
		Name:   entry.Instance,
		Type:   serviceType,
		Domain: serviceDomain,
		Port:   entry.Port,
		TXT:    parseTXT(entry.Text),
		State:  domain.ServiceFound,
	}
}

// address prefers IPv4, which every viewer listens on.
func address(entry *zeroconf.ServiceEntry) string {
	if len(entry.AddrIPv4) > 0 {
		return entry.AddrIPv4[0].String()
	}
	if len(entry.AddrIPv6) > 0 {
		return entry.AddrIPv6[0].String()
	}
	return ""
}

func txtRecords(txt map[string]string) []string {
	records := make([]string, 0, len(txt))
	for key, value := range txt {
		records = append(records, key+"="+value)
	}
	return records
}

func parseTXT(records []string) map[string]string {
	txt := make(map[string]string, len(records))
	for _, record := range records {
		key, value, _ := strings.Cut(record, "=")
		if key != "" {
			txt[key] = value
		}
	}
	return txt
}
