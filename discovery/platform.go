// Package discovery finds viewers on the local network and advertises them.
//
// The OS service discovery API is reached through Platform. Everything a platform
// reports is marshalled onto the engine's event loop before it touches any state.
package discovery

import (
	"context"
	"errors"
	"fmt"

	"github.com/tfkr-ae/snag/domain"
)

// PlatformEventKind identifies a callback from the platform.
type PlatformEventKind int

const (
	PlatformRegistered PlatformEventKind = iota
	PlatformRegistrationFailed
	PlatformRegistrationLost
	PlatformFound
	PlatformLost
	PlatformResolved
	PlatformResolveFailed
)

// PlatformEvent is a single platform callback. Endpoint is set for PlatformResolved and
// Code for the failure kinds.
type PlatformEvent struct {
	Kind     PlatformEventKind
	Service  domain.ServiceRecord
	Endpoint domain.Endpoint
	Code     int
}

// Sink receives platform callbacks. It may be called from any goroutine and never blocks.
type Sink func(PlatformEvent)

// Platform is the OS service discovery primitive.
type Platform interface {
	// Advertise registers service. The outcome arrives through sink.
	Advertise(service domain.ServiceRecord, sink Sink) error
	// Browse reports services of serviceType until ctx is done.
	Browse(ctx context.Context, serviceType string, sink Sink) error
	// Resolve looks up the endpoint of service. It may never answer. The engine bounds it with ctx.
	Resolve(ctx context.Context, service domain.ServiceRecord, sink Sink) error
	// Unregister releases a registration, including pending or failed ones.
	Unregister(service domain.ServiceRecord) error
}

var (
	// ErrAlreadyAdvertising is returned by StartAdvertise while a registration is live.
	ErrAlreadyAdvertising = errors.New("already advertising")
	// ErrResolveTimeout is returned when the platform does not resolve in time.
	ErrResolveTimeout = errors.New("resolve timed out")
	// ErrUnknownService is returned for service ids the browser has not seen.
	ErrUnknownService = errors.New("unknown service")
	// ErrServiceLost is returned to resolvers waiting on a service that disappears.
	ErrServiceLost = errors.New("service lost")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("discovery engine closed")
)

// RegistrationFailedError carries the platform code of a failed registration.
type RegistrationFailedError struct {
	Code int
}

func (e *RegistrationFailedError) Error() string {
	return fmt.Sprintf("registration failed with code %d", e.Code)
}

// ResolveFailedError carries the platform code of a failed resolve.
type ResolveFailedError struct {
	Code int
}

func (e *ResolveFailedError) Error() string {
	return fmt.Sprintf("resolve failed with code %d", e.Code)
}

// ServiceID builds the id of a service instance from its name, type and domain.
func ServiceID(name, serviceType, serviceDomain string) string {
	return name + "." + serviceType + "." + serviceDomain
}
