package discovery

import (
	"fmt"
	"strconv"

	"github.com/rs/zerolog"
	"github.com/tfkr-ae/snag/domain"
	"github.com/tfkr-ae/snag/wire"
)

// AdvertiserState is the lifecycle stage of an Advertiser.
type AdvertiserState int

const (
	AdvertiserIdle AdvertiserState = iota
	AdvertiserAdvertising
	AdvertiserLost
)

func (s AdvertiserState) String() string {
	switch s {
	case AdvertiserIdle:
		return "idle"
	case AdvertiserAdvertising:
		return "advertising"
	case AdvertiserLost:
		return "lost"
	}
	return "unknown"
}

// TXT record keys published by an advertiser.
const (
	TXTProject  = "project"
	TXTDevice   = "device"
	TXTDeviceID = "deviceId"
	TXTVersion  = "v"
)

// DefaultDomain is the mDNS domain services are registered in.
const DefaultDomain = "local."

// Advertiser publishes one service for the local device.
type Advertiser struct {
	platform    Platform
	device      domain.Device
	serviceType string
	logger      zerolog.Logger
	loop        *eventLoop
	*emitter

	// owned by the loop
	state      AdvertiserState
	record     *domain.ServiceRecord
	generation uint64
}

// NewAdvertiser creates an idle advertiser for serviceType.
func NewAdvertiser(platform Platform, device domain.Device, serviceType string, logger zerolog.Logger) *Advertiser {
	return &Advertiser{
		platform:    platform,
		device:      device,
		serviceType: serviceType,
		logger:      logger,
		loop:        newEventLoop(),
		emitter:     newEmitter(64),
	}
}

// Events returns the channel events are published on.
func (a *Advertiser) Events() <-chan Event {
	return a.events
}

// MissedEvents counts events dropped because the channel was full.
func (a *Advertiser) MissedEvents() uint64 {
	return a.missed.Load()
}

// State returns the current state.
func (a *Advertiser) State() AdvertiserState {
	state := AdvertiserIdle
	a.loop.call(func() {
		state = a.state
	})
	return state
}

// StartAdvertise registers the service for project on port.
func (a *Advertiser) StartAdvertise(project domain.Project, port int) error {
	var err error
	if !a.loop.call(func() {
		err = a.start(project, port)
	}) {
		return ErrClosed
	}
	return err
}

func (a *Advertiser) start(project domain.Project, port int) error {
	if a.state == AdvertiserAdvertising {
		return ErrAlreadyAdvertising
	}
	a.release()

	record := domain.ServiceRecord{
		ID:     ServiceID(a.device.Name, a.serviceType, DefaultDomain),
		Name:   a.device.Name,
		Type:   a.serviceType,
		Domain: DefaultDomain,
		Port:   port,
		TXT: map[string]string{
			TXTProject:  project.Name,
			TXTDevice:   a.device.Name,
			TXTDeviceID: a.device.ID,
			TXTVersion:  strconv.Itoa(wire.SchemaVersion),
		},
		State: domain.ServiceFound,
	}
	a.generation++
	a.record = &record

	generation := a.generation
	sink := func(event PlatformEvent) {
		a.loop.post(func() {
			a.handle(generation, event)
		})
	}
	if err := a.platform.Advertise(record, sink); err != nil {
		a.release()
		return fmt.Errorf("advertising %s : %w", record.ID, err)
	}

	a.state = AdvertiserAdvertising
	a.logger.Info().Str("service", record.ID).Int("port", port).Msg("advertising")
	return nil
}

// StopAdvertise releases the registration. It is safe to call in any state.
func (a *Advertiser) StopAdvertise() {
	a.loop.call(a.release)
}

// release unregisters whatever registration was attempted and returns to Idle.
func (a *Advertiser) release() {
	if a.record != nil {
		if err := a.platform.Unregister(*a.record); err != nil {
			a.logger.Warn().Err(err).Str("service", a.record.ID).Msg("unregistering service")
		}
		a.record = nil
		a.generation++
	}
	a.state = AdvertiserIdle
}

func (a *Advertiser) handle(generation uint64, event PlatformEvent) {
	if generation != a.generation || a.record == nil {
		return
	}
	record := *a.record

	switch event.Kind {
	case PlatformRegistered:
		a.emit(Event{Kind: EventRegistered, Service: record})
	case PlatformRegistrationFailed:
		a.logger.Error().Int("code", event.Code).Str("service", record.ID).Msg("registration failed")
		a.release()
		a.emit(Event{Kind: EventRegistrationFailed, Service: record, Err: &RegistrationFailedError{Code: event.Code}})
	case PlatformRegistrationLost:
		a.logger.Warn().Str("service", record.ID).Msg("registration lost")
		a.state = AdvertiserLost
		a.emit(Event{Kind: EventRegistrationLost, Service: record})
	}
}

// Close releases the registration and stops the event loop.
func (a *Advertiser) Close() {
	a.StopAdvertise()
	a.loop.close()
}
