package discovery

import (
	"sync/atomic"

	"github.com/tfkr-ae/snag/domain"
)

// EventKind identifies an engine event.
type EventKind int

const (
	EventRegistered EventKind = iota
	EventRegistrationFailed
	EventRegistrationLost
	EventFound
	EventLost
	EventResolved
	EventResolveFailed
)

func (k EventKind) String() string {
	switch k {
	case EventRegistered:
		return "registered"
	case EventRegistrationFailed:
		return "registration_failed"
	case EventRegistrationLost:
		return "registration_lost"
	case EventFound:
		return "found"
	case EventLost:
		return "lost"
	case EventResolved:
		return "resolved"
	case EventResolveFailed:
		return "resolve_failed"
	}
	return "unknown"
}

// Event is published by an Advertiser or a Browser.
type Event struct {
	Kind    EventKind
	Service domain.ServiceRecord
	Err     error
}

// emitter publishes events without blocking. Events a slow consumer cannot take are counted.
type emitter struct {
	events chan Event
	missed atomic.Uint64
}

func newEmitter(size int) *emitter {
	return &emitter{events: make(chan Event, size)}
}

func (e *emitter) emit(event Event) {
	select {
	case e.events <- event:
	default:
		e.missed.Add(1)
	}
}
