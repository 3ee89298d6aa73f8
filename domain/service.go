package domain

import "time"

// ServiceState is the resolution state of a discovered service.
type ServiceState string

const (
	ServiceFound     ServiceState = "found"
	ServiceResolving ServiceState = "resolving"
	ServiceResolved  ServiceState = "resolved"
	ServiceFailed    ServiceState = "failed"
)

// ServiceRecord is a discovered peer advertisement.
//
// ID is unique per advertisement, Name is the display name which may be shared by several
// records. A record holds at most one live Endpoint, replaced on every resolution.
type ServiceRecord struct {
	ID         string
	Name       string
	Type       string
	Domain     string
	Port       int
	TXT        map[string]string
	State      ServiceState
	Endpoint   *Endpoint
	LastSeen   time.Time
	ResolvedAt time.Time
}

// Clone returns a copy of the record that shares no maps or pointers with s.
func (s ServiceRecord) Clone() ServiceRecord {
	clone := s
	if s.TXT != nil {
		clone.TXT = make(map[string]string, len(s.TXT))
		for k, v := range s.TXT {
			clone.TXT[k] = v
		}
	}
	if s.Endpoint != nil {
		endpoint := *s.Endpoint
		clone.Endpoint = &endpoint
	}
	return clone
}
