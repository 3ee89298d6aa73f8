package domain

import (
	"net"
	"strconv"
)

// Device describes the machine an endpoint runs on.
// ID is derived deterministically from Name and Description so the same
// machine produces the same ID across processes.
type Device struct {
	Name        string
	Description string
	ID          string
}

// Project describes the application being debugged. Icon holds the raw image bytes and may be empty.
type Project struct {
	Name string
	Icon []byte
}

// HasIcon reports whether the project carries an icon.
func (p Project) HasIcon() bool {
	return len(p.Icon) > 0
}

// Endpoint is a resolved network address of a peer.
type Endpoint struct {
	Host string
	Port int
}

// Address returns the endpoint as host:port.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// IsZero reports whether the endpoint is unset.
func (e Endpoint) IsZero() bool {
	return e.Host == "" && e.Port == 0
}

func (e Endpoint) String() string {
	return e.Address()
}
