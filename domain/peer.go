package domain

import "time"

// PeerRepository keeps track of the producers that connected to the viewer.
type PeerRepository interface {
	// UpsertPeer records a peer, updating LastSeen and the address if it is already known.
	UpsertPeer(peer *Peer) error
	// GetPeers returns every known peer ordered by last activity, most recent first.
	GetPeers() ([]*Peer, error)
}

// Peer is a producer that completed a handshake with the viewer.
// Trusted is set when the connection came from a loopback address.
type Peer struct {
	Device    Device
	Project   Project
	Address   string
	Trusted   bool
	FirstSeen time.Time
	LastSeen  time.Time
}
