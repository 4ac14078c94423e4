package models

import (
	"net"
	"time"
)

// DiscoverySource identifies the channel a peer was last sighted on.
type DiscoverySource int

const (
	// SourceBroadcast marks a sighting from a broadcast heartbeat.
	SourceBroadcast DiscoverySource = iota + 1
	// SourceProbe marks a sighting from a unicast probe reply.
	SourceProbe
	// SourceMDNS marks a sighting from an mDNS browse.
	SourceMDNS
)

// String returns the lowercase source name used in logs.
func (s DiscoverySource) String() string {
	switch s {
	case SourceBroadcast:
		return "broadcast"
	case SourceProbe:
		return "probe"
	case SourceMDNS:
		return "mdns"
	default:
		return "unknown"
	}
}

// Peer is a point-in-time snapshot of a reachable LAN device.
type Peer struct {
	Address       net.IP          `json:"address"`
	DisplayName   string          `json:"display_name"`
	LastSeenAt    time.Time       `json:"last_seen_at"`
	DiscoveredVia DiscoverySource `json:"discovered_via"`
}

// Key returns the table key for the peer address.
func (p Peer) Key() string {
	return p.Address.String()
}

// Clone returns a copy that shares no memory with p.
func (p Peer) Clone() Peer {
	out := p
	if p.Address != nil {
		out.Address = append(net.IP(nil), p.Address...)
	}
	return out
}

// Label returns the display name, or the address when no name is known.
func (p Peer) Label() string {
	if p.DisplayName != "" {
		return p.DisplayName
	}
	return p.Key()
}
