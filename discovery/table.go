package discovery

import (
	"net"
	"sort"
	"sync"
	"time"

	"gesturedrop/models"
)

type eventKind int

const (
	eventJoined eventKind = iota + 1
	eventLeft
)

type event struct {
	kind eventKind
	peer models.Peer
}

// table holds live peers keyed by address. Join and leave events are queued
// under the same lock as the mutation that caused them.
type table struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	peers   map[string]models.Peer
	pending []event
}

func newTable(ttl time.Duration, now func() time.Time) *table {
	return &table{
		ttl:   ttl,
		now:   now,
		peers: make(map[string]models.Peer),
	}
}

func (t *table) expired(p models.Peer, now time.Time) bool {
	return now.Sub(p.LastSeenAt) >= t.ttl
}

// upsert records a sighting and reports whether it created a fresh record.
// A sighting of an expired but unswept record is a leave plus a fresh join.
func (t *table) upsert(ip net.IP, name string, via models.DiscoverySource) bool {
	key := ip.String()

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	existing, ok := t.peers[key]
	if ok && t.expired(existing, now) {
		delete(t.peers, key)
		t.pending = append(t.pending, event{kind: eventLeft, peer: existing})
		ok = false
	}

	if ok {
		existing.LastSeenAt = now
		existing.DiscoveredVia = via
		if name != "" {
			existing.DisplayName = name
		}
		t.peers[key] = existing
		return false
	}

	peer := models.Peer{
		Address:       append(net.IP(nil), ip...),
		DisplayName:   name,
		LastSeenAt:    now,
		DiscoveredVia: via,
	}
	t.peers[key] = peer
	t.pending = append(t.pending, event{kind: eventJoined, peer: peer.Clone()})
	return true
}

// sweep deletes expired records and queues a leave for each.
func (t *table) sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	removed := 0
	for key, peer := range t.peers {
		if t.expired(peer, now) {
			delete(t.peers, key)
			t.pending = append(t.pending, event{kind: eventLeft, peer: peer})
			removed++
		}
	}
	return removed
}

func (t *table) drain() []event {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := t.pending
	t.pending = nil
	return out
}

// snapshot returns live peers sorted by address.
func (t *table) snapshot() []models.Peer {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	out := make([]models.Peer, 0, len(t.peers))
	for _, peer := range t.peers {
		if t.expired(peer, now) {
			continue
		}
		out = append(out, peer.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Key() < out[j].Key()
	})
	return out
}

// best returns the most recently seen live peer.
func (t *table) best() (models.Peer, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var (
		best  models.Peer
		found bool
	)
	for _, peer := range t.peers {
		if t.expired(peer, now) {
			continue
		}
		if !found || peer.LastSeenAt.After(best.LastSeenAt) {
			best = peer
			found = true
		}
	}
	if !found {
		return models.Peer{}, false
	}
	return best.Clone(), true
}

func (t *table) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	n := 0
	for _, peer := range t.peers {
		if !t.expired(peer, now) {
			n++
		}
	}
	return n
}
