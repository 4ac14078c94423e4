// Package discovery maintains a live table of LAN peers from broadcast
// heartbeats, unicast probe sweeps and optional mDNS browsing.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"gesturedrop/models"
	"gesturedrop/subnet"
)

// ErrStopped indicates Start was called after Stop.
var ErrStopped = errors.New("discovery: engine is stopped")

// Engine runs the discovery loops and owns the peer table.
type Engine struct {
	opts  Options
	log   *slog.Logger
	peers *table
	hello []byte

	cbMu     sync.RWMutex
	onJoined func(models.Peer) error
	onLeft   func(net.IP) error

	startOnce sync.Once
	stopOnce  sync.Once
	startErr  error
	running   atomic.Bool
	stopped   atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	conn      *net.UDPConn
	pc        *ipv4.PacketConn
	announcer *Announcer

	// lastLive is only touched by the monitor.
	lastLive map[string]struct{}
}

// New creates an engine with defaults applied. It does not touch the network.
func New(options Options) *Engine {
	opts := options.withDefaults()
	e := &Engine{
		opts:     opts,
		log:      opts.Logger,
		peers:    newTable(opts.PeerTimeout, opts.Now),
		lastLive: make(map[string]struct{}),
	}

	ip := ""
	if opts.LocalIP != nil {
		ip = opts.LocalIP.String()
	}
	// Sanitized fields cannot fail to encode.
	e.hello, _ = EncodeHello(Hello{Hostname: sanitizeField(opts.Hostname), IP: ip})
	return e
}

// OnPeerJoined sets the callback fired once per fresh join. It runs on the
// monitor goroutine and must not block.
func (e *Engine) OnPeerJoined(fn func(models.Peer) error) {
	e.cbMu.Lock()
	e.onJoined = fn
	e.cbMu.Unlock()
}

// OnPeerLeft sets the callback fired once per eviction. It runs on the
// monitor goroutine and must not block.
func (e *Engine) OnPeerLeft(fn func(net.IP) error) {
	e.cbMu.Lock()
	e.onLeft = fn
	e.cbMu.Unlock()
}

// Start binds the discovery port and spawns the loops. Without a usable local
// address it logs a diagnostic and returns nil without starting anything.
func (e *Engine) Start() error {
	e.startOnce.Do(func() {
		e.startErr = e.start()
	})
	return e.startErr
}

func (e *Engine) start() error {
	if e.stopped.Load() {
		return ErrStopped
	}
	if !e.localUsable() {
		e.log.Warn("discovery: no usable network address, engine disabled",
			slog.String("local_ip", fmt.Sprint(e.opts.LocalIP)))
		return nil
	}

	addr, err := net.ResolveUDPAddr("udp4", e.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("discovery: resolve %q: %w", e.opts.ListenAddress, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return fmt.Errorf("discovery: listen on %q: %w", e.opts.ListenAddress, err)
	}

	e.conn = conn
	e.pc = ipv4.NewPacketConn(conn)
	if err := e.pc.SetControlMessage(ipv4.FlagDst, true); err != nil {
		e.log.Debug("discovery: destination control messages unavailable", slog.Any("error", err))
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())
	e.running.Store(true)

	e.wg.Add(3)
	go e.heartbeatLoop()
	go e.listenLoop()
	go e.monitorLoop()

	if !e.opts.DisableProbe {
		e.wg.Add(1)
		go e.probeLoop()
	}
	if e.opts.MDNS.Enabled {
		e.startMDNS()
	}

	e.log.Info("discovery: started",
		slog.String("local_ip", e.opts.LocalIP.String()),
		slog.String("listen", conn.LocalAddr().String()),
		slog.String("hostname", e.opts.Hostname))
	return nil
}

// Stop cancels every loop and waits for them to exit. Safe to call twice.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		e.stopped.Store(true)
		if e.cancel != nil {
			e.cancel()
		}
		e.wg.Wait()
		if e.conn != nil {
			_ = e.conn.Close()
		}
		if e.announcer != nil {
			e.announcer.Stop()
		}
		if e.running.Swap(false) {
			e.log.Info("discovery: stopped")
		}
	})
}

// Running reports whether the loops are active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

// LocalAddr returns the bound discovery socket address, or nil.
func (e *Engine) LocalAddr() net.Addr {
	if e.conn == nil {
		return nil
	}
	return e.conn.LocalAddr()
}

// Peers returns a TTL-filtered snapshot sorted by address.
func (e *Engine) Peers() []models.Peer {
	return e.peers.snapshot()
}

// BestPeer returns the most recently seen live peer.
func (e *Engine) BestPeer() (models.Peer, bool) {
	return e.peers.best()
}

// PeerCount returns the number of live peers.
func (e *Engine) PeerCount() int {
	return e.peers.count()
}

func (e *Engine) localUsable() bool {
	if e.opts.allowLoopback && e.opts.LocalIP.To4() != nil {
		return true
	}
	return subnet.Usable(e.opts.LocalIP)
}

func (e *Engine) acceptablePeer(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil || v4.Equal(e.opts.LocalIP) {
		return false
	}
	if e.opts.allowLoopback && v4.IsLoopback() {
		return true
	}
	return subnet.Usable(v4)
}

// observe upserts a sighting from an acceptable sender.
func (e *Engine) observe(ip net.IP, name string, via models.DiscoverySource) bool {
	if !e.acceptablePeer(ip) {
		return false
	}
	fresh := e.peers.upsert(ip.To4(), name, via)
	if fresh {
		e.log.Debug("discovery: new sighting",
			slog.String("peer", ip.String()),
			slog.String("name", name),
			slog.String("via", via.String()))
	}
	return fresh
}

func (e *Engine) broadcastTarget() *net.UDPAddr {
	var ip net.IP
	switch e.opts.BroadcastAddress {
	case "":
		ip = net.ParseIP(subnet.LimitedBroadcast)
	case BroadcastSubnet:
		ip = subnet.BroadcastAddress(e.opts.LocalIP)
	default:
		ip = net.ParseIP(e.opts.BroadcastAddress)
	}
	if ip == nil {
		ip = net.ParseIP(subnet.LimitedBroadcast)
	}
	return &net.UDPAddr{IP: ip, Port: e.opts.Port}
}

func (e *Engine) heartbeatLoop() {
	defer e.wg.Done()

	target := e.broadcastTarget()
	ticker := time.NewTicker(e.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		if _, err := e.conn.WriteToUDP(e.hello, target); err != nil {
			e.log.Debug("discovery: heartbeat send failed",
				slog.String("target", target.String()),
				slog.Any("error", err))
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) listenLoop() {
	defer e.wg.Done()

	buf := make([]byte, 2048)
	for {
		if e.ctx.Err() != nil {
			return
		}
		_ = e.pc.SetReadDeadline(time.Now().Add(e.opts.ReadPoll))

		n, cm, src, err := e.pc.ReadFrom(buf)
		if err != nil {
			if e.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			e.log.Debug("discovery: read failed", slog.Any("error", err))
			continue
		}

		from, ok := src.(*net.UDPAddr)
		if !ok {
			continue
		}
		if cm != nil && cm.Dst != nil && e.log.Enabled(e.ctx, slog.LevelDebug) {
			e.log.Debug("discovery: datagram",
				slog.String("from", from.String()),
				slog.String("dst", cm.Dst.String()),
				slog.Int("bytes", n))
		}
		e.handleDatagram(buf[:n], from)
	}
}

// handleDatagram answers probes and records hellos. The payload is not
// retained.
func (e *Engine) handleDatagram(payload []byte, from *net.UDPAddr) {
	if from == nil {
		return
	}

	if IsProbeRequest(payload) {
		if e.conn == nil {
			return
		}
		if _, err := e.conn.WriteToUDP(e.hello, from); err != nil {
			e.log.Debug("discovery: probe reply failed",
				slog.String("to", from.String()),
				slog.Any("error", err))
		}
		return
	}

	hello, err := ParseHello(payload)
	if err != nil {
		return
	}
	e.observe(from.IP, hello.Hostname, models.SourceBroadcast)
}

func (e *Engine) monitorLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.monitorTick()
		}
	}
}

func (e *Engine) monitorTick() {
	e.peers.sweep()
	for _, ev := range e.peers.drain() {
		e.dispatch(ev)
	}
	e.reportIfChanged()
}

func (e *Engine) dispatch(ev event) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("discovery: peer callback panicked",
				slog.String("peer", ev.peer.Key()),
				slog.Any("panic", r))
		}
	}()

	e.cbMu.RLock()
	joined, left := e.onJoined, e.onLeft
	e.cbMu.RUnlock()

	switch ev.kind {
	case eventJoined:
		e.log.Info("discovery: peer joined",
			slog.String("peer", ev.peer.Key()),
			slog.String("name", ev.peer.DisplayName),
			slog.String("via", ev.peer.DiscoveredVia.String()))
		if joined != nil {
			if err := joined(ev.peer.Clone()); err != nil {
				e.log.Warn("discovery: join callback failed",
					slog.String("peer", ev.peer.Key()),
					slog.Any("error", err))
			}
		}
	case eventLeft:
		e.log.Info("discovery: peer left", slog.String("peer", ev.peer.Key()))
		if left != nil {
			if err := left(append(net.IP(nil), ev.peer.Address...)); err != nil {
				e.log.Warn("discovery: leave callback failed",
					slog.String("peer", ev.peer.Key()),
					slog.Any("error", err))
			}
		}
	}
}

// reportIfChanged logs the peer list when the live address set differs from
// the last report.
func (e *Engine) reportIfChanged() bool {
	peers := e.peers.snapshot()
	current := make(map[string]struct{}, len(peers))
	for _, peer := range peers {
		current[peer.Key()] = struct{}{}
	}
	if sameKeys(current, e.lastLive) {
		return false
	}
	e.lastLive = current

	labels := make([]string, 0, len(peers))
	for _, peer := range peers {
		labels = append(labels, fmt.Sprintf("%s(%s,%s)", peer.Label(), peer.Key(), peer.DiscoveredVia))
	}
	sort.Strings(labels)
	e.log.Info("discovery: peer list changed",
		slog.Int("count", len(peers)),
		slog.String("peers", strings.Join(labels, " ")),
		slog.String("this_device", fmt.Sprint(e.opts.LocalIP)))
	return true
}

func sameKeys(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for key := range a {
		if _, ok := b[key]; !ok {
			return false
		}
	}
	return true
}
