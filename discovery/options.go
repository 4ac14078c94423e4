package discovery

import (
	"log/slog"
	"net"
	"strconv"
	"time"
)

const (
	// DefaultPort is the UDP port for hello and probe datagrams.
	DefaultPort = 5005
	// DefaultHeartbeatInterval paces broadcast hellos.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultPeerTimeout evicts peers not sighted for this long.
	DefaultPeerTimeout = 8 * time.Second
	// DefaultMonitorInterval paces the eviction sweep and callbacks.
	DefaultMonitorInterval = time.Second
	// DefaultProbeInterval paces unicast probe sweeps of the /24.
	DefaultProbeInterval = 12 * time.Second
	// DefaultProbeInitialDelay lets heartbeats arrive before the first sweep.
	DefaultProbeInitialDelay = 5 * time.Second
	// DefaultProbeTimeout bounds the wait for one probe reply.
	DefaultProbeTimeout = 400 * time.Millisecond
	// DefaultProbeWidth bounds concurrent probes.
	DefaultProbeWidth = 40
	// DefaultReadPoll bounds listener reads so cancellation is observed.
	DefaultReadPoll = time.Second
	// BroadcastSubnet selects the directed /24 broadcast address.
	BroadcastSubnet = "subnet"
)

// Options configures an Engine. Zero values take defaults.
type Options struct {
	LocalIP  net.IP
	Hostname string

	// Port is the remote discovery port for heartbeats and probes.
	Port int
	// ListenAddress is the local bind address, ":<Port>" when empty.
	ListenAddress string
	// BroadcastAddress is the heartbeat target. Empty selects
	// 255.255.255.255, "subnet" selects the directed /24 broadcast.
	BroadcastAddress string

	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	MonitorInterval   time.Duration
	ProbeInterval     time.Duration
	ProbeInitialDelay time.Duration
	ProbeTimeout      time.Duration
	ProbeWidth        int
	ReadPoll          time.Duration
	DisableProbe      bool

	MDNS MDNSOptions

	Logger *slog.Logger
	Now    func() time.Time

	// allowLoopback admits 127.0.0.0/8 senders so tests can run on one host.
	allowLoopback bool
	// probeTargets overrides /24 enumeration.
	probeTargets func() []net.IP
}

func (o Options) withDefaults() Options {
	out := o
	if out.Port == 0 {
		out.Port = DefaultPort
	}
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(out.Port)
	}
	if out.HeartbeatInterval <= 0 {
		out.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if out.PeerTimeout <= 0 {
		out.PeerTimeout = DefaultPeerTimeout
	}
	if out.MonitorInterval <= 0 {
		out.MonitorInterval = DefaultMonitorInterval
	}
	if out.ProbeInterval <= 0 {
		out.ProbeInterval = DefaultProbeInterval
	}
	if out.ProbeInitialDelay < 0 {
		out.ProbeInitialDelay = 0
	} else if out.ProbeInitialDelay == 0 {
		out.ProbeInitialDelay = DefaultProbeInitialDelay
	}
	if out.ProbeTimeout <= 0 {
		out.ProbeTimeout = DefaultProbeTimeout
	}
	if out.ProbeWidth <= 0 {
		out.ProbeWidth = DefaultProbeWidth
	}
	if out.ReadPoll <= 0 {
		out.ReadPoll = DefaultReadPoll
	}
	if out.Hostname == "" {
		out.Hostname = "unknown"
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.MDNS = out.MDNS.withDefaults()
	return out
}
