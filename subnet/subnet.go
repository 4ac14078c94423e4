// Package subnet decides whether two addresses share the local /24 broadcast
// domain and resolves this host's outward-facing LAN address.
package subnet

import (
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// routeProbeAddress is only used for route selection; no data is sent.
	routeProbeAddress = "8.8.8.8:80"
	routeProbeTimeout = 2 * time.Second

	// LimitedBroadcast is the all-ones broadcast address.
	LimitedBroadcast = "255.255.255.255"
)

var linkLocal = &net.IPNet{IP: net.IPv4(169, 254, 0, 0), Mask: net.CIDRMask(16, 32)}

// Status summarizes local network availability for status sinks.
type Status struct {
	OK      bool
	IP      net.IP
	Subnet  string
	Message string
}

// Usable reports whether ip is an IPv4 address that can take part in LAN
// transfers.
func Usable(ip net.IP) bool {
	v4 := ip.To4()
	if v4 == nil {
		return false
	}
	if v4.IsLoopback() || v4.IsUnspecified() || linkLocal.Contains(v4) {
		return false
	}
	return true
}

// Same reports whether a and b are usable IPv4 addresses sharing the first
// three octets.
func Same(a, b net.IP) bool {
	if !Usable(a) || !Usable(b) {
		return false
	}
	a4, b4 := a.To4(), b.To4()
	return a4[0] == b4[0] && a4[1] == b4[1] && a4[2] == b4[2]
}

// Prefix returns the dotted /24 prefix of ip, e.g. "192.168.1".
func Prefix(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
}

// BroadcastAddress returns the directed /24 broadcast address for ip.
func BroadcastAddress(ip net.IP) net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	return net.IPv4(v4[0], v4[1], v4[2], 255).To4()
}

// Hosts enumerates host addresses .1 through .254 of the /24 containing ip.
func Hosts(ip net.IP) []net.IP {
	v4 := ip.To4()
	if v4 == nil {
		return nil
	}
	out := make([]net.IP, 0, 254)
	for i := 1; i <= 254; i++ {
		out = append(out, net.IPv4(v4[0], v4[1], v4[2], byte(i)).To4())
	}
	return out
}

// LocalIP returns the address the host would use to reach the internet,
// falling back to loopback when no route exists.
func LocalIP() net.IP {
	conn, err := net.DialTimeout("udp4", routeProbeAddress, routeProbeTimeout)
	if err != nil {
		return net.IPv4(127, 0, 0, 1).To4()
	}
	defer func() {
		_ = conn.Close()
	}()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok || addr.IP.To4() == nil {
		return net.IPv4(127, 0, 0, 1).To4()
	}
	return addr.IP.To4()
}

// Check reports the current network status using LocalIP.
func Check() Status {
	return StatusFor(LocalIP())
}

// StatusFor builds a Status for an already resolved local address.
func StatusFor(ip net.IP) Status {
	if !Usable(ip) {
		return Status{
			IP:      ip,
			Message: "NO WIFI - connect to a network first",
		}
	}
	return Status{
		OK:      true,
		IP:      ip,
		Subnet:  Prefix(ip) + ".x",
		Message: "WiFi OK | " + ip.String(),
	}
}

// Verify applies same, or Same when nil, and logs the decision.
func Verify(logger *slog.Logger, local, peer net.IP, same func(a, b net.IP) bool) bool {
	if logger == nil {
		logger = slog.Default()
	}
	if same == nil {
		same = Same
	}
	ok := same(local, peer)
	if ok {
		logger.Debug("subnet: peer accepted",
			slog.String("local", ipString(local)),
			slog.String("peer", ipString(peer)))
	} else {
		logger.Warn("subnet: peer rejected",
			slog.String("local", ipString(local)),
			slog.String("peer", ipString(peer)))
	}
	return ok
}

func ipString(ip net.IP) string {
	if ip == nil {
		return "<nil>"
	}
	return ip.String()
}
