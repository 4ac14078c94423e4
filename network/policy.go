package network

import (
	"log/slog"
	"net"

	"gesturedrop/subnet"
)

// Policy decides which endpoints may take part in a transfer.
type Policy struct {
	// Usable reports whether the local address can serve transfers.
	Usable func(net.IP) bool
	// Same reports whether local and remote share a broadcast domain.
	Same func(local, remote net.IP) bool
}

// SubnetPolicy admits only usable addresses on the same /24.
var SubnetPolicy = Policy{Usable: subnet.Usable, Same: subnet.Same}

// LoopbackPolicy additionally admits loopback pairs, for single-host runs.
var LoopbackPolicy = Policy{
	Usable: func(ip net.IP) bool {
		return ip.To4() != nil && !ip.IsUnspecified()
	},
	Same: func(local, remote net.IP) bool {
		if local.IsLoopback() && remote.IsLoopback() {
			return remote.To4() != nil
		}
		return subnet.Same(local, remote)
	},
}

func (p Policy) withDefaults() Policy {
	out := p
	if out.Usable == nil {
		out.Usable = SubnetPolicy.Usable
	}
	if out.Same == nil {
		out.Same = SubnetPolicy.Same
	}
	return out
}

// admit applies Same through subnet.Verify so every decision is logged.
func (p Policy) admit(logger *slog.Logger, local, remote net.IP) bool {
	return subnet.Verify(logger, local, remote, p.Same)
}

func remoteIP(addr net.Addr) net.IP {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP
	case *net.UDPAddr:
		return a.IP
	}
	if addr == nil {
		return nil
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
