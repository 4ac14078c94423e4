package discovery

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/grandcat/zeroconf"

	"gesturedrop/models"
)

func TestAnnounceBuildsExpectedTXTRecords(t *testing.T) {
	var (
		gotInstance string
		gotService  string
		gotDomain   string
		gotPort     int
		gotTXT      []string
	)

	opts := MDNSOptions{
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error) {
			gotInstance = instance
			gotService = service
			gotDomain = domain
			gotPort = port
			gotTXT = append([]string(nil), text...)
			return nil, nil
		},
	}

	announcer, err := Announce(opts, "desk", net.ParseIP("192.168.1.4"), DefaultPort)
	if err != nil {
		t.Fatalf("Announce failed: %v", err)
	}
	defer announcer.Stop()

	if gotInstance != "desk" {
		t.Fatalf("unexpected instance name: %q", gotInstance)
	}
	if gotService != DefaultMDNSService || gotDomain != DefaultMDNSDomain {
		t.Fatalf("unexpected service/domain: %q %q", gotService, gotDomain)
	}
	if gotPort != DefaultPort {
		t.Fatalf("unexpected port: %d", gotPort)
	}

	txt := txtToMap(gotTXT)
	if txt["host"] != "desk" || txt["ip"] != "192.168.1.4" || txt["version"] != "1" {
		t.Fatalf("unexpected TXT records: %v", gotTXT)
	}
}

func TestAnnounceValidatesInput(t *testing.T) {
	if _, err := Announce(MDNSOptions{}, " ", net.ParseIP("192.168.1.4"), DefaultPort); err == nil {
		t.Fatalf("expected error for empty hostname")
	}
	if _, err := Announce(MDNSOptions{}, "desk", net.ParseIP("192.168.1.4"), 0); err == nil {
		t.Fatalf("expected error for zero port")
	}
}

func TestMDNSScanUpsertsSameSubnetEntries(t *testing.T) {
	engine := New(Options{
		LocalIP: net.ParseIP("192.168.1.4"),
		MDNS: MDNSOptions{
			ScanTimeout: 40 * time.Millisecond,
		},
	})
	engine.ctx, engine.cancel = context.WithCancel(context.Background())
	defer engine.cancel()

	browse := func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error {
		entries <- testServiceEntry("self", "192.168.1.4")
		entries <- testServiceEntry("laptop", "192.168.1.20")
		entries <- testServiceEntry("remote", "10.9.9.9")
		entries <- nil
		<-ctx.Done()
		return nil
	}

	if err := engine.mdnsScan(browse); err != nil {
		t.Fatalf("mdnsScan failed: %v", err)
	}

	peers := engine.Peers()
	if len(peers) != 1 {
		t.Fatalf("expected one mDNS peer, got %+v", peers)
	}
	if peers[0].DisplayName != "laptop" || peers[0].DiscoveredVia != models.SourceMDNS {
		t.Fatalf("unexpected mDNS peer: %+v", peers[0])
	}
}

func TestTxtToMapSkipsMalformed(t *testing.T) {
	got := txtToMap([]string{"host=desk", "novalue", "=empty", " ip = 1.2.3.4 "})
	if len(got) != 2 || got["host"] != "desk" || got["ip"] != "1.2.3.4" {
		t.Fatalf("unexpected map: %v", got)
	}
}

func testServiceEntry(host, ip string) *zeroconf.ServiceEntry {
	return &zeroconf.ServiceEntry{
		ServiceRecord: zeroconf.ServiceRecord{
			Instance: host,
			Service:  DefaultMDNSService,
			Domain:   DefaultMDNSDomain,
		},
		HostName: host + ".local",
		Port:     DefaultPort,
		Text: []string{
			"host=" + host,
			"ip=" + ip,
			"version=1",
		},
		AddrIPv4: []net.IP{net.ParseIP(ip)},
	}
}
