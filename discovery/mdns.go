package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"

	"gesturedrop/models"
	"gesturedrop/subnet"
)

const (
	// DefaultMDNSService is the mDNS service name without domain suffix.
	DefaultMDNSService = "_gesturedrop._udp"
	// DefaultMDNSDomain is the mDNS domain.
	DefaultMDNSDomain = "local."
	// DefaultMDNSInterval is the background browse interval.
	DefaultMDNSInterval = 10 * time.Second
	// DefaultMDNSScanTimeout bounds each browse.
	DefaultMDNSScanTimeout = 3 * time.Second
	// mdnsVersion is the TXT record protocol version.
	mdnsVersion = 1
)

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (*zeroconf.Server, error)
type browseFunc func(ctx context.Context, service, domain string, entries chan<- *zeroconf.ServiceEntry) error

// MDNSOptions controls the optional mDNS announce and browse channel.
type MDNSOptions struct {
	Enabled     bool
	Service     string
	Domain      string
	Interval    time.Duration
	ScanTimeout time.Duration

	registerFn registerFunc
	browseFn   browseFunc
}

func (o MDNSOptions) withDefaults() MDNSOptions {
	out := o
	if out.Service == "" {
		out.Service = DefaultMDNSService
	}
	if out.Domain == "" {
		out.Domain = DefaultMDNSDomain
	}
	if out.Interval <= 0 {
		out.Interval = DefaultMDNSInterval
	}
	if out.ScanTimeout <= 0 {
		out.ScanTimeout = DefaultMDNSScanTimeout
	}
	if out.registerFn == nil {
		out.registerFn = zeroconf.Register
	}
	return out
}

// Announcer advertises this node via mDNS.
type Announcer struct {
	server *zeroconf.Server
}

// Announce registers the discovery service for hostname at ip:port.
func Announce(options MDNSOptions, hostname string, ip net.IP, port int) (*Announcer, error) {
	opts := options.withDefaults()
	if strings.TrimSpace(hostname) == "" {
		return nil, errors.New("discovery: hostname is required")
	}
	if port <= 0 {
		return nil, errors.New("discovery: port must be > 0")
	}

	txt := []string{
		"host=" + hostname,
		"ip=" + ip.String(),
		"version=" + strconv.Itoa(mdnsVersion),
	}

	server, err := opts.registerFn(hostname, opts.Service, opts.Domain, port, txt, nil)
	if err != nil {
		return nil, fmt.Errorf("discovery: register mDNS service: %w", err)
	}
	return &Announcer{server: server}, nil
}

// Stop withdraws the advertisement.
func (a *Announcer) Stop() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
}

func (e *Engine) startMDNS() {
	port := e.opts.Port
	if addr, ok := e.conn.LocalAddr().(*net.UDPAddr); ok && addr.Port > 0 {
		port = addr.Port
	}

	announcer, err := Announce(e.opts.MDNS, sanitizeField(e.opts.Hostname), e.opts.LocalIP, port)
	if err != nil {
		e.log.Warn("discovery: mDNS announce failed", slog.Any("error", err))
	} else {
		e.announcer = announcer
	}

	browse := e.opts.MDNS.browseFn
	if browse == nil {
		resolver, err := zeroconf.NewResolver(nil)
		if err != nil {
			e.log.Warn("discovery: mDNS resolver unavailable", slog.Any("error", err))
			return
		}
		browse = resolver.Browse
	}

	e.wg.Add(1)
	go e.mdnsLoop(browse)
}

func (e *Engine) mdnsLoop(browse browseFunc) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.opts.MDNS.Interval)
	defer ticker.Stop()

	for {
		if err := e.mdnsScan(browse); err != nil {
			e.log.Debug("discovery: mDNS browse failed", slog.Any("error", err))
		}

		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// mdnsScan runs one bounded browse and upserts same-subnet entries.
func (e *Engine) mdnsScan(browse browseFunc) error {
	scanCtx, cancel := context.WithTimeout(e.ctx, e.opts.MDNS.ScanTimeout)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry, 32)
	collectorDone := make(chan int)

	go func() {
		seen := 0
		defer func() {
			collectorDone <- seen
		}()
		for {
			select {
			case <-scanCtx.Done():
				return
			case entry, ok := <-entries:
				if !ok {
					return
				}
				if entry == nil {
					continue
				}
				ip, name, valid := e.parseEntry(entry)
				if !valid {
					continue
				}
				e.observe(ip, name, models.SourceMDNS)
				seen++
			}
		}
	}()

	browseErr := browse(scanCtx, e.opts.MDNS.Service, e.opts.MDNS.Domain, entries)
	if browseErr != nil {
		cancel()
		<-collectorDone
		return browseErr
	}

	<-scanCtx.Done()
	<-collectorDone
	return nil
}

func (e *Engine) parseEntry(entry *zeroconf.ServiceEntry) (net.IP, string, bool) {
	txt := txtToMap(entry.Text)

	name := strings.TrimSpace(txt["host"])
	if name == "" {
		name = strings.TrimSpace(entry.Instance)
	}

	for _, ip := range entry.AddrIPv4 {
		if ip == nil || ip.Equal(e.opts.LocalIP) {
			continue
		}
		if e.opts.allowLoopback || subnet.Same(e.opts.LocalIP, ip) {
			return ip, name, true
		}
	}
	return nil, "", false
}

func txtToMap(text []string) map[string]string {
	out := make(map[string]string, len(text))
	for _, entry := range text {
		key, value, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		out[key] = strings.TrimSpace(value)
	}
	return out
}
