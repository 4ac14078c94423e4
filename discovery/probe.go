package discovery

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"gesturedrop/models"
	"gesturedrop/subnet"
)

func (e *Engine) probeLoop() {
	defer e.wg.Done()

	timer := time.NewTimer(e.opts.ProbeInitialDelay)
	defer timer.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		replies := e.probeSweep(e.ctx)
		e.log.Debug("discovery: probe sweep finished",
			slog.Int("replies", replies),
			slog.Duration("elapsed", time.Since(start)))

		timer.Reset(e.opts.ProbeInterval)
	}
}

func (e *Engine) targets() []net.IP {
	if e.opts.probeTargets != nil {
		return e.opts.probeTargets()
	}
	hosts := subnet.Hosts(e.opts.LocalIP)
	out := hosts[:0]
	for _, ip := range hosts {
		if !ip.Equal(e.opts.LocalIP) {
			out = append(out, ip)
		}
	}
	return out
}

// probeSweep sends one probe to every target with bounded concurrency and
// returns the number of hello replies. Per-address failures are ignored.
func (e *Engine) probeSweep(ctx context.Context) int {
	var replies atomic.Int32

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.ProbeWidth)
	for _, ip := range e.targets() {
		if gctx.Err() != nil {
			break
		}
		ip := ip
		g.Go(func() error {
			if e.probeOne(gctx, ip) {
				replies.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	return int(replies.Load())
}

func (e *Engine) probeOne(ctx context.Context, ip net.IP) bool {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "udp4", net.JoinHostPort(ip.String(), strconv.Itoa(e.opts.Port)))
	if err != nil {
		return false
	}
	defer func() {
		_ = conn.Close()
	}()

	deadline := time.Now().Add(e.opts.ProbeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return false
	}
	if _, err := conn.Write(ProbeRequest); err != nil {
		return false
	}

	buf := make([]byte, 1024)
	n, err := conn.Read(buf)
	if err != nil {
		return false
	}
	hello, err := ParseHello(buf[:n])
	if err != nil {
		return false
	}

	from := ip
	if addr, ok := conn.RemoteAddr().(*net.UDPAddr); ok {
		from = addr.IP
	}
	e.observe(from, hello.Hostname, models.SourceProbe)
	return true
}
