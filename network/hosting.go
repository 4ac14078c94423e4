package network

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"gesturedrop/models"
	"gesturedrop/subnet"
)

const (
	// DefaultHostPort is the TCP port of a short-lived hosted session.
	DefaultHostPort = 5002
	// DefaultNotifyPort is the UDP port for ready notices.
	DefaultNotifyPort = 5000
	// DefaultHostWait bounds how long a hosted session or fetch waits.
	DefaultHostWait = 30 * time.Second
	// DefaultNotifyInterval paces repeated ready notices while hosting.
	DefaultNotifyInterval = 2 * time.Second

	readyTag = "IMAGE_READY"
	pollStep = 250 * time.Millisecond
)

// EncodeReadyNotice renders "IMAGE_READY|<ip>".
func EncodeReadyNotice(ip net.IP) []byte {
	return []byte(readyTag + "|" + ip.String())
}

// ParseReadyNotice returns the host announced by a ready notice. A bare tag
// or an unparsable address falls back to the datagram source.
func ParseReadyNotice(payload []byte, from net.IP) (net.IP, bool) {
	payload = bytes.TrimSpace(payload)
	if !bytes.HasPrefix(payload, []byte(readyTag)) {
		return nil, false
	}
	rest := payload[len(readyTag):]
	if len(rest) == 0 {
		return from, from != nil
	}
	if rest[0] != '|' {
		return nil, false
	}
	if ip := net.ParseIP(string(rest[1:])); ip != nil && ip.To4() != nil {
		return ip.To4(), true
	}
	return from, from != nil
}

// HostOptions configures a hosted session.
type HostOptions struct {
	// ListenAddress is the session bind address, ":5002" when empty.
	ListenAddress string
	NotifyPort    int
	// DisableBroadcastNotify sends ready notices to the peer only.
	DisableBroadcastNotify bool
	NotifyInterval         time.Duration
	Wait                   time.Duration
	LocalIP                func() net.IP
	Policy                 Policy
	ChunkSize              int
	IOTimeout              time.Duration
	Logger                 *slog.Logger
	OnProgress             ProgressFunc
	OnFinished             func(models.Transfer)
}

func (o HostOptions) withDefaults() HostOptions {
	out := o
	if out.ListenAddress == "" {
		out.ListenAddress = ":" + strconv.Itoa(DefaultHostPort)
	}
	if out.NotifyPort <= 0 {
		out.NotifyPort = DefaultNotifyPort
	}
	if out.NotifyInterval <= 0 {
		out.NotifyInterval = DefaultNotifyInterval
	}
	if out.Wait <= 0 {
		out.Wait = DefaultHostWait
	}
	if out.LocalIP == nil {
		out.LocalIP = subnet.LocalIP
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	out.Policy = out.Policy.withDefaults()
	return out
}

// Hoster serves one file per call to the first same-subnet receiver that
// connects after a ready notice.
type Hoster struct {
	opts HostOptions
	tune tuning
}

// NewHoster creates a hoster with defaults applied.
func NewHoster(options HostOptions) *Hoster {
	opts := options.withDefaults()
	return &Hoster{
		opts: opts,
		tune: tuning{chunkSize: opts.ChunkSize, ioTimeout: opts.IOTimeout}.withDefaults(),
	}
}

// Send hosts path until one receiver has fetched it or the wait expires.
// peer, when set, also receives a unicast notice.
func (h *Hoster) Send(ctx context.Context, path string, peer net.IP) (models.Transfer, error) {
	transfer := models.Transfer{
		TransferID: uuid.NewString(),
		Direction:  models.DirectionSend,
		Filename:   filepath.Base(path),
		StartedAt:  time.Now(),
	}

	err := h.host(ctx, path, peer, &transfer)
	finish(h.opts.Logger, &transfer, err)
	if h.opts.OnFinished != nil {
		h.opts.OnFinished(transfer)
	}
	return transfer, err
}

func (h *Hoster) host(ctx context.Context, path string, peer net.IP, t *models.Transfer) error {
	local := h.opts.LocalIP()
	if !h.opts.Policy.Usable(local) {
		return fmt.Errorf("%w: local address %v", ErrNetworkUnavailable, local)
	}
	if peer != nil && !h.opts.Policy.Same(local, peer) {
		return fmt.Errorf("%w: %v is not on the subnet of %v", ErrPeerRejected, peer, local)
	}

	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: open %q: %w", ErrIOFailure, path, err)
	}
	defer func() {
		_ = file.Close()
	}()
	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("%w: stat %q: %w", ErrIOFailure, path, err)
	}
	if !info.Mode().IsRegular() {
		return fmt.Errorf("%w: %q is not a regular file", ErrIOFailure, path)
	}
	t.Filesize = info.Size()

	addr, err := net.ResolveTCPAddr("tcp4", h.opts.ListenAddress)
	if err != nil {
		return fmt.Errorf("%w: resolve %q: %w", ErrConnectionFailed, h.opts.ListenAddress, err)
	}
	listener, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return fmt.Errorf("%w: host on %q: %w", ErrConnectionFailed, h.opts.ListenAddress, err)
	}
	defer func() {
		_ = listener.Close()
	}()

	h.opts.Logger.Info("network: hosting file",
		slog.String("transfer_id", t.TransferID),
		slog.String("addr", listener.Addr().String()),
		slog.String("file", t.Filename),
		slog.Duration("wait", h.opts.Wait))

	deadline := time.Now().Add(h.opts.Wait)
	nextNotice := time.Time{}
	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: hosting cancelled: %w", ErrTimeout, err)
		}
		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("%w: no receiver connected within %s", ErrTimeout, h.opts.Wait)
		}
		if !now.Before(nextNotice) {
			h.notify(local, peer)
			nextNotice = now.Add(h.opts.NotifyInterval)
		}

		_ = listener.SetDeadline(minTime(now.Add(pollStep), deadline))
		conn, err := listener.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return fmt.Errorf("%w: accept: %w", ErrConnectionFailed, err)
		}

		remote := remoteIP(conn.RemoteAddr())
		if !h.opts.Policy.admit(h.opts.Logger, local, remote) {
			_ = conn.Close()
			continue
		}

		t.PeerAddress = remote.String()
		pump := newProgressPump(h.opts.OnProgress)
		err = streamFile(conn, file, Header{Filename: t.Filename, Size: uint64(t.Filesize)}, h.tune, pump, t)
		pump.close()
		_ = conn.Close()
		return err
	}
}

func (h *Hoster) notify(local, peer net.IP) {
	conn, err := net.ListenUDP("udp4", nil)
	if err != nil {
		h.opts.Logger.Debug("network: notice socket failed", slog.Any("error", err))
		return
	}
	defer func() {
		_ = conn.Close()
	}()

	notice := EncodeReadyNotice(local)
	targets := make([]net.IP, 0, 2)
	if peer != nil {
		targets = append(targets, peer)
	}
	if !h.opts.DisableBroadcastNotify {
		targets = append(targets, net.ParseIP(subnet.LimitedBroadcast))
	}
	for _, target := range targets {
		dst := &net.UDPAddr{IP: target, Port: h.opts.NotifyPort}
		if _, err := conn.WriteToUDP(notice, dst); err != nil {
			h.opts.Logger.Debug("network: ready notice failed",
				slog.String("target", dst.String()),
				slog.Any("error", err))
		}
	}
}

// FetchOptions configures a Fetcher.
type FetchOptions struct {
	// NotifyAddress is the notice bind address, ":5000" when empty.
	NotifyAddress  string
	HostPort       int
	Wait           time.Duration
	ConnectTimeout time.Duration
	ReceiveDir     string
	LocalIP        func() net.IP
	Policy         Policy
	ChunkSize      int
	IOTimeout      time.Duration
	MaxFileSize    int64
	Logger         *slog.Logger
	OnProgress     ProgressFunc
	OnFinished     func(models.Transfer)
	Now            func() time.Time
}

func (o FetchOptions) withDefaults() FetchOptions {
	out := o
	if out.NotifyAddress == "" {
		out.NotifyAddress = ":" + strconv.Itoa(DefaultNotifyPort)
	}
	if out.HostPort <= 0 {
		out.HostPort = DefaultHostPort
	}
	if out.Wait <= 0 {
		out.Wait = DefaultHostWait
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
	}
	if out.LocalIP == nil {
		out.LocalIP = subnet.LocalIP
	}
	if out.MaxFileSize == 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	out.Policy = out.Policy.withDefaults()
	return out
}

// Fetcher waits for a ready notice and pulls the hosted file.
type Fetcher struct {
	opts FetchOptions
	tune tuning
}

// NewFetcher creates a fetcher with defaults applied.
func NewFetcher(options FetchOptions) *Fetcher {
	opts := options.withDefaults()
	return &Fetcher{
		opts: opts,
		tune: tuning{chunkSize: opts.ChunkSize, ioTimeout: opts.IOTimeout}.withDefaults(),
	}
}

// Receive blocks until one hosted file has been saved, the wait expires or
// ctx is done.
func (f *Fetcher) Receive(ctx context.Context) (models.Transfer, error) {
	transfer := models.Transfer{
		TransferID: uuid.NewString(),
		Direction:  models.DirectionReceive,
		StartedAt:  time.Now(),
	}

	err := f.fetch(ctx, &transfer)
	finish(f.opts.Logger, &transfer, err)
	if f.opts.OnFinished != nil {
		f.opts.OnFinished(transfer)
	}
	return transfer, err
}

func (f *Fetcher) fetch(ctx context.Context, t *models.Transfer) error {
	local := f.opts.LocalIP()
	if !f.opts.Policy.Usable(local) {
		return fmt.Errorf("%w: local address %v", ErrNetworkUnavailable, local)
	}
	if f.opts.ReceiveDir == "" {
		return fmt.Errorf("%w: receive directory is required", ErrIOFailure)
	}
	if err := os.MkdirAll(f.opts.ReceiveDir, 0o755); err != nil {
		return fmt.Errorf("%w: create receive directory: %w", ErrIOFailure, err)
	}

	host, err := f.awaitNotice(ctx, local)
	if err != nil {
		return err
	}
	t.PeerAddress = host.String()

	address := net.JoinHostPort(host.String(), strconv.Itoa(f.opts.HostPort))
	dialer := net.Dialer{Timeout: f.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	pump := newProgressPump(f.opts.OnProgress)
	defer pump.close()

	return receiveFile(conn, receiveConfig{
		tuning:      f.tune,
		dir:         f.opts.ReceiveDir,
		localIP:     local,
		policy:      f.opts.Policy,
		maxFileSize: f.opts.MaxFileSize,
		now:         f.opts.Now,
		logger:      f.opts.Logger,
	}, pump, t)
}

func (f *Fetcher) awaitNotice(ctx context.Context, local net.IP) (net.IP, error) {
	addr, err := net.ResolveUDPAddr("udp4", f.opts.NotifyAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %w", ErrConnectionFailed, f.opts.NotifyAddress, err)
	}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: listen for notices on %q: %w", ErrConnectionFailed, f.opts.NotifyAddress, err)
	}
	defer func() {
		_ = conn.Close()
	}()

	f.opts.Logger.Info("network: waiting for sender",
		slog.String("addr", conn.LocalAddr().String()),
		slog.Duration("wait", f.opts.Wait))

	deadline := time.Now().Add(f.opts.Wait)
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("%w: fetch cancelled: %w", ErrTimeout, err)
		}
		now := time.Now()
		if !now.Before(deadline) {
			return nil, fmt.Errorf("%w: no sender announced within %s", ErrTimeout, f.opts.Wait)
		}

		_ = conn.SetReadDeadline(minTime(now.Add(pollStep), deadline))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			return nil, fmt.Errorf("%w: read notice: %w", ErrConnectionFailed, err)
		}

		host, ok := ParseReadyNotice(buf[:n], from.IP)
		if !ok {
			continue
		}
		if !f.opts.Policy.Same(local, host) {
			f.opts.Logger.Warn("network: ignoring notice from other subnet",
				slog.String("host", host.String()))
			continue
		}
		return host, nil
	}
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
