package network

import (
	"context"
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
	// DefaultTransferPort is the TCP port of the persistent receiver.
	DefaultTransferPort = 5001
	// DefaultConnectTimeout bounds the sender's dial.
	DefaultConnectTimeout = 10 * time.Second
)

// SenderOptions configures a Sender.
type SenderOptions struct {
	Port           int
	ConnectTimeout time.Duration
	IOTimeout      time.Duration
	ChunkSize      int
	LocalIP        func() net.IP
	Policy         Policy
	Logger         *slog.Logger
	OnProgress     ProgressFunc
	// OnFinished observes every outcome, successful or not.
	OnFinished func(models.Transfer)
}

func (o SenderOptions) withDefaults() SenderOptions {
	out := o
	if out.Port <= 0 {
		out.Port = DefaultTransferPort
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = DefaultConnectTimeout
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

// Sender pushes one file per call to a peer's persistent receiver.
type Sender struct {
	opts SenderOptions
	tune tuning
}

// NewSender creates a sender with defaults applied.
func NewSender(options SenderOptions) *Sender {
	opts := options.withDefaults()
	return &Sender{
		opts: opts,
		tune: tuning{chunkSize: opts.ChunkSize, ioTimeout: opts.IOTimeout}.withDefaults(),
	}
}

// Send streams path to peer. The returned record carries the elapsed time
// and the outcome; the connection and file are closed on every path.
func (s *Sender) Send(ctx context.Context, path string, peer net.IP) (models.Transfer, error) {
	transfer := models.Transfer{
		TransferID: uuid.NewString(),
		Direction:  models.DirectionSend,
		Filename:   filepath.Base(path),
		StartedAt:  time.Now(),
	}
	if peer != nil {
		transfer.PeerAddress = peer.String()
	}

	err := s.send(ctx, path, peer, &transfer)
	finish(s.opts.Logger, &transfer, err)
	if s.opts.OnFinished != nil {
		s.opts.OnFinished(transfer)
	}
	return transfer, err
}

func (s *Sender) send(ctx context.Context, path string, peer net.IP, t *models.Transfer) error {
	if peer == nil || peer.To4() == nil {
		return ErrNoPeer
	}
	local := s.opts.LocalIP()
	if !s.opts.Policy.Usable(local) {
		return fmt.Errorf("%w: local address %v", ErrNetworkUnavailable, local)
	}
	if !s.opts.Policy.admit(s.opts.Logger, local, peer) {
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

	address := net.JoinHostPort(peer.String(), strconv.Itoa(s.opts.Port))
	dialer := net.Dialer{Timeout: s.opts.ConnectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp4", address)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", ErrConnectionFailed, address, err)
	}
	defer func() {
		_ = conn.Close()
	}()
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	s.opts.Logger.Info("network: sending",
		slog.String("transfer_id", t.TransferID),
		slog.String("peer", address),
		slog.String("file", t.Filename),
		slog.Int64("bytes", t.Filesize))

	pump := newProgressPump(s.opts.OnProgress)
	defer pump.close()

	return streamFile(conn, file, Header{Filename: t.Filename, Size: uint64(t.Filesize)}, s.tune, pump, t)
}

// finish stamps the terminal fields of t and logs the outcome.
func finish(logger *slog.Logger, t *models.Transfer, err error) {
	t.Elapsed = time.Since(t.StartedAt)
	if err != nil {
		t.Status = models.TransferFailed
		t.Error = err.Error()
		logger.Warn("network: transfer failed",
			slog.String("transfer_id", t.TransferID),
			slog.String("direction", string(t.Direction)),
			slog.String("peer", t.PeerAddress),
			slog.String("file", t.Filename),
			slog.String("category", Category(err)),
			slog.Any("error", err))
		return
	}

	t.Status = models.TransferComplete
	logger.Info("network: transfer complete",
		slog.String("transfer_id", t.TransferID),
		slog.String("direction", string(t.Direction)),
		slog.String("peer", t.PeerAddress),
		slog.String("file", t.Filename),
		slog.Int64("bytes", t.Filesize),
		slog.Duration("elapsed", t.Elapsed),
		slog.String("rate", fmt.Sprintf("%.1f KB/s", t.Rate()/1024)),
		slog.String("stored_path", t.StoredPath))
}
