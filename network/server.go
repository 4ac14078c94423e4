package network

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"gesturedrop/models"
	"gesturedrop/subnet"
)

const (
	// DefaultAcceptPoll bounds each Accept so Close is observed promptly.
	DefaultAcceptPoll = time.Second
	// DefaultMaxFileSize caps a buffered inbound body.
	DefaultMaxFileSize = 1 << 30
)

// ServerOptions configures the persistent receiver.
type ServerOptions struct {
	// Address is the listen address, ":5001" when empty.
	Address    string
	ReceiveDir string
	// LocalIP is resolved with subnet.LocalIP when nil.
	LocalIP     net.IP
	Policy      Policy
	ChunkSize   int
	IOTimeout   time.Duration
	AcceptPoll  time.Duration
	// MaxFileSize of zero selects DefaultMaxFileSize; negative disables it.
	MaxFileSize int64

	// OpenReceived opens each saved file with the desktop default app.
	OpenReceived bool
	Opener       func(path string) error

	Logger     *slog.Logger
	OnProgress ProgressFunc
	// OnReceived observes every inbound outcome, successful or not.
	OnReceived func(models.Transfer)
	Now        func() time.Time
}

func (o ServerOptions) withDefaults() ServerOptions {
	out := o
	if out.Address == "" {
		out.Address = ":" + strconv.Itoa(DefaultTransferPort)
	}
	if out.LocalIP == nil {
		out.LocalIP = subnet.LocalIP()
	}
	if out.AcceptPoll <= 0 {
		out.AcceptPoll = DefaultAcceptPoll
	}
	if out.MaxFileSize == 0 {
		out.MaxFileSize = DefaultMaxFileSize
	}
	if out.Opener == nil {
		out.Opener = OpenWithDefaultApp
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

// Server accepts inbound transfers for the lifetime of the process. Each
// connection runs on its own goroutine.
type Server struct {
	listener *net.TCPListener
	opts     ServerOptions
	recv     receiveConfig

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// StartServer binds the transfer port and starts the accept loop. Without a
// usable local address it returns ErrNetworkUnavailable and binds nothing.
func StartServer(options ServerOptions) (*Server, error) {
	opts := options.withDefaults()
	if !opts.Policy.Usable(opts.LocalIP) {
		return nil, fmt.Errorf("%w: local address %v", ErrNetworkUnavailable, opts.LocalIP)
	}
	if opts.ReceiveDir == "" {
		return nil, errors.New("network: receive directory is required")
	}
	if err := os.MkdirAll(opts.ReceiveDir, 0o755); err != nil {
		return nil, fmt.Errorf("create receive directory: %w", err)
	}

	addr, err := net.ResolveTCPAddr("tcp4", opts.Address)
	if err != nil {
		return nil, fmt.Errorf("resolve %q: %w", opts.Address, err)
	}
	listener, err := net.ListenTCP("tcp4", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", opts.Address, err)
	}

	server := &Server{
		listener: listener,
		opts:     opts,
		recv: receiveConfig{
			tuning:      tuning{chunkSize: opts.ChunkSize, ioTimeout: opts.IOTimeout}.withDefaults(),
			dir:         opts.ReceiveDir,
			localIP:     opts.LocalIP,
			policy:      opts.Policy,
			maxFileSize: opts.MaxFileSize,
			now:         opts.Now,
			logger:      opts.Logger,
		},
		closed: make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()

	opts.Logger.Info("network: receiver listening",
		slog.String("addr", listener.Addr().String()),
		slog.String("receive_dir", opts.ReceiveDir))
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting and waits for in-flight handlers to finish.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.closed:
			return
		default:
		}

		_ = s.listener.SetDeadline(time.Now().Add(s.opts.AcceptPoll))
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			s.opts.Logger.Warn("network: accept failed", slog.Any("error", err))
			time.Sleep(50 * time.Millisecond)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer func() {
		_ = conn.Close()
	}()

	transfer := models.Transfer{
		TransferID: uuid.NewString(),
		Direction:  models.DirectionReceive,
		StartedAt:  time.Now(),
	}
	if ip := remoteIP(conn.RemoteAddr()); ip != nil {
		transfer.PeerAddress = ip.String()
	}

	err := s.receive(conn, &transfer)

	finish(s.opts.Logger, &transfer, err)
	if err == nil && s.opts.OpenReceived {
		if openErr := s.opts.Opener(transfer.StoredPath); openErr != nil {
			s.opts.Logger.Debug("network: could not open received file",
				slog.String("path", transfer.StoredPath),
				slog.Any("error", openErr))
		}
	}
	if s.opts.OnReceived != nil {
		s.opts.OnReceived(transfer)
	}
}

// receive runs one inbound transfer. A panic fails this transfer only.
func (s *Server) receive(conn net.Conn, transfer *models.Transfer) (err error) {
	pump := newProgressPump(s.opts.OnProgress)
	defer pump.close()
	defer func() {
		if r := recover(); r != nil {
			s.opts.Logger.Error("network: receive handler panicked",
				slog.String("transfer_id", transfer.TransferID),
				slog.Any("panic", r))
			err = fmt.Errorf("network: receive handler panicked: %v", r)
		}
	}()

	return receiveFile(conn, s.recv, pump, transfer)
}
