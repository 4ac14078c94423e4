// Package coordinator serializes trigger events against in-flight transfers.
// At most one operation runs at a time; triggers arriving meanwhile are
// dropped, never queued.
package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"gesturedrop/models"
	"gesturedrop/network"
	"gesturedrop/subnet"
)

// Status strings published to the sink.
const (
	StatusReady       = "READY"
	StatusNoNetwork   = "NO WIFI - connect first!"
	StatusNoPeer      = "NO PEER - wait for discovery..."
	StatusNoFile      = "SEND FAILED: NO FILE"
	StatusWaiting     = "WAITING for sender..."
	StatusReceiverOn  = "RECEIVER ALWAYS ON"
	statusSendFailed  = "SEND FAILED: "
	statusRecvFailed  = "RECEIVE FAILED: "
	statusSendingFmt  = "SENDING to %s..."
	statusSendDoneFmt = "SEND DONE (%s)"
	statusRecvDoneFmt = "RECEIVE DONE: %s"
)

// Kind is an abstract trigger event.
type Kind int

const (
	KindNone Kind = iota
	KindSend
	KindReceive
)

// String returns the upper-case event name.
func (k Kind) String() string {
	switch k {
	case KindSend:
		return "SEND"
	case KindReceive:
		return "RECEIVE"
	default:
		return "NONE"
	}
}

// ParseKind maps a trigger word to a Kind.
func ParseKind(s string) Kind {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SEND", "S":
		return KindSend
	case "RECEIVE", "R":
		return KindReceive
	default:
		return KindNone
	}
}

// Decision is the synchronous outcome of a trigger.
type Decision int

const (
	Accepted Decision = iota + 1
	Busy
	NoNetwork
	NoPeer
	FileError
	Ignored
	Unsupported
)

// String returns a short name for logs.
func (d Decision) String() string {
	switch d {
	case Accepted:
		return "accepted"
	case Busy:
		return "busy"
	case NoNetwork:
		return "no_network"
	case NoPeer:
		return "no_peer"
	case FileError:
		return "file_error"
	case Ignored:
		return "ignored"
	case Unsupported:
		return "unsupported"
	default:
		return "unknown"
	}
}

// PeerSelector provides the current transfer target.
type PeerSelector interface {
	BestPeer() (models.Peer, bool)
}

// FileSource provides the file to send for one SEND event.
type FileSource interface {
	NextFile(ctx context.Context) (string, error)
}

// Sender moves one file to a peer.
type Sender interface {
	Send(ctx context.Context, path string, peer net.IP) (models.Transfer, error)
}

// Receiver pulls one file on demand.
type Receiver interface {
	Receive(ctx context.Context) (models.Transfer, error)
}

// Options wires the coordinator to its collaborators.
type Options struct {
	Network func() subnet.Status
	Peers   PeerSelector
	Files   FileSource
	Sender  Sender
	// Receiver is optional; without it RECEIVE is Unsupported.
	Receiver Receiver
	// Status is called after every state transition. It must not block.
	Status func(string)
	Logger *slog.Logger
}

// Coordinator owns the operation cell.
type Coordinator struct {
	opts Options
	log  *slog.Logger

	mu      sync.Mutex
	active  bool
	claimed bool
	kind    Kind
	status  string

	wg sync.WaitGroup
}

// New creates a coordinator in the ready state.
func New(options Options) *Coordinator {
	opts := options
	if opts.Network == nil {
		opts.Network = subnet.Check
	}
	if opts.Status == nil {
		opts.Status = func(string) {}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		opts:   opts,
		log:    opts.Logger,
		status: StatusReady,
	}
}

// Active reports whether an operation is in flight.
func (c *Coordinator) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Status returns the last published status.
func (c *Coordinator) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Received publishes the outcome of a transfer that arrived on the
// persistent receiver. It does not touch the gate.
func (c *Coordinator) Received(transfer models.Transfer) {
	if transfer.Status != models.TransferComplete {
		return
	}
	c.publish(fmt.Sprintf(statusRecvDoneFmt, transfer.Filename))
}

// Wait blocks until every launched task has released the gate.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Trigger handles one event. It never blocks on a transfer.
func (c *Coordinator) Trigger(ctx context.Context, kind Kind) Decision {
	var decision Decision
	switch kind {
	case KindSend:
		decision = c.triggerSend(ctx)
	case KindReceive:
		decision = c.triggerReceive(ctx)
	default:
		decision = Ignored
	}
	c.log.Debug("coordinator: trigger handled",
		slog.String("event", kind.String()),
		slog.String("decision", decision.String()))
	return decision
}

// claim reserves the gate for pre-checks without marking it active.
func (c *Coordinator) claim(kind Kind) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active || c.claimed {
		c.log.Info("coordinator: trigger dropped, operation in flight",
			slog.String("event", kind.String()),
			slog.String("in_flight", c.kind.String()))
		return false
	}
	c.claimed = true
	return true
}

func (c *Coordinator) unclaim() {
	c.mu.Lock()
	c.claimed = false
	c.mu.Unlock()
}

func (c *Coordinator) activate(kind Kind, status string) {
	c.mu.Lock()
	c.claimed = false
	c.active = true
	c.kind = kind
	c.status = status
	c.mu.Unlock()

	c.emit(status)
}

// release clears the gate and publishes a terminal status.
func (c *Coordinator) release(status string) {
	c.mu.Lock()
	c.active = false
	c.kind = KindNone
	c.status = status
	c.mu.Unlock()

	c.emit(status)
}

func (c *Coordinator) publish(status string) {
	c.mu.Lock()
	c.status = status
	c.mu.Unlock()

	c.emit(status)
}

func (c *Coordinator) emit(status string) {
	c.log.Info("coordinator: status", slog.String("status", status))
	c.opts.Status(status)
}

func (c *Coordinator) triggerSend(ctx context.Context) Decision {
	if c.opts.Sender == nil || c.opts.Peers == nil || c.opts.Files == nil {
		return Unsupported
	}
	if !c.claim(KindSend) {
		return Busy
	}

	if status := c.opts.Network(); !status.OK {
		c.unclaim()
		c.publish(StatusNoNetwork)
		return NoNetwork
	}

	peer, ok := c.opts.Peers.BestPeer()
	if !ok {
		c.unclaim()
		c.publish(StatusNoPeer)
		return NoPeer
	}

	path, err := c.opts.Files.NextFile(ctx)
	if err != nil {
		c.unclaim()
		c.log.Warn("coordinator: no file to send", slog.Any("error", err))
		c.publish(StatusNoFile)
		return FileError
	}

	c.activate(KindSend, fmt.Sprintf(statusSendingFmt, peer.Label()))

	c.wg.Add(1)
	go c.runSend(context.WithoutCancel(ctx), peer, path)
	return Accepted
}

func (c *Coordinator) runSend(ctx context.Context, peer models.Peer, path string) {
	defer c.wg.Done()

	terminal := statusSendFailed + "ERROR"
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("coordinator: send task panicked", slog.Any("panic", r))
			terminal = statusSendFailed + "ERROR"
		}
		c.release(terminal)
	}()

	transfer, err := c.opts.Sender.Send(ctx, path, peer.Address)
	if err != nil {
		terminal = statusSendFailed + network.Category(err)
		return
	}
	terminal = fmt.Sprintf(statusSendDoneFmt, transfer.Elapsed.Round(10*time.Millisecond))
}

func (c *Coordinator) triggerReceive(ctx context.Context) Decision {
	if !c.claim(KindReceive) {
		return Busy
	}
	if c.opts.Receiver == nil {
		c.unclaim()
		c.publish(StatusReceiverOn)
		return Unsupported
	}

	if status := c.opts.Network(); !status.OK {
		c.unclaim()
		c.publish(StatusNoNetwork)
		return NoNetwork
	}

	c.activate(KindReceive, StatusWaiting)

	c.wg.Add(1)
	go c.runReceive(context.WithoutCancel(ctx))
	return Accepted
}

func (c *Coordinator) runReceive(ctx context.Context) {
	defer c.wg.Done()

	terminal := statusRecvFailed + "ERROR"
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("coordinator: receive task panicked", slog.Any("panic", r))
			terminal = statusRecvFailed + "ERROR"
		}
		c.release(terminal)
	}()

	transfer, err := c.opts.Receiver.Receive(ctx)
	if err != nil {
		terminal = statusRecvFailed + network.Category(err)
		return
	}
	terminal = fmt.Sprintf(statusRecvDoneFmt, transfer.Filename)
}
