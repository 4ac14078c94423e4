package network

import (
	"errors"
	"net"
	"os"
)

var (
	// ErrNetworkUnavailable indicates this node has no usable LAN address.
	ErrNetworkUnavailable = errors.New("network: no usable LAN address")
	// ErrNoPeer indicates there is no peer address to send to.
	ErrNoPeer = errors.New("network: no peer address")
	// ErrPeerRejected indicates the subnet policy refused the remote endpoint.
	ErrPeerRejected = errors.New("network: peer rejected by subnet policy")
	// ErrConnectionFailed indicates the stream connection could not be opened.
	ErrConnectionFailed = errors.New("network: connection failed")
	// ErrDisconnected indicates the peer closed the connection mid-transfer.
	ErrDisconnected = errors.New("network: peer disconnected")
	// ErrShortRead is the same condition as ErrDisconnected.
	ErrShortRead = ErrDisconnected
	// ErrIOFailure indicates a local file read or write error.
	ErrIOFailure = errors.New("network: local i/o failure")
	// ErrTimeout indicates a read or write exceeded its deadline.
	ErrTimeout = errors.New("network: transfer timed out")
	// ErrFileTooLarge indicates a header size above the receiver limit.
	ErrFileTooLarge = errors.New("network: file exceeds size limit")
	// ErrInvalidHeader indicates a malformed transfer header.
	ErrInvalidHeader = errors.New("network: invalid transfer header")
)

// Category returns a short status label for err.
func Category(err error) string {
	switch {
	case err == nil:
		return "OK"
	case errors.Is(err, ErrNetworkUnavailable):
		return "NO WIFI"
	case errors.Is(err, ErrNoPeer):
		return "NO PEER"
	case errors.Is(err, ErrPeerRejected):
		return "REJECTED"
	case errors.Is(err, ErrConnectionFailed):
		return "CONNECTION FAILED"
	case errors.Is(err, ErrTimeout):
		return "TIMEOUT"
	case errors.Is(err, ErrDisconnected):
		return "DISCONNECTED"
	case errors.Is(err, ErrFileTooLarge):
		return "TOO LARGE"
	case errors.Is(err, ErrInvalidHeader):
		return "BAD HEADER"
	case errors.Is(err, ErrIOFailure):
		return "IO ERROR"
	default:
		return "ERROR"
	}
}

// streamErr maps a socket error to the taxonomy. Anything other than a
// deadline means the peer went away.
func streamErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return ErrDisconnected
}
