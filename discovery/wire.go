package discovery

import (
	"bytes"
	"errors"
	"strings"
)

const (
	helloTag = "GESTUREDROP_HELLO"
	sep      = "|"
)

// ProbeRequest is the literal datagram asking a node to reply with its hello.
var ProbeRequest = []byte("GESTUREDROP_PROBE")

var (
	// ErrNotHello indicates a datagram without the hello tag.
	ErrNotHello = errors.New("discovery: not a hello datagram")
	// ErrMalformedHello indicates a hello with the wrong field count.
	ErrMalformedHello = errors.New("discovery: malformed hello datagram")
	// ErrInvalidField indicates a hello field containing the separator.
	ErrInvalidField = errors.New("discovery: hello field contains separator")
)

// Hello is the liveness announcement carried by heartbeats and probe replies.
type Hello struct {
	Hostname string
	IP       string
}

// EncodeHello renders "GESTUREDROP_HELLO|hostname|ip".
func EncodeHello(h Hello) ([]byte, error) {
	if strings.Contains(h.Hostname, sep) || strings.Contains(h.IP, sep) {
		return nil, ErrInvalidField
	}
	return []byte(helloTag + sep + h.Hostname + sep + h.IP), nil
}

// ParseHello decodes a hello datagram.
func ParseHello(payload []byte) (Hello, error) {
	if !bytes.HasPrefix(payload, []byte(helloTag+sep)) {
		return Hello{}, ErrNotHello
	}
	parts := strings.Split(string(payload), sep)
	if len(parts) != 3 {
		return Hello{}, ErrMalformedHello
	}
	return Hello{
		Hostname: strings.TrimSpace(parts[1]),
		IP:       strings.TrimSpace(parts[2]),
	}, nil
}

// IsProbeRequest reports whether payload is exactly the probe literal.
func IsProbeRequest(payload []byte) bool {
	return bytes.Equal(bytes.TrimSpace(payload), ProbeRequest)
}

// sanitizeField replaces the separator so a hostname can always be announced.
func sanitizeField(s string) string {
	return strings.ReplaceAll(s, sep, "_")
}
