package network

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gesturedrop/models"
)

func TestSenderPreconditions(t *testing.T) {
	dir := t.TempDir()
	existing := createFixtureFile(t, dir, "shot.png", 10)

	tests := []struct {
		name    string
		local   net.IP
		peer    net.IP
		path    string
		wantErr error
	}{
		{name: "no peer", local: net.ParseIP("192.168.1.2"), peer: nil, path: existing, wantErr: ErrNoPeer},
		{name: "no network", local: net.IPv4(127, 0, 0, 1), peer: net.ParseIP("192.168.1.3"), path: existing, wantErr: ErrNetworkUnavailable},
		{name: "other subnet", local: net.ParseIP("10.0.0.5"), peer: net.ParseIP("172.16.0.9"), path: existing, wantErr: ErrPeerRejected},
		{name: "missing file", local: net.ParseIP("192.168.1.2"), peer: net.ParseIP("192.168.1.3"), path: filepath.Join(dir, "missing.png"), wantErr: ErrIOFailure},
		{name: "directory", local: net.ParseIP("192.168.1.2"), peer: net.ParseIP("192.168.1.3"), path: dir, wantErr: ErrIOFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var finished models.Transfer
			sender := NewSender(SenderOptions{
				LocalIP:    func() net.IP { return tt.local },
				OnFinished: func(tr models.Transfer) { finished = tr },
			})

			record, err := sender.Send(context.Background(), tt.path, tt.peer)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if record.Status != models.TransferFailed || finished.TransferID != record.TransferID {
				t.Fatalf("failure not reported to observer: %+v", finished)
			}
		})
	}
}

func TestSenderLogsSubnetRejection(t *testing.T) {
	var logs bytes.Buffer
	sender := NewSender(SenderOptions{
		LocalIP: func() net.IP { return net.ParseIP("10.0.0.5") },
		Logger:  slog.New(slog.NewTextHandler(&logs, nil)),
	})

	source := createFixtureFile(t, t.TempDir(), "shot.png", 10)
	if _, err := sender.Send(context.Background(), source, net.ParseIP("172.16.0.9")); !errors.Is(err, ErrPeerRejected) {
		t.Fatalf("expected ErrPeerRejected, got %v", err)
	}
	if !strings.Contains(logs.String(), "subnet: peer rejected") || !strings.Contains(logs.String(), "peer=172.16.0.9") {
		t.Fatalf("rejection was not logged by the subnet guard: %s", logs.String())
	}
}

func TestSenderConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := listener.Addr().(*net.TCPAddr).Port
	_ = listener.Close()

	source := createFixtureFile(t, t.TempDir(), "shot.png", 10)
	sender := NewSender(SenderOptions{
		Port:           port,
		ConnectTimeout: time.Second,
		LocalIP:        func() net.IP { return net.IPv4(127, 0, 0, 1) },
		Policy:         LoopbackPolicy,
	})

	_, err = sender.Send(context.Background(), source, net.IPv4(127, 0, 0, 1))
	if !errors.Is(err, ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
}

func TestSenderPeerClosesMidTransfer(t *testing.T) {
	listener, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer func() {
		_ = listener.Close()
	}()

	go func() {
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		_, _ = ReadHeader(conn)
		_ = conn.Close()
	}()

	source := createFixtureFile(t, t.TempDir(), "big.bin", 32<<20)
	sender := NewSender(SenderOptions{
		Port:      listener.Addr().(*net.TCPAddr).Port,
		IOTimeout: 2 * time.Second,
		LocalIP:   func() net.IP { return net.IPv4(127, 0, 0, 1) },
		Policy:    LoopbackPolicy,
	})

	_, err = sender.Send(context.Background(), source, net.IPv4(127, 0, 0, 1))
	if !errors.Is(err, ErrDisconnected) && !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected a stream failure, got %v", err)
	}
}

func TestProgressPumpNeverBlocks(t *testing.T) {
	release := make(chan struct{})
	var last Progress
	pump := newProgressPump(func(p Progress) {
		<-release
		last = p
	})

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 1000; i++ {
			pump.report(Progress{Done: i, Total: 1000})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("report blocked on a slow observer")
	}

	close(release)
	pump.close()
	if last.Done != 1000 {
		t.Fatalf("expected final update to be delivered, got %d", last.Done)
	}

	var nilPump *progressPump
	nilPump.report(Progress{})
	nilPump.close()
}
