package integration

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cucumber/godog"

	"gesturedrop/coordinator"
	"gesturedrop/models"
	"gesturedrop/network"
	"gesturedrop/subnet"
)

var loopback = net.IPv4(127, 0, 0, 1)

type IntegrationTest struct {
	logger  *slog.Logger
	workDir string

	header  network.Header
	decoded network.Header

	server     *network.Server
	receiveDir string
	receivedMu sync.Mutex
	received   []models.Transfer

	sent    models.Transfer
	sendErr error

	coord    *coordinator.Coordinator
	release  chan struct{}
	started  atomic.Int32
	decision coordinator.Decision
}

type blockedSender struct {
	release <-chan struct{}
	started *atomic.Int32
}

func (b blockedSender) Send(ctx context.Context, path string, peer net.IP) (models.Transfer, error) {
	b.started.Add(1)
	<-b.release
	return models.Transfer{Filename: filepath.Base(path), Status: models.TransferComplete}, nil
}

type peerSet []models.Peer

func (p peerSet) BestPeer() (models.Peer, bool) {
	if len(p) == 0 {
		return models.Peer{}, false
	}
	return p[0], true
}

func online() subnet.Status {
	return subnet.StatusFor(net.ParseIP("192.168.1.20"))
}

func (i *IntegrationTest) aHeaderFor(name string, size int) error {
	i.header = network.Header{Filename: name, Size: uint64(size)}
	return nil
}

func (i *IntegrationTest) itIsEncodedAndDecoded() error {
	var buf bytes.Buffer
	if err := network.WriteHeader(&buf, i.header); err != nil {
		return err
	}
	decoded, err := network.ReadHeader(&buf)
	if err != nil {
		return err
	}
	if buf.Len() != 0 {
		return fmt.Errorf("%d bytes left after header", buf.Len())
	}
	i.decoded = decoded
	return nil
}

func (i *IntegrationTest) theDecodedHeaderIs(name string, size int) error {
	if i.decoded.Filename != name || i.decoded.Size != uint64(size) {
		return fmt.Errorf("decoded %+v", i.decoded)
	}
	return nil
}

func (i *IntegrationTest) aReceiverIsListeningOnLoopback() error {
	i.receiveDir = filepath.Join(i.workDir, "received")
	server, err := network.StartServer(network.ServerOptions{
		Address:    "127.0.0.1:0",
		ReceiveDir: i.receiveDir,
		LocalIP:    loopback,
		Policy:     network.LoopbackPolicy,
		IOTimeout:  2 * time.Second,
		Logger:     i.logger,
		OnReceived: func(transfer models.Transfer) {
			i.receivedMu.Lock()
			defer i.receivedMu.Unlock()
			i.received = append(i.received, transfer)
		},
	})
	if err != nil {
		return err
	}
	i.server = server
	return nil
}

func (i *IntegrationTest) serverPort() int {
	return i.server.Addr().(*net.TCPAddr).Port
}

func (i *IntegrationTest) writeFixture(name string, size int) (string, error) {
	data := make([]byte, size)
	if _, err := rand.Read(data); err != nil {
		return "", err
	}
	path := filepath.Join(i.workDir, "outbox", name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	return path, os.WriteFile(path, data, 0o600)
}

func (i *IntegrationTest) iSendAFileOfBytes(name string, size int) error {
	path, err := i.writeFixture(name, size)
	if err != nil {
		return err
	}
	sender := network.NewSender(network.SenderOptions{
		Port:    i.serverPort(),
		LocalIP: func() net.IP { return loopback },
		Policy:  network.LoopbackPolicy,
		Logger:  i.logger,
	})
	i.sent, i.sendErr = sender.Send(context.Background(), path, loopback)
	return nil
}

func (i *IntegrationTest) iSendOnlyOfAnnouncedBytes(partial, announced int, name string) error {
	conn, err := net.Dial("tcp4", i.server.Addr().String())
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := network.WriteHeader(conn, network.Header{Filename: name, Size: uint64(announced)}); err != nil {
		return err
	}
	_, err = conn.Write(make([]byte, partial))
	return err
}

func (i *IntegrationTest) aDeviceAtSendsTo(local, name, peer string) error {
	path, err := i.writeFixture(name, 16)
	if err != nil {
		return err
	}
	sender := network.NewSender(network.SenderOptions{
		LocalIP: func() net.IP { return net.ParseIP(local) },
		Logger:  i.logger,
	})
	i.sent, i.sendErr = sender.Send(context.Background(), path, net.ParseIP(peer))
	return nil
}

func (i *IntegrationTest) theSendShouldSucceed() error {
	if i.sendErr != nil {
		return fmt.Errorf("send failed: %w", i.sendErr)
	}
	if i.sent.Status != models.TransferComplete {
		return fmt.Errorf("unexpected status %q", i.sent.Status)
	}
	return nil
}

func (i *IntegrationTest) theSendShouldFailWith(category string) error {
	if i.sendErr == nil {
		return errors.New("send unexpectedly succeeded")
	}
	if got := network.Category(i.sendErr); got != category {
		return fmt.Errorf("expected %q, got %q (%v)", category, got, i.sendErr)
	}
	return nil
}

func (i *IntegrationTest) theReceiveDirectoryShouldHoldWithBytes(name string, size int) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		i.receivedMu.Lock()
		got := append([]models.Transfer(nil), i.received...)
		i.receivedMu.Unlock()

		if len(got) > 0 {
			transfer := got[0]
			if !strings.HasSuffix(transfer.StoredPath, "_"+name) {
				return fmt.Errorf("unexpected stored path %q", transfer.StoredPath)
			}
			info, err := os.Stat(transfer.StoredPath)
			if err != nil {
				return err
			}
			if info.Size() != int64(size) {
				return fmt.Errorf("expected %d bytes, got %d", size, info.Size())
			}
			if transfer.Digest != i.sent.Digest {
				return errors.New("digest mismatch between sender and receiver")
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
	return errors.New("nothing received")
}

func (i *IntegrationTest) theReceiveDirectoryShouldStayEmpty() error {
	time.Sleep(300 * time.Millisecond)
	entries, err := os.ReadDir(i.receiveDir)
	if err != nil {
		return err
	}
	if len(entries) != 0 {
		return fmt.Errorf("expected empty receive directory, found %d entries", len(entries))
	}
	return nil
}

func (i *IntegrationTest) newCoordinator(peers peerSet) {
	i.release = make(chan struct{})
	i.coord = coordinator.New(coordinator.Options{
		Network: online,
		Peers:   peers,
		Files: fileSource(func(context.Context) (string, error) {
			return "/tmp/shot.png", nil
		}),
		Sender: blockedSender{release: i.release, started: &i.started},
		Logger: i.logger,
	})
}

type fileSource func(ctx context.Context) (string, error)

func (f fileSource) NextFile(ctx context.Context) (string, error) { return f(ctx) }

func (i *IntegrationTest) aCoordinatorWhoseSendIsBlocked() error {
	i.newCoordinator(peerSet{{Address: net.ParseIP("192.168.1.30"), DisplayName: "tablet"}})
	return nil
}

func (i *IntegrationTest) aCoordinatorWithNoPeers() error {
	i.newCoordinator(nil)
	return nil
}

func (i *IntegrationTest) iTrigger(event string) error {
	i.decision = i.coord.Trigger(context.Background(), coordinator.ParseKind(event))
	return nil
}

func (i *IntegrationTest) theDecisionShouldBe(want string) error {
	if got := i.decision.String(); got != want {
		return fmt.Errorf("expected decision %q, got %q", want, got)
	}
	return nil
}

func (i *IntegrationTest) theStatusShouldBe(want string) error {
	if got := i.coord.Status(); got != want {
		return fmt.Errorf("expected status %q, got %q", want, got)
	}
	return nil
}

func (i *IntegrationTest) theBlockedSendCompletes() error {
	close(i.release)
	i.release = nil
	i.coord.Wait()
	return nil
}

func (i *IntegrationTest) exactlySendShouldHaveStarted(n int) error {
	if got := int(i.started.Load()); got != n {
		return fmt.Errorf("expected %d sends, got %d", n, got)
	}
	return nil
}

func (i *IntegrationTest) cleanup() {
	if i.release != nil {
		close(i.release)
		i.release = nil
	}
	if i.coord != nil {
		i.coord.Wait()
	}
	if i.server != nil {
		_ = i.server.Close()
	}
	if i.workDir != "" {
		_ = os.RemoveAll(i.workDir)
	}
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	i := &IntegrationTest{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}

	ctx.Before(func(ctx context.Context, sc *godog.Scenario) (context.Context, error) {
		dir, err := os.MkdirTemp("", "gesturedrop-scenario-")
		if err != nil {
			return ctx, err
		}
		i.workDir = dir
		return ctx, nil
	})
	ctx.After(func(ctx context.Context, sc *godog.Scenario, err error) (context.Context, error) {
		i.cleanup()
		return ctx, nil
	})

	ctx.Step(`^a header for "([^"]*)" of (\d+) bytes$`, i.aHeaderFor)
	ctx.Step(`^it is encoded and decoded$`, i.itIsEncodedAndDecoded)
	ctx.Step(`^the decoded header is "([^"]*)" of (\d+) bytes$`, i.theDecodedHeaderIs)
	ctx.Step(`^a receiver is listening on loopback$`, i.aReceiverIsListeningOnLoopback)
	ctx.Step(`^I send a file "([^"]*)" of (\d+) bytes$`, i.iSendAFileOfBytes)
	ctx.Step(`^I send only (\d+) of (\d+) announced bytes for "([^"]*)"$`, i.iSendOnlyOfAnnouncedBytes)
	ctx.Step(`^a device at "([^"]*)" sends "([^"]*)" to "([^"]*)"$`, i.aDeviceAtSendsTo)
	ctx.Step(`^the send should succeed$`, i.theSendShouldSucceed)
	ctx.Step(`^the send should fail with "([^"]*)"$`, i.theSendShouldFailWith)
	ctx.Step(`^the receive directory should hold "([^"]*)" with (\d+) bytes$`, i.theReceiveDirectoryShouldHoldWithBytes)
	ctx.Step(`^the receive directory should stay empty$`, i.theReceiveDirectoryShouldStayEmpty)
	ctx.Step(`^a coordinator whose send is blocked$`, i.aCoordinatorWhoseSendIsBlocked)
	ctx.Step(`^a coordinator with no peers$`, i.aCoordinatorWithNoPeers)
	ctx.Step(`^I trigger "([^"]*)"$`, i.iTrigger)
	ctx.Step(`^the decision should be "([^"]*)"$`, i.theDecisionShouldBe)
	ctx.Step(`^the status should be "([^"]*)"$`, i.theStatusShouldBe)
	ctx.Step(`^the blocked send completes$`, i.theBlockedSendCompletes)
	ctx.Step(`^exactly (\d+) send should have started$`, i.exactlySendShouldHaveStarted)
}

func TestFeatures(t *testing.T) {
	suite := godog.TestSuite{
		ScenarioInitializer: InitializeScenario,
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
		},
	}

	if suite.Run() != 0 {
		t.Fatal("non-zero status returned, failed to run feature tests")
	}
}
