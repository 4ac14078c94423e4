package ui

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gesturedrop/coordinator"
	"gesturedrop/models"
	"gesturedrop/network"
	"gesturedrop/subnet"
)

func TestConsoleStatusAndProgress(t *testing.T) {
	var logs bytes.Buffer
	var bars bytes.Buffer
	console := NewConsole(&bars, slog.New(slog.NewTextHandler(&logs, nil)))

	console.Status("SEND DONE (1.2s)")
	assert.Contains(t, logs.String(), `status="SEND DONE (1.2s)"`)

	console.Progress(network.Progress{TransferID: "t1", Direction: models.DirectionSend, Filename: "shot.png", Done: 10, Total: 100})
	console.Progress(network.Progress{TransferID: "t1", Direction: models.DirectionSend, Filename: "shot.png", Done: 100, Total: 100})
	assert.Empty(t, console.bars, "finished bars are dropped")
	assert.Contains(t, bars.String(), "sending shot.png")

	console.Progress(network.Progress{TransferID: "", Total: 10})
	console.Progress(network.Progress{TransferID: "t2", Total: 0})
	assert.Empty(t, console.bars)
}

func TestRenderHelpers(t *testing.T) {
	assert.Contains(t, renderBadge(subnet.StatusFor(nil)), "NO WIFI")
	assert.Contains(t, renderBadge(subnet.StatusFor(net.ParseIP("192.168.1.20"))), "subnet 192.168.1.x")

	now := time.Now()
	peers := []models.Peer{{
		Address:       net.ParseIP("192.168.1.30"),
		DisplayName:   "tablet",
		LastSeenAt:    now.Add(-3 * time.Second),
		DiscoveredVia: models.SourceProbe,
	}}
	out := renderPeers(peers, "laptop", now)
	assert.Contains(t, out, "192.168.1.30")
	assert.Contains(t, out, "tablet")
	assert.Contains(t, out, "3s ago")
	assert.Contains(t, out, "This device: laptop")
	assert.Contains(t, renderPeers(nil, "", now), "no peers yet")

	assert.Contains(t, renderProgress(network.Progress{Direction: models.DirectionReceive, Filename: "a.png", Done: 50, Total: 200}), "25%")
	assert.True(t, strings.HasPrefix(colorStatus("SEND FAILED: TIMEOUT"), "[red]"))
	assert.True(t, strings.HasPrefix(colorStatus("RECEIVE DONE: a.png"), "[green]"))
	assert.True(t, strings.HasPrefix(colorStatus("SENDING to tablet..."), "[yellow]"))
}

func TestDashboardKeysAndRun(t *testing.T) {
	screen := tcell.NewSimulationScreen("UTF-8")
	events := make(chan coordinator.Kind, 4)
	dash := NewDashboard(DashboardOptions{
		Network: func() subnet.Status { return subnet.StatusFor(net.ParseIP("192.168.1.20")) },
		Self:    "laptop",
		OnEvent: func(kind coordinator.Kind) { events <- kind },
		Refresh: 20 * time.Millisecond,
		Screen:  screen,
	})

	assert.Nil(t, dash.handleKey(tcell.NewEventKey(tcell.KeyRune, 's', tcell.ModNone)))
	assert.Nil(t, dash.handleKey(tcell.NewEventKey(tcell.KeyRune, 'r', tcell.ModNone)))
	assert.NotNil(t, dash.handleKey(tcell.NewEventKey(tcell.KeyRune, 'x', tcell.ModNone)))
	assert.Equal(t, coordinator.KindSend, <-events)
	assert.Equal(t, coordinator.KindReceive, <-events)

	dash.Status("NO PEER - wait for discovery...")
	assert.Equal(t, "NO PEER - wait for discovery...", dash.LastStatus())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dash.Run(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	dash.Status("READY")
	dash.Progress(network.Progress{Filename: "a.png", Done: 1, Total: 2})
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("dashboard did not stop after cancel")
	}
}

func TestDashboardRecordsStateBeforeRun(t *testing.T) {
	dash := NewDashboard(DashboardOptions{
		Network: func() subnet.Status { return subnet.StatusFor(net.ParseIP("192.168.1.20")) },
		Refresh: 20 * time.Millisecond,
		Screen:  tcell.NewSimulationScreen("UTF-8"),
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			dash.Status(fmt.Sprintf("SENDING to peer-%d...", i))
			dash.Progress(network.Progress{Filename: "a.png", Done: int64(i), Total: 8})
		}(i)
	}
	wg.Wait()
	assert.Equal(t, coordinator.StatusReady, dash.status.GetText(true), "widgets are untouched before Run")

	dash.Status("RECEIVE DONE: a.png")
	dash.Progress(network.Progress{Direction: models.DirectionReceive, Filename: "a.png", Done: 4, Total: 8})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- dash.Run(ctx)
	}()

	rendered := func() (string, string) {
		var status, progress string
		dash.app.QueueUpdate(func() {
			status = dash.status.GetText(true)
			progress = dash.progress.GetText(true)
		})
		return status, progress
	}
	deadline := time.Now().Add(3 * time.Second)
	for {
		status, progress := rendered()
		if status == "RECEIVE DONE: a.png" && strings.Contains(progress, "50%") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recorded state not rendered: status=%q progress=%q", status, progress)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatalf("dashboard did not stop after cancel")
	}
}
