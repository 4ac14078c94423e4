package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"gesturedrop/coordinator"
	"gesturedrop/models"
	"gesturedrop/network"
	"gesturedrop/subnet"
)

// DashboardOptions wires the dashboard to live state.
type DashboardOptions struct {
	Network func() subnet.Status
	Peers   func() []models.Peer
	// Self labels the local device under the peer list.
	Self string
	// OnEvent receives SEND/RECEIVE key presses.
	OnEvent func(coordinator.Kind)
	Refresh time.Duration
	// Screen replaces the terminal, used by tests.
	Screen tcell.Screen
	Now    func() time.Time
}

// Dashboard is the full-screen terminal view: network badge, peer list,
// status line and the latest transfer progress.
type Dashboard struct {
	opts DashboardOptions

	app      *tview.Application
	badge    *tview.TextView
	peers    *tview.TextView
	status   *tview.TextView
	progress *tview.TextView

	running atomic.Bool
	mu      sync.Mutex
	last    string
	latest  network.Progress
}

// NewDashboard builds the layout. Nothing is drawn until Run.
func NewDashboard(options DashboardOptions) *Dashboard {
	opts := options
	if opts.Network == nil {
		opts.Network = subnet.Check
	}
	if opts.Peers == nil {
		opts.Peers = func() []models.Peer { return nil }
	}
	if opts.OnEvent == nil {
		opts.OnEvent = func(coordinator.Kind) {}
	}
	if opts.Refresh <= 0 {
		opts.Refresh = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	app := tview.NewApplication()
	if opts.Screen != nil {
		app.SetScreen(opts.Screen)
	}

	badge := tview.NewTextView().SetDynamicColors(true)
	badge.SetBorder(true).SetTitle("Network")

	peers := tview.NewTextView().SetDynamicColors(true)
	peers.SetBorder(true).SetTitle("Peers")

	status := tview.NewTextView().SetDynamicColors(true).SetTextAlign(tview.AlignCenter)
	status.SetBorder(true).SetTitle("Status")

	progress := tview.NewTextView().SetDynamicColors(true)
	progress.SetBorder(true).SetTitle("Transfer")

	help := tview.NewTextView().
		SetDynamicColors(true).
		SetText("[yellow]s[-] send   [yellow]r[-] receive   [yellow]q[-] quit")

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(badge, 3, 0, false).
		AddItem(peers, 0, 1, false).
		AddItem(status, 3, 0, false).
		AddItem(progress, 3, 0, false).
		AddItem(help, 1, 0, false)

	d := &Dashboard{
		opts:     opts,
		app:      app,
		badge:    badge,
		peers:    peers,
		status:   status,
		progress: progress,
		last:     coordinator.StatusReady,
	}
	status.SetText(coordinator.StatusReady)
	app.SetRoot(layout, true).SetInputCapture(d.handleKey)
	return d
}

// Run draws until ctx is done or the user quits. Widgets are only touched
// from the application goroutine once Run has started.
func (d *Dashboard) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.running.Store(true)
	defer d.running.Store(false)
	// QueueUpdateDraw waits for the event loop, which app.Run starts below.
	go d.app.QueueUpdateDraw(d.refresh)

	go func() {
		ticker := time.NewTicker(d.opts.Refresh)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				d.app.Stop()
				return
			case <-ticker.C:
				d.app.QueueUpdateDraw(d.refresh)
			}
		}
	}()

	return d.app.Run()
}

// Stop ends Run.
func (d *Dashboard) Stop() {
	d.app.Stop()
}

// Status replaces the status line. Safe from any goroutine.
func (d *Dashboard) Status(status string) {
	d.mu.Lock()
	d.last = status
	d.mu.Unlock()

	d.redraw()
}

// Progress shows the latest transfer progress. Safe from any goroutine.
func (d *Dashboard) Progress(p network.Progress) {
	d.mu.Lock()
	d.latest = p
	d.mu.Unlock()

	d.redraw()
}

// LastStatus returns the most recent status.
func (d *Dashboard) LastStatus() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

// redraw schedules a render of the recorded state. Before Run the state is
// only recorded; Run renders it first thing.
func (d *Dashboard) redraw() {
	if d.running.Load() {
		go d.app.QueueUpdateDraw(d.refresh)
	}
}

// refresh renders every widget. It runs on the application goroutine.
func (d *Dashboard) refresh() {
	d.mu.Lock()
	status, latest := d.last, d.latest
	d.mu.Unlock()

	d.badge.SetText(renderBadge(d.opts.Network()))
	d.peers.SetText(renderPeers(d.opts.Peers(), d.opts.Self, d.opts.Now()))
	d.status.SetText(colorStatus(status))
	d.progress.SetText(renderProgress(latest))
}

func (d *Dashboard) handleKey(event *tcell.EventKey) *tcell.EventKey {
	switch event.Key() {
	case tcell.KeyEscape, tcell.KeyCtrlC:
		d.app.Stop()
		return nil
	case tcell.KeyRune:
	default:
		return event
	}

	switch event.Rune() {
	case 's', 'S':
		d.opts.OnEvent(coordinator.KindSend)
	case 'r', 'R':
		d.opts.OnEvent(coordinator.KindReceive)
	case 'q', 'Q':
		d.app.Stop()
	default:
		return event
	}
	return nil
}

func renderBadge(status subnet.Status) string {
	if !status.OK {
		return "[red]" + tview.Escape(status.Message) + "[-]"
	}
	return fmt.Sprintf("[green]%s[-]  subnet %s", tview.Escape(status.Message), status.Subnet)
}

func renderPeers(peers []models.Peer, self string, now time.Time) string {
	var b strings.Builder
	if len(peers) == 0 {
		b.WriteString("[gray]no peers yet[-]\n")
	}
	for _, peer := range peers {
		age := now.Sub(peer.LastSeenAt).Round(time.Second)
		if age < 0 {
			age = 0
		}
		fmt.Fprintf(&b, "%-15s  %-20s  %-9s  %s ago\n",
			peer.Address, tview.Escape(peer.DisplayName), peer.DiscoveredVia, age)
	}
	if self != "" {
		fmt.Fprintf(&b, "\n[gray]This device: %s[-]", tview.Escape(self))
	}
	return b.String()
}

func renderProgress(p network.Progress) string {
	if p.Total <= 0 {
		return tview.Escape(p.Filename)
	}
	percent := float64(p.Done) * 100 / float64(p.Total)
	return fmt.Sprintf("%s  %s  %.0f%%  (%d/%d bytes)",
		p.Direction, tview.Escape(p.Filename), percent, p.Done, p.Total)
}

func colorStatus(status string) string {
	color := "white"
	switch {
	case strings.Contains(status, "FAILED"), strings.HasPrefix(status, "NO "):
		color = "red"
	case strings.Contains(status, "DONE"):
		color = "green"
	case strings.HasSuffix(status, "..."):
		color = "yellow"
	}
	return "[" + color + "]" + tview.Escape(status) + "[-]"
}
