// Package ui renders coordinator status, peers and transfer progress.
package ui

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"gesturedrop/models"
	"gesturedrop/network"
)

// Console is a line-oriented status sink with byte progress bars.
type Console struct {
	out io.Writer
	log *slog.Logger

	mu   sync.Mutex
	bars map[string]*progressbar.ProgressBar
}

// NewConsole writes progress bars to out and status lines to logger.
func NewConsole(out io.Writer, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		out:  out,
		log:  logger,
		bars: make(map[string]*progressbar.ProgressBar),
	}
}

// Status logs one coordinator status line.
func (c *Console) Status(status string) {
	c.log.Info("ui: status", slog.String("status", status))
}

// Progress renders one bar per transfer and drops it once complete.
func (c *Console) Progress(p network.Progress) {
	if p.TransferID == "" || p.Total <= 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	bar, ok := c.bars[p.TransferID]
	if !ok {
		bar = progressbar.NewOptions64(p.Total,
			progressbar.OptionSetWriter(c.out),
			progressbar.OptionSetDescription(describe(p)),
			progressbar.OptionShowBytes(true),
			progressbar.OptionSetWidth(30),
			progressbar.OptionThrottle(100*time.Millisecond),
			progressbar.OptionOnCompletion(func() {
				_, _ = fmt.Fprintln(c.out)
			}),
		)
		c.bars[p.TransferID] = bar
	}

	_ = bar.Set64(p.Done)
	if p.Done >= p.Total {
		_ = bar.Finish()
		delete(c.bars, p.TransferID)
	}
}

func describe(p network.Progress) string {
	verb := "sending"
	if p.Direction == models.DirectionReceive {
		verb = "receiving"
	}
	if p.Peer == "" {
		return fmt.Sprintf("%s %s", verb, p.Filename)
	}
	return fmt.Sprintf("%s %s (%s)", verb, p.Filename, p.Peer)
}
