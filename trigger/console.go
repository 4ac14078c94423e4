package trigger

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"

	"gesturedrop/coordinator"
)

// Console turns typed commands into events: send/s, receive/r, quit/q.
type Console struct {
	in  io.Reader
	log *slog.Logger

	events    chan coordinator.Kind
	quit      chan struct{}
	quitOnce  sync.Once
	startOnce sync.Once
}

// NewConsole reads commands from in.
func NewConsole(in io.Reader, logger *slog.Logger) *Console {
	if logger == nil {
		logger = slog.Default()
	}
	return &Console{
		in:     in,
		log:    logger,
		events: make(chan coordinator.Kind),
		quit:   make(chan struct{}),
	}
}

// Events delivers parsed commands. It is closed when Run returns.
func (c *Console) Events() <-chan coordinator.Kind {
	return c.events
}

// Quit is closed when the user asks to exit or input ends.
func (c *Console) Quit() <-chan struct{} {
	return c.quit
}

// Run reads lines until ctx is done, input ends or a quit command arrives.
// The reader itself cannot be interrupted, so a blocked read outlives ctx.
func (c *Console) Run(ctx context.Context) {
	c.startOnce.Do(func() {
		defer close(c.events)
		defer c.stop()

		lines := make(chan string)
		go func() {
			defer close(lines)
			scanner := bufio.NewScanner(c.in)
			for scanner.Scan() {
				select {
				case lines <- scanner.Text():
				case <-ctx.Done():
					return
				}
			}
			if err := scanner.Err(); err != nil {
				c.log.Warn("trigger: console read failed", slog.Any("error", err))
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case line, ok := <-lines:
				if !ok {
					return
				}
				if !c.handle(ctx, line) {
					return
				}
			}
		}
	})
}

func (c *Console) handle(ctx context.Context, line string) bool {
	word := strings.ToLower(strings.TrimSpace(line))
	switch word {
	case "":
		return true
	case "quit", "q", "exit":
		return false
	}

	kind := coordinator.ParseKind(word)
	if kind == coordinator.KindNone {
		c.log.Info("trigger: unknown command", slog.String("command", word))
		return true
	}
	select {
	case c.events <- kind:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Console) stop() {
	c.quitOnce.Do(func() { close(c.quit) })
}
