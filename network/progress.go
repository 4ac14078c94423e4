package network

import (
	"gesturedrop/models"
)

// Progress reports bytes moved for one transfer.
type Progress struct {
	TransferID string
	Direction  models.Direction
	Peer       string
	Filename   string
	Done       int64
	Total      int64
}

// ProgressFunc observes transfer progress. It runs on its own goroutine and
// may lag behind the transfer; intermediate updates can be skipped.
type ProgressFunc func(Progress)

// progressPump hands updates to a ProgressFunc without ever blocking the
// transfer. Only the latest pending update is kept.
type progressPump struct {
	updates chan Progress
	done    chan struct{}
}

func newProgressPump(fn ProgressFunc) *progressPump {
	if fn == nil {
		return nil
	}

	p := &progressPump{
		updates: make(chan Progress, 1),
		done:    make(chan struct{}),
	}
	go func() {
		defer close(p.done)
		for update := range p.updates {
			fn(update)
		}
	}()
	return p
}

func (p *progressPump) report(update Progress) {
	if p == nil {
		return
	}
	select {
	case p.updates <- update:
		return
	default:
	}
	// Replace the stale pending update with the latest one.
	select {
	case <-p.updates:
	default:
	}
	select {
	case p.updates <- update:
	default:
	}
}

// close flushes the last update and waits for the observer to return.
func (p *progressPump) close() {
	if p == nil {
		return
	}
	close(p.updates)
	<-p.done
}
