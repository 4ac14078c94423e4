package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"gesturedrop/coordinator"
)

// DefaultSettle is how long a dropped file must stay unchanged.
const DefaultSettle = 500 * time.Millisecond

// DropFolderOptions configures a DropFolder.
type DropFolderOptions struct {
	Dir    string
	Settle time.Duration
	// QueueLimit bounds remembered paths; the oldest is forgotten first.
	QueueLimit int
	Logger     *slog.Logger
}

func (o DropFolderOptions) withDefaults() DropFolderOptions {
	out := o
	if out.Settle <= 0 {
		out.Settle = DefaultSettle
	}
	if out.QueueLimit <= 0 {
		out.QueueLimit = 32
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// DropFolder watches a directory. Every settled new file emits SEND and is
// queued for NextFile.
type DropFolder struct {
	opts    DropFolderOptions
	log     *slog.Logger
	watcher *fsnotify.Watcher

	events chan coordinator.Kind

	mu      sync.Mutex
	queue   []string
	pending map[string]*time.Timer
	closed  bool

	runOnce   sync.Once
	closeOnce sync.Once
}

// NewDropFolder creates the directory if needed and starts watching it.
func NewDropFolder(options DropFolderOptions) (*DropFolder, error) {
	opts := options.withDefaults()
	if opts.Dir == "" {
		return nil, fmt.Errorf("trigger: drop folder path is empty")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("trigger: create drop folder %q: %w", opts.Dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("trigger: create watcher: %w", err)
	}
	if err := watcher.Add(opts.Dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("trigger: watch %q: %w", opts.Dir, err)
	}

	return &DropFolder{
		opts:    opts,
		log:     opts.Logger,
		watcher: watcher,
		events:  make(chan coordinator.Kind, 8),
		pending: make(map[string]*time.Timer),
	}, nil
}

// Events delivers one SEND per settled file. It is closed when Run returns.
func (d *DropFolder) Events() <-chan coordinator.Kind {
	return d.events
}

// Run consumes watcher events until ctx is done.
func (d *DropFolder) Run(ctx context.Context) {
	d.runOnce.Do(func() {
		defer close(d.events)
		defer func() {
			_ = d.Close()
		}()

		d.log.Info("trigger: watching drop folder", slog.String("dir", d.opts.Dir))
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-d.watcher.Events:
				if !ok {
					return
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) {
					d.touch(ctx, event.Name)
				}
			case err, ok := <-d.watcher.Errors:
				if !ok {
					return
				}
				d.log.Warn("trigger: watcher error", slog.Any("error", err))
			}
		}
	})
}

// NextFile pops the oldest queued path that still exists.
func (d *DropFolder) NextFile(context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	for len(d.queue) > 0 {
		path := d.queue[0]
		d.queue = d.queue[1:]
		if isRegular(path) {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: nothing dropped in %q", ErrNoFile, d.opts.Dir)
}

// Pending reports how many settled paths are queued.
func (d *DropFolder) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// touch restarts the settle timer for path.
func (d *DropFolder) touch(ctx context.Context, path string) {
	if !candidate(filepath.Base(path)) {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	if timer, ok := d.pending[path]; ok {
		timer.Reset(d.opts.Settle)
		return
	}
	d.pending[path] = time.AfterFunc(d.opts.Settle, func() {
		d.settled(ctx, path)
	})
}

func (d *DropFolder) settled(ctx context.Context, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	delete(d.pending, path)
	if d.closed || ctx.Err() != nil || !isRegular(path) {
		return
	}
	d.queue = append(d.queue, path)
	if len(d.queue) > d.opts.QueueLimit {
		d.queue = d.queue[len(d.queue)-d.opts.QueueLimit:]
	}

	d.log.Info("trigger: file dropped", slog.String("path", path))
	select {
	case d.events <- coordinator.KindSend:
	default:
		d.log.Warn("trigger: event backlog full, file stays queued", slog.String("path", path))
	}
}

// Close stops the watcher. Run calls it on exit; it is safe to call twice.
func (d *DropFolder) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.mu.Lock()
		d.closed = true
		for path, timer := range d.pending {
			timer.Stop()
			delete(d.pending, path)
		}
		d.mu.Unlock()
		err = d.watcher.Close()
	})
	return err
}
