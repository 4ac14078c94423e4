// Package trigger supplies SEND/RECEIVE events and the files to send.
package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gesturedrop/coordinator"
)

// ErrNoFile indicates a file source had nothing to offer.
var ErrNoFile = errors.New("trigger: no file available")

// Target receives events; *coordinator.Coordinator satisfies it.
type Target interface {
	Trigger(ctx context.Context, kind coordinator.Kind) coordinator.Decision
}

// Dispatch forwards events to target until ctx is done or events closes.
func Dispatch(ctx context.Context, events <-chan coordinator.Kind, target Target, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case kind, ok := <-events:
			if !ok {
				return
			}
			decision := target.Trigger(ctx, kind)
			if decision != coordinator.Accepted {
				logger.Debug("trigger: event not accepted",
					slog.String("event", kind.String()),
					slog.String("decision", decision.String()))
			}
		}
	}
}

// StaticFile always offers the same path.
type StaticFile string

// NextFile returns the path if it names a regular file.
func (s StaticFile) NextFile(context.Context) (string, error) {
	path := string(s)
	if path == "" {
		return "", ErrNoFile
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrNoFile, err)
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %q is not a regular file", ErrNoFile, path)
	}
	return path, nil
}

// LatestFile offers the most recently modified regular file in a directory,
// the way a capture tool leaves its newest shot on top.
type LatestFile string

// NextFile scans the directory. Hidden and partial files are skipped.
func (l LatestFile) NextFile(context.Context) (string, error) {
	dir := string(l)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", fmt.Errorf("%w: read %q: %w", ErrNoFile, dir, err)
	}

	var (
		newest     string
		newestTime time.Time
	)
	for _, entry := range entries {
		if !candidate(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		if newest == "" || info.ModTime().After(newestTime) {
			newest = filepath.Join(dir, entry.Name())
			newestTime = info.ModTime()
		}
	}
	if newest == "" {
		return "", fmt.Errorf("%w: %q is empty", ErrNoFile, dir)
	}
	return newest, nil
}

// candidate filters names written by editors and downloaders in progress.
func candidate(name string) bool {
	if name == "" || strings.HasPrefix(name, ".") || strings.HasSuffix(name, "~") {
		return false
	}
	switch strings.ToLower(filepath.Ext(name)) {
	case ".part", ".tmp", ".crdownload":
		return false
	}
	return true
}

func isRegular(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
