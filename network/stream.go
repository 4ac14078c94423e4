package network

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gesturedrop/models"
)

// DefaultIOTimeout bounds each header or chunk read/write.
const DefaultIOTimeout = 30 * time.Second

type tuning struct {
	chunkSize int
	ioTimeout time.Duration
}

func (t tuning) withDefaults() tuning {
	out := t
	if out.chunkSize <= 0 {
		out.chunkSize = DefaultChunkSize
	}
	if out.ioTimeout <= 0 {
		out.ioTimeout = DefaultIOTimeout
	}
	return out
}

// streamFile writes the header and then exactly h.Size bytes from src.
func streamFile(conn net.Conn, src io.Reader, h Header, tune tuning, pump *progressPump, t *models.Transfer) error {
	if err := conn.SetWriteDeadline(time.Now().Add(tune.ioTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", streamErr(err))
	}
	if err := WriteHeader(conn, h); err != nil {
		return err
	}

	total := int64(h.Size)
	digest := newDigest()
	buf := make([]byte, tune.chunkSize)
	body := io.LimitReader(src, total)

	var sent int64
	for sent < total {
		n, readErr := body.Read(buf)
		if n > 0 {
			if err := conn.SetWriteDeadline(time.Now().Add(tune.ioTimeout)); err != nil {
				return fmt.Errorf("set write deadline: %w", streamErr(err))
			}
			if _, err := conn.Write(buf[:n]); err != nil {
				return fmt.Errorf("write body at byte %d: %w: %w", sent, streamErr(err), err)
			}
			_, _ = digest.Write(buf[:n])
			sent += int64(n)
			pump.report(Progress{
				TransferID: t.TransferID,
				Direction:  t.Direction,
				Peer:       t.PeerAddress,
				Filename:   h.Filename,
				Done:       sent,
				Total:      total,
			})
		}
		if errors.Is(readErr, io.EOF) {
			break
		}
		if readErr != nil {
			return fmt.Errorf("%w: read source: %w", ErrIOFailure, readErr)
		}
	}
	if sent != total {
		return fmt.Errorf("%w: source ended after %d of %d bytes", ErrIOFailure, sent, total)
	}

	t.Digest = digestHex(digest)
	return nil
}

type receiveConfig struct {
	tuning
	dir         string
	localIP     net.IP
	policy      Policy
	maxFileSize int64
	now         func() time.Time
	logger      *slog.Logger
}

// receiveFile validates the remote endpoint, buffers the whole body and only
// then writes it under dir. Nothing is written on any failure. The buffer
// grows with the bytes that actually arrive, never with the announced size.
func receiveFile(conn net.Conn, cfg receiveConfig, pump *progressPump, t *models.Transfer) error {
	remote := remoteIP(conn.RemoteAddr())
	if !cfg.policy.admit(cfg.logger, cfg.localIP, remote) {
		return fmt.Errorf("%w: %v is not on the subnet of %v", ErrPeerRejected, remote, cfg.localIP)
	}

	h, err := ReadHeaderWithTimeout(conn, cfg.ioTimeout)
	if err != nil {
		return err
	}
	t.Filename = h.Filename
	t.Filesize = int64(min(h.Size, math.MaxInt64))

	limit := uint64(math.MaxInt64)
	if cfg.maxFileSize > 0 {
		limit = uint64(cfg.maxFileSize)
	}
	if h.Size > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrFileTooLarge, h.Size, limit)
	}

	var body bytes.Buffer
	chunk := make([]byte, cfg.chunkSize)
	digest := newDigest()

	var received uint64
	for received < h.Size {
		n := uint64(len(chunk))
		if remaining := h.Size - received; remaining < n {
			n = remaining
		}
		if err := conn.SetReadDeadline(time.Now().Add(cfg.ioTimeout)); err != nil {
			return fmt.Errorf("set read deadline: %w", streamErr(err))
		}
		got, err := io.ReadFull(conn, chunk[:n])
		if err != nil {
			return fmt.Errorf("read body: %w: received %d of %d bytes: %w", streamErr(err), received+uint64(got), h.Size, err)
		}
		_, _ = body.Write(chunk[:n])
		_, _ = digest.Write(chunk[:n])
		received += n
		pump.report(Progress{
			TransferID: t.TransferID,
			Direction:  t.Direction,
			Peer:       t.PeerAddress,
			Filename:   h.Filename,
			Done:       int64(received),
			Total:      t.Filesize,
		})
	}

	path, err := persist(cfg.dir, cfg.now(), h.Filename, body.Bytes())
	if err != nil {
		return err
	}
	t.StoredPath = path
	t.Digest = digestHex(digest)
	return nil
}

// persist writes data as "<unix>_<base name>" under dir, adding a counter on
// collision. A failed write removes the file.
func persist(dir string, now time.Time, filename string, data []byte) (string, error) {
	base := safeBaseName(filename)
	stamp := strconv.FormatInt(now.Unix(), 10)

	for attempt := 0; attempt < 100; attempt++ {
		name := stamp + "_" + base
		if attempt > 0 {
			name = stamp + "_" + strconv.Itoa(attempt) + "_" + base
		}
		path := filepath.Join(dir, name)

		file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("%w: create %q: %w", ErrIOFailure, path, err)
		}

		if _, err := file.Write(data); err != nil {
			_ = file.Close()
			_ = os.Remove(path)
			return "", fmt.Errorf("%w: write %q: %w", ErrIOFailure, path, err)
		}
		if err := file.Close(); err != nil {
			_ = os.Remove(path)
			return "", fmt.Errorf("%w: close %q: %w", ErrIOFailure, path, err)
		}
		return path, nil
	}
	return "", fmt.Errorf("%w: no free name for %q in %q", ErrIOFailure, base, dir)
}

func safeBaseName(filename string) string {
	base := filepath.Base(strings.ReplaceAll(filename, "\\", "/"))
	switch base {
	case "", ".", "..", "/":
		return "file.bin"
	}
	return base
}
