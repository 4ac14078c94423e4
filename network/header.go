package network

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"time"
	"unicode/utf8"
)

const (
	// MaxFilenameLength bounds the filename field of a header.
	MaxFilenameLength = 4096
	// DefaultChunkSize is the body streaming unit.
	DefaultChunkSize = 64 * 1024

	lengthFieldSize = 4
	sizeFieldSize   = 8
)

// Header precedes the file body on the wire:
// uint32 LE name length, name bytes (UTF-8), uint64 LE file size.
type Header struct {
	Filename string
	Size     uint64
}

// MarshalBinary encodes the header.
func (h Header) MarshalBinary() ([]byte, error) {
	if err := validateFilename(h.Filename); err != nil {
		return nil, err
	}

	out := make([]byte, lengthFieldSize+len(h.Filename)+sizeFieldSize)
	binary.LittleEndian.PutUint32(out, uint32(len(h.Filename)))
	copy(out[lengthFieldSize:], h.Filename)
	binary.LittleEndian.PutUint64(out[lengthFieldSize+len(h.Filename):], h.Size)
	return out, nil
}

// UnmarshalBinary decodes a header that occupies all of data.
func (h *Header) UnmarshalBinary(data []byte) error {
	if len(data) < lengthFieldSize+sizeFieldSize {
		return fmt.Errorf("%w: %d bytes is too short", ErrInvalidHeader, len(data))
	}
	nameLen := int(binary.LittleEndian.Uint32(data))
	if nameLen > MaxFilenameLength || len(data) != lengthFieldSize+nameLen+sizeFieldSize {
		return fmt.Errorf("%w: filename length %d does not match %d bytes", ErrInvalidHeader, nameLen, len(data))
	}

	name := data[lengthFieldSize : lengthFieldSize+nameLen]
	if !utf8.Valid(name) {
		return fmt.Errorf("%w: filename is not UTF-8", ErrInvalidHeader)
	}
	h.Filename = string(name)
	h.Size = binary.LittleEndian.Uint64(data[lengthFieldSize+nameLen:])
	return nil
}

// WriteHeader writes one encoded header.
func WriteHeader(w io.Writer, h Header) error {
	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	if _, err := w.Write(raw); err != nil {
		return fmt.Errorf("write header: %w", streamErr(err))
	}
	return nil
}

// ReadHeader reads one header field by field.
func ReadHeader(r io.Reader) (Header, error) {
	rawLen, err := ReadExact(r, lengthFieldSize)
	if err != nil {
		return Header{}, fmt.Errorf("read filename length: %w", err)
	}

	nameLen := binary.LittleEndian.Uint32(rawLen)
	if nameLen > MaxFilenameLength {
		return Header{}, fmt.Errorf("%w: filename length %d exceeds %d", ErrInvalidHeader, nameLen, MaxFilenameLength)
	}

	name, err := ReadExact(r, int(nameLen))
	if err != nil {
		return Header{}, fmt.Errorf("read filename: %w", err)
	}
	if !utf8.Valid(name) {
		return Header{}, fmt.Errorf("%w: filename is not UTF-8", ErrInvalidHeader)
	}

	rawSize, err := ReadExact(r, sizeFieldSize)
	if err != nil {
		return Header{}, fmt.Errorf("read file size: %w", err)
	}

	return Header{
		Filename: string(name),
		Size:     binary.LittleEndian.Uint64(rawSize),
	}, nil
}

// ReadHeaderWithTimeout reads a header with an optional read deadline.
func ReadHeaderWithTimeout(conn net.Conn, timeout time.Duration) (Header, error) {
	if timeout > 0 {
		if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return Header{}, fmt.Errorf("set read deadline: %w", streamErr(err))
		}
		defer func() {
			_ = conn.SetReadDeadline(time.Time{})
		}()
	}
	return ReadHeader(conn)
}

// ReadExact reads exactly n bytes. A short read is ErrDisconnected, never a
// retry condition.
func ReadExact(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if n == 0 {
		return buf, nil
	}
	got, err := io.ReadFull(r, buf)
	if err != nil {
		return nil, fmt.Errorf("%w: read %d of %d bytes: %w", streamErr(err), got, n, err)
	}
	return buf, nil
}

func validateFilename(name string) error {
	if name == "" {
		return fmt.Errorf("%w: empty filename", ErrInvalidHeader)
	}
	if len(name) > MaxFilenameLength {
		return fmt.Errorf("%w: filename length %d exceeds %d", ErrInvalidHeader, len(name), MaxFilenameLength)
	}
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: filename is not UTF-8", ErrInvalidHeader)
	}
	return nil
}
