// Package transport implements the byte-stream layer (§4.1) shared by
// Sahara and Firehose: a single-consumer, timeout-bounded serial
// connection opened with a retry policy, plus length- and
// sentinel-delimited reads for the two wire protocols layered on top.
package transport

import (
	"fmt"
	"time"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

const (
	// DefaultTimeout matches spec.md §4.1's 5-second read/write timeout.
	DefaultTimeout = 5 * time.Second

	openRetries    = 3
	openRetryDelay = 1 * time.Second
)

// SerialTransport is the byte-stream abstraction both SaharaClient and
// FirehoseClient drive. Exactly one client holds it at a time; see
// spec.md §5.
type SerialTransport interface {
	// Write submits bytes for transmission. Blocking; returns once the
	// backend accepts the buffer.
	Write(data []byte) error

	// ReadExact blocks until exactly n bytes arrive or timeout elapses,
	// returning edlerr.ErrTimeout on a short read.
	ReadExact(n int, timeout time.Duration) ([]byte, error)

	// ReadUntil reads bytes until sentinel has been seen (inclusive),
	// or timeout elapses. Used for Firehose's "</data>" terminator.
	ReadUntil(sentinel []byte, timeout time.Duration) ([]byte, error)

	// FlushInput discards any bytes queued for reading.
	FlushInput() error

	// Close releases the underlying port.
	Close() error
}

// openFunc attempts a single connection to name and returns an open
// SerialTransport or an error. Backends plug into open via this hook
// so the 3-attempt/1s-backoff retry policy lives in one place.
type openFunc func(name string) (SerialTransport, error)

// open retries fn up to openRetries times with openRetryDelay between
// attempts, surfacing edlerr.ErrDeviceUnavailable after exhaustion.
// This is the retry policy spec.md §4.1 assigns to "open".
func open(name string, fn openFunc) (SerialTransport, error) {
	var lastErr error
	for attempt := 1; attempt <= openRetries; attempt++ {
		t, err := fn(name)
		if err == nil {
			return t, nil
		}
		lastErr = err
		if attempt < openRetries {
			time.Sleep(openRetryDelay)
		}
	}
	return nil, fmt.Errorf("open %q after %d attempts: %w: %v", name, openRetries, edlerr.ErrDeviceUnavailable, lastErr)
}

// readUntilFromReader is the backend-agnostic sentinel scanner shared
// by both transport implementations: it pulls from readChunk in small
// increments until sentinel appears in the accumulated buffer or the
// deadline passes.
func readUntilFromReader(sentinel []byte, deadline time.Time, readChunk func(buf []byte) (int, error)) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 4096)
	for {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("read until sentinel: %w", edlerr.ErrTimeout)
		}
		n, err := readChunk(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			if idx := indexOf(buf, sentinel); idx >= 0 {
				return buf[:idx+len(sentinel)], nil
			}
		}
		if err != nil {
			return nil, fmt.Errorf("read until sentinel: %w", err)
		}
	}
}

func indexOf(haystack, needle []byte) int {
	if len(needle) == 0 || len(haystack) < len(needle) {
		return -1
	}
	for i := 0; i+len(needle) <= len(haystack); i++ {
		match := true
		for j := range needle {
			if haystack[i+j] != needle[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}
