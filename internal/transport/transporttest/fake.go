// Package transporttest provides an in-memory SerialTransport double
// for exercising the Sahara and Firehose clients without real
// hardware.
package transporttest

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// Fake is a SerialTransport backed by two byte queues: ToDevice
// records everything the client under test writes, FromDevice is
// drained by ReadExact/ReadUntil in the order it was queued via Feed.
type Fake struct {
	mu         sync.Mutex
	ToDevice   bytes.Buffer
	fromDevice bytes.Buffer
	closed     bool
}

// Feed appends bytes to be returned by subsequent reads, simulating
// the device's side of the wire.
func (f *Fake) Feed(data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromDevice.Write(data)
}

func (f *Fake) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return fmt.Errorf("write on closed transport: %w", edlerr.ErrIoError)
	}
	f.ToDevice.Write(data)
	return nil
}

func (f *Fake) ReadExact(n int, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fromDevice.Len() < n {
		return nil, fmt.Errorf("fake read_exact: have %d want %d: %w", f.fromDevice.Len(), n, edlerr.ErrTimeout)
	}
	buf := make([]byte, n)
	f.fromDevice.Read(buf)
	return buf, nil
}

func (f *Fake) ReadUntil(sentinel []byte, _ time.Duration) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := bytes.Index(f.fromDevice.Bytes(), sentinel)
	if idx < 0 {
		return nil, fmt.Errorf("fake read_until: sentinel not buffered: %w", edlerr.ErrTimeout)
	}
	end := idx + len(sentinel)
	buf := make([]byte, end)
	f.fromDevice.Read(buf)
	return buf, nil
}

func (f *Fake) FlushInput() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fromDevice.Reset()
	return nil
}

func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}
