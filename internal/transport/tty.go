package transport

import (
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// TTYTransport is the default SerialTransport backend: a POSIX tty or
// Windows COM port at 115200-8N1, the encoding EDL mode's CDC-ACM
// enumeration presents on most hosts.
type TTYTransport struct {
	mu   sync.Mutex
	port serial.Port
	name string
}

var ttyMode = &serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// OpenTTY opens name with the 3-attempt/1s-backoff retry policy.
func OpenTTY(name string) (SerialTransport, error) {
	return open(name, openTTYOnce)
}

func openTTYOnce(name string) (SerialTransport, error) {
	port, err := serial.Open(name, ttyMode)
	if err != nil {
		return nil, err
	}
	if err := port.SetReadTimeout(DefaultTimeout); err != nil {
		port.Close()
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	return &TTYTransport{port: port, name: name}, nil
}

func (t *TTYTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.port.Write(data)
	if err != nil {
		return fmt.Errorf("tty write %s: %w", t.name, err)
	}
	if n != len(data) {
		return fmt.Errorf("tty short write %s: wrote %d of %d: %w", t.name, n, len(data), edlerr.ErrIoError)
	}
	return nil
}

func (t *TTYTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.port.SetReadTimeout(timeout); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	defer t.port.SetReadTimeout(DefaultTimeout)

	buf := make([]byte, 0, n)
	chunk := make([]byte, n)
	deadline := time.Now().Add(timeout)
	for len(buf) < n {
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("tty read_exact %s: got %d of %d: %w", t.name, len(buf), n, edlerr.ErrTimeout)
		}
		got, err := t.port.Read(chunk[:n-len(buf)])
		if got > 0 {
			buf = append(buf, chunk[:got]...)
		}
		if err != nil {
			return nil, fmt.Errorf("tty read_exact %s: %w", t.name, err)
		}
		if got == 0 {
			return nil, fmt.Errorf("tty read_exact %s: got %d of %d: %w", t.name, len(buf), n, edlerr.ErrTimeout)
		}
	}
	return buf, nil
}

func (t *TTYTransport) ReadUntil(sentinel []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.port.SetReadTimeout(200 * time.Millisecond); err != nil {
		return nil, fmt.Errorf("set read timeout: %w", err)
	}
	defer t.port.SetReadTimeout(DefaultTimeout)

	deadline := time.Now().Add(timeout)
	return readUntilFromReader(sentinel, deadline, t.port.Read)
}

func (t *TTYTransport) FlushInput() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.port.ResetInputBuffer(); err != nil {
		return fmt.Errorf("tty flush %s: %w", t.name, err)
	}
	return nil
}

func (t *TTYTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.port.Close()
}
