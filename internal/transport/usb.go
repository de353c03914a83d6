package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/gousb"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// Qualcomm EDL mode enumerates as a single bulk IN/OUT endpoint pair
// under this VID/PID on hosts where it doesn't present a CDC-ACM tty.
const (
	edlVendorID  = gousb.ID(0x05C6)
	edlProductID = gousb.ID(0x9008)

	edlEndpointOut = 0x01
	edlEndpointIn  = 0x81
)

// USBBulkTransport talks to a raw-USB EDL device node directly via
// libusb bulk transfers, bypassing the tty layer entirely. Grounded on
// the teacher's direct-USB ASIC backend: open by VID/PID, claim
// config+interface, resolve bulk endpoints, and read with a
// context-bounded timeout.
type USBBulkTransport struct {
	mu     sync.Mutex
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	epOut  *gousb.OutEndpoint
	epIn   *gousb.InEndpoint
}

// OpenUSBBulk opens the first EDL-mode device found, with the
// 3-attempt/1s-backoff retry policy. name is accepted for interface
// symmetry with OpenTTY but ignored: USB devices are addressed by
// VID/PID, not by a host-assigned name.
func OpenUSBBulk(name string) (SerialTransport, error) {
	return open(name, openUSBBulkOnce)
}

func openUSBBulkOnce(_ string) (SerialTransport, error) {
	ctx := gousb.NewContext()

	device, err := ctx.OpenDeviceWithVIDPID(edlVendorID, edlProductID)
	if err != nil {
		ctx.Close()
		return nil, fmt.Errorf("open EDL usb device: %w", err)
	}
	if device == nil {
		ctx.Close()
		return nil, fmt.Errorf("EDL usb device not found (VID:0x%04x PID:0x%04x)", uint16(edlVendorID), uint16(edlProductID))
	}

	config, err := device.Config(1)
	if err != nil {
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("set EDL usb config: %w", err)
	}

	intf, err := config.Interface(0, 0)
	if err != nil {
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("claim EDL usb interface: %w", err)
	}

	epOut, err := intf.OutEndpoint(edlEndpointOut)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open EDL usb OUT endpoint: %w", err)
	}

	epIn, err := intf.InEndpoint(edlEndpointIn)
	if err != nil {
		intf.Close()
		config.Close()
		device.Close()
		ctx.Close()
		return nil, fmt.Errorf("open EDL usb IN endpoint: %w", err)
	}

	return &USBBulkTransport{
		ctx:    ctx,
		device: device,
		config: config,
		intf:   intf,
		epOut:  epOut,
		epIn:   epIn,
	}, nil
}

func (t *USBBulkTransport) Write(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, err := t.epOut.Write(data)
	if err != nil {
		return fmt.Errorf("usb write: %w", err)
	}
	if n != len(data) {
		return fmt.Errorf("usb short write: wrote %d of %d: %w", n, len(data), edlerr.ErrIoError)
	}
	return nil
}

func (t *USBBulkTransport) ReadExact(n int, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	buf := make([]byte, 0, n)
	deadline := time.Now().Add(timeout)
	for len(buf) < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, fmt.Errorf("usb read_exact: got %d of %d: %w", len(buf), n, edlerr.ErrTimeout)
		}
		chunk := make([]byte, n-len(buf))
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		got, err := t.epIn.ReadContext(ctx, chunk)
		cancel()
		if got > 0 {
			buf = append(buf, chunk[:got]...)
		}
		if err != nil {
			return nil, fmt.Errorf("usb read_exact: %w", edlerr.ErrTimeout)
		}
	}
	return buf, nil
}

func (t *USBBulkTransport) ReadUntil(sentinel []byte, timeout time.Duration) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	deadline := time.Now().Add(timeout)
	return readUntilFromReader(sentinel, deadline, func(chunk []byte) (int, error) {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, edlerr.ErrTimeout
		}
		ctx, cancel := context.WithTimeout(context.Background(), remaining)
		defer cancel()
		n, err := t.epIn.ReadContext(ctx, chunk)
		return n, err
	})
}

func (t *USBBulkTransport) FlushInput() error {
	// gousb has no explicit input-buffer reset; draining with a short
	// timeout discards whatever is already queued on the IN endpoint.
	t.mu.Lock()
	defer t.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	buf := make([]byte, 4096)
	for {
		n, err := t.epIn.ReadContext(ctx, buf)
		if n == 0 || err != nil {
			return nil
		}
	}
}

func (t *USBBulkTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
