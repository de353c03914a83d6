package transport

import (
	"fmt"

	"github.com/stanley-fork/qdlflash/internal/config"
)

// OpenFromConfig resolves and opens the SerialTransport backend
// selected by cfg.Transport. TransportAutoProbe tries the tty backend
// first (the common case: EDL presents as a CDC-ACM serial port) and
// falls back to raw USB bulk transfers for hosts where it doesn't.
func OpenFromConfig(cfg *config.SessionConfig) (SerialTransport, error) {
	switch cfg.Transport {
	case config.TransportTTY:
		return OpenTTY(cfg.PortName)
	case config.TransportUSBBulk:
		return OpenUSBBulk(cfg.PortName)
	case config.TransportAutoProbe, "":
		if t, err := OpenTTY(cfg.PortName); err == nil {
			return t, nil
		}
		t, err := OpenUSBBulk(cfg.PortName)
		if err != nil {
			return nil, fmt.Errorf("auto-probe transport: tty and usb both failed: %w", err)
		}
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport kind %q", cfg.Transport)
	}
}
