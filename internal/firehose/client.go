// Package firehose implements the Firehose XML-over-raw-bytes command
// channel (§4.3): configure/read/program/erase/power, VIP auth, and
// Xiaomi MiAuth, layered over the same SerialTransport Sahara used.
package firehose

import (
	"fmt"
	"io"
	"log"
	"strconv"
	"time"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/transport"
)

const (
	configureTimeout = 30 * time.Second
	rwTimeout        = 30 * time.Second
	eraseTimeout     = 120 * time.Second
	vipAuthTimeout   = 10 * time.Second

	defaultMaxPayload   = 1048576
	defaultSectorSizeUFS  = 4096
	defaultSectorSizeEMMC = 512

	maxDigestTableSizeInBytes = 2048
)

// Client drives the Firehose protocol over an already-open transport
// (handed off from Sahara once the programmer is running).
type Client struct {
	t transport.SerialTransport

	MemoryName string
	MaxPayload int
	SectorSize uint32

	logger func(string)
}

// NewClient wraps t. logger receives every `<log .../>` line the
// device emits; a nil logger discards them.
func NewClient(t transport.SerialTransport, logger func(string)) *Client {
	if logger == nil {
		logger = func(string) {}
	}
	return &Client{
		t:          t,
		MemoryName: "ufs",
		MaxPayload: defaultMaxPayload,
		SectorSize: defaultSectorSizeUFS,
		logger:     logger,
	}
}

func (c *Client) log(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	c.logger(msg)
	log.Print(msg)
}

// response is the parsed attribute set of a `<response .../>` element.
type response struct {
	attrs map[string]string
}

func (r response) ok() bool {
	return r.attrs["value"] == "ACK"
}

func (r response) get(key string) (string, bool) {
	v, ok := r.attrs[key]
	return v, ok
}

// sendCommand writes one self-closing command element wrapped in the
// `<?xml?><data>...</data>` envelope.
func (c *Client) sendCommand(tag string, attrs [][2]string) error {
	frame := wrapData(buildElement(tag, attrs))
	return c.t.Write(frame)
}

// awaitResponse reads Firehose frames (each bounded by `</data>`)
// until one contains a `<response .../>` element, forwarding any
// `<log .../>` elements it sees along the way, per §4.3's response
// parsing rule.
func (c *Client) awaitResponse(timeout time.Duration) (response, error) {
	deadline := time.Now().Add(timeout)
	sentinel := []byte("</data>")

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return response{}, fmt.Errorf("firehose response: %w", edlerr.ErrTimeout)
		}
		frame, err := c.t.ReadUntil(sentinel, remaining)
		if err != nil {
			return response{}, fmt.Errorf("firehose response: %w", err)
		}

		for _, el := range tokenizeElements(frame) {
			switch el.Tag {
			case "log":
				c.log("device: %s", el.Attrs["value"])
			case "response":
				return response{attrs: el.Attrs}, nil
			}
		}
		// Frame was log-only (or unrecognised); keep reading until the
		// deadline or a <response> arrives.
	}
}

// Configure issues `<configure>`, retrying once with MemoryName=emmc
// on NAK, then adopts the device's reported MaxPayload and queries
// sector size via getstorageinfo.
func (c *Client) Configure() error {
	if err := c.configureOnce(c.MemoryName); err != nil {
		if c.MemoryName != "emmc" {
			c.log("configure(%s) failed, retrying with emmc: %v", c.MemoryName, err)
			if err2 := c.configureOnce("emmc"); err2 != nil {
				return err2
			}
			c.MemoryName = "emmc"
		} else {
			return err
		}
	}

	size, err := c.GetStorageInfo(0)
	if err != nil {
		c.log("getstorageinfo failed, keeping default sector size: %v", err)
	} else if size != 0 {
		c.SectorSize = size
	} else if c.MemoryName == "emmc" {
		c.SectorSize = defaultSectorSizeEMMC
	}
	return nil
}

func (c *Client) configureOnce(memoryName string) error {
	attrs := [][2]string{
		{"MemoryName", memoryName},
		{"MaxPayloadSizeToTargetInBytes", strconv.Itoa(c.MaxPayload)},
		{"Verbose", "0"},
		{"AlwaysValidate", "0"},
		{"MaxDigestTableSizeInBytes", strconv.Itoa(maxDigestTableSizeInBytes)},
		{"ZlpAwareHost", "1"},
		{"SkipStorageInit", "0"},
	}
	if err := c.sendCommand("configure", attrs); err != nil {
		return fmt.Errorf("configure write: %w", err)
	}
	resp, err := c.awaitResponse(configureTimeout)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("configure(%s): %w", memoryName, edlerr.ErrProtocolViolation)
	}
	if v, ok := resp.get("MaxPayloadSizeToTargetInBytes"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.MaxPayload = n
		}
	}
	return nil
}

// GetStorageInfo queries the device's reported sector size for a
// physical partition (LUN); returns 0 if the device declines to
// report one.
func (c *Client) GetStorageInfo(physicalPartition int) (uint32, error) {
	attrs := [][2]string{{"physical_partition_number", strconv.Itoa(physicalPartition)}}
	if err := c.sendCommand("getstorageinfo", attrs); err != nil {
		return 0, fmt.Errorf("getstorageinfo write: %w", err)
	}
	resp, err := c.awaitResponse(rwTimeout)
	if err != nil {
		return 0, err
	}
	if !resp.ok() {
		return 0, nil
	}
	if v, ok := resp.get("SECTOR_SIZE_IN_BYTES"); ok {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return uint32(n), nil
		}
	}
	return 0, nil
}

// ReadParams names one read/program/erase target sector range, §4.3.
type ReadParams struct {
	StartSector  uint64
	NumSectors   uint64
	PhysicalPart int
	Filename     string
	Label        string
}

func (p ReadParams) attrs(sectorSize uint32, tag string) [][2]string {
	a := [][2]string{
		{"SECTOR_SIZE_IN_BYTES", strconv.Itoa(int(sectorSize))},
		{"num_partition_sectors", strconv.FormatUint(p.NumSectors, 10)},
		{"start_sector", strconv.FormatUint(p.StartSector, 10)},
		{"physical_partition_number", strconv.Itoa(p.PhysicalPart)},
	}
	if tag != "erase" {
		a = append(a, [2]string{"filename", p.Filename}, [2]string{"label", p.Label})
	}
	return a
}

// Read sends `<read>` and copies exactly NumSectors*SectorSize raw
// bytes into sink in MaxPayload-sized chunks before consuming the
// trailing response frame.
func (c *Client) Read(p ReadParams, sink io.Writer) error {
	if err := c.sendCommand("read", p.attrs(c.SectorSize, "read")); err != nil {
		return fmt.Errorf("read write: %w", err)
	}

	total := p.NumSectors * uint64(c.SectorSize)
	var got uint64
	for got < total {
		n := uint64(c.MaxPayload)
		if remaining := total - got; remaining < n {
			n = remaining
		}
		chunk, err := c.t.ReadExact(int(n), rwTimeout)
		if err != nil {
			return fmt.Errorf("read data at offset %d: %w", got, err)
		}
		if _, err := sink.Write(chunk); err != nil {
			return fmt.Errorf("read sink write: %w", err)
		}
		got += n
	}

	resp, err := c.awaitResponse(rwTimeout)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("read physical_partition=%d start=%d: %w", p.PhysicalPart, p.StartSector, edlerr.ErrProtocolViolation)
	}
	return nil
}

// Program sends `<program>` then streams exactly NumSectors*SectorSize
// bytes from src, zero-padding a short final chunk to a full sector.
func (c *Client) Program(p ReadParams, src io.Reader) error {
	if err := c.sendCommand("program", p.attrs(c.SectorSize, "program")); err != nil {
		return fmt.Errorf("program write: %w", err)
	}

	total := p.NumSectors * uint64(c.SectorSize)
	chunkSize := c.MaxPayload
	buf := make([]byte, chunkSize)
	var sent uint64
	for sent < total {
		want := chunkSize
		if remaining := total - sent; remaining < uint64(want) {
			want = int(remaining)
		}
		n, err := io.ReadFull(src, buf[:want])
		if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
			return fmt.Errorf("program source read at offset %d: %w", sent, err)
		}
		out := buf[:want]
		if n < want {
			for i := n; i < want; i++ {
				out[i] = 0
			}
		}
		if err := c.t.Write(out); err != nil {
			return fmt.Errorf("program write at offset %d: %w", sent, err)
		}
		sent += uint64(want)
	}

	resp, err := c.awaitResponse(rwTimeout)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("program physical_partition=%d start=%d: %w", p.PhysicalPart, p.StartSector, edlerr.ErrProtocolViolation)
	}
	return nil
}

// Erase sends `<erase>` with no payload transfer.
func (c *Client) Erase(p ReadParams) error {
	if err := c.sendCommand("erase", p.attrs(c.SectorSize, "erase")); err != nil {
		return fmt.Errorf("erase write: %w", err)
	}
	resp, err := c.awaitResponse(eraseTimeout)
	if err != nil {
		return err
	}
	if !resp.ok() {
		return fmt.Errorf("erase physical_partition=%d start=%d: %w", p.PhysicalPart, p.StartSector, edlerr.ErrProtocolViolation)
	}
	return nil
}

// Power sends `<power value="reset|off"/>`; the device does not
// necessarily ACK before cutting the link, so a response timeout is
// tolerated rather than treated as failure.
func (c *Client) Power(value string) error {
	if err := c.sendCommand("power", [][2]string{{"value", value}}); err != nil {
		return fmt.Errorf("power write: %w", err)
	}
	if _, err := c.awaitResponse(rwTimeout); err != nil {
		c.log("power(%s): no response before link drop (expected): %v", value, err)
		return nil
	}
	return nil
}
