package sahara

import (
	"encoding/binary"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/transport"
)

// State is one node of the §4.2 state machine.
type State int

const (
	StateStart State = iota
	StateAwaitHello
	StateHandshaking
	StateImageTransfer
	StateEndOfImage
	StateDone
	StateTerminalOk
	StateTerminalFail
)

func (s State) String() string {
	switch s {
	case StateStart:
		return "Start"
	case StateAwaitHello:
		return "AwaitHello"
	case StateHandshaking:
		return "Handshaking"
	case StateImageTransfer:
		return "ImageTransfer"
	case StateEndOfImage:
		return "EndOfImage"
	case StateDone:
		return "Done"
	case StateTerminalOk:
		return "Terminal{Ok}"
	case StateTerminalFail:
		return "Terminal{Fail}"
	default:
		return "Unknown"
	}
}

const (
	controlTimeout   = 5 * time.Second
	postDoneSettle   = 1500 * time.Millisecond
	maxCommandLen    = 0xFFFFFF
)

// ProgrammerSource supplies bytes from the selected Firehose
// programmer image on demand, honoring Sahara's non-sequential
// READ_DATA offsets (§4.2).
type ProgrammerSource interface {
	ReadAt(offset uint64, length uint64) ([]byte, error)
	Size() uint64
}

// Client drives the Sahara state machine over a SerialTransport to
// deliver a Programmer image and produce a DeviceFingerprint.
type Client struct {
	t      transport.SerialTransport
	state  State
	fp     DeviceFingerprint
	logger func(string)
}

// NewClient wraps t. logger receives human-readable trace lines, §6.
func NewClient(t transport.SerialTransport, logger func(string)) *Client {
	if logger == nil {
		logger = func(string) {}
	}
	return &Client{t: t, state: StateStart, logger: logger}
}

func (c *Client) log(format string, args ...interface{}) {
	line := fmt.Sprintf(format, args...)
	c.logger(line)
	log.Print(line)
}

// State returns the machine's current state.
func (c *Client) State() State { return c.state }

// Fingerprint returns the DeviceFingerprint populated so far. Only
// meaningful once the machine has passed StateHandshaking.
func (c *Client) Fingerprint() DeviceFingerprint { return c.fp }

func (c *Client) fail(err error) error {
	failedIn := c.state
	c.state = StateTerminalFail
	return fmt.Errorf("sahara failed in state %s: %w", failedIn, err)
}

func (c *Client) readPacket(timeout time.Duration) (Packet, error) {
	header, err := c.t.ReadExact(packetHeaderLen, timeout)
	if err != nil {
		return Packet{}, fmt.Errorf("read sahara header: %w", err)
	}
	command, totalLen, err := DecodeHeader(header)
	if err != nil {
		return Packet{}, err
	}
	payloadLen := totalLen - packetHeaderLen
	if payloadLen > maxCommandLen {
		return Packet{}, fmt.Errorf("sahara payload length %d implausible: %w", payloadLen, edlerr.ErrProtocolViolation)
	}
	var payload []byte
	if payloadLen > 0 {
		payload, err = c.t.ReadExact(int(payloadLen), timeout)
		if err != nil {
			return Packet{}, fmt.Errorf("read sahara payload: %w", err)
		}
	}
	return Packet{Command: command, Payload: payload}, nil
}

func (c *Client) writePacket(p Packet) error {
	return c.t.Write(p.Encode())
}

// Handshake runs Start → AwaitHello → Handshaking, populating the
// DeviceFingerprint from HELLO. Command-mode enrichment is a separate
// EnrichViaCommandMode call.
func (c *Client) Handshake() (DeviceFingerprint, error) {
	c.state = StateAwaitHello
	pkt, err := c.readPacket(controlTimeout)
	if err != nil {
		return c.fp, c.fail(err)
	}
	if pkt.Command != CmdHello {
		return c.fp, c.fail(fmt.Errorf("expected HELLO, got command 0x%x: %w", pkt.Command, edlerr.ErrProtocolViolation))
	}
	hello, err := ParseHello(pkt.Payload)
	if err != nil {
		return c.fp, c.fail(err)
	}
	if hello.Version < 1 {
		return c.fp, c.fail(fmt.Errorf("unsupported sahara version %d: %w", hello.Version, edlerr.ErrProtocolViolation))
	}
	if hello.Mode != 0 {
		return c.fp, c.fail(fmt.Errorf("unexpected HELLO mode %d (want image transfer): %w", hello.Mode, edlerr.ErrProtocolViolation))
	}

	c.fp.SaharaVersion = hello.Version
	c.fp.Is64Bit = hello.Reserved[0]&0x1 != 0
	c.fp.MsmID = fmt.Sprintf("%08x", hello.Reserved[1])
	c.fp.PkHash = fmt.Sprintf("%08x%08x", hello.Reserved[2], hello.Reserved[3])
	c.fp.ChipName = fmt.Sprintf("msm%08x", hello.Reserved[1])

	respVersion := hello.Version
	if respVersion > 3 {
		respVersion = 3
	}
	if respVersion < 2 {
		respVersion = 2
	}
	resp := BuildHelloResp(respVersion, 1, 0, 0)
	if err := c.writePacket(resp); err != nil {
		return c.fp, c.fail(fmt.Errorf("write HELLO_RESP: %w", err))
	}
	c.state = StateHandshaking
	c.log("sahara: handshake complete, version=%d pk_hash=%s", c.fp.SaharaVersion, c.fp.PkHash)
	return c.fp, nil
}

// EnrichViaCommandMode performs the optional command-mode dip (§4.2):
// COMMAND_SWITCH_MODE, the three EXECUTE reads, then back to image
// transfer mode. Each read's payload fills the fingerprint fields
// HELLO never carries (Serial, OemID, ModelID, StorageType); HELLO's
// own fields (ChipName, MsmID, PkHash, SaharaVersion, Is64Bit) stay
// authoritative per spec.md §9 and are never touched here. Failures
// here are swallowed — callers proceed with whatever HELLO supplied.
func (c *Client) EnrichViaCommandMode() {
	if c.state != StateHandshaking {
		return
	}
	if err := c.writePacket(Packet{Command: CmdCommandSwitchMode, Payload: []byte{1, 0, 0, 0}}); err != nil {
		c.log("sahara: command-mode switch failed, skipping enrichment: %v", err)
		return
	}
	for _, query := range []CommandModeReadType{ReadSerialNum, ReadMsmHwID, ReadOemPkHash} {
		data, err := c.readCommandModeData(query)
		if err != nil {
			c.log("sahara: command-mode read %d failed, continuing with HELLO data: %v", query, err)
			return
		}
		switch query {
		case ReadSerialNum:
			applySerialNumData(&c.fp, data)
		case ReadMsmHwID:
			applyMsmHwIDData(&c.fp, data)
		case ReadOemPkHash:
			applyOemPkHashData(&c.fp, data)
		}
	}
	_ = c.writePacket(Packet{Command: CmdCommandSwitchMode, Payload: []byte{0, 0, 0, 0}})
}

// readCommandModeData runs one EXECUTE/EXECUTE_RESP/EXECUTE_DATA
// round trip and returns the raw bytes the device reports for query.
func (c *Client) readCommandModeData(query CommandModeReadType) ([]byte, error) {
	if err := c.writePacket(BuildExecute(query)); err != nil {
		return nil, err
	}
	pkt, err := c.readPacket(controlTimeout)
	if err != nil {
		return nil, err
	}
	if pkt.Command != CmdExecuteResp {
		return nil, fmt.Errorf("expected EXECUTE_RESP, got 0x%x: %w", pkt.Command, edlerr.ErrProtocolViolation)
	}
	resp, err := ParseExecuteResp(pkt.Payload)
	if err != nil {
		return nil, err
	}
	if err := c.writePacket(BuildExecuteData(query)); err != nil {
		return nil, err
	}
	return c.t.ReadExact(int(resp.DataLength), controlTimeout)
}

// applySerialNumData unpacks ReadSerialNum's 4-byte LE serial number.
func applySerialNumData(fp *DeviceFingerprint, data []byte) {
	if len(data) < 4 {
		return
	}
	fp.Serial = fmt.Sprintf("%08x", binary.LittleEndian.Uint32(data[0:4]))
}

// applyMsmHwIDData unpacks ReadMsmHwID's {hw_id(4), oem_id(4),
// model_id(rest, NUL-padded ASCII)} payload into OemID/ModelID.
func applyMsmHwIDData(fp *DeviceFingerprint, data []byte) {
	if len(data) < 8 {
		return
	}
	fp.OemID = fmt.Sprintf("%08x", binary.LittleEndian.Uint32(data[4:8]))
	if len(data) > 8 {
		fp.ModelID = strings.TrimRight(string(data[8:]), "\x00")
	}
}

// applyOemPkHashData unpacks ReadOemPkHash's {pk_hash..., storage_type(1)}
// payload, keeping only the trailing storage-type byte (0=ufs,
// 1=emmc) — the hash itself is already covered by HELLO's PkHash.
func applyOemPkHashData(fp *DeviceFingerprint, data []byte) {
	if len(data) == 0 {
		return
	}
	switch data[len(data)-1] {
	case 0:
		fp.StorageType = "ufs"
	case 1:
		fp.StorageType = "emmc"
	}
}

// TransferImage drives ImageTransfer → EndOfImage → Done, serving src
// in response to READ_DATA/READ_DATA_64 requests until the device
// issues END_OF_IMAGE, then confirms DONE/DONE_RESP and waits for the
// Firehose programmer to become available.
func (c *Client) TransferImage(src ProgrammerSource) error {
	c.state = StateImageTransfer
	for {
		pkt, err := c.readPacket(controlTimeout)
		if err != nil {
			return c.fail(err)
		}

		switch pkt.Command {
		case CmdReadData, CmdReadData64:
			var req ReadDataRequest
			if pkt.Command == CmdReadData {
				req, err = ParseReadData(pkt.Payload)
			} else {
				req, err = ParseReadData64(pkt.Payload)
			}
			if err != nil {
				return c.fail(err)
			}
			data, err := src.ReadAt(req.Offset, req.Length)
			if err != nil {
				return c.fail(fmt.Errorf("read programmer at %d len %d: %w", req.Offset, req.Length, err))
			}
			if uint64(len(data)) != req.Length {
				return c.fail(fmt.Errorf("programmer short read: got %d want %d: %w", len(data), req.Length, edlerr.ErrIoError))
			}
			if err := c.t.Write(data); err != nil {
				return c.fail(fmt.Errorf("write image data: %w", err))
			}

		case CmdEndOfImage:
			imageID, status, err := EndOfImageStatus(pkt.Payload)
			if err != nil {
				return c.fail(err)
			}
			if status != 0 {
				return c.fail(fmt.Errorf("END_OF_IMAGE status %d for image %d: %w", status, imageID, edlerr.ErrProtocolViolation))
			}
			c.state = StateEndOfImage
			if err := c.writePacket(BuildDone()); err != nil {
				return c.fail(fmt.Errorf("write DONE: %w", err))
			}
			return c.awaitDoneResp()

		default:
			return c.fail(fmt.Errorf("unexpected command 0x%x during image transfer: %w", pkt.Command, edlerr.ErrProtocolViolation))
		}
	}
}

func (c *Client) awaitDoneResp() error {
	pkt, err := c.readPacket(controlTimeout)
	if err != nil {
		return c.fail(err)
	}
	if pkt.Command != CmdDoneResp {
		return c.fail(fmt.Errorf("expected DONE_RESP, got 0x%x: %w", pkt.Command, edlerr.ErrProtocolViolation))
	}
	status, err := DoneRespStatus(pkt.Payload)
	if err != nil {
		return c.fail(err)
	}
	if status != 0 {
		return c.fail(fmt.Errorf("DONE_RESP image_tx_status=%d: %w", status, edlerr.ErrProtocolViolation))
	}
	c.state = StateDone
	c.log("sahara: DONE_RESP ok, waiting %s for firehose to come up", postDoneSettle)
	time.Sleep(postDoneSettle)
	c.state = StateTerminalOk
	return nil
}
