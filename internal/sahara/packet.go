// Package sahara implements the Sahara state machine (§4.2): the
// little-endian packet protocol a Qualcomm primary boot loader speaks
// while it requests a Firehose programmer image from the host.
package sahara

import (
	"encoding/binary"
	"fmt"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// Command IDs, §4.2.
const (
	CmdHello             uint32 = 0x01
	CmdHelloResp         uint32 = 0x02
	CmdReadData          uint32 = 0x03
	CmdEndOfImage        uint32 = 0x04
	CmdDone              uint32 = 0x05
	CmdDoneResp          uint32 = 0x06
	CmdReset             uint32 = 0x07
	CmdMemoryDebug       uint32 = 0x09
	CmdExecute           uint32 = 0x0D
	CmdExecuteResp       uint32 = 0x0E
	CmdExecuteData       uint32 = 0x0F
	CmdCommandSwitchMode uint32 = 0x0B
	CmdReadData64        uint32 = 0x12
)

const packetHeaderLen = 8 // command(4) + length(4)

// Packet is a decoded Sahara frame: {command, length, payload}.
// length is the *total* wire length including the 8-byte header, per
// §4.2's "{u32 command, u32 length, payload[length-8]}".
type Packet struct {
	Command uint32
	Payload []byte
}

// Encode serializes p to its little-endian wire form.
func (p Packet) Encode() []byte {
	total := packetHeaderLen + len(p.Payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], p.Command)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(total))
	copy(buf[8:], p.Payload)
	return buf
}

// DecodeHeader reads just the command+length fields from an 8-byte
// buffer, used to learn how many more bytes ReadExact must pull for
// the payload.
func DecodeHeader(header []byte) (command uint32, totalLen uint32, err error) {
	if len(header) < packetHeaderLen {
		return 0, 0, fmt.Errorf("sahara header short: got %d bytes: %w", len(header), edlerr.ErrProtocolViolation)
	}
	command = binary.LittleEndian.Uint32(header[0:4])
	totalLen = binary.LittleEndian.Uint32(header[4:8])
	if totalLen < packetHeaderLen {
		return 0, 0, fmt.Errorf("sahara length field %d shorter than header: %w", totalLen, edlerr.ErrProtocolViolation)
	}
	return command, totalLen, nil
}

// HelloPayload is HELLO's fixed-layout body as sent by the device.
type HelloPayload struct {
	Version     uint32
	MinVersion  uint32
	MaxCmdLen   uint32
	Mode        uint32
	Reserved    [6]uint32
}

func ParseHello(payload []byte) (HelloPayload, error) {
	var h HelloPayload
	if len(payload) < 40 {
		return h, fmt.Errorf("sahara HELLO payload short: got %d bytes: %w", len(payload), edlerr.ErrProtocolViolation)
	}
	h.Version = binary.LittleEndian.Uint32(payload[0:4])
	h.MinVersion = binary.LittleEndian.Uint32(payload[4:8])
	h.MaxCmdLen = binary.LittleEndian.Uint32(payload[8:12])
	h.Mode = binary.LittleEndian.Uint32(payload[12:16])
	for i := 0; i < 6; i++ {
		h.Reserved[i] = binary.LittleEndian.Uint32(payload[16+i*4 : 20+i*4])
	}
	return h, nil
}

// BuildHelloResp encodes the HELLO_RESP reply, §4.2
// "AwaitHello → Handshaking".
func BuildHelloResp(version, minVersion, status, mode uint32) Packet {
	payload := make([]byte, 40)
	binary.LittleEndian.PutUint32(payload[0:4], version)
	binary.LittleEndian.PutUint32(payload[4:8], minVersion)
	binary.LittleEndian.PutUint32(payload[8:12], status)
	binary.LittleEndian.PutUint32(payload[12:16], mode)
	// remaining 24 bytes (6 reserved u32 fields) stay zero.
	return Packet{Command: CmdHelloResp, Payload: payload}
}

// ReadDataRequest is the device's request for image bytes during
// ImageTransfer, carried by both READ_DATA and READ_DATA_64.
type ReadDataRequest struct {
	ImageID uint32
	Offset  uint64
	Length  uint64
}

// ParseReadData decodes a READ_DATA (32-bit offset/length) payload.
func ParseReadData(payload []byte) (ReadDataRequest, error) {
	if len(payload) < 12 {
		return ReadDataRequest{}, fmt.Errorf("sahara READ_DATA payload short: %w", edlerr.ErrProtocolViolation)
	}
	return ReadDataRequest{
		ImageID: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  uint64(binary.LittleEndian.Uint32(payload[4:8])),
		Length:  uint64(binary.LittleEndian.Uint32(payload[8:12])),
	}, nil
}

// ParseReadData64 decodes a READ_DATA_64 (64-bit offset/length) payload.
func ParseReadData64(payload []byte) (ReadDataRequest, error) {
	if len(payload) < 20 {
		return ReadDataRequest{}, fmt.Errorf("sahara READ_DATA_64 payload short: %w", edlerr.ErrProtocolViolation)
	}
	return ReadDataRequest{
		ImageID: binary.LittleEndian.Uint32(payload[0:4]),
		Offset:  binary.LittleEndian.Uint64(payload[4:12]),
		Length:  binary.LittleEndian.Uint64(payload[12:20]),
	}, nil
}

// EndOfImageStatus decodes END_OF_IMAGE's status field.
func EndOfImageStatus(payload []byte) (imageID uint32, status uint32, err error) {
	if len(payload) < 8 {
		return 0, 0, fmt.Errorf("sahara END_OF_IMAGE payload short: %w", edlerr.ErrProtocolViolation)
	}
	return binary.LittleEndian.Uint32(payload[0:4]), binary.LittleEndian.Uint32(payload[4:8]), nil
}

// BuildDone encodes the DONE command.
func BuildDone() Packet {
	return Packet{Command: CmdDone, Payload: nil}
}

// DoneRespStatus decodes DONE_RESP's image_tx_status field.
func DoneRespStatus(payload []byte) (status uint32, err error) {
	if len(payload) < 4 {
		return 0, fmt.Errorf("sahara DONE_RESP payload short: %w", edlerr.ErrProtocolViolation)
	}
	return binary.LittleEndian.Uint32(payload[0:4]), nil
}

// CommandModeReadType enumerates the EXECUTE command-mode queries used
// for best-effort fingerprint enrichment, §4.2.
type CommandModeReadType uint32

const (
	ReadSerialNum CommandModeReadType = 1
	ReadMsmHwID   CommandModeReadType = 2
	ReadOemPkHash CommandModeReadType = 3
)

// BuildExecute encodes an EXECUTE request for the given command-mode
// query.
func BuildExecute(clientCommand CommandModeReadType) Packet {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(clientCommand))
	return Packet{Command: CmdExecute, Payload: payload}
}

// ExecuteResp is EXECUTE_RESP's fixed header: which command-mode query
// it answers and how many raw bytes EXECUTE_DATA will return.
type ExecuteResp struct {
	ClientCommand CommandModeReadType
	DataLength    uint32
}

// ParseExecuteResp decodes an EXECUTE_RESP payload.
func ParseExecuteResp(payload []byte) (ExecuteResp, error) {
	if len(payload) < 8 {
		return ExecuteResp{}, fmt.Errorf("sahara EXECUTE_RESP payload short: %w", edlerr.ErrProtocolViolation)
	}
	return ExecuteResp{
		ClientCommand: CommandModeReadType(binary.LittleEndian.Uint32(payload[0:4])),
		DataLength:    binary.LittleEndian.Uint32(payload[4:8]),
	}, nil
}

// BuildExecuteData encodes the EXECUTE_DATA request that pulls the
// raw bytes EXECUTE_RESP promised for clientCommand; the device
// replies with exactly DataLength raw bytes, not a framed packet.
func BuildExecuteData(clientCommand CommandModeReadType) Packet {
	payload := make([]byte, 4)
	binary.LittleEndian.PutUint32(payload, uint32(clientCommand))
	return Packet{Command: CmdExecuteData, Payload: payload}
}
