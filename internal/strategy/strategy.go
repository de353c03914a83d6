// Package strategy implements DeviceStrategy (§4.5): the vendor
// read/write "spoofing" variants layered over a configured
// firehose.Client — Standard, OPPO/Realme's restricted-sector
// waterfall, and Xiaomi's MiAuth-gated variant.
package strategy

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/gpt"
)

// gptProbeSectors covers the protective MBR, the primary header and a
// 128-entry, 128-byte entry array (2 + 32 sectors at 512B), rounded up
// to 64.
const gptProbeSectors = 64

const maxLun = 5

// AuthType selects which authentication variant a strategy runs
// before reads, mirroring the orchestrator's operator-selected mode.
type AuthType int

const (
	AuthStandard AuthType = iota
	AuthVip
	AuthXiaomi
)

// AuthContext carries the operator-supplied, opaque auth material.
// Digest/Signature are VIP blobs; XiaomiSig supplies Xiaomi's
// precomputed signature table. Neither is generated by this module
// (§1 Non-goals).
type AuthContext struct {
	Type      AuthType
	Digest    []byte
	Signature []byte
	XiaomiSig firehose.XiaomiSignature
	Log       func(string)
}

func (c AuthContext) log(format string, args ...any) {
	if c.Log != nil {
		c.Log(fmt.Sprintf(format, args...))
	}
}

// Progress reports bytes transferred so far for one partition.
type Progress func(written uint64)

// DeviceStrategy is the interface all three vendor variants implement.
type DeviceStrategy interface {
	ReadGpt(fh *firehose.Client) ([]gpt.Partition, error)
	ReadPartition(fh *firehose.Client, part gpt.Partition, sink io.Writer, progress Progress) error
	WritePartition(fh *firehose.Client, part gpt.Partition, source io.Reader, protectLun5 bool, progress Progress) error
	Authenticate(fh *firehose.Client, ctx AuthContext) (bool, error)
}

// readSectors issues one <read> for numSectors sectors of lun using
// the given filename/label pair and returns the raw bytes.
func readSectors(fh *firehose.Client, lun int, startSector, numSectors uint64, filename, label string) ([]byte, error) {
	var buf bytes.Buffer
	params := firehose.ReadParams{
		StartSector:  startSector,
		NumSectors:   numSectors,
		PhysicalPart: lun,
		Filename:     filename,
		Label:        label,
	}
	if err := fh.Read(params, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeSectors issues one <program> for numSectors sectors of lun
// using the given filename/label pair, streaming from src.
func writeSectors(fh *firehose.Client, lun int, startSector, numSectors uint64, filename, label string, src io.Reader) error {
	params := firehose.ReadParams{
		StartSector:  startSector,
		NumSectors:   numSectors,
		PhysicalPart: lun,
		Filename:     filename,
		Label:        label,
	}
	return fh.Program(params, src)
}

// partitionNames picks the filename/label a strategy should use for
// an ordinary (non-GPT-area) read or write: the flash-plan task's own
// Filename/Name when present, falling back to the area-specific
// fallback(lun) table only for the GPT read itself, where there is no
// task to name it.
func partitionNames(part gpt.Partition, fallback func(lun int) (filename, label string)) (filename, label string) {
	if part.Filename != "" {
		return part.Filename, part.Name
	}
	return fallback(int(part.Lun))
}

// partNamesPtr adapts partitionNames to OPPO's *namePair plumbing,
// returning nil when part carries no task-specific filename so the
// mode-probed GPT-area name table is used instead.
func partNamesPtr(part gpt.Partition) *namePair {
	if part.Filename == "" {
		return nil
	}
	return &namePair{filename: part.Filename, label: part.Name}
}

func checkLun5(part gpt.Partition, protectLun5 bool) error {
	if protectLun5 && part.Lun == 5 {
		return fmt.Errorf("write to lun 5 sector %d: %w", part.StartLBA, edlerr.ErrProtectedLun)
	}
	return nil
}

// authFailedIfSkipped reclassifies a protocol-violation response as
// AuthFailed when authentication was previously skipped for lack of
// operator-supplied blobs — §8 scenario 6: "a subsequent read that
// requires auth returns AuthFailed."
func authFailedIfSkipped(err error, authSkipped bool) error {
	if err == nil || !authSkipped {
		return err
	}
	if errors.Is(err, edlerr.ErrProtocolViolation) {
		return fmt.Errorf("%w (auth was skipped earlier)", edlerr.ErrAuthFailed)
	}
	return err
}

// authenticateCommon implements the auth dispatch shared by all three
// strategies: Standard never authenticates, Vip streams digest/
// signature if present (or logs and skips if absent), Xiaomi runs
// MiAuth. Returns whether auth was skipped, for authFailedIfSkipped.
func authenticateCommon(fh *firehose.Client, ctx AuthContext) (ok bool, skipped bool, err error) {
	switch ctx.Type {
	case AuthVip:
		if len(ctx.Digest) == 0 || len(ctx.Signature) == 0 {
			ctx.log("vip auth requested but digest/signature blobs are missing; proceeding without auth")
			return true, true, nil
		}
		ok, err := fh.PerformVipAuth(ctx.Digest, ctx.Signature)
		return ok, false, err
	case AuthXiaomi:
		if ctx.XiaomiSig == nil {
			ctx.log("xiaomi auth requested but no signature table supplied; proceeding without auth")
			return true, true, nil
		}
		if err := fh.XiaomiMiAuth(ctx.XiaomiSig); err != nil {
			return false, false, err
		}
		return true, false, nil
	default:
		return true, false, nil
	}
}

// firstPartitionName returns the name of the partition with the
// lowest StartLBA among parts belonging to lun, the "first real
// partition" name the OPPO gap probe needs (§4.5).
func firstPartitionName(parts []gpt.Partition, lun uint8) (string, bool) {
	var best *gpt.Partition
	for i := range parts {
		if parts[i].Lun != lun {
			continue
		}
		if best == nil || parts[i].StartLBA < best.StartLBA {
			best = &parts[i]
		}
	}
	if best == nil {
		return "", false
	}
	return best.Name, true
}
