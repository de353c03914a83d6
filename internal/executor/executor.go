// Package executor drives a DeviceStrategy over a parsed flash plan,
// aggregating progress and honoring cancellation and the LUN5
// protection policy (§4.7).
package executor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/flashplan"
	"github.com/stanley-fork/qdlflash/internal/gpt"
	"github.com/stanley-fork/qdlflash/internal/strategy"
)

// ProgressEvent reports bytes transferred for the task at TaskIndex.
// Per §5, events for one task are monotonically non-decreasing.
type ProgressEvent struct {
	TaskIndex    int
	Label        string
	CurrentBytes uint64
	TotalBytes   uint64
}

// Result is the aggregate outcome of Execute, §4.7.
type Result struct {
	Written    int
	Failed     int
	FirstError error
}

// Executor drives Strategy over a task list issued through Firehose.
type Executor struct {
	Firehose *firehose.Client
	Strategy strategy.DeviceStrategy
	Logger   func(string)
}

func New(fh *firehose.Client, strat strategy.DeviceStrategy, logger func(string)) *Executor {
	if logger == nil {
		logger = func(string) {}
	}
	return &Executor{Firehose: fh, Strategy: strat, Logger: logger}
}

func cancelled(cancel <-chan struct{}) bool {
	if cancel == nil {
		return false
	}
	select {
	case <-cancel:
		return true
	default:
		return false
	}
}

// Execute iterates tasks in plan order, writing each through Strategy.
// On the first task failure the remaining plan is abandoned and the
// partial aggregate is returned alongside the failing error. Patches
// are applied only once every program task has succeeded. If
// resetAfter is set, a `power("reset")` is issued once everything
// else completes.
func (e *Executor) Execute(tasks []flashplan.FlashTask, protectLun5 bool, patches []flashplan.PatchOp, cancel <-chan struct{}, progress func(ProgressEvent), resetAfter bool) (Result, error) {
	var result Result

	for i, task := range tasks {
		if cancelled(cancel) {
			err := fmt.Errorf("flash cancelled before task %d (%s): %w", i, task.Label, edlerr.ErrCancelled)
			result.Failed++
			result.FirstError = err
			return result, err
		}

		if err := e.runTask(i, task, protectLun5, progress); err != nil {
			result.Failed++
			result.FirstError = err
			return result, err
		}
		result.Written++
	}

	for _, patch := range patches {
		if cancelled(cancel) {
			err := fmt.Errorf("flash cancelled before patch lun=%d sector=%d: %w", patch.PhysicalPartition, patch.StartSector, edlerr.ErrCancelled)
			result.FirstError = err
			return result, err
		}
		if err := e.applyPatch(patch); err != nil {
			result.FirstError = err
			return result, err
		}
	}

	if resetAfter {
		if err := e.Firehose.Power("reset"); err != nil {
			e.Logger(fmt.Sprintf("power reset after flash: %v", err))
		}
	}

	return result, nil
}

func (e *Executor) runTask(index int, task flashplan.FlashTask, protectLun5 bool, progress func(ProgressEvent)) error {
	f, err := os.Open(task.SourcePath)
	if err != nil {
		return fmt.Errorf("open %s: %w", task.SourcePath, err)
	}
	defer f.Close()

	sectorSize := task.SectorSizeInBytes
	if sectorSize == 0 {
		sectorSize = e.Firehose.SectorSize
	}
	part := gpt.Partition{
		Lun:        uint8(task.PhysicalPartition),
		StartLBA:   task.StartSector,
		Sectors:    task.NumPartitionSectors,
		SectorSize: sectorSize,
		Name:       task.Label,
		Filename:   task.Filename,
	}
	total := part.SizeBytes()

	var wrap func(uint64)
	if progress != nil {
		wrap = func(written uint64) {
			progress(ProgressEvent{TaskIndex: index, Label: task.Label, CurrentBytes: written, TotalBytes: total})
		}
	}

	if err := e.Strategy.WritePartition(e.Firehose, part, f, protectLun5, wrap); err != nil {
		return fmt.Errorf("program task %d (%s) lun=%d start=%d: %w", index, task.Label, task.PhysicalPartition, task.StartSector, err)
	}
	return nil
}

// applyPatch performs the read-modify-write described in §4.6: read
// the sector containing byte_offset, overwrite size_in_bytes bytes at
// that offset with either the literal value or a freshly computed
// CRC32 over the referenced range, and write the sector back.
func (e *Executor) applyPatch(p flashplan.PatchOp) error {
	sectorSize := p.SectorSizeInBytes
	if sectorSize == 0 {
		sectorSize = e.Firehose.SectorSize
	}
	part := gpt.Partition{
		Lun:        uint8(p.PhysicalPartition),
		StartLBA:   p.StartSector,
		Sectors:    1,
		SectorSize: sectorSize,
		Name:       "DISK",
		Filename:   "DISK",
	}

	var buf bytes.Buffer
	if err := e.Strategy.ReadPartition(e.Firehose, part, &buf, nil); err != nil {
		return fmt.Errorf("patch read lun=%d sector=%d: %w", p.PhysicalPartition, p.StartSector, err)
	}
	sector := buf.Bytes()
	if uint64(len(sector)) < p.ByteOffset+p.SizeInBytes {
		return fmt.Errorf("patch lun=%d sector=%d: sector too short for byte_offset=%d size=%d: %w", p.PhysicalPartition, p.StartSector, p.ByteOffset, p.SizeInBytes, edlerr.ErrPlanError)
	}

	value, err := e.resolvePatchValue(p, sectorSize)
	if err != nil {
		return err
	}
	copy(sector[p.ByteOffset:p.ByteOffset+p.SizeInBytes], value)

	if err := e.Strategy.WritePartition(e.Firehose, part, bytes.NewReader(sector), false, nil); err != nil {
		return fmt.Errorf("patch write lun=%d sector=%d: %w", p.PhysicalPartition, p.StartSector, err)
	}
	return nil
}

func (e *Executor) resolvePatchValue(p flashplan.PatchOp, sectorSize uint32) ([]byte, error) {
	if !p.Value.IsCRC32 {
		return packLE(p.Value.Literal, p.SizeInBytes), nil
	}

	numSectors := (p.Value.CRC32SizeInBytes + uint64(sectorSize) - 1) / uint64(sectorSize)
	if numSectors == 0 {
		numSectors = 1
	}
	crcPart := gpt.Partition{
		Lun:        uint8(p.PhysicalPartition),
		StartLBA:   p.Value.CRC32Sector,
		Sectors:    numSectors,
		SectorSize: sectorSize,
		Name:       "DISK",
		Filename:   "DISK",
	}
	var buf bytes.Buffer
	if err := e.Strategy.ReadPartition(e.Firehose, crcPart, &buf, nil); err != nil {
		return nil, fmt.Errorf("patch crc32 source read lun=%d sector=%d: %w", p.PhysicalPartition, p.Value.CRC32Sector, err)
	}
	data := buf.Bytes()
	if uint64(len(data)) > p.Value.CRC32SizeInBytes {
		data = data[:p.Value.CRC32SizeInBytes]
	}
	sum := crc32.ChecksumIEEE(data)
	return packLE(uint64(sum), p.SizeInBytes), nil
}

func packLE(v uint64, size uint64) []byte {
	out := make([]byte, size)
	full := make([]byte, 8)
	binary.LittleEndian.PutUint64(full, v)
	n := size
	if n > 8 {
		n = 8
	}
	copy(out, full[:n])
	return out
}
