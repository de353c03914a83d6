package strategy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/gpt"
)

// RwMode is the restricted read/write mode an OPPO/Realme programmer
// turns out to be running, discovered once per session (§4.5).
type RwMode int

const (
	ModeUnknown RwMode = iota
	ModeNormal
	ModeGptBackup
	ModeGptMainMode1
	ModeGptMainMode2
)

type namePair struct {
	filename string
	label    string
}

// OppoVip implements the OPPO/Realme restricted-sector waterfall and
// gap-sector segmentation described in §4.5.
type OppoVip struct {
	detected    bool
	mode        RwMode
	gap         uint64
	firstPart   map[uint8]string
	authSkipped bool
}

func (s *OppoVip) ensureMaps() {
	if s.firstPart == nil {
		s.firstPart = make(map[uint8]string)
	}
}

// detect runs the five-step probe waterfall exactly once per session
// and caches the result.
func (s *OppoVip) detect(fh *firehose.Client) error {
	if s.detected {
		return nil
	}
	s.detected = true

	if _, err := readSectors(fh, 0, 5, 31, "gpt_backup0.bin", "BackupGPT"); err == nil {
		s.mode, s.gap = ModeGptBackup, 0
		return nil
	}
	if _, err := readSectors(fh, 0, 33, 3, "gpt_main0.bin", "gpt_main0.bin"); err == nil {
		s.mode, s.gap = ModeGptMainMode1, 6
		return nil
	}
	if _, err := readSectors(fh, 0, 35, 10, "gpt_main0.bin", "gpt_main0.bin"); err == nil {
		s.mode, s.gap = ModeGptMainMode2, 34
		return nil
	}
	if _, err := readSectors(fh, 0, 0, 6, "gpt_main0.bin", "PrimaryGPT"); err == nil {
		s.mode, s.gap = ModeNormal, 0
		return nil
	}
	s.mode, s.gap = ModeUnknown, 0
	return nil
}

func (s *OppoVip) namesForLun(lun int) namePair {
	switch s.mode {
	case ModeGptBackup:
		return namePair{fmt.Sprintf("gpt_backup%d.bin", lun), "BackupGPT"}
	case ModeGptMainMode1, ModeGptMainMode2:
		main := fmt.Sprintf("gpt_main%d.bin", lun)
		return namePair{main, main}
	default:
		return namePair{fmt.Sprintf("gpt_main%d.bin", lun), "PrimaryGPT"}
	}
}

var waterfallCandidates = []namePair{
	{"gpt_main%d.bin", "PrimaryGPT"},
	{"gpt_backup%d.bin", "BackupGPT"},
	{"gpt_main%d.bin", "gpt_main%d.bin"},
}

func expandLun(p namePair, lun int) namePair {
	return namePair{fmt.Sprintf(p.filename, lun), fmt.Sprintf(p.label, lun)}
}

// readPlain performs one read using names when the caller already
// knows the target (an ordinary flash-plan partition), or falls back
// to the mode's cached GPT-area names, or — when detection never
// settled on a mode — tries every candidate pair in turn until one
// succeeds (§4.5 step 5's "waterfall"). This fallback chain is only
// for GPT-area reads; names is always set for task-driven I/O.
func (s *OppoVip) readPlain(fh *firehose.Client, lun int, start, num uint64, names *namePair) ([]byte, error) {
	if names != nil {
		return readSectors(fh, lun, start, num, names.filename, names.label)
	}
	if s.mode != ModeUnknown {
		nm := s.namesForLun(lun)
		return readSectors(fh, lun, start, num, nm.filename, nm.label)
	}
	var lastErr error
	for _, cand := range waterfallCandidates {
		nm := expandLun(cand, lun)
		data, err := readSectors(fh, lun, start, num, nm.filename, nm.label)
		if err == nil {
			return data, nil
		}
		lastErr = err
	}
	return nil, fmt.Errorf("oppo waterfall read lun=%d start=%d: %w", lun, start, lastErr)
}

func (s *OppoVip) writePlain(fh *firehose.Client, lun int, start, num uint64, names *namePair, src io.Reader) error {
	if names != nil {
		return writeSectors(fh, lun, start, num, names.filename, names.label, src)
	}
	if s.mode != ModeUnknown {
		nm := s.namesForLun(lun)
		return writeSectors(fh, lun, start, num, nm.filename, nm.label, src)
	}
	return fmt.Errorf("oppo waterfall write lun=%d start=%d: mode undetermined: %w", lun, start, edlerr.ErrProtocolViolation)
}

// readGapSegmented reads [start..start+num-1] of lun, splitting the
// range around the gap sector into three sub-reads when it crosses
// it, per §4.5 and §8's gap-segmentation invariant. names carries the
// caller's own filename/label for an ordinary partition and is used
// for the two sub-reads outside the gap; nil means this is the
// GPT-area probe itself. The gap sector sub-read always uses the
// learned first-partition name regardless of names — §8's worked
// example reads an ordinary "boot" partition but still addresses the
// gap sector as "xbl", the LUN's actual first partition, since that
// is what the restricted firmware demands for that specific sector.
func (s *OppoVip) readGapSegmented(fh *firehose.Client, lun int, start, num uint64, sink io.Writer, names *namePair) error {
	end := start + num - 1
	gap := s.gap
	if gap == 0 || start > gap || end < gap {
		data, err := s.readPlain(fh, lun, start, num, names)
		if err != nil {
			return err
		}
		_, err = sink.Write(data)
		return err
	}

	if start <= gap-1 {
		data, err := s.readPlain(fh, lun, start, gap-start, names)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
	}

	gapName, ok := s.firstPart[uint8(lun)]
	if !ok {
		return fmt.Errorf("gap sector %d on lun %d: first partition name not yet learned: %w", gap, lun, edlerr.ErrRestrictedAddress)
	}
	gapData, err := readSectors(fh, lun, gap, 1, gapName, gapName)
	if err != nil {
		return fmt.Errorf("gap sector %d on lun %d: %w", gap, lun, err)
	}
	if _, err := sink.Write(gapData); err != nil {
		return err
	}

	if end >= gap+1 {
		data, err := s.readPlain(fh, lun, gap+1, end-gap, names)
		if err != nil {
			return err
		}
		if _, err := sink.Write(data); err != nil {
			return err
		}
	}
	return nil
}

// ReadGpt probes for the restricted mode if not already cached, then
// reads each LUN's GPT window through that mode's name table,
// learning the first-partition name used by gap segmentation.
func (s *OppoVip) ReadGpt(fh *firehose.Client) ([]gpt.Partition, error) {
	s.ensureMaps()
	if err := s.detect(fh); err != nil {
		return nil, err
	}

	var all []gpt.Partition
	for lun := 0; lun <= maxLun; lun++ {
		var buf bytes.Buffer
		err := s.readGapSegmented(fh, lun, 0, gptProbeSectors, &buf, nil)
		if err != nil {
			if lun == 0 {
				return nil, fmt.Errorf("read gpt lun 0: %w", err)
			}
			break
		}
		parts, err := gpt.Parse(buf.Bytes(), uint8(lun), fh.SectorSize)
		if err != nil {
			if lun == 0 {
				return nil, fmt.Errorf("parse gpt lun 0: %w", err)
			}
			break
		}
		if name, ok := firstPartitionName(parts, uint8(lun)); ok {
			s.firstPart[uint8(lun)] = name
		}
		all = append(all, parts...)
	}
	return all, nil
}

func (s *OppoVip) ReadPartition(fh *firehose.Client, part gpt.Partition, sink io.Writer, progress Progress) error {
	s.ensureMaps()
	if err := s.detect(fh); err != nil {
		return err
	}
	err := s.readGapSegmented(fh, int(part.Lun), part.StartLBA, part.Sectors, sink, partNamesPtr(part))
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

func (s *OppoVip) WritePartition(fh *firehose.Client, part gpt.Partition, source io.Reader, protectLun5 bool, progress Progress) error {
	if err := checkLun5(part, protectLun5); err != nil {
		return err
	}
	s.ensureMaps()
	if err := s.detect(fh); err != nil {
		return err
	}
	err := s.writePlain(fh, int(part.Lun), part.StartLBA, part.Sectors, partNamesPtr(part), source)
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

func (s *OppoVip) Authenticate(fh *firehose.Client, ctx AuthContext) (bool, error) {
	ok, skipped, err := authenticateCommon(fh, ctx)
	s.authSkipped = skipped
	return ok, err
}
