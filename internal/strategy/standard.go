package strategy

import (
	"fmt"
	"io"

	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/gpt"
)

// Standard is the plain-firmware variant: gpt_main{lun}.bin /
// PrimaryGPT names, no restricted sectors, no auth.
type Standard struct {
	authSkipped bool
}

func gptNames(lun int) (filename, label string) {
	return fmt.Sprintf("gpt_main%d.bin", lun), "PrimaryGPT"
}

// ReadGpt iterates LUNs 0..5, stopping at the first LUN past LUN 0
// that fails to produce an EFI PART signature; a LUN 0 failure is a
// hard error.
func (s *Standard) ReadGpt(fh *firehose.Client) ([]gpt.Partition, error) {
	var all []gpt.Partition
	for lun := 0; lun <= maxLun; lun++ {
		filename, label := gptNames(lun)
		buf, err := readSectors(fh, lun, 0, gptProbeSectors, filename, label)
		if err != nil {
			if lun == 0 {
				return nil, fmt.Errorf("read gpt lun 0: %w", err)
			}
			break
		}
		parts, err := gpt.Parse(buf, uint8(lun), fh.SectorSize)
		if err != nil {
			if lun == 0 {
				return nil, fmt.Errorf("parse gpt lun 0: %w", err)
			}
			break
		}
		all = append(all, parts...)
	}
	return all, nil
}

func (s *Standard) ReadPartition(fh *firehose.Client, part gpt.Partition, sink io.Writer, progress Progress) error {
	filename, label := partitionNames(part, gptNames)
	params := firehose.ReadParams{
		StartSector:  part.StartLBA,
		NumSectors:   part.Sectors,
		PhysicalPart: int(part.Lun),
		Filename:     filename,
		Label:        label,
	}
	err := fh.Read(params, sink)
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

func (s *Standard) WritePartition(fh *firehose.Client, part gpt.Partition, source io.Reader, protectLun5 bool, progress Progress) error {
	if err := checkLun5(part, protectLun5); err != nil {
		return err
	}
	filename, label := partitionNames(part, gptNames)
	err := writeSectors(fh, int(part.Lun), part.StartLBA, part.Sectors, filename, label, source)
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

func (s *Standard) Authenticate(fh *firehose.Client, ctx AuthContext) (bool, error) {
	ok, skipped, err := authenticateCommon(fh, ctx)
	s.authSkipped = skipped
	return ok, err
}
