package strategy

import (
	"bytes"
	"fmt"
	"io"

	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/gpt"
)

// Xiaomi uses its own filename/label table and requires the MiAuth
// bypass (§4.3) to have run before any read succeeds.
type Xiaomi struct {
	authSkipped bool
}

func xiaomiNames(lun int) (filename, label string) {
	return fmt.Sprintf("gpt_main%d.bin", lun), fmt.Sprintf("xiaomi_gpt%d", lun)
}

func (s *Xiaomi) ReadGpt(fh *firehose.Client) ([]gpt.Partition, error) {
	var all []gpt.Partition
	for lun := 0; lun <= maxLun; lun++ {
		filename, label := xiaomiNames(lun)
		var buf bytes.Buffer
		params := firehose.ReadParams{StartSector: 0, NumSectors: gptProbeSectors, PhysicalPart: lun, Filename: filename, Label: label}
		if err := fh.Read(params, &buf); err != nil {
			if lun == 0 {
				return nil, fmt.Errorf("read gpt lun 0: %w", authFailedIfSkipped(err, s.authSkipped))
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
		all = append(all, parts...)
	}
	return all, nil
}

func (s *Xiaomi) ReadPartition(fh *firehose.Client, part gpt.Partition, sink io.Writer, progress Progress) error {
	filename, label := partitionNames(part, xiaomiNames)
	params := firehose.ReadParams{StartSector: part.StartLBA, NumSectors: part.Sectors, PhysicalPart: int(part.Lun), Filename: filename, Label: label}
	err := fh.Read(params, sink)
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

func (s *Xiaomi) WritePartition(fh *firehose.Client, part gpt.Partition, source io.Reader, protectLun5 bool, progress Progress) error {
	if err := checkLun5(part, protectLun5); err != nil {
		return err
	}
	filename, label := partitionNames(part, xiaomiNames)
	err := writeSectors(fh, int(part.Lun), part.StartLBA, part.Sectors, filename, label, source)
	if err == nil && progress != nil {
		progress(part.SizeBytes())
	}
	return authFailedIfSkipped(err, s.authSkipped)
}

// Authenticate runs the MiAuth bypass before any read is attempted,
// per §4.5.
func (s *Xiaomi) Authenticate(fh *firehose.Client, ctx AuthContext) (bool, error) {
	ok, skipped, err := authenticateCommon(fh, ctx)
	s.authSkipped = skipped
	return ok, err
}
