package executor

import (
	"bytes"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/flashplan"
	"github.com/stanley-fork/qdlflash/internal/gpt"
	"github.com/stanley-fork/qdlflash/internal/strategy"
	"github.com/stanley-fork/qdlflash/internal/transport/transporttest"
)

// fakeStrategy records every write and serves fixed read data,
// avoiding the need to drive a real transport through Firehose for
// executor-level tests.
type fakeStrategy struct {
	written      []writeCall
	readData     map[string][]byte
	failOnLabel  string
	sourceLabels []string
}

type writeCall struct {
	lun   uint8
	start uint64
	data  []byte
}

func (f *fakeStrategy) ReadGpt(fh *firehose.Client) ([]gpt.Partition, error) { return nil, nil }

func (f *fakeStrategy) ReadPartition(fh *firehose.Client, part gpt.Partition, sink io.Writer, progress strategy.Progress) error {
	key := readKey(part)
	data, ok := f.readData[key]
	if !ok {
		return errors.New("fakeStrategy: no read data for " + key)
	}
	_, err := sink.Write(data)
	return err
}

func (f *fakeStrategy) WritePartition(fh *firehose.Client, part gpt.Partition, source io.Reader, protectLun5 bool, progress strategy.Progress) error {
	if protectLun5 && part.Lun == 5 {
		return edlerr.ErrProtectedLun
	}
	if f.failOnLabel != "" && part.Name == f.failOnLabel {
		return errors.New("simulated write failure")
	}
	data, err := io.ReadAll(source)
	if err != nil {
		return err
	}
	f.written = append(f.written, writeCall{lun: part.Lun, start: part.StartLBA, data: data})
	if progress != nil {
		progress(uint64(len(data)))
	}
	return nil
}

func (f *fakeStrategy) Authenticate(fh *firehose.Client, ctx strategy.AuthContext) (bool, error) {
	return true, nil
}

func readKey(part gpt.Partition) string {
	return string(rune(part.Lun)) + "@" + string(rune(part.StartLBA))
}

func newExecutorUnderTest(strat *fakeStrategy) *Executor {
	fh := firehose.NewClient(&transporttest.Fake{}, nil)
	fh.SectorSize = 512
	return New(fh, strat, nil)
}

func writeImage(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestExecuteWritesTasksInOrder(t *testing.T) {
	dir := t.TempDir()
	img1 := writeImage(t, dir, "a.img", []byte("AAAA"))
	img2 := writeImage(t, dir, "b.img", []byte("BBBBBBBB"))

	tasks := []flashplan.FlashTask{
		{SourcePath: img1, Label: "a", PhysicalPartition: 0, StartSector: 0, NumPartitionSectors: 1, SectorSizeInBytes: 4},
		{SourcePath: img2, Label: "b", PhysicalPartition: 0, StartSector: 1, NumPartitionSectors: 1, SectorSizeInBytes: 8},
	}

	strat := &fakeStrategy{}
	e := newExecutorUnderTest(strat)

	var events []ProgressEvent
	result, err := e.Execute(tasks, true, nil, nil, func(ev ProgressEvent) { events = append(events, ev) }, false)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if result.Written != 2 || result.Failed != 0 {
		t.Fatalf("result = %+v", result)
	}
	if len(strat.written) != 2 {
		t.Fatalf("got %d writes, want 2", len(strat.written))
	}
	if !bytes.Equal(strat.written[0].data, []byte("AAAA")) || !bytes.Equal(strat.written[1].data, []byte("BBBBBBBB")) {
		t.Errorf("unexpected written data: %+v", strat.written)
	}
	if len(events) != 2 {
		t.Errorf("got %d progress events, want 2", len(events))
	}
}

func TestExecuteAbortsRemainingPlanOnFailure(t *testing.T) {
	dir := t.TempDir()
	img1 := writeImage(t, dir, "a.img", []byte("AAAA"))
	img2 := writeImage(t, dir, "b.img", []byte("BBBB"))
	img3 := writeImage(t, dir, "c.img", []byte("CCCC"))

	tasks := []flashplan.FlashTask{
		{SourcePath: img1, Label: "a", PhysicalPartition: 0, StartSector: 0, NumPartitionSectors: 1, SectorSizeInBytes: 4},
		{SourcePath: img2, Label: "b", PhysicalPartition: 0, StartSector: 1, NumPartitionSectors: 1, SectorSizeInBytes: 4},
		{SourcePath: img3, Label: "c", PhysicalPartition: 0, StartSector: 2, NumPartitionSectors: 1, SectorSizeInBytes: 4},
	}

	strat := &fakeStrategy{failOnLabel: "b"}
	e := newExecutorUnderTest(strat)

	result, err := e.Execute(tasks, true, nil, nil, nil, false)
	if err == nil {
		t.Fatal("expected an error from the failing task")
	}
	if result.Written != 1 || result.Failed != 1 {
		t.Fatalf("result = %+v", result)
	}
	if len(strat.written) != 1 {
		t.Fatalf("expected task c to be skipped after b failed, got %d writes", len(strat.written))
	}
}

func TestExecuteHonorsCancellationBetweenTasks(t *testing.T) {
	dir := t.TempDir()
	img1 := writeImage(t, dir, "a.img", []byte("AAAA"))
	tasks := []flashplan.FlashTask{
		{SourcePath: img1, Label: "a", PhysicalPartition: 0, StartSector: 0, NumPartitionSectors: 1, SectorSizeInBytes: 4},
	}

	cancel := make(chan struct{})
	close(cancel)

	strat := &fakeStrategy{}
	e := newExecutorUnderTest(strat)
	result, err := e.Execute(tasks, true, nil, cancel, nil, false)
	if !errors.Is(err, edlerr.ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if len(strat.written) != 0 {
		t.Error("expected no writes once cancelled before the first task")
	}
	if result.Failed != 1 {
		t.Errorf("result = %+v", result)
	}
}

func TestExecuteRejectsLun5WhenProtected(t *testing.T) {
	dir := t.TempDir()
	img := writeImage(t, dir, "rpmb.img", []byte("AAAA"))
	tasks := []flashplan.FlashTask{
		{SourcePath: img, Label: "rpmb", PhysicalPartition: 5, StartSector: 0, NumPartitionSectors: 1, SectorSizeInBytes: 4},
	}

	strat := &fakeStrategy{}
	e := newExecutorUnderTest(strat)
	_, err := e.Execute(tasks, true, nil, nil, nil, false)
	if !errors.Is(err, edlerr.ErrProtectedLun) {
		t.Fatalf("err = %v, want ErrProtectedLun", err)
	}
}

func TestApplyPatchLiteralValue(t *testing.T) {
	strat := &fakeStrategy{readData: map[string][]byte{
		readKeyFor(0, 0): append([]byte{0xFF, 0xFF, 0xFF, 0xFF}, make([]byte, 508)...),
	}}
	e := newExecutorUnderTest(strat)

	patches := []flashplan.PatchOp{
		{PhysicalPartition: 0, StartSector: 0, ByteOffset: 0, SizeInBytes: 2, Value: flashplan.PatchValue{Literal: 0xABCD}, SectorSizeInBytes: 512},
	}
	if _, err := e.Execute(nil, true, patches, nil, nil, false); err != nil {
		t.Fatalf("Execute patches: %v", err)
	}
	if len(strat.written) != 1 {
		t.Fatalf("got %d writes, want 1", len(strat.written))
	}
	got := strat.written[0].data[:2]
	want := []byte{0xCD, 0xAB}
	if !bytes.Equal(got, want) {
		t.Errorf("patched bytes = %v, want %v", got, want)
	}
}

func TestApplyPatchCRC32Value(t *testing.T) {
	srcData := bytes.Repeat([]byte{0x42}, 512)
	sum := crc32.ChecksumIEEE(srcData)

	strat := &fakeStrategy{readData: map[string][]byte{
		readKeyFor(0, 0): make([]byte, 512),
		readKeyFor(0, 2): srcData,
	}}
	e := newExecutorUnderTest(strat)

	patches := []flashplan.PatchOp{
		{
			PhysicalPartition: 0, StartSector: 0, ByteOffset: 10, SizeInBytes: 4,
			Value:             flashplan.PatchValue{IsCRC32: true, CRC32Sector: 2, CRC32SizeInBytes: 512},
			SectorSizeInBytes: 512,
		},
	}
	if _, err := e.Execute(nil, true, patches, nil, nil, false); err != nil {
		t.Fatalf("Execute patches: %v", err)
	}
	got := binary.LittleEndian.Uint32(strat.written[0].data[10:14])
	if got != sum {
		t.Errorf("patched crc32 = %x, want %x", got, sum)
	}
}

func readKeyFor(lun uint8, start uint64) string {
	return string(rune(lun)) + "@" + string(rune(start))
}
