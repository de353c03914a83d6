package strategy

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
	"github.com/stanley-fork/qdlflash/internal/firehose"
	"github.com/stanley-fork/qdlflash/internal/gpt"
	"github.com/stanley-fork/qdlflash/internal/transport/transporttest"
)

func wrapDataResponse(ok bool) []byte {
	value := "NAK"
	if ok {
		value = "ACK"
	}
	return []byte(`<?xml version="1.0" encoding="UTF-8" ?><data><response value="` + value + `"/></data>`)
}

func newTestFirehose(f *transporttest.Fake) *firehose.Client {
	fh := firehose.NewClient(f, nil)
	fh.SectorSize = 1
	fh.MaxPayload = 4096
	return fh
}

// TestGapSegmentationCrossesGap exercises §8's gap-segmentation
// invariant directly: a range crossing the gap sector must read
// byte-identical to three concatenated sub-reads.
func TestGapSegmentationCrossesGap(t *testing.T) {
	full := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	f := &transporttest.Fake{}
	f.Feed(full[0:6])
	f.Feed(wrapDataResponse(true))
	f.Feed(full[6:7])
	f.Feed(wrapDataResponse(true))
	f.Feed(full[7:10])
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeGptMainMode1, gap: 6, firstPart: map[uint8]string{0: "xbl"}}

	var sink bytes.Buffer
	if err := s.readGapSegmented(fh, 0, 0, 10, &sink, nil); err != nil {
		t.Fatalf("readGapSegmented: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), full) {
		t.Errorf("sink = %v, want %v", sink.Bytes(), full)
	}
}

func TestGapSegmentationNoCrossingBeforeGap(t *testing.T) {
	data := []byte{10, 11, 12}
	f := &transporttest.Fake{}
	f.Feed(data)
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeGptMainMode1, gap: 6, firstPart: map[uint8]string{0: "xbl"}}

	var sink bytes.Buffer
	if err := s.readGapSegmented(fh, 0, 0, 3, &sink, nil); err != nil {
		t.Fatalf("readGapSegmented: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Errorf("sink = %v, want %v (no segmentation expected)", sink.Bytes(), data)
	}
	sent := f.ToDevice.String()
	if bytes.Count([]byte(sent), []byte("<read ")) != 1 {
		t.Errorf("expected exactly one <read>, sent %s", sent)
	}
}

func TestGapSegmentationNoCrossingAfterGap(t *testing.T) {
	data := []byte{20, 21}
	f := &transporttest.Fake{}
	f.Feed(data)
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeGptMainMode2, gap: 34, firstPart: map[uint8]string{0: "xbl"}}

	var sink bytes.Buffer
	if err := s.readGapSegmented(fh, 0, 40, 2, &sink, nil); err != nil {
		t.Fatalf("readGapSegmented: %v", err)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Errorf("sink = %v, want %v", sink.Bytes(), data)
	}
}

func TestDetectSettlesOnGptBackupWhenFirstProbeSucceeds(t *testing.T) {
	data := make([]byte, 31)
	for i := range data {
		data[i] = byte(i)
	}
	f := &transporttest.Fake{}
	f.Feed(data)
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{}
	if err := s.detect(fh); err != nil {
		t.Fatalf("detect: %v", err)
	}
	if s.mode != ModeGptBackup {
		t.Errorf("mode = %v, want ModeGptBackup", s.mode)
	}
	if s.gap != 0 {
		t.Errorf("gap = %d, want 0", s.gap)
	}
}

func TestWaterfallFetchesDataWhenModeUnknown(t *testing.T) {
	data := []byte{1, 2}
	f := &transporttest.Fake{}
	f.Feed(data)
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeUnknown}
	got, err := s.readPlain(fh, 0, 0, 2, nil)
	if err != nil {
		t.Fatalf("readPlain: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("got %v, want %v", got, data)
	}
}

func TestStandardReadGptHardFailsOnLun0(t *testing.T) {
	f := &transporttest.Fake{}
	fh := newTestFirehose(f)
	s := &Standard{}
	if _, err := s.ReadGpt(fh); err == nil {
		t.Fatal("expected hard failure reading lun 0 with no data queued")
	}
}

func TestProtectLun5RejectsWrite(t *testing.T) {
	f := &transporttest.Fake{}
	fh := newTestFirehose(f)
	s := &Standard{}
	part := gpt.Partition{Lun: 5, StartLBA: 0, Sectors: 8, SectorSize: 1}
	err := s.WritePartition(fh, part, bytes.NewReader(make([]byte, 8)), true, nil)
	if !errors.Is(err, edlerr.ErrProtectedLun) {
		t.Fatalf("err = %v, want ErrProtectedLun", err)
	}
}

func TestProtectLun5AllowedWhenOverridden(t *testing.T) {
	f := &transporttest.Fake{}
	f.Feed(wrapDataResponse(true))
	fh := newTestFirehose(f)
	s := &Standard{}
	part := gpt.Partition{Lun: 5, StartLBA: 0, Sectors: 8, SectorSize: 1}
	err := s.WritePartition(fh, part, bytes.NewReader(make([]byte, 8)), false, nil)
	if err != nil {
		t.Fatalf("WritePartition with protect disabled: %v", err)
	}
}

func TestXiaomiAuthenticateSkipsWhenSignatureTableMissing(t *testing.T) {
	f := &transporttest.Fake{}
	fh := newTestFirehose(f)
	s := &Xiaomi{}
	ok, err := s.Authenticate(fh, AuthContext{Type: AuthXiaomi})
	if err != nil || !ok {
		t.Fatalf("Authenticate = %v, %v, want true, nil (skipped)", ok, err)
	}
	if !s.authSkipped {
		t.Error("expected authSkipped to be recorded")
	}
}

func TestAuthFailedIfSkippedReclassifiesProtocolViolation(t *testing.T) {
	wrapped := &wrappedErr{edlerr.ErrProtocolViolation}
	got := authFailedIfSkipped(wrapped, true)
	if !errors.Is(got, edlerr.ErrAuthFailed) {
		t.Errorf("got %v, want AuthFailed", got)
	}
	if authFailedIfSkipped(wrapped, false) != wrapped {
		t.Error("expected error unchanged when auth was not skipped")
	}
}

// TestStandardWritePartitionUsesTaskFilename exercises the §4.5 fix:
// an ordinary flash-plan partition must be written under its own
// task-supplied filename/label, not the hardcoded GPT-area name.
func TestStandardWritePartitionUsesTaskFilename(t *testing.T) {
	f := &transporttest.Fake{}
	f.Feed(wrapDataResponse(true))
	fh := newTestFirehose(f)
	s := &Standard{}
	part := gpt.Partition{Lun: 0, StartLBA: 100, Sectors: 8, SectorSize: 1, Name: "boot_a", Filename: "boot.img"}
	if err := s.WritePartition(fh, part, bytes.NewReader(make([]byte, 8)), false, nil); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	sent := f.ToDevice.String()
	if !bytes.Contains([]byte(sent), []byte(`filename="boot.img"`)) {
		t.Errorf("expected request to carry filename=\"boot.img\", got %s", sent)
	}
	if !bytes.Contains([]byte(sent), []byte(`label="boot_a"`)) {
		t.Errorf("expected request to carry label=\"boot_a\", got %s", sent)
	}
	if bytes.Contains([]byte(sent), []byte("gpt_main0.bin")) {
		t.Errorf("expected no hardcoded gpt_main0.bin filename, got %s", sent)
	}
}

// TestOppoReadPartitionGapSectorKeepsLearnedName mirrors §8's worked
// example: reading an ordinary "boot" partition that straddles the
// gap sector must still address the gap sector itself as "xbl" (the
// LUN's actual first partition), while the sub-reads on either side
// use boot's own task-supplied name.
func TestOppoReadPartitionGapSectorKeepsLearnedName(t *testing.T) {
	before := []byte{0, 1, 2, 3, 4, 5}
	gapByte := []byte{6}
	after := []byte{7, 8, 9}
	f := &transporttest.Fake{}
	f.Feed(before)
	f.Feed(wrapDataResponse(true))
	f.Feed(gapByte)
	f.Feed(wrapDataResponse(true))
	f.Feed(after)
	f.Feed(wrapDataResponse(true))

	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeGptMainMode1, gap: 6, detected: true, firstPart: map[uint8]string{0: "xbl"}}
	part := gpt.Partition{Lun: 0, StartLBA: 0, Sectors: 10, SectorSize: 1, Name: "boot", Filename: "boot.img"}

	var sink bytes.Buffer
	if err := s.ReadPartition(fh, part, &sink, nil); err != nil {
		t.Fatalf("ReadPartition: %v", err)
	}
	want := append(append(append([]byte{}, before...), gapByte...), after...)
	if !bytes.Equal(sink.Bytes(), want) {
		t.Errorf("sink = %v, want %v", sink.Bytes(), want)
	}
	sent := f.ToDevice.String()
	if !bytes.Contains([]byte(sent), []byte(`filename="boot.img"`)) {
		t.Errorf("expected a read carrying filename=\"boot.img\", got %s", sent)
	}
	if !bytes.Contains([]byte(sent), []byte(`filename="xbl"`)) {
		t.Errorf("expected the gap-sector read to carry filename=\"xbl\", got %s", sent)
	}
}

// TestOppoWritePartitionUsesTaskFilename exercises the same fix
// through OPPO's write path (writes are not gap-segmented).
func TestOppoWritePartitionUsesTaskFilename(t *testing.T) {
	f := &transporttest.Fake{}
	f.Feed(wrapDataResponse(true))
	fh := newTestFirehose(f)
	s := &OppoVip{mode: ModeGptMainMode1, gap: 6, detected: true}
	part := gpt.Partition{Lun: 0, StartLBA: 100, Sectors: 8, SectorSize: 1, Name: "vendor_a", Filename: "vendor.img"}
	if err := s.WritePartition(fh, part, bytes.NewReader(make([]byte, 8)), false, nil); err != nil {
		t.Fatalf("WritePartition: %v", err)
	}
	sent := f.ToDevice.String()
	if !bytes.Contains([]byte(sent), []byte(`filename="vendor.img"`)) {
		t.Errorf("expected request to carry filename=\"vendor.img\", got %s", sent)
	}
}

// TestPartitionNamesFallsBackForGptArea confirms the GPT-area
// probe path (no task Filename set) still uses the fallback table.
func TestPartitionNamesFallsBackForGptArea(t *testing.T) {
	part := gpt.Partition{Lun: 2}
	filename, label := partitionNames(part, gptNames)
	if filename != "gpt_main2.bin" || label != "PrimaryGPT" {
		t.Errorf("partitionNames fallback = %q, %q", filename, label)
	}
}

type wrappedErr struct{ err error }

func (w *wrappedErr) Error() string { return "nak: " + w.err.Error() }
func (w *wrappedErr) Unwrap() error { return w.err }
