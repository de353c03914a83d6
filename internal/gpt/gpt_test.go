package gpt

import (
	"encoding/binary"
	"hash/crc32"
	"testing"
)

type testPart struct {
	name     string
	startLBA uint64
	sectors  uint64
}

// buildGPT constructs a minimal valid GPT image: protective MBR at
// LBA 0, primary header at LBA 1, entry array at LBA 2, sized to
// numSectors*sectorSize bytes.
func buildGPT(t *testing.T, sectorSize uint32, numSectors uint64, parts []testPart) []byte {
	t.Helper()
	buf := make([]byte, sectorSize*uint32(numSectors))

	// Protective MBR boot signature.
	buf[510] = 0x55
	buf[511] = 0xAA

	const numEntries = 32
	const entrySz = entrySize
	entriesStart := uint64(sectorSize) * 2
	entriesTotal := uint64(numEntries) * uint64(entrySz)

	entriesBuf := buf[entriesStart : entriesStart+entriesTotal]
	for i, p := range parts {
		off := uint64(i) * uint64(entrySz)
		entry := entriesBuf[off : off+uint64(entrySz)]
		// non-zero type guid so the entry isn't skipped.
		entry[0] = 0x01
		binary.LittleEndian.PutUint64(entry[32:40], p.startLBA)
		binary.LittleEndian.PutUint64(entry[40:48], p.startLBA+p.sectors-1)
		for j, r := range p.name {
			binary.LittleEndian.PutUint16(entry[56+j*2:58+j*2], uint16(r))
		}
	}
	entriesCRC := crc32.ChecksumIEEE(entriesBuf)

	hdrSector := buf[sectorSize : sectorSize*2]
	copy(hdrSector[0:8], headerSignature)
	binary.LittleEndian.PutUint32(hdrSector[12:16], 92) // header size
	binary.LittleEndian.PutUint64(hdrSector[24:32], 1)   // current LBA
	binary.LittleEndian.PutUint64(hdrSector[32:40], numSectors-1)
	binary.LittleEndian.PutUint64(hdrSector[72:80], 2) // partition entry LBA
	binary.LittleEndian.PutUint32(hdrSector[80:84], numEntries)
	binary.LittleEndian.PutUint32(hdrSector[84:88], entrySz)
	binary.LittleEndian.PutUint32(hdrSector[88:92], entriesCRC)

	zeroed := make([]byte, 92)
	copy(zeroed, hdrSector[:92])
	binary.LittleEndian.PutUint32(zeroed[16:20], 0)
	hdrCRC := crc32.ChecksumIEEE(zeroed)
	binary.LittleEndian.PutUint32(hdrSector[16:20], hdrCRC)

	return buf
}

func TestParseRoundTrip(t *testing.T) {
	parts := []testPart{
		{"xbl", 64, 256},
		{"boot", 320, 1024},
		{"system", 1344, 8192},
	}
	buf := buildGPT(t, 512, 64, parts)

	got, err := Parse(buf, 0, 512)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(got) != len(parts) {
		t.Fatalf("got %d partitions, want %d", len(got), len(parts))
	}
	for i, p := range got {
		if p.Name != parts[i].name {
			t.Errorf("partition %d name = %q, want %q", i, p.Name, parts[i].name)
		}
		if p.StartLBA != parts[i].startLBA {
			t.Errorf("partition %d start = %d, want %d", i, p.StartLBA, parts[i].startLBA)
		}
		if p.Sectors != parts[i].sectors {
			t.Errorf("partition %d sectors = %d, want %d", i, p.Sectors, parts[i].sectors)
		}
		if p.Lun != 0 {
			t.Errorf("partition %d lun = %d, want 0", i, p.Lun)
		}
		if i > 0 && p.StartLBA <= got[i-1].StartLBA {
			t.Errorf("partitions not strictly monotonic at %d", i)
		}
		if i > 0 && p.StartLBA < got[i-1].StartLBA+got[i-1].Sectors {
			t.Errorf("partitions overlap at %d", i)
		}
	}
}

func TestParseCorruptPrimaryFallsBackToBackup(t *testing.T) {
	parts := []testPart{{"xbl", 64, 256}}
	buf := buildGPT(t, 512, 64, parts)
	backupLBA := uint64(63)

	// Install a copy of the (still valid) primary header+entries as the
	// backup header at the last sector, and point the primary at it.
	copy(buf[backupLBA*512:backupLBA*512+512], buf[512:1024])
	binary.LittleEndian.PutUint64(buf[512:1024][32:40], backupLBA)

	// Now corrupt only the primary header's stored CRC, forcing fallback.
	binary.LittleEndian.PutUint32(buf[512+16:512+20], 0xdeadbeef)

	got, err := Parse(buf, 0, 512)
	if err != nil {
		t.Fatalf("Parse with corrupt primary: %v", err)
	}
	if len(got) != 1 || got[0].Name != "xbl" {
		t.Fatalf("unexpected fallback result: %+v", got)
	}
}

func TestParseRejectsMissingMBR(t *testing.T) {
	buf := make([]byte, 512*8)
	if _, err := Parse(buf, 0, 512); err == nil {
		t.Fatal("expected error for missing MBR signature")
	}
}
