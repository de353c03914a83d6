package sahara

import (
	"fmt"
	"os"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// FileProgrammer implements ProgrammerSource over a loader file on
// disk, read-only and shared for the session (§3: "Programmer: ...
// read-only").
type FileProgrammer struct {
	path string
	file *os.File
	size uint64
}

// OpenProgrammer opens path for random-access reads.
func OpenProgrammer(path string) (*FileProgrammer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open programmer %s: %w", path, edlerr.ErrIoError)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat programmer %s: %w", path, edlerr.ErrIoError)
	}
	return &FileProgrammer{path: path, file: f, size: uint64(info.Size())}, nil
}

func (p *FileProgrammer) Path() string { return p.path }

func (p *FileProgrammer) Size() uint64 { return p.size }

// ReadAt returns exactly length bytes starting at offset. Sahara's
// READ_DATA offsets are not guaranteed sequential (§4.2), so every
// call seeks independently.
func (p *FileProgrammer) ReadAt(offset uint64, length uint64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := p.file.ReadAt(buf, int64(offset))
	if err != nil && uint64(n) != length {
		return nil, fmt.Errorf("read programmer %s at %d len %d: %w", p.path, offset, length, edlerr.ErrIoError)
	}
	return buf, nil
}

func (p *FileProgrammer) Close() error {
	return p.file.Close()
}
