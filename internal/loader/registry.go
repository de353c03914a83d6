// Package loader implements LoaderRegistry (§4.2): selecting a local
// Firehose programmer file for a handshaken device fingerprint.
package loader

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/stanley-fork/qdlflash/internal/sahara"
)

var loaderExts = map[string]bool{".elf": true, ".mbn": true}

// AmbiguousError is returned when more than one loader file matches
// equally well and the operator must choose, §8 scenario 3.
type AmbiguousError struct {
	Candidates []string
	Guidance   string
}

func (e *AmbiguousError) Error() string { return e.Guidance }

// Registry scans a flat directory of .elf/.mbn loader files.
type Registry struct {
	dir string
}

// NewRegistry creates a Registry rooted at dir.
func NewRegistry(dir string) *Registry {
	return &Registry{dir: dir}
}

// Select implements the §4.2 "LoaderRegistry.select" algorithm:
// explicit path, then progressively looser filename matches against
// the fingerprint, then a lone file in the directory. Returns an
// unwrapped *AmbiguousError when the directory offers no unambiguous
// match and requires operator guidance — callers should surface this
// as RequiresUserAction without treating it as failure.
func (r *Registry) Select(fp sahara.DeviceFingerprint, explicitPath string) (string, error) {
	if explicitPath != "" {
		if _, err := os.Stat(explicitPath); err != nil {
			return "", fmt.Errorf("explicit loader path %s: %w", explicitPath, err)
		}
		return explicitPath, nil
	}

	files, err := r.loaderFiles()
	if err != nil {
		return "", err
	}
	if len(files) == 0 {
		return "", &AmbiguousError{Guidance: fmt.Sprintf("no .elf/.mbn loader files found in %s for fingerprint %s", r.dir, describe(fp))}
	}

	pkPrefix := fp.PkHash
	if len(pkPrefix) > 16 {
		pkPrefix = pkPrefix[:16]
	}

	if m := matchAll(files, fp.ChipName, pkPrefix); len(m) == 1 {
		return m[0], nil
	} else if len(m) > 1 {
		return "", ambiguous(m, fp)
	}

	if m := matchAny(files, fp.MsmID); len(m) == 1 {
		return m[0], nil
	} else if len(m) > 1 {
		return "", ambiguous(m, fp)
	}

	if m := matchAny(files, fp.ChipName); len(m) == 1 {
		return m[0], nil
	} else if len(m) > 1 {
		return "", ambiguous(m, fp)
	}

	if len(files) == 1 {
		return files[0], nil
	}

	return "", ambiguous(files, fp)
}

func ambiguous(candidates []string, fp sahara.DeviceFingerprint) error {
	return &AmbiguousError{
		Candidates: candidates,
		Guidance:   fmt.Sprintf("multiple loader candidates for fingerprint %s: %s — pick one explicitly", describe(fp), strings.Join(candidates, ", ")),
	}
}

func describe(fp sahara.DeviceFingerprint) string {
	return fmt.Sprintf("chip=%s msm=%s pk_hash=%s oem=%s model=%s", fp.ChipName, fp.MsmID, fp.PkHash, fp.OemID, fp.ModelID)
}

func matchAll(files []string, needles ...string) []string {
	var out []string
	for _, f := range files {
		base := strings.ToLower(filepath.Base(f))
		all := true
		for _, n := range needles {
			if n == "" || !strings.Contains(base, strings.ToLower(n)) {
				all = false
				break
			}
		}
		if all {
			out = append(out, f)
		}
	}
	return out
}

func matchAny(files []string, needle string) []string {
	if needle == "" {
		return nil
	}
	var out []string
	needle = strings.ToLower(needle)
	for _, f := range files {
		if strings.Contains(strings.ToLower(filepath.Base(f)), needle) {
			out = append(out, f)
		}
	}
	return out
}

func (r *Registry) loaderFiles() ([]string, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, fmt.Errorf("read loader dir %s: %w", r.dir, err)
	}
	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if loaderExts[strings.ToLower(filepath.Ext(e.Name()))] {
			files = append(files, filepath.Join(r.dir, e.Name()))
		}
	}
	return files, nil
}
