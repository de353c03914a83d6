package flashplan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/stanley-fork/qdlflash/internal/edlerr"
)

// Build parses every rawprogram*.xml found under root (or root itself
// if it is a single matching file) into an ordered Plan, collecting
// patch*.xml files separately. Elements with an empty filename, or
// whose referenced file is missing, are skipped with a call to warn
// rather than failing the whole plan. warn may be nil.
func Build(root string, warn func(string)) (*Plan, error) {
	if warn == nil {
		warn = func(string) {}
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", root, err)
	}

	var programFiles, patchFiles []string
	if info.IsDir() {
		programFiles, patchFiles, err = findDescriptors(root)
		if err != nil {
			return nil, err
		}
	} else if matchesPattern(filepath.Base(root), "rawprogram") {
		programFiles = []string{root}
	} else if matchesPattern(filepath.Base(root), "patch") {
		patchFiles = []string{root}
	} else {
		return nil, fmt.Errorf("%s is neither a directory nor a rawprogram*/patch*.xml file: %w", root, edlerr.ErrPlanError)
	}

	plan := &Plan{}
	for _, path := range programFiles {
		tasks, err := parseRawProgram(path, warn)
		if err != nil {
			return nil, err
		}
		plan.Tasks = append(plan.Tasks, tasks...)
	}
	for _, path := range patchFiles {
		patches, err := parsePatch(path, warn)
		if err != nil {
			return nil, err
		}
		plan.Patches = append(plan.Patches, patches...)
	}
	return plan, nil
}

func matchesPattern(base, prefix string) bool {
	lower := strings.ToLower(base)
	return strings.HasPrefix(lower, prefix) && strings.HasSuffix(lower, ".xml")
}

func findDescriptors(root string) (programs, patches []string, err error) {
	err = filepath.Walk(root, func(path string, fi os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if fi.IsDir() {
			return nil
		}
		base := filepath.Base(path)
		switch {
		case matchesPattern(base, "rawprogram"):
			programs = append(programs, path)
		case matchesPattern(base, "patch"):
			patches = append(patches, path)
		}
		return nil
	})
	sort.Strings(programs)
	sort.Strings(patches)
	return programs, patches, err
}

func parseRawProgram(path string, warn func(string)) ([]FlashTask, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	dir := filepath.Dir(path)

	var tasks []FlashTask
	for _, el := range tokenizeElements(doc) {
		if el.tag != "program" {
			continue
		}
		filename := el.attrs["filename"]
		if filename == "" {
			warn(fmt.Sprintf("%s: <program> with empty filename skipped", path))
			continue
		}
		sourcePath := filename
		if !filepath.IsAbs(sourcePath) {
			sourcePath = filepath.Join(dir, filename)
		}
		if _, err := os.Stat(sourcePath); err != nil {
			warn(fmt.Sprintf("%s: <program filename=%q> references a missing file, skipped", path, filename))
			continue
		}

		lun, err := parseUintAttr(el.attrs, "physical_partition_number")
		if err != nil {
			warn(fmt.Sprintf("%s: <program filename=%q> has invalid physical_partition_number, skipped", path, filename))
			continue
		}
		startSector, err := parseUintAttr(el.attrs, "start_sector")
		if err != nil {
			warn(fmt.Sprintf("%s: <program filename=%q> has unparseable start_sector, skipped", path, filename))
			continue
		}
		numSectors, err := parseUintAttr(el.attrs, "num_partition_sectors")
		if err != nil {
			warn(fmt.Sprintf("%s: <program filename=%q> has unparseable num_partition_sectors, skipped", path, filename))
			continue
		}
		sectorSize, _ := parseUintAttr(el.attrs, "SECTOR_SIZE_IN_BYTES")

		tasks = append(tasks, FlashTask{
			SourcePath:          sourcePath,
			Filename:            filename,
			Label:               el.attrs["label"],
			PhysicalPartition:   int(lun),
			StartSector:         startSector,
			NumPartitionSectors: numSectors,
			SectorSizeInBytes:   uint32(sectorSize),
		})
	}
	return tasks, nil
}

func parsePatch(path string, warn func(string)) ([]PatchOp, error) {
	doc, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	var patches []PatchOp
	for _, el := range tokenizeElements(doc) {
		if el.tag != "patch" {
			continue
		}
		lun, errLun := parseUintAttr(el.attrs, "physical_partition_number")
		startSector, errStart := parseUintAttr(el.attrs, "start_sector")
		byteOffset, errOff := parseUintAttr(el.attrs, "byte_offset")
		size, errSize := parseUintAttr(el.attrs, "size_in_bytes")
		if errLun != nil || errStart != nil || errOff != nil || errSize != nil {
			warn(fmt.Sprintf("%s: <patch> has an unparseable required attribute, skipped", path))
			continue
		}
		value, err := parsePatchValue(el.attrs["value"])
		if err != nil {
			warn(fmt.Sprintf("%s: <patch> has an unparseable value %q, skipped", path, el.attrs["value"]))
			continue
		}
		sectorSize, _ := parseUintAttr(el.attrs, "SECTOR_SIZE_IN_BYTES")

		patches = append(patches, PatchOp{
			PhysicalPartition: int(lun),
			StartSector:       startSector,
			ByteOffset:        byteOffset,
			SizeInBytes:       size,
			Value:             value,
			SectorSizeInBytes: uint32(sectorSize),
		})
	}
	return patches, nil
}

// parsePatchValue accepts a decimal or hex ("0x...") literal, or a
// CRC32(start_sector,size_in_bytes) token per §4.6.
func parsePatchValue(raw string) (PatchValue, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "CRC32(") && strings.HasSuffix(raw, ")") {
		inner := strings.TrimSuffix(strings.TrimPrefix(raw, "CRC32("), ")")
		parts := strings.Split(inner, ",")
		if len(parts) != 2 {
			return PatchValue{}, fmt.Errorf("malformed CRC32 token %q", raw)
		}
		sector, err := strconv.ParseUint(strings.TrimSpace(parts[0]), 0, 64)
		if err != nil {
			return PatchValue{}, err
		}
		size, err := strconv.ParseUint(strings.TrimSpace(parts[1]), 0, 64)
		if err != nil {
			return PatchValue{}, err
		}
		return PatchValue{IsCRC32: true, CRC32Sector: sector, CRC32SizeInBytes: size}, nil
	}

	n, err := strconv.ParseUint(raw, 0, 64)
	if err != nil {
		return PatchValue{}, err
	}
	return PatchValue{Literal: n}, nil
}

func parseUintAttr(attrs map[string]string, key string) (uint64, error) {
	v, ok := attrs[key]
	if !ok || v == "" {
		return 0, fmt.Errorf("missing attribute %q", key)
	}
	return strconv.ParseUint(v, 0, 64)
}
