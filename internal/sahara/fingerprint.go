package sahara

// DeviceFingerprint is produced by the handshake (§3) and is immutable
// once populated. HELLO-supplied fields are authoritative; command-mode
// (EXECUTE) fields only fill gaps HELLO left empty, per spec.md §9's
// open-question resolution.
type DeviceFingerprint struct {
	ChipName      string
	MsmID         string
	PkHash        string
	OemID         string
	ModelID       string
	Serial        string
	SaharaVersion uint32
	Is64Bit       bool
	StorageType   string // "ufs" | "emmc" | ""
}
