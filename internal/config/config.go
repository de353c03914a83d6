// Package config loads the operator-supplied session options for an
// EDL flashing run: the serial port name, loader directory, auth
// type, and related flags. Values come from a ".env" file in the
// project root, overridden by environment variables, mirroring how
// other host-facing settings are sourced in this codebase.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// AuthType selects which DeviceStrategy variant (§4.5) the
// orchestrator should drive.
type AuthType string

const (
	AuthStandard AuthType = "standard"
	AuthVip      AuthType = "vip"
	AuthXiaomi   AuthType = "xiaomi"
)

// TransportKind selects the SerialTransport backend (§4.1).
type TransportKind string

const (
	TransportTTY      TransportKind = "tty"
	TransportUSBBulk  TransportKind = "usb"
	TransportAutoProbe TransportKind = "auto"
)

// SessionConfig holds everything the SmartOrchestrator needs to open
// a device and run a flash.
type SessionConfig struct {
	PortName      string
	Transport     TransportKind
	LoaderDir     string
	LoaderPath    string // operator-supplied explicit override, §4.2 loader selection step 1
	FirmwarePath  string // directory or single rawprogram*.xml, §4.6
	Auth          AuthType
	DigestPath    string
	SignaturePath string
	ProtectLun5   bool
	ResetAfter    bool
	Verbose       bool
}

var (
	sessionConfig *SessionConfig
	configLoaded  bool
)

// Load reads session configuration, caching the result for the
// process lifetime. Call Reset to force a re-read (used by tests).
func Load() (*SessionConfig, error) {
	if sessionConfig != nil && configLoaded {
		return sessionConfig, nil
	}

	cfg := &SessionConfig{
		Transport:   TransportAutoProbe,
		Auth:        AuthStandard,
		ProtectLun5: true,
		ResetAfter:  true,
	}

	projectRoot := findProjectRoot()
	envPath := filepath.Join(projectRoot, ".env")
	if data, err := os.ReadFile(envPath); err == nil {
		parseEnvFile(string(data), cfg)
	}

	applyEnvOverrides(cfg)

	sessionConfig = cfg
	configLoaded = true
	return cfg, nil
}

// Reset clears the cached configuration so the next Load call
// re-reads the environment. Exposed for tests that need isolation.
func Reset() {
	sessionConfig = nil
	configLoaded = false
}

func applyEnvOverrides(cfg *SessionConfig) {
	if v := os.Getenv("EDL_PORT"); v != "" {
		cfg.PortName = v
	}
	if v := os.Getenv("EDL_TRANSPORT"); v != "" {
		cfg.Transport = TransportKind(v)
	}
	if v := os.Getenv("EDL_LOADER_DIR"); v != "" {
		cfg.LoaderDir = v
	}
	if v := os.Getenv("EDL_LOADER_PATH"); v != "" {
		cfg.LoaderPath = v
	}
	if v := os.Getenv("EDL_FIRMWARE_PATH"); v != "" {
		cfg.FirmwarePath = v
	}
	if v := os.Getenv("EDL_AUTH"); v != "" {
		cfg.Auth = AuthType(v)
	}
	if v := os.Getenv("EDL_DIGEST_PATH"); v != "" {
		cfg.DigestPath = v
	}
	if v := os.Getenv("EDL_SIGNATURE_PATH"); v != "" {
		cfg.SignaturePath = v
	}
	if v := os.Getenv("EDL_PROTECT_LUN5"); v != "" {
		cfg.ProtectLun5 = parseBool(v, cfg.ProtectLun5)
	}
	if v := os.Getenv("EDL_RESET_AFTER"); v != "" {
		cfg.ResetAfter = parseBool(v, cfg.ResetAfter)
	}
	if v := os.Getenv("EDL_VERBOSE"); v != "" {
		cfg.Verbose = parseBool(v, cfg.Verbose)
	}
}

func parseBool(s string, fallback bool) bool {
	b, err := strconv.ParseBool(strings.TrimSpace(s))
	if err != nil {
		return fallback
	}
	return b
}

func parseEnvFile(content string, cfg *SessionConfig) {
	lines := strings.Split(content, "\n")
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		value := strings.TrimSpace(parts[1])

		switch key {
		case "EDL_PORT":
			cfg.PortName = value
		case "EDL_TRANSPORT":
			cfg.Transport = TransportKind(value)
		case "EDL_LOADER_DIR":
			cfg.LoaderDir = value
		case "EDL_LOADER_PATH":
			cfg.LoaderPath = value
		case "EDL_FIRMWARE_PATH":
			cfg.FirmwarePath = value
		case "EDL_AUTH":
			cfg.Auth = AuthType(value)
		case "EDL_DIGEST_PATH":
			cfg.DigestPath = value
		case "EDL_SIGNATURE_PATH":
			cfg.SignaturePath = value
		case "EDL_PROTECT_LUN5":
			cfg.ProtectLun5 = parseBool(value, cfg.ProtectLun5)
		case "EDL_RESET_AFTER":
			cfg.ResetAfter = parseBool(value, cfg.ResetAfter)
		case "EDL_VERBOSE":
			cfg.Verbose = parseBool(value, cfg.Verbose)
		}
	}
}

func findProjectRoot() string {
	cwd, _ := os.Getwd()
	if _, err := os.Stat(filepath.Join(cwd, ".env")); err == nil {
		return cwd
	}
	for {
		if _, err := os.Stat(filepath.Join(cwd, "go.mod")); err == nil {
			return cwd
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			return cwd
		}
		cwd = parent
	}
}
