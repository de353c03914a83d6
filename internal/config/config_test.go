package config

import "testing"

func TestApplyEnvOverrides(t *testing.T) {
	cfg := &SessionConfig{Transport: TransportAutoProbe, Auth: AuthStandard, ProtectLun5: true}
	t.Setenv("EDL_PORT", "/dev/ttyUSB0")
	t.Setenv("EDL_AUTH", string(AuthVip))
	t.Setenv("EDL_PROTECT_LUN5", "false")

	applyEnvOverrides(cfg)

	if cfg.PortName != "/dev/ttyUSB0" {
		t.Errorf("PortName = %q, want /dev/ttyUSB0", cfg.PortName)
	}
	if cfg.Auth != AuthVip {
		t.Errorf("Auth = %q, want %q", cfg.Auth, AuthVip)
	}
	if cfg.ProtectLun5 {
		t.Errorf("ProtectLun5 = true, want false")
	}
}

func TestParseEnvFile(t *testing.T) {
	cfg := &SessionConfig{}
	content := "# comment\nEDL_PORT=COM4\nEDL_LOADER_DIR=/loaders\nEDL_AUTH=xiaomi\n\nBOGUS=ignored\n"
	parseEnvFile(content, cfg)

	if cfg.PortName != "COM4" {
		t.Errorf("PortName = %q, want COM4", cfg.PortName)
	}
	if cfg.LoaderDir != "/loaders" {
		t.Errorf("LoaderDir = %q, want /loaders", cfg.LoaderDir)
	}
	if cfg.Auth != AuthXiaomi {
		t.Errorf("Auth = %q, want xiaomi", cfg.Auth)
	}
}

func TestApplyEnvOverridesFirmwarePath(t *testing.T) {
	cfg := &SessionConfig{}
	t.Setenv("EDL_FIRMWARE_PATH", "/firmware/oem")
	applyEnvOverrides(cfg)
	if cfg.FirmwarePath != "/firmware/oem" {
		t.Errorf("FirmwarePath = %q, want /firmware/oem", cfg.FirmwarePath)
	}
}

func TestLoadCachesResult(t *testing.T) {
	Reset()
	t.Setenv("EDL_PORT", "/dev/ttyACM0")
	a, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	t.Setenv("EDL_PORT", "/dev/ttyACM1")
	b, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if a != b {
		t.Errorf("Load did not return cached singleton")
	}
	if b.PortName != "/dev/ttyACM0" {
		t.Errorf("cached PortName = %q, want /dev/ttyACM0 (second env change should not apply)", b.PortName)
	}
	Reset()
}
