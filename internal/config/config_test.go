package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"

	"github.com/weftlabs/weft/pkg/wire"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := DefaultConfig()
	cfg.Device = DeviceConfig{ID: "abc-123", Name: "workbench", Type: "desktop", PreferPrimary: true}
	cfg.Mesh.AnnounceInterval = Duration(45 * time.Second)
	cfg.Sidecar.StateDir = "/var/lib/weft"
	cfg.Sidecar.AuthKey = "tskey-test"
	cfg.Wire = WireConfig{Format: "json", Compression: true}

	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if got.Device != cfg.Device {
		t.Errorf("device = %+v, want %+v", got.Device, cfg.Device)
	}
	if got.Mesh.AnnounceInterval != Duration(45*time.Second) {
		t.Errorf("announce_interval = %v", time.Duration(got.Mesh.AnnounceInterval))
	}
	if got.Sidecar.AuthKey != "tskey-test" {
		t.Errorf("auth_key = %q", got.Sidecar.AuthKey)
	}
	if f, err := got.WireFormat(); err != nil || f != wire.FormatJSON {
		t.Errorf("WireFormat() = %v, %v", f, err)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("error = %v, want fs.ErrNotExist", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.toml")
	cfg := &Config{Device: DeviceConfig{ID: "abc", Name: "x", Type: "laptop"}}
	if err := SaveConfig(path, cfg); err != nil {
		t.Fatalf("SaveConfig: %v", err)
	}
	got, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if got.Mesh.HostnamePrefix != "weft" {
		t.Errorf("hostname_prefix = %q", got.Mesh.HostnamePrefix)
	}
	if got.Mesh.Port != 443 {
		t.Errorf("port = %d", got.Mesh.Port)
	}
	if got.Mesh.AnnounceInterval != Duration(30*time.Second) {
		t.Errorf("announce_interval = %v", time.Duration(got.Mesh.AnnounceInterval))
	}
	if got.Wire.Format != "binary" {
		t.Errorf("format = %q", got.Wire.Format)
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"complete", func(c *Config) {}, false},
		{"missing id", func(c *Config) { c.Device.ID = "" }, true},
		{"missing type", func(c *Config) { c.Device.Type = "" }, true},
		{"missing prefix", func(c *Config) { c.Mesh.HostnamePrefix = "" }, true},
		{"missing binary", func(c *Config) { c.Sidecar.Binary = "" }, true},
		{"bad format", func(c *Config) { c.Wire.Format = "xml" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := DefaultConfig()
			cfg.Device = DeviceConfig{ID: "abc", Name: "x", Type: "desktop"}
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestHostname(t *testing.T) {
	t.Parallel()

	cfg := DefaultConfig()
	cfg.Device = DeviceConfig{ID: "abc-123-def", Type: "desktop"}
	if got := cfg.Hostname(); got != "weft-desktop-abc-123-def" {
		t.Errorf("Hostname() = %q", got)
	}
}

func TestDurationText(t *testing.T) {
	t.Parallel()

	var d Duration
	if err := d.UnmarshalText([]byte("1m30s")); err != nil {
		t.Fatalf("UnmarshalText: %v", err)
	}
	if time.Duration(d) != 90*time.Second {
		t.Errorf("d = %v", time.Duration(d))
	}
	if err := d.UnmarshalText([]byte("soon")); err == nil {
		t.Error("UnmarshalText accepted garbage")
	}
	text, err := Duration(2 * time.Second).MarshalText()
	if err != nil || string(text) != "2s" {
		t.Errorf("MarshalText = %q, %v", text, err)
	}
}
