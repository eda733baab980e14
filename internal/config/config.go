package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/weftlabs/weft/pkg/wire"
)

// Duration is a time.Duration that round-trips through TOML as a string
// like "30s" or "1m30s".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Config is the top-level configuration for weft.
// It is persisted as a TOML file at DefaultConfigPath().
type Config struct {
	Device  DeviceConfig  `toml:"device"`
	Mesh    MeshConfig    `toml:"mesh"`
	Sidecar SidecarConfig `toml:"sidecar"`
	Wire    WireConfig    `toml:"wire"`
}

// DeviceConfig identifies this device within the fleet.
type DeviceConfig struct {
	// ID is the stable device identifier. Generated once by `weft init` and
	// never changed; the overlay hostname is derived from it.
	ID string `toml:"id"`

	// Name is a human-readable label (e.g. "workbench", "laptop").
	Name string `toml:"name"`

	// Type is a free-form device class (e.g. "desktop", "laptop", "phone").
	Type string `toml:"type"`

	// PreferPrimary enters elections as a user-designated candidate, winning
	// over any uptime.
	PreferPrimary bool `toml:"prefer_primary,omitempty"`
}

// MeshConfig controls fleet membership and coordination cadence.
type MeshConfig struct {
	// HostnamePrefix scopes this fleet on a shared tailnet. Devices whose
	// hostnames lack the prefix are invisible to the mesh.
	HostnamePrefix string `toml:"hostname_prefix"`

	// AnnounceInterval is the periodic device:announce cadence.
	AnnounceInterval Duration `toml:"announce_interval,omitempty"`

	// Port is the overlay port peers dial. The sidecar listens here.
	Port int `toml:"port,omitempty"`
}

// SidecarConfig locates and configures the overlay sidecar process.
type SidecarConfig struct {
	// Binary is the sidecar executable, resolved via $PATH when relative.
	Binary string `toml:"binary"`

	// StateDir holds the sidecar's tailnet state (node keys, etc).
	StateDir string `toml:"state_dir"`

	// AuthKey pre-authorizes the device on the tailnet. When empty the
	// sidecar falls back to interactive login.
	AuthKey string `toml:"auth_key,omitempty"`
}

// WireConfig selects the frame encoding between devices.
type WireConfig struct {
	// Format is "binary" (msgpack) or "json".
	Format string `toml:"format"`

	// Compression enables zstd for frames above the size threshold.
	Compression bool `toml:"compression,omitempty"`
}

// DefaultConfig returns a Config populated with sensible defaults.
// Device identity (id, name, type) is left empty and must be filled in by
// the user or by `weft init`.
func DefaultConfig() *Config {
	return &Config{
		Mesh: MeshConfig{
			HostnamePrefix:   "weft",
			AnnounceInterval: Duration(30 * time.Second),
			Port:             443,
		},
		Sidecar: SidecarConfig{
			Binary: "weft-sidecar",
		},
		Wire: WireConfig{
			Format: "binary",
		},
	}
}

// DefaultConfigPath returns the default path for the weft config file.
// It respects $XDG_CONFIG_HOME if set, otherwise falls back to ~/.config.
func DefaultConfigPath() (string, error) {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "weft", "config.toml"), nil
}

// DefaultStateDir returns the default sidecar state directory. It respects
// $XDG_STATE_HOME if set, otherwise falls back to ~/.local/state.
func DefaultStateDir() (string, error) {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("determining home directory: %w", err)
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "weft"), nil
}

// LoadConfig reads and decodes a TOML config file from the given path.
// If the file does not exist, it returns an error wrapping fs.ErrNotExist.
// After loading, defaults are applied for any unset optional fields.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

// SaveConfig encodes the config as TOML and writes it to the given path.
// Parent directories are created if they don't exist. The file is written
// with mode 0600 since the auth key is a credential.
func SaveConfig(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	enc := toml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}

	return nil
}

// Validate checks that the config is complete enough to run a node.
func (c *Config) Validate() error {
	if c.Device.ID == "" {
		return errors.New("device.id is not set; run `weft init`")
	}
	if c.Device.Type == "" {
		return errors.New("device.type is not set")
	}
	if c.Mesh.HostnamePrefix == "" {
		return errors.New("mesh.hostname_prefix is not set")
	}
	if c.Sidecar.Binary == "" {
		return errors.New("sidecar.binary is not set")
	}
	if _, err := c.WireFormat(); err != nil {
		return err
	}
	return nil
}

// WireFormat resolves the configured frame encoding.
func (c *Config) WireFormat() (wire.Format, error) {
	f, err := wire.ParseFormat(c.Wire.Format)
	if err != nil {
		return 0, fmt.Errorf("wire.format: %w", err)
	}
	return f, nil
}

// Hostname returns the deterministic overlay hostname for this device.
func (c *Config) Hostname() string {
	return fmt.Sprintf("%s-%s-%s", c.Mesh.HostnamePrefix, c.Device.Type, c.Device.ID)
}

// applyDefaults fills in default values for optional fields that are
// zero-valued after TOML decoding.
func applyDefaults(cfg *Config) {
	if cfg.Mesh.HostnamePrefix == "" {
		cfg.Mesh.HostnamePrefix = "weft"
	}
	if cfg.Mesh.AnnounceInterval <= 0 {
		cfg.Mesh.AnnounceInterval = Duration(30 * time.Second)
	}
	if cfg.Mesh.Port == 0 {
		cfg.Mesh.Port = 443
	}
	if cfg.Sidecar.Binary == "" {
		cfg.Sidecar.Binary = "weft-sidecar"
	}
	if cfg.Wire.Format == "" {
		cfg.Wire.Format = "binary"
	}
}
