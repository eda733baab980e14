package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/config"
)

var (
	initName          string
	initType          string
	initPrefix        string
	initPreferPrimary bool
	initAuthKey       string
	initNoInput       bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the device configuration",
	Long: `Generates a stable device id, writes the config file, and creates
the sidecar state directory. Run once per device.

Without flags an interactive form collects the device name and type;
with --no-input the flag values are used as-is.`,
	RunE: runInit,
}

func init() {
	initCmd.Flags().StringVar(&initName, "name", "", "human-readable device name")
	initCmd.Flags().StringVar(&initType, "type", "desktop", "device type (desktop, laptop, server, phone)")
	initCmd.Flags().StringVar(&initPrefix, "prefix", "weft", "fleet hostname prefix on the tailnet")
	initCmd.Flags().BoolVar(&initPreferPrimary, "prefer-primary", false, "prefer this device in primary elections")
	initCmd.Flags().StringVar(&initAuthKey, "auth-key", "", "tailnet auth key for unattended login")
	initCmd.Flags().BoolVar(&initNoInput, "no-input", false, "never prompt; use flag values")
}

func runInit(cmd *cobra.Command, args []string) error {
	path, err := resolvedConfigPath()
	if err != nil {
		return err
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists at %s", path)
	}

	if initName == "" {
		if hostname, err := os.Hostname(); err == nil {
			initName = hostname
		}
	}

	if !initNoInput {
		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Device name").
					Description("A label for this device, shown to your other devices.").
					Value(&initName),
				huh.NewSelect[string]().
					Title("Device type").
					Options(
						huh.NewOption("Desktop", "desktop"),
						huh.NewOption("Laptop", "laptop"),
						huh.NewOption("Server", "server"),
						huh.NewOption("Phone", "phone"),
					).
					Value(&initType),
				huh.NewConfirm().
					Title("Prefer this device as primary?").
					Description("A designated device wins elections regardless of uptime.").
					Value(&initPreferPrimary),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}
	}
	if initName == "" {
		return fmt.Errorf("device name is required")
	}

	stateDir, err := config.DefaultStateDir()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return fmt.Errorf("creating state directory %s: %w", stateDir, err)
	}

	cfg := config.DefaultConfig()
	cfg.Device = config.DeviceConfig{
		ID:            uuid.NewString(),
		Name:          initName,
		Type:          initType,
		PreferPrimary: initPreferPrimary,
	}
	cfg.Mesh.HostnamePrefix = initPrefix
	cfg.Sidecar.StateDir = stateDir
	cfg.Sidecar.AuthKey = initAuthKey

	if err := config.SaveConfig(path, cfg); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Wrote %s\n", path)
	fmt.Fprintf(os.Stderr, "Device id: %s\n", cfg.Device.ID)
	fmt.Fprintf(os.Stderr, "Overlay hostname: %s\n", cfg.Hostname())
	fmt.Fprintln(os.Stderr, "Run 'weft dev' to join the mesh.")
	return nil
}
