package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the device configuration",
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, path, err := loadConfig()
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Config:   %s\n", path)
	fmt.Fprintf(os.Stderr, "Device:   %s (%s, id %s)\n", cfg.Device.Name, cfg.Device.Type, cfg.Device.ID)
	fmt.Fprintf(os.Stderr, "Hostname: %s\n", cfg.Hostname())
	fmt.Fprintf(os.Stderr, "Fleet:    prefix %q, announce every %s, port %d\n",
		cfg.Mesh.HostnamePrefix, time.Duration(cfg.Mesh.AnnounceInterval), cfg.Mesh.Port)
	fmt.Fprintf(os.Stderr, "Sidecar:  %s (state in %s)\n", cfg.Sidecar.Binary, cfg.Sidecar.StateDir)
	fmt.Fprintf(os.Stderr, "Wire:     %s, compression %v\n", cfg.Wire.Format, cfg.Wire.Compression)
	if cfg.Device.PreferPrimary {
		fmt.Fprintln(os.Stderr, "Election: user-designated primary")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config incomplete: %w", err)
	}
	return nil
}
