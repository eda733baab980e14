package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/weftlabs/weft/internal/mesh"
	"github.com/weftlabs/weft/internal/sidecar"
	"github.com/weftlabs/weft/pkg/protocol"
)

var (
	devSidecarBinary string
	devStateDir      string
	devAuthKey       string
)

var devCmd = &cobra.Command{
	Use:   "dev",
	Short: "Run the mesh node in the foreground",
	Long: `Starts the sidecar, joins the fleet, and runs until interrupted.
If the device is not yet authorized on the tailnet, the login URL is
printed along with a QR code for scanning from a phone.`,
	RunE: runDev,
}

func init() {
	devCmd.Flags().StringVar(&devSidecarBinary, "sidecar", "", "sidecar binary (overrides config)")
	devCmd.Flags().StringVar(&devStateDir, "state-dir", "", "sidecar state directory (overrides config)")
	devCmd.Flags().StringVar(&devAuthKey, "auth-key", "", "tailnet auth key (overrides config)")
}

func runDev(cmd *cobra.Command, args []string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if devSidecarBinary != "" {
		cfg.Sidecar.Binary = devSidecarBinary
	}
	if devStateDir != "" {
		cfg.Sidecar.StateDir = devStateDir
	}
	if devAuthKey != "" {
		cfg.Sidecar.AuthKey = devAuthKey
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	format, err := cfg.WireFormat()
	if err != nil {
		return err
	}

	log := globalLogger
	node, err := mesh.New(mesh.Config{
		Device: protocol.Device{
			ID:   cfg.Device.ID,
			Type: cfg.Device.Type,
			Name: cfg.Device.Name,
		},
		HostnamePrefix:   cfg.Mesh.HostnamePrefix,
		PreferPrimary:    cfg.Device.PreferPrimary,
		Port:             cfg.Mesh.Port,
		Format:           format,
		Compression:      cfg.Wire.Compression,
		AnnounceInterval: time.Duration(cfg.Mesh.AnnounceInterval),
		Logger:           log,
		NewSidecar: func(hooks sidecar.Hooks) mesh.SidecarClient {
			return sidecar.New(sidecar.Config{
				BinaryPath: cfg.Sidecar.Binary,
				Logger:     log,
				Hooks:      hooks,
			})
		},
		SidecarStart: sidecar.StartParams{
			Hostname: cfg.Hostname(),
			StateDir: cfg.Sidecar.StateDir,
			AuthKey:  cfg.Sidecar.AuthKey,
		},
		Hooks: mesh.Hooks{
			OnAuthRequired: printAuthURL,
			OnRoleChanged: func(role protocol.Role) {
				log.Info("role changed", "role", string(role))
			},
			OnDeviceDiscovered: func(d protocol.Device) {
				log.Info("device discovered", "device_id", d.ID, "name", d.Name)
			},
			OnDeviceOffline: func(d protocol.Device) {
				log.Info("device offline", "device_id", d.ID, "name", d.Name)
			},
			OnPrimaryChanged: func(primaryID string) {
				log.Info("primary changed", "primary_id", primaryID)
			},
		},
	})
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := node.Start(ctx); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "weft is up as %s (%s)\n", cfg.Device.Name, cfg.Hostname())

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "shutting down...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	return node.Stop(stopCtx)
}

// printAuthURL shows the interactive tailnet login both as text and as a
// scannable QR code.
func printAuthURL(authURL string) {
	fmt.Fprintf(os.Stderr, "\nThis device needs to be authorized:\n\n  %s\n\n", authURL)
	qr, err := qrcode.New(authURL, qrcode.Medium)
	if err != nil {
		return
	}
	fmt.Fprintln(os.Stderr, qr.ToSmallString(false))
	fmt.Fprintln(os.Stderr, "Scan the QR code from a logged-in phone to approve.")
}
