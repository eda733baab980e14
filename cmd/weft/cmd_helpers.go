package main

import (
	"fmt"

	"github.com/weftlabs/weft/internal/config"
)

// resolvedConfigPath returns the --config flag value or the default path.
func resolvedConfigPath() (string, error) {
	if globalConfigPath != "" {
		return globalConfigPath, nil
	}
	return config.DefaultConfigPath()
}

// loadConfig reads the config file, pointing the user at `weft init` when it
// is missing.
func loadConfig() (*config.Config, string, error) {
	path, err := resolvedConfigPath()
	if err != nil {
		return nil, "", err
	}
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return nil, path, fmt.Errorf("%w (run 'weft init' first)", err)
	}
	return cfg, path, nil
}
