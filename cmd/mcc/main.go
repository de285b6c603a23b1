package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/moltbook/mcc/internal/config"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:     "mcc",
		Short:   "mcc — Moltbot Command Center gateway client",
		Long:    "Connects to a moltbot gateway over a single WebSocket, authenticates with a bearer token or a signed device identity, and streams chat sessions.",
		Version: version,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ~/.mcc/config.yaml)")

	root.AddCommand(
		chatCmd(&configPath),
		sessionsCmd(&configPath),
		identityCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfig loads the config from the --config flag or the default
// location.
func resolveConfig(path string) (*config.Config, string, error) {
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return nil, "", fmt.Errorf("resolve config path: %w", err)
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}
