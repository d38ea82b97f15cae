package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/modelproxy/internal/config"
)

var (
	settingsFile string
	backendsFile string
)

var rootCmd = &cobra.Command{
	Use:   "modelproxy",
	Short: "OpenAI-compatible gateway in front of several model servers",
	Long: `modelproxy exposes one OpenAI-compatible endpoint in front of any number of
model servers. It discovers the models each server offers, adds virtual models
from configured profiles, rewrites request bodies per server and profile, and
relays responses (streaming included) back to the client.

Running modelproxy without a subcommand is the same as "modelproxy serve".`,
	SilenceUsage: true,
	RunE:         runServe,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&settingsFile, "settings", "s", "modelproxy.yaml", "settings file path (optional)")
	rootCmd.PersistentFlags().StringVarP(&backendsFile, "config", "c", "", "backend catalog path (overrides the backends setting)")
}

// loadSettings reads settings and applies the --config override.
func loadSettings() (*config.Settings, error) {
	settings, err := config.Load(settingsFile)
	if err != nil {
		return nil, fmt.Errorf("loading settings: %w", err)
	}
	if backendsFile != "" {
		settings.Backends = backendsFile
	}
	return settings, nil
}
