package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/chaz8081/gostt-daemon/internal/config"
)

func newRootCmd() *cobra.Command {
	var configPath string

	serve := newServeCmd(&configPath)
	root := &cobra.Command{
		Use:   "gostt-daemon",
		Short: "Local whisper.cpp transcription daemon speaking JSON lines",
		Long: "gostt-daemon keeps whisper models loaded and transcribes WAV files on request.\n" +
			"Requests arrive as one JSON object per line on stdin, responses leave the same\n" +
			"way on stdout, and diagnostics are written to stderr.",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to config file (default: ~/.config/gostt-daemon/config.yaml)")
	root.Flags().AddFlagSet(serve.Flags())

	root.AddCommand(serve, newModelsCmd(&configPath), newConfigCmd())
	return root
}

// loadConfig loads the config from the specified path, or falls back to
// the default config path, or uses built-in defaults. source describes
// where the values came from.
func loadConfig(path string) (cfg *config.Config, source string, err error) {
	if path != "" {
		cfg, err := config.Load(path)
		return cfg, path, err
	}

	// Try default config path
	defaultPath := config.DefaultConfigPath()
	if _, err := os.Stat(defaultPath); err == nil {
		cfg, err := config.Load(defaultPath)
		if err != nil {
			return nil, "", fmt.Errorf("loading %s: %w", defaultPath, err)
		}
		return cfg, defaultPath, nil
	}

	// No config file, use defaults
	return config.Default(), "defaults", nil
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a commented default config if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, err := config.WriteDefault()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if path == "" {
				fmt.Fprintf(out, "Config already exists at %s\n", config.DefaultConfigPath())
				return nil
			}
			fmt.Fprintf(out, "Wrote default config to %s\n", path)
			return nil
		},
	})
	return cmd
}
