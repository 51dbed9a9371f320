// Package main is the entry point for the gcl-looper daemon CLI.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/infraguys/gcl-looper/launchpad"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "gcl-looper",
		Short:         "Run looping services from a YAML configuration",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), runCmd(), checkCmd(), servicesCmd(), serviceCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and registered service kinds",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Printf("gcl-looper %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func runCmd() *cobra.Command {
	var verbose bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start all configured services and block until stopped",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			if cfgPath == "" {
				resolved, err := resolveConfigPath()
				if err != nil {
					return err
				}
				cfgPath = resolved
			}

			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			return launchpad.Run(launchpad.RunParams{
				ConfigPath: cfgPath,
				LogLevel:   level,
			})
		},
	}
	cmd.Flags().StringP("config", "c", "", "Path to configuration file")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Validate configuration",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := launchpad.Load(args[0])
			if err != nil {
				return err
			}
			if err := launchpad.Validate(cfg); err != nil {
				return err
			}

			instances := 0
			for _, svc := range cfg.Services {
				if svc.Count > 1 {
					instances += svc.Count
				} else {
					instances++
				}
			}
			fmt.Printf("Configuration OK (%d service instances, %d cron jobs)\n", instances, len(cfg.Cron))
			return nil
		},
	}
}

func servicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "services",
		Short: "List registered service kinds",
		Run: func(_ *cobra.Command, _ []string) {
			kinds := launchpad.Kinds()
			if len(kinds) == 0 {
				fmt.Println("No registered service kinds.")
				return
			}
			for _, kind := range kinds {
				fmt.Println(kind)
			}
		},
	}
}

// resolveConfigPath searches for a config file in standard locations.
// Search order: $XDG_CONFIG_HOME/gcl-looper/gcl-looper.yaml → ./gcl-looper.yaml
func resolveConfigPath() (string, error) {
	var candidates []string

	if xdg, ok := os.LookupEnv("XDG_CONFIG_HOME"); ok {
		candidates = append(candidates, filepath.Join(xdg, "gcl-looper", "gcl-looper.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".config", "gcl-looper", "gcl-looper.yaml"))
	}

	candidates = append(candidates, "gcl-looper.yaml")

	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no configuration file found (searched: %v)", candidates)
}
