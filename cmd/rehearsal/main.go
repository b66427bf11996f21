package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/ent0n29/rehearsal/internal/config"
)

// Set at build time via -ldflags.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

func main() {
	os.Exit(execute(newRootCmd()))
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rehearsal",
		Short: "Real-time voice rehearsal server",
		Long: "Rehearsal runs spoken practice conversations between a trainee and an AI persona. " +
			"The serve command hosts the HTTP and WebSocket API; the other commands exercise or inspect it.",
		SilenceUsage: true,
	}

	cmd.AddCommand(
		newServeCmd(),
		newProbeCmd(),
		newLoadSimCmd(),
		newPersonasCmd(),
		newVersionCmd(),
	)
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rehearsal %s (commit: %s, built: %s)\n", Version, Commit, Date)
		},
	}
}

// loadConfig reads an optional dotenv file into the environment before
// parsing it. A missing default file is not an error.
func loadConfig(envFile string, required bool) (config.Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			if required || !errors.Is(err, fs.ErrNotExist) {
				return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
			}
		}
	}
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func addEnvFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "env-file", ".env", "dotenv file loaded before reading the environment")
}
