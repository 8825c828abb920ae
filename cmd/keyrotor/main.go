package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyrotor/cmd/keyrotor/commands"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	opts := &commands.Options{}

	rootCmd := &cobra.Command{
		Use:   "keyrotor",
		Short: "Quota-bounded credential rotation service",
		Long: `keyrotor hands out secrets from a fixed pool in round-robin order while
enforcing per-secret daily ceilings and per-identity daily and lifetime quotas.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			commands.LoadEnvFile(cmd.ErrOrStderr(), opts.EnvFile)
		},
	}

	rootCmd.PersistentFlags().StringVar(&opts.ConfigPath, "config", "keyrotor.yaml", "Config file path")
	rootCmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "Dotenv file loaded before the config, if present")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Log level override (debug, info, warn, error)")

	rootCmd.AddCommand(
		commands.NewServeCommand(opts),
		commands.NewSweepCommand(opts),
		commands.NewRegisterCommand(opts),
		commands.NewUsageCommand(opts),
		commands.NewProofCommand(opts),
		commands.NewOpenCommand(opts),
		commands.NewMigrateCommand(opts),
	)

	return rootCmd.Execute()
}
