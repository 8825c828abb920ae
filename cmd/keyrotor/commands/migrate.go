package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewMigrateCommand creates the ledger schema and cursor.
func NewMigrateCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the ledger schema",
		Long: `Create the ledger tables and the rotation cursor if they do not exist.
Safe to run repeatedly. The memory backend has nothing to create.

Examples:
  keyrotor migrate --config prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			ledger, closeLedger, err := openLedger(cmd.Context(), cfg.Ledger)
			if err != nil {
				return err
			}
			defer closeLedger()

			prepared, err := ensureSchema(cmd.Context(), ledger)
			if err != nil {
				return err
			}
			if !prepared {
				fmt.Fprintf(cmd.OutOrStdout(), "%s ledger: nothing to migrate\n", cfg.Ledger.Backend)
				return nil
			}
			logger.Info("schema ready", "backend", cfg.Ledger.Backend)
			fmt.Fprintf(cmd.OutOrStdout(), "%s ledger: schema ready\n", cfg.Ledger.Backend)
			return nil
		},
	}
}
