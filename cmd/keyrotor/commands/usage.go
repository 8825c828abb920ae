package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// NewUsageCommand prints today's usage for an identity and the pool.
func NewUsageCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "usage <identity>",
		Short: "Show today's usage for an identity",
		Long: `Show today's daily and lifetime usage for an identity, followed by the
per-key hit counts and the rotation cursor.

Examples:
  keyrotor usage 3f1c9a52-8d7e-4b0a-9c61-2a4f5e7d8b90`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			e, closeLedger, err := openEnforcer(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer closeLedger()

			snap, err := e.Usage(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "identity:  %s\n", args[0])
			fmt.Fprintf(out, "day:       %s\n", e.Today())
			fmt.Fprintf(out, "daily:     %d/%d\n", snap.Identity.DailyUses, cfg.IdentityDailyCeiling)
			fmt.Fprintf(out, "lifetime:  %d/%d\n", snap.Identity.LifetimeUses, cfg.IdentityLifetimeCeiling)
			fmt.Fprintf(out, "cursor:    %d\n\n", snap.Cursor.LastIndex)

			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SECRET\tHITS\tREMAINING")
			for _, k := range snap.Keys {
				fmt.Fprintf(w, "%s\t%d\t%d\n", k.SecretID, k.Hits, max(cfg.SecretDailyCeiling-k.Hits, 0))
			}
			return w.Flush()
		},
	}
}
