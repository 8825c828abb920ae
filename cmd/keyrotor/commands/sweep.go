package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyrotor"
	"github.com/ineyio/keyrotor/meter"
	"github.com/ineyio/keyrotor/sweep"
)

// NewSweepCommand runs one sweep and prints the result.
func NewSweepCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reset stale day-scoped counters once",
		Long: `Reset every per-key and per-identity daily counter and the rotation cursor
whose day is not today. Lifetime usage is preserved. Running it twice on the
same day is a no-op.

Examples:
  keyrotor sweep
  keyrotor sweep --config prod.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := opts.load(cmd)
			if err != nil {
				return err
			}

			e, closeLedger, err := openEnforcer(cmd.Context(), cfg, logger,
				keyrotor.WithMeter(meter.NewLogMeter(logger)),
			)
			if err != nil {
				return err
			}
			defer closeLedger()

			res, err := sweep.New(e, cfg.SweepSchedule(),
				sweep.WithTimeout(cfg.Sweep.Timeout),
				sweep.WithLogger(logger),
			).RunOnce(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(sweepOutput{
				Day:             string(res.Day),
				KeysReset:       res.Keys,
				IdentitiesReset: res.Identities,
				CursorReset:     res.CursorReset,
			})
		},
	}
}

type sweepOutput struct {
	Day             string `json:"day"`
	KeysReset       int64  `json:"keys_reset"`
	IdentitiesReset int64  `json:"identities_reset"`
	CursorReset     bool   `json:"cursor_reset"`
}
