package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyrotor/proof"
)

// NewRegisterCommand mints a new identity.
func NewRegisterCommand(opts *Options) *cobra.Command {
	var withProof bool

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Mint a new identity",
		Long: `Mint a random identity token and create its zero usage record.

Examples:
  keyrotor register
  keyrotor register --with-proof`,
		Args: cobra.NoArgs,
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

			id, err := e.Register(cmd.Context())
			if err != nil {
				return err
			}

			if !withProof {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}

			auth, err := proof.New(cfg.ProofSecret)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "identity_id=%s\nproof=%s\n", id, auth.Sign(id))
			return nil
		},
	}

	cmd.Flags().BoolVar(&withProof, "with-proof", false, "Also print the identity proof")
	return cmd
}
