package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ineyio/keyrotor/proof"
	"github.com/ineyio/keyrotor/seal"
)

// NewProofCommand prints the proof a client presents for an identity.
func NewProofCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "proof <identity>",
		Short: "Print the proof for an identity",
		Long: `Print the hex proof an identity must present when requesting a credential.

Examples:
  keyrotor proof dev-1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			auth, err := proof.New(cfg.ProofSecret)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), auth.Sign(args[0]))
			return nil
		},
	}
}

// NewOpenCommand decrypts a sealed credential.
func NewOpenCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "open <sealed>",
		Short: "Decrypt an issued credential",
		Long: `Decrypt an encrypted_credential value returned by the service. Intended for
operators debugging clients.

Examples:
  keyrotor open "$(jq -r .encrypted_credential response.json)"`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := opts.load(cmd)
			if err != nil {
				return err
			}
			s, err := seal.New(cfg.CipherSecret)
			if err != nil {
				return err
			}
			plain, err := s.Open(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), plain)
			return nil
		},
	}
}
