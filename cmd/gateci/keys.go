package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"gateci/internal/security"
)

func keysCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage the ledger signing key",
	}

	var force bool
	generate := &cobra.Command{
		Use:   "generate",
		Short: "Generate an Ed25519 key pair in ledger.keys_dir",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			dir := cfg.Path(cfg.Ledger.KeysDir)
			pub, err := security.WriteKeyPair(dir, force)
			if errors.Is(err, security.ErrKeyExists) {
				return fmt.Errorf("%w (use --force to replace it)", err)
			}
			if err != nil {
				return err
			}
			pubPath, privPath := security.KeyPaths(dir)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "public key:  %s\n", pubPath)
			fmt.Fprintf(out, "private key: %s\n", privPath)
			fmt.Fprintln(out, security.EncodePublicKey(pub))
			return nil
		},
	}
	generate.Flags().BoolVar(&force, "force", false, "replace an existing key pair")

	cmd.AddCommand(generate)
	return cmd
}
