package main

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"gateci/internal/blockchain"
	"gateci/internal/config"
	"gateci/internal/core"
	"gateci/internal/security"
	"gateci/pkg/utils"
)

func ledgerCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the signed record of stage results",
	}

	var run string
	inspect := &cobra.Command{
		Use:   "inspect",
		Short: "List the ledger blocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, ledger, err := opts.openLedger()
			if err != nil {
				return err
			}
			blocks := ledger.Blocks()
			if run != "" {
				blocks = ledger.RunBlocks(run)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "INDEX\tRUN\tTARGET\tSTAGE\tSTATUS\tHASH")
			for _, b := range blocks {
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", b.Index, b.RunID, b.Target, b.Stage, b.Status, short(b.Hash))
			}
			return tw.Flush()
		},
	}
	inspect.Flags().StringVar(&run, "run", "", "only blocks of this run")

	var checkReports bool
	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check the hash chain, the signatures and optionally the recorded reports",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, ledger, err := opts.openLedger()
			if err != nil {
				return err
			}
			trusted, err := trustedKey(cfg)
			if err != nil {
				return err
			}
			if err := ledger.VerifyChain(trusted); err != nil {
				return fmt.Errorf("ledger verification failed: %w", err)
			}
			if checkReports {
				if err := verifyReports(ledger.Blocks()); err != nil {
					return err
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ledger %s ok: %d blocks\n", ledger.Path(), ledger.NextIndex())
			return nil
		},
	}
	verify.Flags().BoolVar(&checkReports, "reports", false, "also re-hash every recorded stage report")

	cmd.AddCommand(inspect, verify)
	return cmd
}

func (o *options) openLedger() (*config.Config, *blockchain.Ledger, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, nil, err
	}
	ledger, err := blockchain.OpenLedger(cfg.Path(cfg.Ledger.Path))
	if err != nil {
		return nil, nil, err
	}
	return cfg, ledger, nil
}

// trustedKey is the project's public key, or nil when none was generated.
func trustedKey(cfg *config.Config) (ed25519.PublicKey, error) {
	pubPath, _ := security.KeyPaths(cfg.Path(cfg.Ledger.KeysDir))
	pub, err := security.LoadPublicKey(pubPath)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return nil, nil
	case err != nil:
		return nil, &core.ConfigurationError{Reason: "ledger public key", Err: err}
	}
	return pub, nil
}

func verifyReports(blocks []blockchain.Block) error {
	for _, b := range blocks {
		if b.ReportPath == "" {
			continue
		}
		sum, err := utils.HashFile(b.ReportPath)
		if err != nil {
			return fmt.Errorf("block %d: %w", b.Index, err)
		}
		if sum != b.ReportHash {
			return fmt.Errorf("block %d: report %s was modified", b.Index, b.ReportPath)
		}
	}
	return nil
}

func short(hash string) string {
	if len(hash) > 16 {
		return hash[:16]
	}
	return hash
}
