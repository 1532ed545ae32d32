package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newRMSDCmd() *cobra.Command {
	var chain string
	cmd := &cobra.Command{
		Use:   "rmsd <mobile.pdb> <target.pdb>",
		Short: "Backbone RMSD after optimal superposition",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(cmd, nil); err != nil {
				return err
			}
			var c byte
			if chain != "" {
				c = chain[0]
			}

			a, err := ReadPDBFile(args[0], c)
			if err != nil {
				return err
			}
			b, err := ReadPDBFile(args[1], c)
			if err != nil {
				return err
			}
			rmsd, atoms, err := BackboneRMSD(a, b)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%.3f Å over %d atoms\n", rmsd, atoms)
			return nil
		},
	}
	cmd.Flags().StringVar(&chain, "chain", "", "chain identifier to read from both files")
	return cmd
}
