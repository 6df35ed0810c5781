package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func portfolioCmd() *cobra.Command {
	var record bool
	cmd := &cobra.Command{
		Use:   "portfolio",
		Short: "Print the valued portfolio",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			snap, err := a.portfolio.Snapshot(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), snap.Text())
			if record {
				if _, err := a.journal.AddBalancePoint(cmd.Context(), snap.Total, snap.Quote); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&record, "record", false, "also store the total as a balance history point")
	return cmd
}
