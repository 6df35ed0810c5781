package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"
)

func recomputeCmd() *cobra.Command {
	var days int
	cmd := &cobra.Command{
		Use:   "recompute [symbols...]",
		Short: "Recompute cached average entries from the trade history",
		Long: "Recompute cached average entries from the trade history. Without symbols the\n" +
			"watchlist and every currently held asset are recomputed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			syms := args
			if len(syms) == 0 {
				syms = a.scheduler.Symbols(ctx)
			}
			if days <= 0 {
				days = cfg.Entries.LookbackDays
			}
			rep, err := a.engine.ComputeAvgEntries(ctx, syms, days)

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			if encErr := enc.Encode(rep); encErr != nil {
				return encErr
			}
			return err
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "lookback in days (default from config)")
	return cmd
}
