package main

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spotdesk/assistant/internal/settings"
)

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Show or edit the saved trading preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()
			return printSettings(cmd, a.settings.Current())
		},
	}

	var (
		score     float64
		budget    string
		watchlist []string
	)
	set := &cobra.Command{
		Use:   "set",
		Short: "Change one or more preferences",
		RunE: func(cmd *cobra.Command, args []string) error {
			var p settings.Patch
			if cmd.Flags().Changed("signal-score") {
				p.SignalScore = &score
			}
			if cmd.Flags().Changed("budget") {
				b, err := decimal.NewFromString(budget)
				if err != nil {
					return fmt.Errorf("invalid budget %q: %w", budget, err)
				}
				p.DefaultBudget = &b
			}
			if cmd.Flags().Changed("watchlist") {
				p.Watchlist = &watchlist
			}

			a, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer a.close()

			v, err := a.settings.Update(cmd.Context(), p)
			if err != nil {
				return err
			}
			return printSettings(cmd, v)
		},
	}
	set.Flags().Float64Var(&score, "signal-score", 0, "minimum signal score, 0..1")
	set.Flags().StringVar(&budget, "budget", "", "default order budget in the quote currency")
	set.Flags().StringSliceVar(&watchlist, "watchlist", nil, "symbols always recomputed (comma separated, empty clears)")
	cmd.AddCommand(set)
	return cmd
}

func printSettings(cmd *cobra.Command, v settings.Values) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
