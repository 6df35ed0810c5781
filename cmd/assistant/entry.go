package main

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/spotdesk/assistant/internal/model"
	"github.com/spotdesk/assistant/internal/portfolio"
)

func entryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "entry",
		Short: "Show or override the entry price of a symbol",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "get SYMBOL",
			Short: "Print the effective entry price",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.close()

				ee, err := a.engine.EffectiveEntry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printEntry(cmd, ee)
				return nil
			},
		},
		&cobra.Command{
			Use:   "set SYMBOL PRICE",
			Short: "Pin the entry price manually",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				price, err := decimal.NewFromString(args[1])
				if err != nil {
					return fmt.Errorf("invalid price %q: %w", args[1], err)
				}
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.close()

				if err := a.engine.SetManualEntry(cmd.Context(), args[0], price); err != nil {
					return err
				}
				ee, err := a.engine.EffectiveEntry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printEntry(cmd, ee)
				return nil
			},
		},
		&cobra.Command{
			Use:   "clear SYMBOL",
			Short: "Remove the manual entry price",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				a, err := newApp(cmd.Context(), cfg)
				if err != nil {
					return err
				}
				defer a.close()

				if err := a.engine.ClearManualEntry(cmd.Context(), args[0]); err != nil {
					return err
				}
				ee, err := a.engine.EffectiveEntry(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				printEntry(cmd, ee)
				return nil
			},
		},
	)
	return cmd
}

func printEntry(cmd *cobra.Command, ee model.EffectiveEntry) {
	fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", ee.Symbol, portfolio.Format(ee.Price), ee.Source)
}
