package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/dalfonso89/exchanger/internal/models"
)

const rateShortDesc string = "Print the rate converting BASE into TARGET"

func NewRateCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rate BASE TARGET",
		Short: rateShortDesc,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			base, err := models.ParseCurrency(args[0])
			if err != nil {
				return err
			}
			target, err := models.ParseCurrency(args[1])
			if err != nil {
				return err
			}

			a, err := bootstrap(root, os.Stderr)
			if err != nil {
				return err
			}

			quote, err := a.rates.GetRate(cmd.Context(), base, target)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "1 %s = %g %s\n", quote.BaseCode, quote.Rate, quote.TargetCode)
			return nil
		},
	}

	return cmd
}
