package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const referenceShortDesc string = "Print the reference rates"

func NewReferenceCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reference",
		Short: referenceShortDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := bootstrap(root, os.Stderr)
			if err != nil {
				return err
			}

			rates, err := a.rates.ReferenceRates(cmd.Context())
			if err != nil {
				return err
			}

			for _, rate := range rates {
				fmt.Fprintf(cmd.OutOrStdout(), "%s/%s %g\n", rate.Base, rate.Currency, rate.Rate)
			}
			return nil
		},
	}

	return cmd
}
