package main

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dalfonso89/exchanger/internal/converter"
	"github.com/dalfonso89/exchanger/internal/models"
)

const convertLongDesc string = `Convert an amount once through the sync controller.

The amount is typed into the left field (the "from" currency), or into the
right field with --reverse, and the synchronized pair is printed.

Examples:
  exchanger convert --amount 100
  exchanger convert --from EUR --to PLN --amount 2.5 --reverse`

const convertShortDesc string = "Convert an amount between two currencies"

type convertCommander struct {
	root    *rootOptions
	from    string
	to      string
	amount  float64
	reverse bool
}

func NewConvertCmd(root *rootOptions) *cobra.Command {
	cmder := &convertCommander{root: root}

	cmd := &cobra.Command{
		Use:   "convert",
		Short: convertShortDesc,
		Long:  convertLongDesc,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			left, right, err := cmder.run(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s = %s %s\n",
				formatAmount(left.Amount), left.Currency, formatAmount(right.Amount), right.Currency)
			return nil
		},
	}

	cmd.Flags().StringVar(&cmder.from, "from", "", "Left currency (default DEFAULT_LEFT_CURRENCY)")
	cmd.Flags().StringVar(&cmder.to, "to", "", "Right currency (default DEFAULT_RIGHT_CURRENCY)")
	cmd.Flags().Float64Var(&cmder.amount, "amount", 0, "Amount to type into the field")
	cmd.Flags().BoolVar(&cmder.reverse, "reverse", false, "Type the amount into the right field instead")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func (c *convertCommander) run(ctx context.Context) (converter.FieldState, converter.FieldState, error) {
	a, err := bootstrap(c.root, os.Stderr)
	if err != nil {
		return converter.FieldState{}, converter.FieldState{}, err
	}

	from := c.from
	if from == "" {
		from = a.cfg.DefaultLeftCurrency
	}
	to := c.to
	if to == "" {
		to = a.cfg.DefaultRightCurrency
	}
	left, err := models.ParseCurrency(from)
	if err != nil {
		return converter.FieldState{}, converter.FieldState{}, err
	}
	right, err := models.ParseCurrency(to)
	if err != nil {
		return converter.FieldState{}, converter.FieldState{}, err
	}

	errChan := make(chan error, 1)
	controller := converter.New(a.rates, converter.Options{
		Left:           left,
		Right:          right,
		RequestTimeout: a.cfg.SyncRequestTimeout,
		Logger:         a.log,
		Metrics:        a.metrics,
		OnError: func(_ converter.Side, err error) {
			select {
			case errChan <- err:
			default:
			}
		},
	})
	defer controller.Close()

	side := converter.Left
	if c.reverse {
		side = converter.Right
	}
	if err := controller.SetAmount(side, models.Float(c.amount)); err != nil {
		return converter.FieldState{}, converter.FieldState{}, err
	}

	if err := controller.Wait(ctx); err != nil {
		return converter.FieldState{}, converter.FieldState{}, err
	}
	select {
	case err := <-errChan:
		return converter.FieldState{}, converter.FieldState{}, err
	default:
	}

	state := controller.State()
	if state.Left.Amount == nil || state.Right.Amount == nil {
		return converter.FieldState{}, converter.FieldState{}, errors.New("conversion did not complete")
	}
	return state.Left, state.Right, nil
}

func formatAmount(amount *float64) string {
	if amount == nil {
		return "-"
	}
	return strconv.FormatFloat(math.Round(*amount*1e6)/1e6, 'f', -1, 64)
}
