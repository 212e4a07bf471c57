package cli

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/inventory"
)

// StockView: остаток SKU в выводе команды.
type StockView struct {
	SKU       string    `json:"sku"`
	Total     int64     `json:"total"`
	Reserved  int64     `json:"reserved"`
	Fulfilled int64     `json:"fulfilled"`
	Available int64     `json:"available"`
	UpdatedAt time.Time `json:"updated_at"`
}

func newStockView(level domain.StockLevel) StockView {
	return StockView{
		SKU:       level.SKU,
		Total:     level.Total,
		Reserved:  level.Reserved,
		Fulfilled: level.Fulfilled,
		Available: level.Available(),
		UpdatedAt: level.UpdatedAt,
	}
}

// NewStockCommand создаёт группу команд управления остатками.
func NewStockCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stock",
		Short: "Inspect and adjust stock levels",
	}
	cmd.AddCommand(newStockGetCommand(rootOpts), newStockSetCommand(rootOpts))
	return cmd
}

func newStockGetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "get <sku>",
		Short:         "Show the stock level of a SKU",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				ledger := inventory.NewLedger(b.Ledger, inventory.WithLogger(rootOpts.logger(cmd, "stock")))
				level, err := ledger.Stock(ctx, args[0])
				if err != nil {
					return WrapExitError(ExitFailure, "read stock", err)
				}
				return printStock(cmd, rootOpts, level)
			})
		},
	}
}

func newStockSetCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "set <sku> <total>",
		Short:         "Set the total on-hand quantity of a SKU",
		Args:          cobra.ExactArgs(2),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			total, err := strconv.ParseInt(args[1], 10, 64)
			if err != nil || total < 0 {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid total %q: must be a non-negative integer", args[1]))
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				ledger := inventory.NewLedger(b.Ledger, inventory.WithLogger(rootOpts.logger(cmd, "stock")))
				level, err := ledger.SetStock(ctx, args[0], total)
				if err != nil {
					return WrapExitError(ExitFailure, "set stock", err)
				}
				return printStock(cmd, rootOpts, level)
			})
		},
	}
}

func printStock(cmd *cobra.Command, rootOpts *RootOptions, level domain.StockLevel) error {
	view := newStockView(level)
	return rootOpts.printer(cmd).result(view, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "%s total=%d reserved=%d fulfilled=%d available=%d\n",
			view.SKU, view.Total, view.Reserved, view.Fulfilled, view.Available)
	})
}
