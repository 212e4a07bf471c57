package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/checkout-saga/internal/domain"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
)

const defaultReplayBatchSize = 100

// ReplayOptions: флаги команды replay.
type ReplayOptions struct {
	All        bool
	VerifyOnly bool
	BatchSize  int
}

// ReplayOutcome: итог replay одного заказа.
type ReplayOutcome struct {
	OrderID          string             `json:"order_id"`
	Status           domain.OrderStatus `json:"status,omitempty"`
	Sequence         int64              `json:"sequence"`
	Nondeterministic bool               `json:"nondeterministic,omitempty"`
	Error            string             `json:"error,omitempty"`
}

// ReplayReport: сводка по всем обработанным заказам.
type ReplayReport struct {
	Orders     []ReplayOutcome `json:"orders"`
	Replayed   int             `json:"replayed"`
	Mismatched int             `json:"mismatched"`
	Failed     int             `json:"failed"`
}

// NewReplayCommand создаёт команду перестроения проекций из журнала.
// Каждый заказ сворачивается дважды; расхождение завершает команду с ExitFailure.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplayOptions{}

	cmd := &cobra.Command{
		Use:   "replay [order-id]",
		Short: "Rebuild order projections from the event log",
		Long: `Rebuild order projections by folding the event log.

Each order is folded twice and compared with itself and with the stored
projection of the same sequence. A mismatch is reported and the command
exits with code 1 without overwriting the stored projection.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.All == (len(args) == 1) {
				return NewExitError(ExitCommandError, "specify exactly one of <order-id> or --all")
			}
			if opts.BatchSize <= 0 {
				return NewExitError(ExitCommandError, "--batch-size must be positive")
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				return runReplay(ctx, cmd, rootOpts, opts, b, args)
			})
		},
	}

	cmd.Flags().BoolVar(&opts.All, "all", false, "Replay every order in the event log")
	cmd.Flags().BoolVar(&opts.VerifyOnly, "verify-only", false, "Check determinism without saving projections")
	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", defaultReplayBatchSize, "Order ids fetched per page with --all")

	return cmd
}

func runReplay(ctx context.Context, cmd *cobra.Command, rootOpts *RootOptions, opts *ReplayOptions, b *Backend, args []string) error {
	logger := rootOpts.logger(cmd, "replay")
	projector := projection.NewProjector(b.Events, b.Projections, logger)
	report := ReplayReport{Orders: []ReplayOutcome{}}
	out := rootOpts.printer(cmd)

	handle := func(orderID string) error {
		outcome, err := replayOrder(ctx, projector, orderID, opts.VerifyOnly)
		switch {
		case outcome.Nondeterministic:
			report.Mismatched++
			out.linef("MISMATCH %s: %s", orderID, outcome.Error)
		case err != nil:
			report.Failed++
			out.linef("FAILED   %s: %s", orderID, outcome.Error)
		default:
			report.Replayed++
			out.linef("OK       %s status=%s sequence=%d", orderID, outcome.Status, outcome.Sequence)
		}
		report.Orders = append(report.Orders, outcome)
		return err
	}

	if !opts.All {
		if err := handle(args[0]); errors.Is(err, domain.ErrOrderNotFound) {
			return WrapExitError(ExitCommandError, fmt.Sprintf("order %s", args[0]), err)
		}
	} else {
		after := ""
		for {
			ids, err := b.Events.ListAggregateIDs(ctx, after, opts.BatchSize)
			if err != nil {
				return WrapExitError(ExitCommandError, "list orders", err)
			}
			for _, id := range ids {
				_ = handle(id)
			}
			if len(ids) < opts.BatchSize {
				break
			}
			after = ids[len(ids)-1]
		}
	}

	if err := out.result(report, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "replayed %d, mismatched %d, failed %d\n", report.Replayed, report.Mismatched, report.Failed)
	}); err != nil {
		return err
	}

	if report.Mismatched > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d order(s) replayed nondeterministically", report.Mismatched))
	}
	if report.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d order(s) failed to replay", report.Failed))
	}
	return nil
}

// replayOrder проверяет детерминизм свёртки и, если не задан verifyOnly, сохраняет проекцию.
func replayOrder(ctx context.Context, projector *projection.Projector, orderID string, verifyOnly bool) (ReplayOutcome, error) {
	outcome := ReplayOutcome{OrderID: orderID}

	verified, err := projector.Verify(ctx, orderID)
	if err != nil {
		outcome.Nondeterministic = errors.Is(err, projection.ErrNondeterministicReplay)
		outcome.Error = err.Error()
		return outcome, err
	}
	if !verifyOnly {
		if verified, err = projector.Replay(ctx, orderID); err != nil {
			outcome.Error = err.Error()
			return outcome, err
		}
	}

	outcome.Status = verified.Status
	outcome.Sequence = verified.Sequence
	return outcome, nil
}
