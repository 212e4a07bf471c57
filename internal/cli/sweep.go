package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/checkout-saga/internal/service/inventory"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/payment"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/projection"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/saga"
	"github.com/vladislavdragonenkov/checkout-saga/internal/service/sweeper"
)

// SweepOptions: флаги команды sweep.
type SweepOptions struct {
	BatchSize   int
	Concurrency int
	// At: момент, на который оценивается истечение (RFC3339); пусто означает текущее время.
	At string
}

// SweepReport: итог прохода.
type SweepReport struct {
	ExpiredReservations int `json:"expired_reservations"`
	ExpiredSessions     int `json:"expired_sessions"`
	FailedSessions      int `json:"failed_sessions"`
}

// NewSweepCommand создаёт команду однократного прохода по истёкшим резервам и сессиям.
func NewSweepCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SweepOptions{}

	cmd := &cobra.Command{
		Use:           "sweep",
		Short:         "Expire overdue reservations and compensate expired sessions once",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.BatchSize <= 0 || opts.Concurrency <= 0 {
				return NewExitError(ExitCommandError, "--batch-size and --concurrency must be positive")
			}
			now := time.Now()
			if opts.At != "" {
				at, err := time.Parse(time.RFC3339, opts.At)
				if err != nil {
					return WrapExitError(ExitCommandError, "invalid --at", err)
				}
				now = at
			}
			return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
				return runSweep(ctx, cmd, rootOpts, opts, b, now)
			})
		},
	}

	cmd.Flags().IntVar(&opts.BatchSize, "batch-size", 200, "Reservations and sessions handled per pass")
	cmd.Flags().IntVar(&opts.Concurrency, "concurrency", 8, "Sessions compensated in parallel")
	cmd.Flags().StringVar(&opts.At, "at", "", "Evaluate expiry as of this RFC3339 time (default now)")

	return cmd
}

func runSweep(ctx context.Context, cmd *cobra.Command, rootOpts *RootOptions, opts *SweepOptions, b *Backend, now time.Time) error {
	logger := rootOpts.logger(cmd, "sweep")

	ledger := inventory.NewLedger(b.Ledger, inventory.WithLogger(logger.WithField("layer", "inventory")))
	payments := payment.NewOrchestrator(b.Payments, payment.NewMockGateway(),
		payment.WithLogger(logger.WithField("layer", "payment")),
	)
	projector := projection.NewProjector(b.Events, b.Projections, logger.WithField("layer", "projection"))
	coordinator := saga.NewCoordinator(b.Sessions, b.Events, ledger, payments, projector,
		saga.WithLogger(logger.WithField("layer", "saga")),
	)
	sw := sweeper.New(ledger, b.Sessions, coordinator,
		sweeper.WithLogger(logger),
		sweeper.WithBatchSize(opts.BatchSize),
		sweeper.WithConcurrency(opts.Concurrency),
	)

	result, err := sw.SweepOnce(ctx, now)
	if err != nil {
		return WrapExitError(ExitFailure, "sweep", err)
	}

	report := SweepReport{
		ExpiredReservations: result.ExpiredReservations,
		ExpiredSessions:     result.ExpiredSessions,
		FailedSessions:      result.FailedSessions,
	}
	if err := rootOpts.printer(cmd).result(report, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "expired reservations %d, expired sessions %d, failed sessions %d\n",
			report.ExpiredReservations, report.ExpiredSessions, report.FailedSessions)
	}); err != nil {
		return err
	}

	if report.FailedSessions > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d session(s) failed to expire", report.FailedSessions))
	}
	return nil
}
