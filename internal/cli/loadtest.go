package cli

import (
	"fmt"
	"io"
	"net/http"

	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/checkout-saga/internal/loadtest"
)

// loadtestClient используется прогоном; тесты подменяют его клиентом httptest.
var loadtestClient = func(cfg loadtest.Config) *http.Client {
	return &http.Client{Timeout: cfg.Timeout}
}

// NewLoadtestCommand создаёт команду нагрузочного прогона HTTP API.
func NewLoadtestCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := loadtest.DefaultConfig()
	var (
		mode   string
		output string
	)

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Run checkout scenarios against a running service",
		Long: `Drive the checkout HTTP API with concurrent scenarios and report latency.

Modes:
  create                  create checkout sessions only
  create-complete         create and complete sessions
  create-complete-refund  create, complete and refund every order

With --duration the run is time boxed; --total then caps the scenario count
only when set explicitly.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			parsed, err := loadtest.ParseMode(mode)
			if err != nil {
				return WrapExitError(ExitCommandError, "invalid loadtest options", err)
			}
			cfg.Mode = parsed
			cfg.TotalSet = cmd.Flags().Changed("total")
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid loadtest options", err)
			}

			runner := loadtest.NewRunner(cfg, loadtestClient(cfg), rootOpts.logger(cmd, "loadtest"))
			report, err := runner.Run(cmd.Context())
			if err != nil {
				return WrapExitError(ExitFailure, "load test failed", err)
			}
			if output != "" {
				if err := loadtest.WriteJSON(output, report); err != nil {
					return WrapExitError(ExitFailure, "write report", err)
				}
			}

			if err := rootOpts.printer(cmd).result(report, func(w io.Writer) {
				loadtest.Print(w, report, cfg)
			}); err != nil {
				return err
			}
			if report.FailedScenarios > 0 {
				return NewExitError(ExitFailure, fmt.Sprintf("%d of %d scenario(s) failed", report.FailedScenarios, report.TotalScenarios))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cfg.BaseURL, "base-url", cfg.BaseURL, "Checkout service base URL")
	cmd.Flags().IntVar(&cfg.Total, "total", cfg.Total, "Number of scenarios")
	cmd.Flags().DurationVar(&cfg.Duration, "duration", 0, "Run for this long instead of a fixed count")
	cmd.Flags().IntVar(&cfg.Concurrency, "concurrency", cfg.Concurrency, "Concurrent workers")
	cmd.Flags().DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "Per request timeout")
	cmd.Flags().Float64Var(&cfg.RPS, "rps", 0, "Scenario start rate limit, 0 disables")
	cmd.Flags().StringVar(&mode, "mode", string(cfg.Mode), "Scenario mode")
	cmd.Flags().IntVar(&cfg.RefundRate, "refund-rate", 0, "Percent of completed orders to refund in create-complete mode")
	cmd.Flags().StringVar(&cfg.Currency, "currency", cfg.Currency, "Session currency")
	cmd.Flags().StringVar(&cfg.SKU, "sku", cfg.SKU, "SKU ordered by every scenario")
	cmd.Flags().Int64Var(&cfg.UnitPriceMinor, "unit-price-minor", cfg.UnitPriceMinor, "Unit price in minor units")
	cmd.Flags().StringVar(&cfg.CustomerTag, "customer-tag", cfg.CustomerTag, "Prefix for generated customer ids")
	cmd.Flags().Int64Var(&cfg.SeedStock, "seed-stock", 0, "Set SKU stock before the run, 0 skips")
	cmd.Flags().StringVar(&output, "output", "", "Write the JSON report to this file")

	return cmd
}
