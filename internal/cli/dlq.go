package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/vladislavdragonenkov/checkout-saga/internal/messaging/kafka"
)

// EnvKafkaBrokers: брокеры Kafka, если не задан --brokers.
const EnvKafkaBrokers = "CHECKOUT_KAFKA_BROKERS"

type dlqReplayer interface {
	Run(ctx context.Context, cfg kafka.ReplayConfig) (kafka.ReplayStats, error)
	Close() error
}

var dialDLQ = func(brokers []string, execute bool, logger *log.Entry) (dlqReplayer, error) {
	return kafka.DialDLQReplayer(brokers, execute, logger)
}

// DLQReport: итог команды dlq replay.
type DLQReport struct {
	Mode string `json:"mode"`
	kafka.ReplayStats
}

// NewDLQCommand создаёт группу команд работы с Dead Letter Queue.
func NewDLQCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Inspect and replay the dead letter queue",
	}
	cmd.AddCommand(newDLQReplayCommand(rootOpts))
	return cmd
}

func newDLQReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cfg := kafka.DefaultReplayConfig()
	var brokersRaw string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Return dead letters to their original topics",
		Long: `Scan the dead letter queue and return messages to the topic they came from.

Consumer dead letters go back to their original topic with the retry counter kept.
Outbox dead letters are unwrapped into the original order event envelope.
Without --execute the command only lists candidates.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			brokers := splitList(firstNonEmpty(brokersRaw, os.Getenv(EnvKafkaBrokers)))
			if len(brokers) == 0 {
				return NewExitError(ExitCommandError, "kafka brokers are required (--brokers or "+EnvKafkaBrokers+")")
			}
			if err := cfg.Validate(); err != nil {
				return WrapExitError(ExitCommandError, "invalid replay options", err)
			}

			logger := rootOpts.logger(cmd, "dlq-replay")
			replayer, err := dialDLQ(brokers, cfg.Execute, logger)
			if err != nil {
				return WrapExitError(ExitCommandError, "connect to kafka", err)
			}
			defer func() {
				if err := replayer.Close(); err != nil {
					logger.WithError(err).Warn("failed to close kafka connections")
				}
			}()

			stats, err := replayer.Run(cmd.Context(), cfg)
			report := DLQReport{Mode: "dry-run", ReplayStats: stats}
			if cfg.Execute {
				report.Mode = "execute"
			}
			if err != nil {
				return WrapExitError(ExitFailure, fmt.Sprintf("dlq replay stopped after %d message(s)", stats.Processed), err)
			}
			return rootOpts.printer(cmd).result(report, func(w io.Writer) {
				_, _ = fmt.Fprintf(w, "%s: processed %d, replayed %d, skipped %d\n",
					report.Mode, report.Processed, report.Replayed, report.Skipped)
			})
		},
	}

	cmd.Flags().StringVar(&brokersRaw, "brokers", "", "Kafka brokers, comma separated (default $"+EnvKafkaBrokers+")")
	cmd.Flags().StringVar(&cfg.SourceTopic, "source-topic", cfg.SourceTopic, "Dead letter topic to scan")
	cmd.Flags().StringVar(&cfg.TargetTopic, "target-topic", cfg.TargetTopic, "Topic for letters without an original topic")
	cmd.Flags().IntVar(&cfg.Limit, "limit", cfg.Limit, "Maximum number of messages to scan")
	cmd.Flags().BoolVar(&cfg.Execute, "execute", false, "Publish messages; default is a dry run")
	cmd.Flags().BoolVar(&cfg.FromNewest, "from-newest", false, "Scan the latest messages of each partition")
	cmd.Flags().DurationVar(&cfg.IdleTimeout, "idle-timeout", cfg.IdleTimeout, "Stop reading a partition after this long without messages")

	return cmd
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
