package cli

import (
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// RootOptions: общие флаги checkoutctl.
type RootOptions struct {
	Format    string
	Verbose   bool
	DSN       string
	RedisAddr string

	// Open открывает хранилища; в тестах подменяется in-memory реализацией.
	Open OpenFunc
}

// NewRootCommand создаёт корневую команду checkoutctl.
func NewRootCommand(open OpenFunc) *cobra.Command {
	if open == nil {
		open = OpenPostgres
	}
	opts := &RootOptions{Open: open}

	cmd := &cobra.Command{
		Use:   "checkoutctl",
		Short: "Operational tooling for the checkout saga",
		Long: `checkoutctl manages the checkout saga storage:
schema migrations, projection replay, expiry sweeps, stock levels,
dead letter replay and load tests against the HTTP API.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if opts.Format != FormatText && opts.Format != FormatJSON {
				return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be %q or %q", opts.Format, FormatText, FormatJSON))
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", FormatText, "Output format (text|json)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "Enable debug logging")
	cmd.PersistentFlags().StringVar(&opts.DSN, "dsn", "", "PostgreSQL DSN (default $"+EnvPostgresDSN+")")
	cmd.PersistentFlags().StringVar(&opts.RedisAddr, "redis-addr", "", "Redis address for sessions (default $"+EnvRedisAddr+")")

	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewSweepCommand(opts))
	cmd.AddCommand(NewStockCommand(opts))
	cmd.AddCommand(NewDLQCommand(opts))
	cmd.AddCommand(NewLoadtestCommand(opts))

	return cmd
}

func (o *RootOptions) printer(cmd *cobra.Command) printer {
	return printer{format: o.Format, out: cmd.OutOrStdout()}
}

// logger пишет в stderr команды, чтобы не смешиваться с результатом.
func (o *RootOptions) logger(cmd *cobra.Command, component string) *log.Entry {
	l := log.New()
	l.SetOutput(cmd.ErrOrStderr())
	l.SetLevel(log.WarnLevel)
	if o.Verbose {
		l.SetLevel(log.DebugLevel)
	}
	if o.Format == FormatJSON {
		l.SetFormatter(&log.JSONFormatter{})
	}
	return l.WithField("component", component)
}
