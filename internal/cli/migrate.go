package cli

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
)

// NewMigrateCommand создаёт группу команд миграций схемы.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	cmd.AddCommand(newMigrateStepCommand(rootOpts, "up", "Apply pending migrations", func(ctx context.Context, m Migrator, steps int) error {
		return m.MigrateUp(ctx, steps)
	}))
	cmd.AddCommand(newMigrateStepCommand(rootOpts, "down", "Roll back applied migrations", func(ctx context.Context, m Migrator, steps int) error {
		return m.MigrateDown(ctx, steps)
	}))
	cmd.AddCommand(newMigrateStatusCommand(rootOpts))
	return cmd
}

// MigrationStatus: состояние схемы.
type MigrationStatus struct {
	Version int64 `json:"version"`
	Pending int   `json:"pending"`
}

func newMigrateStepCommand(rootOpts *RootOptions, use, short string, apply func(context.Context, Migrator, int) error) *cobra.Command {
	var steps int
	defaultSteps := 0
	if use == "down" {
		defaultSteps = 1
	}

	cmd := &cobra.Command{
		Use:           use,
		Short:         short,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if steps < 0 {
				return NewExitError(ExitCommandError, "--steps must not be negative")
			}
			return withMigrator(cmd, rootOpts, func(ctx context.Context, m Migrator) error {
				if err := apply(ctx, m, steps); err != nil {
					return WrapExitError(ExitFailure, "migrate "+use, err)
				}
				return printStatus(ctx, cmd, rootOpts, m)
			})
		},
	}
	cmd.Flags().IntVar(&steps, "steps", defaultSteps, "Number of migrations to apply (0 = all)")
	return cmd
}

func newMigrateStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "status",
		Short:         "Show the current schema version",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withMigrator(cmd, rootOpts, func(ctx context.Context, m Migrator) error {
				return printStatus(ctx, cmd, rootOpts, m)
			})
		},
	}
}

func withMigrator(cmd *cobra.Command, rootOpts *RootOptions, fn func(context.Context, Migrator) error) error {
	return withBackend(cmd, rootOpts, func(ctx context.Context, b *Backend) error {
		if b.Migrator == nil {
			return NewExitError(ExitCommandError, "storage backend does not support migrations")
		}
		return fn(ctx, b.Migrator)
	})
}

func printStatus(ctx context.Context, cmd *cobra.Command, rootOpts *RootOptions, m Migrator) error {
	version, pending, err := m.MigrationStatus(ctx)
	if err != nil {
		return WrapExitError(ExitFailure, "read migration status", err)
	}
	status := MigrationStatus{Version: version, Pending: pending}
	return rootOpts.printer(cmd).result(status, func(w io.Writer) {
		_, _ = fmt.Fprintf(w, "schema version %d, pending %d\n", status.Version, status.Pending)
	})
}

// withBackend открывает хранилища на время выполнения fn.
func withBackend(cmd *cobra.Command, rootOpts *RootOptions, fn func(context.Context, *Backend) error) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := rootOpts.Open(ctx, rootOpts)
	if err != nil {
		return err
	}
	defer backend.Close()
	return fn(ctx, backend)
}
