package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/api"
)

var errNoDatabase = errors.New("DATABASE_URL is required")

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				if e.db == nil {
					return errNoDatabase
				}
				if err := e.migrate(ctx); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
				return nil
			})
		},
	}
}

func retryFailedCmd() *cobra.Command {
	var maxRetries int
	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Re-dispatch failed runs below the retry limit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				res, err := e.retrier.RetryFailed(ctx, maxRetries)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "retried %d of %d failed runs\n", res.Retried, res.Considered)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&maxRetries, "max-retries", api.DefaultMaxRetries, "Skip runs retried this many times")
	return cmd
}

func runDueCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-due",
		Short: "Fire every scheduled event whose next run time has passed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine) error {
				fired, err := e.scheduler.RunDue(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "fired %d scheduled events\n", fired)
				return nil
			})
		},
	}
}

// withEngine builds an engine for a one-shot command. The in-memory queue
// only executes inside this process, so its workers run for the duration
// of fn and drain before returning.
func withEngine(ctx context.Context, fn func(ctx context.Context, e *engine) error) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if ctx == nil {
		ctx = context.Background()
	}

	e, err := newEngine(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer e.Close()

	if !e.inProcess {
		return fn(ctx, e)
	}

	workerCtx, stopWorkers := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan error, 1)
	go func() { done <- e.runQueue(workerCtx) }()

	err = fn(ctx, e)
	stopWorkers()
	if werr := <-done; werr != nil {
		log.Error("zoea-engine: queue workers failed", zap.Error(werr))
		err = errors.Join(err, werr)
	}
	return err
}
