package main

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"runtime"
	"sync/atomic"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/chartwise-health/chartwise/internal/pipeline"
)

var processCmd = &cobra.Command{
	Use:   "process DOCUMENT_ID...",
	Short: "Run extraction and merge for one or more documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			out, err := env.Processor.Process(ctx, args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		}

		return processAll(ctx, env.Processor, args, workerCount())
	},
}

func init() {
	rootCmd.AddCommand(processCmd)
}

// workerCount resolves the concurrency for multi-document runs.
func workerCount() int {
	if cfg != nil && cfg.Pipeline.Workers > 0 {
		return cfg.Pipeline.Workers
	}
	return 2 * runtime.GOMAXPROCS(0)
}

// processAll runs documents concurrently. Individual failures are
// logged and counted without aborting the rest of the batch.
func processAll(ctx context.Context, proc *pipeline.Processor, documentIDs []string, concurrency int) error {
	zap.L().Info("processing documents",
		zap.Int("documents", len(documentIDs)),
		zap.Int("concurrency", concurrency),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	var completed, skipped, failed atomic.Int64

	for _, id := range documentIDs {
		g.Go(func() error {
			log := zap.L().With(zap.String("document_id", id))

			out, err := proc.Process(gctx, id)
			if err != nil {
				failed.Add(1)
				log.Error("processing failed", zap.Error(err))
				return nil // don't abort the batch on individual failure
			}

			switch out.Status {
			case pipeline.StatusCompleted:
				completed.Add(1)
			case pipeline.StatusSkipped:
				skipped.Add(1)
			default:
				failed.Add(1)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	zap.L().Info("batch complete",
		zap.Int64("completed", completed.Load()),
		zap.Int64("skipped", skipped.Load()),
		zap.Int64("failed", failed.Load()),
	)
	return nil
}
