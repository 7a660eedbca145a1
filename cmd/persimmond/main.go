// Persimmon sync daemon
//
// Watches photo roots, keeps the analysis cache in sync with the live tree
// and serves Prometheus metrics. Results persist in PostgreSQL (or in memory
// for ephemeral runs); payloads go to a local or S3 blob backend.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/persimmon-app/persimmon/internal/blob"
	blobs3 "github.com/persimmon-app/persimmon/internal/blob/s3"
	"github.com/persimmon-app/persimmon/internal/config"
	"github.com/persimmon-app/persimmon/internal/engine"
	"github.com/persimmon-app/persimmon/internal/engine/onnx"
	"github.com/persimmon-app/persimmon/internal/logging"
	"github.com/persimmon-app/persimmon/internal/metrics"
	"github.com/persimmon-app/persimmon/internal/notify"
	"github.com/persimmon-app/persimmon/internal/pipeline"
	"github.com/persimmon-app/persimmon/internal/store"
	"github.com/persimmon-app/persimmon/internal/store/postgres"
	"github.com/persimmon-app/persimmon/internal/worker"
)

var version = "dev"

func main() {
	root := &cobra.Command{
		Use:   "persimmond",
		Short: "Persimmon photo analysis daemon",
	}
	root.AddCommand(runCmd(), scanCmd(), versionCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run [roots...]",
		Short: "Watch roots and keep the analysis cache in sync",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			return run(cfg, append(cfg.WatchRoots, args...))
		},
	}
}

func scanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan [roots...]",
		Short: "Analyze the given roots once and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			cfg.RescanInterval = time.Hour // one initial scan is all we need
			return scanOnce(cfg, append(cfg.WatchRoots, args...))
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("persimmond", version)
		},
	}
}

func run(cfg *config.Config, roots []string) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	if len(roots) == 0 {
		return fmt.Errorf("no watch roots: pass them as arguments or set WATCH_ROOTS")
	}

	logging.Info("persimmond starting",
		zap.String("version", version),
		zap.Strings("roots", roots),
		zap.String("metrics", cfg.MetricsAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, st, blobs, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer blobs.Close()

	// Metrics endpoint
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		logging.Info("metrics server listening", zap.String("addr", cfg.MetricsAddr))
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logging.Error("metrics server failed", zap.Error(err))
		}
	}()

	p.Start(ctx)
	for _, r := range roots {
		p.AddRoot(r)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logging.Info("shutting down", zap.String("signal", s.String()))

	p.Stop()
	return nil
}

// scanOnce runs the pipeline until the queue drains, then exits.
func scanOnce(cfg *config.Config, roots []string) error {
	if err := logging.Init(logging.Config{
		Level:  cfg.LogLevel,
		Format: cfg.LogFormat,
	}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}
	defer logging.Sync()

	if len(roots) == 0 {
		return fmt.Errorf("no roots given")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, st, blobs, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()
	defer blobs.Close()

	p.Start(ctx)
	for _, r := range roots {
		p.AddRoot(r)
	}

	// Drain: wait until the queue stays empty for a couple of ticks.
	idle := 0
	for idle < 3 {
		time.Sleep(500 * time.Millisecond)
		if q := p.QueueDepth(); q == 0 {
			idle++
		} else {
			idle = 0
		}
	}

	p.Stop()
	logging.Info("scan complete")
	return nil
}

// buildPipeline assembles the store, blob backend, engine factory and
// pipeline from config.
func buildPipeline(ctx context.Context, cfg *config.Config) (*pipeline.Pipeline, store.Store, blob.Backend, error) {
	var st store.Store
	if cfg.DatabaseURL != "" {
		logging.Info("connecting to PostgreSQL...")
		pgStore, err := postgres.New(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("database connection: %w", err)
		}
		st = pgStore
	} else {
		logging.Warn("no DATABASE_URL set, results will not persist across runs")
		st = store.NewMemory()
	}

	var blobs blob.Backend
	var err error
	switch cfg.BlobBackend {
	case "s3":
		blobs, err = blobs3.New(ctx, blobs3.Config{
			Endpoint:  cfg.S3Endpoint,
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Region:    cfg.S3Region,
		})
	default:
		blobs, err = blob.NewLocal(cfg.BlobPath)
	}
	if err != nil {
		st.Close()
		return nil, nil, nil, fmt.Errorf("blob backend: %w", err)
	}

	var factory engine.Factory
	factory, err = onnx.NewFactory(onnx.Config{
		ModelPath:  cfg.ModelPath,
		OrtLibPath: cfg.OrtLibPath,
		Threads:    cfg.OrtThreads,
	})
	if err != nil {
		st.Close()
		blobs.Close()
		return nil, nil, nil, fmt.Errorf("analysis engine: %w", err)
	}

	notifier := notify.NewNotifier()
	p, err := pipeline.New(pipeline.Config{
		DebounceWindow: cfg.DebounceWindow,
		CreationGrace:  cfg.CreationGrace,
		RescanInterval: cfg.RescanInterval,
		ProbeInterval:  cfg.ProbeInterval,
		SweepInterval:  cfg.SweepInterval,
		TombstoneGrace: cfg.TombstoneGrace,
		Worker: worker.Config{
			Workers:          cfg.Workers,
			RetryAttempts:    cfg.RetryLimit,
			RetryBackoff:     cfg.RetryBackoff,
			WatchdogInterval: cfg.WatchdogInterval,
		},
	}, st, blobs, factory, notifier)
	if err != nil {
		st.Close()
		blobs.Close()
		return nil, nil, nil, fmt.Errorf("pipeline: %w", err)
	}
	return p, st, blobs, nil
}
