package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/you/surplus-alerts/internal/config"
	"github.com/you/surplus-alerts/internal/httpapi"
	"github.com/you/surplus-alerts/internal/model"
	"github.com/you/surplus-alerts/internal/obs"
	"github.com/you/surplus-alerts/internal/worker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()

	root := &cobra.Command{
		Use:           "surplus-worker",
		Short:         "Turns surplus food events into deduplicated user notifications",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&cfg.StreamBackend, "stream-backend", cfg.StreamBackend, "redis or kafka")
	pf.StringVar(&cfg.Stream, "stream", cfg.Stream, "stream key or topic")
	pf.StringVar(&cfg.Group, "group", cfg.Group, "consumer group")
	pf.StringVar(&cfg.Consumer, "consumer", cfg.Consumer, "consumer name inside the group")
	pf.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis connection url")
	pf.StringSliceVar(&cfg.KafkaBrokers, "kafka-brokers", cfg.KafkaBrokers, "kafka bootstrap brokers")
	pf.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	pf.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "json or console")

	root.AddCommand(newRunCmd(cfg), newBootstrapCmd(cfg), newPublishCmd(cfg))
	return root
}

func newRunCmd(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Bootstrap the consumer group and process events until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfg)
		},
	}
	f := cmd.Flags()
	f.StringVar(&cfg.DedupBackend, "dedup-backend", cfg.DedupBackend, "redis, postgres or memory")
	f.DurationVar(&cfg.DedupTTL, "dedup-ttl", cfg.DedupTTL, "cooldown per user, store and item")
	f.IntVar(&cfg.DedupMemoryLimit, "dedup-memory-limit", cfg.DedupMemoryLimit, "live markers held by the memory dedup backend, 0 = unbounded")
	f.StringVar(&cfg.RecordsBackend, "records-backend", cfg.RecordsBackend, "mongo, postgres or memory")
	f.StringVar(&cfg.RecordsSeedFile, "seed-file", cfg.RecordsSeedFile, "json fixture for the memory record store")
	f.IntVar(&cfg.BatchSize, "batch-size", cfg.BatchSize, "entries per poll")
	f.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "ops listener address, empty disables it")
	return cmd
}

func newBootstrapCmd(cfg *config.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Create the stream and consumer group if they do not exist",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := cfg.Validate(); err != nil {
				return err
			}
			log := obs.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			deps := newDeps(cfg, log)
			defer deps.close()

			t, err := deps.transport(cmd.Context())
			if err != nil {
				return err
			}
			return worker.Bootstrap(cmd.Context(), t, cfg.OpTimeout, log)
		},
	}
}

func newPublishCmd(cfg *config.Config) *cobra.Command {
	var (
		storeID string
		items   []string
		ts      int64
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Append a surplus event to the stream",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(storeID) == "" {
				return fmt.Errorf("--store-id is required")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			if ts == 0 {
				ts = time.Now().Unix()
			}
			log := obs.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
			deps := newDeps(cfg, log)
			defer deps.close()

			t, err := deps.transport(cmd.Context())
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.OpTimeout)
			defer cancel()
			id, err := t.Publish(ctx, model.Event{StoreID: storeID, Items: items, Timestamp: ts})
			if err != nil {
				return err
			}
			log.Info().Str("entry_id", id).Str("store_id", storeID).Strs("items", items).Msg("event published")
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&storeID, "store-id", "", "store that has surplus")
	f.StringSliceVar(&items, "items", nil, "comma separated item labels")
	f.Int64Var(&ts, "timestamp", 0, "unix seconds, defaults to now")
	return cmd
}

func run(parent context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	log := obs.NewLogger(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	log.Info().
		Str("stream_backend", cfg.StreamBackend).
		Str("stream", cfg.Stream).
		Str("group", cfg.Group).
		Str("consumer", cfg.Consumer).
		Msg("starting surplus-worker")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps := newDeps(cfg, log)
	defer deps.close()

	t, err := deps.transport(ctx)
	if err != nil {
		return err
	}
	// the loop must never start against a missing group
	if err := worker.Bootstrap(ctx, t, cfg.OpTimeout, log); err != nil {
		log.Error().Err(err).Msg("bootstrap failed")
		return err
	}
	rs, err := deps.records(ctx)
	if err != nil {
		return err
	}
	ds, err := deps.dedup(ctx)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	consumer := worker.NewConsumer(t, rs, ds, worker.Options{
		DedupTTL:  cfg.DedupTTL,
		BatchSize: cfg.BatchSize,
		Block:     cfg.Block,
		OpTimeout: cfg.OpTimeout,
	}, log, worker.NewMetrics(reg))
	if worker.RegisterInflight(reg, t) != nil {
		log.Info().Msg("tracking in-flight offsets")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return consumer.Run(gctx) })
	if cfg.HTTPAddr != "" {
		srv := httpapi.NewServer(cfg.HTTPAddr, httpapi.NewRouter(httpapi.Deps{
			Ready:    consumer,
			Preview:  consumer,
			Gatherer: reg,
			Log:      log,
			Timeout:  cfg.OpTimeout,
		}))
		g.Go(func() error { return httpapi.Serve(gctx, srv, cfg.ShutdownTimeout, log) })
	}
	if purge := deps.markerPurger(); purge != nil {
		g.Go(func() error { return purge(gctx) })
	}

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	select {
	case err := <-done:
		return err
	case <-time.After(cfg.ShutdownTimeout):
		return fmt.Errorf("shutdown did not finish within %s", cfg.ShutdownTimeout)
	}
}
