package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/run"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/soheilrt/play-scraper/internal/kafka"
	redisstore "github.com/soheilrt/play-scraper/internal/redis"
	"github.com/soheilrt/play-scraper/pkg/telemetry"
	"github.com/soheilrt/play-scraper/services/intake"
	"github.com/soheilrt/play-scraper/services/operator"
	"github.com/soheilrt/play-scraper/services/operator/handler"
	"github.com/soheilrt/play-scraper/services/seeder"
	"github.com/soheilrt/play-scraper/services/worker"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker, operator API and optional seed intake",
	Long: `Run a crawlkeeper instance.

Every instance serves the operator API and accepts seeds, but only the one
holding the writer lease claims and processes tasks. The others stand by and
take over when the lease expires.`,
	RunE: runServe,
}

func init() {
	fs := serveCmd.Flags()
	fs.String("worker-id", "", "lease token for this instance (default: hostname-random)")
	fs.String("operator-addr", ":8080", "operator HTTP API and /metrics address; empty disables it")
	fs.Int("batch-size", 10, "tasks claimed per cycle")
	fs.Int("concurrency", 4, "tasks fetched in parallel")
	fs.Duration("claim-ttl", 2*time.Minute, "how long a claim may stay in flight before it is swept")
	fs.Duration("fetch-timeout", 30*time.Second, "per-task fetch timeout; must be below claim-ttl")
	fs.Int("retry-ceiling", 3, "failed attempts before a task is dead-lettered")
	fs.Duration("lease-ttl", 15*time.Second, "writer lease time-to-live")
	fs.Duration("renew-interval", 5*time.Second, "writer lease renewal period")
	fs.Bool("exit-on-demotion", false, "exit non-zero when the lease is lost instead of standing by")
	fs.Int("rate-limit", 0, "max fetches per kind per rate window; 0 disables")
	fs.String("kafka-brokers", "", "comma-separated Kafka brokers; empty disables result events and seed intake")
	fs.String("seed-file", "", "YAML seed file re-read on seed-schedule")
	fs.String("seed-schedule", "", "cron schedule for seed-file (e.g. \"@every 6h\")")
	fs.String("otel-endpoint", "", "OTLP HTTP endpoint for tracing (e.g. localhost:4318); empty disables tracing")

	bindFlag("worker_id", fs, "worker-id")
	bindFlag("operator_addr", fs, "operator-addr")
	bindFlag("batch_size", fs, "batch-size")
	bindFlag("concurrency", fs, "concurrency")
	bindFlag("claim_ttl", fs, "claim-ttl")
	bindFlag("fetch_timeout", fs, "fetch-timeout")
	bindFlag("retry_ceiling", fs, "retry-ceiling")
	bindFlag("lease_ttl", fs, "lease-ttl")
	bindFlag("renew_interval", fs, "renew-interval")
	bindFlag("exit_on_demotion", fs, "exit-on-demotion")
	bindFlag("rate_limit", fs, "rate-limit")
	bindFlag("kafka_brokers", fs, "kafka-brokers")
	bindFlag("seed_file", fs, "seed-file")
	bindFlag("seed_schedule", fs, "seed-schedule")
	bindFlag("otel_endpoint", fs, "otel-endpoint")
	_ = viper.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")
}

func runServe(_ *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	workerID := cfg.WorkerID
	if workerID == "" {
		host, _ := os.Hostname()
		workerID = fmt.Sprintf("%s-%s", host, uuid.New().String()[:8])
	}
	logger := buildLogger(cfg.LogLevel, "crawlkeeper").With(slog.String("instance", workerID))

	shutdownTracer, err := telemetry.InitTracer(context.Background(), "crawlkeeper", cfg.OTelEndpoint)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer shutdownTracer()

	st, err := openStores(context.Background(), cfg)
	if err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	defer func() { _ = st.Close() }()
	checkPersistence(st, logger)

	history, closeHistory, err := openHistory(context.Background(), cfg.PostgresDSN, logger)
	if err != nil {
		return err
	}
	defer closeHistory()

	extractors, err := cfg.Extractors()
	if err != nil {
		return fmt.Errorf("extractors: %w", err)
	}

	guardCfg := worker.DefaultGuardConfig()
	guardCfg.TTL = cfg.LeaseTTL
	guardCfg.RenewInterval = cfg.RenewInterval
	guardCfg.AcquireAttempts = cfg.AcquireAttempts
	guardCfg.AcquireBaseDelay = cfg.AcquireBaseDelay
	guardCfg.MaxMissedRenewals = cfg.MaxMissedRenewals
	guard := worker.NewGuard(st.lease, workerID, guardCfg, logger.With(slog.String("component", "guard")))

	opts := []worker.Option{
		worker.WithLogger(logger),
		worker.WithBatchSize(cfg.BatchSize),
		worker.WithConcurrency(cfg.Concurrency),
		worker.WithClaimTTL(cfg.ClaimTTL),
		worker.WithFetchTimeout(cfg.FetchTimeout),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithDrainGrace(cfg.DrainGrace),
		worker.WithExitOnDemotion(cfg.ExitOnDemotion),
		worker.WithResults(st.results),
		worker.WithHistory(history),
		worker.WithAdmin(st.admin),
	}
	if cfg.RateLimit > 0 {
		opts = append(opts, worker.WithRateLimiter(
			redisstore.NewRateLimiter(st.client, cfg.KeyPrefix, cfg.RateLimit, cfg.RateWindow)))
	}

	brokers := cfg.KafkaBrokerList()
	if len(brokers) > 0 && cfg.ResultsTopic != "" {
		pub := kafka.NewResultPublisher(brokers, cfg.ResultsTopic)
		defer func() { _ = pub.Close() }()
		opts = append(opts, worker.WithPublisher(pub))
	}

	w := worker.NewWorker(workerID, st.queue, guard, extractors, opts...)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()
		g.Add(func() error {
			<-signalCtx.Done()
			logger.Info("shutting down, draining in-flight tasks...")
			return nil
		}, func(error) {
			signalCancel()
		})
	}

	// Worker loop.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			logger.Info("worker starting",
				slog.Any("kinds", cfg.KindNames()),
				slog.Int("batch_size", cfg.BatchSize),
				slog.Int("concurrency", cfg.Concurrency),
				slog.Duration("claim_ttl", cfg.ClaimTTL),
				slog.Duration("lease_ttl", cfg.LeaseTTL),
			)
			if err := w.Run(ctx); err != nil {
				return fmt.Errorf("worker: %w", err)
			}
			return nil
		}, func(error) {
			cancel()
		})
	}

	// Operator API and metrics.
	if cfg.OperatorAddr != "" {
		ctx, cancel := context.WithCancel(context.Background())
		router := operator.NewRouter(handler.Backends{
			Queue:    st.queue,
			Results:  st.results,
			Admin:    st.admin,
			Lease:    st.lease,
			History:  history,
			Snapshot: st.snapshot,
			Ping:     st.ping,
		}, logger.With(slog.String("component", "operator")))
		srv := telemetry.NewServer(cfg.OperatorAddr, router)
		g.Add(func() error {
			return telemetry.Serve(ctx, srv, logger)
		}, func(error) {
			cancel()
		})
	}

	// Kafka seed intake.
	if len(brokers) > 0 && cfg.SeedsTopic != "" {
		ctx, cancel := context.WithCancel(context.Background())
		consumer := kafka.NewSeedConsumer(brokers, cfg.SeedsTopic, cfg.SeedGroup, logger)
		defer func() { _ = consumer.Close() }()
		in := intake.NewIntake(consumer, st.queue, logger)
		g.Add(func() error {
			return in.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	// Scheduled seeding.
	if cfg.SeedFile != "" && cfg.SeedSchedule != "" {
		ctx, cancel := context.WithCancel(context.Background())
		s := seeder.NewSeeder(st.queue, cfg.SeedFile, cfg.SeedSchedule, logger)
		g.Add(func() error {
			return s.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("stopped with error", slog.String("error", err.Error()))
		return err
	}
	logger.Info("stopped cleanly")
	return nil
}

// checkPersistence warns when the store would lose the queue on restart.
func checkPersistence(st *stores, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := st.snapshot(ctx)
	if err != nil {
		logger.Warn("could not inspect store persistence", slog.String("error", err.Error()))
		return
	}
	if !info.Enabled() {
		logger.Warn("store persistence is disabled; queue state will not survive a store restart")
		return
	}
	logger.Info("store persistence",
		slog.String("dir", info.Dir),
		slog.String("save_policy", info.SavePolicy),
		slog.Time("last_save", info.LastSave),
		slog.Bool("aof", info.AOFEnabled),
	)
}
