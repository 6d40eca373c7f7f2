// Command vocalis is the asynchronous transcription service: HTTP API,
// background worker pool, and orphan sweeper in one process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/curalog/vocalis/internal/blob"
	"github.com/curalog/vocalis/internal/config"
	"github.com/curalog/vocalis/internal/feedback"
	"github.com/curalog/vocalis/internal/lexicon"
	"github.com/curalog/vocalis/internal/observe"
	"github.com/curalog/vocalis/internal/pipeline"
	"github.com/curalog/vocalis/internal/queue"
	"github.com/curalog/vocalis/internal/recognizer"
	"github.com/curalog/vocalis/internal/server"
	"github.com/curalog/vocalis/internal/store"
	"github.com/curalog/vocalis/internal/submit"
	"github.com/curalog/vocalis/internal/worker"
	"github.com/curalog/vocalis/pkg/provider/asr"
	asropenai "github.com/curalog/vocalis/pkg/provider/asr/openai"
	asrwhisper "github.com/curalog/vocalis/pkg/provider/asr/whisper"
	"github.com/curalog/vocalis/pkg/provider/llm/anyllm"
)

const jobQueueName = "vocalis:jobs"

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// Optional .env for local development; real deployments set the
	// environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "vocalis: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "vocalis: %v\n", err)
		}
		return 1
	}

	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("vocalis starting",
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
		"recognizer", cfg.Recognizer.Name,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "vocalis"})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	metrics, err := observe.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		slog.Error("failed to create metrics", "err", err)
		return 1
	}

	// ── Storage ───────────────────────────────────────────────────────────────
	st, err := store.NewStore(ctx, cfg.Database.DSN)
	if err != nil {
		slog.Error("failed to open database", "err", err)
		return 1
	}
	defer st.Close()

	blobs, err := blob.NewStore(cfg.Storage.AudioRoot)
	if err != nil {
		slog.Error("failed to open audio store", "err", err)
		return 1
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Error("failed to reach redis", "addr", cfg.Redis.Addr, "err", err)
		return 1
	}

	q := queue.New(rdb, jobQueueName,
		queue.WithVisibilityTimeout(cfg.Worker.VisibilityTimeout),
		queue.WithMaxDeliveries(cfg.Worker.MaxDeliveries),
	)

	if err := observe.RegisterGauges(otel.GetMeterProvider(), q.Depth, jobCounts(st)); err != nil {
		slog.Warn("failed to register gauges", "err", err)
	}

	// ── Recogniser ────────────────────────────────────────────────────────────
	provider, err := buildRecognizer(cfg.Recognizer)
	if err != nil {
		slog.Error("failed to build recogniser", "err", err)
		return 1
	}
	stt := recognizer.New(provider,
		recognizer.WithRetryPolicy(recognizer.RetryPolicy{
			Max:        cfg.Recognizer.Retry.Max,
			Initial:    cfg.Recognizer.Retry.Initial,
			Multiplier: cfg.Recognizer.Retry.Multiplier,
			Cap:        cfg.Recognizer.Retry.Cap,
		}),
		recognizer.WithObserver(metrics),
	)
	slog.Info("recogniser ready", "provider", stt.Name(), "model", cfg.Recognizer.Model)

	// ── Pipeline ──────────────────────────────────────────────────────────────
	lexicons := lexicon.NewCache(st.Terms(), cfg.Cache.TTL, logger)

	pipe, err := buildPipeline(cfg, metrics)
	if err != nil {
		slog.Error("failed to build pipeline", "err", err)
		return 1
	}

	// ── Services ──────────────────────────────────────────────────────────────
	submitSvc := submit.NewService(st.Jobs(), blobs, q, cfg.Storage.MaxAudioBytes, logger)
	feedbackSvc := feedback.NewService(st.Jobs(), st.Feedback(), logger)

	srv := server.New(submitSvc, st.Jobs(), st.Keys(), st.Terms(), lexicons, feedbackSvc,
		server.WithDefaultLexicon(cfg.Pipeline.DefaultLexicon),
		server.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		server.WithLogger(logger),
		server.WithCheckers(
			server.Checker{Name: "database", Check: st.Ping},
			server.Checker{Name: "redis", Check: func(ctx context.Context) error {
				return rdb.Ping(ctx).Err()
			}},
		),
	)

	pool := worker.NewPool(q, st.Jobs(), blobs, stt, lexicons, pipe,
		worker.WithCount(cfg.Worker.Count),
		worker.WithJobTimeout(cfg.Worker.JobTimeout),
		worker.WithPollInterval(cfg.Worker.PollInterval),
		worker.WithLogger(logger),
		worker.WithObserver(metrics),
	)
	sweeper := worker.NewSweeper(st.Jobs(), q,
		cfg.Worker.SweepInterval,
		cfg.Worker.PendingAge,
		cfg.Worker.JobTimeout*time.Duration(cfg.Worker.StuckMultiplier),
		logger,
	)

	httpServer := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           srv.Router(observe.Middleware(metrics)),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("http server listening", "addr", cfg.Server.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return sweeper.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		shCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return httpServer.Shutdown(shCtx)
	})

	slog.Info("vocalis ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// buildRecognizer instantiates the configured speech recognition backend.
func buildRecognizer(cfg config.RecognizerConfig) (asr.Provider, error) {
	switch cfg.Name {
	case "whisper":
		var opts []asrwhisper.Option
		if cfg.Model != "" {
			opts = append(opts, asrwhisper.WithModel(cfg.Model))
		}
		if cfg.Language != "" {
			opts = append(opts, asrwhisper.WithLanguage(cfg.Language))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, asrwhisper.WithTimeout(cfg.Timeout))
		}
		return asrwhisper.New(cfg.BaseURL, opts...)
	case "openai":
		var opts []asropenai.Option
		if cfg.BaseURL != "" {
			opts = append(opts, asropenai.WithBaseURL(cfg.BaseURL))
		}
		if cfg.Timeout > 0 {
			opts = append(opts, asropenai.WithTimeout(cfg.Timeout))
		}
		return asropenai.New(cfg.APIKey, cfg.Model, opts...)
	default:
		return nil, fmt.Errorf("unknown recogniser %q", cfg.Name)
	}
}

// buildPipeline assembles the post-processing steps in their fixed order:
// substitution, cleanup, numerals, polish.
func buildPipeline(cfg *config.Config, metrics *observe.Metrics) (*pipeline.Pipeline, error) {
	var opts []pipeline.Option
	if *cfg.Pipeline.EnableLexicon {
		opts = append(opts, pipeline.WithSubstitution(cfg.Pipeline.FuzzyEnabled, cfg.Pipeline.FuzzyThreshold))
	}
	if *cfg.Pipeline.EnableCleanup {
		opts = append(opts, pipeline.WithCleanup(*cfg.Pipeline.LanguageNormalisations))
	}
	if *cfg.Pipeline.EnableNumerals {
		opts = append(opts, pipeline.WithNumerals(pipeline.NumeralStrategy(cfg.Pipeline.NumeralStrategy)))
	}
	if cfg.Polish.Enabled {
		var llmOpts []anyllmlib.Option
		if cfg.Polish.APIKey != "" {
			llmOpts = append(llmOpts, anyllmlib.WithAPIKey(cfg.Polish.APIKey))
		}
		if cfg.Polish.BaseURL != "" {
			llmOpts = append(llmOpts, anyllmlib.WithBaseURL(cfg.Polish.BaseURL))
		}
		polish, err := anyllm.New(cfg.Polish.Provider, cfg.Polish.Model, llmOpts...)
		if err != nil {
			return nil, fmt.Errorf("polish provider: %w", err)
		}
		opts = append(opts, pipeline.WithPolish(polish, cfg.Polish.Timeout))
	}
	opts = append(opts,
		pipeline.WithWeights(pipeline.Weights{
			Alpha: cfg.Pipeline.Confidence.Alpha,
			Beta:  cfg.Pipeline.Confidence.Beta,
			Gamma: cfg.Pipeline.Confidence.Gamma,
		}),
		pipeline.WithObserver(metrics),
	)
	return pipeline.New(opts...), nil
}

// jobCounts adapts the job store's per-status counts for gauge registration.
func jobCounts(st *store.Store) observe.JobCounts {
	return func(ctx context.Context) (map[string]int64, error) {
		byStatus, err := st.Jobs().CountByStatus(ctx)
		if err != nil {
			return nil, err
		}
		out := make(map[string]int64, len(byStatus))
		for status, n := range byStatus {
			out[string(status)] = n
		}
		return out, nil
	}
}

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
