package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/spigell/mostaql-notifier/internal/ai"
	"github.com/spigell/mostaql-notifier/internal/ai/gemini"
	"github.com/spigell/mostaql-notifier/internal/ai/groq"
	"github.com/spigell/mostaql-notifier/internal/analyzer"
	"github.com/spigell/mostaql-notifier/internal/collector"
	"github.com/spigell/mostaql-notifier/internal/filtering"
	"github.com/spigell/mostaql-notifier/internal/lock"
	"github.com/spigell/mostaql-notifier/internal/logger"
	"github.com/spigell/mostaql-notifier/internal/metrics"
	"github.com/spigell/mostaql-notifier/internal/mostaql"
	"github.com/spigell/mostaql-notifier/internal/notifier"
	"github.com/spigell/mostaql-notifier/internal/pipeline"
	"github.com/spigell/mostaql-notifier/internal/profile"
	"github.com/spigell/mostaql-notifier/internal/ratelimit"
	"github.com/spigell/mostaql-notifier/internal/scoring"
	"github.com/spigell/mostaql-notifier/internal/store"
	"github.com/spigell/mostaql-notifier/internal/store/memory"
	"github.com/spigell/mostaql-notifier/internal/store/postgres"
)

const shutdownTimeout = 10 * time.Second

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Collect, analyze, score and notify on a schedule",
	Run: func(cmd *cobra.Command, _ []string) {
		run(cmd)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("once", false, "run a single cycle and exit")
	rootCmd.PersistentFlags().StringP("exclude-file", "e", "", "special file with jobs to exclude. Default is unset.")

	viper.BindPFlag("exclude-file", rootCmd.PersistentFlags().Lookup("exclude-file"))
}

// run is the main command for the cli.
func run(cmd *cobra.Command) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := logger.New(cmd.Name(), viper.GetBool("json"), viper.GetBool("debug"))
	if err != nil {
		log.Fatalf("creating a logger: %s", err)
	}
	defer logger.Sync()

	config, err := getConfig(viper.GetViper())
	if err != nil {
		logger.Fatal("getting a config", zap.Error(err))
	}

	logger.Info("starting the mostaql-notifier", zap.String("version", version))

	// do not bother error since there is a valid parseable config
	pretty, _ := json.MarshalIndent(config, "", "  ")
	logger.Debug(fmt.Sprintf("starting with config: \n %s", pretty))

	prof, err := profile.Load(config.ProfileFile)
	if err != nil {
		logger.Fatal("loading the freelancer profile", zap.Error(err), zap.String("file", config.ProfileFile))
	}

	sink, metricsServer := newMetrics(config.Metrics, logger)

	st, err := openStore(ctx, config, logger)
	if err != nil {
		logger.Fatal("opening the store", zap.Error(err))
	}
	defer st.Close()

	limiter, err := ratelimit.New(config.RateLimits.Default, config.RateLimits.Partitions, ratelimit.WithObserver(sink.RateLimitWait))
	if err != nil {
		logger.Fatal("creating the rate limiter", zap.Error(err))
	}

	chain, err := prepareFilters(config, prof, logger)
	if err != nil {
		logger.Fatal("preparing filters", zap.Error(err))
	}

	collectorCfg := config.Collector
	collectorCfg.MaxAttempts = config.Pipeline.MaxAttempts
	source := mostaql.New(logger, config.Source)
	col := collector.New(source, st, limiter, chain, collectorCfg, logger)

	generator, err := newGenerator(ctx, config, logger)
	if err != nil {
		logger.Fatal("creating the ai generator", zap.Error(err),
			zap.String("hint", "set GEMINI_API_KEY or GROQ_API_KEY, or ai.gemini.api-key-file / ai.groq.api-key-file"),
		)
	}

	an, err := analyzer.New(generator, limiter, config.AI.Analyzer, logger, analyzer.WithMetrics(sink))
	if err != nil {
		logger.Fatal("creating the analyzer", zap.Error(err))
	}

	sc, err := scoring.New(config.Scoring, prof)
	if err != nil {
		logger.Fatal("creating the scorer", zap.Error(err))
	}
	logger.Info("scoring configured",
		zap.String("version", sc.Version()),
		zap.Float64("threshold", config.Scoring.Threshold),
	)

	tg, err := newTelegram(config, logger)
	if err != nil {
		logger.Fatal("creating the telegram sender", zap.Error(err),
			zap.String("hint", "set TELEGRAM_BOT_TOKEN or telegram.token-file and telegram.chat-id"),
		)
	}
	n := notifier.New(tg, st, limiter, sink, logger)

	cycleLock, closeLock, err := newLock(ctx, config, logger)
	if err != nil {
		logger.Fatal("creating the cycle lock", zap.Error(err))
	}
	defer closeLock()

	proc := pipeline.NewProcessor(st, an, sc, n, prof, pipeline.ProcessorConfig{
		StageTimeout: config.Pipeline.StageTimeout,
		MaxAttempts:  config.Pipeline.MaxAttempts,
	}, sink, logger)

	cycle := pipeline.NewCycle(col, proc, st, cycleLock, pipeline.CycleConfig{
		Workers:     config.Pipeline.Workers,
		MaxAttempts: config.Pipeline.MaxAttempts,
		BatchLimit:  config.Pipeline.BatchLimit,
	}, sink, logger)

	defer shutdownMetrics(metricsServer, logger)

	if once, _ := cmd.Flags().GetBool("once"); once {
		report, err := cycle.Run(ctx)
		if err != nil {
			logger.Error("cycle failed", zap.Error(err))
			return
		}
		logger.Info("exiting",
			zap.String("reason", "single cycle finished"),
			zap.Int("notified", report.Outcomes[pipeline.OutcomeNotified]),
		)
		return
	}

	sched, err := pipeline.NewScheduler(cycle, config.Interval, logger)
	if err != nil {
		logger.Fatal("creating the scheduler", zap.Error(err))
	}
	if err := sched.Start(ctx); err != nil {
		logger.Fatal("starting the scheduler", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutdown requested, waiting for the running cycle")
	sched.Stop()
}

func prepareFilters(config *Config, prof *profile.Profile, logger *zap.Logger) (*filtering.Chain, error) {
	negative := append([]string{}, prof.NegativeKeywords...)
	negative = append(negative, config.NegativeKeywords...)

	steps := filtering.Default()
	for _, name := range config.DisabledFilters {
		filtering.DisableByName(steps, name, "disabled in config")
	}

	chain, err := filtering.New(&filtering.Config{
		ExcludedPublishers: config.ExcludedPublishers,
		ExcludeFile:        config.ExcludeFile,
		NegativeKeywords:   negative,
	}, filtering.Deps{Logger: logger, Skills: prof.Skills()}, steps)
	if err != nil {
		return nil, err
	}

	for _, status := range chain.Describe() {
		logger.Debug("filter prepared",
			zap.String("filter", status.Name),
			zap.Bool("enabled", status.Enabled),
			zap.String("reason", status.Reason),
		)
	}
	return chain, nil
}

func openStore(ctx context.Context, config *Config, logger *zap.Logger) (store.Store, error) {
	dsn, err := config.databaseURL()
	if err != nil {
		return nil, err
	}
	if dsn == "" {
		logger.Warn("database url is not set, using the in-memory store",
			zap.String("hint", "state is lost on restart and known jobs will be processed again"),
		)
		return memory.New(), nil
	}

	pg, err := connectPostgres(ctx, dsn, config.Database.MaxConns, logger)
	if err != nil {
		return nil, err
	}
	return pg, nil
}

func connectPostgres(ctx context.Context, dsn string, maxConns int32, logger *zap.Logger) (*postgres.Store, error) {
	pg, err := postgres.Connect(ctx, postgres.Config{DSN: dsn, MaxConns: maxConns}, logger)
	if err != nil {
		return nil, err
	}
	if err := pg.Migrate(ctx); err != nil {
		pg.Close()
		return nil, fmt.Errorf("migrating the database: %w", err)
	}
	return pg, nil
}

// newGenerator returns Gemini with Groq as the fallback. Either one alone is
// enough.
func newGenerator(ctx context.Context, config *Config, logger *zap.Logger) (ai.Generator, error) {
	var generators []ai.Generator

	geminiKey, err := config.geminiKey()
	if err != nil {
		return nil, err
	}
	if geminiKey != "" {
		g, err := gemini.NewGenerator(ctx, gemini.Config{
			APIKey:          geminiKey,
			Model:           config.AI.Gemini.Model,
			Temperature:     config.AI.Gemini.Temperature,
			MaxOutputTokens: config.AI.Gemini.MaxOutputTokens,
		}, logger)
		if err != nil {
			return nil, err
		}
		generators = append(generators, g)
	}

	groqKey, err := config.groqKey()
	if err != nil {
		return nil, err
	}
	if groqKey != "" {
		g, err := groq.New(groq.Config{
			APIKey:      groqKey,
			Model:       config.AI.Groq.Model,
			URL:         config.AI.Groq.URL,
			Temperature: config.AI.Groq.Temperature,
			MaxTokens:   config.AI.Groq.MaxTokens,
			Timeout:     config.AI.Groq.Timeout,
		})
		if err != nil {
			return nil, err
		}
		generators = append(generators, g)
	}

	for i, g := range generators {
		logger.Info("ai provider enabled",
			zap.String("ai_provider", g.Provider()),
			zap.String("ai_model", g.Model()),
			zap.Bool("fallback", i > 0),
		)
	}

	return ai.NewFallback(logger, generators...)
}

func newTelegram(config *Config, logger *zap.Logger) (*notifier.Telegram, error) {
	token, err := config.telegramToken()
	if err != nil {
		return nil, err
	}
	return notifier.NewTelegram(notifier.TelegramConfig{
		Token:    token,
		ChatID:   config.Telegram.ChatID,
		Endpoint: config.Telegram.Endpoint,
		Timeout:  config.Telegram.Timeout,
	}, logger)
}

func newLock(ctx context.Context, config *Config, logger *zap.Logger) (lock.Lock, func(), error) {
	if config.Redis.URL == "" {
		return lock.NewLocal(), func() {}, nil
	}

	client, err := lock.Connect(ctx, config.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	l, err := lock.NewRedis(client, config.Redis.LockKey, config.Redis.LockTTL, logger)
	if err != nil {
		client.Close()
		return nil, nil, err
	}

	logger.Info("using the redis cycle lock", zap.String("key", config.Redis.LockKey), zap.Duration("ttl", config.Redis.LockTTL))
	return l, func() {
		if err := client.Close(); err != nil {
			logger.Warn("closing redis client", zap.Error(err))
		}
	}, nil
}

func newMetrics(cfg MetricsConfig, logger *zap.Logger) (metrics.Sink, *http.Server) {
	if cfg.Addr == "" {
		logger.Debug("metrics endpoint disabled", zap.String("hint", "set metrics.addr to expose prometheus metrics"))
		return metrics.Nop{}, nil
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	sink := metrics.NewPrometheus(reg, logger)

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("metrics server listening", zap.String("addr", cfg.Addr), zap.String("path", cfg.Path))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	return sink, srv
}

func shutdownMetrics(srv *http.Server, logger *zap.Logger) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("stopping metrics server", zap.Error(err))
	}
}
