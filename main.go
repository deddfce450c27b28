package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Kocoro-lab/clarifier/internal/archive"
	"github.com/Kocoro-lab/clarifier/internal/circuitbreaker"
	"github.com/Kocoro-lab/clarifier/internal/config"
	"github.com/Kocoro-lab/clarifier/internal/conversation"
	"github.com/Kocoro-lab/clarifier/internal/health"
	"github.com/Kocoro-lab/clarifier/internal/httpapi"
	"github.com/Kocoro-lab/clarifier/internal/ports"
	"github.com/Kocoro-lab/clarifier/internal/ports/keywords"
	"github.com/Kocoro-lab/clarifier/internal/ports/llm"
	"github.com/Kocoro-lab/clarifier/internal/ports/search"
	"github.com/Kocoro-lab/clarifier/internal/ratecontrol"
	"github.com/Kocoro-lab/clarifier/internal/session"
	"github.com/Kocoro-lab/clarifier/internal/tracing"
	"github.com/Kocoro-lab/clarifier/internal/workflow"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		// no logger yet
		_, _ = os.Stderr.WriteString("clarifier: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Logging)
	if err != nil {
		_, _ = os.Stderr.WriteString("clarifier: failed to initialize logger: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Breaker overrides must be in place before any wrapper is built
	cfg.ApplyCircuitBreakers()

	shutdownTracing, err := tracing.Initialize(cfg.Tracing, logger)
	if err != nil {
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	}

	healthManager := health.NewManager(logger)

	// Conversation store
	var (
		store      session.Store
		redisStore *session.RedisStore
	)
	switch cfg.Store.Backend {
	case config.BackendRedis:
		redisStore, err = session.NewRedisStore(cfg.Store.Redis, logger)
		if err != nil {
			logger.Fatal("Failed to connect conversation store", zap.Error(err))
		}
		store = redisStore
		_ = healthManager.RegisterChecker(health.NewRedisHealthChecker(redisStore.RedisWrapper()))
	default:
		mem := session.NewMemoryStore(logger)
		mem.StartJanitor(ctx, cfg.Store.JanitorInterval)
		store = mem
	}
	logger.Info("Conversation store ready", zap.String("backend", cfg.Store.Backend))

	limits := ratecontrol.New(cfg.RateLimit)

	// Web search
	tavilyHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: cfg.Search.Timeout}, "tavily", "clarifier", circuitbreaker.KindHTTP, logger)
	var sharedCache search.Cache
	if cfg.Search.SharedCache && redisStore != nil {
		sharedCache = search.NewRedisCache(redisStore.RedisWrapper())
	}
	searcher := search.NewClient(cfg.Search.Config, tavilyHTTP, limits, sharedCache, logger)
	_ = healthManager.RegisterChecker(health.NewBreakerHealthChecker("tavily", tavilyHTTP))

	// Chat completions
	openaiHTTP := circuitbreaker.NewHTTPWrapper(&http.Client{}, "openai", "clarifier", circuitbreaker.KindLLM, logger)
	chat := llm.NewClient(cfg.LLM, openaiHTTP, limits, logger)
	_ = healthManager.RegisterChecker(health.NewBreakerHealthChecker("openai", openaiHTTP))

	classifierChat := chat
	if cfg.LLM.ClassifierModel != "" {
		classifierChat = chat.WithModel(cfg.LLM.ClassifierModel)
	}
	var disambiguation llm.Searcher
	if cfg.LLM.SearchDisambiguation {
		disambiguation = searcher
	}
	var classifier ports.Classifier = llm.NewClassifier(classifierChat, disambiguation, logger)

	if cfg.Keywords.Enabled {
		table, err := keywords.Load(cfg.Keywords.Path)
		if err != nil {
			logger.Fatal("Failed to load keyword file", zap.String("path", cfg.Keywords.Path), zap.Error(err))
		}
		kw := keywords.NewClassifier(classifier, table, logger)
		if cfg.Keywords.Watch && cfg.Keywords.Path != "" {
			if err := keywords.Watch(ctx, cfg.Keywords.Path, kw, logger); err != nil {
				logger.Warn("Keyword file watch disabled", zap.Error(err))
			}
		}
		classifier = kw
	}

	opts := []workflow.Option{}
	var archiveClient *archive.Client
	if cfg.Archive.Enabled {
		archiveClient, err = archive.Open(cfg.Archive, logger)
		if err != nil {
			logger.Warn("Archive unavailable, completed conversations will not be archived", zap.Error(err))
		} else {
			opts = append(opts, workflow.WithArchiver(archiveClient))
			_ = healthManager.RegisterChecker(health.NewArchiveHealthChecker(archiveClient))
		}
	}

	engine := workflow.NewEngine(workflow.Ports{
		Classifier: classifier,
		Retriever:  llm.NewRetriever(chat, searcher),
		Evaluator:  llm.NewEvaluator(chat, logger),
	}, store, cfg.Workflow, logger, opts...)
	svc := conversation.NewService(engine, logger)

	circuitbreaker.StartMetricsCollection(ctx, cfg.Metrics.CollectionInterval)

	router := httpapi.NewRouter(logger,
		httpapi.NewConversationHandler(svc, cfg.Server.RequestTimeout, logger),
		health.NewHTTPHandler(healthManager, logger),
	)
	srv := httpapi.NewServer(cfg.Server.Addr, router, cfg.Server.ReadTimeout, cfg.Server.WriteTimeout)

	go func() {
		logger.Info("Clarifier HTTP server listening", zap.String("address", cfg.Server.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	logger.Info("Shutting down clarifier")

	grace := cfg.Server.ShutdownTimeout
	if grace <= 0 {
		grace = 30 * time.Second
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), grace)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", zap.Error(err))
	}

	// Stops the janitor, keyword watcher and breaker metrics
	cancel()

	if archiveClient != nil {
		if err := archiveClient.Close(); err != nil {
			logger.Error("Failed to close archive", zap.Error(err))
		}
	}
	if redisStore != nil {
		if err := redisStore.Close(); err != nil {
			logger.Error("Failed to close conversation store", zap.Error(err))
		}
	}
	if shutdownTracing != nil {
		if err := shutdownTracing(shutdownCtx); err != nil {
			logger.Warn("Failed to flush traces", zap.Error(err))
		}
	}
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "ts"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return zc.Build()
}
