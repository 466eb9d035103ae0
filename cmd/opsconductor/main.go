// Command opsconductor starts the OpsConductor service: it wires the five
// pipeline stages behind the Orchestrator and serves spec §6's HTTP surface.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/opsconductor/opsconductor/internal/config"
	"github.com/opsconductor/opsconductor/internal/httpapi"
	"github.com/opsconductor/opsconductor/internal/logging"
	"github.com/opsconductor/opsconductor/pkg/answerer"
	"github.com/opsconductor/opsconductor/pkg/assets"
	"github.com/opsconductor/opsconductor/pkg/cache"
	"github.com/opsconductor/opsconductor/pkg/catalog"
	"github.com/opsconductor/opsconductor/pkg/classifier"
	"github.com/opsconductor/opsconductor/pkg/executorbridge"
	"github.com/opsconductor/opsconductor/pkg/llm"
	"github.com/opsconductor/opsconductor/pkg/orchestrator"
	"github.com/opsconductor/opsconductor/pkg/planner"
	"github.com/opsconductor/opsconductor/pkg/selector"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func main() {
	configPath := flag.String("config", getEnv("CONFIG_PATH", "config.yaml"), "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.NewLogger(config.LoggingConfig{Level: "info", Format: "json"}).WithError(err).Fatal("failed to load configuration")
	}

	logger := logging.NewLogger(cfg.Logging)
	logger.WithField("config_path", *configPath).Info("starting opsconductor")

	llmClient, err := llm.NewClient(cfg.LLM, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to build LLM client")
	}

	var redisClient *redis.Client
	if cfg.Redis.Addr != "" {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	cacheManager := cache.NewManager(cache.Config{
		StageATTL:  cfg.Cache.StageATTL,
		StageBTTL:  cfg.Cache.StageBTTL,
		StageCTTL:  cfg.Cache.StageCTTL,
		AssetTTL:   cfg.Cache.AssetTTL,
		ToolTTL:    cfg.Cache.ToolTTL,
		MaxEntries: cfg.Cache.MaxEntries,
	}, redisClient)

	catalogStore, err := catalog.Load(cfg.Catalog.Path, logger)
	if err != nil {
		logger.WithError(err).Fatal("failed to load tool catalog")
	}
	if cfg.Catalog.ReloadOnChange {
		if err := catalogStore.WatchForChanges(); err != nil {
			logger.WithError(err).Warn("catalog hot reload disabled: failed to start watcher")
		}
	}
	defer catalogStore.Close()

	assetService := assets.NewHTTPService(cfg.Assets.BaseURL, cfg.Assets.Timeout)
	assetProvider := assets.NewProvider(assetService, cacheManager)

	automationClient := executorbridge.NewHTTPAutomationClient(
		cfg.Automation.BaseURL, cfg.Automation.PerCallTimeout, cfg.Automation.PollInterval, logger)

	classifierStage := classifier.New(llmClient, cacheManager, classifier.Config{
		AllowRuleOnlyRiskOnLLMOutage: cfg.Stages.AllowRuleOnlyRiskOnLLMOutage,
	}, logger)
	selectorStage := selector.New(llmClient, catalogStore, cacheManager, selector.Config{
		EnableLLMJustification: cfg.Stages.EnableSelectorLLMJustification,
	}, logger)
	plannerStage := planner.New(llmClient, catalogStore, cacheManager, logger)
	answererStage := answerer.New(llmClient, logger)
	executorStage := executorbridge.New(automationClient, logger)

	deadlines := orchestrator.Deadlines{
		Classifier: cfg.Stages.ClassifierTimeout,
		Selector:   cfg.Stages.SelectorTimeout,
		Planner:    cfg.Stages.PlannerTimeout,
		Answerer:   cfg.Stages.AnswererTimeout,
		Executor:   cfg.Stages.ExecutorTimeout,
	}

	pipeline := orchestrator.New(
		classifierStage, selectorStage, plannerStage, answererStage, executorStage, deadlines, logger,
	).WithAssetHydrator(assetProvider)

	server := httpapi.NewServer(pipeline, cacheManager, logger, httpapi.Config{
		APIKey:             cfg.Server.CacheAPIKey,
		CORSAllowedOrigins: cfg.Server.CORSAllowedOrigins,
	})

	httpServer := httpapi.NewHTTPServer(":"+cfg.Server.HTTPPort, server)

	go func() {
		logger.WithField("addr", httpServer.Addr).Info("HTTP server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("HTTP server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("graceful shutdown failed")
	}
}
