// clawbot is the expense automation engine for the Quality B2B travel
// portal: it accepts parsed expense records over a small HTTP bridge, replays
// them into the portal's charge forms through pooled browser sessions, and
// reports per-group results.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/web365/clawbot/pkg/bridge"
	"github.com/web365/clawbot/pkg/browser"
	"github.com/web365/clawbot/pkg/classify"
	"github.com/web365/clawbot/pkg/config"
	"github.com/web365/clawbot/pkg/jobs"
	"github.com/web365/clawbot/pkg/logging"
	"github.com/web365/clawbot/pkg/security/datadir"
	"github.com/web365/clawbot/pkg/server"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(logging.Config{
		Level:      cfg.Logger.Level,
		OutputPath: cfg.Logger.OutputPath,
		Format:     cfg.Logger.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting clawbot",
		zap.String("portal", cfg.Portal.BaseURL),
		zap.Int("port", cfg.Server.Port))

	if err := os.MkdirAll(cfg.Jobs.DataDir, 0o755); err != nil {
		logger.Fatal("failed to create data directory", zap.Error(err))
	}
	if cfg.Browser.ScreenshotDir != "" {
		if err := os.MkdirAll(cfg.Browser.ScreenshotDir, 0o755); err != nil {
			logger.Fatal("failed to create screenshot directory", zap.Error(err))
		}
	}

	pool, err := browser.NewPool(cfg.Browser, logger)
	if err != nil {
		logger.Fatal("failed to start browser pool", zap.Error(err))
	}
	defer func() {
		if err := pool.Shutdown(); err != nil {
			logger.Warn("browser pool shutdown", zap.Error(err))
		}
	}()

	registry := jobs.NewRegistry(logger)
	questions := jobs.NewQuestions(cfg.Jobs.QuestionWait, logger)
	driverBridge := bridge.New(0, logger)
	orchestrator := jobs.NewOrchestrator(pool, driverBridge, registry, questions, cfg, logger)

	var classifier server.Classifier
	if cfg.OpenAI.APIKey != "" {
		classifier = classify.New(cfg.OpenAI, logger)
	} else {
		logger.Warn("no OpenAI API key configured, /chat is disabled")
	}

	guard, err := datadir.NewGuard(cfg.Jobs.DataDir)
	if err != nil {
		logger.Fatal("failed to set up data directory guard", zap.Error(err))
	}

	srv := server.New(cfg.Server, cfg.Portal, orchestrator, classifier, guard, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		logger.Fatal("http bridge failed", zap.Error(err))
	}
	logger.Info("clawbot stopped")
}
