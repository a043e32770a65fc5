package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/Vector/docbatch/runner"
	"github.com/Vector/docbatch/runner/redisrunner"
	"github.com/Vector/docbatch/runner/webrunner"
)

func main() {
	_ = godotenv.Load() // Load .env file if present

	cfg, err := runner.ParseConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	runner.Banner(cfg)

	logger, err := runner.NewLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	code := run(ctx, cfg, logger)

	cancel()

	_ = logger.Sync()

	os.Exit(code)
}

func run(ctx context.Context, cfg *runner.Config, logger *zap.Logger) int {
	defer runner.Telemetry().Close()

	runnerInstance, err := runnerFactory(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to start", zap.String("mode", cfg.Mode), zap.Error(err))

		return 1
	}

	code := 0

	if err := runnerInstance.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("runner stopped", zap.Error(err))

		code = 1
	}

	logger.Info("shutting down")

	if err := runnerInstance.Close(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	return code
}

func runnerFactory(ctx context.Context, cfg *runner.Config, logger *zap.Logger) (runner.Runner, error) {
	switch cfg.Mode {
	case runner.RunModeWeb, runner.RunModeAll:
		return webrunner.New(ctx, cfg, logger)
	case runner.RunModeWorker:
		return redisrunner.New(ctx, cfg, logger)
	default:
		return nil, runner.ErrInvalidRunMode
	}
}
