package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/mirqtio/quotaguard/internal/container"
	"github.com/mirqtio/quotaguard/internal/events"
	"github.com/samber/do"
	"go.uber.org/zap"
)

func main() {
	opts := &container.Options{
		RedisAddr: getEnv("REDIS_ADDR", "localhost:6379"),
		LogFormat: getEnv("LOG_FORMAT", "console"),
	}

	injector := do.New()
	do.ProvideValue(injector, opts)
	container.LoggerPackage(injector)
	container.RedisPackage(injector)
	container.ConsumerPackage(injector)

	logger := do.MustInvoke[*zap.Logger](injector)
	consumer := do.MustInvoke[*events.Consumer](injector)
	tally := do.MustInvoke[*events.MemoryTally](injector)

	ctx, cancel := context.WithCancel(context.Background())

	if err := consumer.Start(ctx); err != nil {
		logger.Fatal("failed to start consumer", zap.Error(err))
	}

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	cancel()

	if err := injector.Shutdown(); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}

	for key, counts := range tally.Snapshot() {
		logger.Info("decision tally",
			zap.String("key", key),
			zap.Int64("rejected", counts.Rejected),
			zap.Int64("degraded", counts.Degraded),
		)
	}

	logger.Info("shutdown complete")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultValue
}
