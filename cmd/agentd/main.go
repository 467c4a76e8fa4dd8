package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"astrolink/internal/configuration"
	"astrolink/internal/media"
	"astrolink/internal/pending"
)

func main() {
	configPath := pflag.String("config", "config.json", "path to the config file")
	logLevel := pflag.String("log-level", "info", "zap log level (debug, info, warn, error)")
	pflag.Parse()

	level, err := zapcore.ParseLevel(*logLevel)
	if err != nil {
		log.Fatalf("Invalid log level %q: %v", *logLevel, err)
	}
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zapCfg.Build()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}

	container, err := configuration.BuildContainer(*configPath, media.NopEngine{Logger: logger}, logger)
	if err != nil {
		log.Fatalf("Failed to build container: %v", err)
	}

	// Ensure cleanup on shutdown
	defer container.Close()

	if err = container.Connect(); err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}

	go consumeNotifications(container, logger)
	go consumeSummaries(container, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", zap.String("signal", sig.String()))
}

// consumeNotifications logs offer-lifecycle signals. An embedding UI would
// drive its ringing screen from this stream instead.
func consumeNotifications(c *configuration.Container, logger *zap.Logger) {
	for n := range c.Broker.Notifications() {
		switch n.Kind {
		case pending.ReasonTaken:
			logger.Info("offer taken by another agent",
				zap.String("requestId", n.RequestID),
				zap.String("takenBy", n.TakenBy))
		case pending.ReasonExpired:
			logger.Info("offer expired",
				zap.String("requestId", n.RequestID))
		default:
			logger.Info("offer withdrawn",
				zap.String("requestId", n.RequestID))
		}
	}
}

func consumeSummaries(c *configuration.Container, logger *zap.Logger) {
	for s := range c.Session.Summaries() {
		logger.Info("session ended",
			zap.String("bookingId", s.BookingID),
			zap.Int64("durationSeconds", s.DurationSeconds),
			zap.Float64("amount", s.FinalAmount),
			zap.String("reason", s.Reason))
	}
}
