package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"astrolink/internal/simbackend"
)

func main() {
	listenAddr := pflag.String("listen", ":8099", "address the backend listens on")
	authToken := pflag.String("auth-token", "", "token agents must present (empty accepts any)")
	ringSeconds := pflag.Int("ring-seconds", 30, "default offer ring window")
	timerSeconds := pflag.Int("timer-seconds", 10, "session timer sync cadence")
	lkAPIKey := pflag.String("livekit-api-key", "", "LiveKit API key for media tokens")
	lkAPISecret := pflag.String("livekit-api-secret", "", "LiveKit API secret")
	lkURL := pflag.String("livekit-url", "", "LiveKit server URL handed to clients")
	pflag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	srv := simbackend.NewServer(simbackend.Config{
		ListenAddr:       *listenAddr,
		AuthToken:        *authToken,
		DefaultRingFor:   time.Duration(*ringSeconds) * time.Second,
		TimerSyncSeconds: *timerSeconds,
		LiveKit: simbackend.LiveKitConfig{
			APIKey:    *lkAPIKey,
			APISecret: *lkAPISecret,
			URL:       *lkURL,
		},
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		sig := <-quit
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Run(ctx); err != nil {
		logger.Fatal("backend exited", zap.Error(err))
	}
}
