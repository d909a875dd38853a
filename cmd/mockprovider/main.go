// Command mockprovider imitates the transactional email API the gateway
// sends through. It accepts single and batch sends, fails a configurable
// share of them and can post delivery webhooks back to the gateway.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg := Config{
		APIKey:      os.Getenv("API_KEY"),
		SuccessRate: getEnvFloat("SUCCESS_RATE", 1),
		MinDelay:    getEnvDuration("MIN_DELAY", 50*time.Millisecond),
		MaxDelay:    getEnvDuration("MAX_DELAY", 300*time.Millisecond),
		WebhookURL:  os.Getenv("WEBHOOK_URL"),
	}
	port := getEnv("PORT", "8081")

	log.Info().
		Str("port", port).
		Float64("success_rate", cfg.SuccessRate).
		Dur("min_delay", cfg.MinDelay).
		Dur("max_delay", cfg.MaxDelay).
		Bool("webhooks", cfg.WebhookURL != "").
		Msg("Starting mock email provider")

	provider := NewMockProvider(cfg)
	defer provider.Close()

	srv := &http.Server{
		Addr:         ":" + port,
		Handler:      SetupRouter(NewHandler(provider)),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", srv.Addr).Msg("Server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited")
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
