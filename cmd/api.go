package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ReadySet1/destino-sf-sub000/internal/api"
	"github.com/ReadySet1/destino-sf-sub000/internal/api/handlers"
	"github.com/ReadySet1/destino-sf-sub000/internal/services"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server that receives webhooks and exposes the queue endpoints`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	a, err := newApp(cfg, true)
	if err != nil {
		return err
	}
	defer a.Close()

	server := api.NewServer(cfg, buildHandlers(a), a.tracer)

	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
			stop()
		}
	}()

	<-ctx.Done()

	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func buildHandlers(a *app) api.Handlers {
	verifier := services.NewSignatureVerifier(cfg.Commerce.SignatureKey, cfg.Commerce.NotificationURL)
	if !verifier.Enabled() {
		log.Warn().Msg("Webhook signature key not configured, signatures will not be verified")
	}

	var history handlers.DispatchHistory
	if a.elastic.Enabled() {
		history = a.elastic
	}

	metricsHandler := handlers.NewMetricsHandler(a.collector, a.repos.Queue, a.breaker).
		AddCheck("database", a.dbCheck)
	if a.cache.Enabled() {
		metricsHandler.AddCheck("redis", a.cache.Ping)
	}

	return api.Handlers{
		Webhooks: handlers.NewWebhookHandler(a.ingest, verifier, a.tracer),
		Queue:    handlers.NewQueueHandler(a.dispatcher, a.repos.Queue, history, a.processOptions()),
		Metrics:  metricsHandler,
	}
}
