package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"time"

	"veobotdev/database/postgres"
	"veobotdev/generation"
	"veobotdev/logger"
	"veobotdev/modelapi/deepgramapi"
	"veobotdev/modelapi/kieaiapi"
	"veobotdev/payments"
	"veobotdev/payments/yookassaapi"
	"veobotdev/telegram"
	"veobotdev/workspace/notionapi"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/hyperdxio/opentelemetry-logs-go/exporters/otlp/otlplogs"
	sdk "github.com/hyperdxio/opentelemetry-logs-go/sdk/logs"
	"github.com/hyperdxio/otel-config-go/otelconfig"
)

const defaultPort = "80"

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = defaultPort
	}
	godotenv.Load()
	production := os.Getenv("PRODUCTION") != ""

	otelShutdown, err := otelconfig.ConfigureOpenTelemetry()
	if err != nil {
		log.Fatalf("Error setting up OTel SDK - %e", err)
	}
	defer otelShutdown()
	ctx := context.Background()

	logExporter, _ := otlplogs.NewExporter(ctx)
	loggerProvider := sdk.NewLoggerProvider(sdk.WithBatcher(logExporter))
	defer loggerProvider.Shutdown(ctx)

	LogMiddleware := logger.Connect(logger.LoggerConnectProps{Production: production, LoggerProvider: loggerProvider})

	db := postgres.Connect(ctx, postgres.DatabaseConnectProps{Logger: LogMiddleware})

	kassaClient := yookassaapi.Connect(ctx, yookassaapi.KassaConnectProps{Logger: LogMiddleware})
	kieClient := kieaiapi.Connect(ctx, kieaiapi.KieAIConnectProps{Logger: LogMiddleware})
	deepgramClient := deepgramapi.Connect(LogMiddleware)
	notionClient := notionapi.Connect(ctx, notionapi.NotionConnectProps{Logger: LogMiddleware})

	pay := payments.Connect(ctx, payments.PaymentsConnectProps{
		Logger: LogMiddleware,
		Store:  db,
		Kassa:  kassaClient,
		Mirror: notionClient,
	})
	gen := generation.Connect(ctx, generation.GenerationConnectProps{
		Logger: LogMiddleware,
		Store:  db,
		Video:  kieClient,
	})
	telegramBot := telegram.Connect(ctx, telegram.TelegramConnectProps{
		Logger:     LogMiddleware,
		Store:      db,
		Payments:   pay,
		Generation: gen,
		Deepgram:   deepgramClient,
		Workspace:  notionClient,
	})
	pay.SetNotifier(telegramBot)

	go pay.RunReconciliationSweep(ctx, time.Minute)

	Logger := LogMiddleware.Logger(ctx)

	if production == false {
		// Development: long-poll Telegram instead of exposing a webhook URL.
		Logger.Info("[Telegram] Bot starting in development mode")
		go telegramBot.Listen(ctx)
	} else {
		Logger.Info("[Telegram] Bot starting in production mode")
	}

	router := chi.NewRouter()
	router.Use(requestLoggerMiddleware(LogMiddleware))
	router.Post("/webhook", telegramBot.WebhookHandler())
	router.Post("/payment-webhook", pay.WebhookHandler())
	router.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		// Liveness only. The process serves webhooks even when a downstream
		// dependency is degraded.
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	Logger.Info("Server starting", zap.String("port", port))
	if err := http.ListenAndServe(":"+port, router); err != nil {
		Logger.Fatal("Server stopped", zap.Error(err))
	}
}

func requestLoggerMiddleware(logger *logger.LogMiddleware) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			logger.Logger(ctx).Info("Request Received", zap.String("url", r.URL.Path), zap.String("method", r.Method))
			next.ServeHTTP(w, r)
			logger.Logger(ctx).Info("Request Completed", zap.String("path", r.URL.Path), zap.String("method", r.Method))
		})
	}
}
