package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nazeru/store-checkout/internal/config"
	"github.com/nazeru/store-checkout/internal/notification"
	"github.com/nazeru/store-checkout/internal/store/postgres"
	"github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

const serviceName = "notification-service"

func main() {
	configPath := flag.String("config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.DatabaseURL == "" {
		log.Fatal("config error: DATABASE_URL is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db connect error: %v", err)
	}
	defer pool.Close()

	srvMetrics := metrics.NewServerMetrics(prometheus.DefaultRegisterer, "notification_service")

	kafkaClient := kafka.NewClient(cfg.KafkaBrokers)
	consumerDone := make(chan struct{})
	if kafkaClient.Enabled() {
		consumer := notification.NewConsumer(
			kafkaClient.NewReader(cfg.NotificationsTopic, cfg.NotificationGroupID),
			notification.PgStore{DB: pool},
		)
		go func() {
			defer close(consumerDone)
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logging.Error(logging.Fields{Service: serviceName, Step: "consume", Err: err})
			}
		}()
	} else {
		logging.Warn(logging.Fields{Service: serviceName, Step: "startup", Message: "KAFKA_BROKERS not set, consumer disabled"})
		close(consumerDone)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		if err := pool.Ping(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "db_error"})
			srvMetrics.Observe("health", "503", start)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		srvMetrics.Observe("health", "200", start)
	})
	mux.Handle("/metrics", metrics.Handler())

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logging.Log(logging.Fields{Service: serviceName, Step: "startup", Message: "listening on :" + cfg.Port})
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal(err)
	}
	<-consumerDone
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
