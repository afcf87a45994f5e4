package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nazeru/store-checkout/internal/config"
	"github.com/nazeru/store-checkout/internal/store/postgres"
	"github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/outbox"
)

// The operational commands need only the database and the broker, so they
// skip the gateway part of config validation.
func loadInfraConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if cfg.DatabaseURL == "" {
		return config.Config{}, errors.New("DATABASE_URL is required")
	}
	return cfg, nil
}

func migrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create the checkout tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadInfraConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()
			if err := postgres.Migrate(ctx, pool); err != nil {
				return err
			}
			logging.Log(logging.Fields{Service: serviceName, Step: "migrate", Status: "done"})
			return nil
		},
	}
}

func relayCmd(configPath *string) *cobra.Command {
	var batch int
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay pending outbox events to kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadInfraConfig(*configPath)
			if err != nil {
				return err
			}
			broker := kafka.NewClient(cfg.KafkaBrokers)
			if !broker.Enabled() {
				return fmt.Errorf("relay: %w: KAFKA_BROKERS is empty", kafka.ErrDisabled)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
			if err != nil {
				return fmt.Errorf("db connect: %w", err)
			}
			defer pool.Close()

			writers := newWriterPool(broker)
			defer writers.close()

			relay := outbox.NewRelay(outbox.PgStore{DB: pool}, writers.get,
				outbox.WithBatchSize(batch),
				outbox.WithPollInterval(cfg.RelayInterval),
			)
			logging.Log(logging.Fields{Service: "outbox-relay", Step: "startup", Status: "running"})
			if err := relay.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&batch, "batch", outbox.DefaultBatchSize, "records per relay round")
	return cmd
}
