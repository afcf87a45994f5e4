package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	segkafka "github.com/segmentio/kafka-go"
	"github.com/spf13/cobra"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/config"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/internal/httpapi"
	"github.com/nazeru/store-checkout/internal/notification"
	"github.com/nazeru/store-checkout/internal/store/memory"
	"github.com/nazeru/store-checkout/internal/store/postgres"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/kafka"
	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/metrics"
	"github.com/nazeru/store-checkout/pkg/outbox"
)

const serviceName = "checkout-service"

func serveCmd(configPath *string) *cobra.Command {
	var withRelay bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the checkout HTTP API",
		Long: `Serve the checkout HTTP API.

Without DATABASE_URL orders live in memory, and without REDIS_URL so do
idempotency keys. Both are meant for local runs only.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, withRelay)
		},
	}
	cmd.Flags().BoolVar(&withRelay, "relay", true, "relay outbox events to kafka from this process")
	return cmd
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

type app struct {
	svc     *checkout.Service
	relay   *outbox.Relay
	health  []func(ctx context.Context) error
	closers []func()
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func (a *app) healthy(ctx context.Context) error {
	var errs []error
	for _, check := range a.health {
		errs = append(errs, check(ctx))
	}
	return errors.Join(errs...)
}

func build(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			a.close()
		}
	}()

	deps := checkout.Deps{}
	broker := kafka.NewClient(cfg.KafkaBrokers)
	// Events go to the outbox inside each business transaction. Without a
	// database or broker they are only logged.
	var outboxStore outbox.Store
	if cfg.DatabaseURL != "" {
		pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("db connect: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store := postgres.New(pool, postgres.WithOutbox(cfg.EventsTopic))
		deps.Orders, deps.Sessions, deps.Tx = store.Orders(), store.Sessions(), store
		a.health = append(a.health, store.Ping)
		outboxStore = outbox.PgStore{DB: pool}
	} else {
		logging.Warn(logging.Fields{Service: serviceName, Step: "startup", Message: "DATABASE_URL not set, orders are kept in memory"})
		var opts []memory.Option
		if broker.Enabled() {
			outboxStore = outbox.NewMemoryStore()
			opts = append(opts, memory.WithOutbox(outboxStore, cfg.EventsTopic))
		} else {
			deps.Publisher = outbox.LogPublisher{Service: serviceName}
		}
		store := memory.New(opts...)
		deps.Orders, deps.Sessions, deps.Tx = store.Orders(), store.Sessions(), store
	}

	var idemStore idempotency.Store
	if cfg.RedisURL != "" {
		rs, err := idempotency.NewRedisStoreFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("redis: %w", err)
		}
		a.closers = append(a.closers, func() { _ = rs.Close() })
		a.health = append(a.health, rs.Ping)
		idemStore = rs
	} else {
		logging.Warn(logging.Fields{Service: serviceName, Step: "startup", Message: "REDIS_URL not set, idempotency keys are kept in memory"})
		idemStore = idempotency.NewMemoryStore()
	}
	deps.Guard = idempotency.NewGuard(idemStore, idempotency.WithTTL(cfg.IdempotencyTTL))

	if broker.Enabled() {
		writers := newWriterPool(broker)
		a.closers = append(a.closers, writers.close)
		a.relay = outbox.NewRelay(outboxStore, writers.get, outbox.WithPollInterval(cfg.RelayInterval))
		deps.Notifier = notification.NewKafkaNotifier(writers.get(cfg.NotificationsTopic))
	}

	deps.Gateway = gateway.NewClient(cfg.Gateway, gateway.WithMetrics(metrics.NewGatewayMetrics(reg)))
	a.svc = checkout.NewService(deps,
		checkout.WithCallTimeout(cfg.CallTimeout),
		checkout.WithNotifyTimeout(cfg.NotifyTimeout),
		checkout.WithSessionTTL(cfg.SessionTTL),
		checkout.WithMetrics(metrics.NewCheckoutMetrics(reg)),
	)
	ok = true
	return a, nil
}

func serve(ctx context.Context, cfg config.Config, withRelay bool) error {
	reg := prometheus.DefaultRegisterer
	a, err := build(ctx, cfg, reg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var wg sync.WaitGroup
	if withRelay && a.relay != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = a.relay.Run(ctx)
		}()
	}

	router := httpapi.NewRouter(a.svc,
		httpapi.WithMetrics(metrics.NewServerMetrics(reg, "checkout_service")),
		httpapi.WithHealthCheck(a.healthy),
	)
	srv := &http.Server{Addr: ":" + cfg.Port, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		logging.Log(logging.Fields{Service: serviceName, Step: "startup", Message: "listening on :" + cfg.Port})
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		cancel()
		wg.Wait()
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.CallTimeout+5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Error(logging.Fields{Service: serviceName, Step: "shutdown", Err: err})
		}
	}
	wg.Wait()
	a.svc.Wait()
	logging.Log(logging.Fields{Service: serviceName, Step: "shutdown", Status: "stopped"})
	return nil
}

// writerPool hands out one kafka writer per topic.
type writerPool struct {
	client  *kafka.Client
	mu      sync.Mutex
	writers map[string]*segkafka.Writer
}

func newWriterPool(client *kafka.Client) *writerPool {
	return &writerPool{client: client, writers: make(map[string]*segkafka.Writer)}
}

func (p *writerPool) get(topic string) kafka.MessageWriter {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.writers[topic]
	if !ok {
		w = p.client.NewWriter(topic)
		p.writers[topic] = w
	}
	return w
}

func (p *writerPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for topic, w := range p.writers {
		if err := w.Close(); err != nil {
			logging.Error(logging.Fields{Service: serviceName, Step: "kafka_close", Message: topic, Err: err})
		}
	}
}
