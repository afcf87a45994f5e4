// Package config loads process settings from defaults, an optional YAML file
// and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/nazeru/store-checkout/internal/gateway"
)

type Config struct {
	Port                string
	DatabaseURL         string
	RedisURL            string
	KafkaBrokers        string
	EventsTopic         string
	NotificationsTopic  string
	NotificationGroupID string

	CallTimeout    time.Duration
	NotifyTimeout  time.Duration
	SessionTTL     time.Duration
	IdempotencyTTL time.Duration
	RelayInterval  time.Duration

	Gateway gateway.Config
}

// Load reads path when it is non-empty. Every key can be overridden by the
// upper-cased environment variable with dots replaced by underscores, e.g.
// gateway.base_url by GATEWAY_BASE_URL.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	gw := gateway.DefaultConfig()
	gw.BaseURL = v.GetString("gateway.base_url")
	gw.Username = v.GetString("gateway.username")
	gw.Password = v.GetString("gateway.password")
	gw.PurchaseCountry = v.GetString("gateway.purchase_country")
	gw.DefaultLocale = v.GetString("gateway.default_locale")
	gw.MerchantURLs = gateway.MerchantURLs{
		Confirmation: v.GetString("gateway.confirmation_url"),
		Notification: v.GetString("gateway.notification_url"),
		Terms:        v.GetString("gateway.terms_url"),
	}
	gw.AttemptTimeout = v.GetDuration("gateway.attempt_timeout")
	gw.Retry.MaxRetries = v.GetInt("gateway.max_retries")
	gw.Retry.BaseDelay = v.GetDuration("gateway.retry_base_delay")
	gw.Retry.Multiplier = v.GetFloat64("gateway.retry_multiplier")
	gw.Retry.MaxDelay = v.GetDuration("gateway.retry_max_delay")
	gw.Breaker.FailureThreshold = v.GetUint32("gateway.breaker_failure_threshold")
	gw.Breaker.OpenTimeout = v.GetDuration("gateway.breaker_open_timeout")

	return Config{
		Port:                v.GetString("port"),
		DatabaseURL:         strings.TrimSpace(v.GetString("database_url")),
		RedisURL:            strings.TrimSpace(v.GetString("redis_url")),
		KafkaBrokers:        v.GetString("kafka_brokers"),
		EventsTopic:         v.GetString("events_topic"),
		NotificationsTopic:  v.GetString("notifications_topic"),
		NotificationGroupID: v.GetString("notification_group_id"),
		CallTimeout:         v.GetDuration("checkout.call_timeout"),
		NotifyTimeout:       v.GetDuration("checkout.notify_timeout"),
		SessionTTL:          v.GetDuration("session_ttl"),
		IdempotencyTTL:      v.GetDuration("idempotency_ttl"),
		RelayInterval:       v.GetDuration("relay_interval"),
		Gateway:             gw,
	}, nil
}

func setDefaults(v *viper.Viper) {
	gw := gateway.DefaultConfig()
	v.SetDefault("port", "8080")
	v.SetDefault("database_url", "")
	v.SetDefault("redis_url", "")
	v.SetDefault("kafka_brokers", "")
	v.SetDefault("events_topic", "checkout.events")
	v.SetDefault("notifications_topic", "checkout.notifications")
	v.SetDefault("notification_group_id", "notification-service")
	v.SetDefault("checkout.call_timeout", 30*time.Second)
	v.SetDefault("checkout.notify_timeout", 5*time.Second)
	v.SetDefault("session_ttl", 30*time.Minute)
	v.SetDefault("idempotency_ttl", 24*time.Hour)
	v.SetDefault("relay_interval", time.Second)

	v.SetDefault("gateway.base_url", "")
	v.SetDefault("gateway.username", "")
	v.SetDefault("gateway.password", "")
	v.SetDefault("gateway.purchase_country", gw.PurchaseCountry)
	v.SetDefault("gateway.default_locale", gw.DefaultLocale)
	v.SetDefault("gateway.confirmation_url", "")
	v.SetDefault("gateway.notification_url", "")
	v.SetDefault("gateway.terms_url", "")
	v.SetDefault("gateway.attempt_timeout", gw.AttemptTimeout)
	v.SetDefault("gateway.max_retries", gw.Retry.MaxRetries)
	v.SetDefault("gateway.retry_base_delay", gw.Retry.BaseDelay)
	v.SetDefault("gateway.retry_multiplier", gw.Retry.Multiplier)
	v.SetDefault("gateway.retry_max_delay", gw.Retry.MaxDelay)
	v.SetDefault("gateway.breaker_failure_threshold", gw.Breaker.FailureThreshold)
	v.SetDefault("gateway.breaker_open_timeout", gw.Breaker.OpenTimeout)
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Port) == "" {
		errs = append(errs, errors.New("port is required"))
	}
	if c.CallTimeout <= 0 {
		errs = append(errs, errors.New("checkout call timeout must be positive"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("session ttl must be positive"))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, errors.New("idempotency ttl must be positive"))
	}
	if err := c.Gateway.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
