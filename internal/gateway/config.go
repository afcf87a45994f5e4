package gateway

import (
	"errors"
	"strings"
	"time"
)

type MerchantURLs struct {
	Confirmation string
	Notification string
	Terms        string
}

// RetryPolicy applies to transient failures only.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	Multiplier float64
	MaxDelay   time.Duration
}

type BreakerPolicy struct {
	FailureThreshold uint32
	OpenTimeout      time.Duration
}

// Config is built once at process start and handed to NewClient.
type Config struct {
	BaseURL         string
	Username        string
	Password        string
	PurchaseCountry string
	DefaultLocale   string
	MerchantURLs    MerchantURLs
	AttemptTimeout  time.Duration
	Retry           RetryPolicy
	Breaker         BreakerPolicy
}

func DefaultConfig() Config {
	return Config{
		PurchaseCountry: "SE",
		DefaultLocale:   "en-SE",
		AttemptTimeout:  10 * time.Second,
		Retry: RetryPolicy{
			MaxRetries: 3,
			BaseDelay:  2 * time.Second,
			Multiplier: 2,
			MaxDelay:   30 * time.Second,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		},
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.BaseURL) == "" {
		errs = append(errs, errors.New("gateway base url is required"))
	}
	if c.Username == "" || c.Password == "" {
		errs = append(errs, errors.New("gateway credentials are required"))
	}
	if c.MerchantURLs.Confirmation == "" || c.MerchantURLs.Notification == "" {
		errs = append(errs, errors.New("gateway merchant confirmation and notification urls are required"))
	}
	if c.Retry.MaxRetries < 0 {
		errs = append(errs, errors.New("gateway max retries cannot be negative"))
	}
	if c.Breaker.FailureThreshold == 0 {
		errs = append(errs, errors.New("gateway breaker failure threshold must be positive"))
	}
	return errors.Join(errs...)
}
