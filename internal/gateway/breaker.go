package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/metrics"
)

// breaker guards every attempt. Only transient failures count against it;
// a 4xx answer means the gateway is up.
type breaker struct {
	name string
	cb   *gobreaker.CircuitBreaker
}

func newBreaker(name string, policy BreakerPolicy, m *metrics.GatewayMetrics) *breaker {
	threshold := policy.FailureThreshold
	if threshold == 0 {
		threshold = 5
	}
	b := &breaker{name: name}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     policy.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			if m != nil {
				m.BreakerState.WithLabelValues(name).Set(float64(to))
			}
			logging.Warn(logging.Fields{
				Service: "gateway",
				Step:    "breaker_state_change",
				Status:  to.String(),
				Message: fmt.Sprintf("circuit breaker %s: %s -> %s", name, from, to),
			})
		},
	})
	if m != nil {
		m.BreakerState.WithLabelValues(name).Set(float64(gobreaker.StateClosed))
	}
	return b
}

func (b *breaker) state() string {
	return b.cb.State().String()
}

// run executes fn under the breaker, retrying transient failures with
// exponential backoff. An open breaker fails fast with ErrUnavailable.
func (b *breaker) run(ctx context.Context, op string, policy RetryPolicy, m *metrics.GatewayMetrics, fn func(context.Context) error) error {
	attempts := 0
	operation := func() error {
		if err := ctx.Err(); err != nil {
			return backoff.Permanent(err)
		}
		attempts++
		_, err := b.cb.Execute(func() (interface{}, error) {
			return nil, fn(ctx)
		})
		switch {
		case err == nil:
			return nil
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return backoff.Permanent(&Error{Reason: ReasonUnavailable, Operation: op, Message: "circuit breaker is open", Err: err})
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case IsTransient(err):
			return err
		default:
			return backoff.Permanent(err)
		}
	}

	notify := func(err error, wait time.Duration) {
		if m != nil {
			m.Retries.WithLabelValues(op).Inc()
		}
		logging.Warn(logging.Fields{
			Service:    "gateway",
			Step:       op,
			Status:     "retrying",
			DurationMS: wait.Milliseconds(),
			Message:    fmt.Sprintf("gateway %s attempt %d failed, retrying", op, attempts),
			Err:        err,
		})
	}

	return backoff.RetryNotify(operation, backoff.WithContext(newBackOff(policy), ctx), notify)
}

func newBackOff(policy RetryPolicy) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = policy.BaseDelay
	eb.Multiplier = policy.Multiplier
	if eb.Multiplier < 1 {
		eb.Multiplier = 2
	}
	eb.RandomizationFactor = 0
	eb.MaxInterval = policy.MaxDelay
	if eb.MaxInterval < eb.InitialInterval {
		eb.MaxInterval = eb.InitialInterval
	}
	eb.MaxElapsedTime = 0
	eb.Reset()

	retries := policy.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(eb, uint64(retries))
}
