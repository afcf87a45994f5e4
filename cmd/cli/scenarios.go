package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nazeru/store-checkout/internal/apiclient"
)

type scenario struct {
	Name        string
	Description string
}

var scenarios = []scenario{
	{"success", "Create session, authorize, capture"},
	{"duplicate", "Replay a create-session key"},
	{"decline", "Authorize with a declined token"},
	{"cancel", "Cancel a pending order, then try to capture"},
	{"breaker", "Fail the gateway stub until the breaker opens"},
	{"bench", "Run a short checkout benchmark"},
}

type env struct {
	api     *apiclient.Client
	stubURL string
	http    *http.Client
}

type scenarioResult struct {
	status  string
	metrics string
}

func runScenario(ctx context.Context, e env, name string) scenarioResult {
	var (
		res scenarioResult
		err error
	)
	switch name {
	case "success":
		res, err = runSuccess(ctx, e)
	case "duplicate":
		res, err = runDuplicate(ctx, e)
	case "decline":
		res, err = runDecline(ctx, e)
	case "cancel":
		res, err = runCancel(ctx, e)
	case "breaker":
		res, err = runBreaker(ctx, e)
	case "bench":
		res = runBenchmark(ctx, e, 5*time.Second, 5)
	default:
		err = fmt.Errorf("unknown scenario %q", name)
	}
	if err != nil {
		return scenarioResult{status: fmt.Sprintf("%s failed: %v", name, err)}
	}
	return res
}

func runSuccess(ctx context.Context, e env) (scenarioResult, error) {
	sess, err := e.api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("cli@example.com"))
	if err != nil {
		return scenarioResult{}, fmt.Errorf("create session: %w", err)
	}
	auth, err := e.api.Authorize(ctx, apiclient.NewKey(), sess.SessionID, "cli-"+sess.SessionID)
	if err != nil {
		return scenarioResult{}, fmt.Errorf("authorize: %w", err)
	}
	capt, err := e.api.Capture(ctx, apiclient.NewKey(), sess.OrderID)
	if err != nil {
		return scenarioResult{}, fmt.Errorf("capture: %w", err)
	}
	return scenarioResult{
		status:  fmt.Sprintf("Order %s %s", capt.OrderNumber, capt.Status),
		metrics: fmt.Sprintf("total=%s %s gateway_order=%s notification_queued=%t", capt.Captured.Amount, capt.Captured.Currency, auth.GatewayOrderID, auth.NotificationQueued),
	}, nil
}

func runDuplicate(ctx context.Context, e env) (scenarioResult, error) {
	key := apiclient.NewKey()
	sess, err := e.api.CreateSession(ctx, key, apiclient.SampleCart("cli@example.com"))
	if err != nil {
		return scenarioResult{}, fmt.Errorf("create session: %w", err)
	}
	_, err = e.api.CreateSession(ctx, key, apiclient.SampleCart("cli@example.com"))
	if status := apiclient.StatusOf(err); status != http.StatusConflict {
		return scenarioResult{}, fmt.Errorf("replay answered %d, want 409 (err=%v)", status, err)
	}
	return scenarioResult{status: fmt.Sprintf("Replay of %s rejected with 409, order %s created once", key, sess.OrderNumber)}, nil
}

func runDecline(ctx context.Context, e env) (scenarioResult, error) {
	sess, err := e.api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("cli@example.com"))
	if err != nil {
		return scenarioResult{}, fmt.Errorf("create session: %w", err)
	}
	_, err = e.api.Authorize(ctx, apiclient.NewKey(), sess.SessionID, "declined")
	if err == nil {
		return scenarioResult{}, errors.New("declined token was authorized")
	}
	order, getErr := e.api.GetOrder(ctx, sess.OrderID)
	if getErr != nil {
		return scenarioResult{}, getErr
	}
	return scenarioResult{status: fmt.Sprintf("Authorization refused (%v); order %s is %s", err, order.OrderNumber, order.Status)}, nil
}

func runCancel(ctx context.Context, e env) (scenarioResult, error) {
	sess, err := e.api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("cli@example.com"))
	if err != nil {
		return scenarioResult{}, fmt.Errorf("create session: %w", err)
	}
	order, err := e.api.Cancel(ctx, apiclient.NewKey(), sess.OrderID, "cancelled from cli")
	if err != nil {
		return scenarioResult{}, fmt.Errorf("cancel: %w", err)
	}
	_, err = e.api.Capture(ctx, apiclient.NewKey(), sess.OrderID)
	return scenarioResult{status: fmt.Sprintf("Order %s %s; capture answered %d", order.OrderNumber, order.Status, apiclient.StatusOf(err))}, nil
}

// runBreaker makes the gateway stub fail every call and submits checkouts
// until the service answers 503, which it does once the breaker is open.
func runBreaker(ctx context.Context, e env) (scenarioResult, error) {
	if e.stubURL == "" {
		return scenarioResult{}, errors.New("GATEWAY_STUB_URL is not set")
	}
	if err := e.injectFailures(ctx, `{"status":503,"rate":1}`); err != nil {
		return scenarioResult{}, err
	}
	defer func() { _ = e.injectFailures(context.Background(), `{"status":503,"rate":0}`) }()

	start := time.Now()
	statuses := make([]string, 0, 8)
	for attempt := 1; attempt <= 8; attempt++ {
		_, err := e.api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("cli@example.com"))
		status := apiclient.StatusOf(err)
		statuses = append(statuses, fmt.Sprint(status))
		if status == http.StatusServiceUnavailable {
			return scenarioResult{
				status:  fmt.Sprintf("Breaker open after %d checkouts, failing fast", attempt),
				metrics: fmt.Sprintf("statuses=%s elapsed=%s", strings.Join(statuses, ","), time.Since(start).Round(time.Millisecond)),
			}, nil
		}
		if ctx.Err() != nil {
			return scenarioResult{}, ctx.Err()
		}
	}
	return scenarioResult{}, fmt.Errorf("breaker never opened, statuses=%s", strings.Join(statuses, ","))
}

func (e env) injectFailures(ctx context.Context, body string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, strings.TrimRight(e.stubURL, "/")+"/stub/failures", bytes.NewBufferString(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := e.http.Do(req)
	if err != nil {
		return fmt.Errorf("gateway stub: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway stub: status %d", resp.StatusCode)
	}
	return nil
}

func runBenchmark(ctx context.Context, e env, duration time.Duration, vus int) scenarioResult {
	var mu sync.Mutex
	var total time.Duration
	var count, failed int
	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < vus; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ctx.Err() == nil {
				start := time.Now()
				_, err := e.api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("bench@example.com"))
				if ctx.Err() != nil {
					return
				}
				mu.Lock()
				if err != nil {
					failed++
				} else {
					count++
					total += time.Since(start)
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	avg := time.Duration(0)
	if count > 0 {
		avg = total / time.Duration(count)
	}
	return scenarioResult{
		status:  "Benchmark finished",
		metrics: fmt.Sprintf("count=%d errors=%d avg=%s throughput=%.2f sessions/s", count, failed, avg, float64(count)/duration.Seconds()),
	}
}
