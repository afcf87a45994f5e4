package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/nazeru/store-checkout/internal/apiclient"
)

type benchResult struct {
	Timestamp          string         `json:"timestamp"`
	BaseURL            string         `json:"base_url"`
	Scenario           string         `json:"scenario"`
	Transactions       int            `json:"transactions"`
	Concurrency        int            `json:"concurrency"`
	SuccessfulRequests int            `json:"successful_requests"`
	ErrorRequests      int            `json:"error_requests"`
	DurationSeconds    float64        `json:"duration_seconds"`
	AvgLatencyMs       float64        `json:"avg_latency_ms"`
	MinLatencyMs       float64        `json:"min_latency_ms"`
	MaxLatencyMs       float64        `json:"max_latency_ms"`
	P50LatencyMs       float64        `json:"p50_latency_ms"`
	P90LatencyMs       float64        `json:"p90_latency_ms"`
	P95LatencyMs       float64        `json:"p95_latency_ms"`
	P99LatencyMs       float64        `json:"p99_latency_ms"`
	ThroughputTPS      float64        `json:"throughput_tps"`
	StatusCounts       map[string]int `json:"status_counts"`
	ErrorClasses       map[string]int `json:"error_classes"`
	FirstError         string         `json:"first_error"`
	StormKeys          int            `json:"storm_keys,omitempty"`
	StormKeysWithWin   int            `json:"storm_keys_with_winner,omitempty"`
	StormDoubleWinners int            `json:"storm_double_winners,omitempty"`
}

type config struct {
	scenario    string
	total       int
	concurrency int
	storm       int
	timeout     time.Duration
}

// transaction is one unit of work for a scenario.
type transaction func(ctx context.Context, api *apiclient.Client, m *metrics) error

func main() {
	baseURL := flag.String("base-url", getenv("CHECKOUT_BASE_URL", "http://localhost:8080"), "checkout-service base URL")
	scenario := flag.String("scenario", "checkout", "scenario to run: checkout|session|duplicate")
	total := flag.Int("total", 1000, "total number of transactions")
	concurrency := flag.Int("concurrency", 10, "number of concurrent workers")
	storm := flag.Int("storm", 5, "concurrent submissions per key in the duplicate scenario")
	timeout := flag.Duration("timeout", 60*time.Second, "per-transaction timeout")
	output := flag.String("output", "", "optional output path for JSON result")
	flag.Parse()

	cfg := config{scenario: *scenario, total: *total, concurrency: *concurrency, storm: *storm, timeout: *timeout}
	api := apiclient.New(*baseURL, &http.Client{Timeout: *timeout})
	result, err := run(context.Background(), api, cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
	result.BaseURL = *baseURL

	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(result); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}

	if *output != "" {
		if err := writeJSON(*output, result); err != nil {
			fmt.Fprintf(os.Stderr, "failed to write output: %v\n", err)
			os.Exit(1)
		}
	}
}

func run(ctx context.Context, api *apiclient.Client, cfg config) (benchResult, error) {
	if cfg.total <= 0 {
		return benchResult{}, fmt.Errorf("total must be > 0")
	}
	if cfg.concurrency <= 0 {
		return benchResult{}, fmt.Errorf("concurrency must be > 0")
	}
	tx, err := buildTransaction(cfg)
	if err != nil {
		return benchResult{}, err
	}

	tasks := make(chan struct{})
	var wg sync.WaitGroup
	m := newMetrics()

	start := time.Now()
	for i := 0; i < cfg.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range tasks {
				txCtx, cancel := context.WithTimeout(ctx, cfg.timeout)
				began := time.Now()
				err := tx(txCtx, api, m)
				cancel()
				m.recordTransaction(time.Since(began), err)
			}
		}()
	}
	for i := 0; i < cfg.total; i++ {
		tasks <- struct{}{}
	}
	close(tasks)
	wg.Wait()
	duration := time.Since(start)

	avgLatency, minLatency, maxLatency := 0.0, 0.0, 0.0
	if m.success > 0 {
		avgLatency = float64(m.total.Milliseconds()) / float64(m.success)
		minLatency = float64(m.minLatency.Milliseconds())
		maxLatency = float64(m.maxLatency.Milliseconds())
	}
	p50, p90, p95, p99 := calcPercentiles(m.latenciesMs)

	return benchResult{
		Timestamp:          time.Now().UTC().Format(time.RFC3339),
		Scenario:           cfg.scenario,
		Transactions:       cfg.total,
		Concurrency:        cfg.concurrency,
		SuccessfulRequests: m.success,
		ErrorRequests:      m.errors,
		DurationSeconds:    duration.Seconds(),
		AvgLatencyMs:       avgLatency,
		MinLatencyMs:       minLatency,
		MaxLatencyMs:       maxLatency,
		P50LatencyMs:       p50,
		P90LatencyMs:       p90,
		P95LatencyMs:       p95,
		P99LatencyMs:       p99,
		ThroughputTPS:      float64(m.success) / duration.Seconds(),
		StatusCounts:       m.statusCounts,
		ErrorClasses:       m.errorClasses,
		FirstError:         m.firstError,
		StormKeys:          m.keys,
		StormKeysWithWin:   m.keysWithWinner,
		StormDoubleWinners: m.doubleWinners,
	}, nil
}

func buildTransaction(cfg config) (transaction, error) {
	switch cfg.scenario {
	case "session":
		return func(ctx context.Context, api *apiclient.Client, m *metrics) error {
			_, err := api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("bench@example.com"))
			m.recordStatus(err)
			return err
		}, nil
	case "checkout":
		return fullCheckout, nil
	case "duplicate":
		if cfg.storm < 2 {
			return nil, fmt.Errorf("storm must be >= 2 for scenario %q", cfg.scenario)
		}
		return duplicateStorm(cfg.storm), nil
	default:
		return nil, fmt.Errorf("unknown scenario: %s", cfg.scenario)
	}
}

func fullCheckout(ctx context.Context, api *apiclient.Client, m *metrics) error {
	sess, err := api.CreateSession(ctx, apiclient.NewKey(), apiclient.SampleCart("bench@example.com"))
	m.recordStatus(err)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	_, err = api.Authorize(ctx, apiclient.NewKey(), sess.SessionID, "bench-"+sess.SessionID)
	m.recordStatus(err)
	if err != nil {
		return fmt.Errorf("authorize: %w", err)
	}
	_, err = api.Capture(ctx, apiclient.NewKey(), sess.OrderID)
	m.recordStatus(err)
	if err != nil {
		return fmt.Errorf("capture: %w", err)
	}
	return nil
}

// duplicateStorm submits the same create-session request n times at once
// under one key. Exactly one submission should win and the rest get 409.
func duplicateStorm(n int) transaction {
	return func(ctx context.Context, api *apiclient.Client, m *metrics) error {
		key := apiclient.NewKey()
		errs := make([]error, n)
		var wg sync.WaitGroup
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, errs[i] = api.CreateSession(ctx, key, apiclient.SampleCart("storm@example.com"))
			}(i)
		}
		wg.Wait()

		winners := 0
		var failure error
		for _, err := range errs {
			m.recordStatus(err)
			switch {
			case err == nil:
				winners++
			case apiclient.StatusOf(err) != http.StatusConflict && failure == nil:
				failure = err
			}
		}
		m.recordStorm(winners)
		if winners > 1 {
			return fmt.Errorf("key %s: %d submissions won", key, winners)
		}
		return failure
	}
}

func writeJSON(path string, result benchResult) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func getenv(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}
