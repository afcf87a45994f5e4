package main

import (
	"errors"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/nazeru/store-checkout/internal/apiclient"
)

type metrics struct {
	mu           sync.Mutex
	success      int
	errors       int
	total        time.Duration
	minLatency   time.Duration
	maxLatency   time.Duration
	latenciesMs  []float64
	statusCounts map[string]int
	errorClasses map[string]int
	firstError   string

	// duplicate storm bookkeeping
	keys           int
	keysWithWinner int
	doubleWinners  int
}

func newMetrics() *metrics {
	return &metrics{
		statusCounts: make(map[string]int),
		errorClasses: make(map[string]int),
	}
}

func (m *metrics) recordTransaction(latency time.Duration, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil {
		m.errors++
		return
	}
	m.success++
	m.total += latency
	if m.minLatency == 0 || latency < m.minLatency {
		m.minLatency = latency
	}
	if latency > m.maxLatency {
		m.maxLatency = latency
	}
	m.latenciesMs = append(m.latenciesMs, float64(latency.Milliseconds()))
}

// recordStatus counts one API call. Transport failures count under "0".
func (m *metrics) recordStatus(err error) {
	status := http2xx
	if err != nil {
		status = apiclient.StatusOf(err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCounts[strconv.Itoa(status)]++
	if class := classifyError(err); class != "" {
		m.errorClasses[class]++
	}
	if err != nil && m.firstError == "" {
		m.firstError = err.Error()
	}
}

func (m *metrics) recordStorm(winners int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.keys++
	if winners >= 1 {
		m.keysWithWinner++
	}
	if winners > 1 {
		m.doubleWinners++
	}
}

const http2xx = 200

func classifyError(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *apiclient.Error
	if !errors.As(err, &apiErr) {
		return "transport"
	}
	switch {
	case apiErr.StatusCode == 409:
		return "duplicate"
	case apiErr.StatusCode == 422:
		return "business_rejected"
	case apiErr.StatusCode == 503:
		return "breaker_open"
	case apiErr.StatusCode >= 500:
		return "http_5xx"
	case apiErr.StatusCode >= 400:
		return "http_4xx"
	default:
		return "other"
	}
}

func calcPercentiles(values []float64) (float64, float64, float64, float64) {
	if len(values) == 0 {
		return 0, 0, 0, 0
	}
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	return percentile(sorted, 0.50), percentile(sorted, 0.90), percentile(sorted, 0.95), percentile(sorted, 0.99)
}

func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 1 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p*float64(len(sorted)))) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(sorted) {
		rank = len(sorted) - 1
	}
	return sorted[rank]
}
