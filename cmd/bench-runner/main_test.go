package main

import (
	"context"
	"errors"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nazeru/store-checkout/internal/apiclient"
	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/internal/httpapi"
	"github.com/nazeru/store-checkout/internal/store/memory"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/logging"
)

type slowGateway struct{ delay time.Duration }

func (g slowGateway) CreateSession(ctx context.Context, _ *domain.Order, _ string) (gateway.SessionResponse, error) {
	select {
	case <-time.After(g.delay):
	case <-ctx.Done():
		return gateway.SessionResponse{}, ctx.Err()
	}
	return gateway.SessionResponse{SessionID: "gw", ClientToken: "ct"}, nil
}

func (slowGateway) Authorize(context.Context, string, string, *domain.Order) (gateway.AuthorizationResponse, error) {
	return gateway.AuthorizationResponse{OrderID: "gw-order"}, nil
}

func (slowGateway) Capture(context.Context, string, domain.Money) (bool, error) {
	return true, nil
}

func testAPI(t *testing.T, delay time.Duration) *apiclient.Client {
	t.Helper()
	logging.SetOutput(io.Discard)
	store := memory.New()
	svc := checkout.NewService(checkout.Deps{
		Orders:   store.Orders(),
		Sessions: store.Sessions(),
		Tx:       store,
		Gateway:  slowGateway{delay: delay},
		Guard:    idempotency.NewGuard(idempotency.NewMemoryStore()),
	})
	srv := httptest.NewServer(httpapi.NewRouter(svc))
	t.Cleanup(srv.Close)
	return apiclient.New(srv.URL, srv.Client())
}

func TestRun_Checkout(t *testing.T) {
	api := testAPI(t, 0)
	res, err := run(context.Background(), api, config{scenario: "checkout", total: 20, concurrency: 4, timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, 20, res.SuccessfulRequests)
	assert.Zero(t, res.ErrorRequests)
	assert.Equal(t, 60, res.StatusCounts["200"], "three calls per checkout")
	assert.Empty(t, res.ErrorClasses)
}

func TestRun_DuplicateStormHasOneWinnerPerKey(t *testing.T) {
	api := testAPI(t, 20*time.Millisecond)
	res, err := run(context.Background(), api, config{scenario: "duplicate", total: 5, concurrency: 2, storm: 4, timeout: 5 * time.Second})
	require.NoError(t, err)

	assert.Equal(t, 5, res.StormKeys)
	assert.Equal(t, 5, res.StormKeysWithWin)
	assert.Zero(t, res.StormDoubleWinners)
	assert.Equal(t, 5, res.StatusCounts["200"])
	assert.Equal(t, 15, res.StatusCounts["409"])
	assert.Equal(t, 15, res.ErrorClasses["duplicate"])
	assert.Equal(t, 5, res.SuccessfulRequests)
}

func TestRun_RejectsBadConfig(t *testing.T) {
	api := apiclient.New("http://127.0.0.1:1", nil)
	_, err := run(context.Background(), api, config{scenario: "checkout", total: 0, concurrency: 1})
	assert.Error(t, err)
	_, err = run(context.Background(), api, config{scenario: "checkout", total: 1, concurrency: 0})
	assert.Error(t, err)
	_, err = run(context.Background(), api, config{scenario: "bogus", total: 1, concurrency: 1})
	assert.EqualError(t, err, "unknown scenario: bogus")
	_, err = run(context.Background(), api, config{scenario: "duplicate", total: 1, concurrency: 1, storm: 1})
	assert.Error(t, err)
}

func TestClassifyError(t *testing.T) {
	assert.Equal(t, "", classifyError(nil))
	assert.Equal(t, "transport", classifyError(errors.New("dial tcp")))
	assert.Equal(t, "duplicate", classifyError(&apiclient.Error{StatusCode: 409}))
	assert.Equal(t, "business_rejected", classifyError(&apiclient.Error{StatusCode: 422}))
	assert.Equal(t, "breaker_open", classifyError(&apiclient.Error{StatusCode: 503}))
	assert.Equal(t, "http_5xx", classifyError(&apiclient.Error{StatusCode: 502}))
	assert.Equal(t, "http_4xx", classifyError(&apiclient.Error{StatusCode: 400}))
}

func TestPercentiles(t *testing.T) {
	values := []float64{5, 1, 4, 2, 3, 10, 9, 8, 7, 6}
	p50, p90, p95, p99 := calcPercentiles(values)
	assert.Equal(t, 5.0, p50)
	assert.Equal(t, 9.0, p90)
	assert.Equal(t, 10.0, p95)
	assert.Equal(t, 10.0, p99)
	assert.Equal(t, 5.0, values[0], "input is left unsorted")

	a, b, c, d := calcPercentiles(nil)
	assert.Zero(t, a+b+c+d)
}
