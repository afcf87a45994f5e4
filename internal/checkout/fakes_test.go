package checkout_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/pkg/contracts"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type fakeGateway struct {
	mu             sync.Mutex
	createCalls    int
	authorizeCalls int
	captureCalls   int
	createErr      error
	authorizeErr   error
	captureErr     error
	delay          time.Duration
	waitForCancel  bool
	lastAuthToken  string
}

func (g *fakeGateway) wait(ctx context.Context) error {
	g.mu.Lock()
	delay, block := g.delay, g.waitForCancel
	g.mu.Unlock()
	if block {
		<-ctx.Done()
		return ctx.Err()
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (g *fakeGateway) CreateSession(ctx context.Context, order *domain.Order, locale string) (gateway.SessionResponse, error) {
	g.mu.Lock()
	g.createCalls++
	n, err := g.createCalls, g.createErr
	g.mu.Unlock()

	if werr := g.wait(ctx); werr != nil {
		return gateway.SessionResponse{}, werr
	}
	if err != nil {
		return gateway.SessionResponse{}, err
	}
	return gateway.SessionResponse{
		SessionID:               fmt.Sprintf("gw-session-%d", n),
		ClientToken:             fmt.Sprintf("client-token-%d", n),
		PaymentMethodCategories: []gateway.PaymentMethodCategory{{Identifier: "pay_later", Name: "Pay later"}},
	}, nil
}

func (g *fakeGateway) Authorize(ctx context.Context, sessionID, authToken string, order *domain.Order) (gateway.AuthorizationResponse, error) {
	g.mu.Lock()
	g.authorizeCalls++
	g.lastAuthToken = authToken
	n, err := g.authorizeCalls, g.authorizeErr
	g.mu.Unlock()

	if werr := g.wait(ctx); werr != nil {
		return gateway.AuthorizationResponse{}, werr
	}
	if err != nil {
		return gateway.AuthorizationResponse{}, err
	}
	return gateway.AuthorizationResponse{
		OrderID:       fmt.Sprintf("gw-order-%d", n),
		RedirectURL:   "https://gateway.test/confirm",
		PaymentMethod: "pay_later",
		FraudStatus:   "ACCEPTED",
	}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, gatewayOrderID string, amount domain.Money) (bool, error) {
	g.mu.Lock()
	g.captureCalls++
	err := g.captureErr
	g.mu.Unlock()

	if err != nil {
		return false, err
	}
	return true, nil
}

func (g *fakeGateway) calls() (create, authorize, capture int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.createCalls, g.authorizeCalls, g.captureCalls
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []string
	err   error
	delay time.Duration
}

func (n *fakeNotifier) SendOrderConfirmation(ctx context.Context, order *domain.Order) (bool, error) {
	if n.delay > 0 {
		select {
		case <-time.After(n.delay):
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return false, n.err
	}
	n.sent = append(n.sent, string(order.Number))
	return true, nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []contracts.Event
	err    error
}

func (p *fakePublisher) Publish(_ context.Context, events []contracts.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, events...)
	return nil
}

func (p *fakePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

// failingOutboxTx hands out an outbox that rejects every event.
type failingOutboxTx struct {
	checkout.Transactor
}

func (t failingOutboxTx) WithinTx(ctx context.Context, fn checkout.TxFunc) error {
	return t.Transactor.WithinTx(ctx, func(ctx context.Context, repos checkout.Repositories) error {
		repos.Outbox = &fakePublisher{err: errBoom}
		return fn(ctx, repos)
	})
}

var errBoom = errors.New("boom")
