package checkout_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/internal/gateway"
	"github.com/nazeru/store-checkout/internal/store/memory"
	"github.com/nazeru/store-checkout/pkg/contracts"
	"github.com/nazeru/store-checkout/pkg/idempotency"
	"github.com/nazeru/store-checkout/pkg/logging"
	"github.com/nazeru/store-checkout/pkg/outbox"
)

var testNow = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type ServiceSuite struct {
	suite.Suite

	ctx       context.Context
	clock     *testClock
	store     *memory.Store
	guard     *idempotency.Guard
	gw        *fakeGateway
	notifier  *fakeNotifier
	publisher *fakePublisher
	svc       *checkout.Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupSuite() {
	logging.SetOutput(io.Discard)
}

func (s *ServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.clock = &testClock{t: testNow}
	s.store = memory.New()
	s.guard = idempotency.NewGuard(idempotency.NewMemoryStore(), idempotency.WithClock(s.clock.Now))
	s.gw = &fakeGateway{}
	s.notifier = &fakeNotifier{}
	s.publisher = &fakePublisher{}
	s.svc = s.newService(s.gw)
}

func (s *ServiceSuite) TearDownTest() {
	s.svc.Wait()
}

func (s *ServiceSuite) newService(gw checkout.PaymentGateway, opts ...checkout.Option) *checkout.Service {
	opts = append([]checkout.Option{checkout.WithClock(s.clock.Now)}, opts...)
	return checkout.NewService(checkout.Deps{
		Orders:    s.store.Orders(),
		Sessions:  s.store.Sessions(),
		Tx:        s.store,
		Gateway:   gw,
		Guard:     s.guard,
		Notifier:  s.notifier,
		Publisher: s.publisher,
	}, opts...)
}

func sessionInput(key string) checkout.CreateSessionInput {
	customer := "customer-1"
	return checkout.CreateSessionInput{
		IdempotencyKey: key,
		Items: []checkout.LineItem{
			{ProductID: "sku-1", Name: "Mug", UnitPrice: decimal.RequireFromString("99.50"), Quantity: 2},
			{ProductID: "sku-2", Name: "Kettle", UnitPrice: decimal.RequireFromString("249"), Quantity: 1},
		},
		Currency:     "SEK",
		Locale:       "sv-SE",
		CustomerID:   &customer,
		ContactEmail: "anna@example.com",
		ShippingAddress: domain.AddressInput{
			Street:     "Drottninggatan 1",
			City:       "Stockholm",
			State:      "Stockholm",
			Country:    "SE",
			PostalCode: "11151",
		},
	}
}

func (s *ServiceSuite) createSession(key string) checkout.SessionResult {
	res, err := s.svc.CreateSession(s.ctx, sessionInput(key))
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) authorize(key string) checkout.AuthorizeResult {
	created := s.createSession(key + "-create")
	res, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{
		IdempotencyKey: key,
		SessionID:      created.SessionID,
		AuthToken:      "auth-token",
	})
	s.Require().NoError(err)
	return res
}

func (s *ServiceSuite) processed(key string) bool {
	ok, err := s.guard.IsProcessed(s.ctx, key)
	s.Require().NoError(err)
	return ok
}

func (s *ServiceSuite) TestCreateSession_PersistsOrderAndSession() {
	res := s.createSession("key-1")

	s.Equal(domain.OrderNumber("202506010001"), res.OrderNumber)
	s.Equal("client-token-1", res.ClientToken)
	s.Equal(testNow.Add(30*time.Minute), res.ExpiresAt)
	s.Equal("448.00 SEK", res.Amount.String())
	s.Len(res.PaymentMethods, 1)

	order, err := s.svc.GetOrder(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, order.Status)
	s.Len(order.Lines, 2)
	s.True(order.TotalAmount.Equal(domain.MustMoney("448", "SEK")))

	sessions, err := s.svc.ListPaymentSessions(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Require().Len(sessions, 1)
	s.Equal(res.SessionID, sessions[0].ID)
	s.Equal(domain.SessionStatusCreated, sessions[0].Status)
	s.Equal("gw-session-1", sessions[0].GatewaySessionID)
	s.Equal("pay_later", sessions[0].PaymentMethod)

	s.True(s.processed("key-1"))
	s.Equal([]string{contracts.EventOrderCreated, contracts.EventSessionCreated}, s.publisher.types())
}

func (s *ServiceSuite) TestCreateSession_DuplicateKeyIsRejectedWithoutGatewayCall() {
	first := s.createSession("key-1")

	_, err := s.svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.ErrorIs(err, checkout.ErrAlreadyProcessed)
	s.Equal(checkout.KindConflict, checkout.KindOf(err))

	create, _, _ := s.gw.calls()
	s.Equal(1, create)

	orders, err := s.svc.ListCustomerOrders(s.ctx, "customer-1")
	s.Require().NoError(err)
	s.Require().Len(orders, 1)
	s.Equal(first.OrderID, orders[0].ID)
}

func (s *ServiceSuite) TestCreateSession_MissingKey() {
	_, err := s.svc.CreateSession(s.ctx, sessionInput("  "))
	s.ErrorIs(err, checkout.ErrMissingIdempotencyKey)
	s.ErrorIs(err, idempotency.ErrMissingKey)
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))

	create, _, _ := s.gw.calls()
	s.Zero(create)
}

func (s *ServiceSuite) TestCreateSession_OversizedKey() {
	_, err := s.svc.CreateSession(s.ctx, sessionInput(strings.Repeat("k", idempotency.MaxKeyLength+1)))
	s.ErrorIs(err, idempotency.ErrKeyTooLong)
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))

	create, _, _ := s.gw.calls()
	s.Zero(create)
}

func (s *ServiceSuite) TestCreateSession_GatewayFailurePersistsNothing() {
	s.gw.createErr = &gateway.Error{Reason: gateway.ReasonServerError, Operation: "create_session", StatusCode: 503}

	_, err := s.svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().Error(err)
	s.Equal(checkout.KindGateway, checkout.KindOf(err))

	_, err = s.svc.GetOrderByNumber(s.ctx, "202506010001")
	s.ErrorIs(err, checkout.ErrOrderNotFound)
	s.False(s.processed("key-1"))
	s.Empty(s.publisher.types())

	s.gw.createErr = nil
	res, err := s.svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().NoError(err, "a failed attempt leaves the key usable")
	s.Equal(domain.OrderNumber("202506010002"), res.OrderNumber, "an issued number is not handed out again")
}

func (s *ServiceSuite) TestCreateSession_GatewayUnavailableMapsToUnavailable() {
	s.gw.createErr = &gateway.Error{Reason: gateway.ReasonUnavailable, Operation: "create_session"}

	_, err := s.svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.ErrorIs(err, gateway.ErrUnavailable)
	s.Equal(checkout.KindUnavailable, checkout.KindOf(err))
}

func (s *ServiceSuite) TestCreateSession_CancelledDuringGatewayCall() {
	s.gw.waitForCancel = true
	ctx, cancel := context.WithCancel(s.ctx)
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := s.svc.CreateSession(ctx, sessionInput("key-1"))
	s.ErrorIs(err, context.Canceled)

	_, err = s.svc.GetOrderByNumber(s.ctx, "202506010001")
	s.ErrorIs(err, checkout.ErrOrderNotFound)
	s.False(s.processed("key-1"))

	claimed, err := s.guard.Claim(s.ctx, "key-1")
	s.Require().NoError(err)
	s.True(claimed, "the claim is released even when the caller gave up")
}

func (s *ServiceSuite) TestCreateSession_CallTimeout() {
	s.gw.waitForCancel = true
	svc := s.newService(s.gw, checkout.WithCallTimeout(20*time.Millisecond))

	_, err := svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.ErrorIs(err, context.DeadlineExceeded)
	s.Equal(checkout.KindTimeout, checkout.KindOf(err))
	s.False(s.processed("key-1"))
}

func (s *ServiceSuite) TestCreateSession_InvalidAddress() {
	in := sessionInput("key-1")
	in.ShippingAddress.City = " "
	in.ShippingAddress.Country = "Sweden"

	_, err := s.svc.CreateSession(s.ctx, in)
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))

	var verr domain.ValidationErrors
	s.Require().ErrorAs(err, &verr)
	fields := map[string]bool{}
	for _, fe := range verr {
		fields[fe.Field] = true
	}
	s.True(fields["shipping_address.city"])
	s.True(fields["shipping_address.country"])
	s.True(fields["billing_address.city"], "billing is built from the shipping input when omitted")

	create, _, _ := s.gw.calls()
	s.Zero(create)
	s.False(s.processed("key-1"))
}

func (s *ServiceSuite) TestCreateSession_InvalidItems() {
	in := sessionInput("key-1")
	in.Items[1].Quantity = 0
	_, err := s.svc.CreateSession(s.ctx, in)
	s.ErrorIs(err, domain.ErrInvalidQuantity)
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))

	in = sessionInput("key-2")
	in.Currency = "kr"
	_, err = s.svc.CreateSession(s.ctx, in)
	s.ErrorIs(err, domain.ErrInvalidCurrency)

	in = sessionInput("key-3")
	in.Items = nil
	_, err = s.svc.CreateSession(s.ctx, in)
	s.ErrorIs(err, domain.ErrNoOrderLines)
}

func (s *ServiceSuite) TestCreateSession_AddressesDoNotAlias() {
	res := s.createSession("key-1")
	order, err := s.svc.GetOrder(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal(order.ShippingAddress.Input(), order.BillingAddress.Input())

	moved, err := order.BillingAddress.Update(domain.AddressInput{Street: "Storgatan 5", City: "Uppsala"})
	s.Require().NoError(err)
	s.Require().NoError(order.ChangeBillingAddress(moved, s.clock.Now()))

	s.Equal("Uppsala", order.BillingAddress.City())
	s.Equal("Stockholm", order.ShippingAddress.City())
	s.Equal("Drottninggatan 1", order.ShippingAddress.Street())
}

func (s *ServiceSuite) TestCreateSession_ExplicitBillingAddress() {
	in := sessionInput("key-1")
	in.BillingAddress = &domain.AddressInput{
		Street: "Box 100", City: "Malmö", State: "Skåne", Country: "se", PostalCode: "20010",
	}
	res, err := s.svc.CreateSession(s.ctx, in)
	s.Require().NoError(err)

	order, err := s.svc.GetOrder(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal("Malmö", order.BillingAddress.City())
	s.Equal("SE", order.BillingAddress.Country())
	s.Equal("Stockholm", order.ShippingAddress.City())
}

func (s *ServiceSuite) TestCreateSession_OrderNumbersAreSequentialPerDay() {
	s.Equal(domain.OrderNumber("202506010001"), s.createSession("key-1").OrderNumber)
	s.Equal(domain.OrderNumber("202506010002"), s.createSession("key-2").OrderNumber)

	s.clock.Advance(24 * time.Hour)
	s.Equal(domain.OrderNumber("202506020001"), s.createSession("key-3").OrderNumber)
}

func (s *ServiceSuite) TestCreateSession_ConcurrentDuplicatesRunOnce() {
	s.gw.delay = 30 * time.Millisecond

	const n = 8
	var (
		wg        sync.WaitGroup
		successes atomic.Int32
		conflicts atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.CreateSession(s.ctx, sessionInput("same-key"))
			switch {
			case err == nil:
				successes.Add(1)
			case checkout.KindOf(err) == checkout.KindConflict:
				conflicts.Add(1)
			}
		}()
	}
	wg.Wait()

	s.Equal(int32(1), successes.Load())
	s.Equal(int32(n-1), conflicts.Load())
	create, _, _ := s.gw.calls()
	s.Equal(1, create)

	orders, err := s.svc.ListCustomerOrders(s.ctx, "customer-1")
	s.Require().NoError(err)
	s.Len(orders, 1)
}

func (s *ServiceSuite) TestCreateSession_ConcurrentDistinctKeysAllSucceed() {
	s.gw.delay = 20 * time.Millisecond

	const n = 6
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		numbers = map[domain.OrderNumber]bool{}
		errs    []error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.svc.CreateSession(s.ctx, sessionInput(fmt.Sprintf("distinct-%d", i)))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			numbers[res.OrderNumber] = true
		}(i)
	}
	wg.Wait()

	s.Empty(errs)
	s.Len(numbers, n)
	for seq := 1; seq <= n; seq++ {
		s.True(numbers[domain.FormatOrderNumber(testNow, seq)])
	}
	create, _, _ := s.gw.calls()
	s.Equal(n, create)

	orders, err := s.svc.ListCustomerOrders(s.ctx, "customer-1")
	s.Require().NoError(err)
	s.Len(orders, n)
}

func (s *ServiceSuite) TestCreateSession_PublishFailureIsNotFatal() {
	s.publisher.err = errBoom
	res, err := s.svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().NoError(err)
	s.True(s.processed("key-1"))

	_, err = s.svc.GetOrder(s.ctx, res.OrderID)
	s.NoError(err)
}

func (s *ServiceSuite) TestEvents_RecordedInsideTheTransaction() {
	box := outbox.NewMemoryStore()
	store := memory.New(memory.WithOutbox(box, "checkout.events"))
	svc := checkout.NewService(checkout.Deps{
		Orders:   store.Orders(),
		Sessions: store.Sessions(),
		Tx:       store,
		Gateway:  s.gw,
		Guard:    s.guard,
	}, checkout.WithClock(s.clock.Now))

	created, err := svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().NoError(err)

	s.gw.authorizeErr = &gateway.Error{Reason: gateway.ReasonRejected, Operation: "authorize", StatusCode: 402}
	_, err = svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "t"})
	s.Require().Error(err)

	pending, err := box.FetchPending(s.ctx, 10)
	s.Require().NoError(err)
	var types []string
	for _, rec := range pending {
		var evt contracts.Event
		s.Require().NoError(json.Unmarshal(rec.Payload, &evt))
		s.Equal(created.OrderID.String(), rec.Key)
		types = append(types, evt.Type)
	}
	s.Equal([]string{contracts.EventOrderCreated, contracts.EventSessionCreated}, types)
}

func (s *ServiceSuite) TestEvents_RecordFailureRollsBackTheWrite() {
	svc := checkout.NewService(checkout.Deps{
		Orders:    s.store.Orders(),
		Sessions:  s.store.Sessions(),
		Tx:        failingOutboxTx{Transactor: s.store},
		Gateway:   s.gw,
		Guard:     s.guard,
		Publisher: s.publisher,
	}, checkout.WithClock(s.clock.Now))

	_, err := svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().ErrorIs(err, errBoom)

	orders, err := s.svc.ListCustomerOrders(s.ctx, "customer-1")
	s.Require().NoError(err)
	s.Empty(orders)
	s.False(s.processed("key-1"))
	s.Empty(s.publisher.types())
}

func (s *ServiceSuite) TestAuthorizePayment_Succeeds() {
	res := s.authorize("auth-1")

	s.Equal(domain.SessionStatusAuthorized, res.SessionStatus)
	s.Equal(domain.OrderStatusProcessing, res.OrderStatus)
	s.Equal(1, res.AttemptCount)
	s.Equal("gw-order-1", res.GatewayOrderID)
	s.Equal("pay_later", res.PaymentMethod)
	s.True(res.NotificationQueued)
	s.svc.Wait()
	s.Equal([]string{"202506010001"}, s.notifier.sent)

	order, err := s.svc.GetOrder(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal("gw-order-1", order.GatewayReference)
	s.Equal(domain.OrderStatusProcessing, order.Status)

	s.True(s.processed("auth-1"))
	s.Equal("auth-token", s.gw.lastAuthToken)
	s.Subset(s.publisher.types(), []string{contracts.EventSessionAuthorized, contracts.EventOrderProcessing})
}

func (s *ServiceSuite) TestAuthorizePayment_DuplicateKey() {
	res := s.authorize("auth-1")

	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: res.SessionID, AuthToken: "auth-token"})
	s.ErrorIs(err, checkout.ErrAlreadyProcessed)

	_, authorize, _ := s.gw.calls()
	s.Equal(1, authorize)
	sessions, err := s.svc.ListPaymentSessions(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal(1, sessions[0].AttemptCount)
}

func (s *ServiceSuite) TestAuthorizePayment_AuthorizedSessionRejectsNewKey() {
	res := s.authorize("auth-1")

	for _, key := range []string{"auth-2", "auth-3"} {
		_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: key, SessionID: res.SessionID, AuthToken: "auth-token"})
		s.ErrorIs(err, checkout.ErrSessionAlreadyAuthorized)
		s.Equal(checkout.KindConflict, checkout.KindOf(err))
		s.False(s.processed(key))
	}

	_, authorize, _ := s.gw.calls()
	s.Equal(1, authorize)

	sessions, err := s.svc.ListPaymentSessions(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Require().Len(sessions, 1)
	s.Equal(domain.SessionStatusAuthorized, sessions[0].Status)
	s.Equal(1, sessions[0].AttemptCount)

	order, err := s.svc.GetOrder(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Equal("gw-order-1", order.GatewayReference)
	s.Equal(domain.OrderStatusProcessing, order.Status)
}

func (s *ServiceSuite) TestAuthorizePayment_RejectedReauthorizationLeavesCaptureAvailable() {
	res := s.authorize("auth-1")
	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-2", SessionID: res.SessionID, AuthToken: "other-token"})
	s.Require().ErrorIs(err, checkout.ErrSessionAlreadyAuthorized)

	captured, err := s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-1", OrderID: res.OrderID})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCompleted, captured.Status)
	s.Equal("auth-token", s.gw.lastAuthToken)
}

func (s *ServiceSuite) TestAuthorizePayment_SessionNotFound() {
	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{
		IdempotencyKey: "auth-1",
		SessionID:      uuid.New(),
		AuthToken:      "auth-token",
	})
	s.ErrorIs(err, checkout.ErrSessionNotFound)
	s.Equal(checkout.KindNotFound, checkout.KindOf(err))
}

func (s *ServiceSuite) TestAuthorizePayment_OrphanSessionIsIntegrityError() {
	orphan, _ := domain.NewPaymentSession(domain.NewPaymentSessionParams{
		OrderID: uuid.New(),
		Amount:  domain.MustMoney("10", "SEK"),
		Now:     s.clock.Now(),
	})
	s.Require().NoError(s.store.Sessions().Add(s.ctx, orphan))

	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: orphan.ID, AuthToken: "auth-token"})
	s.ErrorIs(err, checkout.ErrDataIntegrity)
	s.Equal(checkout.KindIntegrity, checkout.KindOf(err))

	_, authorize, _ := s.gw.calls()
	s.Zero(authorize)
}

func (s *ServiceSuite) TestAuthorizePayment_ExpiredSession() {
	created := s.createSession("create-1")
	s.clock.Advance(31 * time.Minute)

	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "auth-token"})
	s.ErrorIs(err, domain.ErrSessionExpired)
	s.Equal(checkout.KindRule, checkout.KindOf(err))

	_, authorize, _ := s.gw.calls()
	s.Zero(authorize, "expired sessions never reach the gateway")
	s.False(s.processed("auth-1"))
}

func (s *ServiceSuite) TestAuthorizePayment_GatewayFailureLeavesStateUntouched() {
	created := s.createSession("create-1")
	s.gw.authorizeErr = &gateway.Error{Reason: gateway.ReasonRejected, Operation: "authorize", StatusCode: 409}

	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "auth-token"})
	s.Require().Error(err)
	s.Equal(checkout.KindGateway, checkout.KindOf(err))

	sessions, err := s.svc.ListPaymentSessions(s.ctx, created.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.SessionStatusCreated, sessions[0].Status)
	s.Zero(sessions[0].AttemptCount)
	order, err := s.svc.GetOrder(s.ctx, created.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusPending, order.Status)
	s.Empty(order.GatewayReference)
	s.False(s.processed("auth-1"))
	s.Empty(s.notifier.sent)
}

func (s *ServiceSuite) TestAuthorizePayment_NotificationFailureIsNotFatal() {
	s.notifier.err = errBoom
	res := s.authorize("auth-1")

	s.True(res.NotificationQueued)
	s.Equal(domain.SessionStatusAuthorized, res.SessionStatus)
	s.True(s.processed("auth-1"))
	s.svc.Wait()
	s.Empty(s.notifier.sent)
}

func (s *ServiceSuite) TestAuthorizePayment_DoesNotWaitForConfirmation() {
	s.notifier.delay = 300 * time.Millisecond
	created := s.createSession("create-1")

	ctx, cancel := context.WithCancel(s.ctx)
	start := time.Now()
	res, err := s.svc.AuthorizePayment(ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "auth-token"})
	elapsed := time.Since(start)
	cancel()
	s.Require().NoError(err)
	s.True(res.NotificationQueued)
	s.Less(elapsed, s.notifier.delay)

	s.svc.Wait()
	s.Equal([]string{string(created.OrderNumber)}, s.notifier.sent, "the confirmation outlives the request context")
}

func (s *ServiceSuite) TestAuthorizePayment_NoNotifierQueuesNothing() {
	svc := checkout.NewService(checkout.Deps{
		Orders:   s.store.Orders(),
		Sessions: s.store.Sessions(),
		Tx:       s.store,
		Gateway:  s.gw,
		Guard:    s.guard,
	}, checkout.WithClock(s.clock.Now))
	created := s.createSession("create-1")

	res, err := svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "auth-token"})
	s.Require().NoError(err)
	s.False(res.NotificationQueued)
}

func (s *ServiceSuite) TestAuthorizePayment_MissingToken() {
	created := s.createSession("create-1")
	_, err := s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID})
	s.ErrorIs(err, checkout.ErrInvalidInput)
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))
}

func (s *ServiceSuite) TestCapturePayment_CompletesOrderAndSession() {
	auth := s.authorize("auth-1")
	s.clock.Advance(time.Hour)

	res, err := s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-1", OrderID: auth.OrderID})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCompleted, res.Status)
	s.Equal(testNow.Add(time.Hour), res.CompletedAt)

	sessions, err := s.svc.ListPaymentSessions(s.ctx, auth.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.SessionStatusCompleted, sessions[0].Status)
	s.Contains(s.publisher.types(), contracts.EventOrderCompleted)

	_, err = s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-2", OrderID: auth.OrderID})
	s.ErrorIs(err, domain.ErrInvalidTransition)
	_, _, capture := s.gw.calls()
	s.Equal(1, capture)
}

func (s *ServiceSuite) TestCapturePayment_RejectionFailsOrder() {
	auth := s.authorize("auth-1")
	s.gw.captureErr = &gateway.Error{Reason: gateway.ReasonRejected, Operation: "capture", StatusCode: 403, GatewayCode: "NOT_ALLOWED"}

	_, err := s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-1", OrderID: auth.OrderID})
	s.Equal(checkout.KindGateway, checkout.KindOf(err))

	order, err := s.svc.GetOrder(s.ctx, auth.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusFailed, order.Status)
	s.Contains(order.FailureReason, "Gateway.Rejected")
	sessions, err := s.svc.ListPaymentSessions(s.ctx, auth.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.SessionStatusFailed, sessions[0].Status)
	s.Contains(s.publisher.types(), contracts.EventOrderFailed)
}

func (s *ServiceSuite) TestCapturePayment_TransientFailureKeepsOrderProcessing() {
	auth := s.authorize("auth-1")
	s.gw.captureErr = &gateway.Error{Reason: gateway.ReasonTimeout, Operation: "capture"}

	_, err := s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-1", OrderID: auth.OrderID})
	s.Equal(checkout.KindTimeout, checkout.KindOf(err))

	order, err := s.svc.GetOrder(s.ctx, auth.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusProcessing, order.Status)
	s.False(s.processed("capture-1"))
}

func (s *ServiceSuite) TestCapturePayment_PendingOrderIsRuleViolation() {
	created := s.createSession("create-1")
	_, err := s.svc.CapturePayment(s.ctx, checkout.CaptureInput{IdempotencyKey: "capture-1", OrderID: created.OrderID})
	s.ErrorIs(err, domain.ErrInvalidTransition)
	s.Equal(checkout.KindRule, checkout.KindOf(err))
}

func (s *ServiceSuite) TestRenewSession() {
	created := s.createSession("create-1")

	_, err := s.svc.RenewSession(s.ctx, checkout.RenewSessionInput{IdempotencyKey: "renew-1", OrderID: created.OrderID})
	s.ErrorIs(err, checkout.ErrActiveSessionExists)
	s.Equal(checkout.KindConflict, checkout.KindOf(err))

	s.clock.Advance(31 * time.Minute)
	renewed, err := s.svc.RenewSession(s.ctx, checkout.RenewSessionInput{IdempotencyKey: "renew-2", OrderID: created.OrderID})
	s.Require().NoError(err)
	s.NotEqual(created.SessionID, renewed.SessionID)
	s.Equal(created.OrderNumber, renewed.OrderNumber)

	sessions, err := s.svc.ListPaymentSessions(s.ctx, created.OrderID)
	s.Require().NoError(err)
	s.Require().Len(sessions, 2)
	s.Equal(domain.SessionStatusFailed, sessions[0].Status)
	s.Equal("expired", sessions[0].FailureReason)
	s.Equal(domain.SessionStatusCreated, sessions[1].Status)
}

func (s *ServiceSuite) TestRenewSession_RequiresPendingOrder() {
	auth := s.authorize("auth-1")
	_, err := s.svc.RenewSession(s.ctx, checkout.RenewSessionInput{IdempotencyKey: "renew-1", OrderID: auth.OrderID})
	s.ErrorIs(err, checkout.ErrOrderNotPending)
	s.Equal(checkout.KindRule, checkout.KindOf(err))
}

func (s *ServiceSuite) TestCancelOrder() {
	created := s.createSession("create-1")

	order, err := s.svc.CancelOrder(s.ctx, checkout.CancelInput{IdempotencyKey: "cancel-1", OrderID: created.OrderID})
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusCancelled, order.Status)

	sessions, err := s.svc.ListPaymentSessions(s.ctx, created.OrderID)
	s.Require().NoError(err)
	s.Equal(domain.SessionStatusFailed, sessions[0].Status)

	_, err = s.svc.CancelOrder(s.ctx, checkout.CancelInput{IdempotencyKey: "cancel-2", OrderID: created.OrderID})
	s.ErrorIs(err, domain.ErrInvalidTransition)

	_, err = s.svc.AuthorizePayment(s.ctx, checkout.AuthorizeInput{IdempotencyKey: "auth-1", SessionID: created.SessionID, AuthToken: "t"})
	s.ErrorIs(err, domain.ErrInvalidTransition)
}

func (s *ServiceSuite) TestQueries() {
	created := s.createSession("create-1")

	byNumber, err := s.svc.GetOrderByNumber(s.ctx, created.OrderNumber)
	s.Require().NoError(err)
	s.Equal(created.OrderID, byNumber.ID)

	_, err = s.svc.GetOrder(s.ctx, uuid.New())
	s.ErrorIs(err, checkout.ErrOrderNotFound)

	_, err = s.svc.ListCustomerOrders(s.ctx, "")
	s.Equal(checkout.KindInvalid, checkout.KindOf(err))
}

// The orchestrator sees one successful result while the client retries
// transient gateway failures underneath it.
func (s *ServiceSuite) TestCreateSession_ThroughRetryingGatewayClient() {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= 2 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(gateway.SessionPayload{SessionID: "gw-live", ClientToken: "live-token"})
	}))
	defer srv.Close()

	cfg := gateway.DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Retry.BaseDelay = time.Millisecond
	cfg.Retry.MaxDelay = 5 * time.Millisecond
	svc := s.newService(gateway.NewClient(cfg))

	res, err := svc.CreateSession(s.ctx, sessionInput("key-1"))
	s.Require().NoError(err)
	s.Equal("live-token", res.ClientToken)
	s.Equal(int32(3), hits.Load())

	sessions, err := svc.ListPaymentSessions(s.ctx, res.OrderID)
	s.Require().NoError(err)
	s.Len(sessions, 1)
}
