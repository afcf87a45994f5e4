package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
	"github.com/nazeru/store-checkout/pkg/idempotency"
)

const maxBodyBytes = 1 << 20

func (h *Handler) createSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decode(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.CreateSession(r.Context(), req.input(idempotency.Key(r)))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(res))
}

func (h *Handler) authorizePayment(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathUUID(r, "sessionID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req authorizeRequest
	if err := decode(w, r, &req, false); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.AuthorizePayment(r.Context(), checkout.AuthorizeInput{
		IdempotencyKey: idempotency.Key(r),
		SessionID:      sessionID,
		AuthToken:      req.AuthorizationToken,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newAuthorizeResponse(res))
}

func (h *Handler) renewSession(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req renewSessionRequest
	if err := decode(w, r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.RenewSession(r.Context(), checkout.RenewSessionInput{
		IdempotencyKey: idempotency.Key(r),
		OrderID:        orderID,
		Locale:         req.Locale,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newSessionResponse(res))
}

func (h *Handler) capturePayment(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	res, err := h.svc.CapturePayment(r.Context(), checkout.CaptureInput{
		IdempotencyKey: idempotency.Key(r),
		OrderID:        orderID,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, captureResponse{
		OrderID:     res.OrderID.String(),
		OrderNumber: res.OrderNumber.String(),
		Status:      string(res.Status),
		Captured:    money(res.Amount),
		CompletedAt: res.CompletedAt,
	})
}

func (h *Handler) cancelOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var req cancelRequest
	if err := decode(w, r, &req, true); err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.CancelOrder(r.Context(), checkout.CancelInput{
		IdempotencyKey: idempotency.Key(r),
		OrderID:        orderID,
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order, nil, h.svc.Now()))
}

func (h *Handler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID, err := pathUUID(r, "orderID")
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	order, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, order)
}

func (h *Handler) getOrderByNumber(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	order, err := h.svc.GetOrderByNumber(r.Context(), domain.OrderNumber(number))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeOrder(w, r, order)
}

func (h *Handler) writeOrder(w http.ResponseWriter, r *http.Request, order *domain.Order) {
	sessions, err := h.svc.ListPaymentSessions(r.Context(), order.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrderResponse(order, sessions, h.svc.Now()))
}

func (h *Handler) listCustomerOrders(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.ListCustomerOrders(r.Context(), chi.URLParam(r, "customerID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	now := h.svc.Now()
	out := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		out = append(out, newOrderResponse(o, nil, now))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": out})
}

func pathUUID(r *http.Request, param string) (uuid.UUID, error) {
	raw := chi.URLParam(r, param)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s %q is not a uuid", checkout.ErrInvalidInput, param, raw)
	}
	return id, nil
}

// decode reads a JSON body. With optional set an empty body is accepted.
func decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: invalid json: %v", checkout.ErrInvalidInput, err)
	}
	return nil
}
