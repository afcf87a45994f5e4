package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
)

const sessionColumns = `id::text, order_id::text, gateway_session_id, client_token, status, expires_at,
	amount::text, currency, payment_method, attempt_count, failure_reason, created_at, updated_at`

type sessionRepo struct {
	db querier
}

func (r *sessionRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PaymentSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions WHERE id = $1`, id.String()))
	if err != nil {
		return nil, mapErr(err, "payment session %s", id)
	}
	return s, nil
}

func (r *sessionRepo) GetActiveSessionForOrder(ctx context.Context, orderID uuid.UUID, now time.Time) (*domain.PaymentSession, error) {
	s, err := scanSession(r.db.QueryRow(ctx, `SELECT `+sessionColumns+` FROM payment_sessions
		WHERE order_id = $1 AND status IN ('CREATED', 'AUTHORIZED') AND expires_at >= $2
		ORDER BY created_at DESC LIMIT 1`, orderID.String(), now))
	if err != nil {
		return nil, mapErr(err, "active payment session for order %s", orderID)
	}
	return s, nil
}

func (r *sessionRepo) ListForOrder(ctx context.Context, orderID uuid.UUID) ([]*domain.PaymentSession, error) {
	rows, err := r.db.Query(ctx, `SELECT `+sessionColumns+` FROM payment_sessions
		WHERE order_id = $1 ORDER BY created_at, id`, orderID.String())
	if err != nil {
		return nil, mapErr(err, "payment sessions of order %s", orderID)
	}
	defer rows.Close()

	var out []*domain.PaymentSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r *sessionRepo) Add(ctx context.Context, s *domain.PaymentSession) error {
	_, err := r.db.Exec(ctx, `INSERT INTO payment_sessions(id, order_id, gateway_session_id, client_token, status,
			expires_at, amount, currency, payment_method, attempt_count, failure_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		s.ID.String(), s.OrderID.String(), s.GatewaySessionID, s.ClientToken, string(s.Status),
		s.ExpiresAt, s.Amount.Amount().String(), string(s.Amount.Currency()), s.PaymentMethod,
		s.AttemptCount, s.FailureReason, s.CreatedAt, s.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert payment session %s", s.ID)
	}
	return nil
}

func (r *sessionRepo) Update(ctx context.Context, s *domain.PaymentSession) error {
	tag, err := r.db.Exec(ctx, `UPDATE payment_sessions SET status = $2, payment_method = $3,
			attempt_count = $4, failure_reason = $5, updated_at = $6
		WHERE id = $1`,
		s.ID.String(), string(s.Status), s.PaymentMethod, s.AttemptCount, s.FailureReason, s.UpdatedAt)
	if err != nil {
		return mapErr(err, "update payment session %s", s.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update payment session %s: %w", s.ID, checkout.ErrNotFound)
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.PaymentSession, error) {
	var (
		s                   domain.PaymentSession
		id, orderID, status string
		amount, currency    string
	)
	err := row.Scan(&id, &orderID, &s.GatewaySessionID, &s.ClientToken, &status, &s.ExpiresAt,
		&amount, &currency, &s.PaymentMethod, &s.AttemptCount, &s.FailureReason, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if s.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("payment session id %q: %w", id, err)
	}
	if s.OrderID, err = uuid.Parse(orderID); err != nil {
		return nil, fmt.Errorf("payment session %s order id %q: %w", id, orderID, err)
	}
	s.Status = domain.SessionStatus(status)
	if s.Amount, err = parseMoney(amount, domain.Currency(currency)); err != nil {
		return nil, fmt.Errorf("payment session %s amount: %w", id, err)
	}
	s.ExpiresAt = s.ExpiresAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.UpdatedAt = s.UpdatedAt.UTC()
	return &s, nil
}
