package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/nazeru/store-checkout/internal/checkout"
	"github.com/nazeru/store-checkout/internal/checkout/domain"
)

const orderColumns = `id::text, order_number, status, customer_id, contact_email, locale,
	billing_address, shipping_address, total_amount::text, currency,
	gateway_reference, failure_reason, completed_at, created_at, updated_at`

type orderRepo struct {
	db querier
}

func (r *orderRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id.String())
	order, err := scanOrder(row)
	if err != nil {
		return nil, mapErr(err, "order %s", id)
	}
	if err := r.attachLines(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) GetByOrderNumber(ctx context.Context, number domain.OrderNumber) (*domain.Order, error) {
	row := r.db.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE order_number = $1`, string(number))
	order, err := scanOrder(row)
	if err != nil {
		return nil, mapErr(err, "order %s", number)
	}
	if err := r.attachLines(ctx, order); err != nil {
		return nil, err
	}
	return order, nil
}

func (r *orderRepo) GetCustomerOrders(ctx context.Context, customerID string) ([]*domain.Order, error) {
	rows, err := r.db.Query(ctx, `SELECT `+orderColumns+` FROM orders
		WHERE customer_id = $1 ORDER BY created_at DESC, order_number DESC`, customerID)
	if err != nil {
		return nil, mapErr(err, "orders of customer %s", customerID)
	}
	defer rows.Close()

	var out []*domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	for _, order := range out {
		if err := r.attachLines(ctx, order); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// GenerateOrderNumber bumps the day's counter row, so concurrent callers never
// share a number. The first call of a day seeds the counter from the orders
// already stored for it.
func (r *orderRepo) GenerateOrderNumber(ctx context.Context, now time.Time) (domain.OrderNumber, error) {
	prefix := domain.OrderNumberPrefix(now)
	var seq int
	err := r.db.QueryRow(ctx, `INSERT INTO order_number_sequences AS s (day, last_seq)
		VALUES ($1, COALESCE((SELECT MAX(substring(order_number FROM 9)::int)
			FROM orders WHERE order_number LIKE $2), 0) + 1)
		ON CONFLICT (day) DO UPDATE SET last_seq = s.last_seq + 1
		RETURNING last_seq`,
		prefix, prefix+"%").Scan(&seq)
	if err != nil {
		return "", mapErr(err, "next order number for %s", prefix)
	}
	return domain.SequencedOrderNumber(now, seq)
}

func (r *orderRepo) Add(ctx context.Context, order *domain.Order) error {
	billing, shipping, err := marshalAddresses(order)
	if err != nil {
		return err
	}
	_, err = r.db.Exec(ctx, `INSERT INTO orders(id, order_number, status, customer_id, contact_email, locale,
			billing_address, shipping_address, total_amount, currency,
			gateway_reference, failure_reason, completed_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		order.ID.String(), string(order.Number), string(order.Status), order.CustomerID, order.ContactEmail, order.Locale,
		billing, shipping, order.TotalAmount.Amount().String(), string(order.TotalAmount.Currency()),
		order.GatewayReference, order.FailureReason, order.CompletedAt, order.CreatedAt, order.UpdatedAt)
	if err != nil {
		return mapErr(err, "insert order %s", order.Number)
	}

	batch := &pgx.Batch{}
	for i, line := range order.Lines {
		batch.Queue(`INSERT INTO order_lines(order_id, line_no, product_id, name, unit_price, quantity, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			order.ID.String(), i+1, line.ProductID, line.Name,
			line.UnitPrice.Amount().String(), line.Quantity, line.LineTotal.Amount().String())
	}
	if err := r.db.SendBatch(ctx, batch).Close(); err != nil {
		return mapErr(err, "insert lines of order %s", order.Number)
	}
	return nil
}

// Update writes the mutable part of an order. Lines never change.
func (r *orderRepo) Update(ctx context.Context, order *domain.Order) error {
	billing, shipping, err := marshalAddresses(order)
	if err != nil {
		return err
	}
	tag, err := r.db.Exec(ctx, `UPDATE orders SET status = $2, billing_address = $3, shipping_address = $4,
			gateway_reference = $5, failure_reason = $6, completed_at = $7, updated_at = $8
		WHERE id = $1`,
		order.ID.String(), string(order.Status), billing, shipping,
		order.GatewayReference, order.FailureReason, order.CompletedAt, order.UpdatedAt)
	if err != nil {
		return mapErr(err, "update order %s", order.Number)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update order %s: %w", order.Number, checkout.ErrNotFound)
	}
	return nil
}

func (r *orderRepo) attachLines(ctx context.Context, order *domain.Order) error {
	rows, err := r.db.Query(ctx, `SELECT product_id, name, unit_price::text, quantity, line_total::text
		FROM order_lines WHERE order_id = $1 ORDER BY line_no`, order.ID.String())
	if err != nil {
		return mapErr(err, "lines of order %s", order.Number)
	}
	defer rows.Close()

	currency := order.TotalAmount.Currency()
	order.Lines = order.Lines[:0]
	for rows.Next() {
		var (
			line             domain.OrderLine
			unitPrice, total string
		)
		if err := rows.Scan(&line.ProductID, &line.Name, &unitPrice, &line.Quantity, &total); err != nil {
			return err
		}
		if line.UnitPrice, err = parseMoney(unitPrice, currency); err != nil {
			return err
		}
		if line.LineTotal, err = parseMoney(total, currency); err != nil {
			return err
		}
		order.Lines = append(order.Lines, line)
	}
	return rows.Err()
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		o                 domain.Order
		id, number        string
		status, currency  string
		billing, shipping []byte
		total             string
	)
	err := row.Scan(&id, &number, &status, &o.CustomerID, &o.ContactEmail, &o.Locale,
		&billing, &shipping, &total, &currency,
		&o.GatewayReference, &o.FailureReason, &o.CompletedAt, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	if o.ID, err = uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("order id %q: %w", id, err)
	}
	o.Number = domain.OrderNumber(number)
	o.Status = domain.OrderStatus(status)
	if o.TotalAmount, err = parseMoney(total, domain.Currency(currency)); err != nil {
		return nil, fmt.Errorf("order %s total: %w", number, err)
	}
	if o.BillingAddress, err = unmarshalAddress(billing); err != nil {
		return nil, fmt.Errorf("order %s billing address: %w", number, err)
	}
	if o.ShippingAddress, err = unmarshalAddress(shipping); err != nil {
		return nil, fmt.Errorf("order %s shipping address: %w", number, err)
	}
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	return &o, nil
}

func marshalAddresses(order *domain.Order) (billing, shipping []byte, err error) {
	if billing, err = json.Marshal(order.BillingAddress.Input()); err != nil {
		return nil, nil, err
	}
	if shipping, err = json.Marshal(order.ShippingAddress.Input()); err != nil {
		return nil, nil, err
	}
	return billing, shipping, nil
}

func unmarshalAddress(raw []byte) (domain.Address, error) {
	var in domain.AddressInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return domain.Address{}, err
	}
	return domain.NewAddress(in)
}

func parseMoney(amount string, currency domain.Currency) (domain.Money, error) {
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return domain.Money{}, err
	}
	return domain.NewMoney(d, domain.Currency(strings.TrimSpace(string(currency))))
}
