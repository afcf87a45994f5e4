package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const (
	DefaultTTL      = 7 * 24 * time.Hour
	DefaultClaimTTL = 2 * time.Minute

	processedPrefix = "idempotency:processed:"
	claimPrefix     = "idempotency:claim:"
)

// Record is the value stored for a processed key.
type Record struct {
	ProcessedAt time.Time `json:"processed_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Guard deduplicates operations by client supplied key.
//
// IsProcessed/MarkProcessed are the plain check-then-act pair. Claim adds an
// atomic set-if-not-exists marker so two concurrent requests carrying the same
// unprocessed key cannot both run the guarded work; the claim expires on its
// own after the claim TTL if its holder dies without releasing it.
type Guard struct {
	store    Store
	ttl      time.Duration
	claimTTL time.Duration
	now      func() time.Time
}

type Option func(*Guard)

func WithTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.ttl = ttl }
}

func WithClaimTTL(ttl time.Duration) Option {
	return func(g *Guard) { g.claimTTL = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(g *Guard) { g.now = now }
}

func NewGuard(store Store, opts ...Option) *Guard {
	g := &Guard{
		store:    store,
		ttl:      DefaultTTL,
		claimTTL: DefaultClaimTTL,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guard) IsProcessed(ctx context.Context, key string) (bool, error) {
	if err := Validate(key); err != nil {
		return false, err
	}
	raw, err := g.store.Get(ctx, processedPrefix+key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("idempotency lookup: %w", err)
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return false, fmt.Errorf("idempotency record decode: %w", err)
	}
	return g.now().Before(rec.ExpiresAt), nil
}

// MarkProcessed must only be called once the guarded work fully succeeded.
func (g *Guard) MarkProcessed(ctx context.Context, key string) error {
	if err := Validate(key); err != nil {
		return err
	}
	now := g.now().UTC()
	data, err := json.Marshal(Record{ProcessedAt: now, ExpiresAt: now.Add(g.ttl)})
	if err != nil {
		return err
	}
	if err := g.store.Set(ctx, processedPrefix+key, data, g.ttl); err != nil {
		return fmt.Errorf("idempotency mark: %w", err)
	}
	return nil
}

// Claim reports false when another request currently holds key.
func (g *Guard) Claim(ctx context.Context, key string) (bool, error) {
	if err := Validate(key); err != nil {
		return false, err
	}
	stamp := []byte(g.now().UTC().Format(time.RFC3339Nano))
	ok, err := g.store.SetNX(ctx, claimPrefix+key, stamp, g.claimTTL)
	if err != nil {
		return false, fmt.Errorf("idempotency claim: %w", err)
	}
	return ok, nil
}

func (g *Guard) Release(ctx context.Context, key string) error {
	if err := Validate(key); err != nil {
		return err
	}
	if err := g.store.Del(ctx, claimPrefix+key); err != nil {
		return fmt.Errorf("idempotency release: %w", err)
	}
	return nil
}
