// Package commission resolves the platform's cut per settlement kind.
// Rates are stored as the payee's share (0.85 means the payee gets 85%,
// the platform keeps 15%) and can be changed at runtime by admins;
// lookups go through a short cache so settlement never blocks on the
// settings table.
package commission

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
)

// Settlement kinds with configurable rates.
const (
	KindDelivery  = "DELIVERY"
	KindFood      = "FOOD"
	KindLaundry   = "LAUNDRY"
	KindProduct   = "PRODUCT"
	KindAgreement = "AGREEMENT"
)

const cacheTTL = 60 * time.Second

// Store persists commission rate overrides.
type Store interface {
	// GetRate returns the stored payee-share rate for kind, or
	// (zero, false, nil) when no override exists.
	GetRate(ctx context.Context, kind string) (decimal.Decimal, bool, error)

	// SetRate stores a payee-share override for kind.
	SetRate(ctx context.Context, kind string, rate decimal.Decimal, updatedBy string) error
}

type cached struct {
	rate    decimal.Decimal
	fetched time.Time
}

// Resolver looks up rates with per-kind caching over static defaults.
type Resolver struct {
	store    Store
	defaults map[string]decimal.Decimal

	mu    sync.Mutex
	cache map[string]cached
	now   func() time.Time
}

// NewResolver creates a resolver. defaults supplies the rate used when
// the store has no override, keyed by kind.
func NewResolver(store Store, defaults map[string]decimal.Decimal) *Resolver {
	return &Resolver{
		store:    store,
		defaults: defaults,
		cache:    make(map[string]cached),
		now:      time.Now,
	}
}

// PayeeShare returns the fraction of a settled amount that goes to the
// payee for the given kind.
func (r *Resolver) PayeeShare(ctx context.Context, kind string) (decimal.Decimal, error) {
	r.mu.Lock()
	if c, ok := r.cache[kind]; ok && r.now().Sub(c.fetched) < cacheTTL {
		r.mu.Unlock()
		return c.rate, nil
	}
	r.mu.Unlock()

	rate, found, err := r.store.GetRate(ctx, kind)
	if err != nil {
		// fall back to the default rather than blocking settlement
		if d, ok := r.defaults[kind]; ok {
			return d, nil
		}
		return decimal.Zero, err
	}
	if !found {
		d, ok := r.defaults[kind]
		if !ok {
			return decimal.Zero, apperr.Validation("no commission rate for kind %s", kind)
		}
		rate = d
	}

	r.mu.Lock()
	r.cache[kind] = cached{rate: rate, fetched: r.now()}
	r.mu.Unlock()
	return rate, nil
}

// Split divides amount into the payee's portion and the platform's
// commission. payee + commission always equals amount.
func (r *Resolver) Split(ctx context.Context, kind string, amount decimal.Decimal) (payee, commission decimal.Decimal, err error) {
	share, err := r.PayeeShare(ctx, kind)
	if err != nil {
		return decimal.Zero, decimal.Zero, err
	}
	payee = amount.Mul(share).RoundBank(2)
	commission = amount.Sub(payee)
	return payee, commission, nil
}

// SetRate validates and stores an override, evicting the cache entry.
func (r *Resolver) SetRate(ctx context.Context, kind string, rate decimal.Decimal, updatedBy string) error {
	if rate.LessThanOrEqual(decimal.Zero) || rate.GreaterThan(decimal.NewFromInt(1)) {
		return apperr.Validation("rate must be in (0, 1], got %s", rate)
	}
	if _, ok := r.defaults[kind]; !ok {
		return apperr.Validation("unknown commission kind %s", kind)
	}
	if err := r.store.SetRate(ctx, kind, rate, updatedBy); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.cache, kind)
	r.mu.Unlock()
	return nil
}
