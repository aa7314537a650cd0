package commission

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tobenna/marketledger/internal/apperr"
)

func defaults() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		KindDelivery:  decimal.NewFromFloat(0.85),
		KindFood:      decimal.NewFromFloat(0.85),
		KindProduct:   decimal.NewFromFloat(0.90),
		KindAgreement: decimal.NewFromFloat(0.975),
	}
}

func TestSplitSumsToAmount(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), defaults())

	amount := decimal.NewFromFloat(1234.57)
	payee, commission, err := r.Split(ctx, KindFood, amount)
	if err != nil {
		t.Fatalf("Split failed: %v", err)
	}
	if !payee.Add(commission).Equal(amount) {
		t.Errorf("split leaks money: %s + %s != %s", payee, commission, amount)
	}
	if payee.Exponent() < -2 {
		t.Errorf("payee amount not rounded to 2dp: %s", payee)
	}
}

func TestOverrideBeatsDefault(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewResolver(store, defaults())

	if err := r.SetRate(ctx, KindProduct, decimal.NewFromFloat(0.80), "admin"); err != nil {
		t.Fatalf("SetRate failed: %v", err)
	}

	share, err := r.PayeeShare(ctx, KindProduct)
	if err != nil {
		t.Fatalf("PayeeShare failed: %v", err)
	}
	if !share.Equal(decimal.NewFromFloat(0.80)) {
		t.Errorf("expected override 0.80, got %s", share)
	}
}

func TestCacheWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	r := NewResolver(store, defaults())

	now := time.Now()
	r.now = func() time.Time { return now }

	if _, err := r.PayeeShare(ctx, KindDelivery); err != nil {
		t.Fatalf("PayeeShare failed: %v", err)
	}

	// change behind the resolver's back; cached value should survive
	// until the window lapses
	store.rates[KindDelivery] = decimal.NewFromFloat(0.70)

	share, _ := r.PayeeShare(ctx, KindDelivery)
	if !share.Equal(decimal.NewFromFloat(0.85)) {
		t.Errorf("expected cached 0.85, got %s", share)
	}

	r.now = func() time.Time { return now.Add(cacheTTL + time.Second) }
	share, _ = r.PayeeShare(ctx, KindDelivery)
	if !share.Equal(decimal.NewFromFloat(0.70)) {
		t.Errorf("expected refreshed 0.70, got %s", share)
	}
}

func TestSetRateValidation(t *testing.T) {
	ctx := context.Background()
	r := NewResolver(NewMemoryStore(), defaults())

	cases := []decimal.Decimal{
		decimal.Zero,
		decimal.NewFromFloat(-0.1),
		decimal.NewFromFloat(1.5),
	}
	for _, rate := range cases {
		if err := r.SetRate(ctx, KindFood, rate, "admin"); apperr.KindOf(err) != apperr.KindValidation {
			t.Errorf("rate %s should be rejected, got %v", rate, err)
		}
	}

	if err := r.SetRate(ctx, "UNKNOWN", decimal.NewFromFloat(0.5), "admin"); apperr.KindOf(err) != apperr.KindValidation {
		t.Errorf("unknown kind should be rejected, got %v", err)
	}
}
