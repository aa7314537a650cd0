package wallet

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tobenna/marketledger/internal/apperr"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

// total returns the sum of all balances and escrow balances across the
// given users, for conservation checks.
func total(t *testing.T, store Store, users ...string) decimal.Decimal {
	t.Helper()
	sum := decimal.Zero
	for _, u := range users {
		w, err := store.Get(context.Background(), u)
		require.NoError(t, err)
		sum = sum.Add(w.Balance).Add(w.EscrowBalance)
	}
	return sum
}

func hold(t *testing.T, store Store, txRef, payer string, amount decimal.Decimal) {
	t.Helper()
	err := store.Hold(context.Background(), &Transaction{
		TxRef:      txRef,
		Amount:     amount,
		FromUserID: payer,
		Type:       TxFoodOrder,
	})
	require.NoError(t, err)
}

func TestHoldThenRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hold(t, store, "FOOD-AAAAAAAAAAAA", "buyer", dec("1000.00"))

	buyer, _ := store.Get(ctx, "buyer")
	if !buyer.EscrowBalance.Equal(dec("1000.00")) {
		t.Errorf("expected escrow 1000.00, got %s", buyer.EscrowBalance)
	}

	// 85% to the vendor, 15% commission
	err := store.Release(ctx, "FOOD-AAAAAAAAAAAA", "vendor", dec("850.00"), dec("150.00"), "FOOD")
	require.NoError(t, err)

	buyer, _ = store.Get(ctx, "buyer")
	vendor, _ := store.Get(ctx, "vendor")
	if !buyer.EscrowBalance.IsZero() {
		t.Errorf("buyer escrow should be drained, got %s", buyer.EscrowBalance)
	}
	if !vendor.Balance.Equal(dec("850.00")) {
		t.Errorf("vendor should have 850.00, got %s", vendor.Balance)
	}

	tx, err := store.GetTransaction(ctx, "FOOD-AAAAAAAAAAAA")
	require.NoError(t, err)
	if tx.Status != TxReleased {
		t.Errorf("expected RELEASED, got %s", tx.Status)
	}
}

func TestReleaseIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hold(t, store, "FOOD-BBBBBBBBBBBB", "buyer", dec("500.00"))
	require.NoError(t, store.Release(ctx, "FOOD-BBBBBBBBBBBB", "vendor", dec("425.00"), dec("75.00"), "FOOD"))

	// second release must not double-pay
	err := store.Release(ctx, "FOOD-BBBBBBBBBBBB", "vendor", dec("425.00"), dec("75.00"), "FOOD")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on double release, got %v", err)
	}
	// nor may a refund follow a release
	err = store.Refund(ctx, "FOOD-BBBBBBBBBBBB")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on refund after release, got %v", err)
	}

	vendor, _ := store.Get(ctx, "vendor")
	if !vendor.Balance.Equal(dec("425.00")) {
		t.Errorf("vendor balance changed by rejected settlement: %s", vendor.Balance)
	}
}

func TestRefundReturnsFullAmount(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hold(t, store, "PRODUCT-CCCCCCCCCCCC", "buyer", dec("250.00"))
	require.NoError(t, store.Refund(ctx, "PRODUCT-CCCCCCCCCCCC"))

	buyer, _ := store.Get(ctx, "buyer")
	if !buyer.Balance.Equal(dec("250.00")) || !buyer.EscrowBalance.IsZero() {
		t.Errorf("refund did not restore funds: balance=%s escrow=%s", buyer.Balance, buyer.EscrowBalance)
	}

	err := store.Refund(ctx, "PRODUCT-CCCCCCCCCCCC")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on double refund, got %v", err)
	}
}

func TestDuplicateTxRefRejected(t *testing.T) {
	store := NewMemoryStore()
	hold(t, store, "DEL-DDDDDDDDDDDD", "buyer", dec("100.00"))

	err := store.Hold(context.Background(), &Transaction{
		TxRef:      "DEL-DDDDDDDDDDDD",
		Amount:     dec("100.00"),
		FromUserID: "buyer",
		Type:       TxDeliveryFee,
	})
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict for duplicate tx_ref, got %v", err)
	}
}

func TestDispatchTransferFlow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hold(t, store, "DEL-EEEEEEEEEEEE", "sender", dec("600.00"))
	before := total(t, store, "sender", "rider")

	require.NoError(t, store.PickupCredit(ctx, "DEL-EEEEEEEEEEEE", "rider"))

	sender, _ := store.Get(ctx, "sender")
	rider, _ := store.Get(ctx, "rider")
	if !sender.EscrowBalance.IsZero() {
		t.Errorf("sender escrow not drained after pickup: %s", sender.EscrowBalance)
	}
	if !rider.EscrowBalance.Equal(dec("600.00")) {
		t.Errorf("rider escrow should hold the fee, got %s", rider.EscrowBalance)
	}

	// refund is no longer possible once the fee moved to the rider
	err := store.Refund(ctx, "DEL-EEEEEEEEEEEE")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict refunding transferred fee, got %v", err)
	}

	require.NoError(t, store.Release(ctx, "DEL-EEEEEEEEEEEE", "rider", dec("510.00"), dec("90.00"), "DELIVERY"))

	rider, _ = store.Get(ctx, "rider")
	if !rider.EscrowBalance.IsZero() || !rider.Balance.Equal(dec("510.00")) {
		t.Errorf("rider settlement wrong: balance=%s escrow=%s", rider.Balance, rider.EscrowBalance)
	}

	// commission left the user wallets
	after := total(t, store, "sender", "rider")
	if !before.Sub(after).Equal(dec("90.00")) {
		t.Errorf("expected 90.00 commission drain, got %s", before.Sub(after))
	}
}

func TestSettleSplit(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	hold(t, store, "PRODUCT-FFFFFFFFFFFF", "buyer", dec("1000.00"))

	// parts that do not sum to the held amount are rejected
	err := store.SettleSplit(ctx, "PRODUCT-FFFFFFFFFFFF", "seller", dec("500.00"), dec("400.00"), dec("50.00"), "PRODUCT")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for bad split, got %v", err)
	}

	require.NoError(t, store.SettleSplit(ctx, "PRODUCT-FFFFFFFFFFFF", "seller",
		dec("500.00"), dec("450.00"), dec("50.00"), "PRODUCT"))

	buyer, _ := store.Get(ctx, "buyer")
	seller, _ := store.Get(ctx, "seller")
	if !buyer.Balance.Equal(dec("500.00")) {
		t.Errorf("buyer refund share wrong: %s", buyer.Balance)
	}
	if !seller.Balance.Equal(dec("450.00")) {
		t.Errorf("seller release share wrong: %s", seller.Balance)
	}

	tx, _ := store.GetTransaction(ctx, "PRODUCT-FFFFFFFFFFFF")
	if tx.Status != TxReleased {
		t.Errorf("split settlement should end RELEASED, got %s", tx.Status)
	}
	// and be final
	err = store.SettleSplit(ctx, "PRODUCT-FFFFFFFFFFFF", "seller", dec("500.00"), dec("450.00"), dec("50.00"), "PRODUCT")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on repeat split, got %v", err)
	}
}

func TestInsufficientFunds(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Adjust(ctx, "user", FieldBalance, dec("-10.00"))
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	err = store.MoveToEscrow(ctx, "user", dec("10.00"))
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds on escrow move, got %v", err)
	}
}

func TestMoveToEscrowAndShareRelease(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Adjust(ctx, "funder", FieldBalance, dec("2000.00"))
	require.NoError(t, err)
	require.NoError(t, store.MoveToEscrow(ctx, "funder", dec("1500.00")))

	funder, _ := store.Get(ctx, "funder")
	if !funder.Balance.Equal(dec("500.00")) || !funder.EscrowBalance.Equal(dec("1500.00")) {
		t.Fatalf("escrow move wrong: balance=%s escrow=%s", funder.Balance, funder.EscrowBalance)
	}

	require.NoError(t, store.ShareRelease(ctx, "funder", "party", dec("900.00")))

	funder, _ = store.Get(ctx, "funder")
	party, _ := store.Get(ctx, "party")
	if !funder.EscrowBalance.Equal(dec("600.00")) {
		t.Errorf("funder escrow after share release: %s", funder.EscrowBalance)
	}
	if !party.Balance.Equal(dec("900.00")) {
		t.Errorf("party balance after share release: %s", party.Balance)
	}
}

func TestServiceTopUpLimits(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Limits{
		MaxWalletBalance: dec("50000.00"),
		MinTopUp:         dec("1000.00"),
	})

	err := svc.ValidateTopUp(ctx, "user", dec("999.99"))
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error below minimum, got %v", err)
	}

	_, err = store.Adjust(ctx, "user", FieldBalance, dec("49500.00"))
	require.NoError(t, err)
	err = svc.ValidateTopUp(ctx, "user", dec("1000.00"))
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error above cap, got %v", err)
	}

	require.NoError(t, svc.ValidateTopUp(ctx, "user", dec("500.00").Add(dec("500.00"))))
}

func TestServiceCreditTopUp(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Limits{MaxWalletBalance: dec("50000.00"), MinTopUp: dec("1000.00")})

	require.NoError(t, svc.CreditTopUp(ctx, "user", dec("2000.00"), "TOPUP-ABCDEF012345", nil))

	w, _ := store.Get(ctx, "user")
	if !w.Balance.Equal(dec("2000.00")) {
		t.Errorf("top-up not credited: %s", w.Balance)
	}
	tx, err := store.GetTransaction(ctx, "TOPUP-ABCDEF012345")
	require.NoError(t, err)
	if tx.Status != TxCompleted || tx.Type != TxTopUp {
		t.Errorf("unexpected top-up record: %s %s", tx.Type, tx.Status)
	}
}

func TestServicePayWithWallet(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Limits{MaxWalletBalance: dec("50000.00"), MinTopUp: dec("1000.00")})

	_, err := svc.PayWithWallet(ctx, "payer", "payee", dec("300.00"), "", nil)
	if apperr.KindOf(err) != apperr.KindInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}

	_, err = store.Adjust(ctx, "payer", FieldBalance, dec("500.00"))
	require.NoError(t, err)

	tx, err := svc.PayWithWallet(ctx, "payer", "payee", dec("300.00"), "order-1", nil)
	require.NoError(t, err)
	if tx.Status != TxCompleted {
		t.Errorf("wallet payment should complete immediately, got %s", tx.Status)
	}

	payer, _ := store.Get(ctx, "payer")
	if !payer.Balance.Equal(dec("200.00")) {
		t.Errorf("payer balance after payment: %s", payer.Balance)
	}

	got, err := store.GetTransactionByOrder(ctx, "order-1")
	require.NoError(t, err)
	if got.TxRef != tx.TxRef {
		t.Errorf("order lookup returned %s, want %s", got.TxRef, tx.TxRef)
	}
}

func TestServiceAdminAdjust(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, Limits{MaxWalletBalance: dec("50000.00"), MinTopUp: dec("1000.00")})

	newVal, err := svc.AdminAdjust(ctx, "admin", "user", FieldBalance, dec("150.00"), "goodwill credit")
	require.NoError(t, err)
	if !newVal.Equal(dec("150.00")) {
		t.Errorf("expected new balance 150.00, got %s", newVal)
	}

	_, err = svc.AdminAdjust(ctx, "admin", "user", FieldBalance, decimal.Zero, "noop")
	if apperr.KindOf(err) != apperr.KindValidation {
		t.Fatalf("expected validation error for zero delta, got %v", err)
	}
}

func TestConservationAcrossLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	_, err := store.Adjust(ctx, "buyer", FieldBalance, dec("5000.00"))
	require.NoError(t, err)
	before := total(t, store, "buyer", "vendor")

	// pay out of balance into escrow, then settle
	_, err = store.Adjust(ctx, "buyer", FieldBalance, dec("-1200.00"))
	require.NoError(t, err)
	hold(t, store, "FOOD-012345ABCDEF", "buyer", dec("1200.00"))
	require.NoError(t, store.Release(ctx, "FOOD-012345ABCDEF", "vendor", dec("1020.00"), dec("180.00"), "FOOD"))

	after := total(t, store, "buyer", "vendor")
	if !before.Sub(after).Equal(dec("180.00")) {
		t.Errorf("only commission may leave the system: drained %s", before.Sub(after))
	}

	comms := store.Commissions()
	if len(comms) != 1 || !comms[0].Amount.Equal(dec("180.00")) {
		t.Errorf("commission not booked: %+v", comms)
	}
}
