package orders

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/commission"
	"github.com/tobenna/marketledger/internal/wallet"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func testRates() *commission.Resolver {
	return commission.NewResolver(commission.NewMemoryStore(), map[string]decimal.Decimal{
		commission.KindDelivery: dec("0.85"),
		commission.KindFood:     dec("0.85"),
		commission.KindLaundry:  dec("0.85"),
		commission.KindProduct:  dec("0.90"),
	})
}

// materialize simulates what webhook materialization does: hold the
// amount in the payer's escrow and persist the order.
func materialize(t *testing.T, svc *Service, ledger *wallet.MemoryStore, o Settleable, txRef string) {
	t.Helper()
	ctx := context.Background()

	c := core(o)
	c.TxRef = txRef
	c.Status = InitialStatus(o.OrderKind())
	c.PaymentStatus = PaymentPaid
	c.EscrowStatus = EscrowHeld

	err := ledger.Hold(ctx, &wallet.Transaction{
		TxRef:      txRef,
		Amount:     o.Total(),
		FromUserID: o.Payer(),
		ToUserID:   o.Payee(),
		OrderID:    c.ID,
		Type:       wallet.TxFoodOrder,
	})
	require.NoError(t, err)
	require.NoError(t, svc.Create(ctx, o))
}

func newFoodService(t *testing.T) (*Service, *wallet.MemoryStore, *FoodOrder) {
	t.Helper()
	ledger := wallet.NewMemoryStore()
	svc := NewService(NewMemoryStore(), ledger, testRates())

	o := &FoodOrder{
		Core: Core{
			ID:      "food-1",
			PayerID: "customer",
			PayeeID: "vendor",
			Amount:  dec("5000.00"),
		},
		Items:       []LineItem{{Name: "Jollof rice", Quantity: 3, UnitPrice: dec("1500.00")}},
		DeliveryFee: dec("500.00"),
	}
	materialize(t, svc, ledger, o, "FOOD-0000000000AA")
	return svc, ledger, o
}

func TestFoodOrderFullLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newFoodService(t)

	if _, err := svc.VendorAccept(ctx, KindFood, o.ID, "vendor"); err != nil {
		t.Fatalf("VendorAccept failed: %v", err)
	}
	if _, err := svc.MarkReady(ctx, KindFood, o.ID, "vendor"); err != nil {
		t.Fatalf("MarkReady failed: %v", err)
	}

	got, err := svc.ConfirmReceipt(ctx, KindFood, o.ID, "customer")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCompleted || got.Escrow() != EscrowReleased {
		t.Errorf("order not settled: %s / %s", got.OrderStatus(), got.Escrow())
	}

	vendor, _ := ledger.Get(ctx, "vendor")
	if !vendor.Balance.Equal(dec("4250.00")) {
		t.Errorf("vendor should get 85%% of 5000 = 4250, got %s", vendor.Balance)
	}
	customer, _ := ledger.Get(ctx, "customer")
	if !customer.EscrowBalance.IsZero() {
		t.Errorf("customer escrow should be drained, got %s", customer.EscrowBalance)
	}

	// replay must conflict and not pay twice
	_, err = svc.ConfirmReceipt(ctx, KindFood, o.ID, "customer")
	if apperr.KindOf(err) != apperr.KindConflict {
		t.Fatalf("expected conflict on second confirm, got %v", err)
	}
	vendor, _ = ledger.Get(ctx, "vendor")
	if !vendor.Balance.Equal(dec("4250.00")) {
		t.Errorf("second confirm mutated the ledger: %s", vendor.Balance)
	}
}

func TestVendorRejectRefunds(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newFoodService(t)

	got, err := svc.VendorReject(ctx, KindFood, o.ID, "vendor", "out of stock")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCancelled || got.Escrow() != EscrowRefunded {
		t.Errorf("reject should cancel and refund: %s / %s", got.OrderStatus(), got.Escrow())
	}

	customer, _ := ledger.Get(ctx, "customer")
	if !customer.Balance.Equal(dec("5000.00")) || !customer.EscrowBalance.IsZero() {
		t.Errorf("refund wrong: balance=%s escrow=%s", customer.Balance, customer.EscrowBalance)
	}
}

func TestTransitionAuthorization(t *testing.T) {
	ctx := context.Background()
	svc, _, o := newFoodService(t)

	if _, err := svc.VendorAccept(ctx, KindFood, o.ID, "impostor"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Errorf("impostor accept should be rejected, got %v", err)
	}
	if _, err := svc.ConfirmReceipt(ctx, KindFood, o.ID, "vendor"); apperr.KindOf(err) != apperr.KindAuthorization {
		t.Errorf("vendor confirming own payout should be rejected, got %v", err)
	}
}

func TestConfirmBeforeReadyConflicts(t *testing.T) {
	ctx := context.Background()
	svc, _, o := newFoodService(t)

	if _, err := svc.ConfirmReceipt(ctx, KindFood, o.ID, "customer"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("confirm on PENDING order should conflict, got %v", err)
	}
}

func TestCancelBoundaryVendorKinds(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newFoodService(t)

	_, err := svc.VendorAccept(ctx, KindFood, o.ID, "vendor")
	require.NoError(t, err)

	// past PENDING the cancellation window has closed
	if _, err := svc.Cancel(ctx, KindFood, o.ID, "customer", "changed my mind"); apperr.KindOf(err) != apperr.KindConflict {
		t.Errorf("cancel after PREPARING should conflict, got %v", err)
	}

	customer, _ := ledger.Get(ctx, "customer")
	if !customer.EscrowBalance.Equal(dec("5000.00")) {
		t.Errorf("failed cancel must not touch escrow: %s", customer.EscrowBalance)
	}
}

func TestCancelWhilePendingRefunds(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newFoodService(t)

	got, err := svc.Cancel(ctx, KindFood, o.ID, "customer", "ordered by mistake")
	require.NoError(t, err)
	if got.Escrow() != EscrowRefunded {
		t.Errorf("PENDING cancel should refund, got %s", got.Escrow())
	}
	customer, _ := ledger.Get(ctx, "customer")
	if !customer.Balance.Equal(dec("5000.00")) {
		t.Errorf("refund not applied: %s", customer.Balance)
	}
}

func newDeliveryService(t *testing.T) (*Service, *wallet.MemoryStore, *DeliveryOrder) {
	t.Helper()
	ledger := wallet.NewMemoryStore()
	svc := NewService(NewMemoryStore(), ledger, testRates())

	o := &DeliveryOrder{
		Core: Core{
			ID:      "del-1",
			PayerID: "sender",
			Amount:  dec("800.00"),
		},
		PickupLocation: "Yaba",
		Destination:    "Lekki",
		DistanceKm:     dec("3.0"),
	}
	materialize(t, svc, ledger, o, "DEL-0000000000BB")
	return svc, ledger, o
}

func TestDeliveryFullLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newDeliveryService(t)

	if _, err := svc.AssignRider(ctx, o.ID, "sender", "rider"); err != nil {
		t.Fatalf("AssignRider failed: %v", err)
	}
	if _, err := svc.RiderAccept(ctx, o.ID, "rider"); err != nil {
		t.Fatalf("RiderAccept failed: %v", err)
	}
	if _, err := svc.RiderPickup(ctx, o.ID, "rider"); err != nil {
		t.Fatalf("RiderPickup failed: %v", err)
	}

	// fee is secured in the rider's escrow after pickup
	rider, _ := ledger.Get(ctx, "rider")
	if !rider.EscrowBalance.Equal(dec("800.00")) {
		t.Errorf("rider escrow after pickup: %s", rider.EscrowBalance)
	}
	sender, _ := ledger.Get(ctx, "sender")
	if !sender.EscrowBalance.IsZero() {
		t.Errorf("sender escrow after pickup: %s", sender.EscrowBalance)
	}

	if _, err := svc.MarkDelivered(ctx, o.ID, "rider"); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	got, err := svc.ConfirmReceipt(ctx, KindDelivery, o.ID, "sender")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCompleted {
		t.Errorf("delivery should be COMPLETED, got %s", got.OrderStatus())
	}

	rider, _ = ledger.Get(ctx, "rider")
	if !rider.Balance.Equal(dec("680.00")) || !rider.EscrowBalance.IsZero() {
		t.Errorf("rider settlement wrong: balance=%s escrow=%s", rider.Balance, rider.EscrowBalance)
	}
}

func TestDeliveryDeclineReturnsToPool(t *testing.T) {
	ctx := context.Background()
	svc, _, o := newDeliveryService(t)

	_, err := svc.AssignRider(ctx, o.ID, "sender", "rider")
	require.NoError(t, err)

	got, err := svc.RiderDecline(ctx, o.ID, "rider")
	require.NoError(t, err)
	if got.OrderStatus() != StatusPaidNeedsRider || got.Payee() != "" {
		t.Errorf("decline should unassign: %s payee=%q", got.OrderStatus(), got.Payee())
	}

	// a different rider can now be assigned
	if _, err := svc.AssignRider(ctx, o.ID, "sender", "rider2"); err != nil {
		t.Fatalf("reassign after decline failed: %v", err)
	}
}

func TestDeliveryCancelBoundary(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newDeliveryService(t)

	_, err := svc.AssignRider(ctx, o.ID, "sender", "rider")
	require.NoError(t, err)
	_, err = svc.RiderAccept(ctx, o.ID, "rider")
	require.NoError(t, err)

	// before pickup the sender gets their money back
	got, err := svc.Cancel(ctx, KindDelivery, o.ID, "sender", "no longer needed")
	require.NoError(t, err)
	if got.Escrow() != EscrowRefunded {
		t.Errorf("pre-pickup cancel should refund, got %s", got.Escrow())
	}
	sender, _ := ledger.Get(ctx, "sender")
	if !sender.Balance.Equal(dec("800.00")) {
		t.Errorf("refund not applied: %s", sender.Balance)
	}
}

func TestDeliveryCancelAfterPickupKeepsFundsHeld(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newDeliveryService(t)

	_, err := svc.AssignRider(ctx, o.ID, "sender", "rider")
	require.NoError(t, err)
	_, err = svc.RiderPickup(ctx, o.ID, "rider")
	require.NoError(t, err)

	got, err := svc.Cancel(ctx, KindDelivery, o.ID, "sender", "dispute incoming")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCancelled || got.Escrow() != EscrowHeld {
		t.Errorf("post-pickup cancel should keep funds held: %s / %s", got.OrderStatus(), got.Escrow())
	}

	rider, _ := ledger.Get(ctx, "rider")
	if !rider.EscrowBalance.Equal(dec("800.00")) {
		t.Errorf("fee should stay in rider escrow for dispute resolution: %s", rider.EscrowBalance)
	}
}

func TestDeliveryConfirmAfterLateCancelPaysFee(t *testing.T) {
	ctx := context.Background()
	svc, ledger, o := newDeliveryService(t)

	_, err := svc.AssignRider(ctx, o.ID, "sender", "rider")
	require.NoError(t, err)
	_, err = svc.RiderPickup(ctx, o.ID, "rider")
	require.NoError(t, err)
	_, err = svc.Cancel(ctx, KindDelivery, o.ID, "sender", "changed my mind mid-route")
	require.NoError(t, err)

	// the package still arrives; confirming receipt settles the held fee
	got, err := svc.ConfirmReceipt(ctx, KindDelivery, o.ID, "sender")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCancelled || got.Escrow() != EscrowReleased {
		t.Errorf("late-cancel confirm: status=%s escrow=%s", got.OrderStatus(), got.Escrow())
	}

	rider, _ := ledger.Get(ctx, "rider")
	if !rider.Balance.Equal(dec("680.00")) || !rider.EscrowBalance.IsZero() {
		t.Errorf("fee not settled: balance=%s escrow=%s", rider.Balance, rider.EscrowBalance)
	}

	_, err = svc.ConfirmReceipt(ctx, KindDelivery, o.ID, "sender")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestProductLifecycleStatuses(t *testing.T) {
	ctx := context.Background()
	ledger := wallet.NewMemoryStore()
	svc := NewService(NewMemoryStore(), ledger, testRates())

	o := &ProductOrder{
		Core:  Core{ID: "prod-1", PayerID: "buyer", PayeeID: "seller", Amount: dec("2000.00")},
		Items: []LineItem{{Name: "Sneakers", Quantity: 1, UnitPrice: dec("2000.00")}},
	}
	materialize(t, svc, ledger, o, "PRODUCT-0000000000CC")

	got, err := svc.VendorAccept(ctx, KindProduct, o.ID, "seller")
	require.NoError(t, err)
	if got.OrderStatus() != StatusAccepted {
		t.Errorf("product accept should go to ACCEPTED, got %s", got.OrderStatus())
	}

	_, err = svc.MarkReady(ctx, KindProduct, o.ID, "seller")
	require.NoError(t, err)
	got, err = svc.ConfirmReceipt(ctx, KindProduct, o.ID, "buyer")
	require.NoError(t, err)
	if got.OrderStatus() != StatusCompleted {
		t.Errorf("expected COMPLETED, got %s", got.OrderStatus())
	}

	// product rate is 0.90
	seller, _ := ledger.Get(ctx, "seller")
	if !seller.Balance.Equal(dec("1800.00")) {
		t.Errorf("seller should get 90%% of 2000 = 1800, got %s", seller.Balance)
	}
}

func TestTransitionTable(t *testing.T) {
	if CanTransition(KindFood, StatusReady, StatusPreparing) {
		t.Error("food READY must not regress to PREPARING")
	}
	if CanTransition(KindFood, StatusPreparing, StatusCancelled) {
		t.Error("food PREPARING must not cancel")
	}
	if !CanTransition(KindDelivery, StatusInTransit, StatusCancelled) {
		t.Error("delivery IN_TRANSIT may cancel (without refund)")
	}
	if CanTransition(KindDelivery, StatusDelivered, StatusCancelled) {
		t.Error("delivery DELIVERED must not cancel")
	}
	if !CanTransition(KindProduct, StatusPending, StatusAccepted) {
		t.Error("product PENDING should accept")
	}
}
