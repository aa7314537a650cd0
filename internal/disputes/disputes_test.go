package disputes

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/tobenna/marketledger/internal/agreements"
	"github.com/tobenna/marketledger/internal/apperr"
	"github.com/tobenna/marketledger/internal/commission"
	"github.com/tobenna/marketledger/internal/orders"
	"github.com/tobenna/marketledger/internal/pagination"
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
		commission.KindFood:      dec("0.85"),
		commission.KindDelivery:  dec("0.85"),
		commission.KindLaundry:   dec("0.85"),
		commission.KindProduct:   dec("0.90"),
		commission.KindAgreement: dec("0.95"),
	})
}

type rig struct {
	ledger       *wallet.MemoryStore
	orderSvc     *orders.Service
	agreementSvc *agreements.Service
	svc          *Service
}

func newRig(t *testing.T) *rig {
	t.Helper()
	ledger := wallet.NewMemoryStore()
	rates := testRates()
	orderSvc := orders.NewService(orders.NewMemoryStore(), ledger, rates)
	agreementSvc := agreements.NewService(agreements.NewMemoryStore(), ledger, rates)
	svc := NewService(NewMemoryStore(), orderSvc, agreementSvc)
	agreementSvc.WithDisputes(svc)
	return &rig{ledger: ledger, orderSvc: orderSvc, agreementSvc: agreementSvc, svc: svc}
}

// heldFoodOrder stages a paid food order past the refund boundary.
func (r *rig) heldFoodOrder(t *testing.T, id, txRef string) *orders.FoodOrder {
	t.Helper()
	ctx := context.Background()

	o := &orders.FoodOrder{
		Core: orders.Core{
			ID:            id,
			TxRef:         txRef,
			PayerID:       "customer",
			PayeeID:       "vendor",
			Amount:        dec("5000"),
			Status:        orders.StatusPending,
			PaymentStatus: orders.PaymentPaid,
			EscrowStatus:  orders.EscrowHeld,
		},
		Items: []orders.LineItem{{Name: "Suya platter", Quantity: 1, UnitPrice: dec("5000")}},
	}
	err := r.ledger.Hold(ctx, &wallet.Transaction{
		TxRef:      txRef,
		Amount:     dec("5000"),
		FromUserID: "customer",
		ToUserID:   "vendor",
		OrderID:    id,
		Type:       wallet.TxFoodOrder,
	})
	require.NoError(t, err)
	require.NoError(t, r.orderSvc.Create(ctx, o))

	_, err = r.orderSvc.VendorAccept(ctx, orders.KindFood, id, "vendor")
	require.NoError(t, err)
	return o
}

func TestOpenForOrderSetsRespondent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "order never arrived")
	require.NoError(t, err)
	require.Equal(t, StatusOpen, d.Status)
	require.Equal(t, "vendor", d.RespondentID)
	require.Equal(t, TargetOrder, d.TargetType)

	// the vendor opening the same dispute points back at the customer
	d2, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "vendor", "customer unreachable")
	require.NoError(t, err)
	require.Equal(t, "customer", d2.RespondentID)

	_, err = r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "stranger", "nosy")
	require.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
}

func TestOpenRejectsSettledOrders(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	_, err := r.orderSvc.MarkReady(ctx, orders.KindFood, "food-1", "vendor")
	require.NoError(t, err)
	_, err = r.orderSvc.ConfirmReceipt(ctx, orders.KindFood, "food-1", "customer")
	require.NoError(t, err)

	_, err = r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "too late")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))
}

func TestResolveBuyerFavorRefunds(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "wrong order delivered")
	require.NoError(t, err)

	d, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeBuyerFavor, Notes: "vendor at fault"}, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusResolved, d.Status)
	require.Equal(t, OutcomeBuyerFavor, d.Outcome)
	require.Equal(t, "admin-1", d.ResolvedBy)
	require.NotNil(t, d.ResolvedAt)

	w, _ := r.ledger.Get(ctx, "customer")
	require.True(t, w.Balance.Equal(dec("5000")))
	require.True(t, w.EscrowBalance.IsZero())

	o, err := r.orderSvc.Get(ctx, orders.KindFood, "food-1", "customer", false)
	require.NoError(t, err)
	require.Equal(t, orders.StatusCancelled, o.OrderStatus())
	require.Equal(t, orders.EscrowRefunded, o.Escrow())

	// a second resolution finds the dispute terminal
	_, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeSellerFavor}, "admin-2")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	v, _ := r.ledger.Get(ctx, "vendor")
	require.True(t, v.Balance.IsZero(), "vendor got nothing after the refund")
}

func TestResolveSellerFavorReleases(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "vendor", "customer refuses pickup")
	require.NoError(t, err)

	d, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeSellerFavor}, "admin-1")
	require.NoError(t, err)
	require.Equal(t, OutcomeSellerFavor, d.Outcome)

	v, _ := r.ledger.Get(ctx, "vendor")
	require.True(t, v.Balance.Equal(dec("4250")), "85%% of 5000, got %s", v.Balance)

	o, _ := r.orderSvc.Get(ctx, orders.KindFood, "food-1", "vendor", false)
	require.Equal(t, orders.StatusCompleted, o.OrderStatus())
	require.Equal(t, orders.EscrowReleased, o.Escrow())
}

func TestResolveCompromiseSplits(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "half the order missing")
	require.NoError(t, err)

	_, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeCompromise}, "admin-1")
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err), "compromise needs a fraction")

	d, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeCompromise, RefundFraction: dec("0.4")}, "admin-1")
	require.NoError(t, err)

	// 2000 back to the customer, 85% of 3000 to the vendor
	cw, _ := r.ledger.Get(ctx, "customer")
	require.True(t, cw.Balance.Equal(dec("2000")))
	require.True(t, cw.EscrowBalance.IsZero())
	vw, _ := r.ledger.Get(ctx, "vendor")
	require.True(t, vw.Balance.Equal(dec("2550")))
}

func TestMessagesFollowDisputeLifecycle(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "cold food")
	require.NoError(t, err)

	_, err = r.svc.PostMessage(ctx, d.ID, "customer", "the food arrived cold", nil, false)
	require.NoError(t, err)
	_, err = r.svc.PostMessage(ctx, d.ID, "vendor", "photos attached", []string{"https://cdn.example/p1.jpg"}, false)
	require.NoError(t, err)
	_, err = r.svc.PostMessage(ctx, d.ID, "admin-1", "reviewing now", nil, true)
	require.NoError(t, err)

	_, err = r.svc.PostMessage(ctx, d.ID, "stranger", "hi", nil, false)
	require.Equal(t, apperr.KindAuthorization, apperr.KindOf(err))
	_, err = r.svc.PostMessage(ctx, d.ID, "customer", "", nil, false)
	require.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	msgs, err := r.svc.Messages(ctx, d.ID, "customer", false, 50)
	require.NoError(t, err)
	require.Len(t, msgs, 3)

	_, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeBuyerFavor}, "admin-1")
	require.NoError(t, err)

	_, err = r.svc.PostMessage(ctx, d.ID, "customer", "thanks", nil, false)
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "thread closes at resolution")
}

func TestReviewEscalateFlow(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.heldFoodOrder(t, "food-1", "FOOD-0000000000AA")

	d, err := r.svc.OpenForOrder(ctx, orders.KindFood, "food-1", "customer", "no show")
	require.NoError(t, err)

	_, err = r.svc.Escalate(ctx, d.ID, "admin-1")
	require.Equal(t, apperr.KindConflict, apperr.KindOf(err), "cannot escalate before review")

	d, err = r.svc.Review(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusUnderReview, d.Status)

	d, err = r.svc.Escalate(ctx, d.ID, "admin-1")
	require.NoError(t, err)
	require.Equal(t, StatusEscalated, d.Status)

	// escalated disputes can still be resolved
	_, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeBuyerFavor}, "admin-2")
	require.NoError(t, err)
}

func TestFundedAgreementRejectionEscalatesAndResolves(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	a, err := r.agreementSvc.Create(ctx, "initiator", &agreements.CreateRequest{
		Title:  "Logo design",
		Amount: dec("2000"),
		Recipients: []agreements.RecipientInput{
			{UserID: "designer", Share: dec("2000")},
		},
	})
	require.NoError(t, err)
	a, err = r.agreementSvc.Send(ctx, a.ID, "initiator")
	require.NoError(t, err)
	a, err = r.agreementSvc.Accept(ctx, a.ID, "designer", a.PartyFor("designer").InviteCode)
	require.NoError(t, err)

	_, err = r.ledger.Adjust(ctx, "initiator", wallet.FieldBalance, dec("2100"))
	require.NoError(t, err)
	_, err = r.agreementSvc.Fund(ctx, a.ID, "initiator")
	require.NoError(t, err)

	_, err = r.agreementSvc.Reject(ctx, a.ID, "designer", "scope changed")
	require.NoError(t, err)

	open, err := r.svc.ListActive(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	d := open[0]
	require.Equal(t, TargetAgreement, d.TargetType)
	require.Equal(t, a.ID, d.TargetID)

	d, err = r.svc.Resolve(ctx, d.ID, &Resolution{Outcome: OutcomeBuyerFavor, Notes: "full refund"}, "admin-1")
	require.NoError(t, err)

	w, _ := r.ledger.Get(ctx, "initiator")
	require.True(t, w.Balance.Equal(dec("2100")), "amount and commission returned, got %s", w.Balance)
	require.True(t, w.EscrowBalance.IsZero())
}

func TestListForUserPaginates(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	ids := []string{"food-1", "food-2", "food-3"}
	for i, id := range ids {
		r.heldFoodOrder(t, id, "FOOD-00000000000"+string(rune('A'+i)))
		_, err := r.svc.OpenForOrder(ctx, orders.KindFood, id, "customer", "late")
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}

	first, err := r.svc.ListForUser(ctx, "customer", 2, nil)
	require.NoError(t, err)
	require.Len(t, first, 2)
	require.Equal(t, "food-3", first[0].TargetID, "newest dispute comes first")
	require.Equal(t, "food-2", first[1].TargetID)

	cursor := &pagination.Cursor{CreatedAt: first[1].CreatedAt, ID: first[1].ID}
	rest, err := r.svc.ListForUser(ctx, "customer", 2, cursor)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "food-1", rest[0].TargetID)

	// the opaque wire form round-trips unchanged
	decoded, err := pagination.Parse(cursor.String())
	require.NoError(t, err)
	require.True(t, decoded.CreatedAt.Equal(cursor.CreatedAt))
	require.Equal(t, cursor.ID, decoded.ID)
}
